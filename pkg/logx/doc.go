// Package logx wraps zerolog behind a small value-type Logger so services can
// share a root logger whose sinks and level are swappable at runtime via
// Service.Apply, without re-plumbing logger instances through constructors.
package logx
