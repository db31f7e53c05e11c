// Package transport defines the port to the messaging client that actually
// delivers campaign content. The engine never renders messages at send time:
// it forwards the template's stored message identifiers, so the client's own
// protocol and session handling stay out of the engine entirely.
package transport

import (
	"context"
	"time"

	"adblast/pkg/logx"
)

// Client is the contract the dispatch engine expects from a transport.
//
// ForwardStoredMessages must return a descriptive error on any delivery
// failure; silently dropping messages is not allowed.
type Client interface {
	IsReady() bool
	ForwardStoredMessages(ctx context.Context, recipient string, messageIDs []string) error
}

// DryRun is a transport that delivers nowhere. It logs each forward and
// reports ready, which makes the full engine runnable without a connected
// messaging session.
type DryRun struct {
	Log logx.Logger
	// Delay simulates per-send transport latency. Zero means instant.
	Delay time.Duration
}

func (d *DryRun) IsReady() bool { return true }

func (d *DryRun) ForwardStoredMessages(ctx context.Context, recipient string, messageIDs []string) error {
	if d.Delay > 0 {
		t := time.NewTimer(d.Delay)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
	}
	d.Log.Info("dry-run forward", logx.String("recipient", recipient), logx.Int("messages", len(messageIDs)))
	return nil
}
