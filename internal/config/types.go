package config

// Config is the full application configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Unknown keys are rejected at load time so typos surface early.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	HTTP      HTTPConfig      `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig points at the SQLite database file.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RateLimitConfig tunes the per-recipient token buckets.
//
// Defaults (when fields are omitted/zero):
//   - tokens_per_minute: 30
//   - burst: 10
//   - cooldown: "5m"
type RateLimitConfig struct {
	TokensPerMinute int    `json:"tokens_per_minute,omitempty"`
	Burst           int    `json:"burst,omitempty"`
	Cooldown        string `json:"cooldown,omitempty"`
}

// DispatchConfig tunes the job processor and the scheduler.
type DispatchConfig struct {
	// SendDelay is the fixed inter-recipient pacing. Default "1s".
	SendDelay string `json:"send_delay,omitempty"`
	// Timeout bounds one timer-fired dispatch. "0s" disables it.
	Timeout string `json:"timeout,omitempty"`
	// DryRun routes sends to the logging transport instead of a real client.
	DryRun bool `json:"dry_run,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"
}
