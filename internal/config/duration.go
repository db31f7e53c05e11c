package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields are stored as strings in the decoded config; each section
// exposes them as parsed time.Duration values with its documented default
// applied when the field is omitted.

func (c StorageConfig) BusyTimeoutDuration() (time.Duration, error) {
	return parseDuration("storage.busy_timeout", c.BusyTimeout, 0)
}

func (c RateLimitConfig) CooldownDuration() (time.Duration, error) {
	return parseDuration("ratelimit.cooldown", c.Cooldown, 5*time.Minute)
}

func (c DispatchConfig) SendDelayDuration() (time.Duration, error) {
	return parseDuration("dispatch.send_delay", c.SendDelay, time.Second)
}

func (c DispatchConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration("dispatch.timeout", c.Timeout, 0)
}

func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
