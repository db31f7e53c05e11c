package ratelimit

import (
	"sync"
	"time"

	"adblast/pkg/logx"
)

// Config tunes the per-recipient token buckets.
type Config struct {
	// TokensPerMinute is the refill rate.
	TokensPerMinute int
	// Burst is the bucket capacity. New recipients start with a full bucket.
	Burst int
	// Cooldown is applied once a recipient is denied.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.TokensPerMinute <= 0 {
		c.TokensPerMinute = 30
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	return c
}

type bucket struct {
	tokens        int
	lastRefill    time.Time
	cooldownUntil time.Time
}

// Limiter is a per-recipient token bucket with cooldown escalation.
//
// It is purely in-memory and never fails: a deny is a normal control-flow
// result, not an error. Buckets are keyed by recipient identity so concurrent
// jobs targeting the same recipient share limiting state.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket

	log logx.Logger
	now func() time.Time

	// OnCooldown fires (outside the lock) when a recipient enters cooldown.
	OnCooldown func(key string, until time.Time)
}

func New(cfg Config, log logx.Logger) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{
		cfg:     cfg.withDefaults(),
		buckets: map[string]*bucket{},
		log:     log,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Apply swaps the limiter tunables at runtime. Existing buckets keep their
// state; token counts are clamped to the new burst capacity.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg.withDefaults()
	for _, b := range l.buckets {
		if b.tokens > l.cfg.Burst {
			b.tokens = l.cfg.Burst
		}
	}
}

// CanSend consumes one token for key if available. A denial starts the
// cooldown window; during cooldown every call denies without refilling.
func (l *Limiter) CanSend(key string) bool {
	l.mu.Lock()
	now := l.now()
	b := l.bucketLocked(key, now)

	if !b.cooldownUntil.IsZero() {
		if now.Before(b.cooldownUntil) {
			l.mu.Unlock()
			return false
		}
		b.cooldownUntil = time.Time{}
	}

	l.refillLocked(b, now)

	if b.tokens > 0 {
		b.tokens--
		l.mu.Unlock()
		return true
	}

	until := now.Add(l.cfg.Cooldown)
	b.cooldownUntil = until
	cb := l.OnCooldown
	l.mu.Unlock()

	l.log.Debug("recipient entered cooldown", logx.String("recipient", key), logx.Time("until", until))
	if cb != nil {
		cb(key, until)
	}
	return false
}

// Remaining reports the tokens currently available for key without consuming
// any. During an active cooldown it reports zero.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		return l.cfg.Burst
	}
	if !b.cooldownUntil.IsZero() && now.Before(b.cooldownUntil) {
		return 0
	}
	tokens := b.tokens + refillAmount(b.lastRefill, now, l.cfg.TokensPerMinute)
	if tokens > l.cfg.Burst {
		tokens = l.cfg.Burst
	}
	return tokens
}

// CooldownRemaining reports how long key stays in cooldown, if it is in one.
func (l *Limiter) CooldownRemaining(key string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok || b.cooldownUntil.IsZero() {
		return 0, false
	}
	d := b.cooldownUntil.Sub(l.now())
	if d <= 0 {
		return 0, false
	}
	return d, true
}

func (l *Limiter) bucketLocked(key string, now time.Time) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		// Zero history starts with a full bucket: a first burst is never limited.
		b = &bucket{tokens: l.cfg.Burst, lastRefill: now}
		l.buckets[key] = b
	}
	return b
}

func (l *Limiter) refillLocked(b *bucket, now time.Time) {
	add := refillAmount(b.lastRefill, now, l.cfg.TokensPerMinute)
	if add <= 0 {
		// Advance lastRefill only when tokens were actually added, otherwise
		// frequent near-zero-elapsed calls would starve the bucket forever.
		return
	}
	b.tokens += add
	if b.tokens > l.cfg.Burst {
		b.tokens = l.cfg.Burst
	}
	b.lastRefill = now
}

func refillAmount(last, now time.Time, perMinute int) int {
	elapsed := now.Sub(last)
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed.Minutes() * float64(perMinute))
}
