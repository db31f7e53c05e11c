package ratelimit

import (
	"testing"
	"time"

	"adblast/pkg/logx"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
func newFakeClock() *fakeClock               { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	l := New(cfg, logx.Nop())
	c := newFakeClock()
	l.SetClock(c.Now)
	return l, c
}

func TestBurstThenDenyWithCooldownEvent(t *testing.T) {
	l, _ := newTestLimiter(Config{TokensPerMinute: 30, Burst: 10, Cooldown: time.Minute})

	var gotKey string
	var gotUntil time.Time
	events := 0
	l.OnCooldown = func(key string, until time.Time) {
		events++
		gotKey = key
		gotUntil = until
	}

	for i := 0; i < 10; i++ {
		if !l.CanSend("6281234") {
			t.Fatalf("call %d: expected allow", i+1)
		}
	}
	if l.CanSend("6281234") {
		t.Fatalf("11th call: expected deny")
	}
	if events != 1 {
		t.Fatalf("expected exactly 1 cooldown event, got %d", events)
	}
	if gotKey != "6281234" {
		t.Fatalf("cooldown event for wrong recipient: %q", gotKey)
	}
	if gotUntil.IsZero() {
		t.Fatalf("cooldown event missing until timestamp")
	}
}

func TestCooldownBlocksUntilExpiry(t *testing.T) {
	l, clock := newTestLimiter(Config{TokensPerMinute: 60, Burst: 1, Cooldown: time.Minute})

	if !l.CanSend("r") {
		t.Fatalf("first send should be allowed")
	}
	if l.CanSend("r") {
		t.Fatalf("bucket empty, expected deny")
	}

	// Repeated calls during cooldown keep denying, even after enough elapsed
	// time for refill math to grant tokens.
	clock.Advance(30 * time.Second)
	for i := 0; i < 5; i++ {
		if l.CanSend("r") {
			t.Fatalf("call during cooldown should deny")
		}
	}
	if d, ok := l.CooldownRemaining("r"); !ok || d <= 0 {
		t.Fatalf("expected active cooldown, got %v ok=%v", d, ok)
	}
	if got := l.Remaining("r"); got != 0 {
		t.Fatalf("remaining during cooldown = %d, want 0", got)
	}

	// Past the cooldown the bucket becomes valid again and the elapsed time
	// refills it.
	clock.Advance(31 * time.Second)
	if _, ok := l.CooldownRemaining("r"); ok {
		t.Fatalf("cooldown should have expired")
	}
	if !l.CanSend("r") {
		t.Fatalf("expected allow after cooldown expiry")
	}
}

func TestTokensNeverExceedBurst(t *testing.T) {
	l, clock := newTestLimiter(Config{TokensPerMinute: 60, Burst: 5, Cooldown: time.Minute})

	// Consume two, then wait far longer than needed to refill.
	if !l.CanSend("r") || !l.CanSend("r") {
		t.Fatalf("expected first two sends to be allowed")
	}
	clock.Advance(time.Hour)
	if got := l.Remaining("r"); got != 5 {
		t.Fatalf("remaining after long idle = %d, want burst cap 5", got)
	}

	// Unknown recipients report a full bucket.
	if got := l.Remaining("fresh"); got != 5 {
		t.Fatalf("fresh recipient remaining = %d, want 5", got)
	}
}

func TestRefillTimestampOnlyAdvancesWhenTokensAdded(t *testing.T) {
	l, clock := newTestLimiter(Config{TokensPerMinute: 60, Burst: 3, Cooldown: time.Minute})

	for i := 0; i < 3; i++ {
		if !l.CanSend("r") {
			t.Fatalf("call %d: expected allow", i+1)
		}
	}

	// 1 token per second at 60/min. Hammering every 200ms must not reset the
	// refill window; after a full second one token must have accrued.
	for i := 0; i < 4; i++ {
		clock.Advance(200 * time.Millisecond)
		l.Remaining("r") // passive reads must not disturb refill state
	}
	clock.Advance(200 * time.Millisecond)
	if !l.CanSend("r") {
		t.Fatalf("expected one token after a full second of accrual")
	}
}

func TestApplyClampsExistingBuckets(t *testing.T) {
	l, _ := newTestLimiter(Config{TokensPerMinute: 60, Burst: 10, Cooldown: time.Minute})

	if !l.CanSend("r") {
		t.Fatalf("expected allow")
	}
	l.Apply(Config{TokensPerMinute: 60, Burst: 3, Cooldown: time.Minute})
	if got := l.Remaining("r"); got != 3 {
		t.Fatalf("remaining after shrink = %d, want clamped 3", got)
	}
}
