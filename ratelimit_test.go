package edgeward

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func singleTierProfiles(limit int, window time.Duration) map[Profile]PolicyTable {
	policy := Policy{Name: "test", Tiers: []RateTier{{Name: "only", Limit: limit, Window: window}}}
	return map[Profile]PolicyTable{
		ProfileAnonymous: {Default: policy},
	}
}

func TestCheckFixedWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Profiles: singleTierProfiles(3, time.Minute)}, nil, zerolog.Nop())
	clock := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := rl.Check(ctx, "10.0.0.1", "/items", ProfileAnonymous); !d.Allowed {
			t.Fatalf("request %d: expected admit, got %+v", i+1, d)
		}
	}
	d := rl.Check(ctx, "10.0.0.1", "/items", ProfileAnonymous)
	if d.Allowed || d.Reason != ReasonRateExceeded {
		t.Fatalf("expected rate reject, got %+v", d)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("expected retry hint within the window, got %v", d.RetryAfter)
	}

	// Scopes are independent.
	if d := rl.Check(ctx, "10.0.0.2", "/items", ProfileAnonymous); !d.Allowed {
		t.Fatalf("expected distinct scope admitted, got %+v", d)
	}

	// The next window starts a fresh count.
	clock = clock.Add(2 * time.Minute)
	if d := rl.Check(ctx, "10.0.0.1", "/items", ProfileAnonymous); !d.Allowed {
		t.Fatalf("expected admit in next window, got %+v", d)
	}
}

func TestCheckOperationPolicyOverride(t *testing.T) {
	profiles := map[Profile]PolicyTable{
		ProfileAnonymous: {
			Default: Policy{Name: "default", Tiers: []RateTier{{Name: "only", Limit: 100, Window: time.Minute}}},
			Operations: map[string]Policy{
				"login": {Name: "login", Tiers: []RateTier{{Name: "only", Limit: 1, Window: time.Minute}}},
			},
		},
	}
	rl := NewRateLimiter(RateLimiterConfig{Profiles: profiles}, nil, zerolog.Nop())
	ctx := context.Background()

	if d := rl.Check(ctx, "10.0.0.3", "login", ProfileAnonymous); !d.Allowed {
		t.Fatalf("expected first login admitted, got %+v", d)
	}
	if d := rl.Check(ctx, "10.0.0.3", "login", ProfileAnonymous); d.Allowed {
		t.Fatalf("expected second login rejected by operation policy")
	}
	// The default policy still applies to other operations.
	if d := rl.Check(ctx, "10.0.0.3", "/items", ProfileAnonymous); !d.Allowed {
		t.Fatalf("expected default policy admit, got %+v", d)
	}
}

func TestCheckUnknownProfileFallsBackToAnonymous(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Profiles: singleTierProfiles(1, time.Minute)}, nil, zerolog.Nop())
	ctx := context.Background()

	if d := rl.Check(ctx, "10.0.0.4", "/items", Profile("mystery")); !d.Allowed {
		t.Fatalf("expected first request admitted, got %+v", d)
	}
	if d := rl.Check(ctx, "10.0.0.4", "/items", Profile("mystery")); d.Allowed {
		t.Fatalf("expected unknown profile limited by the anonymous table")
	}
}

func TestBypassedPaths(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{}, nil, zerolog.Nop())
	cases := map[string]bool{
		"/health":      true,
		"/health/live": true,
		"/healthz":     false,
		"/items":       false,
		"/metrics":     true,
	}
	for path, want := range cases {
		if got := rl.Bypassed(path); got != want {
			t.Fatalf("Bypassed(%q) = %v, want %v", path, got, want)
		}
	}
}

type stubCounterBackend struct {
	fail  bool
	count int64
}

func (b *stubCounterBackend) Incr(context.Context, string, time.Duration) (int64, error) {
	if b.fail {
		return 0, errors.New("backend down")
	}
	b.count++
	return b.count, nil
}

func (b *stubCounterBackend) HealthCheck(context.Context) error {
	if b.fail {
		return errors.New("backend down")
	}
	return nil
}

func TestDegradeToLocalCounters(t *testing.T) {
	backend := &stubCounterBackend{fail: true}
	rl := NewRateLimiter(RateLimiterConfig{Profiles: singleTierProfiles(2, time.Minute)}, backend, zerolog.Nop())
	ctx := context.Background()

	// Backend failure never surfaces to the caller; local counters enforce.
	for i := 0; i < 2; i++ {
		if d := rl.Check(ctx, "10.0.0.5", "/items", ProfileAnonymous); !d.Allowed {
			t.Fatalf("request %d: expected admit on degraded limiter, got %+v", i+1, d)
		}
	}
	if !rl.Degraded() {
		t.Fatalf("expected degraded flag set after backend failure")
	}
	if d := rl.Check(ctx, "10.0.0.5", "/items", ProfileAnonymous); d.Allowed {
		t.Fatalf("expected local counter to enforce the limit while degraded")
	}

	backend.fail = false
	rl.Check(ctx, "10.0.0.6", "/items", ProfileAnonymous)
	if rl.Degraded() {
		t.Fatalf("expected degraded flag cleared after backend recovery")
	}
}

func TestSweepLocalDropsExpiredCounters(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Profiles: singleTierProfiles(10, time.Minute)}, nil, zerolog.Nop())
	clock := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	rl.Check(context.Background(), "10.0.0.7", "/items", ProfileAnonymous)
	clock = clock.Add(2 * time.Minute)
	rl.SweepLocal(time.Minute)

	rl.mu.Lock()
	remaining := len(rl.counters)
	rl.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected expired counters swept, got %d", remaining)
	}
}
