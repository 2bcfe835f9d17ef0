package edgeward

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Profile selects among policy tables by authentication state.
type Profile string

const (
	ProfileAnonymous     Profile = "anonymous"
	ProfileAuthenticated Profile = "authenticated"
	ProfileElevated      Profile = "elevated"
)

// RateTier is one (limit, window) pair inside a policy.
type RateTier struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Policy is a named set of tiers, all of which must admit a request.
type Policy struct {
	Name  string
	Tiers []RateTier
}

// PolicyTable maps operations to policies for one profile, with a default for
// unmatched operations.
type PolicyTable struct {
	Default    Policy
	Operations map[string]Policy
}

// CounterBackend is the contract for an optional shared counter store that
// coordinates limits across gateway replicas. Incr returns the count within
// the current fixed window for the key.
type CounterBackend interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	HealthCheck(ctx context.Context) error
}

// RedisCounterBackend coordinates counters through redis using INCR plus a
// window-scoped EXPIRE set on first increment.
type RedisCounterBackend struct {
	rdb *redis.Client
}

func NewRedisCounterBackend(rdb *redis.Client) *RedisCounterBackend {
	return &RedisCounterBackend{rdb: rdb}
}

func (b *RedisCounterBackend) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := b.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (b *RedisCounterBackend) HealthCheck(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// RateLimiterConfig wires the limiter. Profiles missing from the map reuse
// the anonymous table so an unknown auth state never escapes limiting.
type RateLimiterConfig struct {
	Profiles    map[Profile]PolicyTable
	BypassPaths []string
	Namespace   string
	OpTimeout   time.Duration
}

func (cfg *RateLimiterConfig) applyDefaults() {
	if cfg.Profiles == nil {
		cfg.Profiles = DefaultPolicyTables()
	}
	if len(cfg.BypassPaths) == 0 {
		cfg.BypassPaths = []string{"/health", "/status", "/metrics", "/ws"}
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "edgeward"
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 3 * time.Second
	}
}

// DefaultPolicyTables returns the built-in profile tables: anonymous stricter
// than authenticated, authenticated stricter than elevated.
func DefaultPolicyTables() map[Profile]PolicyTable {
	scale := func(name string, short, medium, long, daily int) Policy {
		return Policy{Name: name, Tiers: []RateTier{
			{Name: "short", Limit: short, Window: 10 * time.Second},
			{Name: "medium", Limit: medium, Window: time.Minute},
			{Name: "long", Limit: long, Window: time.Hour},
			{Name: "daily", Limit: daily, Window: 24 * time.Hour},
		}}
	}
	login := func(name string, short, medium, long int) Policy {
		return Policy{Name: name, Tiers: []RateTier{
			{Name: "short", Limit: short, Window: time.Minute},
			{Name: "medium", Limit: medium, Window: 15 * time.Minute},
			{Name: "long", Limit: long, Window: time.Hour},
		}}
	}
	return map[Profile]PolicyTable{
		ProfileAnonymous: {
			Default: scale("anonymous-default", 20, 60, 1000, 5000),
			Operations: map[string]Policy{
				"login": login("anonymous-login", 5, 15, 30),
			},
		},
		ProfileAuthenticated: {
			Default: scale("authenticated-default", 50, 200, 5000, 20000),
			Operations: map[string]Policy{
				"login": login("authenticated-login", 10, 30, 60),
			},
		},
		ProfileElevated: {
			Default: scale("elevated-default", 100, 500, 20000, 100000),
		},
	}
}

type localCounter struct {
	count int
	first time.Time
}

// RateLimiter enforces business-level multi-tier quotas, independent of the
// AbuseTracker. With a shared backend configured, counts coordinate across
// replicas; on backend failure it degrades to per-process counters, a weaker
// but explicit consistency guarantee, never a hard failure.
type RateLimiter struct {
	log     zerolog.Logger
	backend CounterBackend
	now     func() time.Time

	mu       sync.Mutex
	cfg      RateLimiterConfig
	counters map[string]*localCounter

	degraded atomic.Bool
}

func NewRateLimiter(cfg RateLimiterConfig, backend CounterBackend, log zerolog.Logger) *RateLimiter {
	cfg.applyDefaults()
	return &RateLimiter{
		log:      log,
		backend:  backend,
		now:      time.Now,
		cfg:      cfg,
		counters: make(map[string]*localCounter),
	}
}

// SetPolicies swaps the policy tables; called on config reload.
func (rl *RateLimiter) SetPolicies(profiles map[Profile]PolicyTable) {
	if len(profiles) == 0 {
		return
	}
	rl.mu.Lock()
	rl.cfg.Profiles = profiles
	rl.mu.Unlock()
}

// Degraded reports whether the limiter is currently running on per-process
// counters because the shared backend failed.
func (rl *RateLimiter) Degraded() bool { return rl.degraded.Load() }

// Bypassed reports whether a path skips every tier unconditionally.
func (rl *RateLimiter) Bypassed(path string) bool {
	for _, p := range rl.cfg.BypassPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Check admits or rejects one request for the given scope key and operation.
// Every tier of the resolved policy must admit; the first exhausted tier
// rejects with the time left in its window.
func (rl *RateLimiter) Check(ctx context.Context, scope, operation string, profile Profile) Decision {
	policy := rl.resolvePolicy(operation, profile)
	for _, tier := range policy.Tiers {
		key := fmt.Sprintf("%s:rl:%s:%s:%s:%s", rl.cfg.Namespace, profile, policy.Name, tier.Name, scope)
		count, retryAfter := rl.incr(ctx, key, tier.Window)
		if count > int64(tier.Limit) {
			if retryAfter <= 0 {
				retryAfter = tier.Window
			}
			return rejected(ReasonRateExceeded, retryAfter)
		}
	}
	return allowed
}

func (rl *RateLimiter) resolvePolicy(operation string, profile Profile) Policy {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	table, ok := rl.cfg.Profiles[profile]
	if !ok {
		table = rl.cfg.Profiles[ProfileAnonymous]
	}
	if policy, ok := table.Operations[operation]; ok {
		return policy
	}
	return table.Default
}

func (rl *RateLimiter) incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration) {
	if rl.backend != nil {
		opCtx, cancel := context.WithTimeout(ctx, rl.cfg.OpTimeout)
		count, err := rl.backend.Incr(opCtx, key, window)
		cancel()
		if err == nil {
			if rl.degraded.Swap(false) {
				rl.log.Info().Msg("rate limiter shared backend recovered")
			}
			// The shared window expiry is opaque; a full window is the
			// conservative retry hint.
			return count, window
		}
		if !rl.degraded.Swap(true) {
			rl.log.Warn().Err(err).Msg("rate limiter degraded to per-process counters")
		}
	}
	return rl.incrLocal(key, window)
}

func (rl *RateLimiter) incrLocal(key string, window time.Duration) (int64, time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	counter, ok := rl.counters[key]
	if !ok || now.Sub(counter.first) > window {
		rl.counters[key] = &localCounter{count: 1, first: now}
		return 1, window
	}
	counter.count++
	return int64(counter.count), counter.first.Add(window).Sub(now)
}

// SweepLocal drops expired per-process counters; callers run it on a timer
// alongside the other background sweeps.
func (rl *RateLimiter) SweepLocal(maxWindow time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, counter := range rl.counters {
		if now.Sub(counter.first) > maxWindow {
			delete(rl.counters, key)
		}
	}
}

// HealthCheck probes the shared backend when configured.
func (rl *RateLimiter) HealthCheck(ctx context.Context) error {
	if rl.backend == nil {
		return nil
	}
	return rl.backend.HealthCheck(ctx)
}
