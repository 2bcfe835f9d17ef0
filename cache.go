package edgeward

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CacheBackend is the primary (shared) cache tier contract. Pattern accepts
// the same glob dialect as DeleteByPattern.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	HealthCheck(ctx context.Context) error
}

// RedisCacheBackend is the redis primary tier.
type RedisCacheBackend struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCacheBackend(rdb *redis.Client, namespace string) *RedisCacheBackend {
	if namespace == "" {
		namespace = "edgeward"
	}
	return &RedisCacheBackend{rdb: rdb, prefix: namespace + ":cache:"}
}

func (b *RedisCacheBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.rdb.Get(ctx, b.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (b *RedisCacheBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.rdb.Set(ctx, b.prefix+key, value, ttl).Err()
}

func (b *RedisCacheBackend) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = b.prefix + k
	}
	removed, err := b.rdb.Del(ctx, prefixed...).Result()
	return int(removed), err
}

// Keys scans for keys matching the glob. Redis MATCH shares the * and ?
// dialect, so the pattern passes through unchanged.
func (b *RedisCacheBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := b.rdb.Scan(ctx, 0, b.prefix+pattern, 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), b.prefix))
	}
	return out, iter.Err()
}

func (b *RedisCacheBackend) HealthCheck(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// CacheConfig tunes the dual-tier cache. Classes group entries by default
// TTL, e.g. volatile operational data against longer-lived reference data.
type CacheConfig struct {
	Classes       map[string]time.Duration
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	OpTimeout     time.Duration
}

func (cfg *CacheConfig) applyDefaults() {
	if cfg.Classes == nil {
		cfg.Classes = map[string]time.Duration{
			"volatile":  30 * time.Second,
			"reference": 10 * time.Minute,
		}
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 3 * time.Second
	}
}

// CacheSpec is the explicit per-operation cache configuration registered at
// startup: key derivation, TTL class, invalidation targets and an optional
// predicate that vetoes caching for particular arguments.
type CacheSpec struct {
	Operation          string
	KeyTemplate        string
	KeyFunc            func(args map[string]any) string
	Class              string
	Predicate          func(args map[string]any) bool
	InvalidateKeys     []string
	InvalidatePatterns []string
}

// Args packs positional call arguments under "0", "1", … for template
// substitution; map arguments merge in as named placeholders.
func Args(vals ...any) map[string]any {
	out := make(map[string]any, len(vals))
	for i, v := range vals {
		if m, ok := v.(map[string]any); ok {
			for k, mv := range m {
				out[k] = mv
			}
			continue
		}
		out[fmt.Sprintf("%d", i)] = v
	}
	return out
}

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Key derives the cache key for one call: template substitution when a
// template is set, the caller-supplied function when given, otherwise a
// stable hash over operation and serialized arguments.
func (cs CacheSpec) Key(args map[string]any) string {
	if cs.KeyTemplate != "" {
		return placeholderPattern.ReplaceAllStringFunc(cs.KeyTemplate, func(m string) string {
			name := m[1 : len(m)-1]
			if v, ok := args[name]; ok {
				return fmt.Sprintf("%v", v)
			}
			return m
		})
	}
	if cs.KeyFunc != nil {
		return cs.KeyFunc(args)
	}
	return defaultCacheKey(cs.Operation, args)
}

func defaultCacheKey(operation string, args map[string]any) string {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	h := fnv.New64a()
	h.Write([]byte(operation))
	for _, name := range names {
		serialized, _ := json.Marshal(args[name])
		fmt.Fprintf(h, "|%s=%s", name, serialized)
	}
	return fmt.Sprintf("%s:%016x", operation, h.Sum64())
}

// globToRegexp compiles the invalidation glob dialect (* any run, ? single
// character) into an anchored full-match expression.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

type cacheEntry struct {
	value      []byte
	insertedAt time.Time
	ttl        time.Duration
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

type cacheFlight struct {
	done chan struct{}
	val  []byte
	err  error
}

// ResponseCache is the dual-tier response store: an optional shared primary
// backend for cross-replica reuse plus an always-populated local fallback.
// Primary failures are absorbed; the fallback keeps serving.
type ResponseCache struct {
	cfg     CacheConfig
	log     zerolog.Logger
	primary CacheBackend
	now     func() time.Time

	mu      sync.RWMutex
	local   map[string]*cacheEntry
	flights map[string]*cacheFlight

	degraded atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

func NewResponseCache(cfg CacheConfig, primary CacheBackend, log zerolog.Logger) *ResponseCache {
	cfg.applyDefaults()
	rc := &ResponseCache{
		cfg:     cfg,
		log:     log,
		primary: primary,
		now:     time.Now,
		local:   make(map[string]*cacheEntry),
		flights: make(map[string]*cacheFlight),
		stop:    make(chan struct{}),
	}
	go rc.sweepLoop()
	return rc
}

func (rc *ResponseCache) Close() {
	rc.stopOnce.Do(func() { close(rc.stop) })
}

// TTLFor resolves a cache class to its TTL.
func (rc *ResponseCache) TTLFor(class string) time.Duration {
	if ttl, ok := rc.cfg.Classes[class]; ok {
		return ttl
	}
	return rc.cfg.DefaultTTL
}

// Degraded reports whether the primary tier last failed.
func (rc *ResponseCache) Degraded() bool { return rc.degraded.Load() }

// Get tries the primary tier first; on miss or primary failure it falls back
// to the local tier, validating TTL manually and evicting expired entries.
func (rc *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if rc.primary != nil {
		opCtx, cancel := context.WithTimeout(ctx, rc.cfg.OpTimeout)
		val, ok, err := rc.primary.Get(opCtx, key)
		cancel()
		if err == nil {
			rc.degraded.Store(false)
			if ok {
				return val, true
			}
		} else {
			rc.markDegraded(err)
		}
	}

	rc.mu.RLock()
	entry, ok := rc.local[key]
	rc.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if entry.expired(rc.now()) {
		rc.mu.Lock()
		if current, still := rc.local[key]; still && current == entry {
			delete(rc.local, key)
		}
		rc.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

// Set writes both tiers. The fallback write always happens; a primary write
// failure is logged and non-fatal.
func (rc *ResponseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = rc.cfg.DefaultTTL
	}
	rc.mu.Lock()
	rc.local[key] = &cacheEntry{value: value, insertedAt: rc.now(), ttl: ttl}
	rc.mu.Unlock()

	if rc.primary != nil {
		opCtx, cancel := context.WithTimeout(ctx, rc.cfg.OpTimeout)
		err := rc.primary.Set(opCtx, key, value, ttl)
		cancel()
		if err != nil {
			rc.markDegraded(err)
		}
	}
}

// Delete removes a key from both tiers; reports whether either tier held it.
func (rc *ResponseCache) Delete(ctx context.Context, key string) bool {
	rc.mu.Lock()
	_, existed := rc.local[key]
	delete(rc.local, key)
	rc.mu.Unlock()

	if rc.primary != nil {
		opCtx, cancel := context.WithTimeout(ctx, rc.cfg.OpTimeout)
		removed, err := rc.primary.Delete(opCtx, key)
		cancel()
		if err != nil {
			rc.markDegraded(err)
		} else if removed > 0 {
			existed = true
		}
	}
	return existed
}

// DeleteByPattern removes every key matching the glob from both tiers and
// returns how many distinct keys were removed.
func (rc *ResponseCache) DeleteByPattern(ctx context.Context, glob string) int {
	matcher, err := globToRegexp(glob)
	if err != nil {
		rc.log.Warn().Err(err).Str("pattern", glob).Msg("invalid invalidation pattern")
		return 0
	}

	removed := make(map[string]struct{})
	rc.mu.Lock()
	for key := range rc.local {
		if matcher.MatchString(key) {
			delete(rc.local, key)
			removed[key] = struct{}{}
		}
	}
	rc.mu.Unlock()

	if rc.primary != nil {
		opCtx, cancel := context.WithTimeout(ctx, rc.cfg.OpTimeout)
		defer cancel()
		keys, err := rc.primary.Keys(opCtx, glob)
		if err != nil {
			rc.markDegraded(err)
		} else if len(keys) > 0 {
			if _, err := rc.primary.Delete(opCtx, keys...); err != nil {
				rc.markDegraded(err)
			} else {
				for _, key := range keys {
					removed[key] = struct{}{}
				}
			}
		}
	}
	return len(removed)
}

// Exists reports whether the key is live in either tier.
func (rc *ResponseCache) Exists(ctx context.Context, key string) bool {
	_, ok := rc.Get(ctx, key)
	return ok
}

// Invalidate applies a spec's registered invalidation keys and patterns,
// substituting call arguments into key templates.
func (rc *ResponseCache) Invalidate(ctx context.Context, spec CacheSpec, args map[string]any) int {
	removed := 0
	for _, tmpl := range spec.InvalidateKeys {
		key := (CacheSpec{KeyTemplate: tmpl}).Key(args)
		if rc.Delete(ctx, key) {
			removed++
		}
	}
	for _, pattern := range spec.InvalidatePatterns {
		removed += rc.DeleteByPattern(ctx, pattern)
	}
	return removed
}

// Wrap executes fn through the cache: predicate veto bypasses caching, a hit
// returns the stored value, and concurrent misses for one key collapse into
// a single computation whose result every caller shares.
func (rc *ResponseCache) Wrap(ctx context.Context, spec CacheSpec, args map[string]any, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if spec.Predicate != nil && !spec.Predicate(args) {
		return fn(ctx)
	}
	key := spec.Key(args)
	if val, ok := rc.Get(ctx, key); ok {
		return val, nil
	}

	rc.mu.Lock()
	if flight, inFlight := rc.flights[key]; inFlight {
		rc.mu.Unlock()
		select {
		case <-flight.done:
			return flight.val, flight.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	// Re-check under the lock: a finished flight may have populated the
	// local tier after our miss.
	if entry, ok := rc.local[key]; ok && !entry.expired(rc.now()) {
		rc.mu.Unlock()
		return entry.value, nil
	}
	flight := &cacheFlight{done: make(chan struct{})}
	rc.flights[key] = flight
	rc.mu.Unlock()

	val, err := fn(ctx)
	if err == nil {
		rc.Set(ctx, key, val, rc.TTLFor(spec.Class))
	}
	flight.val, flight.err = val, err
	close(flight.done)

	rc.mu.Lock()
	delete(rc.flights, key)
	rc.mu.Unlock()
	return val, err
}

func (rc *ResponseCache) markDegraded(err error) {
	if !rc.degraded.Swap(true) {
		rc.log.Warn().Err(err).Msg("cache primary tier unavailable, serving fallback")
	}
}

// HealthCheck probes the primary tier when configured.
func (rc *ResponseCache) HealthCheck(ctx context.Context) error {
	if rc.primary == nil {
		return nil
	}
	return rc.primary.HealthCheck(ctx)
}

func (rc *ResponseCache) sweepLoop() {
	ticker := time.NewTicker(rc.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rc.stop:
			return
		case <-ticker.C:
			rc.sweepLocal()
		}
	}
}

func (rc *ResponseCache) sweepLocal() {
	now := rc.now()
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for key, entry := range rc.local {
		if entry.expired(now) {
			delete(rc.local, key)
		}
	}
}
