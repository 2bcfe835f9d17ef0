package edgeward

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RejectReason classifies an admission rejection.
type RejectReason string

const (
	ReasonBlacklisted        RejectReason = "blacklisted"
	ReasonTooManyConnections RejectReason = "too_many_connections"
	ReasonRateExceeded       RejectReason = "rate_exceeded"
	ReasonSuspiciousClient   RejectReason = "suspicious_client"
	ReasonBadUserAgent       RejectReason = "bad_user_agent"
	ReasonAutomation         RejectReason = "automation_signature"
	ReasonRepeatedSignature  RejectReason = "repeated_signature"
	ReasonInternalFault      RejectReason = "internal_fault"
)

// Decision is the outcome of an admission or rate-limit check.
type Decision struct {
	Allowed    bool
	Reason     RejectReason
	RetryAfter time.Duration
}

var allowed = Decision{Allowed: true}

func rejected(reason RejectReason, retryAfter time.Duration) Decision {
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

// Suspicious-mark sweep policies.
const (
	SuspiciousPolicyAmnesty   = "amnesty"
	SuspiciousPolicyRetention = "retention"
)

// RequestMeta carries the request attributes the tracker analyses.
type RequestMeta struct {
	Method    string
	Path      string
	UserAgent string
}

// AbuseConfig tunes the per-client admission checks. Zero values take the
// documented defaults.
type AbuseConfig struct {
	MaxConcurrent       int           `yaml:"maxConcurrent"`
	SettleDelay         time.Duration `yaml:"-"`
	Window              time.Duration `yaml:"-"`
	WindowLimit         int           `yaml:"windowLimit"`
	SuspiciousThreshold int           `yaml:"suspiciousThreshold"`
	SuspiciousLimit     int           `yaml:"suspiciousLimit"`
	MinUserAgentLength  int           `yaml:"minUserAgentLength"`
	RepeatSignatureMax  int           `yaml:"repeatSignatureMax"`

	// Distributed-attack heuristic: when more than DistributedClients
	// clients each exceed DistributedActivityFloor requests inside the same
	// window, every one of them is flagged suspicious. The scan walks the
	// whole client map, so it runs at most once per
	// DistributedScanInterval.
	DistributedClients       int           `yaml:"distributedClients"`
	DistributedActivityFloor int           `yaml:"distributedActivityFloor"`
	DistributedScanInterval  time.Duration `yaml:"-"`

	SweepInterval time.Duration `yaml:"-"`
	Retention     time.Duration `yaml:"-"`

	// SuspiciousPolicy decides what the sweep does with suspicious marks:
	// "amnesty" clears the whole set on every run (the historical leniency
	// policy, the default), "retention" only expires marks older than
	// Retention.
	SuspiciousPolicy string `yaml:"suspiciousPolicy"`

	WindowCapacity       int      `yaml:"-"`
	CrawlerAllowList     []string `yaml:"crawlerAllowList"`
	AutomationSignatures []string `yaml:"automationSignatures"`
}

func (cfg *AbuseConfig) applyDefaults() {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = 300
	}
	if cfg.SuspiciousThreshold <= 0 {
		cfg.SuspiciousThreshold = 200
	}
	if cfg.SuspiciousLimit <= 0 {
		cfg.SuspiciousLimit = 50
	}
	if cfg.MinUserAgentLength <= 0 {
		cfg.MinUserAgentLength = 8
	}
	if cfg.RepeatSignatureMax <= 0 {
		cfg.RepeatSignatureMax = 20
	}
	if cfg.DistributedClients <= 0 {
		cfg.DistributedClients = 20
	}
	if cfg.DistributedActivityFloor <= 0 {
		cfg.DistributedActivityFloor = cfg.WindowLimit / 3
	}
	if cfg.DistributedScanInterval <= 0 {
		cfg.DistributedScanInterval = time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	if cfg.SuspiciousPolicy == "" {
		cfg.SuspiciousPolicy = SuspiciousPolicyAmnesty
	}
	if cfg.WindowCapacity <= 0 {
		capacity := cfg.WindowLimit + cfg.WindowLimit/2
		if capacity < cfg.SuspiciousThreshold {
			capacity = cfg.SuspiciousThreshold * 2
		}
		cfg.WindowCapacity = capacity
	}
	if len(cfg.CrawlerAllowList) == 0 {
		cfg.CrawlerAllowList = []string{
			"googlebot", "bingbot", "duckduckbot", "slurp", "baiduspider", "yandexbot",
		}
	}
	if len(cfg.AutomationSignatures) == 0 {
		cfg.AutomationSignatures = []string{
			"curl", "wget", "python-requests", "python-urllib", "go-http-client",
			"java/", "apache-httpclient", "scrapy", "phantomjs", "headless",
			"bot", "crawler", "spider", "scanner", "nikto", "sqlmap",
		}
	}
}

// requestWindow is a fixed-capacity ring of request timestamps. When full the
// oldest entry is overwritten, which only ever under-counts ancient traffic.
type requestWindow struct {
	times []time.Time
	head  int
	size  int
}

func newRequestWindow(capacity int) *requestWindow {
	return &requestWindow{times: make([]time.Time, capacity)}
}

func (w *requestWindow) add(t time.Time) {
	idx := (w.head + w.size) % len(w.times)
	if w.size == len(w.times) {
		w.times[w.head] = t
		w.head = (w.head + 1) % len(w.times)
		return
	}
	w.times[idx] = t
	w.size++
}

func (w *requestWindow) countSince(cutoff time.Time) int {
	count := 0
	for i := 0; i < w.size; i++ {
		if !w.times[(w.head+i)%len(w.times)].Before(cutoff) {
			count++
		}
	}
	return count
}

func (w *requestWindow) dropBefore(cutoff time.Time) {
	for w.size > 0 && w.times[w.head].Before(cutoff) {
		w.head = (w.head + 1) % len(w.times)
		w.size--
	}
}

type signatureCounter struct {
	count int
	first time.Time
}

type clientState struct {
	connections  int
	window       *requestWindow
	signatures   map[string]*signatureCounter
	suspicious   bool
	suspiciousAt time.Time
	lastSeen     time.Time
}

// TrackerStats is the admin snapshot of tracker state.
type TrackerStats struct {
	Blacklisted       int `json:"blacklisted"`
	Suspicious        int `json:"suspicious"`
	ActiveClients     int `json:"activeClients"`
	ActiveConnections int `json:"activeConnections"`
}

// AbuseTracker performs stateful per-client admission control. All state
// lives in mutex-guarded maps keyed by ClientIdentity; a background sweep
// reclaims idle clients, stale windows and leaked connection counters.
type AbuseTracker struct {
	cfg AbuseConfig
	log zerolog.Logger
	now func() time.Time

	// onSuspicious, when set, is invoked on its own goroutine each time a
	// client gains the suspicious mark.
	onSuspicious func(id string, count int)

	mu           sync.Mutex
	clients      map[string]*clientState
	blacklist    map[string]string
	lastDistScan time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewAbuseTracker(cfg AbuseConfig, log zerolog.Logger) *AbuseTracker {
	cfg.applyDefaults()
	t := &AbuseTracker{
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		clients:   make(map[string]*clientState),
		blacklist: make(map[string]string),
		stop:      make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

func (t *AbuseTracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// SetOnSuspicious installs the flag callback; call before serving traffic.
func (t *AbuseTracker) SetOnSuspicious(fn func(id string, count int)) {
	t.onSuspicious = fn
}

// Admit runs the fixed check sequence for one request. Each step
// short-circuits on reject; the blacklist is authoritative and checked first.
func (t *AbuseTracker) Admit(id string, meta RequestMeta) Decision {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, banned := t.blacklist[id]; banned {
		return rejected(ReasonBlacklisted, 0)
	}

	state := t.ensureClient(id)
	state.lastSeen = now

	// Concurrent connections. The decrement is scheduled after a fixed
	// settle delay rather than tied to request completion; the sweep is the
	// backstop for timers lost to process churn.
	if state.connections >= t.cfg.MaxConcurrent {
		return rejected(ReasonTooManyConnections, t.cfg.SettleDelay)
	}
	state.connections++
	time.AfterFunc(t.cfg.SettleDelay, func() { t.releaseConnection(id) })

	// Sliding-window rate.
	cutoff := now.Add(-t.cfg.Window)
	state.window.add(now)
	count := state.window.countSince(cutoff)
	if count >= t.cfg.SuspiciousThreshold && !state.suspicious {
		state.suspicious = true
		state.suspiciousAt = now
		t.log.Warn().Str("client", id).Int("count", count).Msg("client flagged suspicious")
		if t.onSuspicious != nil {
			go t.onSuspicious(id, count)
		}
	}
	if count > t.cfg.WindowLimit {
		return rejected(ReasonRateExceeded, t.cfg.Window)
	}

	// Request pattern analysis.
	if d := t.analyzePatterns(state, meta, now); !d.Allowed {
		return d
	}

	// Stricter ceiling once flagged.
	if state.suspicious && count > t.cfg.SuspiciousLimit {
		return rejected(ReasonSuspiciousClient, t.cfg.Window)
	}

	t.detectDistributedAttack(cutoff, now)

	return allowed
}

func (t *AbuseTracker) analyzePatterns(state *clientState, meta RequestMeta, now time.Time) Decision {
	ua := strings.TrimSpace(meta.UserAgent)
	if len(ua) < t.cfg.MinUserAgentLength {
		return rejected(ReasonBadUserAgent, 0)
	}
	lower := strings.ToLower(ua)
	for _, sig := range t.cfg.AutomationSignatures {
		if !strings.Contains(lower, sig) {
			continue
		}
		legitimate := false
		for _, crawler := range t.cfg.CrawlerAllowList {
			if strings.Contains(lower, crawler) {
				legitimate = true
				break
			}
		}
		if !legitimate {
			return rejected(ReasonAutomation, 0)
		}
		break
	}

	sig := meta.Method + "|" + meta.Path + "|" + truncate(ua, 64)
	counter, ok := state.signatures[sig]
	if !ok || now.Sub(counter.first) > t.cfg.Window {
		state.signatures[sig] = &signatureCounter{count: 1, first: now}
		return allowed
	}
	counter.count++
	if counter.count > t.cfg.RepeatSignatureMax {
		return rejected(ReasonRepeatedSignature, t.cfg.Window)
	}
	return allowed
}

// detectDistributedAttack flags every high-activity client suspicious when
// too many of them are active inside the same window. Called with t.mu held.
// The walk is O(clients), so it is amortized to one scan per interval.
func (t *AbuseTracker) detectDistributedAttack(cutoff, now time.Time) {
	if now.Sub(t.lastDistScan) < t.cfg.DistributedScanInterval {
		return
	}
	t.lastDistScan = now

	var high []*clientState
	var highIDs []string
	for id, state := range t.clients {
		if state.window.countSince(cutoff) >= t.cfg.DistributedActivityFloor {
			high = append(high, state)
			highIDs = append(highIDs, id)
		}
	}
	if len(high) <= t.cfg.DistributedClients {
		return
	}
	flagged := 0
	for i, state := range high {
		if !state.suspicious {
			state.suspicious = true
			state.suspiciousAt = now
			flagged++
			if t.onSuspicious != nil {
				go t.onSuspicious(highIDs[i], state.window.countSince(cutoff))
			}
		}
	}
	if flagged > 0 {
		t.log.Warn().Int("clients", len(high)).Int("newlyFlagged", flagged).
			Msg("distributed attack heuristic triggered")
	}
}

func (t *AbuseTracker) releaseConnection(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.clients[id]; ok && state.connections > 0 {
		state.connections--
	}
}

func (t *AbuseTracker) ensureClient(id string) *clientState {
	state, ok := t.clients[id]
	if !ok {
		state = &clientState{
			window:     newRequestWindow(t.cfg.WindowCapacity),
			signatures: make(map[string]*signatureCounter),
		}
		t.clients[id] = state
	}
	return state
}

// Blacklist bans a client unconditionally until removed.
func (t *AbuseTracker) Blacklist(id, reason string) {
	t.mu.Lock()
	t.blacklist[id] = reason
	t.mu.Unlock()
	t.log.Info().Str("client", id).Str("reason", reason).Msg("client blacklisted")
}

// Unblacklist lifts a ban; reports whether the client was banned.
func (t *AbuseTracker) Unblacklist(id, reason string) bool {
	t.mu.Lock()
	_, existed := t.blacklist[id]
	delete(t.blacklist, id)
	t.mu.Unlock()
	if existed {
		t.log.Info().Str("client", id).Str("reason", reason).Msg("client unblacklisted")
	}
	return existed
}

func (t *AbuseTracker) IsBlacklisted(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, banned := t.blacklist[id]
	return banned
}

func (t *AbuseTracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := TrackerStats{Blacklisted: len(t.blacklist)}
	for _, state := range t.clients {
		stats.ActiveClients++
		stats.ActiveConnections += state.connections
		if state.suspicious {
			stats.Suspicious++
		}
	}
	return stats
}

func (t *AbuseTracker) sweepLoop() {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep drops expired window entries and signature counters, reclaims leaked
// connection counters, evicts idle clients and applies the suspicious policy.
func (t *AbuseTracker) sweep() {
	now := t.now()
	retained := now.Add(-t.cfg.Retention)

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, state := range t.clients {
		state.window.dropBefore(retained)
		for sig, counter := range state.signatures {
			if now.Sub(counter.first) > t.cfg.Retention {
				delete(state.signatures, sig)
			}
		}
		if state.connections < 0 {
			state.connections = 0
		}
		if t.cfg.SuspiciousPolicy == SuspiciousPolicyAmnesty {
			state.suspicious = false
		} else if state.suspicious && now.Sub(state.suspiciousAt) > t.cfg.Retention {
			state.suspicious = false
		}
		if state.window.size == 0 && state.connections == 0 && state.lastSeen.Before(retained) {
			delete(t.clients, id)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
