package edgeward

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Severity grades a security event.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// EventType classifies a security event.
type EventType string

const (
	EventWAFBlock       EventType = "waf_block"
	EventAbuseReject    EventType = "abuse_reject"
	EventRateLimit      EventType = "rate_limit"
	EventSuspiciousFlag EventType = "suspicious_flag"
	EventBlacklistAdmin EventType = "blacklist_admin"
	EventInternalFault  EventType = "internal_fault"
)

// SecurityEvent is one classified detection. Events are immutable once
// recorded and pruned only by capacity and age.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Client    string            `json:"client"`
	Endpoint  string            `json:"endpoint"`
	Severity  Severity          `json:"severity"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// HealthStatus is the coarse monitor health grade.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ClientCount pairs a client with its event count for top-N reports.
type ClientCount struct {
	Client string `json:"client"`
	Count  int    `json:"count"`
}

// EndpointCount pairs an endpoint with its event count.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int    `json:"count"`
}

// AggregateReport summarizes events inside a window.
type AggregateReport struct {
	Window           string            `json:"window"`
	Total            int               `json:"total"`
	TotalsByType     map[EventType]int `json:"totalsByType"`
	TotalsBySeverity map[Severity]int  `json:"totalsBySeverity"`
	TopClients       []ClientCount     `json:"topClients"`
	TopEndpoints     []EndpointCount   `json:"topEndpoints"`
	HourlyBuckets    map[string]int    `json:"hourlyBuckets"`
}

// MonitorConfig bounds the event buffer and tunes health grading.
type MonitorConfig struct {
	Capacity  int           `yaml:"capacity"`
	Retention time.Duration `yaml:"-"`
	// CriticalRateLimit is the count of CRITICAL events inside
	// CriticalRateWindow past which health degrades.
	CriticalRateLimit  int           `yaml:"criticalRateLimit"`
	CriticalRateWindow time.Duration `yaml:"-"`
	TopN               int           `yaml:"topN"`
}

func (cfg *MonitorConfig) applyDefaults() {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.CriticalRateLimit <= 0 {
		cfg.CriticalRateLimit = 10
	}
	if cfg.CriticalRateWindow <= 0 {
		cfg.CriticalRateWindow = 5 * time.Minute
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
}

// SecurityEventMonitor aggregates classified events from the protection
// components into a capacity-bounded ring buffer.
type SecurityEventMonitor struct {
	cfg    MonitorConfig
	log    zerolog.Logger
	alerts *AlertRegistry
	now    func() time.Time

	mu     sync.RWMutex
	events []SecurityEvent
}

func NewSecurityEventMonitor(cfg MonitorConfig, alerts *AlertRegistry, log zerolog.Logger) *SecurityEventMonitor {
	cfg.applyDefaults()
	return &SecurityEventMonitor{
		cfg:    cfg,
		log:    log,
		alerts: alerts,
		now:    time.Now,
		events: make([]SecurityEvent, 0, 256),
	}
}

// Record appends an event, prunes past capacity and retention, logs at a
// level derived from severity, and dispatches alerts for CRITICAL events
// before returning.
func (m *SecurityEventMonitor) Record(ev SecurityEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityLow
	}

	m.mu.Lock()
	m.events = append(m.events, ev)
	m.pruneLocked()
	m.mu.Unlock()

	logEvent := m.log.Info()
	switch ev.Severity {
	case SeverityMedium:
		logEvent = m.log.Warn()
	case SeverityHigh, SeverityCritical:
		logEvent = m.log.Error()
	}
	logEvent.
		Str("event", string(ev.Type)).
		Str("client", ev.Client).
		Str("endpoint", ev.Endpoint).
		Str("severity", string(ev.Severity)).
		Msg("security event")

	if ev.Severity == SeverityCritical && m.alerts != nil {
		m.alerts.Dispatch(context.Background(), ev)
	}
}

func (m *SecurityEventMonitor) pruneLocked() {
	cutoff := m.now().Add(-m.cfg.Retention)
	idx := 0
	for idx < len(m.events) && m.events[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if over := len(m.events) - idx - m.cfg.Capacity; over > 0 {
		idx += over
	}
	if idx > 0 {
		m.events = append(m.events[:0:0], m.events[idx:]...)
	}
}

// Snapshot returns the events inside the window, newest last.
func (m *SecurityEventMonitor) Snapshot(window time.Duration) []SecurityEvent {
	cutoff := m.now().Add(-window)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SecurityEvent
	for _, ev := range m.events {
		if !ev.Timestamp.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

// Aggregate builds the windowed report used by the admin API.
func (m *SecurityEventMonitor) Aggregate(window time.Duration) AggregateReport {
	events := m.Snapshot(window)
	report := AggregateReport{
		Window:           window.String(),
		Total:            len(events),
		TotalsByType:     make(map[EventType]int),
		TotalsBySeverity: make(map[Severity]int),
		HourlyBuckets:    make(map[string]int),
	}
	clients := make(map[string]int)
	endpoints := make(map[string]int)
	for _, ev := range events {
		report.TotalsByType[ev.Type]++
		report.TotalsBySeverity[ev.Severity]++
		report.HourlyBuckets[ev.Timestamp.UTC().Format("2006-01-02T15")]++
		if ev.Client != "" {
			clients[ev.Client]++
		}
		if ev.Endpoint != "" {
			endpoints[ev.Endpoint]++
		}
	}
	report.TopClients = topClients(clients, m.cfg.TopN)
	report.TopEndpoints = topEndpoints(endpoints, m.cfg.TopN)
	return report
}

// Recommend derives ordered remediation hints from threshold rules over the
// last hour's aggregate.
func (m *SecurityEventMonitor) Recommend() []string {
	report := m.Aggregate(time.Hour)
	var recs []string
	if report.TotalsByType[EventWAFBlock] > 50 {
		recs = append(recs, "High volume of firewall blocks: review signature matches for false positives and consider blacklisting repeat offenders")
	}
	if report.TotalsByType[EventAbuseReject] > 100 {
		recs = append(recs, "Sustained abuse rejections: consider tightening per-client window limits or lowering the suspicious threshold")
	}
	if report.TotalsByType[EventSuspiciousFlag] > 20 {
		recs = append(recs, "Many clients flagged suspicious: review flagged identities for bulk blacklisting")
	}
	if report.TotalsByType[EventRateLimit] > 200 {
		recs = append(recs, "Frequent rate-limit rejections: verify quota tiers match legitimate traffic patterns")
	}
	if report.TotalsBySeverity[SeverityCritical] > 0 {
		recs = append(recs, "Critical events recorded in the last hour: inspect the event stream and confirm alert delivery")
	}
	if len(recs) == 0 {
		recs = append(recs, "No action required: event volume within normal bounds")
	}
	return recs
}

// Health grades the monitor from process memory pressure and the recent
// CRITICAL event rate.
func (m *SecurityEventMonitor) Health() HealthStatus {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memPressure := float64(0)
	if mem.Sys > 0 {
		memPressure = float64(mem.HeapAlloc) / float64(mem.Sys)
	}

	criticals := 0
	for _, ev := range m.Snapshot(m.cfg.CriticalRateWindow) {
		if ev.Severity == SeverityCritical {
			criticals++
		}
	}

	switch {
	case memPressure > 0.9 || criticals > m.cfg.CriticalRateLimit*2:
		return HealthUnhealthy
	case memPressure > 0.75 || criticals > m.cfg.CriticalRateLimit:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func topClients(counts map[string]int, n int) []ClientCount {
	out := make([]ClientCount, 0, len(counts))
	for client, count := range counts {
		out = append(out, ClientCount{Client: client, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Client < out[j].Client
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topEndpoints(counts map[string]int, n int) []EndpointCount {
	out := make([]EndpointCount, 0, len(counts))
	for endpoint, count := range counts {
		out = append(out, EndpointCount{Endpoint: endpoint, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
