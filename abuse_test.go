package edgeward

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const benignUA = "Mozilla/5.0 (X11; Linux x86_64) Firefox/125.0"

func benignMeta() RequestMeta {
	return RequestMeta{Method: "GET", Path: "/items", UserAgent: benignUA}
}

func newTestTracker(cfg AbuseConfig) (*AbuseTracker, *time.Time) {
	tracker := NewAbuseTracker(cfg, zerolog.Nop())
	clock := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return clock }
	return tracker, &clock
}

func TestAdmitBlacklistDominates(t *testing.T) {
	tracker, _ := newTestTracker(AbuseConfig{})
	defer tracker.Close()

	tracker.Blacklist("10.0.0.1", "manual")
	d := tracker.Admit("10.0.0.1", benignMeta())
	if d.Allowed || d.Reason != ReasonBlacklisted {
		t.Fatalf("expected blacklisted client rejected, got %+v", d)
	}

	if !tracker.Unblacklist("10.0.0.1", "appeal") {
		t.Fatalf("expected unblacklist to report removal")
	}
	if d := tracker.Admit("10.0.0.1", benignMeta()); !d.Allowed {
		t.Fatalf("expected admit after unblacklist, got %+v", d)
	}
}

func TestAdmitConnectionCeiling(t *testing.T) {
	tracker, _ := newTestTracker(AbuseConfig{
		MaxConcurrent: 2,
		SettleDelay:   time.Minute,
	})
	defer tracker.Close()

	for i := 0; i < 2; i++ {
		if d := tracker.Admit("10.0.0.2", benignMeta()); !d.Allowed {
			t.Fatalf("request %d: expected admit, got %+v", i+1, d)
		}
	}
	d := tracker.Admit("10.0.0.2", benignMeta())
	if d.Allowed || d.Reason != ReasonTooManyConnections {
		t.Fatalf("expected connection ceiling reject, got %+v", d)
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected positive retry hint, got %v", d.RetryAfter)
	}
}

func TestConnectionCounterNeverNegative(t *testing.T) {
	tracker, _ := newTestTracker(AbuseConfig{SettleDelay: time.Minute})
	defer tracker.Close()

	tracker.Admit("10.0.0.3", benignMeta())
	// Extra releases beyond the single held connection must clamp at zero.
	tracker.releaseConnection("10.0.0.3")
	tracker.releaseConnection("10.0.0.3")
	tracker.releaseConnection("10.0.0.3")

	if stats := tracker.Stats(); stats.ActiveConnections != 0 {
		t.Fatalf("expected zero active connections, got %d", stats.ActiveConnections)
	}
}

func TestAdmitWindowLimit(t *testing.T) {
	tracker, clock := newTestTracker(AbuseConfig{
		WindowLimit:         5,
		Window:              time.Minute,
		SuspiciousThreshold: 100,
		SettleDelay:         time.Minute,
	})
	defer tracker.Close()

	for i := 0; i < 5; i++ {
		if d := tracker.Admit("10.0.0.4", benignMeta()); !d.Allowed {
			t.Fatalf("request %d: expected admit, got %+v", i+1, d)
		}
	}
	d := tracker.Admit("10.0.0.4", benignMeta())
	if d.Allowed || d.Reason != ReasonRateExceeded {
		t.Fatalf("expected window reject, got %+v", d)
	}

	// A fresh window admits again.
	*clock = clock.Add(2 * time.Minute)
	if d := tracker.Admit("10.0.0.4", benignMeta()); !d.Allowed {
		t.Fatalf("expected admit in next window, got %+v", d)
	}
}

func TestAnalyzePatternsUserAgent(t *testing.T) {
	tracker, _ := newTestTracker(AbuseConfig{SettleDelay: time.Minute})
	defer tracker.Close()

	cases := []struct {
		name   string
		ua     string
		reason RejectReason
	}{
		{"short", "ab", ReasonBadUserAgent},
		{"automation", "curl/8.7.1", ReasonAutomation},
		{"scanner", "sqlmap/1.8#stable", ReasonAutomation},
	}
	for _, tc := range cases {
		d := tracker.Admit("ua-"+tc.name, RequestMeta{Method: "GET", Path: "/items", UserAgent: tc.ua})
		if d.Allowed || d.Reason != tc.reason {
			t.Fatalf("%s: expected %s reject, got %+v", tc.name, tc.reason, d)
		}
	}

	// Known crawlers carry automation markers but stay admitted.
	crawler := "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
	if d := tracker.Admit("ua-crawler", RequestMeta{Method: "GET", Path: "/items", UserAgent: crawler}); !d.Allowed {
		t.Fatalf("expected allow-listed crawler admitted, got %+v", d)
	}
}

func TestAdmitRepeatedSignature(t *testing.T) {
	tracker, _ := newTestTracker(AbuseConfig{
		RepeatSignatureMax: 3,
		SettleDelay:        time.Minute,
	})
	defer tracker.Close()

	for i := 0; i < 3; i++ {
		if d := tracker.Admit("10.0.0.5", benignMeta()); !d.Allowed {
			t.Fatalf("request %d: expected admit, got %+v", i+1, d)
		}
	}
	d := tracker.Admit("10.0.0.5", benignMeta())
	if d.Allowed || d.Reason != ReasonRepeatedSignature {
		t.Fatalf("expected repeated signature reject, got %+v", d)
	}
}

func TestSuspiciousCeilingAndAmnesty(t *testing.T) {
	tracker, _ := newTestTracker(AbuseConfig{
		WindowLimit:         100,
		SuspiciousThreshold: 3,
		SuspiciousLimit:     5,
		SettleDelay:         time.Minute,
		SuspiciousPolicy:    SuspiciousPolicyAmnesty,
	})
	defer tracker.Close()

	var last Decision
	for i := 0; i < 8; i++ {
		last = tracker.Admit("10.0.0.6", benignMeta())
	}
	if last.Allowed || last.Reason != ReasonSuspiciousClient {
		t.Fatalf("expected suspicious ceiling reject, got %+v", last)
	}
	if stats := tracker.Stats(); stats.Suspicious != 1 {
		t.Fatalf("expected one suspicious client, got %d", stats.Suspicious)
	}

	// Amnesty clears the mark on sweep.
	tracker.sweep()
	if stats := tracker.Stats(); stats.Suspicious != 0 {
		t.Fatalf("expected amnesty sweep to clear marks, got %d", stats.Suspicious)
	}
}

func TestSuspiciousCallbackFires(t *testing.T) {
	tracker, _ := newTestTracker(AbuseConfig{
		WindowLimit:         100,
		SuspiciousThreshold: 3,
		SuspiciousLimit:     50,
		SettleDelay:         time.Minute,
	})
	defer tracker.Close()

	flagged := make(chan string, 1)
	tracker.SetOnSuspicious(func(id string, count int) { flagged <- id })

	for i := 0; i < 4; i++ {
		tracker.Admit("10.0.0.9", benignMeta())
	}
	select {
	case id := <-flagged:
		if id != "10.0.0.9" {
			t.Fatalf("unexpected flagged client %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected suspicious callback")
	}
}

func TestSuspiciousRetentionPolicy(t *testing.T) {
	tracker, clock := newTestTracker(AbuseConfig{
		WindowLimit:         100,
		SuspiciousThreshold: 3,
		SuspiciousLimit:     50,
		Retention:           10 * time.Minute,
		SettleDelay:         time.Minute,
		SuspiciousPolicy:    SuspiciousPolicyRetention,
	})
	defer tracker.Close()

	for i := 0; i < 4; i++ {
		tracker.Admit("10.0.0.7", benignMeta())
	}
	tracker.sweep()
	if stats := tracker.Stats(); stats.Suspicious != 1 {
		t.Fatalf("expected retention policy to keep fresh mark, got %d", stats.Suspicious)
	}

	*clock = clock.Add(time.Hour)
	tracker.sweep()
	if stats := tracker.Stats(); stats.Suspicious != 0 {
		t.Fatalf("expected retention policy to expire aged mark, got %d", stats.Suspicious)
	}
}

func TestDistributedAttackFlagsHighActivityClients(t *testing.T) {
	tracker, clock := newTestTracker(AbuseConfig{
		WindowLimit:              100,
		SuspiciousThreshold:      50,
		DistributedClients:       3,
		DistributedActivityFloor: 5,
		DistributedScanInterval:  time.Second,
		SettleDelay:              time.Minute,
	})
	defer tracker.Close()

	clients := []string{"10.1.0.1", "10.1.0.2", "10.1.0.3", "10.1.0.4"}
	for _, id := range clients {
		for i := 0; i < 6; i++ {
			if d := tracker.Admit(id, benignMeta()); !d.Allowed {
				t.Fatalf("client %s request %d: expected admit, got %+v", id, i+1, d)
			}
		}
	}
	// The scan is amortized; nothing was high-activity when it last ran.
	if stats := tracker.Stats(); stats.Suspicious != 0 {
		t.Fatalf("expected no flags before next scan, got %d", stats.Suspicious)
	}

	*clock = clock.Add(2 * time.Second)
	if d := tracker.Admit(clients[0], benignMeta()); !d.Allowed {
		t.Fatalf("expected admit on scan-triggering request, got %+v", d)
	}
	if stats := tracker.Stats(); stats.Suspicious != len(clients) {
		t.Fatalf("expected all %d high-activity clients flagged, got %d", len(clients), stats.Suspicious)
	}

	// At or below the client threshold the heuristic stays quiet.
	quiet, qclock := newTestTracker(AbuseConfig{
		WindowLimit:              100,
		SuspiciousThreshold:      50,
		DistributedClients:       5,
		DistributedActivityFloor: 5,
		DistributedScanInterval:  time.Second,
		SettleDelay:              time.Minute,
	})
	defer quiet.Close()
	for _, id := range clients {
		for i := 0; i < 6; i++ {
			quiet.Admit(id, benignMeta())
		}
	}
	*qclock = qclock.Add(2 * time.Second)
	quiet.Admit(clients[0], benignMeta())
	if stats := quiet.Stats(); stats.Suspicious != 0 {
		t.Fatalf("expected no flags at threshold, got %d", stats.Suspicious)
	}
}

func TestRequestWindowRing(t *testing.T) {
	w := newRequestWindow(3)
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		w.add(base.Add(time.Duration(i) * time.Second))
	}
	// Capacity 3 keeps only the newest three entries.
	if got := w.countSince(base); got != 3 {
		t.Fatalf("expected 3 retained entries, got %d", got)
	}
	w.dropBefore(base.Add(4 * time.Second))
	if got := w.countSince(base); got != 1 {
		t.Fatalf("expected 1 entry after drop, got %d", got)
	}
}
