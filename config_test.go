package edgeward

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
listen: ":8080"
upstream: "http://127.0.0.1:9000"
logLevel: debug
adminRole: operator
redis:
  addr: "127.0.0.1:6379"
  opTimeout: 2s
inspector:
  maxBodyBytes: 2097152
  skipRoutes:
    - /uploads/*
abuse:
  maxConcurrent: 50
  window: 30s
  windowLimit: 150
  suspiciousPolicy: retention
rateLimit:
  policies:
    standard:
      tiers:
        - name: short
          limit: 20
          window: 10s
        - name: medium
          limit: 60
          window: 1m
    strict:
      tiers:
        - name: short
          limit: 5
          window: 1m
  profiles:
    anonymous:
      default: standard
      operations:
        login: strict
cache:
  defaultTTL: 45s
  classes:
    volatile: 15s
monitor:
  capacity: 500
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Listen != ":8080" || cfg.AdminRole != "operator" {
		t.Fatalf("unexpected top level config: %+v", cfg)
	}
	if cfg.Redis.OpTimeout.Std() != 2*time.Second {
		t.Fatalf("opTimeout = %v", cfg.Redis.OpTimeout.Std())
	}
	// Unset redis dial timeout takes the default.
	if cfg.Redis.DialTimeout.Std() != 5*time.Second {
		t.Fatalf("dialTimeout = %v", cfg.Redis.DialTimeout.Std())
	}

	abuse := cfg.AbuseRuntime()
	if abuse.MaxConcurrent != 50 || abuse.Window != 30*time.Second || abuse.SuspiciousPolicy != SuspiciousPolicyRetention {
		t.Fatalf("unexpected abuse config: %+v", abuse)
	}

	cache := cfg.CacheRuntime()
	if cache.DefaultTTL != 45*time.Second || cache.Classes["volatile"] != 15*time.Second {
		t.Fatalf("unexpected cache config: %+v", cache)
	}

	tables, err := cfg.RateLimit.Tables()
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	anon, ok := tables[ProfileAnonymous]
	if !ok {
		t.Fatalf("expected anonymous table, got %v", tables)
	}
	if anon.Default.Name != "standard" || len(anon.Default.Tiers) != 2 {
		t.Fatalf("unexpected default policy: %+v", anon.Default)
	}
	if anon.Default.Tiers[0].Window != 10*time.Second {
		t.Fatalf("unexpected tier window: %+v", anon.Default.Tiers[0])
	}
	login, ok := anon.Operations["login"]
	if !ok || login.Name != "strict" || login.Tiers[0].Limit != 5 {
		t.Fatalf("unexpected login policy: %+v", login)
	}
}

func TestLoadConfigRejectsUnknownPolicy(t *testing.T) {
	bad := `
rateLimit:
  policies:
    standard:
      tiers:
        - name: short
          limit: 20
          window: 10s
  profiles:
    anonymous:
      default: missing
`
	if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
		t.Fatalf("expected undefined policy reference to fail validation")
	}
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "cache:\n  defaultTTL: soon\n")); err == nil {
		t.Fatalf("expected invalid duration to fail parsing")
	}
}

func TestWatchConfigReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	reloaded := make(chan *Config, 1)
	stop, err := WatchConfig(path, NewLoggerTo(os.Stderr, "error"), func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("WatchConfig: %v", err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte(sampleConfig+"\nauditDB: audit.db\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.AuditDB != "audit.db" {
			t.Fatalf("expected reloaded config, got %+v", cfg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
}
