package edgeward

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// RedisConfig holds the shared backend connection parameters. Empty Addr
// disables the shared tier entirely.
type RedisConfig struct {
	Addr        string   `yaml:"addr"`
	Password    string   `yaml:"password"`
	DB          int      `yaml:"db"`
	DialTimeout Duration `yaml:"dialTimeout"`
	OpTimeout   Duration `yaml:"opTimeout"`
}

// TierConfig is one rate tier in the config file.
type TierConfig struct {
	Name   string   `yaml:"name"`
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// PolicyConfig is a named tier set in the config file.
type PolicyConfig struct {
	Tiers []TierConfig `yaml:"tiers"`
}

// ProfileConfig is one auth profile's policy table in the config file.
type ProfileConfig struct {
	Default    string            `yaml:"default"`
	Operations map[string]string `yaml:"operations"`
}

// RateLimitFileConfig is the config-file shape of the limiter setup:
// policies by name, then per-profile tables referencing them.
type RateLimitFileConfig struct {
	Policies    map[string]PolicyConfig  `yaml:"policies"`
	Profiles    map[string]ProfileConfig `yaml:"profiles"`
	BypassPaths []string                 `yaml:"bypassPaths"`
}

// Tables resolves the file config into runtime policy tables.
func (cfg RateLimitFileConfig) Tables() (map[Profile]PolicyTable, error) {
	if len(cfg.Policies) == 0 {
		return nil, nil
	}
	resolve := func(name string) (Policy, error) {
		pc, ok := cfg.Policies[name]
		if !ok {
			return Policy{}, fmt.Errorf("rate policy %q not defined", name)
		}
		policy := Policy{Name: name}
		for _, tier := range pc.Tiers {
			policy.Tiers = append(policy.Tiers, RateTier{
				Name:   tier.Name,
				Limit:  tier.Limit,
				Window: tier.Window.Std(),
			})
		}
		return policy, nil
	}
	tables := make(map[Profile]PolicyTable, len(cfg.Profiles))
	for profile, pc := range cfg.Profiles {
		table := PolicyTable{Operations: make(map[string]Policy)}
		def, err := resolve(pc.Default)
		if err != nil {
			return nil, err
		}
		table.Default = def
		for op, policyName := range pc.Operations {
			policy, err := resolve(policyName)
			if err != nil {
				return nil, err
			}
			table.Operations[op] = policy
		}
		tables[Profile(profile)] = table
	}
	return tables, nil
}

// CacheFileConfig is the config-file shape of the cache setup.
type CacheFileConfig struct {
	Classes       map[string]Duration `yaml:"classes"`
	DefaultTTL    Duration            `yaml:"defaultTTL"`
	SweepInterval Duration            `yaml:"sweepInterval"`
}

// AbuseFileConfig adds the duration knobs the AbuseConfig yaml tags skip.
type AbuseFileConfig struct {
	AbuseConfig             `yaml:",inline"`
	SettleDelay             Duration `yaml:"settleDelay"`
	Window                  Duration `yaml:"window"`
	SweepInterval           Duration `yaml:"sweepInterval"`
	Retention               Duration `yaml:"retention"`
	DistributedScanInterval Duration `yaml:"distributedScanInterval"`
}

// Config is the full externally-supplied gateway configuration.
type Config struct {
	Listen        string              `yaml:"listen"`
	Upstream      string              `yaml:"upstream"`
	LogLevel      string              `yaml:"logLevel"`
	AdminRole     string              `yaml:"adminRole"`
	Redis         RedisConfig         `yaml:"redis"`
	Inspector     InspectorConfig     `yaml:"inspector"`
	Abuse         AbuseFileConfig     `yaml:"abuse"`
	RateLimit     RateLimitFileConfig `yaml:"rateLimit"`
	Cache         CacheFileConfig     `yaml:"cache"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	AlertWebhooks []string            `yaml:"alertWebhooks"`
	AuditDB       string              `yaml:"auditDB"`
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":3000"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.AdminRole == "" {
		c.AdminRole = "admin"
	}
	if c.Redis.DialTimeout.Std() <= 0 {
		c.Redis.DialTimeout = Duration(5 * time.Second)
	}
	if c.Redis.OpTimeout.Std() <= 0 {
		c.Redis.OpTimeout = Duration(3 * time.Second)
	}
}

// AbuseRuntime maps the file shape onto the tracker config.
func (c *Config) AbuseRuntime() AbuseConfig {
	cfg := c.Abuse.AbuseConfig
	cfg.SettleDelay = c.Abuse.SettleDelay.Std()
	cfg.Window = c.Abuse.Window.Std()
	cfg.SweepInterval = c.Abuse.SweepInterval.Std()
	cfg.Retention = c.Abuse.Retention.Std()
	cfg.DistributedScanInterval = c.Abuse.DistributedScanInterval.Std()
	return cfg
}

// CacheRuntime maps the file shape onto the cache config.
func (c *Config) CacheRuntime() CacheConfig {
	cfg := CacheConfig{
		DefaultTTL:    c.Cache.DefaultTTL.Std(),
		SweepInterval: c.Cache.SweepInterval.Std(),
		OpTimeout:     c.Redis.OpTimeout.Std(),
	}
	if len(c.Cache.Classes) > 0 {
		cfg.Classes = make(map[string]time.Duration, len(c.Cache.Classes))
		for class, ttl := range c.Cache.Classes {
			cfg.Classes[class] = ttl.Std()
		}
	}
	return cfg
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if _, err := cfg.RateLimit.Tables(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// WatchConfig reloads the file on change and hands the parsed result to
// onReload. Parse failures keep the previous configuration. The returned
// function stops the watcher.
func WatchConfig(path string, log zerolog.Logger, onReload func(*Config)) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files rather than write in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	base := filepath.Base(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					log.Warn().Err(err).Msg("config reload failed, keeping previous")
					continue
				}
				log.Info().Str("path", path).Msg("config reloaded")
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return watcher.Close, nil
}
