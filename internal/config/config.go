package config

import (
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable policy snapshot handed to the core at startup.
// The core never mutates it; Reload swaps the whole snapshot atomically.
type Config struct {
	Backends []BackendConfig `yaml:"backends"`
	Routing  RoutingConfig   `yaml:"routing"`
	Retry    RetryConfig     `yaml:"retry"`
	Cache    CacheConfig     `yaml:"cache"`
	Probe    ProbeConfig     `yaml:"probe"`
	Audit    AuditConfig     `yaml:"audit"`
}

type BackendConfig struct {
	ID             string   `yaml:"id"`
	Endpoint       string   `yaml:"endpoint"`
	CapabilityTags []string `yaml:"capability_tags"`
	MaxConcurrency int      `yaml:"max_concurrency"`
}

type RoutingConfig struct {
	// Weighted-score coefficients: lower score wins.
	// score = LoadWeight*load + HealthWeight*(1-confidence) + SpecificityWeight*penalty
	LoadWeight        float64 `yaml:"load_weight"`
	HealthWeight      float64 `yaml:"health_weight"`
	SpecificityWeight float64 `yaml:"specificity_weight"`

	// CriticalOverflow bounds how many critical-priority admissions may sit
	// above max_concurrency per backend at once. Keeps the backpressure
	// invariant measurable even under override.
	CriticalOverflow int `yaml:"critical_overflow"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxBytes   int64         `yaml:"max_bytes"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// TTLByTag overrides the TTL for tasks carrying a given capability tag;
	// the longest matching override wins (embeddings cache longer than
	// time-sensitive reasoning output).
	TTLByTag map[string]time.Duration `yaml:"ttl_by_tag"`

	// RedisAddr switches the cache backing store to Redis when set.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type ProbeConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	// Hysteresis: RecoverAfter consecutive successes clear degraded state;
	// UnreachableAfter consecutive failures mark the backend unreachable.
	RecoverAfter     int `yaml:"recover_after"`
	UnreachableAfter int `yaml:"unreachable_after"`
}

type AuditConfig struct {
	// Window is how long terminal task records are retained in memory before
	// eviction. The durable sink keeps them indefinitely.
	Window        time.Duration `yaml:"window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	PostgresURL   string        `yaml:"postgres_url"`
}

// TTLFor returns the cache TTL for a task's capability tags.
func (c CacheConfig) TTLFor(tags []string) time.Duration {
	ttl := c.DefaultTTL
	matched := false
	keys := make([]string, 0, len(c.TTLByTag))
	for k := range c.TTLByTag {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, tag := range tags {
		for _, k := range keys {
			if k == tag {
				if !matched || c.TTLByTag[k] > ttl {
					ttl = c.TTLByTag[k]
				}
				matched = true
			}
		}
	}
	return ttl
}

func Default() Config {
	return Config{
		Routing: RoutingConfig{
			LoadWeight:        0.6,
			HealthWeight:      0.3,
			SpecificityWeight: 0.1,
			CriticalOverflow:  2,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BackoffBase:    200 * time.Millisecond,
			BackoffFactor:  2,
			BackoffCap:     5 * time.Second,
			DefaultTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			MaxEntries: 4096,
			MaxBytes:   64 << 20,
			DefaultTTL: 5 * time.Minute,
		},
		Probe: ProbeConfig{
			Interval:         5 * time.Second,
			Timeout:          2 * time.Second,
			RecoverAfter:     2,
			UnreachableAfter: 3,
		},
		Audit: AuditConfig{
			Window:        time.Hour,
			SweepInterval: time.Minute,
		},
	}
}

// Load reads a YAML config file and fills unset fields with defaults.
// An empty path yields the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Routing.LoadWeight == 0 && cfg.Routing.HealthWeight == 0 && cfg.Routing.SpecificityWeight == 0 {
		cfg.Routing = def.Routing
	}
	if cfg.Routing.CriticalOverflow <= 0 {
		cfg.Routing.CriticalOverflow = def.Routing.CriticalOverflow
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.BackoffBase <= 0 {
		cfg.Retry.BackoffBase = def.Retry.BackoffBase
	}
	if cfg.Retry.BackoffFactor <= 1 {
		cfg.Retry.BackoffFactor = def.Retry.BackoffFactor
	}
	if cfg.Retry.BackoffCap <= 0 {
		cfg.Retry.BackoffCap = def.Retry.BackoffCap
	}
	if cfg.Retry.DefaultTimeout <= 0 {
		cfg.Retry.DefaultTimeout = def.Retry.DefaultTimeout
	}
	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = def.Cache.MaxEntries
	}
	if cfg.Cache.MaxBytes <= 0 {
		cfg.Cache.MaxBytes = def.Cache.MaxBytes
	}
	if cfg.Cache.DefaultTTL <= 0 {
		cfg.Cache.DefaultTTL = def.Cache.DefaultTTL
	}
	if cfg.Probe.Interval <= 0 {
		cfg.Probe.Interval = def.Probe.Interval
	}
	if cfg.Probe.Timeout <= 0 {
		cfg.Probe.Timeout = def.Probe.Timeout
	}
	if cfg.Probe.RecoverAfter <= 0 {
		cfg.Probe.RecoverAfter = def.Probe.RecoverAfter
	}
	if cfg.Probe.UnreachableAfter <= 0 {
		cfg.Probe.UnreachableAfter = def.Probe.UnreachableAfter
	}
	if cfg.Audit.Window <= 0 {
		cfg.Audit.Window = def.Audit.Window
	}
	if cfg.Audit.SweepInterval <= 0 {
		cfg.Audit.SweepInterval = def.Audit.SweepInterval
	}
}

func validate(cfg Config) error {
	for _, b := range cfg.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend with empty id")
		}
		if len(b.CapabilityTags) == 0 {
			return fmt.Errorf("backend %s: capability_tags must be non-empty", b.ID)
		}
		if b.MaxConcurrency <= 0 {
			return fmt.Errorf("backend %s: max_concurrency must be > 0", b.ID)
		}
	}
	return nil
}

// Store holds the live snapshot. Readers call Snapshot on every decision and
// always see a complete, consistent config; Reload swaps the pointer without
// touching in-flight tasks.
type Store struct {
	ptr atomic.Pointer[Config]
}

func NewStore(cfg Config) *Store {
	s := &Store{}
	s.ptr.Store(&cfg)
	return s
}

func (s *Store) Snapshot() Config { return *s.ptr.Load() }

func (s *Store) Swap(cfg Config) { s.ptr.Store(&cfg) }

// Reload re-reads the file the store was originally loaded from.
func (s *Store) Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	s.ptr.Store(&cfg)
	return nil
}
