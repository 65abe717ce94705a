// Package config loads and merges the cache's configuration. Grounded
// on pkg/config/loader.go's viper+yaml.v3 layered-file loading,
// generalized from environment/base/local YAML layering to the
// defaults → file → env ascending-priority merge the spec's Design
// Notes call for, materialized as a single strongly typed Config.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// StorageType selects which tiers are constructed.
type StorageType string

// Known storage types.
const (
	StorageHybrid     StorageType = "hybrid"
	StorageMemoryOnly StorageType = "memory-only"
	StoragePgliteOnly StorageType = "pglite-only"
)

// MemoryConfig is storage.memory.*.
type MemoryConfig struct {
	Enabled        bool
	MaxSize        int64
	TTL            time.Duration
	EvictionPolicy string
}

// PersistentConfig is storage.pglite.*.
type PersistentConfig struct {
	Enabled        bool
	Path           string
	MaxSize        int64
	BusyTimeout    time.Duration
	VacuumInterval time.Duration
	EnableWAL      bool
}

// GitHubConfig is storage.github.*.
type GitHubConfig struct {
	Enabled      bool
	Token        string
	BaseURL      string
	Owner        string
	Repo         string
	RegistryPath string
	Timeout      time.Duration
	Retries      int
	UserAgent    string
}

// TTLConfig is cache.ttl.*.
type TTLConfig struct {
	Components time.Duration
	Blocks     time.Duration
	Metadata   time.Duration
}

// CircuitBreakerConfig is circuitBreaker.*.
type CircuitBreakerConfig struct {
	Enabled      bool
	Threshold    int
	Timeout      time.Duration
	ResetTimeout time.Duration
}

// FallbackChainConfig is recovery.fallbackChain.*.
type FallbackChainConfig struct {
	Enabled     bool
	TimeoutMs   int64
	AllowStale  bool
	MaxStaleAge time.Duration
}

// NotificationsConfig is recovery.notifications.*.
type NotificationsConfig struct {
	Enabled          bool
	RetentionMs      int64
	MaxNotifications int
}

// RecoveryConfig is recovery.*.
type RecoveryConfig struct {
	Enabled           bool
	MaxRetries        int
	BackoffMs         int64
	BackoffMultiplier float64
	MaxBackoffMs      int64
	FallbackChain     FallbackChainConfig
	Notifications     NotificationsConfig
}

// PerformanceConfig is performance.*.
type PerformanceConfig struct {
	BatchSize     int
	Concurrency   int
	QueueSize     int
	FlushInterval time.Duration
}

// Config is the fully merged, strongly typed configuration for the
// cache (spec §6).
type Config struct {
	StorageType   StorageType
	Memory        MemoryConfig
	Persistent    PersistentConfig
	GitHub        GitHubConfig
	Strategy      string
	TTL           TTLConfig
	CircuitBreaker CircuitBreakerConfig
	Recovery      RecoveryConfig
	Performance   PerformanceConfig
}

// Default returns the built-in baseline configuration, applied before
// any file or environment delta.
func Default() Config {
	return Config{
		StorageType: StorageHybrid,
		Memory: MemoryConfig{
			Enabled: true, MaxSize: 64 * 1024 * 1024, TTL: 15 * time.Minute, EvictionPolicy: "refuse",
		},
		Persistent: PersistentConfig{
			Enabled: true, MaxSize: 512 * 1024 * 1024, BusyTimeout: 5 * time.Second, VacuumInterval: time.Hour,
		},
		GitHub: GitHubConfig{
			Enabled: true, BaseURL: "https://api.github.com", Owner: "shadcn-ui", Repo: "ui",
			RegistryPath: "apps/www/registry", Timeout: 10 * time.Second, Retries: 3, UserAgent: "shadcn-registry-cache",
		},
		Strategy: "read-through",
		TTL: TTLConfig{
			Components: time.Hour, Blocks: time.Hour, Metadata: 24 * time.Hour,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true, Threshold: 5, Timeout: 60 * time.Second, ResetTimeout: 60 * time.Second,
		},
		Recovery: RecoveryConfig{
			Enabled: true, MaxRetries: 3, BackoffMs: 100, BackoffMultiplier: 2.0, MaxBackoffMs: 10000,
			FallbackChain: FallbackChainConfig{Enabled: true, TimeoutMs: 2000, AllowStale: true, MaxStaleAge: 24 * time.Hour},
			Notifications: NotificationsConfig{Enabled: true, RetentionMs: 600000, MaxNotifications: 500},
		},
		Performance: PerformanceConfig{
			BatchSize: 10, Concurrency: 4, QueueSize: 1000, FlushInterval: 10 * time.Millisecond,
		},
	}
}

// Priority orders the sources a Loader merges, lowest first.
type Priority int

// Known priorities, ascending.
const (
	PriorityDefaults Priority = 0
	PriorityFile     Priority = 1
	PriorityEnv      Priority = 2
)

// Delta pairs one source's partial view of the configuration with its
// Priority. Loader does not build or apply Deltas; it merges each source
// directly into its viper instance.
type Delta struct {
	Priority Priority
	Values   map[string]interface{}
}

// Loader composes a Config from defaults, an optional YAML file and
// environment variables, in that ascending-priority order.
type Loader struct {
	v *viper.Viper
}

// NewLoader builds a Loader.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("CACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return &Loader{v: v}
}

// LoadFile merges a YAML configuration file at path as the file layer
// (PriorityFile). A missing file is not an error — defaults and environment
// variables still apply. Grounded on pkg/config/loader.go's
// loadConfigFile: the file is parsed with yaml.v3 first (not handed
// straight to viper) so a `_base: <path>` directive can pull in a parent
// file before the merge, the same inheritance shadcn-style registry
// configs use for framework overrides.
func (l *Loader) LoadFile(path string) error {
	return l.loadConfigFile(path, make(map[string]bool))
}

func (l *Loader) loadConfigFile(path string, seen map[string]bool) error {
	if seen[path] {
		return nil
	}
	seen[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}

	if base, ok := raw["_base"].(string); ok {
		basePath := filepath.Join(filepath.Dir(path), base)
		if err := l.loadConfigFile(basePath, seen); err != nil {
			return err
		}
		delete(raw, "_base")
	}

	return l.v.MergeConfigMap(raw)
}

// Build merges defaults, the loaded file and environment overrides (in
// that ascending-priority order) into a Config.
func (l *Loader) Build() Config {
	cfg := Default()

	if l.v.IsSet("storage.type") {
		cfg.StorageType = StorageType(l.v.GetString("storage.type"))
	}
	if l.v.IsSet("storage.memory.enabled") {
		cfg.Memory.Enabled = l.v.GetBool("storage.memory.enabled")
	}
	if l.v.IsSet("storage.memory.maxSize") {
		cfg.Memory.MaxSize = l.v.GetInt64("storage.memory.maxSize")
	}
	if l.v.IsSet("storage.memory.ttl") {
		cfg.Memory.TTL = l.v.GetDuration("storage.memory.ttl")
	}
	if l.v.IsSet("storage.memory.evictionPolicy") {
		cfg.Memory.EvictionPolicy = l.v.GetString("storage.memory.evictionPolicy")
	}

	if l.v.IsSet("storage.pglite.enabled") {
		cfg.Persistent.Enabled = l.v.GetBool("storage.pglite.enabled")
	}
	if l.v.IsSet("storage.pglite.path") {
		cfg.Persistent.Path = l.v.GetString("storage.pglite.path")
	}
	if l.v.IsSet("storage.pglite.maxSize") {
		cfg.Persistent.MaxSize = l.v.GetInt64("storage.pglite.maxSize")
	}
	if l.v.IsSet("storage.pglite.busyTimeout") {
		cfg.Persistent.BusyTimeout = l.v.GetDuration("storage.pglite.busyTimeout")
	}
	if l.v.IsSet("storage.pglite.vacuumInterval") {
		cfg.Persistent.VacuumInterval = l.v.GetDuration("storage.pglite.vacuumInterval")
	}
	if l.v.IsSet("storage.pglite.enableWAL") {
		cfg.Persistent.EnableWAL = l.v.GetBool("storage.pglite.enableWAL")
	}

	if l.v.IsSet("storage.github.enabled") {
		cfg.GitHub.Enabled = l.v.GetBool("storage.github.enabled")
	}
	if l.v.IsSet("storage.github.token") {
		cfg.GitHub.Token = l.v.GetString("storage.github.token")
	}
	if l.v.IsSet("storage.github.baseUrl") {
		cfg.GitHub.BaseURL = l.v.GetString("storage.github.baseUrl")
	}
	if l.v.IsSet("storage.github.owner") {
		cfg.GitHub.Owner = l.v.GetString("storage.github.owner")
	}
	if l.v.IsSet("storage.github.repo") {
		cfg.GitHub.Repo = l.v.GetString("storage.github.repo")
	}
	if l.v.IsSet("storage.github.registryPath") {
		cfg.GitHub.RegistryPath = l.v.GetString("storage.github.registryPath")
	}
	if l.v.IsSet("storage.github.timeout") {
		cfg.GitHub.Timeout = l.v.GetDuration("storage.github.timeout")
	}
	if l.v.IsSet("storage.github.retries") {
		cfg.GitHub.Retries = l.v.GetInt("storage.github.retries")
	}
	if l.v.IsSet("storage.github.userAgent") {
		cfg.GitHub.UserAgent = l.v.GetString("storage.github.userAgent")
	}

	if l.v.IsSet("cache.strategy") {
		cfg.Strategy = l.v.GetString("cache.strategy")
	}
	if l.v.IsSet("cache.ttl.components") {
		cfg.TTL.Components = l.v.GetDuration("cache.ttl.components")
	}
	if l.v.IsSet("cache.ttl.blocks") {
		cfg.TTL.Blocks = l.v.GetDuration("cache.ttl.blocks")
	}
	if l.v.IsSet("cache.ttl.metadata") {
		cfg.TTL.Metadata = l.v.GetDuration("cache.ttl.metadata")
	}

	if l.v.IsSet("circuitBreaker.enabled") {
		cfg.CircuitBreaker.Enabled = l.v.GetBool("circuitBreaker.enabled")
	}
	if l.v.IsSet("circuitBreaker.threshold") {
		cfg.CircuitBreaker.Threshold = l.v.GetInt("circuitBreaker.threshold")
	}
	if l.v.IsSet("circuitBreaker.timeout") {
		cfg.CircuitBreaker.Timeout = l.v.GetDuration("circuitBreaker.timeout")
	}
	if l.v.IsSet("circuitBreaker.resetTimeout") {
		cfg.CircuitBreaker.ResetTimeout = l.v.GetDuration("circuitBreaker.resetTimeout")
	}

	if l.v.IsSet("recovery.enabled") {
		cfg.Recovery.Enabled = l.v.GetBool("recovery.enabled")
	}
	if l.v.IsSet("recovery.maxRetries") {
		cfg.Recovery.MaxRetries = l.v.GetInt("recovery.maxRetries")
	}
	if l.v.IsSet("recovery.backoffMs") {
		cfg.Recovery.BackoffMs = l.v.GetInt64("recovery.backoffMs")
	}
	if l.v.IsSet("recovery.backoffMultiplier") {
		cfg.Recovery.BackoffMultiplier = l.v.GetFloat64("recovery.backoffMultiplier")
	}
	if l.v.IsSet("recovery.maxBackoffMs") {
		cfg.Recovery.MaxBackoffMs = l.v.GetInt64("recovery.maxBackoffMs")
	}
	if l.v.IsSet("recovery.fallbackChain.enabled") {
		cfg.Recovery.FallbackChain.Enabled = l.v.GetBool("recovery.fallbackChain.enabled")
	}
	if l.v.IsSet("recovery.fallbackChain.timeoutMs") {
		cfg.Recovery.FallbackChain.TimeoutMs = l.v.GetInt64("recovery.fallbackChain.timeoutMs")
	}
	if l.v.IsSet("recovery.notifications.enabled") {
		cfg.Recovery.Notifications.Enabled = l.v.GetBool("recovery.notifications.enabled")
	}

	if l.v.IsSet("performance.batchSize") {
		cfg.Performance.BatchSize = l.v.GetInt("performance.batchSize")
	}
	if l.v.IsSet("performance.concurrency") {
		cfg.Performance.Concurrency = l.v.GetInt("performance.concurrency")
	}
	if l.v.IsSet("performance.queueSize") {
		cfg.Performance.QueueSize = l.v.GetInt("performance.queueSize")
	}
	if l.v.IsSet("performance.flushInterval") {
		cfg.Performance.FlushInterval = l.v.GetDuration("performance.flushInterval")
	}

	return cfg
}
