// Package registrycache is the public entry point: a hybrid L1/L2/L3
// cache for a shadcn-style component/block registry, with circuit
// breakers, retry-with-backoff and a fallback chain guarding the
// remote tier. Grounded on the overall composition style of
// internal/cache/multilevel_cache.go (a single façade type wiring
// sub-components together behind one constructor).
package registrycache

import (
	"context"
	"time"

	"github.com/alfredw/shadcn-registry-cache/internal/breaker"
	"github.com/alfredw/shadcn-registry-cache/internal/config"
	"github.com/alfredw/shadcn-registry-cache/internal/fallback"
	"github.com/alfredw/shadcn-registry-cache/internal/githubclient"
	"github.com/alfredw/shadcn-registry-cache/internal/notify"
	"github.com/alfredw/shadcn-registry-cache/internal/observability"
	"github.com/alfredw/shadcn-registry-cache/internal/orchestrator"
	"github.com/alfredw/shadcn-registry-cache/internal/recovery"
	"github.com/alfredw/shadcn-registry-cache/internal/tiers"
	"github.com/jmoiron/sqlx"
)

// Value is re-exported so callers never need to import internal/tiers
// directly.
type Value = tiers.Value

// Component is re-exported from internal/tiers.
type Component = tiers.Component

// Block is re-exported from internal/tiers.
type Block = tiers.Block

// Opaque is re-exported from internal/tiers.
type Opaque = tiers.Opaque

// EntryMeta is re-exported from internal/tiers.
type EntryMeta = tiers.EntryMeta

// TierStatistics is re-exported from internal/orchestrator.
type TierStatistics = orchestrator.TierStatistics

// CircuitBreakerStatus is re-exported from internal/breaker.
type CircuitBreakerStatus = breaker.Status

// RecoveryStatus is re-exported from internal/recovery.
type RecoveryStatus = recovery.Status

// RecoveryConfig is re-exported from internal/recovery.
type RecoveryConfig = recovery.Config

// NotificationEvent is re-exported from internal/notify.
type NotificationEvent = notify.Event

// NotificationSubscription is re-exported from internal/notify.
type NotificationSubscription = notify.Subscription

// DegradationSummary is re-exported from internal/notify.
type DegradationSummary = notify.Summary

// Cache is the public façade the embedding application calls.
type Cache struct {
	orch     *orchestrator.Orchestrator
	notifier *notify.Notifier
	recovery *recovery.Manager
}

// Dependencies lets callers supply already-constructed collaborators
// (a *sqlx.DB managed by the host application, a RegistryClient other
// than the default GitHub one) instead of letting Open build them from
// Config. Any field left nil falls back to Config-driven construction,
// except DB: with a nil DB, Open sets up no persistent (L2) tier.
type Dependencies struct {
	DB             *sqlx.DB
	RegistryClient tiers.RegistryClient
	Logger         observability.Logger
	Metrics        observability.MetricsClient
}

// Open constructs a Cache from cfg and optional pre-built dependencies.
// The persistent connection in deps.DB, when supplied, is never closed
// by Dispose — its lifecycle belongs to the caller (spec §5).
func Open(cfg config.Config, deps Dependencies) (*Cache, error) {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewStandardLogger("cache")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewPrometheusMetrics("shadcn", "registry_cache")
	}

	memory, err := tiers.NewMemoryTier(tiers.MemoryTierConfig{
		MaxBytes:   cfg.Memory.MaxSize,
		DefaultTTL: cfg.TTL.Components,
		Logger:     logger.WithPrefix("tier.memory"),
		Metrics:    metrics,
	})
	if err != nil {
		return nil, err
	}

	var persistent tiers.Tier
	if cfg.Persistent.Enabled && cfg.StorageType != config.StorageMemoryOnly && deps.DB != nil {
		pt, perr := tiers.NewPersistentTier(context.Background(), tiers.PersistentTierConfig{
			DB:       deps.DB,
			MaxBytes: cfg.Persistent.MaxSize,
			Logger:   logger.WithPrefix("tier.persistent"),
			Metrics:  metrics,
		})
		if perr != nil {
			return nil, perr
		}
		persistent = pt
	}

	var remote tiers.Tier
	if cfg.GitHub.Enabled && cfg.StorageType == config.StorageHybrid {
		client := deps.RegistryClient
		if client == nil {
			client = githubclient.New(githubclient.Config{
				Owner:        cfg.GitHub.Owner,
				Repo:         cfg.GitHub.Repo,
				Token:        cfg.GitHub.Token,
				HTTPTimeout:  cfg.GitHub.Timeout,
				RegistryPath: cfg.GitHub.RegistryPath,
				Logger:       logger.WithPrefix("githubclient"),
				Metrics:      metrics,
			})
		}
		remote = tiers.NewRemoteTier(tiers.RemoteTierConfig{
			Client:  client,
			Logger:  logger.WithPrefix("tier.remote"),
			Metrics: metrics,
		})
	}

	var recoveryMgr *recovery.Manager
	var notifier *notify.Notifier
	if cfg.Recovery.Enabled {
		recoveryMgr = recovery.NewManager(recovery.Config{
			MaxRetries:      cfg.Recovery.MaxRetries,
			InitialInterval: time.Duration(cfg.Recovery.BackoffMs) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Recovery.MaxBackoffMs) * time.Millisecond,
			Multiplier:      cfg.Recovery.BackoffMultiplier,
			Breaker: breaker.Config{
				FailureThreshold: cfg.CircuitBreaker.Threshold,
				OpenTimeout:      cfg.CircuitBreaker.Timeout,
			},
		}, logger.WithPrefix("recovery"), metrics)

		if cfg.Recovery.Notifications.Enabled {
			notifier = notify.New(notify.Config{
				RetentionMs:      cfg.Recovery.Notifications.RetentionMs,
				MaxNotifications: cfg.Recovery.Notifications.MaxNotifications,
			})
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		Strategy:   orchestrator.WriteStrategy(cfg.Strategy),
		DefaultTTL: cfg.TTL.Components,
		WriteBehindQueueSize: cfg.Performance.QueueSize,
		WriteBehindBatchSize: cfg.Performance.BatchSize,
		WriteBehindYield:     cfg.Performance.FlushInterval,
		FallbackChainEnabled: cfg.Recovery.Enabled && cfg.Recovery.FallbackChain.Enabled,
		FallbackTimeoutMs:    cfg.Recovery.FallbackChain.TimeoutMs,
		FallbackAllowStale:   cfg.Recovery.FallbackChain.AllowStale,
		FallbackMaxStaleAge:  cfg.Recovery.FallbackChain.MaxStaleAge,
	}, memory, persistent, remote, recoveryMgr, notifier, logger.WithPrefix("orchestrator"), metrics)

	return &Cache{orch: orch, notifier: notifier, recovery: recoveryMgr}, nil
}

// Get retrieves a value by key, promoting it through closer tiers on a
// lower-tier hit.
func (c *Cache) Get(ctx context.Context, key string) (Value, bool, error) {
	return c.orch.Get(ctx, key)
}

// Set stores a value under key with the given TTL (0 uses the
// configured default).
func (c *Cache) Set(ctx context.Context, key string, value Value, ttl time.Duration) error {
	return c.orch.Set(ctx, key, value, ttl)
}

// Has reports whether key is present in any tier.
func (c *Cache) Has(ctx context.Context, key string) (bool, error) {
	return c.orch.Has(ctx, key)
}

// Delete removes key from every tier.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.orch.Delete(ctx, key)
}

// Clear empties every tier.
func (c *Cache) Clear(ctx context.Context) error {
	return c.orch.Clear(ctx)
}

// MGet retrieves multiple keys in one three-phase batch read.
func (c *Cache) MGet(ctx context.Context, keys []string) (map[string]Value, error) {
	return c.orch.MGet(ctx, keys)
}

// MSet stores multiple entries.
func (c *Cache) MSet(ctx context.Context, entries map[string]Value, ttl time.Duration) error {
	return c.orch.MSet(ctx, entries, ttl)
}

// GetMetadata returns per-entry bookkeeping (size, timestamps, TTL).
func (c *Cache) GetMetadata(ctx context.Context, key string) (EntryMeta, bool, error) {
	return c.orch.GetMetadata(ctx, key)
}

// Keys returns keys matching a glob pattern across all tiers.
func (c *Cache) Keys(ctx context.Context, pattern string) ([]string, error) {
	return c.orch.Keys(ctx, pattern)
}

// Size reports L1's current entry count.
func (c *Cache) Size(ctx context.Context) (int64, error) {
	return c.orch.Size(ctx)
}

// Dispose releases cache resources; safe to call more than once.
func (c *Cache) Dispose(ctx context.Context) error {
	return c.orch.Dispose(ctx)
}

// GetStats returns a point-in-time snapshot of every tier's statistics.
func (c *Cache) GetStats() map[string]TierStatistics {
	return c.orch.Stats()
}

// GetCircuitBreakerStatus reports one tier's breaker status.
func (c *Cache) GetCircuitBreakerStatus(tier string) (CircuitBreakerStatus, bool) {
	return c.orch.CircuitBreakerStatus(tier)
}

// OpenCircuitBreaker manually opens a tier's breaker.
func (c *Cache) OpenCircuitBreaker(tier string) {
	c.orch.OpenCircuitBreaker(tier)
}

// CloseCircuitBreaker manually closes a tier's breaker.
func (c *Cache) CloseCircuitBreaker(tier string) {
	c.orch.CloseCircuitBreaker(tier)
}

// GetRecoveryStatus reports one tier's recovery status.
func (c *Cache) GetRecoveryStatus(tier string) (RecoveryStatus, bool) {
	return c.orch.RecoveryStatus(tier)
}

// GetRecoveryStats reports recovery status for every tier.
func (c *Cache) GetRecoveryStats() map[string]RecoveryStatus {
	return c.orch.RecoveryStats()
}

// ResetRecoveryState closes every tier's breaker and clears error
// history.
func (c *Cache) ResetRecoveryState() {
	c.orch.ResetRecoveryState()
}

// SubscribeToNotifications registers cb for future degradation events
// and returns a handle that stops delivery when unsubscribed. Returns
// nil if notifications are disabled.
func (c *Cache) SubscribeToNotifications(cb func(NotificationEvent)) *NotificationSubscription {
	if c.notifier == nil {
		return nil
	}
	return c.notifier.Subscribe(cb)
}

// GetDegradationSummary aggregates retained notifications from the last
// n minutes.
func (c *Cache) GetDegradationSummary(n int) DegradationSummary {
	if c.notifier == nil {
		return DegradationSummary{}
	}
	return c.notifier.GetDegradationSummary(n)
}

// UpdateRecoveryConfig replaces one tier's recovery policy.
func (c *Cache) UpdateRecoveryConfig(tier string, cfg RecoveryConfig) {
	c.orch.UpdateRecoveryConfig(tier, cfg)
}

// NewFallbackChain exposes the fallback-chain constructor for callers
// that want to build and drive their own chain independently of a
// Cache (e.g. in a test, or to register additional non-tier
// providers). Open already wires a chain across the persistent/remote
// tiers automatically when recovery.fallbackChain.enabled is set
// (the default); most callers do not need this.
func NewFallbackChain(notifier *notify.Notifier) *fallback.Chain {
	return fallback.New(notifier)
}
