// Package orchestrator implements the hybrid read-through/write-strategy
// coordinator that composes the three storage tiers into one cache.
// Grounded on internal/cache/multilevel_cache.go's L1-then-L2
// read-through-with-promotion shape and background-worker queue,
// generalized from two tiers to three, and from a single write mode to
// the four configurable write strategies the spec names.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alfredw/shadcn-registry-cache/internal/cacheerr"
	"github.com/alfredw/shadcn-registry-cache/internal/fallback"
	"github.com/alfredw/shadcn-registry-cache/internal/notify"
	"github.com/alfredw/shadcn-registry-cache/internal/observability"
	"github.com/alfredw/shadcn-registry-cache/internal/recovery"
	"github.com/alfredw/shadcn-registry-cache/internal/tiers"
)

// WriteStrategy selects how Set fans a write out across tiers.
type WriteStrategy string

// Known write strategies.
const (
	WriteThrough WriteStrategy = "write-through"
	WriteBehind  WriteStrategy = "write-behind"
	ReadThrough  WriteStrategy = "read-through"
	CacheAside   WriteStrategy = "cache-aside"
)

// Config configures an Orchestrator.
type Config struct {
	Strategy        WriteStrategy
	DefaultTTL       time.Duration
	WriteBehindQueueSize int
	WriteBehindBatchSize int
	WriteBehindYield     time.Duration
	DisposeTimeout       time.Duration
	DisposePollInterval  time.Duration

	// FallbackChainEnabled wires a internal/fallback.Chain across the
	// persistent/remote tiers for the read path (spec §4.8), applying
	// its stale/partial acceptance policy instead of the plain ordered
	// tier loop once memory has missed.
	FallbackChainEnabled bool
	FallbackTimeoutMs    int64
	FallbackAllowStale   bool
	FallbackMaxStaleAge  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = ReadThrough
	}
	if c.WriteBehindQueueSize <= 0 {
		c.WriteBehindQueueSize = 1000
	}
	if c.WriteBehindBatchSize <= 0 {
		c.WriteBehindBatchSize = 10
	}
	if c.WriteBehindYield <= 0 {
		c.WriteBehindYield = 10 * time.Millisecond
	}
	if c.DisposeTimeout <= 0 {
		c.DisposeTimeout = 5 * time.Second
	}
	if c.DisposePollInterval <= 0 {
		c.DisposePollInterval = 100 * time.Millisecond
	}
	return c
}

// writeTask is one entry queued for asynchronous propagation under
// WRITE_BEHIND.
type writeTask struct {
	key   string
	value tiers.Value
	ttl   time.Duration
}

// Orchestrator owns the three tiers (L2/L3 optional), the recovery
// manager guarding each tier's calls, the write-behind queue, and
// per-tier statistics.
type Orchestrator struct {
	cfg Config

	memory     *tiers.MemoryTier
	persistent tiers.Tier // *tiers.PersistentTier, may be nil
	remote     tiers.Tier // *tiers.RemoteTier, may be nil

	recoveryMgr *recovery.Manager
	notifier    *notify.Notifier
	logger      observability.Logger
	metrics     observability.MetricsClient

	fallbackChain *fallback.Chain
	fallbackOpts  fallback.Options

	availMu      sync.RWMutex
	availability map[string]bool

	statsMu sync.Mutex
	stats   map[string]*tierStats

	queue    chan writeTask
	disposed int32 // atomic bool
	drainWG  sync.WaitGroup
}

type tierStats struct {
	hits, misses, total, rejectedWrites int64
	responseTimes                       *tiers.ResponseTimeRing
}

// New builds an Orchestrator. persistent/remote may be nil when the
// corresponding tier is disabled by configuration (storage.type).
func New(cfg Config, memory *tiers.MemoryTier, persistent, remote tiers.Tier, recoveryMgr *recovery.Manager, notifier *notify.Notifier, logger observability.Logger, metrics observability.MetricsClient) *Orchestrator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NewStandardLogger("orchestrator")
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	o := &Orchestrator{
		cfg:          cfg,
		memory:       memory,
		persistent:   persistent,
		remote:       remote,
		recoveryMgr:  recoveryMgr,
		notifier:     notifier,
		logger:       logger,
		metrics:      metrics,
		availability: make(map[string]bool),
		stats:        make(map[string]*tierStats),
		queue:        make(chan writeTask, cfg.WriteBehindQueueSize),
	}

	for _, name := range o.tierNames() {
		o.availability[name] = true
		o.stats[name] = &tierStats{responseTimes: tiers.NewResponseTimeRing()}
	}

	if cfg.Strategy == WriteBehind {
		o.drainWG.Add(1)
		go o.drainLoop()
	}

	if cfg.FallbackChainEnabled && (persistent != nil || remote != nil) {
		chain := fallback.New(notifier)
		if persistent != nil {
			chain.Register(fallback.TierEntry{
				Name: string(tiers.TierPersistent), Priority: 1,
				AllowStale: true, AllowPartial: true,
				Provider: &fallbackProvider{o: o, tier: persistent},
			})
		}
		if remote != nil {
			chain.Register(fallback.TierEntry{
				Name: string(tiers.TierRemote), Priority: 2,
				AllowStale: true, AllowPartial: true,
				Provider: &fallbackProvider{o: o, tier: remote},
			})
		}
		o.fallbackChain = chain
		o.fallbackOpts = fallback.Options{
			TimeoutMs:         cfg.FallbackTimeoutMs,
			PartialAcceptable: true,
			AllowStale:        cfg.FallbackAllowStale,
			MaxStaleAge:       cfg.FallbackMaxStaleAge,
		}
	}

	return o
}

func (o *Orchestrator) tierNames() []string {
	names := []string{string(tiers.TierMemory)}
	if o.persistent != nil {
		names = append(names, string(tiers.TierPersistent))
	}
	if o.remote != nil {
		names = append(names, string(tiers.TierRemote))
	}
	return names
}

func (o *Orchestrator) orderedTiers() []tiers.Tier {
	out := []tiers.Tier{o.memory}
	if o.persistent != nil {
		out = append(out, o.persistent)
	}
	if o.remote != nil {
		out = append(out, o.remote)
	}
	return out
}

func (o *Orchestrator) isAvailable(name string) bool {
	o.availMu.RLock()
	defer o.availMu.RUnlock()
	return o.availability[name]
}

func (o *Orchestrator) setAvailable(name string, available bool) {
	o.availMu.Lock()
	defer o.availMu.Unlock()
	o.availability[name] = available
}

func (o *Orchestrator) recordHit(name string, elapsed time.Duration) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	s := o.stats[name]
	s.hits++
	s.total++
	s.responseTimes.Add(elapsed)
}

func (o *Orchestrator) recordMiss(name string, elapsed time.Duration) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	s := o.stats[name]
	s.misses++
	s.total++
	s.responseTimes.Add(elapsed)
}

func (o *Orchestrator) recordRejectedWrite(name string) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.stats[name].rejectedWrites++
}

// execute runs op against the named tier through the recovery manager
// when one is configured, else directly. Tier errors flip availability
// off; a later successful call flips it back on.
func (o *Orchestrator) execute(ctx context.Context, tierName string, op func(ctx context.Context) error) error {
	var err error
	if o.recoveryMgr != nil {
		err = o.recoveryMgr.Execute(ctx, tierName, op)
	} else {
		err = op(ctx)
	}

	if err != nil && cacheerr.KindOf(err) != cacheerr.KindNotFound {
		o.setAvailable(tierName, false)
		o.logger.Debug("tier operation failed", map[string]interface{}{"tier": tierName, "error": err.Error()})
		if o.notifier != nil {
			o.notifier.Publish(notify.SeverityWarning, tierName, "", err.Error())
		}
		return err
	}
	o.setAvailable(tierName, true)
	return nil
}

func (o *Orchestrator) checkDisposed() error {
	if atomic.LoadInt32(&o.disposed) == 1 {
		return cacheerr.New(cacheerr.KindDisposed, "orchestrator", "operation on a disposed cache")
	}
	return nil
}

// fallbackCallState is threaded through one Get's fallback.Chain
// traversal via the context so the chain's providers can report back
// which tiers they tried and missed (for promotion) and whether an
// earlier tier in this call already went through a degraded path (so
// a later tier's hit is tagged stale per the chain's AllowStale policy
// rather than accepted as if it were a normal, non-degraded read).
type fallbackCallState struct {
	degraded bool
	missed   []tiers.Tier
}

type fallbackStateKey struct{}

func withFallbackState(ctx context.Context, state *fallbackCallState) context.Context {
	return context.WithValue(ctx, fallbackStateKey{}, state)
}

func fallbackStateFromContext(ctx context.Context) *fallbackCallState {
	if s, ok := ctx.Value(fallbackStateKey{}).(*fallbackCallState); ok {
		return s
	}
	return &fallbackCallState{}
}

// fallbackProvider adapts a tiers.Tier into a fallback.Provider, routing
// the call through the orchestrator's own execute (so recovery/breaker
// accounting and availability tracking stay consistent whether a tier
// is reached via the ordinary path or the fallback chain).
type fallbackProvider struct {
	o    *Orchestrator
	tier tiers.Tier
}

func (p *fallbackProvider) Get(ctx context.Context, key string) (tiers.Value, tiers.EntryMeta, bool, bool, error) {
	state := fallbackStateFromContext(ctx)
	name := p.tier.Name()

	var value tiers.Value
	var meta tiers.EntryMeta
	var found bool
	err := p.o.execute(ctx, name, func(ctx context.Context) error {
		v, m, ok, gerr := p.tier.Get(ctx, key)
		value, meta, found = v, m, ok
		return gerr
	})
	if err != nil {
		state.degraded = true
		state.missed = append(state.missed, p.tier)
		return tiers.Value{}, tiers.EntryMeta{}, false, false, err
	}
	if !found {
		state.missed = append(state.missed, p.tier)
		return tiers.Value{}, tiers.EntryMeta{}, false, false, nil
	}

	return value, meta, true, state.degraded, nil
}
