package tiers

import (
	"context"
	"sync"
	"time"

	"github.com/alfredw/shadcn-registry-cache/internal/keycodec"
	"github.com/alfredw/shadcn-registry-cache/internal/observability"
)

// RegistryClient is the narrow interface RemoteTier depends on. A concrete
// implementation (internal/githubclient.Client) talks to the real GitHub
// contents API; RemoteTier never constructs HTTP requests itself (spec
// §1 out-of-scope, §4.5).
type RegistryClient interface {
	FetchComponent(ctx context.Context, framework, name string) (*Component, error)
	FetchBlock(ctx context.Context, framework, name string) (*Block, error)
	FetchAvailableComponents(ctx context.Context, framework string) ([]string, error)
	FetchDirectoryTree(ctx context.Context, framework, path string) ([]byte, error)
	FetchMetadata(ctx context.Context, sub string) ([]byte, error)
	RateLimitRemaining() int
}

// RemoteTier is the L3 adapter: read-mostly, delegates to a RegistryClient
// and keeps a small TTL-bounded local response cache. Sets are accepted
// only into that local cache — they are never pushed upstream (spec
// §4.5: "they are never pushed to the remote source").
type RemoteTier struct {
	client     RegistryClient
	cacheTTL   time.Duration
	logger     observability.Logger
	metrics    observability.MetricsClient

	mu    sync.Mutex
	cache map[string]cachedResponse
}

type cachedResponse struct {
	value    Value
	cachedAt time.Time
}

// RemoteTierConfig configures an L3 tier.
type RemoteTierConfig struct {
	Client   RegistryClient
	CacheTTL time.Duration
	Logger   observability.Logger
	Metrics  observability.MetricsClient
}

// NewRemoteTier builds an L3 tier.
func NewRemoteTier(cfg RemoteTierConfig) *RemoteTier {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewStandardLogger("tier.remote")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	return &RemoteTier{
		client:   cfg.Client,
		cacheTTL: cfg.CacheTTL,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		cache:    make(map[string]cachedResponse),
	}
}

func (t *RemoteTier) Name() string { return string(TierRemote) }

func (t *RemoteTier) localGet(key string) (Value, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.cache[key]
	if !ok {
		return Value{}, false
	}
	if time.Since(entry.cachedAt) > t.cacheTTL {
		delete(t.cache, key)
		return Value{}, false
	}
	return entry.value, true
}

func (t *RemoteTier) localSet(key string, value Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache[key] = cachedResponse{value: value, cachedAt: time.Now()}
}

// Get parses the key and invokes the matching RegistryClient fetch. Any
// error is swallowed and reported as absent, per spec §4.5 ("On any error
// it returns absent (not throw) for get").
func (t *RemoteTier) Get(ctx context.Context, key string) (Value, EntryMeta, bool, error) {
	start := time.Now()
	label := observability.CacheOperationLabels("remote", "get")

	if v, ok := t.localGet(key); ok {
		t.metrics.IncrementCounter("cache_tier_hits_total", 1, label)
		return v, EntryMeta{CachedAt: start}, true, nil
	}

	parsed, err := keycodec.Parse(key)
	if err != nil {
		t.metrics.IncrementCounter("cache_tier_misses_total", 1, label)
		return Value{}, EntryMeta{}, false, nil
	}

	var value Value
	switch parsed.Kind {
	case keycodec.KindComponent:
		c, ferr := t.client.FetchComponent(ctx, parsed.Framework, parsed.Name)
		if ferr != nil || c == nil {
			t.metrics.IncrementCounter("cache_tier_misses_total", 1, label)
			return Value{}, EntryMeta{}, false, nil
		}
		value = Value{Component: c}
	case keycodec.KindBlock:
		b, ferr := t.client.FetchBlock(ctx, parsed.Framework, parsed.Name)
		if ferr != nil || b == nil {
			t.metrics.IncrementCounter("cache_tier_misses_total", 1, label)
			return Value{}, EntryMeta{}, false, nil
		}
		value = Value{Block: b}
	case keycodec.KindDirectory:
		data, ferr := t.client.FetchDirectoryTree(ctx, "", parsed.Sub)
		if ferr != nil {
			t.metrics.IncrementCounter("cache_tier_misses_total", 1, label)
			return Value{}, EntryMeta{}, false, nil
		}
		value = Value{Opaque: &Opaque{Bytes: data, ContentType: "application/json"}}
	case keycodec.KindMetadata:
		data, ferr := t.client.FetchMetadata(ctx, parsed.Sub)
		if ferr != nil {
			t.metrics.IncrementCounter("cache_tier_misses_total", 1, label)
			return Value{}, EntryMeta{}, false, nil
		}
		value = Value{Opaque: &Opaque{Bytes: data, ContentType: "application/json"}}
	default:
		t.metrics.IncrementCounter("cache_tier_misses_total", 1, label)
		return Value{}, EntryMeta{}, false, nil
	}

	t.localSet(key, value)
	t.metrics.IncrementCounter("cache_tier_hits_total", 1, label)
	t.metrics.RecordHistogram("cache_tier_response_seconds", time.Since(start).Seconds(), label)
	now := time.Now()
	return value, EntryMeta{CachedAt: now, AccessedAt: now, TTLSeconds: int64(t.cacheTTL / time.Second)}, true, nil
}

// Set writes only into the local response cache; L3 is never written
// through to the remote source (spec §4.5).
func (t *RemoteTier) Set(ctx context.Context, key string, value Value, ttl time.Duration) error {
	t.localSet(key, value)
	return nil
}

func (t *RemoteTier) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cache, key)
	return nil
}

func (t *RemoteTier) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = make(map[string]cachedResponse)
	return nil
}

// Has performs a lightweight Get and reports presence (spec §4.5).
func (t *RemoteTier) Has(ctx context.Context, key string) (bool, error) {
	_, _, ok, err := t.Get(ctx, key)
	return ok, err
}

func (t *RemoteTier) Keys(ctx context.Context, pattern string) ([]string, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for k := range t.cache {
		if re.MatchString(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (t *RemoteTier) Size(ctx context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.cache)), nil
}

func (t *RemoteTier) GetMetadata(ctx context.Context, key string) (EntryMeta, bool, error) {
	_, meta, ok, err := t.Get(ctx, key)
	return meta, ok, err
}

func (t *RemoteTier) MGet(ctx context.Context, keys []string) (map[string]Value, error) {
	out := make(map[string]Value, len(keys))
	for _, k := range keys {
		v, _, ok, err := t.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (t *RemoteTier) MSet(ctx context.Context, entries map[string]Value, ttl time.Duration) error {
	for k, v := range entries {
		t.localSet(k, v)
	}
	return nil
}

func (t *RemoteTier) Dispose(ctx context.Context) error {
	return t.Clear(ctx)
}

// RateLimitRemaining exposes the underlying client's rate-limit tracking,
// useful for the orchestrator's availability decisions.
func (t *RemoteTier) RateLimitRemaining() int {
	if t.client == nil {
		return -1
	}
	return t.client.RateLimitRemaining()
}
