package tiers

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/alfredw/shadcn-registry-cache/internal/cacheerr"
	"github.com/alfredw/shadcn-registry-cache/internal/observability"
)

// MemoryTier is the L1 tier: a bounded, volatile in-memory mapping with
// TTL and per-entry accounting. Grounded on
// internal/cache/multilevel_cache.go's hashicorp/golang-lru L1, but
// generalized from the teacher's fixed-entry-count cap to the spec's
// byte-budgeted capacity (§4.3): the underlying lru.Cache is sized
// effectively unbounded by entry count (eviction-by-count would violate
// the spec's "refuse the write" contract) and this tier enforces maxBytes
// itself, returning a capacity error instead of silently evicting.
type MemoryTier struct {
	mu         sync.Mutex
	store      *lru.Cache[string, *memoryEntry]
	totalBytes int64
	maxBytes   int64
	defaultTTL time.Duration
	debug      bool
	logger     observability.Logger
	metrics    observability.MetricsClient
}

type memoryEntry struct {
	data        []byte // canonical JSON encoding of the Value
	value       Value
	size        int64
	ttlSeconds  int64
	ttl         time.Duration
	cachedAt    time.Time
	accessedAt  time.Time
	accessCount int64
}

// MemoryTierConfig configures a MemoryTier.
type MemoryTierConfig struct {
	MaxBytes      int64
	DefaultTTL    time.Duration
	Debug         bool
	Logger        observability.Logger
	Metrics       observability.MetricsClient
}

// effectivelyUnbounded is the lru.Cache entry-count capacity; real
// capacity enforcement happens on bytes, not entry count.
const effectivelyUnbounded = 1 << 24

// NewMemoryTier builds an L1 tier.
func NewMemoryTier(cfg MemoryTierConfig) (*MemoryTier, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 * 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewStandardLogger("tier.memory")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}

	store, err := lru.New[string, *memoryEntry](effectivelyUnbounded)
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindValidation, "memory", "failed to construct L1 store", err)
	}

	return &MemoryTier{
		store:      store,
		maxBytes:   cfg.MaxBytes,
		defaultTTL: cfg.DefaultTTL,
		debug:      cfg.Debug,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

func (t *MemoryTier) Name() string { return string(TierMemory) }

func encodeValue(v Value) ([]byte, error) {
	return json.Marshal(v)
}

// Get returns the value if present and not expired, bumping accessedAt and
// accessCount. Expired entries are deleted lazily (spec I4 applies to L2;
// L1 mirrors the same lazy-expiry behavior for consistency).
func (t *MemoryTier) Get(ctx context.Context, key string) (Value, EntryMeta, bool, error) {
	start := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.store.Get(key)
	if !ok {
		t.metrics.IncrementCounter("cache_tier_misses_total", 1, observability.CacheOperationLabels("memory", "get"))
		return Value{}, EntryMeta{}, false, nil
	}

	now := time.Now()
	if entry.ttl > 0 && now.Sub(entry.cachedAt) > entry.ttl {
		t.removeLocked(key, entry.size)
		t.metrics.IncrementCounter("cache_tier_misses_total", 1, observability.CacheOperationLabels("memory", "get"))
		return Value{}, EntryMeta{}, false, nil
	}

	entry.accessedAt = now
	entry.accessCount++ // I6: monotonically non-decreasing under the tier's own lock
	t.store.Add(key, entry)

	t.metrics.IncrementCounter("cache_tier_hits_total", 1, observability.CacheOperationLabels("memory", "get"))
	t.metrics.RecordHistogram("cache_tier_response_seconds", time.Since(start).Seconds(), observability.CacheOperationLabels("memory", "get"))
	return entry.value, EntryMeta{Size: entry.size, CachedAt: entry.cachedAt, AccessedAt: entry.accessedAt, AccessCount: entry.accessCount, TTLSeconds: entry.ttlSeconds}, true, nil
}

// Set stores value under key, refusing the write with a capacity error if
// it would push totalBytes above maxBytes.
func (t *MemoryTier) Set(ctx context.Context, key string, value Value, ttl time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindValidation, "memory", "failed to encode value", err)
	}
	size := int64(len(data))

	t.mu.Lock()
	defer t.mu.Unlock()

	var existingSize int64
	if old, ok := t.store.Peek(key); ok {
		existingSize = old.size
	}

	projected := t.totalBytes - existingSize + size
	if projected > t.maxBytes {
		return cacheerr.New(cacheerr.KindCapacity, "memory", "write would exceed configured maxBytes")
	}

	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	now := time.Now()
	entry := &memoryEntry{
		data: data, value: value, size: size,
		ttl:        ttl,
		ttlSeconds: int64(ttl / time.Second),
		cachedAt:   now, accessedAt: now,
	}
	t.store.Add(key, entry)
	t.totalBytes = projected

	if t.debug {
		t.logger.Debug("memory tier set", map[string]interface{}{"key": key, "size": size})
	}
	return nil
}

func (t *MemoryTier) removeLocked(key string, size int64) {
	t.store.Remove(key)
	t.totalBytes -= size
	if t.totalBytes < 0 {
		t.totalBytes = 0
	}
}

func (t *MemoryTier) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.store.Peek(key); ok {
		t.removeLocked(key, entry.size)
	}
	return nil
}

func (t *MemoryTier) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.Purge()
	t.totalBytes = 0
	return nil
}

func (t *MemoryTier) Has(ctx context.Context, key string) (bool, error) {
	_, _, ok, err := t.Get(ctx, key)
	return ok, err
}

// globToRegexp compiles a glob pattern ("*" -> ".*") into an anchored
// regexp, escaping every other regex metacharacter (spec §4.3).
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func (t *MemoryTier) Keys(ctx context.Context, pattern string) ([]string, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindValidation, "memory", "invalid key pattern", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for _, k := range t.store.Keys() {
		if re.MatchString(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (t *MemoryTier) Size(ctx context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(t.store.Len()), nil
}

func (t *MemoryTier) GetMetadata(ctx context.Context, key string) (EntryMeta, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.store.Peek(key)
	if !ok {
		return EntryMeta{}, false, nil
	}
	return EntryMeta{Size: entry.size, CachedAt: entry.cachedAt, AccessedAt: entry.accessedAt, AccessCount: entry.accessCount, TTLSeconds: entry.ttlSeconds}, true, nil
}

func (t *MemoryTier) MGet(ctx context.Context, keys []string) (map[string]Value, error) {
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

func (t *MemoryTier) MSet(ctx context.Context, entries map[string]Value, ttl time.Duration) error {
	for k, v := range entries {
		if err := t.Set(ctx, k, v, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (t *MemoryTier) Dispose(ctx context.Context) error {
	return t.Clear(ctx)
}

// TotalBytes reports the current accounted size, for tests and stats.
func (t *MemoryTier) TotalBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalBytes
}
