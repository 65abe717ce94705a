package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alfredw/shadcn-registry-cache/internal/breaker"
	"github.com/alfredw/shadcn-registry-cache/internal/cacheerr"
	"github.com/alfredw/shadcn-registry-cache/internal/recovery"
	"github.com/alfredw/shadcn-registry-cache/internal/tiers"
)

// fakeTier is an in-memory stand-in for the persistent/remote tiers,
// letting tests force errors and inspect writes without a real database
// or network client.
type fakeTier struct {
	mu       sync.Mutex
	name     string
	store    map[string]tiers.Value
	failGet  bool
	failSet  bool
	setCalls int
	msetCalls int
}

func newFakeTier(name string) *fakeTier {
	return &fakeTier{name: name, store: make(map[string]tiers.Value)}
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Get(ctx context.Context, key string) (tiers.Value, tiers.EntryMeta, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return tiers.Value{}, tiers.EntryMeta{}, false, cacheerr.New(cacheerr.KindTransient, f.name, "simulated failure")
	}
	v, ok := f.store[key]
	return v, tiers.EntryMeta{}, ok, nil
}

func (f *fakeTier) Set(ctx context.Context, key string, value tiers.Value, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.failSet {
		return cacheerr.New(cacheerr.KindUnavailable, f.name, "simulated write rejection")
	}
	f.store[key] = value
	return nil
}

func (f *fakeTier) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.store, key)
	return nil
}

func (f *fakeTier) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store = make(map[string]tiers.Value)
	return nil
}

func (f *fakeTier) Has(ctx context.Context, key string) (bool, error) {
	_, _, ok, err := f.Get(ctx, key)
	return ok, err
}

func (f *fakeTier) Keys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.store {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeTier) Size(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.store)), nil
}

func (f *fakeTier) GetMetadata(ctx context.Context, key string) (tiers.EntryMeta, bool, error) {
	_, _, ok, err := f.Get(ctx, key)
	return tiers.EntryMeta{}, ok, err
}

func (f *fakeTier) MGet(ctx context.Context, keys []string) (map[string]tiers.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]tiers.Value)
	for _, k := range keys {
		if v, ok := f.store[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *fakeTier) MSet(ctx context.Context, entries map[string]tiers.Value, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msetCalls++
	if f.failSet {
		return cacheerr.New(cacheerr.KindUnavailable, f.name, "simulated write rejection")
	}
	for k, v := range entries {
		f.store[k] = v
	}
	return nil
}

func (f *fakeTier) Dispose(ctx context.Context) error { return nil }

func (f *fakeTier) hasKey(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.store[key]
	return ok
}

func (f *fakeTier) entryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.store)
}

func newMemory(t *testing.T) *tiers.MemoryTier {
	t.Helper()
	mt, err := tiers.NewMemoryTier(tiers.MemoryTierConfig{MaxBytes: 1 << 20})
	require.NoError(t, err)
	return mt
}

func TestOrchestrator_PromotesOnLowerTierHit(t *testing.T) {
	memory := newMemory(t)
	persistent := newFakeTier("persistent")
	remote := newFakeTier("remote")
	remote.store["component:react:button"] = tiers.Value{Component: &tiers.Component{Name: "button", SourceCode: "x"}}

	o := New(Config{}, memory, persistent, remote, nil, nil, nil, nil)

	val, found, err := o.Get(context.Background(), "component:react:button")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "button", val.Component.Name)
	require.False(t, val.Fallback, "memory and persistent simply missed the key; neither was unavailable or errored")

	require.True(t, persistent.hasKey("component:react:button"))
	has, err := memory.Has(context.Background(), "component:react:button")
	require.NoError(t, err)
	require.True(t, has)
}

func TestOrchestrator_TagsFallbackOnlyWhenNearerTierErrored(t *testing.T) {
	memory := newMemory(t)
	persistent := newFakeTier("persistent")
	persistent.failGet = true
	remote := newFakeTier("remote")
	remote.store["component:react:button"] = tiers.Value{Component: &tiers.Component{Name: "button", SourceCode: "x"}}

	o := New(Config{}, memory, persistent, remote, nil, nil, nil, nil)

	val, found, err := o.Get(context.Background(), "component:react:button")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, val.Fallback, "persistent errored on this call, so remote is a degraded path")
}

func TestOrchestrator_FallbackChainPromotesCleanMissWithoutFallbackTag(t *testing.T) {
	memory := newMemory(t)
	persistent := newFakeTier("persistent")
	remote := newFakeTier("remote")
	remote.store["component:react:button"] = tiers.Value{Component: &tiers.Component{Name: "button", SourceCode: "x"}}

	o := New(Config{FallbackChainEnabled: true}, memory, persistent, remote, nil, nil, nil, nil)

	val, found, err := o.Get(context.Background(), "component:react:button")
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, val.Fallback, "persistent cleanly missed; nothing errored, so this isn't a degraded fallback")
	require.True(t, persistent.hasKey("component:react:button"), "the chain path still promotes into tiers that missed before the hit")
}

func TestOrchestrator_FallbackChainAcceptsStaleFromRemoteAfterPersistentError(t *testing.T) {
	memory := newMemory(t)
	persistent := newFakeTier("persistent")
	persistent.failGet = true
	remote := newFakeTier("remote")
	remote.store["component:react:button"] = tiers.Value{Component: &tiers.Component{Name: "button", SourceCode: "x"}}

	o := New(Config{FallbackChainEnabled: true, FallbackAllowStale: true}, memory, persistent, remote, nil, nil, nil, nil)

	val, found, err := o.Get(context.Background(), "component:react:button")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, val.Fallback)
	require.True(t, val.Stale, "remote's value is served through a degraded path because persistent errored first")
	require.True(t, persistent.hasKey("component:react:button"), "a tier that errored this call should still receive the promoted value")
}

func TestOrchestrator_FallbackChainRejectsStaleWhenPolicyDisallows(t *testing.T) {
	memory := newMemory(t)
	persistent := newFakeTier("persistent")
	persistent.failGet = true
	remote := newFakeTier("remote")
	remote.store["component:react:button"] = tiers.Value{Component: &tiers.Component{Name: "button", SourceCode: "x"}}

	o := New(Config{FallbackChainEnabled: true, FallbackAllowStale: false}, memory, persistent, remote, nil, nil, nil, nil)

	_, found, err := o.Get(context.Background(), "component:react:button")
	require.NoError(t, err)
	require.False(t, found, "remote's degraded-path value must be rejected when the configured policy disallows stale reads")
}

func TestOrchestrator_WriteThroughSucceedsWhenL2Rejects(t *testing.T) {
	memory := newMemory(t)
	persistent := newFakeTier("persistent")
	persistent.failSet = true

	o := New(Config{Strategy: WriteThrough}, memory, persistent, nil, nil, nil, nil, nil)

	err := o.Set(context.Background(), "component:react:card", tiers.Value{Component: &tiers.Component{Name: "card"}}, time.Hour)
	require.NoError(t, err)

	has, err := memory.Has(context.Background(), "component:react:card")
	require.NoError(t, err)
	require.True(t, has)

	stats := o.Stats()
	require.Equal(t, int64(1), stats["persistent"].RejectedWrites)
	require.False(t, stats["persistent"].Available)
}

func TestOrchestrator_WriteBehindEventuallyPropagates(t *testing.T) {
	memory := newMemory(t)
	persistent := newFakeTier("persistent")

	o := New(Config{Strategy: WriteBehind, WriteBehindBatchSize: 5, WriteBehindYield: time.Millisecond}, memory, persistent, nil, nil, nil, nil, nil)

	for i := 0; i < 20; i++ {
		key := "component:react:item" + string(rune('a'+i))
		err := o.Set(context.Background(), key, tiers.Value{Component: &tiers.Component{Name: key}}, time.Hour)
		require.NoError(t, err)

		has, herr := memory.Has(context.Background(), key)
		require.NoError(t, herr)
		require.True(t, has)
	}

	require.Eventually(t, func() bool {
		return persistent.entryCount() == 20
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Dispose(context.Background()))
}

func TestOrchestrator_MSetWriteThroughUsesTierLevelMSet(t *testing.T) {
	memory := newMemory(t)
	persistent := newFakeTier("persistent")

	o := New(Config{Strategy: WriteThrough}, memory, persistent, nil, nil, nil, nil, nil)

	entries := map[string]tiers.Value{
		"component:react:card":   {Component: &tiers.Component{Name: "card"}},
		"component:react:button": {Component: &tiers.Component{Name: "button"}},
	}
	require.NoError(t, o.MSet(context.Background(), entries, time.Hour))

	require.Equal(t, 1, persistent.msetCalls, "the batch should reach the tier through one MSet call, not a loop of single-key Sets")
	require.Equal(t, 0, persistent.setCalls)
	require.True(t, persistent.hasKey("component:react:card"))
	require.True(t, persistent.hasKey("component:react:button"))
}

func TestOrchestrator_MSetWriteThroughSucceedsWhenL2Rejects(t *testing.T) {
	memory := newMemory(t)
	persistent := newFakeTier("persistent")
	persistent.failSet = true

	o := New(Config{Strategy: WriteThrough}, memory, persistent, nil, nil, nil, nil, nil)

	entries := map[string]tiers.Value{"component:react:card": {Component: &tiers.Component{Name: "card"}}}
	require.NoError(t, o.MSet(context.Background(), entries, time.Hour))

	has, err := memory.Has(context.Background(), "component:react:card")
	require.NoError(t, err)
	require.True(t, has, "L1 accepting the batch is enough under I7 even though L2 rejected it")
}

func TestOrchestrator_MSetCacheAsideWritesMemoryAndPersistent(t *testing.T) {
	memory := newMemory(t)
	persistent := newFakeTier("persistent")

	o := New(Config{Strategy: CacheAside}, memory, persistent, nil, nil, nil, nil, nil)

	entries := map[string]tiers.Value{"component:react:card": {Component: &tiers.Component{Name: "card"}}}
	require.NoError(t, o.MSet(context.Background(), entries, time.Hour))

	require.Equal(t, 1, persistent.msetCalls)
	has, err := memory.Has(context.Background(), "component:react:card")
	require.NoError(t, err)
	require.True(t, has)
}

func TestOrchestrator_MSetWriteBehindEnqueuesEveryEntry(t *testing.T) {
	memory := newMemory(t)
	persistent := newFakeTier("persistent")

	o := New(Config{Strategy: WriteBehind, WriteBehindBatchSize: 5, WriteBehindYield: time.Millisecond}, memory, persistent, nil, nil, nil, nil, nil)

	entries := map[string]tiers.Value{
		"component:react:a": {Component: &tiers.Component{Name: "a"}},
		"component:react:b": {Component: &tiers.Component{Name: "b"}},
		"component:react:c": {Component: &tiers.Component{Name: "c"}},
	}
	require.NoError(t, o.MSet(context.Background(), entries, time.Hour))

	for key := range entries {
		has, err := memory.Has(context.Background(), key)
		require.NoError(t, err)
		require.True(t, has)
	}

	require.Eventually(t, func() bool {
		return persistent.entryCount() == 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Dispose(context.Background()))
}

func TestOrchestrator_BreakerTripsAfterRepeatedRemoteFailures(t *testing.T) {
	memory := newMemory(t)
	remote := newFakeTier("remote")
	remote.failGet = true

	mgr := recovery.NewManager(recovery.Config{
		MaxRetries:      0,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxElapsedTime:  5 * time.Millisecond,
		Breaker:         breaker.Config{FailureThreshold: 3, OpenTimeout: 50 * time.Millisecond, SuccessThreshold: 1},
	}, nil, nil)

	o := New(Config{}, memory, nil, remote, mgr, nil, nil, nil)

	for i := 0; i < 3; i++ {
		_, _, _ = o.Get(context.Background(), "component:react:missing")
	}

	status, ok := o.CircuitBreakerStatus("remote")
	require.True(t, ok)
	require.Equal(t, breaker.Open, status.State)
}
