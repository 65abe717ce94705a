package tiers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alfredw/shadcn-registry-cache/internal/cacheerr"
)

func newTestMemoryTier(t *testing.T, maxBytes int64) *MemoryTier {
	t.Helper()
	mt, err := NewMemoryTier(MemoryTierConfig{MaxBytes: maxBytes})
	require.NoError(t, err)
	return mt
}

func TestMemoryTier_SetThenGet(t *testing.T) {
	mt := newTestMemoryTier(t, 1<<20)
	err := mt.Set(context.Background(), "component:react:button", Value{Component: &Component{Name: "button", SourceCode: "x"}}, time.Hour)
	require.NoError(t, err)

	val, meta, found, err := mt.Get(context.Background(), "component:react:button")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "button", val.Component.Name)
	require.Equal(t, int64(1), meta.AccessCount)
}

func TestMemoryTier_GetBumpsAccessCount(t *testing.T) {
	mt := newTestMemoryTier(t, 1<<20)
	require.NoError(t, mt.Set(context.Background(), "k", Value{Opaque: &Opaque{Bytes: []byte("v")}}, time.Hour))

	_, meta1, _, _ := mt.Get(context.Background(), "k")
	_, meta2, _, _ := mt.Get(context.Background(), "k")
	require.Equal(t, int64(1), meta1.AccessCount)
	require.Equal(t, int64(2), meta2.AccessCount)
}

func TestMemoryTier_ExpiredEntryEvictedLazily(t *testing.T) {
	mt := newTestMemoryTier(t, 1<<20)
	require.NoError(t, mt.Set(context.Background(), "k", Value{Opaque: &Opaque{Bytes: []byte("v")}}, time.Millisecond))

	time.Sleep(5 * time.Millisecond)

	_, _, found, err := mt.Get(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, found)

	size, err := mt.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), size)
}

func TestMemoryTier_SetRefusesWriteOverCapacity(t *testing.T) {
	mt := newTestMemoryTier(t, 10)
	err := mt.Set(context.Background(), "k", Value{Opaque: &Opaque{Bytes: []byte("this is definitely longer than ten bytes")}}, time.Hour)
	require.Error(t, err)
	require.Equal(t, cacheerr.KindCapacity, cacheerr.KindOf(err))
}

func TestMemoryTier_KeysMatchesGlobPattern(t *testing.T) {
	mt := newTestMemoryTier(t, 1<<20)
	require.NoError(t, mt.Set(context.Background(), "component:react:button", Value{Opaque: &Opaque{Bytes: []byte("a")}}, time.Hour))
	require.NoError(t, mt.Set(context.Background(), "component:react:card", Value{Opaque: &Opaque{Bytes: []byte("b")}}, time.Hour))
	require.NoError(t, mt.Set(context.Background(), "block:react:hero", Value{Opaque: &Opaque{Bytes: []byte("c")}}, time.Hour))

	keys, err := mt.Keys(context.Background(), "component:react:*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"component:react:button", "component:react:card"}, keys)
}

func TestMemoryTier_DeleteRemovesEntryAndReclaimsBytes(t *testing.T) {
	mt := newTestMemoryTier(t, 1<<20)
	require.NoError(t, mt.Set(context.Background(), "k", Value{Opaque: &Opaque{Bytes: []byte("v")}}, time.Hour))
	require.NoError(t, mt.Delete(context.Background(), "k"))

	_, _, found, err := mt.Get(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, int64(0), mt.TotalBytes())
}

func TestMemoryTier_ClearEmptiesStoreAndResetsBytes(t *testing.T) {
	mt := newTestMemoryTier(t, 1<<20)
	require.NoError(t, mt.Set(context.Background(), "a", Value{Opaque: &Opaque{Bytes: []byte("1")}}, time.Hour))
	require.NoError(t, mt.Set(context.Background(), "b", Value{Opaque: &Opaque{Bytes: []byte("2")}}, time.Hour))

	require.NoError(t, mt.Clear(context.Background()))

	size, err := mt.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), size)
	require.Equal(t, int64(0), mt.TotalBytes())
}

func TestMemoryTier_MSetAndMGet(t *testing.T) {
	mt := newTestMemoryTier(t, 1<<20)
	err := mt.MSet(context.Background(), map[string]Value{
		"a": {Opaque: &Opaque{Bytes: []byte("1")}},
		"b": {Opaque: &Opaque{Bytes: []byte("2")}},
	}, time.Hour)
	require.NoError(t, err)

	out, err := mt.MGet(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Contains(t, out, "a")
	require.Contains(t, out, "b")
}
