package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoader_BuildWithoutFileReturnsDefaults(t *testing.T) {
	cfg := NewLoader().Build()
	require.Equal(t, StorageHybrid, cfg.StorageType)
	require.Equal(t, "read-through", cfg.Strategy)
	require.Equal(t, int64(64*1024*1024), cfg.Memory.MaxSize)
}

func TestLoader_LoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  strategy: write-through
storage:
  memory:
    maxSize: 1048576
`), 0o644))

	l := NewLoader()
	require.NoError(t, l.LoadFile(path))
	cfg := l.Build()

	require.Equal(t, "write-through", cfg.Strategy)
	require.Equal(t, int64(1048576), cfg.Memory.MaxSize)
	require.Equal(t, StorageHybrid, cfg.StorageType, "unset fields should keep their default")
}

func TestLoader_LoadFileMissingIsNotAnError(t *testing.T) {
	l := NewLoader()
	require.NoError(t, l.LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml")))
	require.Equal(t, Default(), l.Build())
}

func TestLoader_BaseDirectiveIsMergedBeforeChild(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	childPath := filepath.Join(dir, "production.yaml")

	require.NoError(t, os.WriteFile(basePath, []byte(`
storage:
  type: hybrid
cache:
  strategy: read-through
`), 0o644))
	require.NoError(t, os.WriteFile(childPath, []byte(`
_base: base.yaml
cache:
  strategy: write-behind
`), 0o644))

	l := NewLoader()
	require.NoError(t, l.LoadFile(childPath))
	cfg := l.Build()

	require.Equal(t, "write-behind", cfg.Strategy, "child value should win over base")
	require.Equal(t, StorageHybrid, cfg.StorageType, "base value should still apply")
}

func TestLoader_EnvOverridesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  strategy: write-through
`), 0o644))

	t.Setenv("CACHE_CACHE_STRATEGY", "cache-aside")

	l := NewLoader()
	require.NoError(t, l.LoadFile(path))
	cfg := l.Build()

	require.Equal(t, "cache-aside", cfg.Strategy)
}

func TestLoader_DurationFieldsParseFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  ttl:
    components: 2h
`), 0o644))

	l := NewLoader()
	require.NoError(t, l.LoadFile(path))
	cfg := l.Build()

	require.Equal(t, 2*time.Hour, cfg.TTL.Components)
}
