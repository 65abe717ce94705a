package tiers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/alfredw/shadcn-registry-cache/internal/cacheerr"
	"github.com/alfredw/shadcn-registry-cache/internal/keycodec"
	"github.com/alfredw/shadcn-registry-cache/internal/observability"
)

// PersistentTier is the L2 tier: an embedded-SQL store for
// components/blocks (plus a generic table for metadata/directory/other
// keys), with TTL expiry, LRU eviction, size enforcement and atomic batch
// writes. Grounded on pkg/repository/postgres/base_repository.go's
// sqlx.DB + transaction-wrapper pattern; see SPEC_FULL.md §4.4 for why
// sqlx+lib/pq (rather than an embedded sqlite driver, absent from the
// retrieved pack) backs the "embedded-SQL" tier here.
type PersistentTier struct {
	db       *sqlx.DB
	maxBytes int64
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// PersistentTierConfig configures an L2 tier. DB must already be open;
// this tier never closes it (spec §4.4 "the underlying connection is
// managed externally").
type PersistentTierConfig struct {
	DB       *sqlx.DB
	MaxBytes int64
	Logger   observability.Logger
	Metrics  observability.MetricsClient
}

// NewPersistentTier builds an L2 tier and ensures its schema exists.
func NewPersistentTier(ctx context.Context, cfg PersistentTierConfig) (*PersistentTier, error) {
	if cfg.DB == nil {
		return nil, cacheerr.New(cacheerr.KindValidation, "persistent", "DB must not be nil")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 512 * 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewStandardLogger("tier.persistent")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}

	t := &PersistentTier{db: cfg.DB, maxBytes: cfg.MaxBytes, logger: cfg.Logger, metrics: cfg.Metrics}
	if err := t.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *PersistentTier) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS components (
	framework TEXT NOT NULL,
	name TEXT NOT NULL,
	source_code TEXT,
	demo_code TEXT,
	metadata JSONB,
	dependencies TEXT[],
	registry_dependencies TEXT[],
	github_sha TEXT,
	file_size BIGINT DEFAULT 0,
	last_modified TIMESTAMPTZ,
	cached_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	access_count BIGINT NOT NULL DEFAULT 0,
	ttl_seconds BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (framework, name)
);
CREATE TABLE IF NOT EXISTS blocks (
	framework TEXT NOT NULL,
	name TEXT NOT NULL,
	category TEXT,
	type TEXT,
	description TEXT,
	files JSONB,
	structure JSONB,
	dependencies TEXT[],
	components_used TEXT[],
	total_size BIGINT DEFAULT 0,
	github_sha TEXT,
	cached_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	access_count BIGINT NOT NULL DEFAULT 0,
	ttl_seconds BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (framework, name)
);
CREATE TABLE IF NOT EXISTS generic_entries (
	key TEXT PRIMARY KEY,
	bytes BYTEA,
	content_type TEXT,
	size BIGINT DEFAULT 0,
	cached_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	access_count BIGINT NOT NULL DEFAULT 0,
	ttl_seconds BIGINT NOT NULL DEFAULT 0
);`
	if _, err := t.db.ExecContext(ctx, ddl); err != nil {
		return cacheerr.Wrap(cacheerr.KindTransient, "persistent", "failed to ensure schema", err)
	}
	return nil
}

func (t *PersistentTier) Name() string { return string(TierPersistent) }

// --- component/block rows -------------------------------------------------

type componentRow struct {
	Framework            string         `db:"framework"`
	Name                 string         `db:"name"`
	SourceCode           sql.NullString `db:"source_code"`
	DemoCode             sql.NullString `db:"demo_code"`
	Metadata             []byte         `db:"metadata"`
	Dependencies         pq.StringArray `db:"dependencies"`
	RegistryDependencies pq.StringArray `db:"registry_dependencies"`
	GithubSha            sql.NullString `db:"github_sha"`
	FileSize             int64          `db:"file_size"`
	LastModified         sql.NullTime   `db:"last_modified"`
	CachedAt             time.Time      `db:"cached_at"`
	AccessedAt           time.Time      `db:"accessed_at"`
	AccessCount          int64          `db:"access_count"`
	TTLSeconds           int64          `db:"ttl_seconds"`
}

type blockRow struct {
	Framework      string         `db:"framework"`
	Name           string         `db:"name"`
	Category       sql.NullString `db:"category"`
	Type           sql.NullString `db:"type"`
	Description    sql.NullString `db:"description"`
	Files          []byte         `db:"files"`
	Structure      []byte         `db:"structure"`
	Dependencies   pq.StringArray `db:"dependencies"`
	ComponentsUsed pq.StringArray `db:"components_used"`
	TotalSize      int64          `db:"total_size"`
	GithubSha      sql.NullString `db:"github_sha"`
	CachedAt       time.Time      `db:"cached_at"`
	AccessedAt     time.Time      `db:"accessed_at"`
	AccessCount    int64          `db:"access_count"`
	TTLSeconds     int64          `db:"ttl_seconds"`
}

type genericRow struct {
	Key         string    `db:"key"`
	Bytes       []byte    `db:"bytes"`
	ContentType string    `db:"content_type"`
	Size        int64     `db:"size"`
	CachedAt    time.Time `db:"cached_at"`
	AccessedAt  time.Time `db:"accessed_at"`
	AccessCount int64     `db:"access_count"`
	TTLSeconds  int64     `db:"ttl_seconds"`
}

func componentFromRow(r componentRow) Component {
	c := Component{
		Framework:            r.Framework,
		Name:                 r.Name,
		SourceCode:           r.SourceCode.String,
		DemoCode:             r.DemoCode.String,
		RemoteSha:            r.GithubSha.String,
		FileSize:             r.FileSize,
		Dependencies:         []string(r.Dependencies),
		RegistryDependencies: []string(r.RegistryDependencies),
	}
	if r.LastModified.Valid {
		c.LastModified = r.LastModified.Time
	}
	_ = json.Unmarshal(r.Metadata, &c.Metadata)
	return c
}

func blockFromRow(r blockRow) Block {
	b := Block{
		Framework:      r.Framework,
		Name:           r.Name,
		Category:       r.Category.String,
		Type:           BlockType(r.Type.String),
		Description:    r.Description.String,
		TotalSize:      r.TotalSize,
		RemoteSha:      r.GithubSha.String,
		Dependencies:   []string(r.Dependencies),
		ComponentsUsed: []string(r.ComponentsUsed),
	}
	_ = json.Unmarshal(r.Files, &b.Files)
	_ = json.Unmarshal(r.Structure, &b.Structure)
	return b
}

// --- Get / Set -------------------------------------------------------------

// Get dispatches on key shape: components/blocks use the structured
// tables; everything else uses generic_entries.
func (t *PersistentTier) Get(ctx context.Context, key string) (Value, EntryMeta, bool, error) {
	start := time.Now()
	parsed, err := keycodec.Parse(key)
	if err != nil {
		return Value{}, EntryMeta{}, false, err
	}

	var (
		val  Value
		meta EntryMeta
		ok   bool
	)
	switch parsed.Kind {
	case keycodec.KindComponent:
		val, meta, ok, err = t.getComponent(ctx, parsed.Framework, parsed.Name)
	case keycodec.KindBlock:
		val, meta, ok, err = t.getBlock(ctx, parsed.Framework, parsed.Name)
	default:
		val, meta, ok, err = t.getGeneric(ctx, key)
	}
	if err != nil {
		return Value{}, EntryMeta{}, false, err
	}
	label := observability.CacheOperationLabels("persistent", "get")
	if ok {
		t.metrics.IncrementCounter("cache_tier_hits_total", 1, label)
	} else {
		t.metrics.IncrementCounter("cache_tier_misses_total", 1, label)
	}
	t.metrics.RecordHistogram("cache_tier_response_seconds", time.Since(start).Seconds(), label)
	return val, meta, ok, nil
}

// getComponent computes age in the database and deletes-on-expiry per I4.
func (t *PersistentTier) getComponent(ctx context.Context, framework, name string) (Value, EntryMeta, bool, error) {
	var row componentRow
	const q = `
SELECT *, EXTRACT(EPOCH FROM now() - cached_at)::bigint AS age_seconds
FROM components WHERE framework=$1 AND name=$2`
	type withAge struct {
		componentRow
		AgeSeconds int64 `db:"age_seconds"`
	}
	var wa withAge
	err := t.db.GetContext(ctx, &wa, q, framework, name)
	if err == sql.ErrNoRows {
		return Value{}, EntryMeta{}, false, nil
	}
	if err != nil {
		return Value{}, EntryMeta{}, false, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "getComponent query failed", err)
	}
	row = wa.componentRow

	if row.TTLSeconds > 0 && wa.AgeSeconds > row.TTLSeconds {
		if _, derr := t.db.ExecContext(ctx, `DELETE FROM components WHERE framework=$1 AND name=$2`, framework, name); derr != nil {
			return Value{}, EntryMeta{}, false, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "failed to delete expired component", derr)
		}
		return Value{}, EntryMeta{}, false, nil
	}

	if _, err := t.db.ExecContext(ctx,
		`UPDATE components SET accessed_at=now(), access_count=access_count+1 WHERE framework=$1 AND name=$2`,
		framework, name); err != nil {
		return Value{}, EntryMeta{}, false, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "failed to bump access stats", err)
	}

	c := componentFromRow(row)
	meta := EntryMeta{Size: row.FileSize, CachedAt: row.CachedAt, AccessedAt: row.AccessedAt, AccessCount: row.AccessCount + 1, TTLSeconds: row.TTLSeconds}
	return Value{Component: &c}, meta, true, nil
}

func (t *PersistentTier) getBlock(ctx context.Context, framework, name string) (Value, EntryMeta, bool, error) {
	type withAge struct {
		blockRow
		AgeSeconds int64 `db:"age_seconds"`
	}
	var wa withAge
	const q = `
SELECT *, EXTRACT(EPOCH FROM now() - cached_at)::bigint AS age_seconds
FROM blocks WHERE framework=$1 AND name=$2`
	err := t.db.GetContext(ctx, &wa, q, framework, name)
	if err == sql.ErrNoRows {
		return Value{}, EntryMeta{}, false, nil
	}
	if err != nil {
		return Value{}, EntryMeta{}, false, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "getBlock query failed", err)
	}
	row := wa.blockRow

	if row.TTLSeconds > 0 && wa.AgeSeconds > row.TTLSeconds {
		if _, derr := t.db.ExecContext(ctx, `DELETE FROM blocks WHERE framework=$1 AND name=$2`, framework, name); derr != nil {
			return Value{}, EntryMeta{}, false, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "failed to delete expired block", derr)
		}
		return Value{}, EntryMeta{}, false, nil
	}

	if _, err := t.db.ExecContext(ctx,
		`UPDATE blocks SET accessed_at=now(), access_count=access_count+1 WHERE framework=$1 AND name=$2`,
		framework, name); err != nil {
		return Value{}, EntryMeta{}, false, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "failed to bump access stats", err)
	}

	b := blockFromRow(row)
	meta := EntryMeta{Size: row.TotalSize, CachedAt: row.CachedAt, AccessedAt: row.AccessedAt, AccessCount: row.AccessCount + 1, TTLSeconds: row.TTLSeconds}
	return Value{Block: &b}, meta, true, nil
}

func (t *PersistentTier) getGeneric(ctx context.Context, key string) (Value, EntryMeta, bool, error) {
	type withAge struct {
		genericRow
		AgeSeconds int64 `db:"age_seconds"`
	}
	var wa withAge
	const q = `
SELECT *, EXTRACT(EPOCH FROM now() - cached_at)::bigint AS age_seconds
FROM generic_entries WHERE key=$1`
	err := t.db.GetContext(ctx, &wa, q, key)
	if err == sql.ErrNoRows {
		return Value{}, EntryMeta{}, false, nil
	}
	if err != nil {
		return Value{}, EntryMeta{}, false, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "getGeneric query failed", err)
	}
	row := wa.genericRow

	if row.TTLSeconds > 0 && wa.AgeSeconds > row.TTLSeconds {
		if _, derr := t.db.ExecContext(ctx, `DELETE FROM generic_entries WHERE key=$1`, key); derr != nil {
			return Value{}, EntryMeta{}, false, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "failed to delete expired entry", derr)
		}
		return Value{}, EntryMeta{}, false, nil
	}

	if _, err := t.db.ExecContext(ctx,
		`UPDATE generic_entries SET accessed_at=now(), access_count=access_count+1 WHERE key=$1`, key); err != nil {
		return Value{}, EntryMeta{}, false, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "failed to bump access stats", err)
	}

	val := Value{Opaque: &Opaque{Bytes: row.Bytes, ContentType: row.ContentType}}
	meta := EntryMeta{Size: row.Size, CachedAt: row.CachedAt, AccessedAt: row.AccessedAt, AccessCount: row.AccessCount + 1, TTLSeconds: row.TTLSeconds}
	return val, meta, true, nil
}

// Set upserts value, dispatching on key shape.
func (t *PersistentTier) Set(ctx context.Context, key string, value Value, ttl time.Duration) error {
	parsed, err := keycodec.Parse(key)
	if err != nil {
		return err
	}
	ttlSeconds := int64(ttl / time.Second)

	switch {
	case parsed.Kind == keycodec.KindComponent && value.Component != nil:
		return t.setComponent(ctx, *value.Component, ttlSeconds)
	case parsed.Kind == keycodec.KindBlock && value.Block != nil:
		return t.setBlock(ctx, *value.Block, ttlSeconds)
	default:
		opaque := value.Opaque
		if opaque == nil {
			opaque = &Opaque{}
		}
		return t.setGeneric(ctx, key, *opaque, ttlSeconds)
	}
}

func (t *PersistentTier) setComponent(ctx context.Context, c Component, ttlSeconds int64) error {
	meta, _ := json.Marshal(c.Metadata)
	deps := pq.Array(c.Dependencies)
	regDeps := pq.Array(c.RegistryDependencies)

	const q = `
INSERT INTO components (framework, name, source_code, demo_code, metadata, dependencies,
	registry_dependencies, github_sha, file_size, last_modified, cached_at, accessed_at, access_count, ttl_seconds)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now(), now(), 1, $11)
ON CONFLICT (framework, name) DO UPDATE SET
	source_code=EXCLUDED.source_code, demo_code=EXCLUDED.demo_code, metadata=EXCLUDED.metadata,
	dependencies=EXCLUDED.dependencies, registry_dependencies=EXCLUDED.registry_dependencies,
	github_sha=EXCLUDED.github_sha, file_size=EXCLUDED.file_size, last_modified=EXCLUDED.last_modified,
	cached_at=now(), accessed_at=now(), access_count=components.access_count+1, ttl_seconds=EXCLUDED.ttl_seconds`
	_, err := t.db.ExecContext(ctx, q, c.Framework, c.Name, c.SourceCode, c.DemoCode, meta, deps, regDeps,
		c.RemoteSha, c.FileSize, nullableTime(c.LastModified), ttlSeconds)
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindTransient, "persistent", "setComponent upsert failed", err)
	}
	return nil
}

func (t *PersistentTier) setBlock(ctx context.Context, b Block, ttlSeconds int64) error {
	files, _ := json.Marshal(b.Files)
	structure, _ := json.Marshal(b.Structure)
	deps := pq.Array(b.Dependencies)
	compsUsed := pq.Array(b.ComponentsUsed)

	const q = `
INSERT INTO blocks (framework, name, category, type, description, files, structure, dependencies,
	components_used, total_size, github_sha, cached_at, accessed_at, access_count, ttl_seconds)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now(), now(), 1, $12)
ON CONFLICT (framework, name) DO UPDATE SET
	category=EXCLUDED.category, type=EXCLUDED.type, description=EXCLUDED.description, files=EXCLUDED.files,
	structure=EXCLUDED.structure, dependencies=EXCLUDED.dependencies, components_used=EXCLUDED.components_used,
	total_size=EXCLUDED.total_size, github_sha=EXCLUDED.github_sha,
	cached_at=now(), accessed_at=now(), access_count=blocks.access_count+1, ttl_seconds=EXCLUDED.ttl_seconds`
	_, err := t.db.ExecContext(ctx, q, b.Framework, b.Name, b.Category, string(b.Type), b.Description, files,
		structure, deps, compsUsed, b.TotalSize, b.RemoteSha, ttlSeconds)
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindTransient, "persistent", "setBlock upsert failed", err)
	}
	return nil
}

func (t *PersistentTier) setGeneric(ctx context.Context, key string, o Opaque, ttlSeconds int64) error {
	const q = `
INSERT INTO generic_entries (key, bytes, content_type, size, cached_at, accessed_at, access_count, ttl_seconds)
VALUES ($1,$2,$3,$4, now(), now(), 1, $5)
ON CONFLICT (key) DO UPDATE SET
	bytes=EXCLUDED.bytes, content_type=EXCLUDED.content_type, size=EXCLUDED.size,
	cached_at=now(), accessed_at=now(), access_count=generic_entries.access_count+1, ttl_seconds=EXCLUDED.ttl_seconds`
	_, err := t.db.ExecContext(ctx, q, key, o.Bytes, o.ContentType, int64(len(o.Bytes)), ttlSeconds)
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindTransient, "persistent", "setGeneric upsert failed", err)
	}
	return nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// --- Delete / Clear / Has / Keys / Size / GetMetadata ---------------------

func (t *PersistentTier) Delete(ctx context.Context, key string) error {
	parsed, err := keycodec.Parse(key)
	if err != nil {
		return err
	}
	switch parsed.Kind {
	case keycodec.KindComponent:
		_, err = t.db.ExecContext(ctx, `DELETE FROM components WHERE framework=$1 AND name=$2`, parsed.Framework, parsed.Name)
	case keycodec.KindBlock:
		_, err = t.db.ExecContext(ctx, `DELETE FROM blocks WHERE framework=$1 AND name=$2`, parsed.Framework, parsed.Name)
	default:
		_, err = t.db.ExecContext(ctx, `DELETE FROM generic_entries WHERE key=$1`, key)
	}
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindTransient, "persistent", "delete failed", err)
	}
	return nil
}

func (t *PersistentTier) Clear(ctx context.Context) error {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindTransient, "persistent", "begin clear tx failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"components", "blocks", "generic_entries"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return cacheerr.Wrap(cacheerr.KindTransient, "persistent", "clear "+table+" failed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return cacheerr.Wrap(cacheerr.KindTransient, "persistent", "commit clear tx failed", err)
	}
	return nil
}

func (t *PersistentTier) Has(ctx context.Context, key string) (bool, error) {
	_, _, ok, err := t.Get(ctx, key)
	return ok, err
}

func (t *PersistentTier) Keys(ctx context.Context, pattern string) ([]string, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindValidation, "persistent", "invalid key pattern", err)
	}

	var out []string
	var comps []struct{ Framework, Name string }
	if err := t.db.SelectContext(ctx, &comps, `SELECT framework, name FROM components`); err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "keys query (components) failed", err)
	}
	for _, c := range comps {
		k := keycodec.Build(keycodec.KindComponent, c.Framework, c.Name)
		if re.MatchString(k) {
			out = append(out, k)
		}
	}

	var blks []struct{ Framework, Name string }
	if err := t.db.SelectContext(ctx, &blks, `SELECT framework, name FROM blocks`); err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "keys query (blocks) failed", err)
	}
	for _, b := range blks {
		k := keycodec.Build(keycodec.KindBlock, b.Framework, b.Name)
		if re.MatchString(k) {
			out = append(out, k)
		}
	}

	var generic []string
	if err := t.db.SelectContext(ctx, &generic, `SELECT key FROM generic_entries`); err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "keys query (generic) failed", err)
	}
	for _, k := range generic {
		if re.MatchString(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (t *PersistentTier) Size(ctx context.Context) (int64, error) {
	var n int64
	err := t.db.GetContext(ctx, &n, `SELECT
		(SELECT count(*) FROM components) + (SELECT count(*) FROM blocks) + (SELECT count(*) FROM generic_entries)`)
	if err != nil {
		return 0, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "size query failed", err)
	}
	return n, nil
}

func (t *PersistentTier) GetMetadata(ctx context.Context, key string) (EntryMeta, bool, error) {
	_, meta, ok, err := t.Get(ctx, key)
	return meta, ok, err
}

// --- MGet / MSet ------------------------------------------------------------

// MGet partitions keys by kind and issues one batched UPDATE … RETURNING *
// for component keys and one for block keys, so access counters and
// returned rows stay consistent (spec §4.4). Other keys are read one at a
// time from the generic table.
func (t *PersistentTier) MGet(ctx context.Context, keys []string) (map[string]Value, error) {
	var compPairs, blockPairs [][2]string
	var genericKeys []string

	for _, k := range keys {
		parsed, err := keycodec.Parse(k)
		if err != nil {
			continue
		}
		switch parsed.Kind {
		case keycodec.KindComponent:
			compPairs = append(compPairs, [2]string{parsed.Framework, parsed.Name})
		case keycodec.KindBlock:
			blockPairs = append(blockPairs, [2]string{parsed.Framework, parsed.Name})
		default:
			genericKeys = append(genericKeys, k)
		}
	}

	out := make(map[string]Value)

	if len(compPairs) > 0 {
		rows, err := t.mgetComponents(ctx, compPairs)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			c := componentFromRow(r)
			out[keycodec.Build(keycodec.KindComponent, r.Framework, r.Name)] = Value{Component: &c}
		}
	}
	if len(blockPairs) > 0 {
		rows, err := t.mgetBlocks(ctx, blockPairs)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			b := blockFromRow(r)
			out[keycodec.Build(keycodec.KindBlock, r.Framework, r.Name)] = Value{Block: &b}
		}
	}
	for _, k := range genericKeys {
		v, _, ok, err := t.getGeneric(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func tuplePlaceholders(n int, width int) string {
	groups := make([]string, n)
	idx := 1
	for i := 0; i < n; i++ {
		cols := make([]string, width)
		for c := 0; c < width; c++ {
			cols[c] = fmt.Sprintf("$%d", idx)
			idx++
		}
		groups[i] = "(" + strings.Join(cols, ",") + ")"
	}
	return strings.Join(groups, ",")
}

func (t *PersistentTier) mgetComponents(ctx context.Context, pairs [][2]string) ([]componentRow, error) {
	args := make([]interface{}, 0, len(pairs)*2)
	for _, p := range pairs {
		args = append(args, p[0], p[1])
	}
	q := fmt.Sprintf(`
UPDATE components SET accessed_at=now(), access_count=access_count+1
WHERE (framework, name) IN (%s)
RETURNING *`, tuplePlaceholders(len(pairs), 2))

	var rows []componentRow
	if err := t.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "mget components failed", err)
	}
	now := time.Now()
	var fresh []componentRow
	for _, r := range rows {
		if r.TTLSeconds > 0 && now.Sub(r.CachedAt) > time.Duration(r.TTLSeconds)*time.Second {
			_, _ = t.db.ExecContext(ctx, `DELETE FROM components WHERE framework=$1 AND name=$2`, r.Framework, r.Name)
			continue
		}
		fresh = append(fresh, r)
	}
	return fresh, nil
}

func (t *PersistentTier) mgetBlocks(ctx context.Context, pairs [][2]string) ([]blockRow, error) {
	args := make([]interface{}, 0, len(pairs)*2)
	for _, p := range pairs {
		args = append(args, p[0], p[1])
	}
	q := fmt.Sprintf(`
UPDATE blocks SET accessed_at=now(), access_count=access_count+1
WHERE (framework, name) IN (%s)
RETURNING *`, tuplePlaceholders(len(pairs), 2))

	var rows []blockRow
	if err := t.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "mget blocks failed", err)
	}
	now := time.Now()
	var fresh []blockRow
	for _, r := range rows {
		if r.TTLSeconds > 0 && now.Sub(r.CachedAt) > time.Duration(r.TTLSeconds)*time.Second {
			_, _ = t.db.ExecContext(ctx, `DELETE FROM blocks WHERE framework=$1 AND name=$2`, r.Framework, r.Name)
			continue
		}
		fresh = append(fresh, r)
	}
	return fresh, nil
}

// MSet upserts all entries inside a single transaction: either all become
// visible or none do (spec §4.4).
func (t *PersistentTier) MSet(ctx context.Context, entries map[string]Value, ttl time.Duration) error {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindTransient, "persistent", "begin mset tx failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	ttlSeconds := int64(ttl / time.Second)
	for key, value := range entries {
		parsed, perr := keycodec.Parse(key)
		if perr != nil {
			return perr
		}
		var execErr error
		switch {
		case parsed.Kind == keycodec.KindComponent && value.Component != nil:
			execErr = execComponentUpsert(ctx, tx, *value.Component, ttlSeconds)
		case parsed.Kind == keycodec.KindBlock && value.Block != nil:
			execErr = execBlockUpsert(ctx, tx, *value.Block, ttlSeconds)
		default:
			o := value.Opaque
			if o == nil {
				o = &Opaque{}
			}
			execErr = execGenericUpsert(ctx, tx, key, *o, ttlSeconds)
		}
		if execErr != nil {
			return execErr
		}
	}

	if err := tx.Commit(); err != nil {
		return cacheerr.Wrap(cacheerr.KindTransient, "persistent", "commit mset tx failed", err)
	}
	return nil
}

func execComponentUpsert(ctx context.Context, tx *sqlx.Tx, c Component, ttlSeconds int64) error {
	meta, _ := json.Marshal(c.Metadata)
	deps := pq.Array(c.Dependencies)
	regDeps := pq.Array(c.RegistryDependencies)
	const q = `
INSERT INTO components (framework, name, source_code, demo_code, metadata, dependencies,
	registry_dependencies, github_sha, file_size, last_modified, cached_at, accessed_at, access_count, ttl_seconds)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now(), now(), 1, $11)
ON CONFLICT (framework, name) DO UPDATE SET
	source_code=EXCLUDED.source_code, demo_code=EXCLUDED.demo_code, metadata=EXCLUDED.metadata,
	dependencies=EXCLUDED.dependencies, registry_dependencies=EXCLUDED.registry_dependencies,
	github_sha=EXCLUDED.github_sha, file_size=EXCLUDED.file_size, last_modified=EXCLUDED.last_modified,
	cached_at=now(), accessed_at=now(), access_count=components.access_count+1, ttl_seconds=EXCLUDED.ttl_seconds`
	_, err := tx.ExecContext(ctx, q, c.Framework, c.Name, c.SourceCode, c.DemoCode, meta, deps, regDeps,
		c.RemoteSha, c.FileSize, nullableTime(c.LastModified), ttlSeconds)
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindTransient, "persistent", "mset component upsert failed", err)
	}
	return nil
}

func execBlockUpsert(ctx context.Context, tx *sqlx.Tx, b Block, ttlSeconds int64) error {
	files, _ := json.Marshal(b.Files)
	structure, _ := json.Marshal(b.Structure)
	deps := pq.Array(b.Dependencies)
	compsUsed := pq.Array(b.ComponentsUsed)
	const q = `
INSERT INTO blocks (framework, name, category, type, description, files, structure, dependencies,
	components_used, total_size, github_sha, cached_at, accessed_at, access_count, ttl_seconds)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now(), now(), 1, $12)
ON CONFLICT (framework, name) DO UPDATE SET
	category=EXCLUDED.category, type=EXCLUDED.type, description=EXCLUDED.description, files=EXCLUDED.files,
	structure=EXCLUDED.structure, dependencies=EXCLUDED.dependencies, components_used=EXCLUDED.components_used,
	total_size=EXCLUDED.total_size, github_sha=EXCLUDED.github_sha,
	cached_at=now(), accessed_at=now(), access_count=blocks.access_count+1, ttl_seconds=EXCLUDED.ttl_seconds`
	_, err := tx.ExecContext(ctx, q, b.Framework, b.Name, b.Category, string(b.Type), b.Description, files,
		structure, deps, compsUsed, b.TotalSize, b.RemoteSha, ttlSeconds)
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindTransient, "persistent", "mset block upsert failed", err)
	}
	return nil
}

func execGenericUpsert(ctx context.Context, tx *sqlx.Tx, key string, o Opaque, ttlSeconds int64) error {
	const q = `
INSERT INTO generic_entries (key, bytes, content_type, size, cached_at, accessed_at, access_count, ttl_seconds)
VALUES ($1,$2,$3,$4, now(), now(), 1, $5)
ON CONFLICT (key) DO UPDATE SET
	bytes=EXCLUDED.bytes, content_type=EXCLUDED.content_type, size=EXCLUDED.size,
	cached_at=now(), accessed_at=now(), access_count=generic_entries.access_count+1, ttl_seconds=EXCLUDED.ttl_seconds`
	_, err := tx.ExecContext(ctx, q, key, o.Bytes, o.ContentType, int64(len(o.Bytes)), ttlSeconds)
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindTransient, "persistent", "mset generic upsert failed", err)
	}
	return nil
}

// --- Maintenance: TTL expiry, LRU eviction, size enforcement ---------------

// MaintenanceReport summarizes a performMaintenance() run.
type MaintenanceReport struct {
	ExpiredCleaned int64
	ItemsEvicted   int64
	FinalSizeBytes int64
	FinalCount     int64
}

// CleanupExpired deletes rows with age > ttl in both structured tables and
// the generic table inside one transaction; returns the count deleted.
func (t *PersistentTier) CleanupExpired(ctx context.Context) (int64, error) {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "begin cleanup tx failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, table := range []string{"components", "blocks", "generic_entries"} {
		q := fmt.Sprintf(`DELETE FROM %s WHERE ttl_seconds > 0 AND EXTRACT(EPOCH FROM now() - cached_at) > ttl_seconds`, table)
		res, err := tx.ExecContext(ctx, q)
		if err != nil {
			return 0, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "cleanup "+table+" failed", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "commit cleanup tx failed", err)
	}
	return total, nil
}

// totalBytes computes SUM(file_size) + SUM(total_size) + SUM(size), rows
// missing a size column contribute 0 (spec §4.4).
func (t *PersistentTier) totalBytes(ctx context.Context) (int64, error) {
	var total int64
	err := t.db.GetContext(ctx, &total, `SELECT
		COALESCE((SELECT SUM(file_size) FROM components), 0) +
		COALESCE((SELECT SUM(total_size) FROM blocks), 0) +
		COALESCE((SELECT SUM(size) FROM generic_entries), 0)`)
	if err != nil {
		return 0, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "total bytes query failed", err)
	}
	return total, nil
}

// EnforceMaxSize evicts LRU rows until totalBytes <= maxBytes.
func (t *PersistentTier) EnforceMaxSize(ctx context.Context) (int64, error) {
	total, err := t.totalBytes(ctx)
	if err != nil {
		return 0, err
	}
	if total <= t.maxBytes {
		return 0, nil
	}
	return t.EvictBySize(ctx, total-t.maxBytes)
}

type lruRow struct {
	Table      string
	Framework  string
	Name       string
	Key        string
	Size       int64
	AccessedAt time.Time
}

// lruCandidates returns rows from all three tables ordered by accessed_at
// ascending (oldest first), the union the spec's evictBySize/evictLRU
// operate over.
func (t *PersistentTier) lruCandidates(ctx context.Context) ([]lruRow, error) {
	var rows []lruRow

	var comps []struct {
		Framework  string    `db:"framework"`
		Name       string    `db:"name"`
		FileSize   int64     `db:"file_size"`
		AccessedAt time.Time `db:"accessed_at"`
	}
	if err := t.db.SelectContext(ctx, &comps, `SELECT framework, name, file_size, accessed_at FROM components`); err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "lru candidates (components) failed", err)
	}
	for _, c := range comps {
		rows = append(rows, lruRow{Table: "components", Framework: c.Framework, Name: c.Name, Size: c.FileSize, AccessedAt: c.AccessedAt})
	}

	var blks []struct {
		Framework  string    `db:"framework"`
		Name       string    `db:"name"`
		TotalSize  int64     `db:"total_size"`
		AccessedAt time.Time `db:"accessed_at"`
	}
	if err := t.db.SelectContext(ctx, &blks, `SELECT framework, name, total_size, accessed_at FROM blocks`); err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "lru candidates (blocks) failed", err)
	}
	for _, b := range blks {
		rows = append(rows, lruRow{Table: "blocks", Framework: b.Framework, Name: b.Name, Size: b.TotalSize, AccessedAt: b.AccessedAt})
	}

	var generic []struct {
		Key        string    `db:"key"`
		Size       int64     `db:"size"`
		AccessedAt time.Time `db:"accessed_at"`
	}
	if err := t.db.SelectContext(ctx, &generic, `SELECT key, size, accessed_at FROM generic_entries`); err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "lru candidates (generic) failed", err)
	}
	for _, g := range generic {
		rows = append(rows, lruRow{Table: "generic_entries", Key: g.Key, Size: g.Size, AccessedAt: g.AccessedAt})
	}

	sortByAccessedAtAsc(rows)
	return rows, nil
}

func sortByAccessedAtAsc(rows []lruRow) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].AccessedAt.Before(rows[j].AccessedAt) })
}

// EvictBySize deletes LRU-ordered rows (across all tables) until at least
// targetBytes have been freed, in one transaction.
func (t *PersistentTier) EvictBySize(ctx context.Context, targetBytes int64) (int64, error) {
	if targetBytes <= 0 {
		return 0, nil
	}
	candidates, err := t.lruCandidates(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "begin evict tx failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	var freed int64
	var evicted int64
	for _, r := range candidates {
		if freed >= targetBytes {
			break
		}
		if err := deleteRow(ctx, tx, r); err != nil {
			return 0, err
		}
		freed += r.Size
		evicted++
	}

	if err := tx.Commit(); err != nil {
		return 0, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "commit evict tx failed", err)
	}
	return evicted, nil
}

// EvictLRU deletes the n oldest-accessed rows across all tables.
func (t *PersistentTier) EvictLRU(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	candidates, err := t.lruCandidates(ctx)
	if err != nil {
		return 0, err
	}
	if n > len(candidates) {
		n = len(candidates)
	}

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "begin evict-lru tx failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := 0; i < n; i++ {
		if err := deleteRow(ctx, tx, candidates[i]); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "commit evict-lru tx failed", err)
	}
	return int64(n), nil
}

func deleteRow(ctx context.Context, tx *sqlx.Tx, r lruRow) error {
	var err error
	switch r.Table {
	case "components":
		_, err = tx.ExecContext(ctx, `DELETE FROM components WHERE framework=$1 AND name=$2`, r.Framework, r.Name)
	case "blocks":
		_, err = tx.ExecContext(ctx, `DELETE FROM blocks WHERE framework=$1 AND name=$2`, r.Framework, r.Name)
	case "generic_entries":
		_, err = tx.ExecContext(ctx, `DELETE FROM generic_entries WHERE key=$1`, r.Key)
	}
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindTransient, "persistent", "evict delete failed", err)
	}
	return nil
}

// PerformMaintenance runs cleanupExpired then enforceMaxSize.
func (t *PersistentTier) PerformMaintenance(ctx context.Context) (MaintenanceReport, error) {
	expired, err := t.CleanupExpired(ctx)
	if err != nil {
		return MaintenanceReport{}, err
	}
	evicted, err := t.EnforceMaxSize(ctx)
	if err != nil {
		return MaintenanceReport{}, err
	}
	finalBytes, err := t.totalBytes(ctx)
	if err != nil {
		return MaintenanceReport{}, err
	}
	finalCount, err := t.Size(ctx)
	if err != nil {
		return MaintenanceReport{}, err
	}
	return MaintenanceReport{
		ExpiredCleaned: expired,
		ItemsEvicted:   evicted,
		FinalSizeBytes: finalBytes,
		FinalCount:     finalCount,
	}, nil
}

// NeedsMaintenance reports true once size exceeds 90% of budget or more
// than 10% of entries have expired (spec §4.4).
func (t *PersistentTier) NeedsMaintenance(ctx context.Context) (bool, error) {
	total, err := t.totalBytes(ctx)
	if err != nil {
		return false, err
	}
	if float64(total) > 0.9*float64(t.maxBytes) {
		return true, nil
	}

	count, err := t.Size(ctx)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}

	var expired int64
	err = t.db.GetContext(ctx, &expired, `SELECT
		(SELECT count(*) FROM components WHERE ttl_seconds > 0 AND EXTRACT(EPOCH FROM now()-cached_at) > ttl_seconds) +
		(SELECT count(*) FROM blocks WHERE ttl_seconds > 0 AND EXTRACT(EPOCH FROM now()-cached_at) > ttl_seconds) +
		(SELECT count(*) FROM generic_entries WHERE ttl_seconds > 0 AND EXTRACT(EPOCH FROM now()-cached_at) > ttl_seconds)`)
	if err != nil {
		return false, cacheerr.Wrap(cacheerr.KindTransient, "persistent", "expired count query failed", err)
	}
	return float64(expired) > 0.1*float64(count), nil
}

func (t *PersistentTier) Dispose(ctx context.Context) error {
	// The connection is managed externally (spec §4.4); nothing to close.
	return nil
}
