// Package tiers implements the three storage tiers composed by the
// orchestrator: MemoryTier (L1), PersistentTier (L2) and RemoteTier (L3).
// All three satisfy the same Tier interface so the orchestrator can treat
// them uniformly.
package tiers

import "time"

// Component is the semantic entry for a `component:<fw>:<name>` key.
type Component struct {
	Framework             string                 `json:"framework"`
	Name                  string                 `json:"name"`
	SourceCode            string                 `json:"sourceCode"`
	DemoCode              string                 `json:"demoCode,omitempty"`
	Metadata              map[string]interface{} `json:"metadata,omitempty"`
	Dependencies          []string               `json:"dependencies,omitempty"`
	RegistryDependencies  []string               `json:"registryDependencies,omitempty"`
	RemoteSha             string                 `json:"remoteSha,omitempty"`
	FileSize              int64                  `json:"fileSize,omitempty"`
	LastModified          time.Time              `json:"lastModified,omitempty"`
}

// BlockType is the complexity tier of a Block entry.
type BlockType string

// Known block types.
const (
	BlockSimple  BlockType = "simple"
	BlockComplex BlockType = "complex"
)

// Block is the semantic entry for a `block:<fw>:<name>` key.
type Block struct {
	Framework       string            `json:"framework"`
	Name            string            `json:"name"`
	Category        string            `json:"category,omitempty"`
	Type            BlockType         `json:"type,omitempty"`
	Description     string            `json:"description,omitempty"`
	Files           map[string][]byte `json:"files"`
	Structure       map[string]interface{} `json:"structure,omitempty"`
	Dependencies    []string          `json:"dependencies,omitempty"`
	ComponentsUsed  []string          `json:"componentsUsed,omitempty"`
	TotalSize       int64             `json:"totalSize,omitempty"`
	RemoteSha       string            `json:"remoteSha,omitempty"`
}

// Opaque is the entry shape for metadata/directory keys and anything else
// outside the structured component/block grammar.
type Opaque struct {
	Bytes       []byte `json:"bytes"`
	ContentType string `json:"contentType,omitempty"`
}

// Value is the union carried through Get/Set. Exactly one of Component,
// Block or Opaque is non-nil. Go has no sum types, so the orchestrator and
// tiers discriminate on which field is set (mirroring how the teacher's
// multi-level cache marshals a single interface{} value — here we keep the
// union explicit instead of opaque JSON so the persistent tier can route
// to its two structured tables).
type Value struct {
	Component *Component
	Block     *Block
	Opaque    *Opaque

	// Stale is set by the orchestrator/fallback chain when a value was
	// served from a tier past its freshness policy (spec I3, §4.6 step 3).
	Stale bool
	// Fallback is set when a value was served only because the source of
	// truth was unreachable (spec §4.6 step 4).
	Fallback bool
	// Partial is set by the fallback chain when required-field validation
	// failed but allowPartial permitted returning the value anyway.
	Partial bool
}

// IsZero reports whether v carries no payload at all.
func (v Value) IsZero() bool {
	return v.Component == nil && v.Block == nil && v.Opaque == nil
}

// EntryMeta is the per-tier, per-entry bookkeeping the spec requires:
// size, cachedAt, accessedAt, accessCount, ttlSeconds.
type EntryMeta struct {
	Size        int64
	CachedAt    time.Time
	AccessedAt  time.Time
	AccessCount int64
	TTLSeconds  int64
}

// Expired reports whether this entry has outlived its TTL as of now,
// using the server/process clock per spec I4.
func (m EntryMeta) Expired(now time.Time) bool {
	if m.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(m.CachedAt) > time.Duration(m.TTLSeconds)*time.Second
}
