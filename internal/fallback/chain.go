// Package fallback implements the ordered, policy-driven tier traversal
// used when recovery is enabled. Grounded on pkg/resilience's
// per-adapter breaker-guarded call pattern, generalized from a single
// guarded call to an ordered chain of providers each with its own
// staleness/partial-acceptance policy.
package fallback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alfredw/shadcn-registry-cache/internal/notify"
	"github.com/alfredw/shadcn-registry-cache/internal/tiers"
)

// Provider is the narrow read surface a fallback tier needs: a Get that
// also reports whether the returned value is stale (per the provider's
// own freshness policy) and how old it is.
type Provider interface {
	Get(ctx context.Context, key string) (value tiers.Value, meta tiers.EntryMeta, found bool, stale bool, err error)
}

// TierEntry registers one provider in the chain.
type TierEntry struct {
	Name        string
	Provider    Provider
	Priority    int
	AllowStale  bool
	AllowPartial bool
}

// Options configures a single getWithFallback call.
type Options struct {
	TimeoutMs        int64
	RequiredFields   []string
	PartialAcceptable bool
	AllowStale       bool
	MaxStaleAge      time.Duration
}

// Result is the outcome of a fallback traversal.
type Result struct {
	Value tiers.Value
	Meta  tiers.EntryMeta
	Found bool
}

// Chain is an ordered, policy-driven sequence of tier providers.
type Chain struct {
	mu       sync.RWMutex
	entries  []TierEntry
	notifier *notify.Notifier
}

// New builds a Chain. notifier may be nil, in which case failure events
// are silently dropped.
func New(notifier *notify.Notifier) *Chain {
	return &Chain{notifier: notifier}
}

// Register adds a tier to the chain and keeps entries sorted ascending
// by priority.
func (c *Chain) Register(entry TierEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	sort.SliceStable(c.entries, func(i, j int) bool { return c.entries[i].Priority < c.entries[j].Priority })
}

func (c *Chain) snapshot() []TierEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TierEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// GetWithFallback iterates registered tiers in priority order. See
// tryTier for the per-tier decision rules.
func (c *Chain) GetWithFallback(ctx context.Context, key string, opts Options) Result {
	for _, entry := range c.snapshot() {
		value, meta, found, ok := c.tryTier(ctx, entry, key, opts)
		if !ok {
			continue
		}
		if found {
			return Result{Value: value, Meta: meta, Found: true}
		}
	}

	if c.notifier != nil {
		c.notifier.Publish(notify.SeverityError, "", key, "all fallback tiers exhausted")
	}
	return Result{}
}

// tryTier runs a single tier's Get under a per-call deadline and applies
// the required-field/stale acceptance rules. The third return value
// reports whether the tier produced an acceptable value (found); the
// fourth reports whether the caller should stop (true) or continue to the
// next tier (false). Both are true for an accepted value and both are
// false when the tier errored, missed, or its value was rejected by policy.
func (c *Chain) tryTier(ctx context.Context, entry TierEntry, key string, opts Options) (tiers.Value, tiers.EntryMeta, bool, bool) {
	callCtx := ctx
	var cancel context.CancelFunc
	if opts.TimeoutMs > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	value, meta, found, stale, err := entry.Provider.Get(callCtx, key)
	if err != nil {
		if c.notifier != nil {
			c.notifier.Publish(notify.SeverityWarning, entry.Name, key, err.Error())
		}
		return tiers.Value{}, tiers.EntryMeta{}, false, false
	}
	if !found {
		return tiers.Value{}, tiers.EntryMeta{}, false, false
	}

	if len(opts.RequiredFields) > 0 && !hasRequiredFields(value, opts.RequiredFields) {
		if entry.AllowPartial && opts.PartialAcceptable {
			value.Partial = true
			return value, meta, true, true
		}
		return tiers.Value{}, tiers.EntryMeta{}, false, false
	}

	if stale {
		staleAge := time.Since(meta.CachedAt)
		if entry.AllowStale && opts.AllowStale && (opts.MaxStaleAge <= 0 || staleAge <= opts.MaxStaleAge) {
			value.Stale = true
			return value, meta, true, true
		}
		return tiers.Value{}, tiers.EntryMeta{}, false, false
	}

	return value, meta, true, true
}

// hasRequiredFields reports whether every named field is present and
// non-empty on the component/block payload carried by value.
func hasRequiredFields(value tiers.Value, fields []string) bool {
	get := func(field string) (interface{}, bool) {
		switch {
		case value.Component != nil:
			switch field {
			case "sourceCode":
				return value.Component.SourceCode, value.Component.SourceCode != ""
			case "framework":
				return value.Component.Framework, value.Component.Framework != ""
			case "name":
				return value.Component.Name, value.Component.Name != ""
			}
		case value.Block != nil:
			switch field {
			case "files":
				return value.Block.Files, len(value.Block.Files) > 0
			case "framework":
				return value.Block.Framework, value.Block.Framework != ""
			case "name":
				return value.Block.Name, value.Block.Name != ""
			}
		case value.Opaque != nil:
			if field == "bytes" {
				return value.Opaque.Bytes, len(value.Opaque.Bytes) > 0
			}
		}
		return nil, false
	}

	for _, f := range fields {
		if _, ok := get(f); !ok {
			return false
		}
	}
	return true
}
