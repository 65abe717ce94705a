package orchestrator

import (
	"context"
	"time"

	"github.com/alfredw/shadcn-registry-cache/internal/tiers"
)

// Get implements the read-through-with-promotion path (spec §4.6 steps
// 1-5): try tiers nearest-first, and on a hit from a lower tier, promote
// the value into every higher tier that missed. Once memory misses,
// the remaining tiers are consulted through the fallback chain when one
// is configured (spec §4.8), else through the same ordered loop used
// for every tier.
func (o *Orchestrator) Get(ctx context.Context, key string) (tiers.Value, bool, error) {
	if err := o.checkDisposed(); err != nil {
		return tiers.Value{}, false, err
	}

	missed := make([]tiers.Tier, 0, 3)
	degraded := false

	memName := o.memory.Name()
	if !o.isAvailable(memName) {
		missed = append(missed, o.memory)
		degraded = true
	} else {
		start := time.Now()
		value, _, found, err := o.getFromTier(ctx, o.memory, key)
		elapsed := time.Since(start)
		switch {
		case err != nil:
			missed = append(missed, o.memory)
			degraded = true
		case found:
			o.recordHit(memName, elapsed)
			value.Fallback = false
			return value, true, nil
		default:
			o.recordMiss(memName, elapsed)
			missed = append(missed, o.memory)
		}
	}

	if o.fallbackChain != nil {
		state := &fallbackCallState{degraded: degraded}
		res := o.fallbackChain.GetWithFallback(withFallbackState(ctx, state), key, o.fallbackOpts)
		if !res.Found {
			return tiers.Value{}, false, nil
		}
		o.promote(ctx, append(missed, state.missed...), key, res.Value, res.Meta.TTLSeconds)
		// Mirrors the plain-loop rule below: Fallback only reflects an
		// actual degraded path (a nearer tier errored/was unavailable
		// this call), not a nearer tier simply, legitimately missing.
		res.Value.Fallback = state.degraded
		return res.Value, true, nil
	}

	for _, t := range o.rearTiers() {
		name := t.Name()
		if !o.isAvailable(name) {
			missed = append(missed, t)
			degraded = true
			continue
		}

		start := time.Now()
		value, meta, found, err := o.getFromTier(ctx, t, key)
		elapsed := time.Since(start)

		if err != nil {
			missed = append(missed, t)
			degraded = true
			continue
		}
		if !found {
			o.recordMiss(name, elapsed)
			missed = append(missed, t)
			continue
		}

		o.recordHit(name, elapsed)
		o.promote(ctx, missed, key, value, meta.TTLSeconds)
		// Fallback is only true when an earlier tier was skipped or
		// errored this call, i.e. the source of truth was unreachable —
		// not merely because a nearer tier legitimately missed the key.
		value.Fallback = degraded
		return value, true, nil
	}

	return tiers.Value{}, false, nil
}

// getFromTier runs a single tier's Get through the recovery-guarded
// execute path.
func (o *Orchestrator) getFromTier(ctx context.Context, t tiers.Tier, key string) (tiers.Value, tiers.EntryMeta, bool, error) {
	var value tiers.Value
	var meta tiers.EntryMeta
	var found bool
	err := o.execute(ctx, t.Name(), func(ctx context.Context) error {
		v, m, ok, gerr := t.Get(ctx, key)
		value, meta, found = v, m, ok
		return gerr
	})
	return value, meta, found, err
}

// rearTiers returns every configured tier after memory, nearest-first.
func (o *Orchestrator) rearTiers() []tiers.Tier {
	out := make([]tiers.Tier, 0, 2)
	if o.persistent != nil {
		out = append(out, o.persistent)
	}
	if o.remote != nil {
		out = append(out, o.remote)
	}
	return out
}

// promote writes value into every tier that missed ahead of the tier
// that produced the hit, so the next lookup resolves from L1.
func (o *Orchestrator) promote(ctx context.Context, missed []tiers.Tier, key string, value tiers.Value, ttlSeconds int64) {
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl <= 0 {
		ttl = o.cfg.DefaultTTL
	}
	for _, t := range missed {
		name := t.Name()
		_ = o.execute(ctx, name, func(ctx context.Context) error {
			return t.Set(ctx, key, value, ttl)
		})
	}
}

// Has reports presence without promoting.
func (o *Orchestrator) Has(ctx context.Context, key string) (bool, error) {
	if err := o.checkDisposed(); err != nil {
		return false, err
	}
	for _, t := range o.orderedTiers() {
		name := t.Name()
		if !o.isAvailable(name) && name != string(tiers.TierMemory) {
			continue
		}
		var ok bool
		err := o.execute(ctx, name, func(ctx context.Context) error {
			v, herr := t.Has(ctx, key)
			ok = v
			return herr
		})
		if err == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

// GetMetadata returns the per-entry bookkeeping from the first tier that
// has the key, nearest-first.
func (o *Orchestrator) GetMetadata(ctx context.Context, key string) (tiers.EntryMeta, bool, error) {
	if err := o.checkDisposed(); err != nil {
		return tiers.EntryMeta{}, false, err
	}
	for _, t := range o.orderedTiers() {
		name := t.Name()
		if !o.isAvailable(name) && name != string(tiers.TierMemory) {
			continue
		}
		var meta tiers.EntryMeta
		var found bool
		err := o.execute(ctx, name, func(ctx context.Context) error {
			m, ok, gerr := t.GetMetadata(ctx, key)
			meta, found = m, ok
			return gerr
		})
		if err == nil && found {
			return meta, true, nil
		}
	}
	return tiers.EntryMeta{}, false, nil
}

// MGet implements the three-phase batch read (spec §4.6): L1 first,
// remaining misses to L2, remaining misses to L3, promoting hits back up
// to every tier that missed them.
func (o *Orchestrator) MGet(ctx context.Context, keys []string) (map[string]tiers.Value, error) {
	if err := o.checkDisposed(); err != nil {
		return nil, err
	}

	result := make(map[string]tiers.Value, len(keys))
	remaining := append([]string(nil), keys...)
	missedBefore := make(map[string][]tiers.Tier, len(keys))

	for _, t := range o.orderedTiers() {
		if len(remaining) == 0 {
			break
		}
		name := t.Name()
		if !o.isAvailable(name) && name != string(tiers.TierMemory) {
			for _, k := range remaining {
				missedBefore[k] = append(missedBefore[k], t)
			}
			continue
		}

		var hits map[string]tiers.Value
		err := o.execute(ctx, name, func(ctx context.Context) error {
			h, gerr := t.MGet(ctx, remaining)
			hits = h
			return gerr
		})
		if err != nil {
			for _, k := range remaining {
				missedBefore[k] = append(missedBefore[k], t)
			}
			continue
		}

		var stillMissing []string
		for _, k := range remaining {
			if v, ok := hits[k]; ok {
				result[k] = v
				o.promote(ctx, missedBefore[k], k, v, 0)
			} else {
				stillMissing = append(stillMissing, k)
				missedBefore[k] = append(missedBefore[k], t)
			}
		}
		remaining = stillMissing
	}

	return result, nil
}
