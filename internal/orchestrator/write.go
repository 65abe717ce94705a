package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alfredw/shadcn-registry-cache/internal/cacheerr"
	"github.com/alfredw/shadcn-registry-cache/internal/tiers"
)

// Set writes value under key according to the configured write
// strategy.
func (o *Orchestrator) Set(ctx context.Context, key string, value tiers.Value, ttl time.Duration) error {
	if err := o.checkDisposed(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = o.cfg.DefaultTTL
	}

	switch o.cfg.Strategy {
	case WriteThrough:
		return o.setWriteThrough(ctx, key, value, ttl)
	case WriteBehind:
		return o.setWriteBehind(ctx, key, value, ttl)
	case CacheAside:
		return o.setDirect(ctx, key, value, ttl, []tiers.Tier{o.memory, o.persistent})
	default: // ReadThrough
		return o.setDirect(ctx, key, value, ttl, []tiers.Tier{o.memory})
	}
}

func (o *Orchestrator) setDirect(ctx context.Context, key string, value tiers.Value, ttl time.Duration, targets []tiers.Tier) error {
	var firstErr error
	for _, t := range targets {
		if t == nil {
			continue
		}
		name := t.Name()
		err := o.execute(ctx, name, func(ctx context.Context) error {
			return t.Set(ctx, key, value, ttl)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// setWriteThrough fans the write out to every configured tier
// concurrently via errgroup, waits for every tier to finish, and succeeds
// if a mandatory tier (L1 or L2) accepted the write, per I7 ("any
// mandatory tier succeeds").
// Non-mandatory tier failures (L3) are recorded but never fail the call.
func (o *Orchestrator) setWriteThrough(ctx context.Context, key string, value tiers.Value, ttl time.Duration) error {
	var g errgroup.Group

	var l1Err, l2Err error
	g.Go(func() error {
		l1Err = o.execute(ctx, o.memory.Name(), func(ctx context.Context) error {
			return o.memory.Set(ctx, key, value, ttl)
		})
		return nil
	})
	if o.persistent != nil {
		g.Go(func() error {
			l2Err = o.execute(ctx, o.persistent.Name(), func(ctx context.Context) error {
				return o.persistent.Set(ctx, key, value, ttl)
			})
			if l2Err != nil {
				o.recordRejectedWrite(o.persistent.Name())
			}
			return nil
		})
	}
	if o.remote != nil {
		g.Go(func() error {
			if err := o.execute(ctx, o.remote.Name(), func(ctx context.Context) error {
				return o.remote.Set(ctx, key, value, ttl)
			}); err != nil {
				o.recordRejectedWrite(o.remote.Name())
			}
			return nil
		})
	}

	_ = g.Wait()

	if l1Err == nil || (o.persistent != nil && l2Err == nil) {
		return nil
	}
	if l1Err != nil {
		return l1Err
	}
	return cacheerr.New(cacheerr.KindUnavailable, "orchestrator", "no mandatory tier accepted the write")
}

// setWriteBehind writes synchronously to L1 only, then enqueues the
// remaining tiers for asynchronous propagation by the single drainer
// goroutine started in New.
func (o *Orchestrator) setWriteBehind(ctx context.Context, key string, value tiers.Value, ttl time.Duration) error {
	err := o.execute(ctx, o.memory.Name(), func(ctx context.Context) error {
		return o.memory.Set(ctx, key, value, ttl)
	})
	if err != nil {
		return err
	}

	if o.persistent == nil && o.remote == nil {
		return nil
	}
	select {
	case o.queue <- writeTask{key: key, value: value, ttl: ttl}:
	default:
		o.logger.Warn("write-behind queue full, dropping enqueue", map[string]interface{}{"key": key})
	}
	return nil
}

// drainLoop is the single background drainer for the write-behind queue
// (spec §5: "single drainer, isProcessingQueue flag provides
// single-flight"). It consumes in batches of at most
// cfg.WriteBehindBatchSize, yielding cfg.WriteBehindYield between
// batches so enqueuing callers are never starved.
func (o *Orchestrator) drainLoop() {
	defer o.drainWG.Done()
	ctx := context.Background()
	batch := make([]writeTask, 0, o.cfg.WriteBehindBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, task := range batch {
			if o.persistent != nil {
				_ = o.execute(ctx, o.persistent.Name(), func(ctx context.Context) error {
					return o.persistent.Set(ctx, task.key, task.value, task.ttl)
				})
			}
			if o.remote != nil {
				_ = o.execute(ctx, o.remote.Name(), func(ctx context.Context) error {
					return o.remote.Set(ctx, task.key, task.value, task.ttl)
				})
			}
		}
		batch = batch[:0]
	}

	for task := range o.queue {
		batch = append(batch, task)
		if len(batch) >= o.cfg.WriteBehindBatchSize {
			flush()
			time.Sleep(o.cfg.WriteBehindYield)
		} else if len(o.queue) == 0 {
			flush()
		}
	}
	flush()
}

// Delete removes key from every tier.
func (o *Orchestrator) Delete(ctx context.Context, key string) error {
	if err := o.checkDisposed(); err != nil {
		return err
	}
	var firstErr error
	for _, t := range o.orderedTiers() {
		err := o.execute(ctx, t.Name(), func(ctx context.Context) error {
			return t.Delete(ctx, key)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Clear empties every tier.
func (o *Orchestrator) Clear(ctx context.Context) error {
	if err := o.checkDisposed(); err != nil {
		return err
	}
	var firstErr error
	for _, t := range o.orderedTiers() {
		err := o.execute(ctx, t.Name(), func(ctx context.Context) error {
			return t.Clear(ctx)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Keys returns the union of keys matching pattern across all tiers.
func (o *Orchestrator) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := o.checkDisposed(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, t := range o.orderedTiers() {
		var ks []string
		err := o.execute(ctx, t.Name(), func(ctx context.Context) error {
			k, kerr := t.Keys(ctx, pattern)
			ks = k
			return kerr
		})
		if err != nil {
			continue
		}
		for _, k := range ks {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out, nil
}

// Size reports L1's entry count, the tier closest to the caller and the
// one the spec's size invariants are framed against.
func (o *Orchestrator) Size(ctx context.Context) (int64, error) {
	if err := o.checkDisposed(); err != nil {
		return 0, err
	}
	return o.memory.Size(ctx)
}

// MSet writes a batch of entries according to the configured write
// strategy, fanning out to each tier's own MSet rather than looping
// single-key Set calls, so L2's transactional multi-row upsert (spec
// §4.6: "WRITE_THROUGH and cache-only variants invoke tier-level mset")
// is actually exercised by the batch write path.
func (o *Orchestrator) MSet(ctx context.Context, entries map[string]tiers.Value, ttl time.Duration) error {
	if err := o.checkDisposed(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = o.cfg.DefaultTTL
	}
	if len(entries) == 0 {
		return nil
	}

	switch o.cfg.Strategy {
	case WriteThrough:
		return o.msetWriteThrough(ctx, entries, ttl)
	case WriteBehind:
		return o.msetWriteBehind(ctx, entries, ttl)
	case CacheAside:
		return o.msetDirect(ctx, entries, ttl, []tiers.Tier{o.memory, o.persistent})
	default: // ReadThrough
		return o.msetDirect(ctx, entries, ttl, []tiers.Tier{o.memory})
	}
}

func (o *Orchestrator) msetDirect(ctx context.Context, entries map[string]tiers.Value, ttl time.Duration, targets []tiers.Tier) error {
	var firstErr error
	for _, t := range targets {
		if t == nil {
			continue
		}
		name := t.Name()
		err := o.execute(ctx, name, func(ctx context.Context) error {
			return t.MSet(ctx, entries, ttl)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// msetWriteThrough mirrors setWriteThrough: fan the batch out to every
// tier's own MSet concurrently via errgroup, waiting for every tier and
// succeeding if a mandatory tier (L1 or L2) accepted it (I7).
func (o *Orchestrator) msetWriteThrough(ctx context.Context, entries map[string]tiers.Value, ttl time.Duration) error {
	var g errgroup.Group

	var l1Err, l2Err error
	g.Go(func() error {
		l1Err = o.execute(ctx, o.memory.Name(), func(ctx context.Context) error {
			return o.memory.MSet(ctx, entries, ttl)
		})
		return nil
	})
	if o.persistent != nil {
		g.Go(func() error {
			l2Err = o.execute(ctx, o.persistent.Name(), func(ctx context.Context) error {
				return o.persistent.MSet(ctx, entries, ttl)
			})
			if l2Err != nil {
				o.recordRejectedWrite(o.persistent.Name())
			}
			return nil
		})
	}
	if o.remote != nil {
		g.Go(func() error {
			if err := o.execute(ctx, o.remote.Name(), func(ctx context.Context) error {
				return o.remote.MSet(ctx, entries, ttl)
			}); err != nil {
				o.recordRejectedWrite(o.remote.Name())
			}
			return nil
		})
	}

	_ = g.Wait()

	if l1Err == nil || (o.persistent != nil && l2Err == nil) {
		return nil
	}
	if l1Err != nil {
		return l1Err
	}
	return cacheerr.New(cacheerr.KindUnavailable, "orchestrator", "no mandatory tier accepted the batch write")
}

// msetWriteBehind writes the batch synchronously into L1 via its own
// MSet, then enqueues each entry individually onto the existing
// single-drainer queue: the drainer already batches on the way out
// (drainLoop), so batching only needs to happen once, there.
func (o *Orchestrator) msetWriteBehind(ctx context.Context, entries map[string]tiers.Value, ttl time.Duration) error {
	err := o.execute(ctx, o.memory.Name(), func(ctx context.Context) error {
		return o.memory.MSet(ctx, entries, ttl)
	})
	if err != nil {
		return err
	}

	if o.persistent == nil && o.remote == nil {
		return nil
	}
	for key, value := range entries {
		select {
		case o.queue <- writeTask{key: key, value: value, ttl: ttl}:
		default:
			o.logger.Warn("write-behind queue full, dropping enqueue", map[string]interface{}{"key": key})
		}
	}
	return nil
}

// Dispose waits for the write-behind drainer to go idle, disposes every
// tier best-effort, and marks the orchestrator disposed so subsequent
// operations fail fast (spec §5).
func (o *Orchestrator) Dispose(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&o.disposed, 0, 1) {
		return nil
	}

	if o.cfg.Strategy == WriteBehind {
		close(o.queue)
		waitCh := make(chan struct{})
		go func() {
			o.drainWG.Wait()
			close(waitCh)
		}()
		deadline := time.After(o.cfg.DisposeTimeout)
		ticker := time.NewTicker(o.cfg.DisposePollInterval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-waitCh:
				break loop
			case <-deadline:
				break loop
			case <-ticker.C:
			}
		}
	}

	for _, t := range o.orderedTiers() {
		if err := t.Dispose(ctx); err != nil {
			o.logger.Warn("tier dispose failed", map[string]interface{}{"tier": t.Name(), "error": err.Error()})
		}
	}
	return nil
}
