package orchestrator

import (
	"time"

	"github.com/alfredw/shadcn-registry-cache/internal/breaker"
	"github.com/alfredw/shadcn-registry-cache/internal/recovery"
)

// TierStatistics is the externally-visible per-tier snapshot exposed by
// getStats (spec §6).
type TierStatistics struct {
	Tier               string
	Hits               int64
	Misses             int64
	TotalOperations    int64
	RejectedWrites     int64
	MeanResponseTime   time.Duration
	Available          bool
	CircuitBreakerState string
}

// Stats returns a point-in-time snapshot of every tier's statistics.
func (o *Orchestrator) Stats() map[string]TierStatistics {
	o.statsMu.Lock()
	snapshot := make(map[string]*tierStats, len(o.stats))
	for name, s := range o.stats {
		copyS := *s
		snapshot[name] = &copyS
	}
	o.statsMu.Unlock()

	out := make(map[string]TierStatistics, len(snapshot))
	for name, s := range snapshot {
		state := "n/a"
		if o.recoveryMgr != nil {
			state = o.recoveryMgr.Status(name).Breaker.State.String()
		}
		out[name] = TierStatistics{
			Tier:                name,
			Hits:                s.hits,
			Misses:              s.misses,
			TotalOperations:     s.total,
			RejectedWrites:      s.rejectedWrites,
			MeanResponseTime:    s.responseTimes.Mean(),
			Available:           o.isAvailable(name),
			CircuitBreakerState: state,
		}
	}
	return out
}

// CircuitBreakerStatus returns the breaker status for one tier.
func (o *Orchestrator) CircuitBreakerStatus(tier string) (breaker.Status, bool) {
	if o.recoveryMgr == nil {
		return breaker.Status{}, false
	}
	return o.recoveryMgr.Breaker(tier).Status(), true
}

// OpenCircuitBreaker manually opens a tier's breaker.
func (o *Orchestrator) OpenCircuitBreaker(tier string) {
	if o.recoveryMgr == nil {
		return
	}
	o.recoveryMgr.Breaker(tier).Open()
}

// CloseCircuitBreaker manually closes a tier's breaker.
func (o *Orchestrator) CloseCircuitBreaker(tier string) {
	if o.recoveryMgr == nil {
		return
	}
	o.recoveryMgr.Breaker(tier).Close()
}

// RecoveryStatus returns one tier's recovery status.
func (o *Orchestrator) RecoveryStatus(tier string) (recovery.Status, bool) {
	if o.recoveryMgr == nil {
		return recovery.Status{}, false
	}
	return o.recoveryMgr.Status(tier), true
}

// RecoveryStats returns recovery status across every tier.
func (o *Orchestrator) RecoveryStats() map[string]recovery.Status {
	if o.recoveryMgr == nil {
		return nil
	}
	return o.recoveryMgr.StatusAll()
}

// ResetRecoveryState closes every tier's breaker and clears its error
// history.
func (o *Orchestrator) ResetRecoveryState() {
	if o.recoveryMgr == nil {
		return
	}
	o.recoveryMgr.ResetAll()
	o.availMu.Lock()
	for name := range o.availability {
		o.availability[name] = true
	}
	o.availMu.Unlock()
}

// UpdateRecoveryConfig replaces one tier's recovery policy.
func (o *Orchestrator) UpdateRecoveryConfig(tier string, cfg recovery.Config) {
	if o.recoveryMgr == nil {
		return
	}
	o.recoveryMgr.Configure(tier, cfg)
}
