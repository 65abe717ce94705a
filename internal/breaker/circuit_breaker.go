// Package breaker implements the circuit breaker guarding traffic to a
// single downstream tier: CLOSED/OPEN/HALF_OPEN with failure-threshold
// tripping, timed probing, and a manual override. Grounded on
// developer-mesh's pkg/resilience.CircuitBreaker (atomic state, counts
// struct, state-change logging/metrics), generalized here to the spec's
// allowsRequest()/execute()/executeWithFallback() contract and its manual
// open()/close() override.
package breaker

import (
	"sync"
	"time"

	"github.com/alfredw/shadcn-registry-cache/internal/observability"
)

// State is one of the three circuit-breaker states.
type State int

// Circuit breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a CircuitBreaker. Zero values fall back to the spec's
// defaults (5 failures, 60s open timeout, 2 consecutive successes).
type Config struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	SuccessThreshold int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// Status is the externally observable snapshot returned by Status().
type Status struct {
	State           State
	FailureCount    int
	IsRequestAllowed bool
	LastFailureTime time.Time
}

// CircuitBreaker is a single-downstream failure isolator. All methods are
// safe for concurrent use.
type CircuitBreaker struct {
	name   string
	config Config
	logger observability.Logger
	metric observability.MetricsClient

	mu                 sync.Mutex
	state              State
	failureCount       int
	consecutiveSuccess int
	lastFailureTime    time.Time
	manualOverride     *State // non-nil while open()/close() forces a state
}

// New creates a CircuitBreaker named for the tier it guards (used in logs
// and metric labels).
func New(name string, config Config, logger observability.Logger, metric observability.MetricsClient) *CircuitBreaker {
	if logger == nil {
		logger = observability.NewStandardLogger("breaker")
	}
	if metric == nil {
		metric = observability.NoopMetrics{}
	}
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		logger: logger,
		metric: metric,
		state:  Closed,
	}
}

// AllowsRequest is a pure check: does it admit a request right now, without
// mutating state beyond the OPEN->HALF_OPEN transition the spec requires
// once the timeout has elapsed (I5).
func (cb *CircuitBreaker) AllowsRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.allowsRequestLocked()
}

func (cb *CircuitBreaker) allowsRequestLocked() bool {
	if cb.manualOverride != nil {
		return *cb.manualOverride != Open
	}

	switch cb.state {
	case Closed:
		return true
	case HalfOpen:
		return true
	case Open:
		if time.Since(cb.lastFailureTime) >= cb.config.OpenTimeout {
			cb.transitionLocked(HalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// Execute runs op under breaker protection, recording success/failure.
func (cb *CircuitBreaker) Execute(op func() error) error {
	if !cb.AllowsRequest() {
		return ErrOpen
	}
	err := op()
	if err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// ExecuteWithFallback runs op when admitted; it runs fallback either when
// the breaker denies the request or when op fails. If fallback also fails,
// op's original error propagates (per spec §4.2).
func (cb *CircuitBreaker) ExecuteWithFallback(op func() error, fallback func() error) error {
	if !cb.AllowsRequest() {
		if fallback != nil {
			if ferr := fallback(); ferr == nil {
				return nil
			}
		}
		return ErrOpen
	}

	err := op()
	if err == nil {
		cb.onSuccess()
		return nil
	}
	cb.onFailure()

	if fallback != nil {
		if ferr := fallback(); ferr == nil {
			return nil
		}
	}
	return err
}

// onSuccess and onFailure are the explicit internal accounting paths the
// spec's Design Notes Open Question calls for: recordFailure() must never
// be reachable through the generic Execute path alone, so tests (and the
// recovery manager, which drives the breaker directly on its own tier
// probes) can account for success/failure without executing a no-op.
func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		cb.failureCount = 0
	case HalfOpen:
		cb.consecutiveSuccess++
		if cb.consecutiveSuccess >= cb.config.SuccessThreshold {
			cb.transitionLocked(Closed)
			cb.failureCount = 0
			cb.consecutiveSuccess = 0
		}
	}
	cb.metric.IncrementCounter("circuit_breaker_successes_total", 1, map[string]string{"name": cb.name})
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()
	cb.metric.IncrementCounter("circuit_breaker_failures_total", 1, map[string]string{"name": cb.name})

	switch cb.state {
	case Closed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionLocked(Open)
		}
	case HalfOpen:
		cb.transitionLocked(Open)
		cb.consecutiveSuccess = 0
	}
}

// OnSuccess and OnFailure are the exported forms used by RecoveryManager
// when it drives a tier probe directly instead of through Execute.
func (cb *CircuitBreaker) OnSuccess() { cb.onSuccess() }
func (cb *CircuitBreaker) OnFailure() { cb.onFailure() }

// transitionLocked must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(newState State) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	if newState == HalfOpen {
		cb.consecutiveSuccess = 0
	}
	if newState == Open {
		cb.lastFailureTime = time.Now()
	}
	cb.logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.name, "from": old.String(), "to": newState.String(),
	})
	cb.metric.RecordGauge("circuit_breaker_state", float64(newState), map[string]string{"name": cb.name})
}

// Open forces the breaker open, masking all other state transitions until
// Close() is called.
func (cb *CircuitBreaker) Open() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := Open
	cb.manualOverride = &s
	cb.transitionLocked(Open)
}

// Close clears any manual override and resets the breaker to CLOSED. Close
// is never blocked by manual open — it always succeeds (spec §4.2).
func (cb *CircuitBreaker) Close() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.manualOverride = nil
	cb.failureCount = 0
	cb.consecutiveSuccess = 0
	cb.transitionLocked(Closed)
}

// Status returns a snapshot of the breaker's externally observable state.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Status{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		IsRequestAllowed: cb.allowsRequestLocked(),
		LastFailureTime:  cb.lastFailureTime,
	}
}

// Name returns the breaker's tier name.
func (cb *CircuitBreaker) Name() string { return cb.name }
