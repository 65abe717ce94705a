// Package recovery implements the retry-with-backoff and circuit-breaker
// wiring each tier is executed through. Grounded on pkg/retry's
// ExponentialBackoff (attempt counting, max-elapsed-time, jittered
// delay) generalized to drive github.com/cenkalti/backoff/v4 instead of
// a hand-rolled loop, and on pkg/resilience's per-adapter breaker
// instantiation pattern generalized to one breaker per cache tier.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alfredw/shadcn-registry-cache/internal/breaker"
	"github.com/alfredw/shadcn-registry-cache/internal/cacheerr"
	"github.com/alfredw/shadcn-registry-cache/internal/observability"
)

// Config is a per-tier recovery policy.
type Config struct {
	MaxRetries       int
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	Multiplier       float64
	MaxElapsedTime   time.Duration
	Breaker          breaker.Config
	MaxHistoryLength int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Second
	}
	if c.Multiplier <= 1.0 {
		c.Multiplier = 2.0
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = 30 * time.Second
	}
	if c.MaxHistoryLength <= 0 {
		c.MaxHistoryLength = 50
	}
	return c
}

// ErrorRecord is one bounded-history entry for a tier.
type ErrorRecord struct {
	At   time.Time
	Kind cacheerr.Kind
	Msg  string
}

// Status is the externally-visible recovery state of a tier.
type Status struct {
	Breaker      breaker.Status
	ErrorCount   int
	LastError    *ErrorRecord
}

type tierState struct {
	mu      sync.Mutex
	cb      *breaker.CircuitBreaker
	cfg     Config
	history []ErrorRecord
}

func (s *tierState) recordError(rec ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	if over := len(s.history) - s.cfg.MaxHistoryLength; over > 0 {
		s.history = s.history[over:]
	}
}

func (s *tierState) errorHistory() []ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ErrorRecord, len(s.history))
	copy(out, s.history)
	return out
}

func (s *tierState) clearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// Manager owns one CircuitBreaker and one bounded error history per tier
// name, and executes tier operations through retry + breaker together.
type Manager struct {
	mu            sync.RWMutex
	tiers         map[string]*tierState
	defaultConfig Config
	logger        observability.Logger
	metrics       observability.MetricsClient
}

// NewManager builds a Manager. defaultConfig is applied to any tier not
// given an explicit Configure call.
func NewManager(defaultConfig Config, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if logger == nil {
		logger = observability.NewStandardLogger("recovery")
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Manager{
		tiers:         make(map[string]*tierState),
		defaultConfig: defaultConfig.withDefaults(),
		logger:        logger,
		metrics:       metrics,
	}
}

func (m *Manager) stateFor(tier string) *tierState {
	m.mu.RLock()
	s, ok := m.tiers[tier]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.tiers[tier]; ok {
		return s
	}
	cfg := m.defaultConfig
	s = &tierState{
		cb:  breaker.New(tier, cfg.Breaker, m.logger.WithPrefix("breaker."+tier), m.metrics),
		cfg: cfg,
	}
	m.tiers[tier] = s
	return s
}

// Configure installs a tier-specific policy, replacing any default. Safe
// to call before or after the tier has executed operations; the retry
// settings apply to the next Execute. The tier's breaker is built from the
// Breaker config in force when the tier is first seen, and a later
// Configure does not change an existing breaker's threshold or timeout.
func (m *Manager) Configure(tier string, cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tiers[tier]
	if !ok {
		s = &tierState{cb: breaker.New(tier, cfg.Breaker, m.logger.WithPrefix("breaker."+tier), m.metrics)}
		m.tiers[tier] = s
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Execute runs op against tier's breaker, retrying transient failures
// with exponential backoff + jitter via cenkalti/backoff/v4. Retries stop
// immediately (no further attempts) once the breaker denies the request,
// and non-retryable error kinds (validation, disposed, not-found) are
// never retried.
func (m *Manager) Execute(ctx context.Context, tier string, op func(ctx context.Context) error) error {
	state := m.stateFor(tier)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = state.cfg.InitialInterval
	bo.MaxInterval = state.cfg.MaxInterval
	bo.Multiplier = state.cfg.Multiplier
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = state.cfg.MaxElapsedTime
	wrapped := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(state.cfg.MaxRetries)), ctx)

	operation := func() error {
		if !state.cb.AllowsRequest() {
			return backoff.Permanent(breaker.ErrOpen)
		}
		err := op(ctx)
		if err == nil {
			state.cb.OnSuccess()
			return nil
		}

		kind := cacheerr.KindOf(err)
		state.recordError(ErrorRecord{At: time.Now(), Kind: kind, Msg: err.Error()})
		state.cb.OnFailure()

		if !kind.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, wrapped)
	if err == nil {
		return nil
	}
	if perm, ok := err.(*backoff.PermanentError); ok {
		return perm.Err
	}
	return err
}

// Status reports the current recovery status of a single tier.
func (m *Manager) Status(tier string) Status {
	state := m.stateFor(tier)
	hist := state.errorHistory()
	st := Status{Breaker: state.cb.Status(), ErrorCount: len(hist)}
	if len(hist) > 0 {
		last := hist[len(hist)-1]
		st.LastError = &last
	}
	return st
}

// StatusAll reports recovery status for every tier that has executed at
// least one operation (or been explicitly Configure'd).
func (m *Manager) StatusAll() map[string]Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.tiers))
	for name := range m.tiers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make(map[string]Status, len(names))
	for _, name := range names {
		out[name] = m.Status(name)
	}
	return out
}

// ResetAll closes every tier's breaker and clears its error history.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.tiers {
		s.cb.Close()
		s.clearHistory()
	}
}

// ClearErrorHistory drops the bounded error history for one tier without
// touching its breaker state.
func (m *Manager) ClearErrorHistory(tier string) {
	m.stateFor(tier).clearHistory()
}

// ErrorHistory returns a snapshot of a tier's bounded error history,
// oldest first.
func (m *Manager) ErrorHistory(tier string) []ErrorRecord {
	return m.stateFor(tier).errorHistory()
}

// Breaker exposes the underlying CircuitBreaker for a tier, for manual
// open/close overrides from the public façade.
func (m *Manager) Breaker(tier string) *breaker.CircuitBreaker {
	return m.stateFor(tier).cb
}
