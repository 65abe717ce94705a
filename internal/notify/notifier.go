// Package notify implements the degradation pub/sub channel consumed by
// the fallback chain and exposed on the public façade as
// subscribeToNotifications. Grounded on pkg/observability's callback
// registration style, generalized from log-sink fan-out to a typed,
// retained event channel with unsubscribe handles.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity classifies a degradation event.
type Severity string

// Known severities.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one degradation notification.
type Event struct {
	ID        string
	Timestamp time.Time
	Severity  Severity
	Tier      string
	Key       string
	Message   string
}

// Subscription is returned by Subscribe; calling Unsubscribe stops
// further delivery to the registered callback.
type Subscription struct {
	id     string
	parent *Notifier
}

// Unsubscribe drops this subscription's callback. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.parent.removeSubscriber(s.id)
}

// Config bounds the notifier's retention ring.
type Config struct {
	RetentionMs      int64
	MaxNotifications int
}

func (c Config) withDefaults() Config {
	if c.RetentionMs <= 0 {
		c.RetentionMs = 10 * 60 * 1000
	}
	if c.MaxNotifications <= 0 {
		c.MaxNotifications = 500
	}
	return c
}

// Notifier is a small in-process publish/subscribe channel with a bounded
// retention ring for inspection via Summary.
type Notifier struct {
	mu          sync.Mutex
	cfg         Config
	subscribers map[string]func(Event)
	retained    []Event
}

// New builds a Notifier.
func New(cfg Config) *Notifier {
	return &Notifier{
		cfg:         cfg.withDefaults(),
		subscribers: make(map[string]func(Event)),
	}
}

// Subscribe registers cb for every future event and returns a handle that
// stops delivery when unsubscribed.
func (n *Notifier) Subscribe(cb func(Event)) *Subscription {
	id := uuid.NewString()
	n.mu.Lock()
	n.subscribers[id] = cb
	n.mu.Unlock()
	return &Subscription{id: id, parent: n}
}

func (n *Notifier) removeSubscriber(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subscribers, id)
}

// Publish emits an event to every current subscriber and retains it,
// pruning entries older than RetentionMs or beyond MaxNotifications.
func (n *Notifier) Publish(severity Severity, tier, key, message string) Event {
	evt := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Severity:  severity,
		Tier:      tier,
		Key:       key,
		Message:   message,
	}

	n.mu.Lock()
	n.retained = append(n.retained, evt)
	n.pruneLocked()
	callbacks := make([]func(Event), 0, len(n.subscribers))
	for _, cb := range n.subscribers {
		callbacks = append(callbacks, cb)
	}
	n.mu.Unlock()

	for _, cb := range callbacks {
		cb(evt)
	}
	return evt
}

func (n *Notifier) pruneLocked() {
	cutoff := time.Now().Add(-time.Duration(n.cfg.RetentionMs) * time.Millisecond)
	kept := n.retained[:0:0]
	for _, e := range n.retained {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if over := len(kept) - n.cfg.MaxNotifications; over > 0 {
		kept = kept[over:]
	}
	n.retained = kept
}

// Summary aggregates retained events from the last n minutes.
type Summary struct {
	IsDegraded  bool
	TotalIssues int
	BySeverity  map[Severity]int
	ByTier      map[string]int
}

// GetDegradationSummary returns aggregate counts over the last n minutes.
func (n *Notifier) GetDegradationSummary(nMinutes int) Summary {
	n.mu.Lock()
	n.pruneLocked()
	events := make([]Event, len(n.retained))
	copy(events, n.retained)
	n.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(nMinutes) * time.Minute)
	summary := Summary{BySeverity: make(map[Severity]int), ByTier: make(map[string]int)}
	for _, e := range events {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		summary.TotalIssues++
		summary.BySeverity[e.Severity]++
		summary.ByTier[e.Tier]++
		if e.Severity == SeverityWarning || e.Severity == SeverityError {
			summary.IsDegraded = true
		}
	}
	return summary
}
