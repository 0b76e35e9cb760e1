// Package events publishes session lifecycle notifications to message
// brokers. Publishing is best effort: callers log failures and carry on.
package events

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Event types.
const (
	SessionCreated       = "session.created"
	SessionAnnotated     = "session.annotated"
	SessionReset         = "session.reset"
	PropagationCompleted = "propagation.completed"
	PropagationFailed    = "propagation.failed"
	RenderCompleted      = "render.completed"
	SessionDeleted       = "session.deleted"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New stamps an event with the current time.
func New(eventType, sessionID string, data map[string]interface{}) Event {
	return Event{Type: eventType, SessionID: sessionID, Timestamp: time.Now().UTC(), Data: data}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Stats counts publisher activity.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

type counters struct {
	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{Published: c.published.Load(), Dropped: c.dropped.Load(), Errors: c.errors.Load()}
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Multi fans an event out to every publisher.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats sums the stats of the publishers that report them.
func (m Multi) Stats() Stats {
	var total Stats
	for _, p := range m {
		if s, ok := p.(interface{ Stats() Stats }); ok {
			st := s.Stats()
			total.Published += st.Published
			total.Dropped += st.Dropped
			total.Errors += st.Errors
		}
	}
	return total
}
