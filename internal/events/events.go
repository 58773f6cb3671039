// Package events carries best-effort notifications about signal, lifecycle
// and posture changes. Publishing never gates the write that caused it.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type names what happened.
type Type string

const (
	TypeSignalCreated         Type = "signal.created"
	TypeSignalExpired         Type = "signal.expired"
	TypeLifecycleTransitioned Type = "lifecycle.transitioned"
	TypePostureComputed       Type = "posture.computed"
)

// Event is one notification. Payload is the JSON form of the affected record.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	TenantID  string          `json:"tenant_id"`
	AccountID string          `json:"account_id"`
	SignalID  string          `json:"signal_id,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

// New builds an event with a fresh id, marshaling payload when non-nil.
func New(typ Type, tenantID, accountID string, payload any, at time.Time) (Event, error) {
	ev := Event{
		ID:        ulid.Make().String(),
		Type:      typ,
		TenantID:  tenantID,
		AccountID: accountID,
		At:        at.UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// Publisher delivers events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards every event.
var Nop Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// Multi fans an event out to every publisher. All publishers are attempted;
// their errors are joined.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of what has been recorded, optionally filtered by type.
func (r *Recorder) Events(types ...Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, ev := range r.events {
		if len(types) == 0 || slices.Contains(types, ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
