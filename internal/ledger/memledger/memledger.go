// Package memledger provides an in-memory ledger.Ledger. Suitable for dev/testing.
package memledger

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/linnemanlabs/vantage/internal/ledger"
)

// Ledger holds entries in memory.
type Ledger struct {
	mu      sync.RWMutex
	entries []ledger.Entry
	ids     map[string]struct{}
}

// New initializes an empty Ledger.
func New() *Ledger {
	return &Ledger{ids: make(map[string]struct{})}
}

// Append stores e unless its id is already present.
func (l *Ledger) Append(_ context.Context, e ledger.Entry) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[e.EntryID]; ok {
		return false, nil
	}
	e.Cause = maps.Clone(e.Cause)
	l.entries = append(l.entries, e)
	l.ids[e.EntryID] = struct{}{}
	return true, nil
}

// Query returns copies of matching entries ordered by OccurredAt, then EntryID.
func (l *Ledger) Query(_ context.Context, q ledger.Query) ([]ledger.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []ledger.Entry
	for i := range l.entries {
		if q.Matches(&l.entries[i]) {
			e := l.entries[i]
			e.Cause = maps.Clone(e.Cause)
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b ledger.Entry) int {
		if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
			return c
		}
		return strings.Compare(a.EntryID, b.EntryID)
	})
	return out, nil
}

// Len returns the number of stored entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
