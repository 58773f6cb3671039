// Package memstore provides an in-memory implementation of signal.Store.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/vantage/internal/signal"
)

// Store holds signals and account state in memory. Suitable for dev/testing.
// Each write runs in a single critical section, which is what makes the
// row update and the index update atomic.
type Store struct {
	mu       sync.RWMutex
	signals  map[string]*signal.Signal       // tenant|signal ID -> signal
	dedupe   map[string]string               // tenant|dedupe key -> signal ID
	accounts map[string]*signal.AccountState // tenant|account ID -> state
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		signals:  make(map[string]*signal.Signal),
		dedupe:   make(map[string]string),
		accounts: make(map[string]*signal.AccountState),
	}
}

func key(tenantID, id string) string { return tenantID + "|" + id }

// GetSignal retrieves a signal by id. Returns a copy.
func (s *Store) GetSignal(_ context.Context, tenantID, signalID string) (*signal.Signal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signals[key(tenantID, signalID)]
	if !ok {
		return nil, false, nil
	}
	return sig.Clone(), true, nil
}

// GetSignalByDedupeKey retrieves a signal by its content-addressed key. Returns a copy.
func (s *Store) GetSignalByDedupeKey(_ context.Context, tenantID, dedupeKey string) (*signal.Signal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.dedupe[key(tenantID, dedupeKey)]
	if !ok {
		return nil, false, nil
	}
	return s.signals[key(tenantID, id)].Clone(), true, nil
}

// ListSignals returns copies of every signal of an account, in no particular order.
func (s *Store) ListSignals(_ context.Context, tenantID, accountID string) ([]*signal.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*signal.Signal
	for _, sig := range s.signals {
		if sig.TenantID == tenantID && sig.AccountID == accountID {
			out = append(out, sig.Clone())
		}
	}
	return out, nil
}

// GetAccountState retrieves an account's read model. Returns a copy.
func (s *Store) GetAccountState(_ context.Context, tenantID, accountID string) (*signal.AccountState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.accounts[key(tenantID, accountID)]
	if !ok {
		return nil, false, nil
	}
	return st.Clone(), true, nil
}

// ListAccountStates returns copies of every account state of a tenant, or of
// all tenants when tenantID is empty.
func (s *Store) ListAccountStates(_ context.Context, tenantID string) ([]*signal.AccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*signal.AccountState
	for _, st := range s.accounts {
		if tenantID == "" || st.TenantID == tenantID {
			out = append(out, st.Clone())
		}
	}
	return out, nil
}

// CreateSignal inserts sig and indexes it on its account. Reports
// signal.ErrConflict when the dedupe key or id is already taken.
func (s *Store) CreateSignal(_ context.Context, sig *signal.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dk := key(sig.TenantID, sig.DedupeKey)
	if _, ok := s.dedupe[dk]; ok {
		return fmt.Errorf("dedupe key %s: %w", sig.DedupeKey, signal.ErrConflict)
	}
	sk := key(sig.TenantID, sig.SignalID)
	if _, ok := s.signals[sk]; ok {
		return fmt.Errorf("signal id %s: %w", sig.SignalID, signal.ErrConflict)
	}

	s.signals[sk] = sig.Clone()
	s.dedupe[dk] = sig.SignalID

	ak := key(sig.TenantID, sig.AccountID)
	st, ok := s.accounts[ak]
	if !ok {
		st = signal.NewAccountState(sig.TenantID, sig.AccountID, sig.CreatedAt)
		s.accounts[ak] = st
	}
	if sig.Status == signal.StatusActive {
		st.IndexAdd(sig.SignalType, sig.SignalID)
	}
	if sig.SignalType.IsEngagement() && (st.LastEngagementAt == nil || sig.CreatedAt.After(*st.LastEngagementAt)) {
		at := sig.CreatedAt
		st.LastEngagementAt = &at
	}
	st.UpdatedAt = sig.CreatedAt
	return nil
}

// TransitionSignal moves a signal from req.From to req.To and drops it from
// the active index.
func (s *Store) TransitionSignal(_ context.Context, req signal.TransitionRequest) (*signal.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig, ok := s.signals[key(req.TenantID, req.SignalID)]
	if !ok {
		return nil, fmt.Errorf("signal %s: %w", req.SignalID, signal.ErrNotFound)
	}
	if sig.Status != req.From {
		return nil, fmt.Errorf("signal %s is %s, expected %s: %w", req.SignalID, sig.Status, req.From, signal.ErrConflict)
	}

	sig.Status = req.To
	sig.UpdatedAt = req.At
	if req.Suppression != nil {
		sig.Suppression = *req.Suppression
	}

	if st, ok := s.accounts[key(sig.TenantID, sig.AccountID)]; ok && req.To != signal.StatusActive {
		st.IndexRemove(sig.SignalType, sig.SignalID)
		st.UpdatedAt = req.At
	}
	return sig.Clone(), nil
}

// UpdateLifecycle records an inference result, conditional on the stored
// lifecycle state still matching upd.ExpectedState.
func (s *Store) UpdateLifecycle(_ context.Context, upd signal.LifecycleUpdate) (*signal.AccountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.accounts[key(upd.TenantID, upd.AccountID)]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", upd.AccountID, signal.ErrNotFound)
	}
	if st.CurrentLifecycleState != upd.ExpectedState {
		return nil, fmt.Errorf("account %s is %s, expected %s: %w", upd.AccountID, st.CurrentLifecycleState, upd.ExpectedState, signal.ErrConflict)
	}

	at := upd.At
	if st.CurrentLifecycleState != upd.NewState {
		st.CurrentLifecycleState = upd.NewState
		st.LastTransitionAt = &at
	}
	st.LastInferenceAt = &at
	st.InferenceRuleVersion = upd.RuleVersion
	st.UpdatedAt = at
	return st.Clone(), nil
}

// SetActiveContract sets the contract flag, creating the account state if needed.
func (s *Store) SetActiveContract(_ context.Context, tenantID, accountID string, active bool, at time.Time) (*signal.AccountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ak := key(tenantID, accountID)
	st, ok := s.accounts[ak]
	if !ok {
		st = signal.NewAccountState(tenantID, accountID, at)
		s.accounts[ak] = st
	}
	st.HasActiveContract = active
	st.UpdatedAt = at
	return st.Clone(), nil
}
