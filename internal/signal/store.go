package signal

import (
	"context"
	"time"
)

// TransitionRequest moves one signal out of From, conditional on its stored
// status still being From.
type TransitionRequest struct {
	TenantID    string
	SignalID    string
	From        Status
	To          Status
	At          time.Time
	Suppression *Suppression
}

// LifecycleUpdate records an inference run, conditional on the stored
// lifecycle state still being ExpectedState.
type LifecycleUpdate struct {
	TenantID      string
	AccountID     string
	ExpectedState LifecycleState
	NewState      LifecycleState
	At            time.Time
	RuleVersion   string
}

// Store is the persistence interface for signals and account state.
//
// CreateSignal and TransitionSignal must update the Signal row and the
// owning AccountState's active index in one atomic unit. Conditional writes
// that lose report ErrConflict.
type Store interface {
	GetSignal(ctx context.Context, tenantID, signalID string) (*Signal, bool, error)
	GetSignalByDedupeKey(ctx context.Context, tenantID, dedupeKey string) (*Signal, bool, error)
	ListSignals(ctx context.Context, tenantID, accountID string) ([]*Signal, error)
	GetAccountState(ctx context.Context, tenantID, accountID string) (*AccountState, bool, error)
	ListAccountStates(ctx context.Context, tenantID string) ([]*AccountState, error)

	CreateSignal(ctx context.Context, sig *Signal) error
	TransitionSignal(ctx context.Context, req TransitionRequest) (*Signal, error)
	UpdateLifecycle(ctx context.Context, upd LifecycleUpdate) (*AccountState, error)
	SetActiveContract(ctx context.Context, tenantID, accountID string, active bool, at time.Time) (*AccountState, error)
}
