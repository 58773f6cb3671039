// Package lifecycle infers an account's lifecycle state from its active
// signals and drives the suppressions a state change requires.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vantage/internal/signal"
	"github.com/linnemanlabs/vantage/internal/suppression"
)

// Inference is the result of one inference run.
type Inference struct {
	AccountID    string                `json:"account_id"`
	TenantID     string                `json:"tenant_id"`
	Previous     signal.LifecycleState `json:"previous_state"`
	State        signal.LifecycleState `json:"state"`
	Transitioned bool                  `json:"transitioned"`
	Suppressed   []string              `json:"suppressed_signal_ids"`
	RuleVersion  string                `json:"rule_version"`
	InferredAt   time.Time             `json:"inferred_at"`
}

// StateStore is the slice of signal.Store the service needs.
type StateStore interface {
	GetAccountState(ctx context.Context, tenantID, accountID string) (*signal.AccountState, bool, error)
	UpdateLifecycle(ctx context.Context, upd signal.LifecycleUpdate) (*signal.AccountState, error)
	SetActiveContract(ctx context.Context, tenantID, accountID string, active bool, at time.Time) (*signal.AccountState, error)
}

// Suppressor applies a suppression set.
type Suppressor interface {
	ApplySuppression(ctx context.Context, set suppression.Set) (*suppression.Outcome, error)
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p *TransitionPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithSuppressor sets what executes transition suppressions.
func WithSuppressor(sup Suppressor) Option {
	return func(s *Service) { s.suppressor = sup }
}

// WithClock overrides the clock used for inference timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTransitionHook is called once per applied transition.
func WithTransitionHook(fn func(from, to signal.LifecycleState)) Option {
	return func(s *Service) { s.onTransition = fn }
}

// Service runs lifecycle inference for accounts.
type Service struct {
	store        StateStore
	suppressor   Suppressor
	policy       *TransitionPolicy
	logger       log.Logger
	now          func() time.Time
	onTransition func(from, to signal.LifecycleState)
}

// NewService creates a lifecycle service.
func NewService(store StateStore, logger log.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{store: store, policy: DefaultPolicy(), logger: logger, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Policy returns the active transition policy.
func (s *Service) Policy() *TransitionPolicy { return s.policy }

// InferLifecycleState recomputes an account's lifecycle state. On a change
// it suppresses the signals the policy marks stale and then records the new
// state, conditional on nobody else having moved it first. Running it twice
// on unchanged inputs yields the same state and no further suppressions.
func (s *Service) InferLifecycleState(ctx context.Context, accountID, tenantID, traceID string) (*Inference, error) {
	st, ok, err := s.store.GetAccountState(ctx, tenantID, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account state: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, signal.ErrNotFound)
	}

	now := s.now().UTC()
	prev := st.CurrentLifecycleState
	next := Infer(st.ActiveSignalIndex, st.HasActiveContract)
	inf := &Inference{
		AccountID:   accountID,
		TenantID:    tenantID,
		Previous:    prev,
		State:       next,
		RuleVersion: s.policy.Version,
		InferredAt:  now,
		Suppressed:  []string{},
	}

	if prev != next {
		set := suppression.Set{
			AccountID:   accountID,
			TenantID:    tenantID,
			TraceID:     traceID,
			Reason:      "lifecycle transition",
			Cause:       suppression.Cause{From: prev, To: next, RuleVersion: s.policy.Version},
			SignalTypes: s.policy.SuppressedTypes(prev, next),
		}
		if !set.Empty() {
			if s.suppressor == nil {
				return nil, fmt.Errorf("transition %s->%s needs suppression: %w", prev, next, signal.ErrNotConfigured)
			}
			out, err := s.suppressor.ApplySuppression(ctx, set)
			if err != nil {
				return nil, fmt.Errorf("suppress for %s->%s: %w", prev, next, err)
			}
			inf.Suppressed = append(inf.Suppressed, out.Suppressed...)
		}
	}

	_, err = s.store.UpdateLifecycle(ctx, signal.LifecycleUpdate{
		TenantID:      tenantID,
		AccountID:     accountID,
		ExpectedState: prev,
		NewState:      next,
		At:            now,
		RuleVersion:   s.policy.Version,
	})
	if errors.Is(err, signal.ErrConflict) {
		// another inference moved the state first; report what it settled on
		cur, ok, gerr := s.store.GetAccountState(ctx, tenantID, accountID)
		if gerr != nil {
			return nil, fmt.Errorf("reread after lifecycle conflict: %w", gerr)
		}
		if !ok {
			return nil, fmt.Errorf("account %s: %w", accountID, signal.ErrNotFound)
		}
		inf.State = cur.CurrentLifecycleState
		inf.Transitioned = false
		s.logger.Info(ctx, "lifecycle inference lost race",
			"account_id", accountID,
			"tenant_id", tenantID,
			"state", cur.CurrentLifecycleState,
		)
		return inf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update lifecycle: %w", err)
	}

	if prev != next {
		inf.Transitioned = true
		if s.onTransition != nil {
			s.onTransition(prev, next)
		}
		s.logger.Info(ctx, "lifecycle transitioned",
			"account_id", accountID,
			"tenant_id", tenantID,
			"trace_id", traceID,
			"from", prev,
			"to", next,
			"suppressed", len(inf.Suppressed),
			"rule_version", s.policy.Version,
		)
	}
	return inf, nil
}

// SetActiveContract records whether the account holds an active contract.
// Callers re-run inference afterwards to apply the effect.
func (s *Service) SetActiveContract(ctx context.Context, accountID, tenantID string, active bool) (*signal.AccountState, error) {
	if accountID == "" || tenantID == "" {
		return nil, fmt.Errorf("account and tenant are required: %w", signal.ErrInvalidSignal)
	}
	st, err := s.store.SetActiveContract(ctx, tenantID, accountID, active, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("set active contract: %w", err)
	}
	return st, nil
}
