// Package suppression retires stale signals when an account changes
// lifecycle state, writing one audit ledger entry per suppressed signal.
//
// The ledger entry is written before the signal transition. Entry ids are
// derived from (tenant, signal, entry type), so a retried or concurrent run
// converges on exactly one entry per signal, and Reconcile closes the gap
// left by a crash between the two writes.
package suppression

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vantage/internal/ledger"
	"github.com/linnemanlabs/vantage/internal/signal"
)

// ReasonReconciled marks entries written by Reconcile rather than by the
// original suppression run.
const ReasonReconciled = "reconciled"

// Cause is the lifecycle transition that triggered a suppression.
type Cause struct {
	From        signal.LifecycleState
	To          signal.LifecycleState
	RuleVersion string
}

// SuppressedBy renders the cause as stored on the signal.
func (c Cause) SuppressedBy() string {
	return fmt.Sprintf("lifecycle:%s->%s", c.From, c.To)
}

// Set describes what to suppress on one account. Targets are the explicit
// SignalIDs plus every ACTIVE signal of the listed SignalTypes.
type Set struct {
	AccountID   string
	TenantID    string
	TraceID     string
	Reason      string
	Cause       Cause
	SignalIDs   []string
	SignalTypes []signal.SignalType
}

// Empty reports whether the set names no targets.
func (s *Set) Empty() bool {
	return len(s.SignalIDs) == 0 && len(s.SignalTypes) == 0
}

// Skip records a target that was not suppressed by this run.
type Skip struct {
	SignalID string
	Reason   string
}

// Outcome summarizes an ApplySuppression run.
type Outcome struct {
	Suppressed []string
	Skipped    []Skip
	EntryIDs   []string
}

// SignalTransitioner is the slice of the signal service the engine needs.
type SignalTransitioner interface {
	GetSignal(ctx context.Context, signalID, tenantID string) (*signal.Signal, error)
	GetSignalsForAccount(ctx context.Context, accountID, tenantID string, f signal.Filter) ([]*signal.Signal, error)
	UpdateSignalStatus(ctx context.Context, signalID, tenantID string, next signal.Status, opts ...signal.TransitionOption) (*signal.Signal, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine applies suppression sets.
type Engine struct {
	signals SignalTransitioner
	ledger  ledger.Ledger
	logger  log.Logger
	now     func() time.Time
}

// NewEngine creates a suppression engine. A nil ledger is accepted; every
// operation then fails with signal.ErrNotConfigured.
func NewEngine(signals SignalTransitioner, l ledger.Ledger, logger log.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	e := &Engine{signals: signals, ledger: l, logger: logger, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) ready() error {
	if e.ledger == nil || e.signals == nil {
		return fmt.Errorf("suppression engine has no ledger or signal service: %w", signal.ErrNotConfigured)
	}
	return nil
}

// ApplySuppression suppresses every target in set. A partial run returns
// the work done so far alongside the error; re-running the same set is safe.
func (e *Engine) ApplySuppression(ctx context.Context, set Set) (*Outcome, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if set.AccountID == "" || set.TenantID == "" {
		return nil, fmt.Errorf("suppression set needs account and tenant: %w", signal.ErrInvariantViolation)
	}

	targets, err := e.resolve(ctx, set)
	if err != nil {
		return nil, err
	}

	L := e.logger.With("account_id", set.AccountID, "tenant_id", set.TenantID, "trace_id", set.TraceID)
	out := &Outcome{}
	for _, id := range targets {
		if err := e.suppressOne(ctx, set, id, out); err != nil {
			L.Error(ctx, err, "suppression halted", "signal_id", id, "suppressed", len(out.Suppressed))
			return out, err
		}
	}

	L.Info(ctx, "suppression applied",
		"from", set.Cause.From,
		"to", set.Cause.To,
		"suppressed", len(out.Suppressed),
		"skipped", len(out.Skipped),
	)
	return out, nil
}

func (e *Engine) suppressOne(ctx context.Context, set Set, id string, out *Outcome) error {
	sig, err := e.signals.GetSignal(ctx, id, set.TenantID)
	if errors.Is(err, signal.ErrNotFound) {
		out.Skipped = append(out.Skipped, Skip{SignalID: id, Reason: "not found"})
		return nil
	}
	if err != nil {
		return err
	}
	if sig.AccountID != set.AccountID {
		out.Skipped = append(out.Skipped, Skip{SignalID: id, Reason: "belongs to another account"})
		return nil
	}

	switch sig.Status {
	case signal.StatusExpired:
		out.Skipped = append(out.Skipped, Skip{SignalID: id, Reason: "already expired"})
		return nil
	case signal.StatusSuppressed:
		// a previous run may have died between the two writes; the
		// deterministic id makes this a no-op when the entry exists
		entryID, _, err := e.appendEntry(ctx, set, id, ledger.EntrySignalSuppressed, set.Reason)
		if err != nil {
			return err
		}
		out.EntryIDs = append(out.EntryIDs, entryID)
		out.Skipped = append(out.Skipped, Skip{SignalID: id, Reason: "already suppressed"})
		return nil
	}

	entryID, _, err := e.appendEntry(ctx, set, id, ledger.EntrySignalSuppressed, set.Reason)
	if err != nil {
		return err
	}
	out.EntryIDs = append(out.EntryIDs, entryID)

	_, err = e.signals.UpdateSignalStatus(ctx, id, set.TenantID, signal.StatusSuppressed,
		signal.WithSuppressedBy(set.Cause.SuppressedBy()))
	if errors.Is(err, signal.ErrInvariantViolation) {
		// expired between our read and the transition: the intent entry
		// stands, so record that it did not take effect
		abortID, _, aerr := e.appendEntry(ctx, set, id, ledger.EntrySignalSuppressionAborted, "signal expired before suppression")
		if aerr != nil {
			return aerr
		}
		out.EntryIDs = append(out.EntryIDs, abortID)
		out.Skipped = append(out.Skipped, Skip{SignalID: id, Reason: "expired before suppression"})
		return nil
	}
	if err != nil {
		return err
	}
	out.Suppressed = append(out.Suppressed, id)
	return nil
}

// LogSuppressionEntries writes the per-signal suppression entries for ids
// without touching the signals. Returns the entry ids in input order.
func (e *Engine) LogSuppressionEntries(ctx context.Context, set Set, signalIDs []string) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(signalIDs))
	for _, sid := range signalIDs {
		entryID, _, err := e.appendEntry(ctx, set, sid, ledger.EntrySignalSuppressed, set.Reason)
		if err != nil {
			return ids, err
		}
		ids = append(ids, entryID)
	}
	return ids, nil
}

// Reconcile writes a suppression entry for every SUPPRESSED signal of the
// account that lacks one. Returns the ids of signals that needed repair.
func (e *Engine) Reconcile(ctx context.Context, tenantID, accountID string) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	suppressed, err := e.signals.GetSignalsForAccount(ctx, accountID, tenantID, signal.Filter{
		Statuses: []signal.Status{signal.StatusSuppressed},
	})
	if err != nil {
		return nil, err
	}

	var repaired []string
	for _, sig := range suppressed {
		existing, err := e.ledger.Query(ctx, ledger.Query{
			TenantID:  tenantID,
			SignalID:  sig.SignalID,
			EntryType: ledger.EntrySignalSuppressed,
		})
		if err != nil {
			return repaired, fmt.Errorf("query ledger for %s: %w", sig.SignalID, err)
		}
		if len(existing) > 0 {
			continue
		}

		set := Set{AccountID: accountID, TenantID: tenantID, TraceID: sig.TraceID}
		by := sig.Suppression.SuppressedBy
		_, inserted, err := e.appendEntryWithCause(ctx, set, sig.SignalID, ledger.EntrySignalSuppressed, ReasonReconciled,
			map[string]string{"suppressed_by": by})
		if err != nil {
			return repaired, err
		}
		if inserted {
			repaired = append(repaired, sig.SignalID)
			e.logger.Warn(ctx, "suppression entry reconciled",
				"signal_id", sig.SignalID,
				"account_id", accountID,
				"tenant_id", tenantID,
				"suppressed_by", by,
			)
		}
	}
	return repaired, nil
}

func (e *Engine) resolve(ctx context.Context, set Set) ([]string, error) {
	ids := slices.Clone(set.SignalIDs)
	if len(set.SignalTypes) > 0 {
		active, err := e.signals.GetSignalsForAccount(ctx, set.AccountID, set.TenantID, signal.Filter{
			Statuses: []signal.Status{signal.StatusActive},
			Types:    set.SignalTypes,
		})
		if err != nil {
			return nil, fmt.Errorf("resolve suppression targets: %w", err)
		}
		for _, s := range active {
			ids = append(ids, s.SignalID)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (e *Engine) appendEntry(ctx context.Context, set Set, signalID string, typ ledger.EntryType, reason string) (string, bool, error) {
	cause := map[string]string{
		"from":          string(set.Cause.From),
		"to":            string(set.Cause.To),
		"suppressed_by": set.Cause.SuppressedBy(),
	}
	if set.Cause.RuleVersion != "" {
		cause["rule_version"] = set.Cause.RuleVersion
	}
	return e.appendEntryWithCause(ctx, set, signalID, typ, reason, cause)
}

func (e *Engine) appendEntryWithCause(ctx context.Context, set Set, signalID string, typ ledger.EntryType, reason string, cause map[string]string) (string, bool, error) {
	entry := ledger.Entry{
		EntryID:    ledger.EntryID(set.TenantID, signalID, string(typ)),
		EntryType:  typ,
		TenantID:   set.TenantID,
		AccountID:  set.AccountID,
		TraceID:    set.TraceID,
		SignalID:   signalID,
		Reason:     reason,
		RuleID:     set.Cause.RuleVersion,
		Cause:      cause,
		OccurredAt: e.now().UTC(),
	}
	inserted, err := e.ledger.Append(ctx, entry)
	if err != nil {
		return "", false, fmt.Errorf("append %s entry for %s: %w", typ, signalID, err)
	}
	return entry.EntryID, inserted, nil
}
