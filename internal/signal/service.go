package signal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	OnCreate     func(t SignalType, created bool)
	OnTransition func(from, to Status)
}

// Option configures a Service.
type Option func(*Service)

// WithHooks installs instrumentation callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Service) { s.hooks = h }
}

// WithClock overrides the wall clock used for CreatedAt, UpdatedAt and TTL checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides how new signal ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// CreateResult is the outcome of CreateSignal. Created is false when the
// dedupe key already existed and the canonical row was returned instead.
type CreateResult struct {
	Signal  *Signal
	Created bool
}

// ExpiryResult is the outcome of CheckTTLExpiry.
type ExpiryResult struct {
	Signal  *Signal
	Expired bool
	Reason  string
}

// Filter narrows GetSignalsForAccount. Empty slices match everything.
type Filter struct {
	Statuses []Status
	Types    []SignalType
}

// TransitionOption annotates a status change.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	suppressedBy    string
	inferenceActive bool
}

// WithSuppressedBy records what caused a suppression (for example a
// lifecycle transition like "lifecycle:PROSPECT->SUSPECT").
func WithSuppressedBy(by string) TransitionOption {
	return func(o *transitionOptions) {
		o.suppressedBy = by
		o.inferenceActive = true
	}
}

// Service is the business boundary for signal operations.
type Service struct {
	store  Store
	logger log.Logger
	hooks  Hooks
	now    func() time.Time
	newID  func() string
}

// NewService creates a new signal service.
func NewService(store Store, logger log.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return ulid.Make().String() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateSignal stores candidate unless a signal with the same dedupe key
// exists, in which case the existing row is returned unchanged.
func (s *Service) CreateSignal(ctx context.Context, candidate *Signal) (*CreateResult, error) {
	if err := validateCandidate(candidate); err != nil {
		return nil, err
	}

	key := DedupeKey(candidate.AccountID, candidate.SignalType, candidate.WindowKey, candidate.Evidence.ContentHash)

	// dedup: fast path for the common replay/retry case
	if existing, ok, err := s.store.GetSignalByDedupeKey(ctx, candidate.TenantID, key); err != nil {
		return nil, fmt.Errorf("lookup dedupe key: %w", err)
	} else if ok {
		s.onCreate(existing.SignalType, false)
		return &CreateResult{Signal: existing}, nil
	}

	now := s.now().UTC()
	sig := candidate.Clone()
	sig.SignalID = s.newID()
	sig.DedupeKey = key
	sig.Status = StatusActive
	sig.Suppression = Suppression{}
	sig.CreatedAt = now
	sig.UpdatedAt = now
	if ttl := &sig.Metadata.TTL; !ttl.IsPermanent && ttl.ExpiresAt == nil && ttl.Days != nil {
		exp := now.AddDate(0, 0, *ttl.Days)
		ttl.ExpiresAt = &exp
	}

	if err := s.store.CreateSignal(ctx, sig); err != nil {
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("create signal: %w", err)
		}
		// lost the race on the dedupe key: the winner's row is canonical
		existing, ok, gerr := s.store.GetSignalByDedupeKey(ctx, candidate.TenantID, key)
		if gerr != nil {
			return nil, fmt.Errorf("reread after dedupe conflict: %w", gerr)
		}
		if !ok {
			return nil, fmt.Errorf("reread after dedupe conflict: dedupe key %s: %w", key, ErrNotFound)
		}
		s.onCreate(existing.SignalType, false)
		return &CreateResult{Signal: existing}, nil
	}

	s.onCreate(sig.SignalType, true)
	s.logger.Info(ctx, "signal created",
		"signal_id", sig.SignalID,
		"signal_type", sig.SignalType,
		"account_id", sig.AccountID,
		"tenant_id", sig.TenantID,
		"trace_id", sig.TraceID,
		"window_key", sig.WindowKey,
	)
	return &CreateResult{Signal: sig, Created: true}, nil
}

// GetSignal retrieves a signal by id.
func (s *Service) GetSignal(ctx context.Context, signalID, tenantID string) (*Signal, error) {
	sig, ok, err := s.store.GetSignal(ctx, tenantID, signalID)
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("signal %s: %w", signalID, ErrNotFound)
	}
	return sig, nil
}

// GetAccountState retrieves the account read model.
func (s *Service) GetAccountState(ctx context.Context, accountID, tenantID string) (*AccountState, error) {
	st, ok, err := s.store.GetAccountState(ctx, tenantID, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account state: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return st, nil
}

// ListAccountStates returns every account state of a tenant; an empty
// tenant lists all tenants.
func (s *Service) ListAccountStates(ctx context.Context, tenantID string) ([]*AccountState, error) {
	states, err := s.store.ListAccountStates(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list account states: %w", err)
	}
	slices.SortFunc(states, func(a, b *AccountState) int {
		if c := strings.Compare(a.TenantID, b.TenantID); c != 0 {
			return c
		}
		return strings.Compare(a.AccountID, b.AccountID)
	})
	return states, nil
}

// GetSignalsForAccount lists an account's signals ordered by creation time.
func (s *Service) GetSignalsForAccount(ctx context.Context, accountID, tenantID string, f Filter) ([]*Signal, error) {
	all, err := s.store.ListSignals(ctx, tenantID, accountID)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}

	out := make([]*Signal, 0, len(all))
	for _, sig := range all {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, sig.Status) {
			continue
		}
		if len(f.Types) > 0 && !slices.Contains(f.Types, sig.SignalType) {
			continue
		}
		out = append(out, sig)
	}
	slices.SortFunc(out, func(a, b *Signal) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SignalID, b.SignalID)
	})
	return out, nil
}

// UpdateSignalStatus moves a signal to next. Setting the current status again
// is a no-op; any illegal move (including SUPPRESSED -> ACTIVE) fails with
// ErrInvariantViolation.
func (s *Service) UpdateSignalStatus(ctx context.Context, signalID, tenantID string, next Status, opts ...TransitionOption) (*Signal, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", next, ErrInvariantViolation)
	}
	var o transitionOptions
	for _, fn := range opts {
		fn(&o)
	}

	// transitions are monotonic, so a lost CAS settles on the second read
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := s.GetSignal(ctx, signalID, tenantID)
		if err != nil {
			return nil, err
		}
		if cur.Status == next {
			return cur, nil
		}
		if !cur.Status.CanTransitionTo(next) {
			return nil, fmt.Errorf("signal %s: %s -> %s: %w", signalID, cur.Status, next, ErrInvariantViolation)
		}

		updated, err := s.transition(ctx, cur, next, o)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("signal %s: status kept changing under update: %w", signalID, ErrConflict)
}

// CheckTTLExpiry expires an ACTIVE, non-permanent signal whose TTL has
// passed. Missing, suppressed, already expired, permanent and not-yet-due
// signals are left untouched.
func (s *Service) CheckTTLExpiry(ctx context.Context, signalID, tenantID string) (*ExpiryResult, error) {
	cur, ok, err := s.store.GetSignal(ctx, tenantID, signalID)
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}
	if !ok {
		return &ExpiryResult{Reason: "not found"}, nil
	}
	switch {
	case cur.Status != StatusActive:
		return &ExpiryResult{Signal: cur, Reason: "status " + string(cur.Status)}, nil
	case cur.Metadata.TTL.IsPermanent:
		return &ExpiryResult{Signal: cur, Reason: "permanent"}, nil
	case !cur.Expired(s.now()):
		return &ExpiryResult{Signal: cur, Reason: "not due"}, nil
	}

	updated, err := s.transition(ctx, cur, StatusExpired, transitionOptions{})
	if err == nil {
		return &ExpiryResult{Signal: updated, Expired: true}, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, err
	}

	// someone else moved it first; an expiry by them counts as applied
	again, ok, gerr := s.store.GetSignal(ctx, tenantID, signalID)
	if gerr != nil {
		return nil, fmt.Errorf("reread after expiry conflict: %w", gerr)
	}
	if !ok {
		return &ExpiryResult{Reason: "not found"}, nil
	}
	return &ExpiryResult{
		Signal:  again,
		Expired: again.Status == StatusExpired,
		Reason:  "concurrent transition to " + string(again.Status),
	}, nil
}

// ExpireDue runs CheckTTLExpiry over every active signal of an account and
// returns the ids that were expired.
func (s *Service) ExpireDue(ctx context.Context, accountID, tenantID string) ([]string, error) {
	st, err := s.GetAccountState(ctx, accountID, tenantID)
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, id := range st.ActiveSignalIDs() {
		res, err := s.CheckTTLExpiry(ctx, id, tenantID)
		if err != nil {
			return expired, err
		}
		if res.Expired {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// ReplaySignalFromEvidence re-runs det against the stored signal's evidence
// and reports whether it reproduces the same dedupe key and content hash.
// It never writes.
func (s *Service) ReplaySignalFromEvidence(ctx context.Context, signalID, tenantID string, det Detector) (*ReplayResult, error) {
	if det == nil {
		return nil, fmt.Errorf("replay requires a detector: %w", ErrNotConfigured)
	}
	stored, err := s.GetSignal(ctx, signalID, tenantID)
	if err != nil {
		return nil, err
	}

	res := &ReplayResult{
		SignalID:          stored.SignalID,
		Detector:          det.Name(),
		DetectorVersion:   det.Version(),
		StoredDedupeKey:   stored.DedupeKey,
		StoredContentHash: stored.Evidence.ContentHash,
	}

	candidates, err := det.Detect(ctx, stored.TenantID, stored.Evidence.Ref)
	if err != nil {
		return nil, fmt.Errorf("replay detect %s: %w", stored.Evidence.Ref, err)
	}

	var found bool
	for _, c := range candidates {
		if c.SignalType != stored.SignalType || c.AccountID != stored.AccountID || c.WindowKey != stored.WindowKey {
			continue
		}
		key := DedupeKey(c.AccountID, c.SignalType, c.WindowKey, c.Evidence.ContentHash)
		if !found || key == stored.DedupeKey {
			res.ReplayedDedupeKey = key
			res.ReplayedContentHash = c.Evidence.ContentHash
		}
		found = true
		if key == stored.DedupeKey {
			break
		}
	}

	switch {
	case !found:
		res.Reason = "detector produced no candidate for this type, account and window"
	case res.ReplayedDedupeKey != res.StoredDedupeKey:
		res.Reason = "dedupe key differs"
	case res.ReplayedContentHash != res.StoredContentHash:
		res.Reason = "evidence content hash differs"
	default:
		res.Matched = true
	}

	if !res.Matched {
		s.logger.Warn(ctx, "signal replay mismatch",
			"signal_id", stored.SignalID,
			"detector", det.Name(),
			"detector_version", det.Version(),
			"reason", res.Reason,
		)
	}
	return res, nil
}

func (s *Service) transition(ctx context.Context, cur *Signal, next Status, o transitionOptions) (*Signal, error) {
	now := s.now().UTC()
	req := TransitionRequest{
		TenantID: cur.TenantID,
		SignalID: cur.SignalID,
		From:     cur.Status,
		To:       next,
		At:       now,
	}
	if next == StatusSuppressed {
		req.Suppression = &Suppression{
			Suppressed:      true,
			SuppressedAt:    &now,
			SuppressedBy:    o.suppressedBy,
			InferenceActive: o.inferenceActive,
		}
	}

	updated, err := s.store.TransitionSignal(ctx, req)
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("transition signal: %w", err)
	}

	if s.hooks.OnTransition != nil {
		s.hooks.OnTransition(cur.Status, next)
	}
	s.logger.Info(ctx, "signal status changed",
		"signal_id", cur.SignalID,
		"account_id", cur.AccountID,
		"tenant_id", cur.TenantID,
		"from", cur.Status,
		"to", next,
		"suppressed_by", o.suppressedBy,
	)
	return updated, nil
}

func (s *Service) onCreate(t SignalType, created bool) {
	if s.hooks.OnCreate != nil {
		s.hooks.OnCreate(t, created)
	}
}

func validateCandidate(c *Signal) error {
	if c == nil {
		return fmt.Errorf("nil candidate: %w", ErrInvalidSignal)
	}
	var problems []string
	if !c.SignalType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown signal type %q", c.SignalType))
	}
	if c.AccountID == "" {
		problems = append(problems, "account id is required")
	}
	if c.TenantID == "" {
		problems = append(problems, "tenant id is required")
	}
	if c.WindowKey == "" {
		problems = append(problems, "window key is required")
	}
	if c.Evidence.Ref == "" {
		problems = append(problems, "evidence ref is required")
	}
	if c.Evidence.ContentHash == "" {
		problems = append(problems, "evidence content hash is required")
	}
	if conf := c.Metadata.Confidence; !(conf >= 0 && conf <= 1) {
		problems = append(problems, fmt.Sprintf("confidence %v outside [0,1]", conf))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(problems, "; "), ErrInvalidSignal)
	}
	return nil
}
