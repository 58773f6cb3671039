// Package perception wires detection, signal storage, lifecycle inference,
// suppression and posture synthesis into one ingest path.
package perception

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vantage/internal/detector"
	"github.com/linnemanlabs/vantage/internal/events"
	"github.com/linnemanlabs/vantage/internal/ledger"
	"github.com/linnemanlabs/vantage/internal/lifecycle"
	"github.com/linnemanlabs/vantage/internal/signal"
	"github.com/linnemanlabs/vantage/internal/suppression"
	"github.com/linnemanlabs/vantage/internal/synthesis"
)

// IngestResult is the outcome of ingesting one piece of evidence.
type IngestResult struct {
	Ref        string                             `json:"ref"`
	TraceID    string                             `json:"trace_id"`
	Signals    []*signal.Signal                   `json:"signals"`
	Created    int                                `json:"created"`
	Inferences []*lifecycle.Inference             `json:"inferences,omitempty"`
	Postures   []*synthesis.AccountPostureStateV1 `json:"postures,omitempty"`
	Unmatched  []string                           `json:"unmatched_accounts,omitempty"`
}

// SweepResult is the outcome of sweeping one account.
type SweepResult struct {
	AccountID  string               `json:"account_id"`
	TenantID   string               `json:"tenant_id"`
	Expired    []string             `json:"expired"`
	Reconciled []string             `json:"reconciled"`
	Inference  *lifecycle.Inference `json:"inference,omitempty"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLifecycle enables lifecycle inference after detection.
func WithLifecycle(l *lifecycle.Service) Option { return func(p *Pipeline) { p.lifecycle = l } }

// WithSynthesis enables posture synthesis after inference.
func WithSynthesis(e *synthesis.Engine) Option { return func(p *Pipeline) { p.synthesis = e } }

// WithSuppression enables ledger reconciliation during sweeps.
func WithSuppression(e *suppression.Engine) Option { return func(p *Pipeline) { p.suppression = e } }

// WithLedger records lifecycle transitions and computed postures.
func WithLedger(l ledger.Ledger) Option { return func(p *Pipeline) { p.ledger = l } }

// WithPublisher sets where events go.
func WithPublisher(pub events.Publisher) Option { return func(p *Pipeline) { p.publisher = pub } }

// WithMetrics installs Prometheus instrumentation.
func WithMetrics(m *Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithClock overrides the clock used for event timestamps and sweeps.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// Pipeline is the business boundary for evidence ingestion.
type Pipeline struct {
	signals     *signal.Service
	detector    signal.Detector
	evidence    detector.EvidenceSource
	lifecycle   *lifecycle.Service
	synthesis   *synthesis.Engine
	suppression *suppression.Engine
	ledger      ledger.Ledger
	publisher   events.Publisher
	metrics     *Metrics
	logger      log.Logger
	now         func() time.Time
}

// New creates a pipeline. Lifecycle, synthesis, suppression and ledger are
// optional; operations needing a missing one fail with signal.ErrNotConfigured.
func New(signals *signal.Service, det signal.Detector, evidence detector.EvidenceSource, logger log.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = log.Nop()
	}
	p := &Pipeline{
		signals:   signals,
		detector:  det,
		evidence:  evidence,
		publisher: events.Nop,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NewDetectionOnly creates a pipeline that stops after signal creation,
// whatever options are passed.
func NewDetectionOnly(signals *signal.Service, det signal.Detector, evidence detector.EvidenceSource, logger log.Logger, opts ...Option) *Pipeline {
	p := New(signals, det, evidence, logger, opts...)
	p.lifecycle = nil
	p.synthesis = nil
	return p
}

// DetectionOnly reports whether lifecycle and synthesis are disabled.
func (p *Pipeline) DetectionOnly() bool { return p.lifecycle == nil && p.synthesis == nil }

// Signals exposes the underlying signal service.
func (p *Pipeline) Signals() *signal.Service { return p.signals }

// Ingest runs evidence ref through detection and, unless detection-only,
// lifecycle inference and synthesis for every account it touched. Synthesis
// is evaluated as of the evidence time so a replayed ingest reproduces the
// same posture. Re-ingesting the same evidence creates no new signals.
func (p *Pipeline) Ingest(ctx context.Context, tenantID, ref, traceID string) (res *IngestResult, err error) {
	start := time.Now()
	defer func() {
		if p.metrics == nil {
			return
		}
		result := "success"
		if err != nil {
			result = "error"
		}
		p.metrics.IngestsTotal.WithLabelValues(result).Inc()
		p.metrics.IngestDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	ev, err := p.evidence.Load(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}
	if ev.TenantID != tenantID {
		return nil, fmt.Errorf("%s in tenant %s: %w", ref, tenantID, detector.ErrEvidenceNotFound)
	}
	if traceID == "" {
		traceID = ev.TraceID
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	L := p.logger.With("tenant_id", tenantID, "evidence_ref", ref, "trace_id", traceID)

	cands, err := p.detector.Detect(ctx, tenantID, ref)
	if err != nil {
		return nil, fmt.Errorf("detect %s: %w", ref, err)
	}
	if p.metrics != nil {
		p.metrics.IngestCandidates.Observe(float64(len(cands)))
	}

	res = &IngestResult{Ref: ref, TraceID: traceID, Signals: make([]*signal.Signal, 0, len(cands))}
	var accounts []string
	for _, c := range cands {
		if c.TenantID != tenantID {
			return res, fmt.Errorf("detector %s emitted tenant %q for %s: %w", p.detector.Name(), c.TenantID, ref, signal.ErrInvariantViolation)
		}
		if c.TraceID == "" {
			c.TraceID = traceID
		}
		cr, err := p.signals.CreateSignal(ctx, c)
		if err != nil {
			return res, err
		}
		res.Signals = append(res.Signals, cr.Signal)
		if cr.Created {
			res.Created++
			p.publish(ctx, events.TypeSignalCreated, cr.Signal.TenantID, cr.Signal.AccountID, cr.Signal.SignalID, traceID, cr.Signal)
		}
		if !slices.Contains(accounts, cr.Signal.AccountID) {
			accounts = append(accounts, cr.Signal.AccountID)
		}
	}
	slices.Sort(accounts)

	L.Info(ctx, "evidence detected",
		"candidates", len(cands),
		"created", res.Created,
		"accounts", len(accounts),
	)
	if p.DetectionOnly() {
		return res, nil
	}

	for _, acct := range accounts {
		if p.lifecycle != nil {
			inf, err := p.Infer(ctx, acct, tenantID, traceID)
			if err != nil {
				return res, err
			}
			res.Inferences = append(res.Inferences, inf)
		}
		if p.synthesis != nil {
			rec, err := p.synthesize(ctx, acct, tenantID, traceID, ev.OccurredAt)
			if errors.Is(err, synthesis.ErrNoMatchingRule) {
				res.Unmatched = append(res.Unmatched, acct)
				L.Warn(ctx, "no posture rule matched", "account_id", acct, "error", err)
				continue
			}
			if err != nil {
				return res, err
			}
			res.Postures = append(res.Postures, rec)
		}
	}
	return res, nil
}

// Infer runs lifecycle inference for one account and records a transition.
func (p *Pipeline) Infer(ctx context.Context, accountID, tenantID, traceID string) (*lifecycle.Inference, error) {
	if p.lifecycle == nil {
		return nil, fmt.Errorf("lifecycle inference: %w", signal.ErrNotConfigured)
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	inf, err := p.lifecycle.InferLifecycleState(ctx, accountID, tenantID, traceID)
	if err != nil {
		return nil, err
	}
	if !inf.Transitioned {
		return inf, nil
	}
	if p.metrics != nil {
		p.metrics.SuppressionsPerChange.Observe(float64(len(inf.Suppressed)))
	}
	p.audit(ctx, ledger.Entry{
		// a move can repeat (contract toggles), so the instant is part of its identity
		EntryID: ledger.EntryID(tenantID, accountID, string(ledger.EntryLifecycleTransitioned),
			string(inf.Previous), string(inf.State), inf.InferredAt.Format(time.RFC3339Nano), traceID),
		EntryType: ledger.EntryLifecycleTransitioned,
		TenantID:  tenantID,
		AccountID: accountID,
		TraceID:   traceID,
		Reason:    "lifecycle inference",
		RuleID:    inf.RuleVersion,
		Cause: map[string]string{
			"from":       string(inf.Previous),
			"to":         string(inf.State),
			"suppressed": fmt.Sprint(len(inf.Suppressed)),
		},
		OccurredAt: inf.InferredAt,
	})
	p.publish(ctx, events.TypeLifecycleTransitioned, tenantID, accountID, "", traceID, inf)
	return inf, nil
}

// Synthesize computes the posture of an account as of asOf and publishes it.
func (p *Pipeline) Synthesize(ctx context.Context, accountID, tenantID string, asOf time.Time) (*synthesis.AccountPostureStateV1, error) {
	return p.synthesize(ctx, accountID, tenantID, "", asOf)
}

func (p *Pipeline) synthesize(ctx context.Context, accountID, tenantID, traceID string, asOf time.Time) (*synthesis.AccountPostureStateV1, error) {
	if p.synthesis == nil {
		return nil, fmt.Errorf("posture synthesis: %w", signal.ErrNotConfigured)
	}
	start := time.Now()
	rec, err := p.synthesis.Synthesize(ctx, accountID, tenantID, asOf)
	if p.metrics != nil {
		p.metrics.SynthesisDuration.Observe(time.Since(start).Seconds())
		switch {
		case errors.Is(err, synthesis.ErrNoMatchingRule):
			p.metrics.PosturesTotal.WithLabelValues("no_match").Inc()
		case err != nil:
			p.metrics.PosturesTotal.WithLabelValues("error").Inc()
		default:
			p.metrics.PosturesTotal.WithLabelValues(string(rec.Posture)).Inc()
		}
	}
	if err != nil {
		return nil, err
	}

	// one entry per distinct input set, however often it is recomputed
	p.audit(ctx, ledger.Entry{
		EntryID:   ledger.EntryID(tenantID, accountID, string(ledger.EntryPostureComputed), rec.InputsHash),
		EntryType: ledger.EntryPostureComputed,
		TenantID:  tenantID,
		AccountID: accountID,
		TraceID:   traceID,
		Reason:    string(rec.Posture),
		RuleID:    rec.RuleID,
		Cause: map[string]string{
			"ruleset_version":     rec.RulesetVersion,
			"inputs_hash":         rec.InputsHash,
			"active_signals_hash": rec.ActiveSignalsHash,
			"momentum":            string(rec.Momentum),
		},
		OccurredAt: rec.EvaluatedAt,
	})
	p.publish(ctx, events.TypePostureComputed, tenantID, accountID, "", traceID, rec)
	return rec, nil
}

// Replay re-runs detection for a stored signal without writing anything.
func (p *Pipeline) Replay(ctx context.Context, signalID, tenantID string) (*signal.ReplayResult, error) {
	res, err := p.signals.ReplaySignalFromEvidence(ctx, signalID, tenantID, p.detector)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.ReplaysTotal.WithLabelValues(fmt.Sprint(res.Matched)).Inc()
	}
	return res, nil
}

// SweepAccount expires due signals, fills any suppression ledger gaps and,
// when something expired, re-runs inference so the lifecycle follows.
func (p *Pipeline) SweepAccount(ctx context.Context, accountID, tenantID string) (*SweepResult, error) {
	res := &SweepResult{AccountID: accountID, TenantID: tenantID, Expired: []string{}, Reconciled: []string{}}

	expired, err := p.signals.ExpireDue(ctx, accountID, tenantID)
	res.Expired = append(res.Expired, expired...)
	if p.metrics != nil {
		p.metrics.SweepExpiredTotal.Add(float64(len(expired)))
	}
	at := p.now().UTC()
	for _, id := range expired {
		p.publish(ctx, events.TypeSignalExpired, tenantID, accountID, id, "", map[string]any{"signal_id": id, "expired_at": at})
	}
	if err != nil {
		return res, err
	}

	if p.suppression != nil {
		fixed, err := p.suppression.Reconcile(ctx, tenantID, accountID)
		res.Reconciled = append(res.Reconciled, fixed...)
		if p.metrics != nil {
			p.metrics.SweepReconciledTotal.Add(float64(len(fixed)))
		}
		if err != nil {
			return res, err
		}
	}

	if len(expired) > 0 && p.lifecycle != nil {
		inf, err := p.Infer(ctx, accountID, tenantID, "")
		if err != nil {
			return res, err
		}
		res.Inference = inf
	}
	return res, nil
}

// SweepTenant sweeps every account of a tenant (all tenants when empty).
// Failures on one account are logged and do not stop the others; their
// errors are joined.
func (p *Pipeline) SweepTenant(ctx context.Context, tenantID string) ([]*SweepResult, error) {
	states, err := p.signals.ListAccountStates(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var (
		out  []*SweepResult
		errs []error
	)
	for _, st := range states {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := p.SweepAccount(ctx, st.AccountID, st.TenantID)
		if err != nil {
			p.logger.Error(ctx, err, "account sweep failed", "account_id", st.AccountID, "tenant_id", st.TenantID)
			errs = append(errs, fmt.Errorf("sweep %s/%s: %w", st.TenantID, st.AccountID, err))
		}
		if res != nil {
			out = append(out, res)
		}
	}
	return out, errors.Join(errs...)
}

func (p *Pipeline) publish(ctx context.Context, typ events.Type, tenantID, accountID, signalID, traceID string, payload any) {
	ev, err := events.New(typ, tenantID, accountID, payload, p.now())
	if err == nil {
		ev.SignalID = signalID
		ev.TraceID = traceID
		err = p.publisher.Publish(ctx, ev)
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues(string(typ)).Inc()
		}
		p.logger.Warn(ctx, "event publish failed",
			"type", typ,
			"tenant_id", tenantID,
			"account_id", accountID,
			"error", err,
		)
	}
}

func (p *Pipeline) audit(ctx context.Context, e ledger.Entry) {
	if p.ledger == nil {
		return
	}
	inserted, err := p.ledger.Append(ctx, e)
	if err != nil {
		p.logger.Error(ctx, err, "ledger append failed",
			"entry_type", e.EntryType,
			"tenant_id", e.TenantID,
			"account_id", e.AccountID,
		)
		return
	}
	if p.metrics != nil {
		result := "duplicate"
		if inserted {
			result = "inserted"
		}
		p.metrics.LedgerAppendsTotal.WithLabelValues(string(e.EntryType), result).Inc()
	}
}
