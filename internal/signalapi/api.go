// Package signalapi exposes signal, lifecycle and posture operations over HTTP.
package signalapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/vantage/internal/authmw"
	"github.com/linnemanlabs/vantage/internal/detector"
	"github.com/linnemanlabs/vantage/internal/lifecycle"
	"github.com/linnemanlabs/vantage/internal/perception"
	"github.com/linnemanlabs/vantage/internal/signal"
	"github.com/linnemanlabs/vantage/internal/synthesis"
)

// Pipeline defines the orchestration operations signalapi needs.
type Pipeline interface {
	Ingest(ctx context.Context, tenantID, ref, traceID string) (*perception.IngestResult, error)
	Infer(ctx context.Context, accountID, tenantID, traceID string) (*lifecycle.Inference, error)
	Synthesize(ctx context.Context, accountID, tenantID string, asOf time.Time) (*synthesis.AccountPostureStateV1, error)
	Replay(ctx context.Context, signalID, tenantID string) (*signal.ReplayResult, error)
	SweepAccount(ctx context.Context, accountID, tenantID string) (*perception.SweepResult, error)
	DetectionOnly() bool
}

// SignalReader defines the signal service operations signalapi needs.
type SignalReader interface {
	GetSignal(ctx context.Context, signalID, tenantID string) (*signal.Signal, error)
	GetSignalsForAccount(ctx context.Context, accountID, tenantID string, f signal.Filter) ([]*signal.Signal, error)
	GetAccountState(ctx context.Context, accountID, tenantID string) (*signal.AccountState, error)
	CheckTTLExpiry(ctx context.Context, signalID, tenantID string) (*signal.ExpiryResult, error)
}

// ContractSetter records contract status for an account.
type ContractSetter interface {
	SetActiveContract(ctx context.Context, accountID, tenantID string, active bool) (*signal.AccountState, error)
}

// Option configures an API.
type Option func(*API)

// WithContracts enables PUT /accounts/{account}/contract.
func WithContracts(c ContractSetter) Option { return func(a *API) { a.contracts = c } }

// WithTenantHeader overrides authmw.DefaultTenantHeader.
func WithTenantHeader(h string) Option { return func(a *API) { a.tenantHeader = h } }

// WithClock overrides the clock used when a posture request has no as_of.
func WithClock(now func() time.Time) Option { return func(a *API) { a.now = now } }

// API holds dependencies for HTTP handlers.
type API struct {
	logger       log.Logger
	pipeline     Pipeline
	signals      SignalReader
	evidence     detector.EvidenceStore
	contracts    ContractSetter
	tenantHeader string
	now          func() time.Time
}

// New creates a new API handler.
func New(logger log.Logger, pipeline Pipeline, signals SignalReader, evidence detector.EvidenceStore, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if pipeline == nil {
		panic(xerrors.New("perception pipeline is required"))
	}
	if signals == nil {
		panic(xerrors.New("signal service is required"))
	}
	if evidence == nil {
		panic(xerrors.New("evidence store is required"))
	}
	a := &API{
		logger:       logger,
		pipeline:     pipeline,
		signals:      signals,
		evidence:     evidence,
		tenantHeader: authmw.DefaultTenantHeader,
		now:          time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authmw.RequireTenant(a.tenantHeader))

		r.Post("/evidence", a.handleIngestEvidence)

		r.Get("/signals/{id}", a.handleGetSignal)
		r.Post("/signals/{id}/ttl-check", a.handleTTLCheck)
		r.Post("/signals/{id}/replay", a.handleReplay)

		r.Get("/accounts/{account}/signals", a.handleListSignals)
		r.Get("/accounts/{account}/state", a.handleGetState)
		r.Get("/accounts/{account}/posture", a.handleGetPosture)
		r.Post("/accounts/{account}/infer", a.handleInfer)
		r.Post("/accounts/{account}/sweep", a.handleSweep)
		r.Put("/accounts/{account}/contract", a.handleSetContract)
	})
}

func tenant(r *http.Request) string {
	t, _ := authmw.TenantFromContext(r.Context())
	return t
}

// traceID returns the active otel trace id, or "" when not tracing.
func traceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.TraceID().IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, signal.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, signal.ErrInvariantViolation), errors.Is(err, signal.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, synthesis.ErrNoMatchingRule):
		return http.StatusUnprocessableEntity
	case errors.Is(err, signal.ErrNotConfigured):
		return http.StatusNotImplemented
	case errors.Is(err, signal.ErrInvalidSignal), errors.Is(err, detector.ErrInvalidEvidence):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg, kv...)
		writeMessage(w, status, "internal error")
		return
	}
	writeMessage(w, status, err.Error())
}
