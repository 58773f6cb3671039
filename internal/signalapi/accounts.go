package signalapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/vantage/internal/lifecycle"
	"github.com/linnemanlabs/vantage/internal/signal"
)

func account(r *http.Request) string {
	id := chi.URLParam(r, "account")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("vantage.account.id", id))
	return id
}

func parseFilter(r *http.Request) (signal.Filter, error) {
	var f signal.Filter
	q := r.URL.Query()
	for _, s := range q["status"] {
		st := signal.Status(s)
		if !st.Valid() {
			return f, fmt.Errorf("unknown status %q", s)
		}
		f.Statuses = append(f.Statuses, st)
	}
	for _, s := range q["type"] {
		t := signal.SignalType(s)
		if !t.Valid() {
			return f, fmt.Errorf("unknown signal type %q", s)
		}
		f.Types = append(f.Types, t)
	}
	return f, nil
}

func (a *API) handleListSignals(w http.ResponseWriter, r *http.Request) {
	acct := account(r)
	f, err := parseFilter(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	sigs, err := a.signals.GetSignalsForAccount(r.Context(), acct, tenant(r), f)
	if err != nil {
		a.writeError(w, r, err, "failed to list signals", "account_id", acct)
		return
	}
	if sigs == nil {
		sigs = []*signal.Signal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": sigs})
}

func (a *API) handleGetState(w http.ResponseWriter, r *http.Request) {
	acct := account(r)
	st, err := a.signals.GetAccountState(r.Context(), acct, tenant(r))
	if err != nil {
		a.writeError(w, r, err, "failed to get account state", "account_id", acct)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleGetPosture(w http.ResponseWriter, r *http.Request) {
	acct := account(r)
	asOf := a.now()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "as_of must be RFC3339")
			return
		}
		asOf = t
	}

	rec, err := a.pipeline.Synthesize(r.Context(), acct, tenant(r), asOf)
	if err != nil {
		a.writeError(w, r, err, "failed to synthesize posture", "account_id", acct)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("vantage.posture", string(rec.Posture)),
		attribute.String("vantage.rule.id", rec.RuleID),
	)
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleInfer(w http.ResponseWriter, r *http.Request) {
	acct := account(r)
	inf, err := a.pipeline.Infer(r.Context(), acct, tenant(r), traceID(r.Context()))
	if err != nil {
		a.writeError(w, r, err, "failed to infer lifecycle", "account_id", acct)
		return
	}
	writeJSON(w, http.StatusOK, inf)
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	acct := account(r)
	res, err := a.pipeline.SweepAccount(r.Context(), acct, tenant(r))
	if err != nil {
		a.writeError(w, r, err, "failed to sweep account", "account_id", acct)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type contractRequest struct {
	Active *bool `json:"active"`
}

func (a *API) handleSetContract(w http.ResponseWriter, r *http.Request) {
	acct := account(r)
	if a.contracts == nil {
		writeMessage(w, http.StatusNotImplemented, "contract updates are not configured")
		return
	}

	var req contractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeMessage(w, http.StatusBadRequest, `body must be {"active": true|false}`)
		return
	}

	st, err := a.contracts.SetActiveContract(r.Context(), acct, tenant(r), *req.Active)
	if err != nil {
		a.writeError(w, r, err, "failed to set contract", "account_id", acct)
		return
	}

	var inf *lifecycle.Inference
	if !a.pipeline.DetectionOnly() {
		inf, err = a.pipeline.Infer(r.Context(), acct, tenant(r), traceID(r.Context()))
		if err != nil {
			a.writeError(w, r, err, "failed to infer lifecycle after contract change", "account_id", acct)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_state": st,
		"inference":     inf,
	})
}
