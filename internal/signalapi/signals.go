package signalapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func (a *API) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("vantage.signal.id", id))

	sig, err := a.signals.GetSignal(r.Context(), id, tenant(r))
	if err != nil {
		a.writeError(w, r, err, "failed to get signal", "id", id)
		return
	}

	span.SetAttributes(attribute.String("vantage.signal.status", string(sig.Status)))
	writeJSON(w, http.StatusOK, sig)
}

func (a *API) handleTTLCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("vantage.signal.id", id))

	res, err := a.signals.CheckTTLExpiry(r.Context(), id, tenant(r))
	if err != nil {
		a.writeError(w, r, err, "failed to check ttl", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signal":  res.Signal,
		"expired": res.Expired,
		"reason":  res.Reason,
	})
}

func (a *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("vantage.signal.id", id))

	res, err := a.pipeline.Replay(r.Context(), id, tenant(r))
	if err != nil {
		a.writeError(w, r, err, "failed to replay signal", "id", id)
		return
	}

	span.SetAttributes(attribute.Bool("vantage.replay.matched", res.Matched))
	writeJSON(w, http.StatusOK, res)
}
