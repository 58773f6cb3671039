package signalapi

import (
	"encoding/json"
	"net/http"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/vantage/internal/detector"
)

func (a *API) handleIngestEvidence(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant(r)

	var ev detector.Evidence
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if ev.TenantID == "" {
		ev.TenantID = tenantID
	}
	if ev.TenantID != tenantID {
		writeMessage(w, http.StatusBadRequest, "evidence tenant does not match request tenant")
		return
	}
	if ev.Ref == "" {
		ev.Ref = "ev-" + ulid.Make().String()
	}
	if ev.TraceID == "" {
		ev.TraceID = traceID(r.Context())
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("vantage.evidence.ref", ev.Ref),
		attribute.String("vantage.evidence.kind", ev.Kind),
		attribute.String("vantage.account.id", ev.AccountID),
	)

	if err := a.evidence.Put(r.Context(), &ev); err != nil {
		a.writeError(w, r, err, "failed to store evidence", "ref", ev.Ref)
		return
	}

	res, err := a.pipeline.Ingest(r.Context(), tenantID, ev.Ref, ev.TraceID)
	if err != nil {
		a.writeError(w, r, err, "failed to ingest evidence", "ref", ev.Ref)
		return
	}

	span.SetAttributes(attribute.Int("vantage.signals.created", res.Created))

	status := http.StatusOK
	if res.Created > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}
