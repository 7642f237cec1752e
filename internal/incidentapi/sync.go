package incidentapi

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/docket/internal/incident"
)

// handleITSMWebhook accepts status updates pushed by the external tracker.
// Engine outcomes that do not apply the update (unknown ref, unmapped
// status, no-op) still answer 200 so tracker retry storms never cascade;
// only malformed payloads are rejected.
func (a *API) handleITSMWebhook(w http.ResponseWriter, r *http.Request) {
	var upd incident.StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if upd.TicketRef == "" || upd.RawStatus == "" {
		http.Error(w, `{"error":"ticket_ref and raw_status are required"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("docket.sync.ticket_ref", upd.TicketRef),
		attribute.String("docket.sync.raw_status", upd.RawStatus),
	)

	result, err := a.syncer.Apply(r.Context(), upd)
	if err != nil {
		a.logger.Error(r.Context(), err, "external status sync failed",
			"ticket_ref", upd.TicketRef, "raw_status", upd.RawStatus)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span.SetAttributes(attribute.Bool("docket.sync.applied", result.Applied))
	a.writeJSON(w, http.StatusOK, result)
}
