package incidentapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/docket/internal/event"
	"github.com/linnemanlabs/docket/internal/incident"
)

func (a *API) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	result, err := a.svc.Ingest(r.Context(), &ev)
	if err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			a.writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": verr.Error(),
				"field": verr.Field,
			})
			return
		}
		a.logger.Error(r.Context(), err, "event ingest failed",
			"source", string(ev.Source), "name", ev.DisplayName)
		http.Error(w, `{"error":"storage unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("docket.incident.id", result.ID),
		attribute.Bool("docket.incident.duplicate", result.Duplicate),
	)

	// A duplicate is a success: the caller gets the existing incident's ID.
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	a.writeJSON(w, status, result)
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("docket.incident.id", id))

	inc, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("docket.incident.state", string(inc.State)))
	a.writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	var state incident.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		st, ok := incident.ParseState(raw)
		if !ok {
			http.Error(w, `{"error":"unknown state"}`, http.StatusBadRequest)
			return
		}
		state = st
	}

	incidents, err := a.svc.List(r.Context(), state, queryLimit(r))
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if incidents == nil {
		incidents = []*incident.Incident{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

type ackRequest struct {
	Actor string `json:"actor"`
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		http.Error(w, `{"error":"actor is required"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("docket.incident.id", id))

	inc, err := a.svc.Acknowledge(r.Context(), id, req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, incident.ErrNotFound):
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		case errors.Is(err, incident.ErrStateUnchanged):
			// Re-acknowledgment is idempotent; return the current record.
			cur, ok, gerr := a.svc.Get(r.Context(), id)
			if gerr != nil || !ok {
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}
			a.writeJSON(w, http.StatusOK, cur)
		case errors.Is(err, incident.ErrInvalidTransition):
			http.Error(w, `{"error":"invalid state transition"}`, http.StatusConflict)
		default:
			a.logger.Error(r.Context(), err, "acknowledge failed", "id", id)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	a.writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleIncidentAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, ok, err := a.svc.Get(r.Context(), id); err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	} else if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	entries, err := a.svc.Audit(r.Context(), incident.AuditFilter{
		IncidentID: id,
		Limit:      queryLimit(r),
	})
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to query audit ledger", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*incident.AuditEntry{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	f := incident.AuditFilter{
		Transition: incident.TransitionType(r.URL.Query().Get("transition")),
		Limit:      queryLimit(r),
	}

	entries, err := a.svc.Audit(r.Context(), f)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to query audit ledger")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*incident.AuditEntry{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := a.svc.Summary(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to build summary")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, sum)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
