// Package incidentapi exposes the incident engine over HTTP.
package incidentapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/docket/internal/event"
	"github.com/linnemanlabs/docket/internal/incident"
)

// IncidentService defines the business operations incidentapi needs.
type IncidentService interface {
	Ingest(ctx context.Context, ev *event.Event) (*incident.IngestResult, error)
	Acknowledge(ctx context.Context, id, actor string) (*incident.Incident, error)
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)
	List(ctx context.Context, state incident.State, limit int) ([]*incident.Incident, error)
	Audit(ctx context.Context, f incident.AuditFilter) ([]*incident.AuditEntry, error)
	Summary(ctx context.Context) (*incident.Summary, error)
}

// StatusApplier folds external tracker status updates into the lifecycle.
type StatusApplier interface {
	Apply(ctx context.Context, upd incident.StatusUpdate) (*incident.SyncResult, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService
	syncer StatusApplier
}

// New creates a new API handler. syncer may be nil when no external
// tracker is configured; the webhook route is skipped then.
func New(logger log.Logger, svc IncidentService, syncer StatusApplier) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		syncer: syncer,
	}
}

// RegisterRoutes attaches the operator API under /api/v1.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", a.handleIngestEvent)
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Post("/incidents/{id}/ack", a.handleAcknowledge)
		r.Get("/incidents/{id}/audit", a.handleIncidentAudit)
		r.Get("/audit", a.handleAuditQuery)
		r.Get("/summary", a.handleSummary)
	})
}

// RegisterWebhook attaches the external tracker webhook. Mounted
// separately so main can wrap it with the shared-secret middleware.
func (a *API) RegisterWebhook(r chi.Router) {
	if a.syncer == nil {
		return
	}
	r.Post("/webhook/itsm", a.handleITSMWebhook)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
