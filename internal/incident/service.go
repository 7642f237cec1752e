package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/docket/internal/event"
)

// TicketFiler opens a ticket in the external tracker for a new incident
// and returns its reference.
type TicketFiler interface {
	File(ctx context.Context, inc *Incident) (ref string, err error)
}

// IngestResult is the outcome of submitting a failure event.
type IngestResult struct {
	ID string `json:"incident_id"`

	// Duplicate means the event mapped to an existing incident; this is a
	// success, not an error.
	Duplicate bool `json:"duplicate"`

	// LowConfidence marks an incident whose dedup key was derived from the
	// fallback identity (no stable upstream identifier).
	LowConfidence bool `json:"low_confidence,omitempty"`

	State State `json:"state"`
}

// Service is the business boundary for incident operations. Every path
// through it that mutates an incident also lands exactly one audit entry,
// which the store commits atomically with the mutation.
type Service struct {
	store     Store
	diagnoser Diagnoser
	policy    *SLAPolicy
	notifier  Notifier
	filer     TicketFiler
	logger    log.Logger
	metrics   *Metrics
}

// NewService creates an incident service. diagnoser, notifier, and filer
// may be nil; the corresponding step is skipped (diagnosis falls back to
// the deterministic record). A nil policy uses the default budgets.
func NewService(store Store, diagnoser Diagnoser, policy *SLAPolicy, notifier Notifier, filer TicketFiler, logger log.Logger, m *Metrics) *Service {
	if policy == nil {
		policy = DefaultSLAPolicy()
	}
	return &Service{
		store:     store,
		diagnoser: diagnoser,
		policy:    policy,
		notifier:  notifier,
		filer:     filer,
		logger:    logger,
		metrics:   m,
	}
}

// Ingest converts a failure event into exactly one tracked incident.
// Redelivered and concurrent events for the same real-world failure return
// the existing incident's ID with Duplicate set.
func (s *Service) Ingest(ctx context.Context, ev *event.Event) (*IngestResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	key, lowConfidence := ResolveKey(ev)
	L := s.logger.With("dedup_key", key, "source", string(ev.Source), "name", ev.DisplayName)

	// Fast path: a known key never pays for diagnosis. The storage unique
	// constraint below still arbitrates anything this check races with.
	if existing, ok, err := s.store.GetByDedupKey(ctx, key); err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	} else if ok {
		if _, err := s.store.AppendAudit(ctx, &AuditEntry{
			IncidentID: existing.ID,
			Timestamp:  time.Now(),
			Transition: TransitionDuplicateIgnored,
			Detail:     fmt.Sprintf("duplicate event for dedup key %s (raw event %s)", key, ev.RawEventID),
		}); err != nil {
			return nil, fmt.Errorf("record duplicate: %w", err)
		}
		s.metrics.incIngest("duplicate")
		s.metrics.incAudit()
		L.Info(ctx, "duplicate event ignored", "incident_id", existing.ID)
		return &IngestResult{ID: existing.ID, Duplicate: true, State: existing.State}, nil
	}

	diag := s.diagnose(ctx, ev, L)
	budget := s.policy.BudgetFor(diag.Priority)

	draft := &Incident{
		ID:          ulid.Make().String(),
		DedupKey:    key,
		Source:      ev.Source,
		DisplayName: ev.DisplayName,
		RawEventID:  ev.RawEventID,
		Description: ev.Description,
		Diagnostic:  *diag,
		State:       StateOpen,
		CreatedAt:   time.Now(),
		SLABudget:   budget,
		SLAOutcome:  OutcomePending,
	}

	winner, created, err := s.store.CreateIfAbsent(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}
	if !created {
		// Lost the race; the store already appended DuplicateIgnored.
		s.metrics.incIngest("duplicate")
		s.metrics.incAudit()
		L.Info(ctx, "concurrent event lost create race", "incident_id", winner.ID)
		return &IngestResult{ID: winner.ID, Duplicate: true, State: winner.State}, nil
	}

	s.metrics.incIngest("created")
	s.metrics.incAudit()
	L.Info(ctx, "incident created",
		"incident_id", winner.ID,
		"priority", string(diag.Priority),
		"severity", string(diag.Severity),
		"sla_budget", budget.String(),
		"low_confidence", lowConfidence,
	)

	// The Created audit entry is committed; observers may fire.
	s.notify(ctx, StateChange{IncidentID: winner.ID, NewState: winner.State, SLAOutcome: winner.SLAOutcome})

	if s.filer != nil {
		go s.fileTicket(context.WithoutCancel(ctx), winner.ID)
	}

	return &IngestResult{ID: winner.ID, LowConfidence: lowConfidence, State: winner.State}, nil
}

// Acknowledge moves an incident to its terminal state on behalf of an
// operator, fixing the SLA outcome.
func (s *Service) Acknowledge(ctx context.Context, id, actor string) (*Incident, error) {
	inc, err := s.store.Transition(ctx, id, TransitionRequest{
		To:    StateAcknowledged,
		Actor: actor,
		Now:   time.Now(),
		Kind:  TransitionStateChanged,
	})
	if err != nil {
		return nil, err
	}

	s.metrics.incTransition(inc.State, "operator")
	s.metrics.incAudit()
	s.metrics.observeAck(inc)
	s.logger.Info(ctx, "incident acknowledged",
		"incident_id", id,
		"actor", actor,
		"ack_latency", inc.AckLatency.String(),
		"sla_outcome", string(inc.SLAOutcome),
	)

	s.notify(ctx, StateChange{IncidentID: inc.ID, NewState: inc.State, SLAOutcome: inc.SLAOutcome})
	return inc, nil
}

// Get retrieves an incident by ID.
func (s *Service) Get(ctx context.Context, id string) (*Incident, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns incidents newest first, optionally filtered by state.
func (s *Service) List(ctx context.Context, state State, limit int) ([]*Incident, error) {
	return s.store.List(ctx, state, limit)
}

// Audit returns ledger entries matching the filter.
func (s *Service) Audit(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	return s.store.QueryAudit(ctx, f)
}

// Summary aggregates lifecycle counters across all incidents.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	return s.store.Summary(ctx)
}

func (s *Service) diagnose(ctx context.Context, ev *event.Event, L log.Logger) *Diagnostic {
	if s.diagnoser == nil {
		return FallbackDiagnostic(ev)
	}
	diag, err := s.diagnoser.Diagnose(ctx, ev)
	if err != nil {
		L.Error(ctx, err, "diagnosis failed, using fallback")
		return FallbackDiagnostic(ev)
	}
	return diag
}

func (s *Service) notify(ctx context.Context, ch StateChange) {
	if s.notifier == nil {
		return
	}
	s.metrics.incNotify(ch.NewState)
	s.notifier.Notify(ctx, ch)
}

func (s *Service) fileTicket(ctx context.Context, id string) {
	L := s.logger.With("incident_id", id)

	inc, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to fetch incident for ticket filing")
		return
	}
	if inc.ExternalTicketRef != "" {
		return
	}

	ref, err := s.filer.File(ctx, inc)
	if err != nil {
		L.Error(ctx, err, "ticket filing failed")
		return
	}

	if err := s.store.SetTicketRef(ctx, id, ref, fmt.Sprintf("filed external ticket %s", ref)); err != nil {
		L.Error(ctx, err, "failed to record ticket ref", "ticket_ref", ref)
		return
	}
	s.metrics.incAudit()
	L.Info(ctx, "external ticket filed", "ticket_ref", ref)
}
