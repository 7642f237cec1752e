package incident

import (
	"errors"
	"time"

	"github.com/linnemanlabs/docket/internal/event"
)

// State tracks where an incident is in its lifecycle.
type State string

const (
	// StateOpen means created, awaiting a responder
	StateOpen State = "open"

	// StateInProgress means a responder picked it up in the external tracker
	StateInProgress State = "in_progress"

	// StateAcknowledged is terminal: the incident was acknowledged and its
	// SLA outcome is fixed
	StateAcknowledged State = "acknowledged"
)

// Severity of the underlying failure, as assessed by the diagnostic
// collaborator.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Priority drives the SLA response-time budget.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
)

// SLAOutcome records whether the incident was acknowledged within budget.
// It is Pending until acknowledgment and immutable afterwards.
type SLAOutcome string

const (
	OutcomePending  SLAOutcome = "Pending"
	OutcomeMet      SLAOutcome = "Met"
	OutcomeBreached SLAOutcome = "Breached"
)

// Diagnostic is the opaque record returned by the diagnostic collaborator
// and attached at creation.
type Diagnostic struct {
	Narrative        string   `json:"narrative"`
	ErrorKind        string   `json:"error_kind,omitempty"`
	Severity         Severity `json:"severity"`
	Priority         Priority `json:"priority"`
	Confidence       string   `json:"confidence,omitempty"`
	SuggestedActions []string `json:"suggested_actions,omitempty"`
	AutoRemediation  bool     `json:"auto_remediation_eligible"`
}

// Incident is one tracked real-world failure.
type Incident struct {
	ID          string       `json:"id"`
	DedupKey    string       `json:"dedup_key"`
	Source      event.Source `json:"source"`
	DisplayName string       `json:"display_name"`
	RawEventID  string       `json:"raw_event_id,omitempty"`
	Description string       `json:"description"`
	Diagnostic  Diagnostic   `json:"diagnostic"`
	State       State        `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`

	// SLABudget is fixed at creation from the diagnostic priority.
	SLABudget time.Duration `json:"sla_budget"`

	// Acknowledgment fields are set exactly once, on entry to
	// StateAcknowledged, and never change after.
	AcknowledgedAt time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string        `json:"acknowledged_by,omitempty"`
	AckLatency     time.Duration `json:"acknowledgment_latency,omitempty"`
	SLAOutcome     SLAOutcome    `json:"sla_outcome"`

	ExternalTicketRef string `json:"external_ticket_ref,omitempty"`

	// ExternalStatusCache is the last raw external status seen, kept for
	// idempotency across mapping-table changes.
	ExternalStatusCache string `json:"external_ticket_state_cache,omitempty"`
}

// TransitionType labels an audit ledger entry.
type TransitionType string

const (
	TransitionCreated             TransitionType = "Created"
	TransitionDuplicateIgnored    TransitionType = "DuplicateIgnored"
	TransitionStateChanged        TransitionType = "StateChanged"
	TransitionExternalSyncApplied TransitionType = "ExternalSyncApplied"
	TransitionExternalSyncIgnored TransitionType = "ExternalSyncIgnored"
	TransitionTicketFiled         TransitionType = "TicketFiled"
)

// AuditEntry is one append-only row in the transition ledger.
type AuditEntry struct {
	ID         int64          `json:"id"`
	IncidentID string         `json:"incident_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Transition TransitionType `json:"transition"`
	Actor      string         `json:"actor,omitempty"`
	Detail     string         `json:"detail,omitempty"`
}

// ErrInvalidTransition reports a state-transition request that is not on the
// allowed-edges table. It is audited and ignored, not a fault.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrNotFound reports a mutation against an incident ID the store does not
// hold.
var ErrNotFound = errors.New("incident not found")

// allowedEdges is the lifecycle table: state only advances
// open -> in_progress -> acknowledged or open -> acknowledged. The reopen
// edge (acknowledged -> open) is listed separately and applied only when
// explicitly enabled.
var allowedEdges = map[State][]State{
	StateOpen:       {StateInProgress, StateAcknowledged},
	StateInProgress: {StateAcknowledged},
}

// CanTransition reports whether from -> to is an allowed forward edge.
// Reopen is not a forward edge; see IsReopen.
func CanTransition(from, to State) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsReopen reports whether from -> to is the gated reopen edge.
func IsReopen(from, to State) bool {
	return from == StateAcknowledged && to == StateOpen
}

// Terminal reports whether the state is terminal for SLA accounting.
func (s State) Terminal() bool { return s == StateAcknowledged }

// ParseState maps a stored string to a State, reporting ok=false for
// anything outside the lifecycle table.
func ParseState(s string) (State, bool) {
	switch State(s) {
	case StateOpen, StateInProgress, StateAcknowledged:
		return State(s), true
	}
	return "", false
}
