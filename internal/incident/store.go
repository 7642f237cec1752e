package incident

import (
	"context"
	"time"
)

// TransitionRequest asks the store to move an incident to a new state. The
// store re-reads the row under lock, validates the edge, and writes the
// matching audit entry in the same transaction.
type TransitionRequest struct {
	To    State
	Actor string
	Now   time.Time

	// Kind is TransitionStateChanged for operator calls and
	// TransitionExternalSyncApplied for the sync adapter.
	Kind   TransitionType
	Detail string

	// RawStatus, when non-empty, is cached on the incident as the last raw
	// external status seen.
	RawStatus string

	// AllowReopen permits the acknowledged -> open edge. Gated by
	// configuration; defaults to off.
	AllowReopen bool
}

// AuditFilter bounds a ledger query. Zero values mean "any".
type AuditFilter struct {
	IncidentID string
	Transition TransitionType
	Limit      int
}

// Store is the persistence boundary for incidents and their audit ledger.
// The storage layer's uniqueness constraint on dedup_key, not application
// logic, arbitrates concurrent creates.
type Store interface {
	// CreateIfAbsent atomically inserts draft keyed by its dedup key. When
	// the key is new the incident row and its Created audit entry commit
	// together and created=true. When the key exists the winner is returned
	// with created=false and a DuplicateIgnored entry is appended. No caller
	// observes a partial create.
	CreateIfAbsent(ctx context.Context, draft *Incident) (*Incident, bool, error)

	Get(ctx context.Context, id string) (*Incident, bool, error)
	GetByDedupKey(ctx context.Context, key string) (*Incident, bool, error)
	GetByTicketRef(ctx context.Context, ref string) (*Incident, bool, error)
	List(ctx context.Context, state State, limit int) ([]*Incident, error)

	// Transition applies a guarded state change. Disallowed edges return
	// ErrInvalidTransition. Entry to StateAcknowledged sets acknowledged_at,
	// acknowledgment latency, and the SLA outcome exactly once.
	Transition(ctx context.Context, id string, req TransitionRequest) (*Incident, error)

	// RecordSyncIgnored caches the raw external status and appends an
	// ExternalSyncIgnored entry in one logical operation (duplicate or
	// unapplied external deliveries).
	RecordSyncIgnored(ctx context.Context, id, rawStatus, actor, detail string) error

	// SetTicketRef records the external tracker reference together with a
	// TicketFiled audit entry.
	SetTicketRef(ctx context.Context, id, ref, detail string) error

	AppendAudit(ctx context.Context, e *AuditEntry) (*AuditEntry, error)
	QueryAudit(ctx context.Context, f AuditFilter) ([]*AuditEntry, error)

	// Summary aggregates lifecycle counters for the read API.
	Summary(ctx context.Context) (*Summary, error)
}

// Summary is a point-in-time aggregate over all incidents. MTTR is derived
// from acknowledgment latencies, never separately stored.
type Summary struct {
	Total         int     `json:"total_incidents"`
	Open          int     `json:"open_incidents"`
	InProgress    int     `json:"in_progress_incidents"`
	Acknowledged  int     `json:"acknowledged_incidents"`
	SLABreached   int     `json:"sla_breached"`
	AvgAckSeconds float64 `json:"avg_ack_time_sec"`
	MTTRMinutes   float64 `json:"mttr_min"`
	AuditEntries  int     `json:"total_audit_entries"`
}
