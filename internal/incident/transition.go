package incident

import (
	"errors"
	"fmt"
	"time"
)

// ErrStateUnchanged reports a transition request whose target equals the
// current state. Callers treat it as an idempotent no-op, not a failure.
var ErrStateUnchanged = errors.New("state unchanged")

// Advance validates req against the lifecycle table and returns the updated
// incident plus the audit entry that must commit with it. The input is not
// mutated; stores apply the returned copy inside their own transaction so
// the row and its ledger entry land together or not at all.
func Advance(cur *Incident, req TransitionRequest) (*Incident, *AuditEntry, error) {
	if req.To == cur.State {
		return nil, nil, ErrStateUnchanged
	}

	switch {
	case CanTransition(cur.State, req.To):
	case IsReopen(cur.State, req.To) && req.AllowReopen:
	default:
		return nil, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, req.To)
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	next := *cur
	next.State = req.To
	if req.RawStatus != "" {
		next.ExternalStatusCache = req.RawStatus
	}

	// Acknowledgment fields are written exactly once. A gated reopen leaves
	// them untouched: the SLA outcome was fixed at first acknowledgment.
	if req.To == StateAcknowledged && cur.SLAOutcome == OutcomePending {
		next.AcknowledgedAt = now
		next.AcknowledgedBy = req.Actor
		next.AckLatency = now.Sub(cur.CreatedAt)
		next.SLAOutcome = OutcomeFor(next.AckLatency, cur.SLABudget)
	}

	kind := req.Kind
	if kind == "" {
		kind = TransitionStateChanged
	}
	detail := req.Detail
	if detail == "" {
		detail = fmt.Sprintf("%s -> %s", cur.State, req.To)
	}

	entry := &AuditEntry{
		IncidentID: cur.ID,
		Timestamp:  now,
		Transition: kind,
		Actor:      req.Actor,
		Detail:     detail,
	}
	return &next, entry, nil
}
