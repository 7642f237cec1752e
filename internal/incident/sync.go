package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// StatusMap translates raw external tracker statuses (lowercased) to
// lifecycle states. Raw statuses with no entry are ignored, never guessed.
type StatusMap map[string]State

// DefaultStatusMap covers a stock Jira workflow.
func DefaultStatusMap() StatusMap {
	return StatusMap{
		"done":                     StateAcknowledged,
		"resolved":                 StateAcknowledged,
		"closed":                   StateAcknowledged,
		"in progress":              StateInProgress,
		"selected for development": StateInProgress,
		"in review":                StateInProgress,
		"open":                     StateOpen,
		"to do":                    StateOpen,
		"reopened":                 StateOpen,
	}
}

// ParseStatusMap parses a "raw=state,raw=state" override string into a
// StatusMap. Raw statuses are lowercased; states must be valid lifecycle
// states. An empty string returns nil so callers fall back to the default.
func ParseStatusMap(s string) (StatusMap, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	m := make(StatusMap)
	for _, pair := range strings.Split(s, ",") {
		raw, state, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("status map entry %q: want raw=state", pair)
		}
		st, valid := ParseState(strings.TrimSpace(state))
		if !valid {
			return nil, fmt.Errorf("status map entry %q: unknown state %q", pair, state)
		}
		key := normalizeStatus(raw)
		if key == "" {
			return nil, fmt.Errorf("status map entry %q: empty raw status", pair)
		}
		m[key] = st
	}
	return m, nil
}

// StatusUpdate is one status change observed in the external tracker.
type StatusUpdate struct {
	TicketRef  string    `json:"ticket_ref"`
	RawStatus  string    `json:"raw_status"`
	Actor      string    `json:"actor,omitempty"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// SyncResult reports what a status update did. Ignored updates are a
// success: the webhook caller must never see retries for them.
type SyncResult struct {
	IncidentID string `json:"incident_id,omitempty"`
	Applied    bool   `json:"applied"`
	NewState   State  `json:"new_state,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Syncer folds external tracker status updates into the incident
// lifecycle. Every handled update either applies a guarded transition or
// records exactly why it did not.
type Syncer struct {
	store       Store
	statuses    StatusMap
	allowReopen bool
	notifier    Notifier
	logger      log.Logger
	metrics     *Metrics
}

// NewSyncer creates a sync adapter. A nil statuses map falls back to
// DefaultStatusMap. allowReopen permits acknowledged -> open on external
// reopen signals; it defaults to off in configuration.
func NewSyncer(store Store, statuses StatusMap, allowReopen bool, notifier Notifier, logger log.Logger, m *Metrics) *Syncer {
	if statuses == nil {
		statuses = DefaultStatusMap()
	}
	return &Syncer{
		store:       store,
		statuses:    statuses,
		allowReopen: allowReopen,
		notifier:    notifier,
		logger:      logger,
		metrics:     m,
	}
}

// Apply processes one external status update. Unknown ticket refs and
// unmapped statuses are ignored; ignored updates against a known incident
// are recorded in its ledger.
func (y *Syncer) Apply(ctx context.Context, upd StatusUpdate) (*SyncResult, error) {
	L := y.logger.With("ticket_ref", upd.TicketRef, "raw_status", upd.RawStatus)

	if upd.TicketRef == "" {
		return &SyncResult{Reason: "missing ticket ref"}, nil
	}

	inc, ok, err := y.store.GetByTicketRef(ctx, upd.TicketRef)
	if err != nil {
		return nil, fmt.Errorf("ticket lookup: %w", err)
	}
	if !ok {
		y.metrics.incSync("unknown_ref")
		L.Info(ctx, "external update for unknown ticket ignored")
		return &SyncResult{Reason: "unknown ticket ref"}, nil
	}

	raw := upd.RawStatus
	target, mapped := y.statuses[normalizeStatus(raw)]
	if !mapped {
		if err := y.ignore(ctx, inc.ID, raw, upd.Actor,
			fmt.Sprintf("unmapped external status %q", raw)); err != nil {
			return nil, err
		}
		y.metrics.incSync("unmapped")
		L.Info(ctx, "unmapped external status ignored", "incident_id", inc.ID)
		return &SyncResult{IncidentID: inc.ID, Reason: "unmapped status"}, nil
	}

	if target == inc.State {
		if err := y.ignore(ctx, inc.ID, raw, upd.Actor,
			fmt.Sprintf("external status %q maps to current state %s", raw, inc.State)); err != nil {
			return nil, err
		}
		y.metrics.incSync("noop")
		return &SyncResult{IncidentID: inc.ID, Reason: "state unchanged"}, nil
	}

	if IsReopen(inc.State, target) && !y.allowReopen {
		if err := y.ignore(ctx, inc.ID, raw, upd.Actor,
			fmt.Sprintf("external status %q requests reopen; disabled by configuration", raw)); err != nil {
			return nil, err
		}
		y.metrics.incSync("reopen_disabled")
		L.Info(ctx, "external reopen ignored", "incident_id", inc.ID)
		return &SyncResult{IncidentID: inc.ID, Reason: "reopen disabled"}, nil
	}

	next, err := y.store.Transition(ctx, inc.ID, TransitionRequest{
		To:          target,
		Actor:       upd.Actor,
		Now:         time.Now(),
		Kind:        TransitionExternalSyncApplied,
		Detail:      fmt.Sprintf("external status %q: %s -> %s", raw, inc.State, target),
		RawStatus:   raw,
		AllowReopen: y.allowReopen,
	})
	if err != nil {
		// A concurrent update may have moved the incident since our read.
		// Both cases land here as a recorded ignore, not a caller error.
		if errors.Is(err, ErrStateUnchanged) || errors.Is(err, ErrInvalidTransition) {
			if ierr := y.ignore(ctx, inc.ID, raw, upd.Actor,
				fmt.Sprintf("external status %q not applied: %v", raw, err)); ierr != nil {
				return nil, ierr
			}
			y.metrics.incSync("not_applicable")
			return &SyncResult{IncidentID: inc.ID, Reason: err.Error()}, nil
		}
		return nil, fmt.Errorf("apply external status: %w", err)
	}

	y.metrics.incSync("applied")
	y.metrics.incTransition(next.State, "external")
	y.metrics.incAudit()
	if next.State == StateAcknowledged && inc.SLAOutcome == OutcomePending {
		y.metrics.observeAck(next)
	}

	L.Info(ctx, "external status applied",
		"incident_id", next.ID,
		"new_state", string(next.State),
		"sla_outcome", string(next.SLAOutcome),
	)

	if y.notifier != nil {
		y.metrics.incNotify(next.State)
		y.notifier.Notify(ctx, StateChange{IncidentID: next.ID, NewState: next.State, SLAOutcome: next.SLAOutcome})
	}

	return &SyncResult{IncidentID: next.ID, Applied: true, NewState: next.State}, nil
}

func (y *Syncer) ignore(ctx context.Context, id, raw, actor, detail string) error {
	if err := y.store.RecordSyncIgnored(ctx, id, raw, actor, detail); err != nil {
		return fmt.Errorf("record ignored sync: %w", err)
	}
	y.metrics.incAudit()
	return nil
}

func normalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
