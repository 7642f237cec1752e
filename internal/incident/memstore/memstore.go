// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/docket/internal/incident"
)

// Store holds incidents and their audit ledger in memory. Suitable for
// dev/testing; the mutex plays the role of the database's row locks and
// uniqueness constraint.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident // incident ID -> record
	byKey     map[string]string             // dedup key -> incident ID
	byTicket  map[string]string             // external ticket ref -> incident ID
	audit     []*incident.AuditEntry
	nextAudit int64
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		byKey:     make(map[string]string),
		byTicket:  make(map[string]string),
		nextAudit: 1,
	}
}

// CreateIfAbsent inserts draft keyed by its dedup key, or returns the
// existing winner. The incident and its first audit entry land under one
// lock hold, so no caller observes a partial create.
func (s *Store) CreateIfAbsent(_ context.Context, draft *incident.Incident) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[draft.DedupKey]; ok {
		winner := s.incidents[id]
		s.appendLocked(&incident.AuditEntry{
			IncidentID: winner.ID,
			Timestamp:  time.Now(),
			Transition: incident.TransitionDuplicateIgnored,
			Detail:     fmt.Sprintf("duplicate event for dedup key %s (raw event %s)", draft.DedupKey, draft.RawEventID),
		})
		cp := *winner
		return &cp, false, nil
	}

	cp := *draft
	s.incidents[cp.ID] = &cp
	s.byKey[cp.DedupKey] = cp.ID
	s.appendLocked(&incident.AuditEntry{
		IncidentID: cp.ID,
		Timestamp:  cp.CreatedAt,
		Transition: incident.TransitionCreated,
		Detail:     fmt.Sprintf("dedup key %s, priority %s, budget %s", cp.DedupKey, cp.Diagnostic.Priority, cp.SLABudget),
	})
	out := cp
	return &out, true, nil
}

// Get retrieves an incident by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	cp := *inc
	return &cp, true, nil
}

// GetByDedupKey retrieves an incident by its dedup key. Returns a copy.
func (s *Store) GetByDedupKey(_ context.Context, key string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, false, nil
	}
	cp := *s.incidents[id]
	return &cp, true, nil
}

// GetByTicketRef retrieves an incident by its external ticket reference.
func (s *Store) GetByTicketRef(_ context.Context, ref string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTicket[ref]
	if !ok {
		return nil, false, nil
	}
	cp := *s.incidents[id]
	return &cp, true, nil
}

// List returns incidents in the given state, newest first. A zero state
// matches everything.
func (s *Store) List(_ context.Context, state incident.State, limit int) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*incident.Incident
	for _, inc := range s.incidents {
		if state != "" && inc.State != state {
			continue
		}
		cp := *inc
		out = append(out, &cp)
	}
	sortByCreatedDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Transition applies a guarded state change and its audit entry atomically.
func (s *Store) Transition(_ context.Context, id string, req incident.TransitionRequest) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, incident.ErrNotFound)
	}

	next, entry, err := incident.Advance(cur, req)
	if err != nil {
		return nil, err
	}

	s.incidents[id] = next
	s.appendLocked(entry)
	cp := *next
	return &cp, nil
}

// RecordSyncIgnored caches the raw external status and appends an
// ExternalSyncIgnored entry under one lock hold.
func (s *Store) RecordSyncIgnored(_ context.Context, id, rawStatus, actor, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("incident %s: %w", id, incident.ErrNotFound)
	}
	if rawStatus != "" {
		inc.ExternalStatusCache = rawStatus
	}
	s.appendLocked(&incident.AuditEntry{
		IncidentID: id,
		Timestamp:  time.Now(),
		Transition: incident.TransitionExternalSyncIgnored,
		Actor:      actor,
		Detail:     detail,
	})
	return nil
}

// SetTicketRef records the external ticket reference with its TicketFiled
// audit entry.
func (s *Store) SetTicketRef(_ context.Context, id, ref, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("incident %s: %w", id, incident.ErrNotFound)
	}
	inc.ExternalTicketRef = ref
	s.byTicket[ref] = id
	s.appendLocked(&incident.AuditEntry{
		IncidentID: id,
		Timestamp:  time.Now(),
		Transition: incident.TransitionTicketFiled,
		Detail:     detail,
	})
	return nil
}

// AppendAudit appends a standalone ledger entry and returns it with its
// assigned monotonic ID.
func (s *Store) AppendAudit(_ context.Context, e *incident.AuditEntry) (*incident.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.appendLocked(&cp)
	out := cp
	return &out, nil
}

// QueryAudit returns ledger entries matching f, ordered by ID ascending.
func (s *Store) QueryAudit(_ context.Context, f incident.AuditFilter) ([]*incident.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	var out []*incident.AuditEntry
	for _, e := range s.audit {
		if f.IncidentID != "" && e.IncidentID != f.IncidentID {
			continue
		}
		if f.Transition != "" && e.Transition != f.Transition {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Summary aggregates lifecycle counters across all incidents.
func (s *Store) Summary(_ context.Context) (*incident.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &incident.Summary{AuditEntries: len(s.audit)}
	var ackTotal float64
	for _, inc := range s.incidents {
		sum.Total++
		switch inc.State {
		case incident.StateOpen:
			sum.Open++
		case incident.StateInProgress:
			sum.InProgress++
		case incident.StateAcknowledged:
			sum.Acknowledged++
		}
		if inc.SLAOutcome == incident.OutcomeBreached {
			sum.SLABreached++
		}
		if !inc.AcknowledgedAt.IsZero() {
			ackTotal += inc.AckLatency.Seconds()
		}
	}
	if sum.Acknowledged > 0 {
		sum.AvgAckSeconds = ackTotal / float64(sum.Acknowledged)
		sum.MTTRMinutes = sum.AvgAckSeconds / 60
	}
	return sum, nil
}

// appendLocked assigns the next monotonic ID and appends. Callers hold the
// write lock. An entry without an incident ID is a data-integrity violation.
func (s *Store) appendLocked(e *incident.AuditEntry) {
	if e.IncidentID == "" {
		panic(xerrors.New("audit entry without incident id"))
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.ID = s.nextAudit
	s.nextAudit++
	s.audit = append(s.audit, e)
}

func sortByCreatedDesc(incs []*incident.Incident) {
	sort.Slice(incs, func(i, j int) bool {
		return incs[i].CreatedAt.After(incs[j].CreatedAt)
	})
}
