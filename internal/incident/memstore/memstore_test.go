package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/docket/internal/incident"
)

func draft(id, key string) *incident.Incident {
	return &incident.Incident{
		ID:         id,
		DedupKey:   key,
		State:      incident.StateOpen,
		CreatedAt:  time.Now(),
		SLABudget:  15 * time.Minute,
		SLAOutcome: incident.OutcomePending,
		Diagnostic: incident.Diagnostic{Priority: incident.PriorityP1},
	}
}

func TestCreateIfAbsent_FirstWins(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	winner, created, err := s.CreateIfAbsent(ctx, draft("i-1", "k-1"))
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if !created {
		t.Fatal("expected created=true for new key")
	}
	if winner.ID != "i-1" {
		t.Errorf("winner.ID = %q, want %q", winner.ID, "i-1")
	}

	loser, created, err := s.CreateIfAbsent(ctx, draft("i-2", "k-1"))
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if created {
		t.Fatal("expected created=false for existing key")
	}
	if loser.ID != "i-1" {
		t.Errorf("loser got ID %q, want winner %q", loser.ID, "i-1")
	}

	entries, err := s.QueryAudit(ctx, incident.AuditFilter{IncidentID: "i-1"})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	if entries[0].Transition != incident.TransitionCreated {
		t.Errorf("entries[0] = %q, want %q", entries[0].Transition, incident.TransitionCreated)
	}
	if entries[1].Transition != incident.TransitionDuplicateIgnored {
		t.Errorf("entries[1] = %q, want %q", entries[1].Transition, incident.TransitionDuplicateIgnored)
	}
}

func TestCreateIfAbsent_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const n = 32

	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			winner, _, err := s.CreateIfAbsent(ctx, draft(fmt.Sprintf("i-%d", i), "k-race"))
			if err != nil {
				t.Errorf("CreateIfAbsent: %v", err)
				return
			}
			ids[i] = winner.ID
		}(i)
	}
	wg.Wait()

	first := ids[0]
	for i, id := range ids {
		if id != first {
			t.Fatalf("ids[%d] = %q, want %q (all callers must see one winner)", i, id, first)
		}
	}

	all, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("incidents = %d, want 1", len(all))
	}

	created, _ := s.QueryAudit(ctx, incident.AuditFilter{Transition: incident.TransitionCreated})
	dups, _ := s.QueryAudit(ctx, incident.AuditFilter{Transition: incident.TransitionDuplicateIgnored})
	if len(created) != 1 {
		t.Errorf("Created entries = %d, want 1", len(created))
	}
	if len(dups) != n-1 {
		t.Errorf("DuplicateIgnored entries = %d, want %d", len(dups), n-1)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestGetByDedupKey(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, _, err := s.CreateIfAbsent(ctx, draft("i-1", "k-1")); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}

	got, ok, err := s.GetByDedupKey(ctx, "k-1")
	if err != nil {
		t.Fatalf("GetByDedupKey: %v", err)
	}
	if !ok || got.ID != "i-1" {
		t.Errorf("got ok=%v id=%q, want ok=true id=i-1", ok, got.ID)
	}

	if _, ok, _ := s.GetByDedupKey(ctx, "k-other"); ok {
		t.Error("expected ok=false for unknown key")
	}
}

func TestList_FilterAndOrder(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	older := draft("i-old", "k-old")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := draft("i-new", "k-new")

	for _, d := range []*incident.Incident{older, newer} {
		if _, _, err := s.CreateIfAbsent(ctx, d); err != nil {
			t.Fatalf("CreateIfAbsent: %v", err)
		}
	}
	if _, err := s.Transition(ctx, "i-old", incident.TransitionRequest{To: incident.StateAcknowledged, Actor: "oncall"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	all, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List all = %d, want 2", len(all))
	}
	if all[0].ID != "i-new" {
		t.Errorf("first = %q, want newest %q", all[0].ID, "i-new")
	}

	open, err := s.List(ctx, incident.StateOpen, 0)
	if err != nil {
		t.Fatalf("List open: %v", err)
	}
	if len(open) != 1 || open[0].ID != "i-new" {
		t.Errorf("open = %+v, want only i-new", open)
	}

	limited, err := s.List(ctx, "", 1)
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited = %d, want 1", len(limited))
	}
}

func TestTransition_NotFound(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.Transition(context.Background(), "missing", incident.TransitionRequest{To: incident.StateAcknowledged})
	if !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("Transition missing = %v, want ErrNotFound", err)
	}
}

func TestTransition_AtomicWithAudit(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, _, err := s.CreateIfAbsent(ctx, draft("i-1", "k-1")); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}

	// A rejected transition must leave the ledger untouched.
	if _, err := s.Transition(ctx, "i-1", incident.TransitionRequest{To: incident.StateOpen}); !errors.Is(err, incident.ErrStateUnchanged) {
		t.Fatalf("same-state transition = %v, want ErrStateUnchanged", err)
	}
	entries, _ := s.QueryAudit(ctx, incident.AuditFilter{IncidentID: "i-1"})
	if len(entries) != 1 {
		t.Fatalf("audit entries after rejected transition = %d, want 1", len(entries))
	}

	got, err := s.Transition(ctx, "i-1", incident.TransitionRequest{To: incident.StateInProgress, Actor: "sync"})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.State != incident.StateInProgress {
		t.Errorf("State = %q, want %q", got.State, incident.StateInProgress)
	}
	entries, _ = s.QueryAudit(ctx, incident.AuditFilter{IncidentID: "i-1"})
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
}

func TestSetTicketRef(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, _, err := s.CreateIfAbsent(ctx, draft("i-1", "k-1")); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}

	if err := s.SetTicketRef(ctx, "i-1", "OPS-7", "filed external ticket OPS-7"); err != nil {
		t.Fatalf("SetTicketRef: %v", err)
	}

	got, ok, err := s.GetByTicketRef(ctx, "OPS-7")
	if err != nil || !ok {
		t.Fatalf("GetByTicketRef: ok=%v err=%v", ok, err)
	}
	if got.ID != "i-1" {
		t.Errorf("ID = %q, want %q", got.ID, "i-1")
	}

	if err := s.SetTicketRef(ctx, "missing", "OPS-8", ""); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("SetTicketRef missing = %v, want ErrNotFound", err)
	}
}

func TestRecordSyncIgnored(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, _, err := s.CreateIfAbsent(ctx, draft("i-1", "k-1")); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}

	if err := s.RecordSyncIgnored(ctx, "i-1", "Blocked", "jira", "unmapped external status"); err != nil {
		t.Fatalf("RecordSyncIgnored: %v", err)
	}

	got, _, _ := s.Get(ctx, "i-1")
	if got.ExternalStatusCache != "Blocked" {
		t.Errorf("ExternalStatusCache = %q, want %q", got.ExternalStatusCache, "Blocked")
	}

	entries, _ := s.QueryAudit(ctx, incident.AuditFilter{IncidentID: "i-1", Transition: incident.TransitionExternalSyncIgnored})
	if len(entries) != 1 {
		t.Fatalf("ignored entries = %d, want 1", len(entries))
	}
	if entries[0].Actor != "jira" {
		t.Errorf("Actor = %q, want %q", entries[0].Actor, "jira")
	}

	if err := s.RecordSyncIgnored(ctx, "missing", "x", "", ""); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("RecordSyncIgnored missing = %v, want ErrNotFound", err)
	}
}

func TestQueryAudit_MonotonicIDs(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, _, err := s.CreateIfAbsent(ctx, draft("i-1", "k-1")); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if _, err := s.Transition(ctx, "i-1", incident.TransitionRequest{To: incident.StateInProgress}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := s.Transition(ctx, "i-1", incident.TransitionRequest{To: incident.StateAcknowledged, Actor: "oncall"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	entries, err := s.QueryAudit(ctx, incident.AuditFilter{IncidentID: "i-1"})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ID <= entries[i-1].ID {
			t.Errorf("IDs not strictly increasing: %d then %d", entries[i-1].ID, entries[i].ID)
		}
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	a := draft("i-a", "k-a")
	a.CreatedAt = time.Now().Add(-time.Hour)
	b := draft("i-b", "k-b")
	for _, d := range []*incident.Incident{a, b} {
		if _, _, err := s.CreateIfAbsent(ctx, d); err != nil {
			t.Fatalf("CreateIfAbsent: %v", err)
		}
	}

	// Acknowledge i-a a full hour after creation; its P1 budget is 15m.
	if _, err := s.Transition(ctx, "i-a", incident.TransitionRequest{To: incident.StateAcknowledged, Actor: "oncall"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	sum, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Total != 2 {
		t.Errorf("Total = %d, want 2", sum.Total)
	}
	if sum.Open != 1 || sum.Acknowledged != 1 {
		t.Errorf("Open=%d Acknowledged=%d, want 1 and 1", sum.Open, sum.Acknowledged)
	}
	if sum.SLABreached != 1 {
		t.Errorf("SLABreached = %d, want 1", sum.SLABreached)
	}
	if sum.AvgAckSeconds < 3599 || sum.AvgAckSeconds > 3601 {
		t.Errorf("AvgAckSeconds = %v, want ~3600", sum.AvgAckSeconds)
	}
	if sum.MTTRMinutes < 59.9 || sum.MTTRMinutes > 60.1 {
		t.Errorf("MTTRMinutes = %v, want ~60", sum.MTTRMinutes)
	}
	if sum.AuditEntries != 3 {
		t.Errorf("AuditEntries = %d, want 3", sum.AuditEntries)
	}
}
