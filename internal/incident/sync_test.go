package incident

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// seedTicketed creates an open incident with an external ticket ref.
func seedTicketed(t *testing.T, store *mockStore, ref string) *Incident {
	t.Helper()
	draft := &Incident{
		ID:         "01JSYNC" + ref,
		DedupKey:   "v1:pipeline-run:" + ref,
		State:      StateOpen,
		CreatedAt:  time.Now().Add(-5 * time.Minute),
		SLABudget:  15 * time.Minute,
		SLAOutcome: OutcomePending,
	}
	inc, created, err := store.CreateIfAbsent(context.Background(), draft)
	if err != nil || !created {
		t.Fatalf("seed create: created=%v err=%v", created, err)
	}
	if err := store.SetTicketRef(context.Background(), inc.ID, ref, "filed external ticket "+ref); err != nil {
		t.Fatalf("seed ticket ref: %v", err)
	}
	return inc
}

func TestApply_MovesToInProgress(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	notifier := &recordingNotifier{}
	inc := seedTicketed(t, store, "OPS-1")
	y := NewSyncer(store, nil, false, notifier, log.Nop(), nil)

	res, err := y.Apply(context.Background(), StatusUpdate{TicketRef: "OPS-1", RawStatus: "In Progress", Actor: "jira"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Applied {
		t.Fatalf("Applied = false, reason %q", res.Reason)
	}
	if res.NewState != StateInProgress {
		t.Errorf("NewState = %q, want %q", res.NewState, StateInProgress)
	}

	got, _, _ := store.Get(context.Background(), inc.ID)
	if got.State != StateInProgress {
		t.Errorf("State = %q, want %q", got.State, StateInProgress)
	}
	if got.ExternalStatusCache != "In Progress" {
		t.Errorf("ExternalStatusCache = %q, want %q", got.ExternalStatusCache, "In Progress")
	}

	kinds := store.auditKinds(inc.ID)
	want := []TransitionType{TransitionCreated, TransitionTicketFiled, TransitionExternalSyncApplied}
	if len(kinds) != len(want) {
		t.Fatalf("audit kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("audit[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}

	if changes := notifier.all(); len(changes) != 1 || changes[0].NewState != StateInProgress {
		t.Errorf("notifications = %+v, want one in_progress change", changes)
	}
}

func TestApply_AckViaExternalSetsOutcome(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	inc := seedTicketed(t, store, "OPS-2")
	y := NewSyncer(store, nil, false, nil, log.Nop(), nil)

	res, err := y.Apply(context.Background(), StatusUpdate{TicketRef: "OPS-2", RawStatus: "Done", Actor: "jira"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Applied || res.NewState != StateAcknowledged {
		t.Fatalf("result = %+v, want applied acknowledged", res)
	}

	got, _, _ := store.Get(context.Background(), inc.ID)
	if got.SLAOutcome != OutcomeMet {
		t.Errorf("SLAOutcome = %q, want %q (5m latency within 15m budget)", got.SLAOutcome, OutcomeMet)
	}
	if got.AcknowledgedBy != "jira" {
		t.Errorf("AcknowledgedBy = %q, want %q", got.AcknowledgedBy, "jira")
	}
}

func TestApply_UnknownTicketRef(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	y := NewSyncer(store, nil, false, nil, log.Nop(), nil)

	res, err := y.Apply(context.Background(), StatusUpdate{TicketRef: "OPS-404", RawStatus: "Done"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Applied {
		t.Error("unknown ticket ref must not apply")
	}
	if res.Reason != "unknown ticket ref" {
		t.Errorf("Reason = %q, want %q", res.Reason, "unknown ticket ref")
	}
	if len(store.audit) != 0 {
		t.Errorf("audit entries = %d, want 0 for unknown ref", len(store.audit))
	}
}

func TestApply_MissingTicketRef(t *testing.T) {
	t.Parallel()

	y := NewSyncer(newMockStore(), nil, false, nil, log.Nop(), nil)
	res, err := y.Apply(context.Background(), StatusUpdate{RawStatus: "Done"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Applied || res.Reason != "missing ticket ref" {
		t.Errorf("result = %+v, want missing ticket ref", res)
	}
}

func TestApply_UnmappedStatusRecordedIgnore(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	inc := seedTicketed(t, store, "OPS-3")
	y := NewSyncer(store, nil, false, nil, log.Nop(), nil)

	res, err := y.Apply(context.Background(), StatusUpdate{TicketRef: "OPS-3", RawStatus: "Blocked On Vendor"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Applied {
		t.Error("unmapped status must not apply")
	}

	got, _, _ := store.Get(context.Background(), inc.ID)
	if got.State != StateOpen {
		t.Errorf("State = %q, want unchanged %q", got.State, StateOpen)
	}
	if got.ExternalStatusCache != "Blocked On Vendor" {
		t.Errorf("ExternalStatusCache = %q, want raw status cached", got.ExternalStatusCache)
	}

	kinds := store.auditKinds(inc.ID)
	if kinds[len(kinds)-1] != TransitionExternalSyncIgnored {
		t.Errorf("last audit = %q, want %q", kinds[len(kinds)-1], TransitionExternalSyncIgnored)
	}
}

func TestApply_SameStateIsRecordedNoop(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	inc := seedTicketed(t, store, "OPS-4")
	y := NewSyncer(store, nil, false, nil, log.Nop(), nil)

	res, err := y.Apply(context.Background(), StatusUpdate{TicketRef: "OPS-4", RawStatus: "To Do"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Applied {
		t.Error("same-state update must not apply")
	}
	if res.Reason != "state unchanged" {
		t.Errorf("Reason = %q, want %q", res.Reason, "state unchanged")
	}

	kinds := store.auditKinds(inc.ID)
	if kinds[len(kinds)-1] != TransitionExternalSyncIgnored {
		t.Errorf("last audit = %q, want %q", kinds[len(kinds)-1], TransitionExternalSyncIgnored)
	}
}

func TestApply_ReopenGatedByConfig(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T, allowReopen bool) (*mockStore, *Syncer, *Incident) {
		t.Helper()
		store := newMockStore()
		inc := seedTicketed(t, store, "OPS-5")
		if _, err := store.Transition(context.Background(), inc.ID, TransitionRequest{To: StateAcknowledged, Actor: "oncall"}); err != nil {
			t.Fatalf("seed ack: %v", err)
		}
		return store, NewSyncer(store, nil, allowReopen, nil, log.Nop(), nil), inc
	}

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		store, y, inc := setup(t, false)

		res, err := y.Apply(context.Background(), StatusUpdate{TicketRef: "OPS-5", RawStatus: "Reopened"})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if res.Applied {
			t.Error("reopen must not apply when disabled")
		}
		if res.Reason != "reopen disabled" {
			t.Errorf("Reason = %q, want %q", res.Reason, "reopen disabled")
		}
		got, _, _ := store.Get(context.Background(), inc.ID)
		if got.State != StateAcknowledged {
			t.Errorf("State = %q, want unchanged %q", got.State, StateAcknowledged)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		t.Parallel()
		store, y, inc := setup(t, true)

		res, err := y.Apply(context.Background(), StatusUpdate{TicketRef: "OPS-5", RawStatus: "Reopened"})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if !res.Applied || res.NewState != StateOpen {
			t.Fatalf("result = %+v, want applied open", res)
		}
		got, _, _ := store.Get(context.Background(), inc.ID)
		if got.AcknowledgedBy != "oncall" {
			t.Errorf("AcknowledgedBy = %q, want %q (fixed at first ack)", got.AcknowledgedBy, "oncall")
		}
	})
}

func TestApply_CustomStatusMap(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	seedTicketed(t, store, "OPS-6")
	m := StatusMap{"fixed": StateAcknowledged}
	y := NewSyncer(store, m, false, nil, log.Nop(), nil)

	res, err := y.Apply(context.Background(), StatusUpdate{TicketRef: "OPS-6", RawStatus: "FIXED"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Applied || res.NewState != StateAcknowledged {
		t.Errorf("result = %+v, want applied acknowledged (case-insensitive match)", res)
	}
}

func TestParseStatusMap(t *testing.T) {
	t.Parallel()

	t.Run("empty returns nil", func(t *testing.T) {
		t.Parallel()
		m, err := ParseStatusMap("  ")
		if err != nil {
			t.Fatalf("ParseStatusMap: %v", err)
		}
		if m != nil {
			t.Errorf("map = %v, want nil", m)
		}
	})

	t.Run("valid pairs", func(t *testing.T) {
		t.Parallel()
		m, err := ParseStatusMap("Fixed=acknowledged, Working On It =in_progress")
		if err != nil {
			t.Fatalf("ParseStatusMap: %v", err)
		}
		if m["fixed"] != StateAcknowledged {
			t.Errorf("m[fixed] = %q, want %q", m["fixed"], StateAcknowledged)
		}
		if m["working on it"] != StateInProgress {
			t.Errorf("m[working on it] = %q, want %q", m["working on it"], StateInProgress)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		for _, s := range []string{"Done:acknowledged", "Done=finished", "=open"} {
			if _, err := ParseStatusMap(s); err == nil {
				t.Errorf("ParseStatusMap(%q) = nil error, want error", s)
			}
		}
	})
}

func TestDefaultStatusMap(t *testing.T) {
	t.Parallel()

	m := DefaultStatusMap()
	tests := []struct {
		raw  string
		want State
	}{
		{"done", StateAcknowledged},
		{"resolved", StateAcknowledged},
		{"closed", StateAcknowledged},
		{"in progress", StateInProgress},
		{"in review", StateInProgress},
		{"to do", StateOpen},
		{"reopened", StateOpen},
	}
	for _, tt := range tests {
		if got := m[tt.raw]; got != tt.want {
			t.Errorf("m[%q] = %q, want %q", tt.raw, got, tt.want)
		}
	}
	if _, ok := m["blocked"]; ok {
		t.Error("unexpected mapping for blocked")
	}
}
