package incident

import (
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/docket/internal/event"
)

func TestResolveKey_PipelineRun(t *testing.T) {
	t.Parallel()

	ev := &event.Event{
		Source:      event.SourcePipelineRun,
		DisplayName: "orders_daily",
		RawEventID:  "run-42",
		Description: "task failed",
	}
	key, low := ResolveKey(ev)
	if key != "v1:pipeline-run:run-42" {
		t.Errorf("key = %q, want %q", key, "v1:pipeline-run:run-42")
	}
	if low {
		t.Error("expected high-confidence key for raw event id")
	}
}

func TestResolveKey_ComputeJob(t *testing.T) {
	t.Parallel()

	ev := &event.Event{
		Source:      event.SourceComputeJob,
		DisplayName: "nightly-compaction",
		RawEventID:  "job-7-attempt-2",
		Description: "oom killed",
	}
	key, low := ResolveKey(ev)
	if key != "v1:compute-job:job-7-attempt-2" {
		t.Errorf("key = %q, want %q", key, "v1:compute-job:job-7-attempt-2")
	}
	if low {
		t.Error("expected high-confidence key for raw event id")
	}
}

func TestResolveKey_ClusterSameMinuteCollapses(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 14, 9, 26, 5, 0, time.UTC)
	mk := func(at time.Time) *event.Event {
		return &event.Event{
			Source:      event.SourceComputeCluster,
			DisplayName: "etl-prod",
			Description: "driver unresponsive",
			Metadata: map[string]string{
				event.MetaResourceID:  "c-9",
				event.MetaFailureCode: "DRIVER_UNREACHABLE",
			},
			OccurredAt: at,
		}
	}

	k1, low := ResolveKey(mk(base))
	if low {
		t.Error("expected high-confidence key for cluster with resource and code")
	}
	k2, _ := ResolveKey(mk(base.Add(40 * time.Second))) // same minute bucket
	if k1 != k2 {
		t.Errorf("same-minute keys differ: %q vs %q", k1, k2)
	}

	k3, _ := ResolveKey(mk(base.Add(2 * time.Minute)))
	if k1 == k3 {
		t.Errorf("later-minute recurrence should get a new key, got %q twice", k1)
	}
}

func TestResolveKey_ClusterMissingIdentityFallsBack(t *testing.T) {
	t.Parallel()

	ev := &event.Event{
		Source:      event.SourceComputeCluster,
		DisplayName: "etl-prod",
		Description: "driver unresponsive",
		Metadata:    map[string]string{event.MetaResourceID: "c-9"}, // no failure code
	}
	key, low := ResolveKey(ev)
	if !low {
		t.Error("expected low-confidence fallback key")
	}
	if !strings.HasPrefix(key, "v1:fallback:compute-cluster:etl-prod:") {
		t.Errorf("key = %q, want fallback prefix", key)
	}
}

func TestResolveKey_FallbackStable(t *testing.T) {
	t.Parallel()

	ev := &event.Event{
		Source:      event.SourcePipelineRun,
		DisplayName: "orders_daily",
		Description: "task failed: connection reset",
	}
	k1, low1 := ResolveKey(ev)
	k2, low2 := ResolveKey(ev)
	if !low1 || !low2 {
		t.Error("expected low-confidence keys without raw event id")
	}
	if k1 != k2 {
		t.Errorf("fallback key not stable: %q vs %q", k1, k2)
	}

	other := &event.Event{
		Source:      event.SourcePipelineRun,
		DisplayName: "orders_daily",
		Description: "task failed: disk full",
	}
	k3, _ := ResolveKey(other)
	if k1 == k3 {
		t.Error("different descriptions should yield different fallback keys")
	}
}
