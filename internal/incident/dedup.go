package incident

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/linnemanlabs/docket/internal/event"
)

// KeyVersion prefixes every dedup key so a change to key construction (for
// example the cluster time-bucket granularity) is an explicit policy change,
// not a silent behavior change.
const KeyVersion = "v1"

// clusterBucket is the collapse window for polling-observed cluster
// failures: repeated reports of one failure inside the same minute share a
// key, a recurrence in a later minute gets a new one.
const clusterBucket = time.Minute

// ResolveKey maps a normalized event to its canonical dedup key.
// lowConfidence is true when the event lacked a natural identity and the
// key was derived from display name and description instead.
func ResolveKey(ev *event.Event) (key string, lowConfidence bool) {
	switch ev.Source {
	case event.SourcePipelineRun, event.SourceComputeJob:
		if ev.RawEventID != "" {
			// raw_event_id is already globally unique per execution attempt
			return fmt.Sprintf("%s:%s:%s", KeyVersion, ev.Source, ev.RawEventID), false
		}
	case event.SourceComputeCluster:
		resource := ev.Meta(event.MetaResourceID)
		code := ev.Meta(event.MetaFailureCode)
		if resource != "" && code != "" {
			return fmt.Sprintf("%s:%s:%s:%s:%s",
				KeyVersion, ev.Source, resource, code, bucketOf(ev.OccurredAt)), false
		}
	}
	return fallbackKey(ev), true
}

// fallbackKey derives a key for events with no natural identity. Collisions
// are likelier here, so callers flag the incident as low-confidence dedup.
func fallbackKey(ev *event.Event) string {
	sum := sha256.Sum256([]byte(ev.Description))
	return fmt.Sprintf("%s:fallback:%s:%s:%s",
		KeyVersion, ev.Source, ev.DisplayName, hex.EncodeToString(sum[:])[:16])
}

func bucketOf(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Truncate(clusterBucket).Format("200601021504")
}
