// Package event defines the normalized failure event that is the engine's
// only input contract. Per-platform webhook parsing lives upstream; by the
// time an event reaches this package it has one fixed, total schema.
package event

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies the kind of platform resource that failed.
type Source string

const (
	SourcePipelineRun    Source = "pipeline-run"
	SourceComputeJob     Source = "compute-job"
	SourceComputeCluster Source = "compute-cluster"
)

// Metadata keys recognized by the dedup key resolver for cluster events.
const (
	MetaResourceID  = "resource_id"
	MetaFailureCode = "failure_code"
)

// Event is a normalized failure notification from an external data-pipeline
// platform.
type Event struct {
	Source      Source            `json:"source"`
	DisplayName string            `json:"display_name"`
	RawEventID  string            `json:"raw_event_id,omitempty"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at,omitempty"`
}

// ValidationError reports a malformed inbound event. It is rejected before
// reaching the dedup resolver and never silently dropped.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

// Validate checks the event against the engine's input contract.
func (ev *Event) Validate() error {
	switch ev.Source {
	case SourcePipelineRun, SourceComputeJob, SourceComputeCluster:
	case "":
		return &ValidationError{Field: "source", Reason: "required"}
	default:
		return &ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", ev.Source)}
	}

	if strings.TrimSpace(ev.DisplayName) == "" {
		return &ValidationError{Field: "display_name", Reason: "required"}
	}
	if strings.TrimSpace(ev.Description) == "" {
		return &ValidationError{Field: "description", Reason: "required"}
	}
	return nil
}

// Meta returns the metadata value for key, or "" when absent.
func (ev *Event) Meta(key string) string {
	if ev.Metadata == nil {
		return ""
	}
	return ev.Metadata[key]
}
