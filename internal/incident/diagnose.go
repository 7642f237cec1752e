package incident

import (
	"context"

	"github.com/linnemanlabs/docket/internal/event"
)

// Diagnoser assesses a failure event and returns the diagnostic record
// attached at incident creation. Implementations live under internal/llm.
type Diagnoser interface {
	Diagnose(ctx context.Context, ev *event.Event) (*Diagnostic, error)
}

// DiagnoserFunc adapts a plain function to Diagnoser.
type DiagnoserFunc func(ctx context.Context, ev *event.Event) (*Diagnostic, error)

// Diagnose implements Diagnoser.
func (f DiagnoserFunc) Diagnose(ctx context.Context, ev *event.Event) (*Diagnostic, error) {
	return f(ctx, ev)
}

// FallbackDiagnostic is the conservative record used when no diagnoser is
// configured or the call fails. Ingest never fails on diagnosis: medium
// severity and a P3 budget leave room to escalate once somebody looks.
func FallbackDiagnostic(ev *event.Event) *Diagnostic {
	return &Diagnostic{
		Narrative:  "Automated diagnosis unavailable. Manual investigation required for " + ev.DisplayName + ".",
		ErrorKind:  "unknown",
		Severity:   SeverityMedium,
		Priority:   PriorityP3,
		Confidence: "low",
	}
}
