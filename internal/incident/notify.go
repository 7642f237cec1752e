package incident

import "context"

// StateChange is the outbound event fired after each successful mutation.
// Delivery is at-least-once and fire-and-forget; consumers must tolerate
// duplicates and out-of-order delivery by re-fetching the incident.
type StateChange struct {
	IncidentID string
	NewState   State
	SLAOutcome SLAOutcome
}

// Notifier receives state changes. Implementations must not block the
// mutation path; errors are the implementation's to log.
type Notifier interface {
	Notify(ctx context.Context, ch StateChange)
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, ch StateChange)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, ch StateChange) { f(ctx, ch) }
