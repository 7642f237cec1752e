package incident

import (
	"fmt"
	"time"
)

// Default response-time budgets per priority. P1 mirrors "fix immediately",
// P4 "fix within a day".
const (
	DefaultBudgetP1 = 15 * time.Minute
	DefaultBudgetP2 = 30 * time.Minute
	DefaultBudgetP3 = 2 * time.Hour
	DefaultBudgetP4 = 24 * time.Hour
)

// SLAPolicy is a pure lookup from priority to response-time budget. The
// engine computes the outcome once, at acknowledgment; live countdowns are a
// presentation-layer derivation and no timers run here.
type SLAPolicy struct {
	budgets map[Priority]time.Duration
}

// NewSLAPolicy builds a policy from per-priority budgets. Budgets must be
// positive and monotonically non-decreasing P1..P4.
func NewSLAPolicy(p1, p2, p3, p4 time.Duration) (*SLAPolicy, error) {
	ordered := []time.Duration{p1, p2, p3, p4}
	for i, b := range ordered {
		if b <= 0 {
			return nil, fmt.Errorf("sla budget P%d must be positive, got %v", i+1, b)
		}
		if i > 0 && b < ordered[i-1] {
			return nil, fmt.Errorf("sla budgets must be non-decreasing P1..P4: P%d (%v) < P%d (%v)",
				i+1, b, i, ordered[i-1])
		}
	}
	return &SLAPolicy{budgets: map[Priority]time.Duration{
		PriorityP1: p1,
		PriorityP2: p2,
		PriorityP3: p3,
		PriorityP4: p4,
	}}, nil
}

// DefaultSLAPolicy returns the policy with the built-in budgets.
func DefaultSLAPolicy() *SLAPolicy {
	p, err := NewSLAPolicy(DefaultBudgetP1, DefaultBudgetP2, DefaultBudgetP3, DefaultBudgetP4)
	if err != nil {
		panic(err) // defaults are static and valid
	}
	return p
}

// BudgetFor returns the response-time budget for a priority. Unknown
// priorities get the P3 budget, matching the diagnostic fallback.
func (p *SLAPolicy) BudgetFor(pr Priority) time.Duration {
	if b, ok := p.budgets[pr]; ok {
		return b
	}
	return p.budgets[PriorityP3]
}

// OutcomeFor resolves the SLA outcome for an acknowledgment latency.
func OutcomeFor(latency, budget time.Duration) SLAOutcome {
	if latency <= budget {
		return OutcomeMet
	}
	return OutcomeBreached
}

// PriorityForSeverity derives a priority when the diagnostic collaborator
// did not supply one.
func PriorityForSeverity(s Severity) Priority {
	switch s {
	case SeverityCritical:
		return PriorityP1
	case SeverityHigh:
		return PriorityP2
	case SeverityLow:
		return PriorityP4
	default:
		return PriorityP3
	}
}
