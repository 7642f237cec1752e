// Package slack announces incident state changes to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/docket/internal/incident"
)

const (
	maxNarrativeLen = 3000
	httpTimeout     = 10 * time.Second
)

// Getter fetches the current incident for a state change. Deliveries are
// at-least-once and unordered, so the notifier always re-fetches rather
// than trusting a snapshot.
type Getter interface {
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)
}

// Notifier posts incident state changes to a Slack webhook. It implements
// incident.Notifier; delivery is fire-and-forget off the mutation path.
type Notifier struct {
	webhookURL string
	getter     Getter
	logger     log.Logger
	client     *http.Client
}

// New creates a Slack notifier. If webhookURL is empty, every delivery is
// a no-op.
func New(webhookURL string, getter Getter, logger log.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		getter:     getter,
		logger:     logger,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Notify implements incident.Notifier.
func (n *Notifier) Notify(ctx context.Context, ch incident.StateChange) {
	if n.webhookURL == "" {
		return
	}
	go func(ctx context.Context) {
		if err := n.Send(ctx, ch); err != nil {
			n.logger.Error(ctx, err, "slack delivery failed", "incident_id", ch.IncidentID)
		}
	}(context.WithoutCancel(ctx))
}

// Send posts one state change synchronously. Notify uses it; tests call it
// directly.
func (n *Notifier) Send(ctx context.Context, ch incident.StateChange) error {
	if n.webhookURL == "" {
		return nil
	}

	inc, ok, err := n.getter.Get(ctx, ch.IncidentID)
	if err != nil {
		return fmt.Errorf("slack: fetch incident: %w", err)
	}
	if !ok {
		return fmt.Errorf("slack: incident %s not found", ch.IncidentID)
	}

	body, err := json.Marshal(buildMessage(inc, ch))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(inc *incident.Incident, ch incident.StateChange) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(inc, ch),
			{"type": "divider"},
			fieldsBlock(inc),
			{"type": "divider"},
			narrativeBlock(inc),
			{"type": "divider"},
			contextBlock(inc),
		},
	}
}

func headerBlock(inc *incident.Incident, ch incident.StateChange) map[string]any {
	text := fmt.Sprintf("%s %s: %s", severityEmoji(inc.Diagnostic.Severity), stateTitle(ch.NewState), inc.DisplayName)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(inc *incident.Incident) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*State:* %s", inc.State),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s", inc.Diagnostic.Severity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Priority:* %s", inc.Diagnostic.Priority),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*SLA budget:* %s", inc.SLABudget),
		},
	}

	if inc.SLAOutcome != incident.OutcomePending {
		fields = append(fields,
			map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*SLA:* %s", inc.SLAOutcome),
			},
			map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Ack latency:* %s", inc.AckLatency.Round(time.Second)),
			},
		)
	}
	if inc.ExternalTicketRef != "" {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Ticket:* %s", inc.ExternalTicketRef),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func narrativeBlock(inc *incident.Incident) map[string]any {
	text := truncate(inc.Diagnostic.Narrative, maxNarrativeLen)
	if text == "" {
		text = "_No diagnosis available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Diagnosis*\n\n%s", text),
		},
	}
}

func contextBlock(inc *incident.Incident) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("docket • incident %s • %s", inc.ID, inc.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func stateTitle(st incident.State) string {
	switch st {
	case incident.StateOpen:
		return "Incident Open"
	case incident.StateInProgress:
		return "Incident In Progress"
	case incident.StateAcknowledged:
		return "Incident Acknowledged"
	default:
		return "Incident Updated"
	}
}

func severityEmoji(sev incident.Severity) string {
	switch sev {
	case incident.SeverityCritical:
		return "\U0001f534" // red circle
	case incident.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case incident.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
