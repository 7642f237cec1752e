// Package claude implements incident.Diagnoser on the Anthropic API.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/docket/internal/event"
	"github.com/linnemanlabs/docket/internal/incident"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "claude-sonnet-4-5"

	responseTokens = 1024
	callTimeout    = 60 * time.Second
)

// Client assesses failure events with a single Claude call per event.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a Claude-backed diagnoser.
func New(apiKey, model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

const systemPrompt = `You are an incident diagnosis assistant for data pipeline operations.
Given a failure notification, assess it and respond with ONLY a JSON object, no prose,
no markdown fences, with exactly these fields:

{
  "narrative": "one-paragraph root cause assessment",
  "error_kind": "short classification, e.g. timeout, schema_drift, oom, permission",
  "severity": "critical" | "high" | "medium" | "low",
  "confidence": "high" | "medium" | "low",
  "suggested_actions": ["action", ...],
  "auto_remediation_eligible": true | false
}

Be concise and operational. Severity drives the paging priority, so only use
"critical" for outages that need an immediate response.`

// diagnosticPayload is the JSON shape the model is asked to produce.
// Priority is derived here from severity, never taken from the model.
type diagnosticPayload struct {
	Narrative        string   `json:"narrative"`
	ErrorKind        string   `json:"error_kind"`
	Severity         string   `json:"severity"`
	Confidence       string   `json:"confidence"`
	SuggestedActions []string `json:"suggested_actions"`
	AutoRemediation  bool     `json:"auto_remediation_eligible"`
}

// Diagnose implements incident.Diagnoser.
func (c *Client) Diagnose(ctx context.Context, ev *event.Event) (*incident.Diagnostic, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: responseTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(ev))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("claude response had no text content")
	}

	payload, err := parsePayload(text)
	if err != nil {
		return nil, err
	}

	sev, ok := parseSeverity(payload.Severity)
	if !ok {
		return nil, fmt.Errorf("claude returned unknown severity %q", payload.Severity)
	}

	return &incident.Diagnostic{
		Narrative:        payload.Narrative,
		ErrorKind:        payload.ErrorKind,
		Severity:         sev,
		Priority:         incident.PriorityForSeverity(sev),
		Confidence:       payload.Confidence,
		SuggestedActions: payload.SuggestedActions,
		AutoRemediation:  payload.AutoRemediation,
	}, nil
}

func buildPrompt(ev *event.Event) string {
	meta, _ := json.MarshalIndent(ev.Metadata, "", "  ")

	return fmt.Sprintf(`Failure notification:
Source: %s
Name: %s
Occurred: %s

Description:
%s

Metadata:
%s

Assess this failure and respond with the JSON object described in your instructions.`,
		ev.Source,
		ev.DisplayName,
		ev.OccurredAt.Format(time.RFC3339),
		ev.Description,
		string(meta),
	)
}

// parsePayload tolerates markdown fences despite the instructions; models
// wrap JSON in them often enough to matter.
func parsePayload(text string) (*diagnosticPayload, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	var payload diagnosticPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal diagnostic: %w", err)
	}
	if payload.Narrative == "" {
		return nil, fmt.Errorf("diagnostic missing narrative")
	}
	return &payload, nil
}

func parseSeverity(s string) (incident.Severity, bool) {
	switch incident.Severity(strings.ToLower(strings.TrimSpace(s))) {
	case incident.SeverityCritical:
		return incident.SeverityCritical, true
	case incident.SeverityHigh:
		return incident.SeverityHigh, true
	case incident.SeverityMedium:
		return incident.SeverityMedium, true
	case incident.SeverityLow:
		return incident.SeverityLow, true
	default:
		return "", false
	}
}
