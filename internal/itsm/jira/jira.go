// Package jira files external tracker tickets for new incidents via the
// Jira REST API.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/docket/internal/incident"
)

const (
	maxDescriptionLen = 30000
	httpTimeout       = 15 * time.Second
)

// Client files issues in a Jira project. It implements incident.TicketFiler.
type Client struct {
	baseURL    string
	email      string
	apiToken   string
	projectKey string
	issueType  string
	client     *http.Client
}

// New creates a Jira client. issueType defaults to "Task" when empty.
func New(baseURL, email, apiToken, projectKey, issueType string) *Client {
	if issueType == "" {
		issueType = "Task"
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		email:      email,
		apiToken:   apiToken,
		projectKey: projectKey,
		issueType:  issueType,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

type createRequest struct {
	Fields issueFields `json:"fields"`
}

type issueFields struct {
	Project     keyRef   `json:"project"`
	IssueType   nameRef  `json:"issuetype"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	Priority    nameRef  `json:"priority"`
	Labels      []string `json:"labels,omitempty"`
}

type keyRef struct {
	Key string `json:"key"`
}

type nameRef struct {
	Name string `json:"name"`
}

type createResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// File creates a Jira issue for the incident and returns its key.
func (c *Client) File(ctx context.Context, inc *incident.Incident) (string, error) {
	body, err := json.Marshal(createRequest{Fields: issueFields{
		Project:     keyRef{Key: c.projectKey},
		IssueType:   nameRef{Name: c.issueType},
		Summary:     fmt.Sprintf("[%s] %s failure: %s", inc.Diagnostic.Priority, inc.Source, inc.DisplayName),
		Description: buildDescription(inc),
		Priority:    nameRef{Name: priorityName(inc.Diagnostic.Priority)},
		Labels:      []string{"docket", string(inc.Source)},
	}})
	if err != nil {
		return "", fmt.Errorf("jira: marshal issue: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/rest/api/2/issue", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("jira: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.email, c.apiToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("jira: post issue: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("jira: create issue returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out createResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("jira: decode response: %w", err)
	}
	if out.Key == "" {
		return "", fmt.Errorf("jira: create response missing issue key")
	}
	return out.Key, nil
}

func buildDescription(inc *incident.Incident) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Incident %s\n\n", inc.ID)
	fmt.Fprintf(&b, "*Source:* %s\n", inc.Source)
	fmt.Fprintf(&b, "*Severity:* %s\n", inc.Diagnostic.Severity)
	fmt.Fprintf(&b, "*SLA budget:* %s\n", inc.SLABudget)
	fmt.Fprintf(&b, "*Created:* %s\n\n", inc.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"))

	fmt.Fprintf(&b, "h3. Failure\n%s\n\n", inc.Description)
	fmt.Fprintf(&b, "h3. Diagnosis\n%s\n", inc.Diagnostic.Narrative)

	if len(inc.Diagnostic.SuggestedActions) > 0 {
		b.WriteString("\nh3. Suggested actions\n")
		for _, a := range inc.Diagnostic.SuggestedActions {
			fmt.Fprintf(&b, "* %s\n", a)
		}
	}

	return truncate(b.String(), maxDescriptionLen)
}

func priorityName(p incident.Priority) string {
	switch p {
	case incident.PriorityP1:
		return "Highest"
	case incident.PriorityP2:
		return "High"
	case incident.PriorityP3:
		return "Medium"
	case incident.PriorityP4:
		return "Low"
	default:
		return "Medium"
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
