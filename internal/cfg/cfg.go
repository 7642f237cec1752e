package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/linnemanlabs/docket/internal/incident"
)

// Config adds docket-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string

	ClaudeAPIKey string
	ClaudeModel  string

	SlackWebhookURL string

	JiraBaseURL    string
	JiraEmail      string
	JiraAPIToken   string
	JiraProjectKey string
	JiraIssueType  string

	ITSMWebhookSecret string
	ITSMStatusMap     string
	ReopenOnExternal  bool

	SLABudgetP1 time.Duration
	SLABudgetP2 time.Duration
	SLABudgetP3 time.Duration
	SLABudgetP4 time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token protecting /api/v1 (empty = no auth)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude diagnostic collaborator (empty = deterministic fallback)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for state-change notifications")
	fs.StringVar(&c.JiraBaseURL, "jira-base-url", "", "Jira base URL for ticket filing (empty = no external tracker)")
	fs.StringVar(&c.JiraEmail, "jira-email", "", "Jira account email for basic auth")
	fs.StringVar(&c.JiraAPIToken, "jira-api-token", "", "Jira API token for basic auth")
	fs.StringVar(&c.JiraProjectKey, "jira-project-key", "", "Jira project key tickets are filed under")
	fs.StringVar(&c.JiraIssueType, "jira-issue-type", "Task", "Jira issue type for filed tickets")
	fs.StringVar(&c.ITSMWebhookSecret, "itsm-webhook-secret", "", "shared secret required on /webhook/itsm (empty = webhook disabled)")
	fs.StringVar(&c.ITSMStatusMap, "itsm-status-map", "", "external status overrides as raw=state,raw=state (empty = built-in Jira map)")
	fs.BoolVar(&c.ReopenOnExternal, "reopen-on-external-signal", false, "allow external reopen signals to move acknowledged incidents back to open")
	fs.DurationVar(&c.SLABudgetP1, "sla-p1", incident.DefaultBudgetP1, "acknowledgment budget for P1 incidents")
	fs.DurationVar(&c.SLABudgetP2, "sla-p2", incident.DefaultBudgetP2, "acknowledgment budget for P2 incidents")
	fs.DurationVar(&c.SLABudgetP3, "sla-p3", incident.DefaultBudgetP3, "acknowledgment budget for P3 incidents")
	fs.DurationVar(&c.SLABudgetP4, "sla-p4", incident.DefaultBudgetP4, "acknowledgment budget for P4 incidents")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Jira fields are all-or-nothing
	if c.JiraBaseURL != "" {
		if c.JiraEmail == "" {
			errs = append(errs, errors.New("JIRA_EMAIL is required when JIRA_BASE_URL is set"))
		}
		if c.JiraAPIToken == "" {
			errs = append(errs, errors.New("JIRA_API_TOKEN is required when JIRA_BASE_URL is set"))
		}
		if c.JiraProjectKey == "" {
			errs = append(errs, errors.New("JIRA_PROJECT_KEY is required when JIRA_BASE_URL is set"))
		}
	}

	if _, err := incident.ParseStatusMap(c.ITSMStatusMap); err != nil {
		errs = append(errs, fmt.Errorf("invalid ITSM_STATUS_MAP: %w", err))
	}

	if _, err := incident.NewSLAPolicy(c.SLABudgetP1, c.SLABudgetP2, c.SLABudgetP3, c.SLABudgetP4); err != nil {
		errs = append(errs, fmt.Errorf("invalid SLA budgets: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// StatusMap returns the parsed external status overrides, or nil when none
// are configured. Validate must have passed.
func (c *Config) StatusMap() incident.StatusMap {
	m, _ := incident.ParseStatusMap(c.ITSMStatusMap)
	return m
}

// SLAPolicy returns the configured budget policy. Validate must have passed.
func (c *Config) SLAPolicy() *incident.SLAPolicy {
	p, err := incident.NewSLAPolicy(c.SLABudgetP1, c.SLABudgetP2, c.SLABudgetP3, c.SLABudgetP4)
	if err != nil {
		panic(err)
	}
	return p
}
