package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Config adds inquest-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds                int
	ShutdownBudgetSeconds       int
	APIPort                     int
	APIToken                    string
	ClaudeAPIKey                string
	ClaudeModel                 string
	DatabaseURL                 string
	PolicyPath                  string
	DefaultSources              string
	LokiURL                     string
	LokiOrgID                   string
	PrometheusURL               string
	SlackWebhookURL             string
	MaxParallelSteps            int
	StepTimeoutSeconds          int
	InvestigationTimeoutSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token protecting the API (empty = no auth)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude reasoning provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.PolicyPath, "policy-path", "", "YAML response policy file (empty = built-in default)")
	fs.StringVar(&c.DefaultSources, "default-sources", "", "comma-separated connector names for default plans")
	fs.StringVar(&c.LokiURL, "loki-url", "", "Loki base URL for the log connector (empty = disabled)")
	fs.StringVar(&c.LokiOrgID, "loki-org-id", "", "X-Scope-OrgID sent to Loki (empty = none)")
	fs.StringVar(&c.PrometheusURL, "prometheus-url", "", "Prometheus base URL for the metrics connector (empty = disabled)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack incoming webhook for investigation outcomes (empty = disabled)")
	fs.IntVar(&c.MaxParallelSteps, "max-parallel-steps", 5, "concurrent investigation steps (1..64)")
	fs.IntVar(&c.StepTimeoutSeconds, "step-timeout-seconds", 60, "per-attempt step timeout (1..600)")
	fs.IntVar(&c.InvestigationTimeoutSeconds, "investigation-timeout-seconds", 600, "end-to-end investigation timeout (1..3600)")
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

	// Claude API key is required for the reasoning provider
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}

	// Claude model is required for the reasoning provider
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if c.MaxParallelSteps <= 0 || c.MaxParallelSteps > 64 {
		errs = append(errs, fmt.Errorf("invalid MAX_PARALLEL_STEPS %d (must be 1..64)", c.MaxParallelSteps))
	}
	if c.StepTimeoutSeconds <= 0 || c.StepTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid STEP_TIMEOUT_SECONDS %d (must be 1..600)", c.StepTimeoutSeconds))
	}
	if c.InvestigationTimeoutSeconds <= 0 || c.InvestigationTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid INVESTIGATION_TIMEOUT_SECONDS %d (must be 1..3600)", c.InvestigationTimeoutSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Sources splits the default-sources list, dropping empty entries.
func (c *Config) Sources() []string {
	var out []string
	for _, s := range strings.Split(c.DefaultSources, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
