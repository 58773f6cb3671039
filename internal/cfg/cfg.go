package cfg

import (
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config adds service-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DatabaseURL           string
	RedisURL              string
	EvidenceTTL           time.Duration
	RulesetVersion        string
	RulesetDir            string
	LifecyclePolicy       string
	DetectionOnly         bool
	SlackWebhookURL       string
	APIToken              string
	TenantTokens          string
	TenantHeader          string
	SweepSchedule         string
	SweepTenants          string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store and ledger)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the evidence store (empty = in-memory evidence)")
	fs.DurationVar(&c.EvidenceTTL, "evidence-ttl", 0, "expiry for evidence written to Redis (0 = keep forever)")
	fs.StringVar(&c.RulesetVersion, "ruleset-version", "posture-v1", "posture ruleset version used for synthesis")
	fs.StringVar(&c.RulesetDir, "ruleset-dir", "", "directory of <version>.yaml rulesets (empty = embedded rulesets)")
	fs.StringVar(&c.LifecyclePolicy, "lifecycle-policy", "", "YAML file with the lifecycle transition suppression policy (empty = built-in policy)")
	fs.BoolVar(&c.DetectionOnly, "detection-only", false, "create signals only; skip lifecycle inference and posture synthesis")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for posture change notifications")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token accepted for every tenant")
	fs.StringVar(&c.TenantTokens, "tenant-tokens", "", "comma-separated tenant=token bindings")
	fs.StringVar(&c.TenantHeader, "tenant-header", "X-Tenant-Id", "request header carrying the tenant id")
	fs.StringVar(&c.SweepSchedule, "sweep-schedule", "@every 15m", "cron schedule for the TTL and reconciliation sweep (empty = disabled)")
	fs.StringVar(&c.SweepTenants, "sweep-tenants", "", "comma-separated tenants to sweep (empty = tenants from -tenant-tokens)")
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

	if c.EvidenceTTL < 0 {
		errs = append(errs, fmt.Errorf("invalid EVIDENCE_TTL %s (must not be negative)", c.EvidenceTTL))
	}

	if !c.DetectionOnly && c.RulesetVersion == "" {
		errs = append(errs, errors.New("RULESET_VERSION is required unless DETECTION_ONLY is set"))
	}

	if c.LifecyclePolicy != "" {
		switch ext := filepath.Ext(c.LifecyclePolicy); {
		case ext != ".yaml" && ext != ".yml":
			errs = append(errs, fmt.Errorf("invalid LIFECYCLE_POLICY %q (must be a .yaml or .yml file)", c.LifecyclePolicy))
		case c.DetectionOnly:
			errs = append(errs, errors.New("LIFECYCLE_POLICY has no effect when DETECTION_ONLY is set"))
		}
	}

	if c.TenantHeader == "" {
		errs = append(errs, errors.New("TENANT_HEADER is required"))
	}

	// At least one way to authenticate API callers
	tokens, err := c.ParseTenantTokens()
	if err != nil {
		errs = append(errs, err)
	}
	if c.APIToken == "" && len(tokens) == 0 {
		errs = append(errs, errors.New("API_TOKEN or TENANT_TOKENS is required"))
	}

	if c.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid SWEEP_SCHEDULE %q: %w", c.SweepSchedule, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ParseTenantTokens parses TenantTokens into a token -> tenant map.
func (c *Config) ParseTenantTokens() (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range splitList(c.TenantTokens) {
		tenant, token, ok := strings.Cut(pair, "=")
		tenant, token = strings.TrimSpace(tenant), strings.TrimSpace(token)
		if !ok || tenant == "" || token == "" {
			return nil, fmt.Errorf("invalid TENANT_TOKENS entry %q (want tenant=token)", pair)
		}
		if prev, dup := out[token]; dup && prev != tenant {
			return nil, fmt.Errorf("TENANT_TOKENS binds one token to tenants %q and %q", prev, tenant)
		}
		out[token] = tenant
	}
	return out, nil
}

// Tenants returns the tenants the sweep should visit, sorted and de-duplicated.
func (c *Config) Tenants() []string {
	tenants := splitList(c.SweepTenants)
	if len(tenants) == 0 {
		tokens, _ := c.ParseTenantTokens()
		for _, t := range tokens {
			tenants = append(tenants, t)
		}
	}
	slices.Sort(tenants)
	return slices.Compact(tenants)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
