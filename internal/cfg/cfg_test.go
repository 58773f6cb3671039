package cfg

import (
	"flag"
	"math"
	"slices"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		RulesetVersion:        "posture-v1",
		TenantHeader:          "X-Tenant-Id",
		APIToken:              "test-token-123",
		SweepSchedule:         "@every 15m",
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.RulesetVersion != "posture-v1" {
		t.Errorf("RulesetVersion = %q, want %q", c.RulesetVersion, "posture-v1")
	}
	if c.TenantHeader != "X-Tenant-Id" {
		t.Errorf("TenantHeader = %q, want %q", c.TenantHeader, "X-Tenant-Id")
	}
	if c.SweepSchedule != "@every 15m" {
		t.Errorf("SweepSchedule = %q, want %q", c.SweepSchedule, "@every 15m")
	}
	if c.DetectionOnly {
		t.Error("DetectionOnly = true, want false")
	}
	if c.LifecyclePolicy != "" {
		t.Errorf("LifecyclePolicy = %q, want empty", c.LifecyclePolicy)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-database-url", "postgres://localhost/vantage",
		"-redis-url", "redis://localhost:6379/0",
		"-evidence-ttl", "720h",
		"-ruleset-version", "posture-strict-v1",
		"-detection-only",
		"-tenant-tokens", "acme=tok-a",
		"-lifecycle-policy", "/etc/vantage/lifecycle.yaml",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.DatabaseURL != "postgres://localhost/vantage" {
		t.Errorf("DatabaseURL = %q", c.DatabaseURL)
	}
	if c.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", c.RedisURL)
	}
	if c.EvidenceTTL != 720*time.Hour {
		t.Errorf("EvidenceTTL = %s, want 720h", c.EvidenceTTL)
	}
	if c.RulesetVersion != "posture-strict-v1" {
		t.Errorf("RulesetVersion = %q, want %q", c.RulesetVersion, "posture-strict-v1")
	}
	if !c.DetectionOnly {
		t.Error("DetectionOnly = false, want true")
	}
	if c.TenantTokens != "acme=tok-a" {
		t.Errorf("TenantTokens = %q", c.TenantTokens)
	}
	if c.LifecyclePolicy != "/etc/vantage/lifecycle.yaml" {
		t.Errorf("LifecyclePolicy = %q", c.LifecyclePolicy)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	with := func(fn func(*Config)) Config {
		c := validBase()
		fn(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name: "minimum valid values",
			cfg: Config{
				DrainSeconds: 1, ShutdownBudgetSeconds: 2, APIPort: 1,
				RulesetVersion: "v", TenantHeader: "h", APIToken: "t",
			},
			wantErr: false,
		},
		{
			name: "maximum valid values",
			cfg: Config{
				DrainSeconds: 299, ShutdownBudgetSeconds: 300, APIPort: 65535,
				RulesetVersion: "v", TenantHeader: "h", APIToken: "t",
			},
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 300, 300 }),
			wantErr: true, // budget must be greater than drain
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget zero",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:    "budget is drain plus one",
			cfg:     with(func(c *Config) { c.ShutdownBudgetSeconds = 61 }),
			wantErr: false,
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Evidence TTL
		{
			name:      "negative evidence ttl",
			cfg:       with(func(c *Config) { c.EvidenceTTL = -time.Second }),
			wantErr:   true,
			errSubstr: []string{"EVIDENCE_TTL"},
		},
		// Ruleset
		{
			name:      "empty ruleset version",
			cfg:       with(func(c *Config) { c.RulesetVersion = "" }),
			wantErr:   true,
			errSubstr: []string{"RULESET_VERSION"},
		},
		{
			name:    "empty ruleset version in detection-only mode",
			cfg:     with(func(c *Config) { c.RulesetVersion, c.DetectionOnly = "", true }),
			wantErr: false,
		},
		// Auth
		{
			name:      "no tokens at all",
			cfg:       with(func(c *Config) { c.APIToken = "" }),
			wantErr:   true,
			errSubstr: []string{"API_TOKEN or TENANT_TOKENS"},
		},
		{
			name:    "tenant tokens only",
			cfg:     with(func(c *Config) { c.APIToken, c.TenantTokens = "", "acme=tok-a, globex=tok-g" }),
			wantErr: false,
		},
		{
			name:      "malformed tenant tokens",
			cfg:       with(func(c *Config) { c.TenantTokens = "acme" }),
			wantErr:   true,
			errSubstr: []string{"TENANT_TOKENS"},
		},
		{
			name:      "token bound to two tenants",
			cfg:       with(func(c *Config) { c.TenantTokens = "acme=tok,globex=tok" }),
			wantErr:   true,
			errSubstr: []string{"TENANT_TOKENS"},
		},
		{
			name:      "empty tenant header",
			cfg:       with(func(c *Config) { c.TenantHeader = "" }),
			wantErr:   true,
			errSubstr: []string{"TENANT_HEADER"},
		},
		// Lifecycle policy
		{
			name:    "yaml lifecycle policy",
			cfg:     with(func(c *Config) { c.LifecyclePolicy = "/etc/vantage/lifecycle.yml" }),
			wantErr: false,
		},
		{
			name:      "lifecycle policy not yaml",
			cfg:       with(func(c *Config) { c.LifecyclePolicy = "/etc/vantage/lifecycle.json" }),
			wantErr:   true,
			errSubstr: []string{"LIFECYCLE_POLICY"},
		},
		{
			name:      "lifecycle policy in detection-only mode",
			cfg:       with(func(c *Config) { c.LifecyclePolicy, c.DetectionOnly = "policy.yaml", true }),
			wantErr:   true,
			errSubstr: []string{"LIFECYCLE_POLICY", "DETECTION_ONLY"},
		},
		// Sweep schedule
		{
			name:    "cron expression schedule",
			cfg:     with(func(c *Config) { c.SweepSchedule = "*/5 * * * *" }),
			wantErr: false,
		},
		{
			name:    "disabled sweep",
			cfg:     with(func(c *Config) { c.SweepSchedule = "" }),
			wantErr: false,
		},
		{
			name:      "bad schedule",
			cfg:       with(func(c *Config) { c.SweepSchedule = "every tuesday" }),
			wantErr:   true,
			errSubstr: []string{"SWEEP_SCHEDULE"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{DrainSeconds: 0, ShutdownBudgetSeconds: 0, APIPort: 0, SweepSchedule: "nope"},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "RULESET_VERSION", "TENANT_HEADER", "API_TOKEN", "SWEEP_SCHEDULE"},
		},
		// Extreme values
		{
			name: "extreme negative values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
			}),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func TestParseTenantTokens(t *testing.T) {
	t.Parallel()

	c := Config{TenantTokens: " acme = tok-a ,globex=tok-g,, acme=tok-a2"}
	got, err := c.ParseTenantTokens()
	if err != nil {
		t.Fatalf("ParseTenantTokens: %v", err)
	}
	want := map[string]string{"tok-a": "acme", "tok-g": "globex", "tok-a2": "acme"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for tok, tenant := range want {
		if got[tok] != tenant {
			t.Errorf("token %q -> %q, want %q", tok, got[tok], tenant)
		}
	}
}

func TestTenants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{"from tokens", Config{TenantTokens: "globex=g,acme=a,acme=a2"}, []string{"acme", "globex"}},
		{"explicit list wins", Config{TenantTokens: "acme=a", SweepTenants: "zeta, beta,beta"}, []string{"beta", "zeta"}},
		{"none", Config{APIToken: "shared"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.cfg.Tenants(); !slices.Equal(got, tt.want) {
				t.Errorf("Tenants() = %v, want %v", got, tt.want)
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port int
		version, token      string
	}{
		{60, 90, 8080, "posture-v1", "tok"},
		{1, 2, 1, "v", "t"},
		{299, 300, 65535, "v", "t"},
		{0, 0, 0, "", ""},
		{-1, -1, -1, "", ""},
		{300, 300, 65535, "v", "t"},
		{301, 302, 65536, "", ""},
		{150, 100, 8080, "v", "t"},
		{math.MinInt32, math.MinInt32, math.MinInt32, "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, "", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.version, s.token)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port int, version, token string) {
		c := Config{
			DrainSeconds:          drain,
			ShutdownBudgetSeconds: budget,
			APIPort:               port,
			RulesetVersion:        version,
			TenantHeader:          "X-Tenant-Id",
			APIToken:              token,
		}
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		versionOK := version != ""
		tokenOK := token != ""

		allValid := drainOK && budgetOK && portOK && crossOK && versionOK && tokenOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
