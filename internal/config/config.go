// Package config loads the agent's configuration from a YAML file plus
// environment-variable secrets: raw-string duration fields are parsed in a
// setDefaults pass, then validated, and secrets are read only from the
// environment, never from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashmere/renovateagent/internal/cache"
)

// OperationMode selects which event sources are active.
type OperationMode string

// OperationMode values.
const (
	ModePoll    OperationMode = "poll"
	ModeWebhook OperationMode = "webhook"
	ModeDual    OperationMode = "dual"
)

// DashboardCreationMode mirrors internal/state.CreationMode as a YAML-facing
// string, converted by the caller that wires internal/state.
type DashboardCreationMode string

// DashboardCreationMode values.
const (
	CreationAlways             DashboardCreationMode = "always"
	CreationRenovatePRsPresent DashboardCreationMode = "renovate-prs-present"
	CreationTestReposOnly      DashboardCreationMode = "test-repos-only"
	CreationNever              DashboardCreationMode = "never"
)

// PollConfig holds the poll.* option group. Adaptive is a pointer so an
// absent YAML key can be told apart from an explicit false; it defaults to
// true when unset.
type PollConfig struct {
	RawBaseInterval    string        `yaml:"base_interval_seconds"`
	RawMaxInterval     string        `yaml:"max_interval_seconds"`
	BaseInterval       time.Duration `yaml:"-"`
	MaxInterval        time.Duration `yaml:"-"`
	MaxConcurrentRepos int           `yaml:"max_concurrent_repos"`
	Adaptive           *bool         `yaml:"adaptive,omitempty"`
	Repositories       []string      `yaml:"repositories"`
}

// AdaptiveOrDefault returns the configured value, or true if unset.
func (p PollConfig) AdaptiveOrDefault() bool {
	return p.Adaptive == nil || *p.Adaptive
}

// BotConfig holds the bot.* and branch.* option groups.
type BotConfig struct {
	Identities   []string `yaml:"identities"`
	BranchPrefix []string `yaml:"branch_prefix"`
}

// ApprovalConfig holds the approval.* option group.
type ApprovalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Body    string `yaml:"body"`
}

// FixConfig holds the fix.* option group.
type FixConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Languages []string `yaml:"languages"`
}

// RateConfig holds the rate.* option group, mapped onto
// internal/ratelimit.Config.
type RateConfig struct {
	Buffer            int     `yaml:"buffer"`
	ThrottleThreshold float64 `yaml:"throttle_threshold"`
	ThrottleFactor    float64 `yaml:"throttle_factor"`
	// PacingPerSecond and PacingBurst size the per-repository PacingLimiter
	// smoothing outbound PlatformClient calls; PacingPerSecond <= 0 disables
	// pacing entirely (the Governor's quota-window admission still applies).
	PacingPerSecond float64 `yaml:"pacing_per_second"`
	PacingBurst     int     `yaml:"pacing_burst"`
}

// DashboardConfig holds the dashboard.* option group.
type DashboardConfig struct {
	CreationMode DashboardCreationMode `yaml:"creation_mode"`
	IssueTitle   string                `yaml:"issue_title"`
	// TestRepositories names the repositories CreationTestReposOnly treats
	// as test repos.
	TestRepositories []string `yaml:"test_repositories"`
}

// IsTestRepository reports whether repoFullName is listed under
// dashboard.test_repositories.
func (d DashboardConfig) IsTestRepository(repoFullName string) bool {
	for _, r := range d.TestRepositories {
		if r == repoFullName {
			return true
		}
	}
	return false
}

// WebhookConfig holds the webhook.* option group. Secret is never read from
// YAML — only from the RENOVATEAGENT_WEBHOOK_SECRET environment variable.
// RequireSignature is a pointer so an absent YAML key can be told apart from
// an explicit false; it defaults to true when unset.
type WebhookConfig struct {
	Secret           string `yaml:"-"`
	RequireSignature *bool  `yaml:"require_signature,omitempty"`
}

// RequireSignatureOrDefault returns the configured value, or true if unset.
func (w WebhookConfig) RequireSignatureOrDefault() bool {
	return w.RequireSignature == nil || *w.RequireSignature
}

// Config is the root configuration object, covering every configurable
// option the agent exposes.
type Config struct {
	OperationMode OperationMode `yaml:"operation_mode"`

	Poll           PollConfig                 `yaml:"poll"`
	Allowlist      []string                   `yaml:"allowlist"`
	IgnoreArchived bool                       `yaml:"ignore_archived"`
	Bot            BotConfig                  `yaml:"bot"`
	Approval       ApprovalConfig             `yaml:"approval"`
	Fix            FixConfig                  `yaml:"fix"`
	Rate           RateConfig                 `yaml:"rate"`
	CacheTTLs      map[cache.Namespace]string `yaml:"cache_ttls"`
	Dashboard      DashboardConfig            `yaml:"dashboard"`
	Webhook        WebhookConfig              `yaml:"webhook"`
	ListenAddr     string                     `yaml:"listen_addr"`

	// GitHubToken is the PlatformClient's auth credential, read only from
	// RENOVATEAGENT_GITHUB_TOKEN — never from YAML.
	GitHubToken string `yaml:"-"`
}

// configPathEnv is the environment variable naming the YAML config file's
// path.
const configPathEnv = "RENOVATEAGENT_CONFIG"

const defaultConfigPath = "./renovateagent.yaml"

// Load reads the YAML config file named by RENOVATEAGENT_CONFIG (or
// defaultConfigPath), applies defaults, folds in environment-variable
// secrets, and validates the result.
func Load() (*Config, error) {
	path := os.Getenv(configPathEnv)
	if path == "" {
		path = defaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.GitHubToken = os.Getenv("RENOVATEAGENT_GITHUB_TOKEN")
	cfg.Webhook.Secret = os.Getenv("RENOVATEAGENT_WEBHOOK_SECRET")

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() error {
	if c.OperationMode == "" {
		c.OperationMode = ModePoll
	}

	if c.Poll.RawBaseInterval == "" {
		c.Poll.RawBaseInterval = "120s"
	}
	base, err := time.ParseDuration(c.Poll.RawBaseInterval)
	if err != nil {
		return fmt.Errorf("parse poll.base_interval_seconds %q: %w", c.Poll.RawBaseInterval, err)
	}
	c.Poll.BaseInterval = base

	if c.Poll.RawMaxInterval == "" {
		c.Poll.RawMaxInterval = "3600s"
	}
	maxInterval, err := time.ParseDuration(c.Poll.RawMaxInterval)
	if err != nil {
		return fmt.Errorf("parse poll.max_interval_seconds %q: %w", c.Poll.RawMaxInterval, err)
	}
	c.Poll.MaxInterval = maxInterval

	if c.Poll.MaxConcurrentRepos == 0 {
		c.Poll.MaxConcurrentRepos = 4
	}

	if len(c.Bot.Identities) == 0 {
		c.Bot.Identities = []string{"renovate[bot]", "dependabot[bot]"}
	}
	if len(c.Bot.BranchPrefix) == 0 {
		c.Bot.BranchPrefix = []string{"renovate/", "dependabot/"}
	}

	if c.Rate.Buffer == 0 {
		c.Rate.Buffer = 100
	}
	if c.Rate.ThrottleThreshold == 0 {
		c.Rate.ThrottleThreshold = 0.8
	}
	if c.Rate.ThrottleFactor == 0 {
		c.Rate.ThrottleFactor = 2
	}
	if c.Rate.PacingPerSecond == 0 {
		c.Rate.PacingPerSecond = 5
	}
	if c.Rate.PacingBurst == 0 {
		c.Rate.PacingBurst = 10
	}

	if c.Dashboard.CreationMode == "" {
		c.Dashboard.CreationMode = CreationRenovatePRsPresent
	}
	if c.Dashboard.IssueTitle == "" {
		c.Dashboard.IssueTitle = "Renovate Agent Dashboard"
	}

	if c.Approval.Body == "" {
		c.Approval.Body = "Approved automatically: all required checks are green."
	}

	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8090"
	}

	// webhook.require_signature defaults true: fail fast rather than
	// silently accepting unsigned deliveries when an operator forgets the
	// key.
	if c.Webhook.RequireSignature == nil {
		trueVal := true
		c.Webhook.RequireSignature = &trueVal
	}

	return nil
}

func (c *Config) validate() error {
	switch c.OperationMode {
	case ModePoll, ModeWebhook, ModeDual:
	default:
		return fmt.Errorf("operation_mode must be one of poll|webhook|dual, got %q", c.OperationMode)
	}

	if c.OperationMode != ModePoll && c.Webhook.RequireSignatureOrDefault() && c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret (RENOVATEAGENT_WEBHOOK_SECRET) is required when operation_mode includes webhook and webhook.require_signature is true")
	}

	for ns, raw := range c.CacheTTLs {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("cache_ttls[%s] invalid duration %q: %w", ns, raw, err)
		}
	}

	if c.Poll.BaseInterval <= 0 {
		return fmt.Errorf("poll.base_interval_seconds must be positive")
	}
	if c.Poll.MaxInterval < c.Poll.BaseInterval {
		return fmt.Errorf("poll.max_interval_seconds must be >= poll.base_interval_seconds")
	}

	switch c.Dashboard.CreationMode {
	case CreationAlways, CreationRenovatePRsPresent, CreationTestReposOnly, CreationNever:
	default:
		return fmt.Errorf("dashboard.creation_mode invalid: %q", c.Dashboard.CreationMode)
	}

	if c.Fix.Enabled && len(c.Fix.Languages) == 0 {
		return fmt.Errorf("fix.languages must be non-empty when fix.enabled is true")
	}

	return nil
}

// RepositorySet resolves the configured repository set: poll.repositories
// when non-empty, otherwise the allowlist.
func (c *Config) RepositorySet() []string {
	if len(c.Poll.Repositories) > 0 {
		return c.Poll.Repositories
	}
	return c.Allowlist
}

// ResolveCacheTTLs parses cache.ttls into the duration map
// internal/cache.New expects. validate has already confirmed every value
// parses.
func (c *Config) ResolveCacheTTLs() map[cache.Namespace]time.Duration {
	out := make(map[cache.Namespace]time.Duration, len(c.CacheTTLs))
	for ns, raw := range c.CacheTTLs {
		d, _ := time.ParseDuration(raw)
		out[ns] = d
	}
	return out
}
