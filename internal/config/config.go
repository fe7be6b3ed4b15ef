// ABOUTME: Configuration loading and parsing for coven-apps
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable that overrides the config path.
const EnvPath = "COVEN_APPS_CONFIG"

// Config represents the complete coven-apps configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Platform    PlatformConfig    `yaml:"platform" toml:"platform"`
	Credentials CredentialsConfig `yaml:"credentials" toml:"credentials"`
	Redis       RedisConfig       `yaml:"redis" toml:"redis"`
	Agent       AgentConfig       `yaml:"agent" toml:"agent"`
	Toolset     ToolsetConfig     `yaml:"toolset" toml:"toolset"`
	Ledger      LedgerConfig      `yaml:"ledger" toml:"ledger"`
	OAuth2      OAuth2Config      `yaml:"oauth2" toml:"oauth2"`
	Apps        AppsConfig        `yaml:"apps" toml:"apps"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// PublicURL is the externally reachable base URL, used for OAuth2
	// redirects and MCP server URLs.
	PublicURL string `yaml:"public_url" toml:"public_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
	// LedgerDSN moves the run ledger to Postgres when set.
	LedgerDSN string `yaml:"ledger_dsn" toml:"ledger_dsn"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// PlatformConfig holds the shared key agents present on /mcp requests
type PlatformConfig struct {
	// APIKey is sent by this process when it connects to its own servers.
	APIKey string `yaml:"api_key" toml:"api_key"`
	// APIKeyHash is the bcrypt hash incoming requests are checked against.
	APIKeyHash string `yaml:"api_key_hash" toml:"api_key_hash"`
	// MCPBaseURL is the base the assembler builds /mcp/<token> URLs from.
	MCPBaseURL string `yaml:"mcp_base_url" toml:"mcp_base_url"`
}

// CredentialsConfig holds the age identity credentials are sealed with
type CredentialsConfig struct {
	Identity     string `yaml:"identity" toml:"identity"`
	IdentityFile string `yaml:"identity_file" toml:"identity_file"`
}

// RedisConfig enables the cross-replica chat lock when Addr is set
type RedisConfig struct {
	Addr     string        `yaml:"addr" toml:"addr"`
	Password string        `yaml:"password" toml:"password"`
	DB       int           `yaml:"db" toml:"db"`
	LockTTL  time.Duration `yaml:"-" toml:"-"`

	LockTTLRaw string `yaml:"lock_ttl" toml:"lock_ttl"`
}

// AgentConfig holds the model provider configuration
type AgentConfig struct {
	BaseURL      string        `yaml:"base_url" toml:"base_url"`
	APIKey       string        `yaml:"api_key" toml:"api_key"`
	Model        string        `yaml:"model" toml:"model"`
	SystemPrompt string        `yaml:"system_prompt" toml:"system_prompt"`
	MaxSteps     int           `yaml:"max_steps" toml:"max_steps"`
	MaxTokens    int           `yaml:"max_tokens" toml:"max_tokens"`
	Timeout      time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// Enabled reports whether chat generation is configured.
func (a AgentConfig) Enabled() bool { return a.BaseURL != "" }

// ToolsetConfig holds tool-set assembly limits
type ToolsetConfig struct {
	Concurrency    int           `yaml:"concurrency" toml:"concurrency"`
	ConnectTimeout time.Duration `yaml:"-" toml:"-"`
	WarnWindow     time.Duration `yaml:"-" toml:"-"`

	ConnectTimeoutRaw string `yaml:"connect_timeout" toml:"connect_timeout"`
	WarnWindowRaw     string `yaml:"warn_window" toml:"warn_window"`
}

// LedgerConfig holds the stale-run sweeper timing
type LedgerConfig struct {
	StaleAfter    time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	StaleAfterRaw    string `yaml:"stale_after" toml:"stale_after"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// OAuth2Config holds client registrations keyed by app name
type OAuth2Config struct {
	RedirectURL string                        `yaml:"redirect_url" toml:"redirect_url"`
	Clients     map[string]OAuth2ClientConfig `yaml:"clients" toml:"clients"`
}

type OAuth2ClientConfig struct {
	ClientID     string `yaml:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret"`
}

// AppsConfig holds settings of the bundled apps
type AppsConfig struct {
	GitHubAPI string `yaml:"github_api" toml:"github_api"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPath returns $COVEN_APPS_CONFIG, or config.yaml under the XDG
// config directory.
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "coven-apps", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Parse decodes configuration text and fills in defaults. It does not
// expand environment variables or validate.
func Parse(text string, isTOML bool) (*Config, error) {
	var cfg Config
	if isTOML {
		if _, err := toml.Decode(text, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 5 * time.Minute
	}
	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 8
	}
	if c.Agent.Timeout == 0 {
		c.Agent.Timeout = 2 * time.Minute
	}
	if c.Toolset.Concurrency == 0 {
		c.Toolset.Concurrency = 4
	}
	if c.Toolset.ConnectTimeout == 0 {
		c.Toolset.ConnectTimeout = 15 * time.Second
	}
	if c.Toolset.WarnWindow == 0 {
		c.Toolset.WarnWindow = 10 * time.Minute
	}
	if c.Ledger.StaleAfter == 0 {
		c.Ledger.StaleAfter = 15 * time.Minute
	}
	if c.Ledger.SweepInterval == 0 {
		c.Ledger.SweepInterval = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Platform.MCPBaseURL == "" {
		c.Platform.MCPBaseURL = c.Server.PublicURL
	}
	if c.OAuth2.RedirectURL == "" && c.Server.PublicURL != "" {
		c.OAuth2.RedirectURL = strings.TrimRight(c.Server.PublicURL, "/") + "/oauth2/callback"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if dsn := c.Database.LedgerDSN; dsn != "" &&
		!strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return fmt.Errorf("database.ledger_dsn must be a postgres:// URL")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if h := c.Platform.APIKeyHash; h != "" && !strings.HasPrefix(h, "$2") {
		return fmt.Errorf("platform.api_key_hash must be a bcrypt hash")
	}

	if c.Credentials.Identity == "" && c.Credentials.IdentityFile == "" {
		return fmt.Errorf("credentials.identity or credentials.identity_file is required")
	}

	if c.Agent.Enabled() && c.Agent.Model == "" {
		return fmt.Errorf("agent.model is required when agent.base_url is set")
	}
	if c.Agent.MaxSteps < 0 {
		return fmt.Errorf("agent.max_steps must not be negative")
	}
	if c.Toolset.Concurrency < 0 {
		return fmt.Errorf("toolset.concurrency must not be negative")
	}

	for app, client := range c.OAuth2.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("oauth2.clients.%s.client_id is required", app)
		}
	}
	if len(c.OAuth2.Clients) > 0 && c.OAuth2.RedirectURL == "" {
		return fmt.Errorf("oauth2.redirect_url (or server.public_url) is required when oauth2 clients are configured")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"redis.lock_ttl", cfg.Redis.LockTTLRaw, &cfg.Redis.LockTTL},
		{"agent.timeout", cfg.Agent.TimeoutRaw, &cfg.Agent.Timeout},
		{"toolset.connect_timeout", cfg.Toolset.ConnectTimeoutRaw, &cfg.Toolset.ConnectTimeout},
		{"toolset.warn_window", cfg.Toolset.WarnWindowRaw, &cfg.Toolset.WarnWindow},
		{"ledger.stale_after", cfg.Ledger.StaleAfterRaw, &cfg.Ledger.StaleAfter},
		{"ledger.sweep_interval", cfg.Ledger.SweepIntervalRaw, &cfg.Ledger.SweepInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
