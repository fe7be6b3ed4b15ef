// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  http_addr: "0.0.0.0:8080"
  public_url: "https://apps.example.com/"

database:
  path: "./test.db"

auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"

platform:
  api_key: "platform-key"

credentials:
  identity_file: "./identity.age"

redis:
  addr: "localhost:6379"
  lock_ttl: "30s"

agent:
  base_url: "http://localhost:11434/v1"
  model: "llama3"
  max_steps: 4
  timeout: "45s"

toolset:
  concurrency: 2
  connect_timeout: "5s"

ledger:
  stale_after: "20m"

oauth2:
  clients:
    github:
      client_id: "gh-id"
      client_secret: "gh-secret"

logging:
  level: "debug"
  format: "json"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Redis.LockTTL != 30*time.Second {
		t.Errorf("Redis.LockTTL = %v, want %v", cfg.Redis.LockTTL, 30*time.Second)
	}
	if cfg.Agent.MaxSteps != 4 {
		t.Errorf("Agent.MaxSteps = %d, want 4", cfg.Agent.MaxSteps)
	}
	if cfg.Agent.Timeout != 45*time.Second {
		t.Errorf("Agent.Timeout = %v, want %v", cfg.Agent.Timeout, 45*time.Second)
	}
	if cfg.Toolset.Concurrency != 2 {
		t.Errorf("Toolset.Concurrency = %d, want 2", cfg.Toolset.Concurrency)
	}
	if cfg.Toolset.ConnectTimeout != 5*time.Second {
		t.Errorf("Toolset.ConnectTimeout = %v, want %v", cfg.Toolset.ConnectTimeout, 5*time.Second)
	}
	if cfg.Ledger.StaleAfter != 20*time.Minute {
		t.Errorf("Ledger.StaleAfter = %v, want %v", cfg.Ledger.StaleAfter, 20*time.Minute)
	}
	if got := cfg.OAuth2.Clients["github"].ClientSecret; got != "gh-secret" {
		t.Errorf("OAuth2.Clients[github].ClientSecret = %q, want %q", got, "gh-secret")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Toolset.WarnWindow != 10*time.Minute {
		t.Errorf("Toolset.WarnWindow = %v, want %v", cfg.Toolset.WarnWindow, 10*time.Minute)
	}
	if cfg.Ledger.SweepInterval != time.Minute {
		t.Errorf("Ledger.SweepInterval = %v, want %v", cfg.Ledger.SweepInterval, time.Minute)
	}
	if cfg.Platform.MCPBaseURL != "https://apps.example.com/" {
		t.Errorf("Platform.MCPBaseURL = %q, want the public url", cfg.Platform.MCPBaseURL)
	}
	if cfg.OAuth2.RedirectURL != "https://apps.example.com/oauth2/callback" {
		t.Errorf("OAuth2.RedirectURL = %q", cfg.OAuth2.RedirectURL)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "fedcba9876543210fedcba9876543210")
	t.Setenv("TEST_AGENT_KEY", "sk-from-env")

	content := strings.Replace(validYAML, `"0123456789abcdef0123456789abcdef"`, `"${TEST_JWT_SECRET}"`, 1)
	content = strings.Replace(content, `model: "llama3"`, "model: \"llama3\"\n  api_key: \"${TEST_AGENT_KEY}\"", 1)

	cfg, err := Load(writeConfig(t, "config.yaml", content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "fedcba9876543210fedcba9876543210" {
		t.Errorf("Auth.JWTSecret = %q, want value from env", cfg.Auth.JWTSecret)
	}
	if cfg.Agent.APIKey != "sk-from-env" {
		t.Errorf("Agent.APIKey = %q, want %q", cfg.Agent.APIKey, "sk-from-env")
	}
}

func TestLoad_UnsetEnvVarIsEmpty(t *testing.T) {
	content := strings.Replace(validYAML, `"platform-key"`, `"${TEST_DEFINITELY_UNSET_VAR}"`, 1)
	cfg, err := Load(writeConfig(t, "config.yaml", content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Platform.APIKey != "" {
		t.Errorf("Platform.APIKey = %q, want empty", cfg.Platform.APIKey)
	}
}

func TestLoad_TOML(t *testing.T) {
	content := `
[server]
http_addr = "127.0.0.1:9090"

[database]
path = "apps.db"

[auth]
jwt_secret = "0123456789abcdef0123456789abcdef"

[credentials]
identity = "AGE-SECRET-KEY-1EXAMPLE"

[ledger]
sweep_interval = "30s"

[oauth2]
redirect_url = "https://apps.example.com/cb"

[oauth2.clients.github]
client_id = "gh-id"
`
	cfg, err := Load(writeConfig(t, "config.toml", content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Ledger.SweepInterval != 30*time.Second {
		t.Errorf("Ledger.SweepInterval = %v, want 30s", cfg.Ledger.SweepInterval)
	}
	if cfg.OAuth2.Clients["github"].ClientID != "gh-id" {
		t.Errorf("OAuth2.Clients = %+v", cfg.OAuth2.Clients)
	}
	if cfg.Agent.Enabled() {
		t.Error("Agent.Enabled() = true without base_url")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := strings.Replace(validYAML, `lock_ttl: "30s"`, `lock_ttl: "soon"`, 1)
	_, err := Load(writeConfig(t, "config.yaml", content))
	if err == nil || !strings.Contains(err.Error(), "redis.lock_ttl") {
		t.Fatalf("Load() error = %v, want redis.lock_ttl parse error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without http addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "apps"}
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"mysql ledger", func(c *Config) { c.Database.LedgerDSN = "mysql://x" }, "ledger_dsn"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"plain api key hash", func(c *Config) { c.Platform.APIKeyHash = "hunter2" }, "api_key_hash"},
		{"no identity", func(c *Config) { c.Credentials = CredentialsConfig{} }, "credentials.identity"},
		{"agent without model", func(c *Config) { c.Agent.Model = "" }, "agent.model"},
		{"oauth2 client without id", func(c *Config) {
			c.OAuth2.Clients = map[string]OAuth2ClientConfig{"github": {}}
		}, "client_id"},
		{"oauth2 without redirect", func(c *Config) { c.OAuth2.RedirectURL = "" }, "redirect_url"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse(validYAML, false)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvPath, "/etc/coven-apps/custom.toml")
	if got := DefaultPath(); got != "/etc/coven-apps/custom.toml" {
		t.Errorf("DefaultPath() = %q, want env override", got)
	}

	t.Setenv(EnvPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "coven-apps", "config.yaml") {
		t.Errorf("DefaultPath() = %q, want XDG path", got)
	}
}
