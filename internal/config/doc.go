// Package config handles configuration loading for coven-apps.
//
// # Configuration File
//
// The path comes from the COVEN_APPS_CONFIG environment variable, falling
// back to $XDG_CONFIG_HOME/coven-apps/config.yaml. Files ending in .toml
// are read as TOML; everything else is YAML. Both use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_APPS_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use time.ParseDuration syntax ("30s", "5m"). Negative
// durations are rejected.
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  public_url: "https://apps.example.com"
//	database:
//	  path: "/var/lib/coven-apps/apps.db"
//	  ledger_dsn: "postgres://..."        # optional, run ledger in Postgres
//	auth:
//	  jwt_secret: "${COVEN_APPS_JWT_SECRET}"  # at least 32 bytes
//	platform:
//	  api_key: "${COVEN_APPS_PLATFORM_KEY}"
//	  api_key_hash: "$2a$10$..."
//	credentials:
//	  identity_file: "/var/lib/coven-apps/identity.age"
//	redis:
//	  addr: "localhost:6379"   # enables the cross-replica chat lock
//	  lock_ttl: "5m"
//	agent:
//	  base_url: "https://api.openai.com/v1"
//	  model: "gpt-4o-mini"
//	  max_steps: 8
//	toolset:
//	  concurrency: 4
//	  connect_timeout: "15s"
//	  warn_window: "10m"
//	ledger:
//	  stale_after: "15m"
//	  sweep_interval: "1m"
//	oauth2:
//	  clients:
//	    github:
//	      client_id: "..."
//	      client_secret: "${GITHUB_CLIENT_SECRET}"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Load validates the result; Parse only decodes and applies defaults.
package config
