// ABOUTME: Entry point for the coven-apps server
// ABOUTME: serve runs the gateway; bootstrap writes a starter config and an admin token

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-apps/internal/auth"
	"github.com/2389/coven-apps/internal/config"
	"github.com/2389/coven-apps/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __         __ _ _ __  _ __  ___
 / __/ _ \ \ / / _ \ '_ \ _____ / _' | '_ \| '_ \/ __|
| (_| (_) \ V /  __/ | | |_____| (_| | |_) | |_) \__ \
 \___\___/ \_/ \___|_| |_|      \__,_| .__/| .__/|___/
                                     |_|   |_|
`

// dataPath returns the coven-apps data directory.
// Priority: XDG_DATA_HOME/coven-apps > ~/.local/share/coven-apps
func dataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven-apps")
}

func usage() {
	fmt.Println("Usage: coven-apps <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the server")
	fmt.Println("  bootstrap [--user ID]  Write a starter config and an admin token")
	fmt.Println("  health                 Check server health")
	fmt.Println("  version                Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "bootstrap":
		err = runBootstrap(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, os.Stdout)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Database.LedgerDSN != "" {
		green.Print("    ▶ ")
		fmt.Println("Ledger:    postgres")
	}
	green.Print("    ▶ ")
	if cfg.Agent.Enabled() {
		fmt.Printf("Agent:     %s\n", cfg.Agent.Model)
	} else {
		fmt.Print("Agent:     ")
		yellow.Println("disabled")
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting coven-apps", "config", configPath, "http_addr", cfg.Server.HTTPAddr)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

const configTemplate = `# coven-apps configuration
# Generated by coven-apps bootstrap

server:
  http_addr: "localhost:8080"
  public_url: "http://localhost:8080"

database:
  path: %q

auth:
  jwt_secret: %q

platform:
  # agents connecting to /mcp/<token> send this key as X-Api-Key:
  # %s
  api_key: %q
  api_key_hash: %q

credentials:
  identity_file: %q

logging:
  level: "info"
  format: "text"
`

// runBootstrap writes a config with fresh secrets (unless one exists) and
// saves an admin token next to it.
func runBootstrap(args []string) error {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	user := fs.String("user", "admin", "user id of the admin token")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*user) == "" {
		return errors.New("--user cannot be empty")
	}

	configPath := config.DefaultPath()
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		apiKey, err := auth.NewAPIKey()
		if err != nil {
			return err
		}
		apiKeyHash, err := auth.HashAPIKey(apiKey, 0)
		if err != nil {
			return err
		}

		data := dataPath()
		if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.MkdirAll(data, 0o700); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		content := fmt.Sprintf(configTemplate,
			filepath.Join(data, "apps.db"),
			base64.StdEncoding.EncodeToString(secret),
			"shown once; keep api_key only on hosts that run agents",
			apiKey, apiKeyHash,
			filepath.Join(data, "identity.txt"))
		if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(*user, *ttl, auth.RoleAdmin)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved admin token for %s: %s (expires %s)\n",
		*user, tokenPath, time.Now().Add(*ttl).UTC().Format("Jan 02, 2006"))

	fmt.Println()
	yellow.Println("  Ready to go:")
	fmt.Println("    coven-apps serve            # start the server")
	fmt.Println("    coven-apps-admin apps       # list bundled apps")
	fmt.Println()
	return nil
}
