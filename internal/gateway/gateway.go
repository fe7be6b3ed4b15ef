// ABOUTME: Gateway orchestrator that wires storage, credentials, the MCP hub, chat and the HTTP API
// ABOUTME: Serves on TCP or a tsnet listener and shuts every component down in order

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-apps/internal/agent"
	"github.com/2389/coven-apps/internal/api"
	"github.com/2389/coven-apps/internal/apps"
	"github.com/2389/coven-apps/internal/auth"
	"github.com/2389/coven-apps/internal/capability"
	"github.com/2389/coven-apps/internal/config"
	"github.com/2389/coven-apps/internal/conversation"
	"github.com/2389/coven-apps/internal/credentials"
	"github.com/2389/coven-apps/internal/mcp"
	"github.com/2389/coven-apps/internal/packs"
	"github.com/2389/coven-apps/internal/runledger"
	"github.com/2389/coven-apps/internal/store"
	"github.com/2389/coven-apps/internal/toolset"
)

// ledgerStore is what the gateway needs from a run ledger backend.
type ledgerStore interface {
	runledger.Store
	runledger.Reader
	runledger.Reconciler
}

// Gateway orchestrates the coven-apps server components.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	ledger      ledgerStore
	pgLedger    *runledger.PostgresStore // nil unless ledger_dsn is set
	catalog     *capability.Catalog
	creds       *credentials.Service
	hub         *packs.Hub
	assembler   *toolset.Assembler
	resolver    *toolset.PlatformResolver
	convos      *conversation.Service // nil when no agent is configured
	locker      *conversation.RedisLocker
	broadcaster *conversation.Broadcaster
	sweeper     *runledger.Sweeper
	verifier    *auth.JWTVerifier
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// mcpBaseURL prefixes the /mcp/<token> URLs handed to clients
	mcpBaseURL string
}

// initStore opens the SQLite store, honouring COVEN_APPS_DB_PATH.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_APPS_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	logger.Info("store opened", "path", dbPath)
	return s, nil
}

// loadIdentity returns the age identity credentials are sealed with.
func loadIdentity(cfg config.CredentialsConfig) (*age.X25519Identity, error) {
	if cfg.Identity != "" {
		return credentials.ParseIdentity(cfg.Identity)
	}
	return credentials.LoadOrCreateIdentity(cfg.IdentityFile)
}

// determineMCPBaseURL resolves the base of /mcp/<token> URLs.
// Priority: platform.mcp_base_url > COVEN_APPS_URL > derived from listeners.
func determineMCPBaseURL(cfg *config.Config) string {
	if cfg.Platform.MCPBaseURL != "" {
		return strings.TrimRight(cfg.Platform.MCPBaseURL, "/")
	}
	if envURL := os.Getenv("COVEN_APPS_URL"); envURL != "" {
		return strings.TrimRight(envURL, "/")
	}
	if cfg.Tailscale.Enabled {
		if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
			return "https://" + cfg.Tailscale.Hostname
		}
		return "http://" + cfg.Tailscale.Hostname
	}
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// openLedger picks Postgres when ledger_dsn is set, creating its table on
// first use, and the SQLite store otherwise.
func (g *Gateway) openLedger(cfg *config.Config) error {
	if cfg.Database.LedgerDSN == "" {
		g.ledger = g.store
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pg, err := runledger.OpenPostgres(ctx, cfg.Database.LedgerDSN)
	if err != nil {
		return fmt.Errorf("opening postgres ledger: %w", err)
	}
	g.pgLedger = pg
	g.ledger = pg
	g.logger.Info("run ledger on postgres")
	return nil
}

// newLocker connects the Redis chat lock when configured. A nil result
// means turns are serialized in-process.
func newLocker(cfg config.RedisConfig, logger *slog.Logger) *conversation.RedisLocker {
	if cfg.Addr == "" {
		return nil
	}
	l := conversation.NewRedisLocker(conversation.RedisLockerConfig{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		TTL:      cfg.LockTTL,
		Logger:   logger,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Ping(ctx); err != nil {
		logger.Warn("redis not reachable yet, chat locks will retry", "addr", cfg.Addr, "error", err)
	} else {
		logger.Info("chat locks on redis", "addr", cfg.Addr)
	}
	return l
}

func oauthClients(cfg config.OAuth2Config) map[string]credentials.OAuthClient {
	out := make(map[string]credentials.OAuthClient, len(cfg.Clients))
	for app, c := range cfg.Clients {
		out[app] = credentials.OAuthClient{ClientID: c.ClientID, ClientSecret: c.ClientSecret}
	}
	return out
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (gw *Gateway, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:      cfg,
		store:       s,
		broadcaster: conversation.NewBroadcaster(logger.With("component", "broadcaster")),
		logger:      logger.With("component", "gateway"),
		mcpBaseURL:  determineMCPBaseURL(cfg),
	}
	defer func() {
		if err != nil {
			g.closeComponents()
		}
	}()

	if err := g.openLedger(cfg); err != nil {
		return nil, err
	}

	g.catalog, err = apps.Catalog(apps.Deps{
		Notes:      s,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		GitHubAPI:  cfg.Apps.GitHubAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("building catalog: %w", err)
	}
	for _, m := range g.catalog.List() {
		g.logger.Debug("app registered", "app", m.Name, "tools", len(m.Tools))
	}

	identity, err := loadIdentity(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("loading credential identity: %w", err)
	}
	g.creds, err = credentials.NewService(credentials.Config{
		Store:        s,
		Catalog:      g.catalog,
		Sealer:       credentials.NewSealer(identity),
		OAuthClients: oauthClients(cfg.OAuth2),
		RedirectURL:  cfg.OAuth2.RedirectURL,
		StateSecret:  []byte(cfg.Auth.JWTSecret),
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating credential service: %w", err)
	}

	recorder := runledger.NewRecorder(g.ledger, logger)
	g.hub, err = packs.NewHub(packs.HubConfig{
		Catalog:     g.catalog,
		Servers:     s,
		Credentials: g.creds,
		Adapter:     packs.NewAdapter(recorder, logger),
		Platform:    mcp.NewPlatformAuth(cfg.Platform.APIKeyHash),
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating hub: %w", err)
	}
	g.creds.OnChange(g.hub.Invalidate)

	g.resolver = &toolset.PlatformResolver{
		Servers: s,
		BaseURL: g.mcpBaseURL,
		APIKey:  cfg.Platform.APIKey,
	}
	g.assembler = toolset.NewAssembler(toolset.Config{
		Resolver:       g.resolver,
		Concurrency:    cfg.Toolset.Concurrency,
		ConnectTimeout: cfg.Toolset.ConnectTimeout,
		WarnWindow:     cfg.Toolset.WarnWindow,
		Logger:         logger,
	})

	if cfg.Agent.Enabled() {
		g.locker = newLocker(cfg.Redis, logger)
		var locker conversation.Locker
		if g.locker != nil {
			locker = g.locker
		}
		g.convos = conversation.New(conversation.Config{
			Store: s,
			Tools: g.assembler,
			Agent: agent.NewOpenAI(agent.OpenAIConfig{
				BaseURL:      cfg.Agent.BaseURL,
				APIKey:       cfg.Agent.APIKey,
				Model:        cfg.Agent.Model,
				SystemPrompt: cfg.Agent.SystemPrompt,
				MaxSteps:     cfg.Agent.MaxSteps,
				MaxTokens:    cfg.Agent.MaxTokens,
				HTTPClient:   &http.Client{Timeout: cfg.Agent.Timeout},
				Logger:       logger,
			}),
			Locker:      locker,
			Broadcaster: g.broadcaster,
			Logger:      logger,
		})
		g.logger.Info("chat generation enabled", "model", cfg.Agent.Model)
	} else {
		g.logger.Warn("chat generation disabled - no agent.base_url configured")
	}

	g.sweeper = runledger.NewSweeper(g.ledger, cfg.Ledger.StaleAfter, cfg.Ledger.SweepInterval, logger)

	g.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	handler, err := g.routes()
	if err != nil {
		return nil, err
	}
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// routes mounts the hub under /mcp/ and the API everywhere else.
func (g *Gateway) routes() (http.Handler, error) {
	apiCfg := api.Config{
		Catalog:     g.catalog,
		Store:       g.store,
		Credentials: g.creds,
		Broadcaster: g.broadcaster,
		Runs:        g.ledger,
		Servers:     g.hub,
		Verifier:    g.verifier,
		MCPBaseURL:  g.mcpBaseURL,
		Logger:      g.logger,
	}
	if g.convos != nil {
		apiCfg.Conversations = g.convos
	}
	apiHandler, err := api.New(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("creating API: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp/", g.hub)
	mux.Handle("/", apiHandler)
	return mux, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// MCPBaseURL returns the base of the server URLs handed to clients.
func (g *Gateway) MCPBaseURL() string {
	return g.mcpBaseURL
}

// setupTCPListener creates the standard TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		g.sweeper.Run(sweepCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "mcp_base_url", g.mcpBaseURL)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	stopSweeper()
	<-sweeperDone

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-apps", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)
	if err := g.updateBaseURLFromStatus(status); err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}

	return g.createTailscaleListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// updateBaseURLFromStatus switches server URLs to the node's tailnet DNS
// name unless a base URL was configured explicitly.
func (g *Gateway) updateBaseURLFromStatus(status *ipnstate.Status) error {
	if g.config.Platform.MCPBaseURL != "" || status.Self == nil || status.Self.DNSName == "" {
		return nil
	}
	scheme := "http"
	if g.config.Tailscale.HTTPS || g.config.Tailscale.Funnel {
		scheme = "https"
	}
	base := scheme + "://" + strings.TrimSuffix(status.Self.DNSName, ".")
	if base == g.mcpBaseURL {
		return nil
	}
	g.logger.Info("updated MCP base URL to use Tailscale DNS name", "old", g.mcpBaseURL, "new", base)
	g.mcpBaseURL = base
	g.resolver.BaseURL = base
	handler, err := g.routes()
	if err != nil {
		return err
	}
	g.httpServer.Handler = handler
	return nil
}

// createTailscaleListener creates the appropriate listener based on config.
func (g *Gateway) createTailscaleListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases everything New may have opened.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
	if g.assembler != nil {
		g.assembler.Close()
	}
	if g.creds != nil {
		g.creds.Close()
	}
	if g.locker != nil {
		errs = appendCloseError(errs, "redis close", g.locker.Close())
	}
	if g.pgLedger != nil {
		errs = appendCloseError(errs, "ledger close", g.pgLedger.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}

// Shutdown gracefully stops the server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
