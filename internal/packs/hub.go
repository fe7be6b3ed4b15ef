// ABOUTME: Hub serves every registered capability server at /mcp/{token}.
// ABOUTME: Builds one MCP host per server from the catalog and the owner's credentials, cached until invalidated.

package packs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-apps/internal/appauth"
	"github.com/2389/coven-apps/internal/capability"
	"github.com/2389/coven-apps/internal/mcp"
	"github.com/2389/coven-apps/internal/store"
)

// ServerLookup finds registered servers.
type ServerLookup interface {
	GetServerByToken(ctx context.Context, token string) (*store.Server, error)
}

// CredentialResolver returns an owner's decoded credential for an app.
type CredentialResolver interface {
	Resolve(ctx context.Context, ownerID, appID string) (any, error)
}

// HubConfig contains configuration for the Hub.
type HubConfig struct {
	Catalog     *capability.Catalog
	Servers     ServerLookup
	Credentials CredentialResolver
	Adapter     *Adapter
	Platform    *mcp.PlatformAuth
	Logger      *slog.Logger
}

type hubEntry struct {
	server  *store.Server
	host    *mcp.Server
	expires time.Time // zero means no expiry
}

// Hub builds and caches one MCP host per capability server.
type Hub struct {
	catalog  *capability.Catalog
	servers  ServerLookup
	creds    CredentialResolver
	adapter  *Adapter
	platform *mcp.PlatformAuth
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]*hubEntry // by server id
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.Servers == nil {
		return nil, errors.New("server lookup is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapter := cfg.Adapter
	if adapter == nil {
		adapter = NewAdapter(nil, logger)
	}
	platform := cfg.Platform
	if platform == nil {
		platform = mcp.NewPlatformAuth("")
	}
	return &Hub{
		catalog:  cfg.Catalog,
		servers:  cfg.Servers,
		creds:    cfg.Credentials,
		adapter:  adapter,
		platform: platform,
		logger:   logger.With("component", "hub"),
		now:      time.Now,
		cache:    make(map[string]*hubEntry),
	}, nil
}

// ServeHTTP handles /mcp/{token}. The token selects the server; the
// platform headers are checked before any MCP processing.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.platform.Middleware(http.HandlerFunc(h.serve)).ServeHTTP(w, r)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	srv, err := h.servers.GetServerByToken(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("server lookup failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	h.Host(r.Context(), srv).ServeHTTP(w, r)
}

// tokenFromPath extracts the token from /mcp/<token>, rejecting extra
// path segments.
func tokenFromPath(path string) (string, bool) {
	token := strings.TrimPrefix(path, "/mcp/")
	if token == path {
		return "", false
	}
	token = strings.TrimRight(token, "/")
	if token == "" || strings.Contains(token, "/") {
		return "", false
	}
	return token, true
}

// Host returns the MCP host for srv, building it on first use or after
// invalidation.
func (h *Hub) Host(ctx context.Context, srv *store.Server) *mcp.Server {
	h.mu.RLock()
	entry, ok := h.cache[srv.ID]
	h.mu.RUnlock()
	if ok && (entry.expires.IsZero() || h.now().Before(entry.expires)) {
		return entry.host
	}

	entry = h.build(ctx, srv)

	h.mu.Lock()
	h.cache[srv.ID] = entry
	h.mu.Unlock()
	return entry.host
}

func (h *Hub) build(ctx context.Context, srv *store.Server) *hubEntry {
	host := mcp.NewServer(mcp.Config{Name: srv.Name, Logger: h.logger})
	entry := &hubEntry{server: srv, host: host}

	toolCount := 0
	for _, appID := range srv.Apps {
		mod, ok := h.catalog.Get(appID)
		if !ok {
			h.logger.Warn("server references unknown app", "server_id", srv.ID, "app", appID)
			continue
		}

		auth := h.resolve(ctx, srv.OwnerID, mod)
		if exp, ok := refreshDeadline(auth, h.now()); ok {
			if entry.expires.IsZero() || exp.Before(entry.expires) {
				entry.expires = exp
			}
		}

		lc := &capability.LoggingContext{
			ServerID: srv.ID,
			AppID:    mod.Name,
			AppName:  mod.DisplayName,
			OwnerID:  srv.OwnerID,
		}
		for _, tool := range mod.Tools {
			h.adapter.Register(host, tool, auth, lc)
			toolCount++
		}
	}

	h.logger.Info("=== SERVER REGISTERED ===",
		"server_id", srv.ID,
		"owner_id", srv.OwnerID,
		"apps", srv.Apps,
		"tool_count", toolCount,
	)
	return entry
}

// minHostLifetime bounds how often a host is rebuilt for token refresh.
// Rebuilding drops the host's MCP sessions.
const minHostLifetime = 5 * time.Minute

// refreshDeadline returns when the host holding auth should be rebuilt so
// Resolve can refresh it: a minute before an OAuth2 token expires, but no
// sooner than minHostLifetime from now. A token that cannot be refreshed
// sets no deadline; its tools see the stale token and fail in-band.
func refreshDeadline(auth any, now time.Time) (time.Time, bool) {
	v, ok := auth.(appauth.OAuth2Value)
	if !ok || v.Expiry.IsZero() || v.RefreshToken == "" {
		return time.Time{}, false
	}
	exp := v.Expiry.Add(-time.Minute)
	if floor := now.Add(minHostLifetime); exp.Before(floor) {
		exp = floor
	}
	return exp, true
}

// resolve returns the owner's credential for mod, or nil when the module
// takes none or it cannot be resolved. Tools report a missing credential
// themselves.
func (h *Hub) resolve(ctx context.Context, ownerID string, mod *capability.Module) any {
	if mod.Auth == nil || h.creds == nil {
		return nil
	}
	auth, err := h.creds.Resolve(ctx, ownerID, mod.Name)
	if err != nil {
		h.logger.Debug("credential unavailable", "owner_id", ownerID, "app", mod.Name, "error", err)
		return nil
	}
	return auth
}

// Invalidate drops cached hosts of ownerID that serve appID. An empty
// appID drops all of the owner's hosts.
func (h *Hub) Invalidate(ownerID, appID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, entry := range h.cache {
		if entry.server.OwnerID != ownerID {
			continue
		}
		if appID != "" && !slices.Contains(entry.server.Apps, appID) {
			continue
		}
		delete(h.cache, id)
		h.logger.Debug("invalidated server host", "server_id", id, "app", appID)
	}
}

// Forget drops the cached host of a deleted server.
func (h *Hub) Forget(serverID string) {
	h.mu.Lock()
	delete(h.cache, serverID)
	h.mu.Unlock()
}

// CachedCount returns the number of built hosts (for monitoring).
func (h *Hub) CachedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.cache)
}
