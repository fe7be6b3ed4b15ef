// ABOUTME: PlatformResolver maps registered server ids to their /mcp/{token} endpoints.
// ABOUTME: Attaches the platform API key and acting user id from host configuration.

package toolset

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-apps/internal/mcp"
	"github.com/2389/coven-apps/internal/store"
)

// ErrServerNotFound indicates the server does not exist or belongs to
// another user.
var ErrServerNotFound = errors.New("server not found")

// ServerGetter loads registered servers by id.
type ServerGetter interface {
	GetServer(ctx context.Context, id string) (*store.Server, error)
}

// PlatformResolver resolves remote sources against this deployment's own
// capability servers.
type PlatformResolver struct {
	Servers ServerGetter
	BaseURL string // e.g. https://apps.example.ts.net
	APIKey  string
}

func (r *PlatformResolver) Resolve(ctx context.Context, serverID, userID string) (Endpoint, error) {
	srv, err := r.Servers.GetServer(ctx, serverID)
	if errors.Is(err, store.ErrNotFound) {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}
	if err != nil {
		return Endpoint{}, fmt.Errorf("loading server %s: %w", serverID, err)
	}
	if srv.OwnerID != userID {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}

	headers := map[string]string{mcp.HeaderUserID: userID}
	if r.APIKey != "" {
		headers[mcp.HeaderAPIKey] = r.APIKey
	}
	return Endpoint{
		URL:     strings.TrimRight(r.BaseURL, "/") + "/mcp/" + srv.Token,
		Headers: headers,
	}, nil
}
