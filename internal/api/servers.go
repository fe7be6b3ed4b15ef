// ABOUTME: Server operations: register, list and delete MCP servers for the caller
// ABOUTME: A server's URL embeds its opaque token; deleting one evicts the cached host

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/2389/coven-apps/internal/capability"
	"github.com/2389/coven-apps/internal/store"
)

type serverResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Apps      []string  `json:"apps"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

type createServerBody struct {
	Name string   `json:"name" minLength:"1" maxLength:"200"`
	Apps []string `json:"apps" minItems:"1"`
}

func (h *handler) serverResponse(s *store.Server) serverResponse {
	return serverResponse{
		ID:        s.ID,
		Name:      s.Name,
		Apps:      s.Apps,
		URL:       h.mcpBaseURL + "/mcp/" + s.Token,
		CreatedAt: s.CreatedAt,
	}
}

func (h *handler) registerServers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-server",
		Method:        http.MethodPost,
		Path:          "/v1/servers",
		Summary:       "Register an MCP server serving a set of apps",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body createServerBody `json:"body"`
	}) (*struct {
		Body serverResponse `json:"body"`
	}, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		seen := make(map[string]bool, len(input.Body.Apps))
		apps := make([]string, 0, len(input.Body.Apps))
		for _, name := range input.Body.Apps {
			if _, ok := h.catalog.Get(name); !ok {
				return nil, newAPIError(http.StatusUnprocessableEntity, "validation_failed",
					fmt.Sprintf("%v: %s", capability.ErrUnknownModule, name))
			}
			if !seen[name] {
				seen[name] = true
				apps = append(apps, name)
			}
		}
		srv := &store.Server{OwnerID: user, Name: input.Body.Name, Apps: apps}
		if err := h.store.CreateServer(ctx, srv); err != nil {
			return nil, h.handleError(err)
		}
		h.logger.Info("server created", "server_id", srv.ID, "owner_id", user, "apps", apps)
		return &struct {
			Body serverResponse `json:"body"`
		}{Body: h.serverResponse(srv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-servers",
		Method:      http.MethodGet,
		Path:        "/v1/servers",
		Summary:     "List the caller's servers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []serverResponse `json:"body"`
	}, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		srvs, err := h.store.ListServers(ctx, user)
		if err != nil {
			return nil, h.handleError(err)
		}
		out := make([]serverResponse, len(srvs))
		for i, s := range srvs {
			out[i] = h.serverResponse(s)
		}
		return &struct {
			Body []serverResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-server",
		Method:        http.MethodDelete,
		Path:          "/v1/servers/{id}",
		Summary:       "Delete a server and revoke its URL",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.store.DeleteServer(ctx, input.ID, user); err != nil {
			return nil, h.handleError(err)
		}
		if h.servers != nil {
			h.servers.Forget(input.ID)
		}
		h.logger.Info("server deleted", "server_id", input.ID, "owner_id", user)
		return nil, nil
	})
}
