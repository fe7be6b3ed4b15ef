// ABOUTME: Catalog operations: list apps, describe one, and load dropdown options
// ABOUTME: Dynamic options are loaded with the caller's connected credential

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/2389/coven-apps/internal/capability"
	"github.com/2389/coven-apps/internal/credentials"
	"github.com/2389/coven-apps/internal/props"
)

type appPath struct {
	App string `path:"app" doc:"App name"`
}

type optionsInput struct {
	App  string `path:"app"`
	Tool string `path:"tool"`
	Prop string `path:"prop"`
}

func (h *handler) registerApps(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-apps",
		Method:      http.MethodGet,
		Path:        "/v1/apps",
		Summary:     "List apps",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []capability.ModuleInfo `json:"body"`
	}, error) {
		mods := h.catalog.List()
		out := make([]capability.ModuleInfo, len(mods))
		for i, m := range mods {
			out[i] = m.Info()
		}
		return &struct {
			Body []capability.ModuleInfo `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-app",
		Method:      http.MethodGet,
		Path:        "/v1/apps/{app}",
		Summary:     "Describe an app",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *appPath) (*struct {
		Body capability.ModuleInfo `json:"body"`
	}, error) {
		mod, ok := h.catalog.Get(input.App)
		if !ok {
			return nil, h.handleError(fmt.Errorf("%w: %s", capability.ErrUnknownModule, input.App))
		}
		return &struct {
			Body capability.ModuleInfo `json:"body"`
		}{Body: mod.Info()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-prop-options",
		Method:      http.MethodGet,
		Path:        "/v1/apps/{app}/props/{tool}/{prop}/options",
		Summary:     "Load the options of a dropdown property",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *optionsInput) (*struct {
		Body []props.Option `json:"body"`
	}, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		mod, ok := h.catalog.Get(input.App)
		if !ok {
			return nil, h.handleError(fmt.Errorf("%w: %s", capability.ErrUnknownModule, input.App))
		}
		tool, ok := mod.Tool(input.Tool)
		if !ok {
			return nil, h.handleError(fmt.Errorf("%w: %s.%s", capability.ErrUnknownTool, input.App, input.Tool))
		}

		var cred any
		if mod.Auth != nil {
			v, err := h.creds.Resolve(ctx, user, mod.Name)
			if err != nil && !errors.Is(err, credentials.ErrNotConnected) {
				return nil, h.handleError(err)
			}
			cred = v
		}

		opts, err := tool.Params().Options(ctx, input.Prop, cred)
		if err != nil {
			if errors.Is(err, props.ErrUnknownProperty) || errors.Is(err, props.ErrNoOptions) {
				return nil, h.handleError(err)
			}
			return nil, newAPIError(http.StatusUnprocessableEntity, "options_failed", err.Error())
		}
		if opts == nil {
			opts = []props.Option{}
		}
		return &struct {
			Body []props.Option `json:"body"`
		}{Body: opts}, nil
	})
}
