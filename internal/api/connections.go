// ABOUTME: Connection operations: save, list and delete app credentials, plus the OAuth2 flow
// ABOUTME: The OAuth2 callback is unauthenticated; its signed state names the owner

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/2389/coven-apps/internal/appauth"
	"github.com/2389/coven-apps/internal/props"
)

type connectionResponse struct {
	App       string    `json:"app"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type oauthConnectBody struct {
	Code  string       `json:"code" minLength:"1"`
	Props props.Values `json:"props,omitempty"`
}

type validationOutput struct {
	Body appauth.ValidationResult `json:"body"`
}

func (h *handler) validated(res appauth.ValidationResult) (*validationOutput, error) {
	if !res.Valid {
		return nil, newAPIError(http.StatusUnprocessableEntity, "invalid_credential", res.Error)
	}
	return &validationOutput{Body: res}, nil
}

func (h *handler) registerConnections(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-connections",
		Method:      http.MethodGet,
		Path:        "/v1/connections",
		Summary:     "List connected apps",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []connectionResponse `json:"body"`
	}, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		conns, err := h.creds.List(ctx, user)
		if err != nil {
			return nil, h.handleError(err)
		}
		out := make([]connectionResponse, len(conns))
		for i, c := range conns {
			out[i] = connectionResponse{App: c.AppID, Kind: c.Kind, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
		}
		return &struct {
			Body []connectionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-connection",
		Method:      http.MethodPut,
		Path:        "/v1/connections/{app}",
		Summary:     "Validate and store a credential",
		Description: "The body is the credential value in the app's auth format.",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		App     string `path:"app"`
		RawBody []byte
	}) (*validationOutput, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !json.Valid(input.RawBody) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body must be JSON")
		}
		res, err := h.creds.Save(ctx, user, input.App, input.RawBody)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.validated(res)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-connection",
		Method:        http.MethodDelete,
		Path:          "/v1/connections/{app}",
		Summary:       "Disconnect an app",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *appPath) (*struct{}, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.creds.Delete(ctx, user, input.App); err != nil {
			return nil, h.handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "authorize-connection",
		Method:      http.MethodGet,
		Path:        "/v1/connections/{app}/oauth2/authorize",
		Summary:     "Get the provider consent URL for an OAuth2 app",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *appPath) (*struct {
		Body struct {
			URL string `json:"url"`
		} `json:"body"`
	}, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := h.creds.AuthorizeURL(user, input.App)
		if err != nil {
			return nil, h.handleError(err)
		}
		out := &struct {
			Body struct {
				URL string `json:"url"`
			} `json:"body"`
		}{}
		out.Body.URL = u
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "connect-oauth2",
		Method:      http.MethodPost,
		Path:        "/v1/connections/{app}/oauth2",
		Summary:     "Exchange an authorization code and store the token",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		App  string           `path:"app"`
		Body oauthConnectBody `json:"body"`
	}) (*validationOutput, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.creds.ConnectOAuth2(ctx, user, input.App, input.Body.Code, input.Body.Props)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.validated(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "oauth2-callback",
		Method:      http.MethodGet,
		Path:        CallbackPath,
		Summary:     "OAuth2 redirect target",
		Security:    []map[string][]string{},
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Code  string `query:"code"`
		State string `query:"state"`
		Error string `query:"error"`
	}) (*validationOutput, error) {
		if input.Error != "" {
			return nil, newAPIError(http.StatusBadRequest, "oauth2_denied", input.Error)
		}
		if input.Code == "" || input.State == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "code and state are required")
		}
		owner, app, err := h.creds.ParseState(input.State)
		if err != nil {
			return nil, h.handleError(err)
		}
		res, err := h.creds.ConnectOAuth2(ctx, owner, app, input.Code, nil)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.validated(res)
	})
}
