// ABOUTME: HTTP API: huma operations over chi behind bearer JWT authentication
// ABOUTME: Errors use the {"error":{"code","message"}} envelope with domain errors mapped to statuses

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/coven-apps/internal/agent"
	"github.com/2389/coven-apps/internal/appauth"
	"github.com/2389/coven-apps/internal/auth"
	"github.com/2389/coven-apps/internal/capability"
	"github.com/2389/coven-apps/internal/conversation"
	"github.com/2389/coven-apps/internal/credentials"
	"github.com/2389/coven-apps/internal/props"
	"github.com/2389/coven-apps/internal/runledger"
	"github.com/2389/coven-apps/internal/store"
	"github.com/2389/coven-apps/internal/toolset"
)

// Paths served without a bearer token.
const (
	HealthPath   = "/healthz"
	CallbackPath = "/oauth2/callback"
)

// Credentials is what the API needs from the credential service.
type Credentials interface {
	Save(ctx context.Context, ownerID, appID string, raw json.RawMessage) (appauth.ValidationResult, error)
	Resolve(ctx context.Context, ownerID, appID string) (any, error)
	Delete(ctx context.Context, ownerID, appID string) error
	List(ctx context.Context, ownerID string) ([]*store.Connection, error)
	AuthorizeURL(ownerID, appID string) (string, error)
	ParseState(state string) (ownerID, appID string, err error)
	ConnectOAuth2(ctx context.Context, ownerID, appID, code string, p props.Values) (appauth.ValidationResult, error)
}

// Conversations runs chat turns.
type Conversations interface {
	Submit(ctx context.Context, req conversation.SubmitRequest) (*conversation.Result, error)
	Regenerate(ctx context.Context, req conversation.RegenerateRequest) (*conversation.Result, error)
	History(ctx context.Context, chatID, userID string) ([]store.Message, error)
}

// Store is the persistence the API reads and writes directly.
type Store interface {
	store.ServerStore
	ListChats(ctx context.Context, ownerID string, limit int) ([]*store.Chat, error)
	SetToolSources(ctx context.Context, chatID, userID string, sources []store.ToolSource) error
	ListToolSources(ctx context.Context, chatID, userID string) ([]store.ToolSource, error)
}

// ServerCache drops cached MCP hosts of deleted servers.
type ServerCache interface {
	Forget(serverID string)
}

// Config contains configuration for the API handler.
type Config struct {
	Catalog       *capability.Catalog
	Store         Store
	Credentials   Credentials
	Conversations Conversations // nil disables chat generation
	Broadcaster   *conversation.Broadcaster
	// Runs reads the run ledger; when nil the Store is used if it is one.
	Runs     runledger.Reader
	Servers  ServerCache
	Verifier auth.TokenVerifier
	// MCPBaseURL prefixes the /mcp/<token> URL returned for new servers.
	MCPBaseURL string
	Logger     *slog.Logger
}

type handler struct {
	catalog     *capability.Catalog
	store       Store
	creds       Credentials
	convos      Conversations
	broadcaster *conversation.Broadcaster
	runs        runledger.Reader
	servers     ServerCache
	mcpBaseURL  string
	logger      *slog.Logger
}

// New returns the API handler.
func New(cfg Config) (http.Handler, error) {
	if cfg.Catalog == nil || cfg.Store == nil || cfg.Credentials == nil {
		return nil, errors.New("catalog, store and credentials are required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runs := cfg.Runs
	if runs == nil {
		if r, ok := cfg.Store.(runledger.Reader); ok {
			runs = r
		}
	}
	h := &handler{
		catalog:     cfg.Catalog,
		store:       cfg.Store,
		creds:       cfg.Credentials,
		convos:      cfg.Conversations,
		broadcaster: cfg.Broadcaster,
		runs:        runs,
		servers:     cfg.Servers,
		mcpBaseURL:  strings.TrimRight(cfg.MCPBaseURL, "/"),
		logger:      logger.With("component", "api"),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(auth.HTTPAuthMiddleware(cfg.Verifier,
		HealthPath, CallbackPath, "/openapi.json", "/openapi.yaml", "/docs"))

	hcfg := huma.DefaultConfig("coven-apps API", "1.0.0")
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	hcfg.Security = []map[string][]string{{"bearerAuth": {}}}
	hcfg.Components.Schemas = huma.NewMapRegistry("#/components/schemas/", schemaName)
	api := humachi.New(router, hcfg)

	registerHealth(api)
	h.registerApps(api)
	h.registerConnections(api)
	h.registerServers(api)
	h.registerChats(api)
	h.registerRuns(api)

	return router, nil
}

func init() {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", errorMessage(msg, errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", errorMessage(msg, errs))
	}
}

// schemaName prefixes named types from other packages with the package
// name, so props.Definition and appauth.Definition become PropsDefinition
// and AppauthDefinition.
func schemaName(t reflect.Type, hint string) string {
	name := huma.DefaultSchemaNamer(t, hint)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return name
	}
	pkg := path.Base(t.PkgPath())
	if pkg == "api" {
		return name
	}
	return strings.ToUpper(pkg[:1]) + pkg[1:] + name
}

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"not found"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

func errorMessage(msg string, errs []error) string {
	if len(errs) == 0 {
		return msg
	}
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	if len(parts) == 0 {
		return msg
	}
	return msg + ": " + strings.Join(parts, "; ")
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// handleError maps domain errors onto the envelope.
func (h *handler) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var pe *agent.ProviderError
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrForbidden),
		errors.Is(err, runledger.ErrNotFound),
		errors.Is(err, capability.ErrUnknownModule),
		errors.Is(err, capability.ErrUnknownTool),
		errors.Is(err, props.ErrUnknownProperty),
		errors.Is(err, conversation.ErrMessageNotFound),
		errors.Is(err, credentials.ErrNotConnected):
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrDuplicate):
		return newAPIError(http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, conversation.ErrLockTimeout):
		return newAPIError(http.StatusConflict, "chat_busy", err.Error())
	case errors.Is(err, conversation.ErrNotUserMessage),
		errors.Is(err, conversation.ErrInvalidMessage),
		errors.Is(err, conversation.ErrEmptyLog),
		errors.Is(err, credentials.ErrNoAuth),
		errors.Is(err, credentials.ErrNoOAuthClient),
		errors.Is(err, appauth.ErrNotOAuth2),
		errors.Is(err, props.ErrNoOptions),
		errors.Is(err, toolset.ErrInvalidSource):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.Is(err, credentials.ErrInvalidState):
		return newAPIError(http.StatusBadRequest, "invalid_state", err.Error())
	case errors.As(err, &pe), errors.Is(err, agent.ErrTooManySteps):
		return newAPIError(http.StatusBadGateway, "generation_failed", err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// userID returns the authenticated caller.
func userID(ctx context.Context) (string, huma.StatusError) {
	if a := auth.FromContext(ctx); a != nil && a.UserID != "" {
		return a.UserID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required")
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        HealthPath,
		Summary:     "Health check",
		Security:    []map[string][]string{},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}
