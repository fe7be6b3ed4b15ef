// ABOUTME: Tests for the HTTP API over a real SQLite store and credential service
// ABOUTME: Chat turns use a fake conversation service so error mapping can be driven directly

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-apps/internal/agent"
	"github.com/2389/coven-apps/internal/appauth"
	"github.com/2389/coven-apps/internal/auth"
	"github.com/2389/coven-apps/internal/capability"
	"github.com/2389/coven-apps/internal/conversation"
	"github.com/2389/coven-apps/internal/credentials"
	"github.com/2389/coven-apps/internal/props"
	"github.com/2389/coven-apps/internal/runledger"
	"github.com/2389/coven-apps/internal/store"
)

type fakeConversations struct {
	mu          sync.Mutex
	submitted   []conversation.SubmitRequest
	regenerated []conversation.RegenerateRequest
	result      *conversation.Result
	err         error
}

func (f *fakeConversations) Submit(_ context.Context, req conversation.SubmitRequest) (*conversation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return f.result, f.err
}

func (f *fakeConversations) Regenerate(_ context.Context, req conversation.RegenerateRequest) (*conversation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regenerated = append(f.regenerated, req)
	return f.result, f.err
}

func (f *fakeConversations) History(_ context.Context, _, _ string) ([]store.Message, error) {
	return nil, nil
}

type forgetter struct {
	mu  sync.Mutex
	ids []string
}

func (f *forgetter) Forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

type fixture struct {
	srv      *httptest.Server
	store    *store.SQLiteStore
	verifier *auth.JWTVerifier
	convos   *fakeConversations
	forgot   *forgetter
	updates  *conversation.Broadcaster
}

func testCatalog(t *testing.T) *capability.Catalog {
	t.Helper()
	region := props.Dropdown(func(_ context.Context, a any) ([]props.Choice[string], error) {
		key, _ := a.(string)
		if key == "" {
			return nil, errors.New("connect first")
		}
		return []props.Choice[string]{{Label: "EU for " + key, Value: "eu"}}, nil
	}).Required("region", props.Config[string]{DisplayName: "Region"})

	cat, err := capability.NewCatalog(
		&capability.Module{
			Name:        "secret",
			DisplayName: "Secret",
			Auth: appauth.SecretText(appauth.SecretTextConfig{
				DisplayName: "Key",
				Validate: func(_ context.Context, v string) error {
					if v == "revoked" {
						return errors.New("key revoked")
					}
					return nil
				},
			}),
			Tools: []*capability.Tool{
				capability.ParamTool("deploy", "Deploy somewhere", props.NewMap(region),
					func(context.Context, props.Values, capability.ExecutionContext) (*capability.Result, error) {
						return capability.Text("ok"), nil
					}),
			},
		},
		&capability.Module{
			Name:        "open",
			DisplayName: "Open",
			Tools: []*capability.Tool{
				capability.SimpleTool("ping", "Ping", func(context.Context, capability.ExecutionContext) (*capability.Result, error) {
					return capability.Text("pong"), nil
				}),
			},
		},
	)
	require.NoError(t, err)
	return cat
}

func newFixture(t *testing.T, withChat bool) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cat := testCatalog(t)
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	creds, err := credentials.NewService(credentials.Config{
		Store:       st,
		Catalog:     cat,
		Sealer:      credentials.NewSealer(id),
		StateSecret: []byte("state-secret"),
	})
	require.NoError(t, err)
	t.Cleanup(creds.Close)

	verifier, err := auth.NewJWTVerifier([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	f := &fixture{store: st, verifier: verifier, forgot: &forgetter{}, updates: conversation.NewBroadcaster(nil)}
	t.Cleanup(f.updates.Close)
	cfg := Config{
		Catalog:     cat,
		Store:       st,
		Credentials: creds,
		Broadcaster: f.updates,
		Servers:     f.forgot,
		Verifier:    verifier,
		MCPBaseURL:  "https://apps.example/",
	}
	if withChat {
		f.convos = &fakeConversations{result: &conversation.Result{}}
		cfg.Conversations = f.convos
	}
	h, err := New(cfg)
	require.NoError(t, err)
	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) token(t *testing.T, user string, roles ...string) string {
	t.Helper()
	tok, err := f.verifier.Generate(user, time.Hour, roles...)
	require.NoError(t, err)
	return tok
}

// do sends a request as user (anonymous when empty) and decodes the JSON
// response into out when out is non-nil.
func (f *fixture) do(t *testing.T, user, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type envelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, false)
	var body map[string]string
	assert.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, HealthPath, nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestOpenAPIDocument(t *testing.T) {
	f := newFixture(t, true)

	var doc struct {
		Components struct {
			Schemas map[string]struct {
				Properties map[string]struct {
					Type string   `json:"type"`
					Enum []string `json:"enum"`
				} `json:"properties"`
			} `json:"schemas"`
		} `json:"components"`
	}
	require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/openapi.json", nil, &doc))

	schemas := doc.Components.Schemas
	assert.Contains(t, schemas, "PropsDefinition")
	assert.Contains(t, schemas, "AppauthDefinition")

	event, ok := schemas["AgentEvent"]
	require.True(t, ok, "turn responses reference agent events")
	assert.Equal(t, "string", event.Properties["type"].Type)
	assert.Contains(t, event.Properties["type"].Enum, "tool_use")
}

func TestRequiresBearerToken(t *testing.T) {
	f := newFixture(t, false)
	var env envelope
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "", http.MethodGet, "/v1/apps", nil, &env))
	assert.Equal(t, "unauthorized", env.Error.Code)
}

func TestApps(t *testing.T) {
	f := newFixture(t, false)

	var apps []capability.ModuleInfo
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodGet, "/v1/apps", nil, &apps))
	require.Len(t, apps, 2)
	assert.Equal(t, "open", apps[0].Name)
	assert.Equal(t, "secret", apps[1].Name)

	var one capability.ModuleInfo
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodGet, "/v1/apps/secret", nil, &one))
	require.NotNil(t, one.Auth)
	assert.Equal(t, appauth.KindSecretText, one.Auth.Kind)

	var env envelope
	assert.Equal(t, http.StatusNotFound, f.do(t, "alice", http.MethodGet, "/v1/apps/nope", nil, &env))
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestPropOptionsUseCallerCredential(t *testing.T) {
	f := newFixture(t, false)
	path := "/v1/apps/secret/props/deploy/region/options"

	var env envelope
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, "alice", http.MethodGet, path, nil, &env))
	assert.Equal(t, "options_failed", env.Error.Code)

	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodPut, "/v1/connections/secret", `"k-123"`, nil))

	var opts []props.Option
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodGet, path, nil, &opts))
	require.Len(t, opts, 1)
	assert.Equal(t, "EU for k-123", opts[0].Label)
	assert.JSONEq(t, `"eu"`, string(opts[0].Value))

	assert.Equal(t, http.StatusNotFound, f.do(t, "alice", http.MethodGet, "/v1/apps/secret/props/deploy/nope/options", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, "alice", http.MethodGet, "/v1/apps/secret/props/missing/region/options", nil, nil))
}

func TestConnections(t *testing.T) {
	f := newFixture(t, false)

	var res appauth.ValidationResult
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodPut, "/v1/connections/secret", `"k-1"`, &res))
	assert.True(t, res.Valid)

	var env envelope
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, "alice", http.MethodPut, "/v1/connections/secret", `"revoked"`, &env))
	assert.Equal(t, "invalid_credential", env.Error.Code)
	assert.Equal(t, "key revoked", env.Error.Message)

	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, "alice", http.MethodPut, "/v1/connections/open", `"x"`, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, "alice", http.MethodPut, "/v1/connections/nope", `"x"`, nil))

	var conns []connectionResponse
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodGet, "/v1/connections", nil, &conns))
	require.Len(t, conns, 1)
	assert.Equal(t, "secret", conns[0].App)

	require.Equal(t, http.StatusOK, f.do(t, "bob", http.MethodGet, "/v1/connections", nil, &conns))
	assert.Empty(t, conns)

	assert.Equal(t, http.StatusNoContent, f.do(t, "alice", http.MethodDelete, "/v1/connections/secret", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, "alice", http.MethodDelete, "/v1/connections/secret", nil, nil))
}

func TestOAuthCallbackRejectsBadState(t *testing.T) {
	f := newFixture(t, false)

	var env envelope
	assert.Equal(t, http.StatusBadRequest, f.do(t, "", http.MethodGet, CallbackPath+"?code=c&state=forged", nil, &env))
	assert.Equal(t, "invalid_state", env.Error.Code)

	assert.Equal(t, http.StatusBadRequest, f.do(t, "", http.MethodGet, CallbackPath+"?error=access_denied", nil, &env))
	assert.Equal(t, "oauth2_denied", env.Error.Code)
}

func TestServers(t *testing.T) {
	f := newFixture(t, false)

	var env envelope
	assert.Equal(t, http.StatusUnprocessableEntity,
		f.do(t, "alice", http.MethodPost, "/v1/servers", createServerBody{Name: "x", Apps: []string{"nope"}}, &env))

	var created serverResponse
	require.Equal(t, http.StatusCreated,
		f.do(t, "alice", http.MethodPost, "/v1/servers", createServerBody{Name: "mine", Apps: []string{"open", "secret", "open"}}, &created))
	assert.Equal(t, []string{"open", "secret"}, created.Apps)
	assert.True(t, strings.HasPrefix(created.URL, "https://apps.example/mcp/"), created.URL)

	var list []serverResponse
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodGet, "/v1/servers", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.URL, list[0].URL)

	assert.Equal(t, http.StatusNotFound, f.do(t, "bob", http.MethodDelete, "/v1/servers/"+created.ID, nil, nil))
	assert.Empty(t, f.forgot.ids)

	assert.Equal(t, http.StatusNoContent, f.do(t, "alice", http.MethodDelete, "/v1/servers/"+created.ID, nil, nil))
	assert.Equal(t, []string{created.ID}, f.forgot.ids)
}

func TestChatsUnavailableWithoutAgent(t *testing.T) {
	f := newFixture(t, false)
	var env envelope
	assert.Equal(t, http.StatusServiceUnavailable,
		f.do(t, "alice", http.MethodPost, "/v1/chats/c1/messages", submitBody{ID: "m1", Content: "hi"}, &env))
	assert.Equal(t, "unavailable", env.Error.Code)
}

func TestSubmitMessage(t *testing.T) {
	f := newFixture(t, true)
	f.convos.result = &conversation.Result{
		Messages: []store.Message{
			{ID: "m1", Role: store.RoleUser, Content: "hi"},
			{ID: "a1", Role: store.RoleAssistant, Content: "hello"},
		},
		Generated: []store.Message{{ID: "a1", Role: store.RoleAssistant, Content: "hello"}},
		Events:    []agent.Event{{Type: agent.EventText, Text: "hello"}},
	}

	var out turnResponse
	require.Equal(t, http.StatusOK,
		f.do(t, "alice", http.MethodPost, "/v1/chats/c1/messages", submitBody{ID: "m1", Content: "hi", Title: "Greeting"}, &out))
	assert.Len(t, out.Messages, 2)
	assert.Equal(t, "hello", out.Generated[0].Content)
	require.Len(t, out.Events, 1)
	assert.Equal(t, agent.EventText, out.Events[0].Type)

	require.Len(t, f.convos.submitted, 1)
	req := f.convos.submitted[0]
	assert.Equal(t, "c1", req.ChatID)
	assert.Equal(t, "alice", req.UserID)
	assert.Equal(t, "Greeting", req.Title)
	assert.Equal(t, store.RoleUser, req.Message.Role)
	assert.Equal(t, "m1", req.Message.ID)
}

func TestTurnErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"busy", conversation.ErrLockTimeout, http.StatusConflict, "chat_busy"},
		{"provider", &agent.ProviderError{StatusCode: 500, Message: "down"}, http.StatusBadGateway, "generation_failed"},
		{"steps", agent.ErrTooManySteps, http.StatusBadGateway, "generation_failed"},
		{"not user", conversation.ErrNotUserMessage, http.StatusUnprocessableEntity, "validation_failed"},
		{"missing", conversation.ErrMessageNotFound, http.StatusNotFound, "not_found"},
		{"foreign chat", store.ErrNotFound, http.StatusNotFound, "not_found"},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.convos.err = tc.err

			var env envelope
			assert.Equal(t, tc.status,
				f.do(t, "alice", http.MethodPost, "/v1/chats/c1/regenerate", regenerateBody{MessageID: "m1"}, &env))
			assert.Equal(t, tc.code, env.Error.Code)
			if tc.status == http.StatusInternalServerError {
				assert.NotContains(t, env.Error.Message, "disk")
			}
		})
	}
}

func TestToolSources(t *testing.T) {
	f := newFixture(t, false)

	var env envelope
	bad := sourcesBody{Sources: []store.ToolSource{{IsRemoteMCP: true, MCPServerID: "ghost"}}}
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, "alice", http.MethodPut, "/v1/chats/c1/sources", bad, &env))
	assert.Contains(t, env.Error.Message, "ghost")

	noURL := sourcesBody{Sources: []store.ToolSource{{Config: &store.DirectConfig{}}}}
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, "alice", http.MethodPut, "/v1/chats/c1/sources", noURL, nil))

	srv := &store.Server{OwnerID: "alice", Name: "s", Apps: []string{"open"}}
	require.NoError(t, f.store.CreateServer(context.Background(), srv))

	good := sourcesBody{Sources: []store.ToolSource{
		{IsRemoteMCP: true, MCPServerID: srv.ID, IncludeAllTools: true},
		{Config: &store.DirectConfig{URL: "https://tools.example/mcp"}, Tools: []string{"search"}},
	}}
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodPut, "/v1/chats/c1/sources", good, nil))

	var got sourcesBody
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodGet, "/v1/chats/c1/sources", nil, &got))
	assert.Equal(t, good.Sources, got.Sources)

	assert.Equal(t, http.StatusNotFound, f.do(t, "bob", http.MethodGet, "/v1/chats/c1/sources", nil, nil))

	// bob cannot attach alice's server
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, "bob", http.MethodPut, "/v1/chats/c2/sources",
		sourcesBody{Sources: []store.ToolSource{{IsRemoteMCP: true, MCPServerID: srv.ID}}}, nil))

	var chats []chatResponse
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodGet, "/v1/chats", nil, &chats))
	require.Len(t, chats, 1)
	assert.Equal(t, "c1", chats[0].ID)
}

func TestRuns(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	mine, err := f.store.CreateRun(ctx, runledger.NewRun{ServerID: "s1", AppID: "open", AppName: "Open", ToolName: "ping", OwnerID: "alice", Input: json.RawMessage(`{}`)})
	require.NoError(t, err)
	theirs, err := f.store.CreateRun(ctx, runledger.NewRun{ServerID: "s2", AppID: "open", AppName: "Open", ToolName: "ping", OwnerID: "bob", Input: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateRunResult(ctx, mine, runledger.Result{Output: json.RawMessage(`"pong"`), Status: runledger.StatusSuccess}))

	var runs []runledger.Run
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodGet, "/v1/runs?owner=bob", nil, &runs))
	require.Len(t, runs, 1, "non-admins only see their own runs")
	assert.Equal(t, mine, runs[0].ID)
	assert.Equal(t, runledger.StatusSuccess, runs[0].Status)

	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodGet, "/v1/runs?status=PENDING", nil, &runs))
	assert.Empty(t, runs)

	var run runledger.Run
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodGet, "/v1/runs/"+mine, nil, &run))
	assert.Equal(t, "ping", run.ToolName)
	assert.Equal(t, http.StatusNotFound, f.do(t, "alice", http.MethodGet, "/v1/runs/"+theirs, nil, nil))

	// admins may look across owners
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/runs?owner=bob", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "root", auth.RoleAdmin))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, theirs, runs[0].ID)
}

// openEvents subscribes to a chat's event stream as user.
func (f *fixture) openEvents(t *testing.T, user, chatID string) *bufio.Scanner {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/v1/chats/"+chatID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, user))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	return bufio.NewScanner(resp.Body)
}

// nextEvent returns the data of the next event named name.
func nextEvent(t *testing.T, sc *bufio.Scanner, name string) string {
	t.Helper()
	var event string
	for sc.Scan() {
		line := sc.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok && event == name {
			return v
		}
	}
	require.NoError(t, sc.Err())
	t.Fatalf("stream ended before a %q event", name)
	return ""
}

func publishMessage(f *fixture, owner, chatID, msgID, content string) {
	f.updates.Publish(&conversation.Update{
		OwnerID: owner,
		ChatID:  chatID,
		Message: &store.Message{ID: msgID, Role: store.RoleUser, Content: content},
	})
}

func TestChatEventsStream(t *testing.T) {
	f := newFixture(t, false)
	sc := f.openEvents(t, "alice", "c1")

	require.Eventually(t, func() bool { return f.updates.SubscriberCount("alice", "c1") == 1 },
		2*time.Second, 10*time.Millisecond)
	publishMessage(f, "alice", "c1", "m1", "hi")

	var u conversation.Update
	require.NoError(t, json.Unmarshal([]byte(nextEvent(t, sc, "update")), &u))
	assert.Equal(t, "c1", u.ChatID)
	require.NotNil(t, u.Message)
	assert.Equal(t, "hi", u.Message.Content)
}

func TestChatEventsOnlyCarryCallersUpdates(t *testing.T) {
	f := newFixture(t, false)

	// mallory watches an id before alice creates a chat with it
	sc := f.openEvents(t, "mallory", "c1")
	require.Eventually(t, func() bool { return f.updates.SubscriberCount("mallory", "c1") == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.store.SaveChat(context.Background(), store.SaveChatParams{
		ChatID:   "c1",
		UserID:   "alice",
		Messages: []store.Message{{ID: "m1", Role: store.RoleUser, Content: "alice secret"}},
	}))
	publishMessage(f, "alice", "c1", "m1", "alice secret")
	publishMessage(f, "mallory", "c1", "m2", "marker")

	var u conversation.Update
	require.NoError(t, json.Unmarshal([]byte(nextEvent(t, sc, "update")), &u))
	require.NotNil(t, u.Message)
	assert.Equal(t, "marker", u.Message.Content, "alice's update must not reach mallory")
}

func TestChatEventsRejectOtherOwnersChat(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.store.SaveChat(context.Background(), store.SaveChatParams{
		ChatID:   "c1",
		UserID:   "alice",
		Messages: []store.Message{{ID: "m1", Role: store.RoleUser, Content: "hi"}},
	}))

	sc := f.openEvents(t, "mallory", "c1")
	var body envelope
	require.NoError(t, json.Unmarshal([]byte(nextEvent(t, sc, "error")), &body.Error))
	assert.Equal(t, "not_found", body.Error.Code)
	assert.Zero(t, f.updates.SubscriberCount("mallory", "c1"))
}
