// ABOUTME: Tests for gateway wiring: config to live API, MCP hub and run ledger
// ABOUTME: Uses httptest over the gateway handler and a temp SQLite database

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-apps/internal/auth"
	"github.com/2389/coven-apps/internal/config"
	"github.com/2389/coven-apps/internal/mcp"
	"github.com/2389/coven-apps/internal/runledger"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig(t *testing.T, addr string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	text := fmt.Sprintf(`
server:
  http_addr: %q
database:
  path: %q
auth:
  jwt_secret: %q
credentials:
  identity_file: %q
logging:
  level: debug
`, addr, filepath.Join(dir, "apps.db"), testSecret, filepath.Join(dir, "identity.txt"))
	cfg, err := config.Parse(text, false)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	gw, err := New(testConfig(t, "127.0.0.1:0"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.closeComponents() })
	return gw
}

func bearer(t *testing.T, user string) string {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	tok, err := v.Generate(user, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func call(t *testing.T, method, url, authz string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestDetermineMCPBaseURL(t *testing.T) {
	t.Setenv("COVEN_APPS_URL", "")
	cases := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{"explicit", config.Config{Platform: config.PlatformConfig{MCPBaseURL: "https://apps.example/"}}, "https://apps.example"},
		{"tcp", config.Config{Server: config.ServerConfig{HTTPAddr: ":8080"}}, "http://localhost:8080"},
		{"tailnet", config.Config{Tailscale: config.TailscaleConfig{Enabled: true, Hostname: "apps"}}, "http://apps"},
		{"tailnet https", config.Config{Tailscale: config.TailscaleConfig{Enabled: true, Hostname: "apps", HTTPS: true}}, "https://apps"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, determineMCPBaseURL(&tc.cfg))
		})
	}

	t.Setenv("COVEN_APPS_URL", "https://from-env.example")
	assert.Equal(t, "https://from-env.example", determineMCPBaseURL(&config.Config{}))
}

func TestNewWithoutAgentDisablesChat(t *testing.T) {
	gw := newTestGateway(t)
	assert.Nil(t, gw.convos)
	assert.Nil(t, gw.locker)
	assert.Nil(t, gw.pgLedger)

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/healthz", "", nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, call(t, http.MethodPost, ts.URL+"/v1/chats/c1/messages",
		bearer(t, "alice"), map[string]string{"id": "m1", "content": "hi"}, nil))
}

func TestServerToolCallIsRecorded(t *testing.T) {
	gw := newTestGateway(t)
	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()
	authz := bearer(t, "alice")

	var created struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, ts.URL+"/v1/servers", authz,
		map[string]any{"name": "notes", "apps": []string{"notes"}}, &created))
	require.True(t, strings.HasPrefix(created.URL, gw.MCPBaseURL()+"/mcp/"), created.URL)
	mcpURL := ts.URL + strings.TrimPrefix(created.URL, gw.MCPBaseURL())

	ctx := context.Background()
	client := mcp.NewClient(mcpURL, nil)
	_, err := client.Initialize(ctx)
	require.NoError(t, err)

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	var names []string
	for _, tl := range tools {
		names = append(names, tl.Name)
	}
	assert.Contains(t, names, "note_set")

	res, err := client.CallTool(ctx, "note_set", json.RawMessage(`{"key":"k","value":"v"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var runs []runledger.Run
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/v1/runs?server_id="+created.ID, authz, nil, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "note_set", runs[0].ToolName)
	assert.Equal(t, runledger.StatusSuccess, runs[0].Status)

	// Deleting the server revokes its URL.
	require.Equal(t, http.StatusNoContent, call(t, http.MethodDelete, ts.URL+"/v1/servers/"+created.ID, authz, nil, nil))
	_, err = mcp.NewClient(mcpURL, nil).Initialize(ctx)
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	gw, err := New(testConfig(t, addr), slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("gateway did not stop")
	}
}
