// ABOUTME: Tests for the matrix app against a fake homeserver
// ABOUTME: Covers whoami validation and markdown rendering of sent messages

package apps

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-apps/internal/capability"
	"github.com/2389/coven-apps/internal/props"
)

type fakeHomeserver struct {
	*httptest.Server
	mu   sync.Mutex
	sent []map[string]any
	room string
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	f := &fakeHomeserver{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer syt_good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN_TOKEN","error":"Invalid access token"}`))
			return
		}
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/account/whoami"):
			_, _ = w.Write([]byte(`{"user_id":"@bot:example.com","device_id":"DEV"}`))
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/send/m.room.message/"):
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			rest := strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3/rooms/")
			f.mu.Lock()
			f.sent = append(f.sent, body)
			f.room, _, _ = strings.Cut(rest, "/")
			f.mu.Unlock()
			_, _ = w.Write([]byte(`{"event_id":"$evt1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"Unrecognized request"}`))
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeHomeserver) creds(user, token string) props.Values {
	raw := func(s string) json.RawMessage { b, _ := json.Marshal(s); return b }
	return props.Values{
		"homeserver":   raw(f.URL),
		"user_id":      raw(user),
		"access_token": raw(token),
	}
}

func TestMatrixAuth_Validate(t *testing.T) {
	f := newFakeHomeserver(t)
	mod := Matrix(f.Client())

	cases := []struct {
		name  string
		creds props.Values
		valid bool
	}{
		{"matching user", f.creds("@bot:example.com", "syt_good"), true},
		{"other user", f.creds("@someone:example.com", "syt_good"), false},
		{"bad token", f.creds("@bot:example.com", "syt_bad"), false},
		{"malformed user id", f.creds("bot", "syt_good"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.creds)
			require.NoError(t, err)
			res := mod.Auth.Validate(t.Context(), raw)
			assert.Equal(t, tc.valid, res.Valid, res.Error)
		})
	}

	res := mod.Auth.Validate(t.Context(), json.RawMessage(`{"homeserver":"https://x"}`))
	assert.False(t, res.Valid, "missing fields are rejected before any request")
}

func TestMatrix_SendMessage(t *testing.T) {
	f := newFakeHomeserver(t)
	mod := Matrix(f.Client())
	ec := capability.ExecutionContext{Auth: f.creds("@bot:example.com", "syt_good")}

	var out struct {
		EventID string `json:"event_id"`
	}
	decodeResult(t, invoke(t, mod, "send_message", map[string]any{
		"room_id": "!room:example.com",
		"text":    "**deploy** finished",
		"notice":  true,
	}, ec), &out)
	assert.Equal(t, "$evt1", out.EventID)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.sent, 1)
	assert.Equal(t, "!room:example.com", f.room)
	msg := f.sent[0]
	assert.Equal(t, "m.notice", msg["msgtype"])
	assert.Equal(t, "**deploy** finished", msg["body"])
	assert.Equal(t, "org.matrix.custom.html", msg["format"])
	assert.Equal(t, "<p><strong>deploy</strong> finished</p>", msg["formatted_body"])
}

func TestMatrix_SendMessageErrors(t *testing.T) {
	f := newFakeHomeserver(t)
	mod := Matrix(f.Client())

	res := invoke(t, mod, "send_message", map[string]any{"room_id": "#alias:example.com", "text": "hi"},
		capability.ExecutionContext{Auth: f.creds("@bot:example.com", "syt_good")})
	assert.True(t, res.IsError)

	res = invoke(t, mod, "send_message", map[string]any{"room_id": "!room:example.com", "text": "hi"},
		capability.ExecutionContext{Auth: f.creds("@bot:example.com", "syt_bad")})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "send message")
}

func TestMessageContent_PlainText(t *testing.T) {
	c, err := messageContent("hello", false)
	require.NoError(t, err)
	assert.Equal(t, "m.text", string(c.MsgType))
	assert.Equal(t, "<p>hello</p>", c.FormattedBody)
}
