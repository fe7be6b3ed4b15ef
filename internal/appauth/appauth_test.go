// ABOUTME: Tests for auth strategy factories, credential decoding, and validation
// ABOUTME: Uses httptest servers as the external systems validators call

package appauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-apps/internal/props"
)

// pingValidator calls a fake API that accepts only the "good" token.
func pingValidator(url string) Validator[string] {
	return func(ctx context.Context, token string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errors.New("token rejected: " + resp.Status)
		}
		return nil
	}
}

func TestSecretText_Defaults(t *testing.T) {
	a := SecretText(SecretTextConfig{DisplayName: "API Key"})
	d := a.Definition()
	assert.Equal(t, KindSecretText, d.Kind)
	assert.True(t, d.Required)

	notRequired := false
	b := SecretText(SecretTextConfig{DisplayName: "API Key", Required: &notRequired})
	assert.False(t, b.Definition().Required)
}

func TestSecretText_Validate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := SecretText(SecretTextConfig{DisplayName: "API Key", Validate: pingValidator(srv.URL)})
	ctx := context.Background()

	tests := []struct {
		name  string
		raw   string
		valid bool
	}{
		{"accepted", `"good"`, true},
		{"rejected by service", `"bad"`, false},
		{"empty", `""`, false},
		{"whitespace", `"   "`, false},
		{"not a string", `42`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.Validate(ctx, json.RawMessage(tt.raw))
			assert.Equal(t, tt.valid, res.Valid)
			if !tt.valid {
				assert.NotEmpty(t, res.Error)
			}
		})
	}
}

func TestValidate_NetworkErrorIsReported(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := SecretText(SecretTextConfig{DisplayName: "API Key", Validate: pingValidator(url)})
	res := a.Validate(context.Background(), json.RawMessage(`"good"`))
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Error)
}

func TestValidate_PanicIsReported(t *testing.T) {
	a := SecretText(SecretTextConfig{
		DisplayName: "API Key",
		Validate: func(context.Context, string) error {
			panic("boom")
		},
	})
	res := a.Validate(context.Background(), json.RawMessage(`"x"`))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "boom")
}

func TestBasicAuth(t *testing.T) {
	a := BasicAuth(BasicAuthConfig{
		DisplayName: "Login",
		Required:    true,
		Username:    Descriptor{DisplayName: "Username"},
		Password:    Descriptor{DisplayName: "Password"},
		Validate: func(_ context.Context, v BasicAuthValue) error {
			if v.Password != "hunter2" {
				return errors.New("wrong password")
			}
			return nil
		},
	})

	d := a.Definition()
	require.NotNil(t, d.Username)
	assert.Equal(t, "Username", d.Username.DisplayName)

	ctx := context.Background()
	assert.True(t, a.Validate(ctx, json.RawMessage(`{"username":"u","password":"hunter2"}`)).Valid)
	assert.False(t, a.Validate(ctx, json.RawMessage(`{"username":"u","password":"nope"}`)).Valid)
	assert.False(t, a.Validate(ctx, json.RawMessage(`{"username":"","password":"hunter2"}`)).Valid)

	v, err := a.DecodeValue(json.RawMessage(`{"username":"u","password":"p"}`))
	require.NoError(t, err)
	got, ok := a.From(any(v))
	require.True(t, ok)
	assert.Equal(t, "u", got.Username)
}

func TestOAuth2_ForcesRequiredAndDisplayName(t *testing.T) {
	a := OAuth2(OAuth2Config{
		AuthURL:  "https://example.com/auth",
		TokenURL: "https://example.com/token",
		Scope:    []string{"repo"},
	})
	d := a.Definition()
	assert.Equal(t, KindOAuth2, d.Kind)
	assert.Equal(t, "Connection", d.DisplayName)
	assert.True(t, d.Required)

	assert.False(t, a.Validate(context.Background(), json.RawMessage(`{"access_token":""}`)).Valid)
	assert.True(t, a.Validate(context.Background(), json.RawMessage(`{"access_token":"t","data":{}}`)).Valid)
}

func TestOAuth2_NestedProps(t *testing.T) {
	a := OAuth2(OAuth2Config{
		AuthURL:  "https://example.com/auth",
		TokenURL: "https://example.com/token",
		Props: props.NewMap(
			props.ShortText.Required("subdomain", props.Config[string]{DisplayName: "Subdomain"}),
		),
	})
	assert.Contains(t, a.Definition().Props, "subdomain")
	assert.False(t, a.Validate(context.Background(), json.RawMessage(`{"access_token":"t"}`)).Valid)
	assert.True(t, a.Validate(context.Background(), json.RawMessage(`{"access_token":"t","props":{"subdomain":"acme"}}`)).Valid)
}

func TestCustomAuth(t *testing.T) {
	a := CustomAuth(CustomAuthConfig{
		DisplayName: "Matrix",
		Required:    true,
		Props: props.NewMap(
			props.ShortText.Required("homeserver", props.Config[string]{DisplayName: "Homeserver"}),
			props.ShortText.Required("access_token", props.Config[string]{DisplayName: "Access Token"}),
		),
	})
	ctx := context.Background()

	res := a.Validate(ctx, json.RawMessage(`{"homeserver":"https://m.org"}`))
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Error)

	assert.False(t, a.Validate(ctx, json.RawMessage(`[]`)).Valid)
	assert.True(t, a.Validate(ctx, json.RawMessage(`{"homeserver":"https://m.org","access_token":"x"}`)).Valid)
}

func TestNone(t *testing.T) {
	assert.Nil(t, None())
}

func TestClientConfig_AuthStyle(t *testing.T) {
	a := OAuth2(OAuth2Config{
		AuthURL:             "https://example.com/auth",
		TokenURL:            "https://example.com/token",
		Scope:               []string{"read"},
		AuthorizationMethod: AuthorizationBody,
		Extra:               map[string]string{"prompt": "consent"},
	})
	cfg, err := ClientConfig(a.Definition(), "id", "secret", "https://app/cb")
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, cfg.Scopes)
	assert.Contains(t, AuthCodeURL(a.Definition(), cfg, "st"), "prompt=consent")

	_, err = ClientConfig(SecretText(SecretTextConfig{}).Definition(), "id", "s", "")
	assert.ErrorIs(t, err, ErrNotOAuth2)
}

func TestExchangeAndRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			_, _ = w.Write([]byte(`{"access_token":"first","refresh_token":"r1","token_type":"bearer","expires_in":3600,"scope":"repo"}`))
		case "refresh_token":
			_, _ = w.Write([]byte(`{"access_token":"second","token_type":"bearer","expires_in":3600}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	a := OAuth2(OAuth2Config{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token", AuthorizationMethod: AuthorizationBody})
	cfg, err := ClientConfig(a.Definition(), "id", "secret", "")
	require.NoError(t, err)

	ctx := context.Background()
	v, err := Exchange(ctx, cfg, "code", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", v.AccessToken)
	assert.Equal(t, "repo", v.Data["scope"])

	same, refreshed, err := Refresh(ctx, cfg, v)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, "first", same.AccessToken)

	v.Expiry = time.Now().Add(-time.Hour)
	fresh, refreshed, err := Refresh(ctx, cfg, v)
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, "second", fresh.AccessToken)
	assert.Equal(t, "r1", fresh.RefreshToken)
}
