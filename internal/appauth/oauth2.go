// ABOUTME: OAuth2 strategy, its credential value, and client configuration helpers
// ABOUTME: Bridges declared endpoints to golang.org/x/oauth2 for code exchange and refresh

package appauth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/2389/coven-apps/internal/props"
)

// OAuth2Value is the credential of an OAuth2 strategy.
type OAuth2Value struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	Expiry       time.Time      `json:"expiry,omitzero"`
	Data         map[string]any `json:"data,omitempty"`
	Props        props.Values   `json:"props,omitempty"`
}

// Token converts the value for use with an oauth2.TokenSource.
func (v OAuth2Value) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  v.AccessToken,
		RefreshToken: v.RefreshToken,
		TokenType:    v.TokenType,
		Expiry:       v.Expiry,
	}
}

// Expired reports whether the access token is past, or within a minute
// of, its expiry. Tokens without an expiry never expire.
func (v OAuth2Value) Expired(now time.Time) bool {
	return !v.Expiry.IsZero() && now.Add(time.Minute).After(v.Expiry)
}

// ValueFromToken builds a credential from a token response, keeping the
// provider-specific props the user entered when connecting.
func ValueFromToken(tok *oauth2.Token, p props.Values) OAuth2Value {
	v := OAuth2Value{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		Props:        p,
	}
	for _, key := range []string{"scope", "id_token"} {
		if extra, ok := tok.Extra(key).(string); ok && extra != "" {
			if v.Data == nil {
				v.Data = map[string]any{}
			}
			v.Data[key] = extra
		}
	}
	return v
}

type OAuth2Config struct {
	Description         string
	AuthURL             string
	TokenURL            string
	Scope               []string
	AuthorizationMethod AuthorizationMethod
	Extra               map[string]string
	Props               props.Map
	Validate            Validator[OAuth2Value]
}

// OAuth2 declares a connection made through an authorization-code flow.
// It is always required and always labelled "Connection".
func OAuth2(cfg OAuth2Config) *Auth[OAuth2Value] {
	return &Auth[OAuth2Value]{
		def: Definition{
			Kind:                KindOAuth2,
			DisplayName:         "Connection",
			Description:         cfg.Description,
			Required:            true,
			AuthURL:             cfg.AuthURL,
			TokenURL:            cfg.TokenURL,
			Scope:               cfg.Scope,
			AuthorizationMethod: cfg.AuthorizationMethod,
			Extra:               cfg.Extra,
			Props:               cfg.Props.Definitions(),
		},
		decode: func(raw json.RawMessage) (OAuth2Value, error) {
			var v OAuth2Value
			if err := json.Unmarshal(raw, &v); err != nil {
				return v, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
			}
			if v.AccessToken == "" {
				return v, fmt.Errorf("%w: access_token is empty", ErrMalformedCredential)
			}
			if len(cfg.Props) > 0 {
				if err := cfg.Props.Check(v.Props); err != nil {
					return v, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
				}
			}
			return v, nil
		},
		validate: cfg.Validate,
		props:    cfg.Props,
	}
}

// ClientConfig builds the oauth2 client for an OAuth2 definition.
func ClientConfig(def Definition, clientID, clientSecret, redirectURL string) (*oauth2.Config, error) {
	if def.Kind != KindOAuth2 {
		return nil, ErrNotOAuth2
	}
	style := oauth2.AuthStyleAutoDetect
	switch def.AuthorizationMethod {
	case AuthorizationHeader:
		style = oauth2.AuthStyleInHeader
	case AuthorizationBody:
		style = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       def.Scope,
		Endpoint: oauth2.Endpoint{
			AuthURL:   def.AuthURL,
			TokenURL:  def.TokenURL,
			AuthStyle: style,
		},
	}, nil
}

// AuthCodeURL returns the consent URL, carrying the definition's extra
// parameters.
func AuthCodeURL(def Definition, cfg *oauth2.Config, state string) string {
	opts := make([]oauth2.AuthCodeOption, 0, len(def.Extra))
	for k, v := range def.Extra {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return cfg.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for a credential value.
func Exchange(ctx context.Context, cfg *oauth2.Config, code string, p props.Values) (OAuth2Value, error) {
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return OAuth2Value{}, fmt.Errorf("exchanging code: %w", err)
	}
	return ValueFromToken(tok, p), nil
}

// Refresh returns a fresh credential when v has expired, and v unchanged
// otherwise. The boolean reports whether a refresh happened.
func Refresh(ctx context.Context, cfg *oauth2.Config, v OAuth2Value) (OAuth2Value, bool, error) {
	if !v.Expired(time.Now()) || v.RefreshToken == "" {
		return v, false, nil
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: v.RefreshToken}).Token()
	if err != nil {
		return v, false, fmt.Errorf("refreshing token: %w", err)
	}
	fresh := ValueFromToken(tok, v.Props)
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = v.RefreshToken
	}
	return fresh, true, nil
}
