// ABOUTME: OAuth2 connect flow: signed state, consent URL and authorization code exchange
// ABOUTME: State is a short-lived HS256 JWT naming the owner and app, usable once

package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/2389/coven-apps/internal/appauth"
	"github.com/2389/coven-apps/internal/props"
)

const stateTTL = 10 * time.Minute

type stateClaims struct {
	App string `json:"app"`
	jwt.RegisteredClaims
}

func (s *Service) oauthConfig(appID string, strategy appauth.Strategy) (*oauth2.Config, error) {
	client, ok := s.oauthClients[appID]
	if !ok || client.ClientID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoOAuthClient, appID)
	}
	return appauth.ClientConfig(strategy.Definition(), client.ClientID, client.ClientSecret, s.redirectURL)
}

// AuthorizeURL returns the provider consent URL for connecting appID.
func (s *Service) AuthorizeURL(ownerID, appID string) (string, error) {
	strategy, err := s.strategy(appID)
	if err != nil {
		return "", err
	}
	cfg, err := s.oauthConfig(appID, strategy)
	if err != nil {
		return "", err
	}
	state, err := s.signState(ownerID, appID)
	if err != nil {
		return "", err
	}
	return appauth.AuthCodeURL(strategy.Definition(), cfg, state), nil
}

func (s *Service) signState(ownerID, appID string) (string, error) {
	now := time.Now()
	claims := stateClaims{
		App: appID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.stateSecret)
	if err != nil {
		return "", fmt.Errorf("signing state: %w", err)
	}
	return signed, nil
}

// ParseState verifies a state parameter and returns the owner and app it
// was issued for. Each state is accepted once.
func (s *Service) ParseState(state string) (ownerID, appID string, err error) {
	var claims stateClaims
	_, err = jwt.ParseWithClaims(state, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.stateSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.Subject == "" || claims.App == "" || claims.ID == "" {
		return "", "", ErrInvalidState
	}
	if s.usedStates.Seen(claims.ID) {
		return "", "", fmt.Errorf("%w: already used", ErrInvalidState)
	}
	return claims.Subject, claims.App, nil
}

// ConnectOAuth2 exchanges an authorization code and stores the resulting
// token for the owner. p carries the strategy's extra properties, if any.
func (s *Service) ConnectOAuth2(ctx context.Context, ownerID, appID, code string, p props.Values) (appauth.ValidationResult, error) {
	strategy, err := s.strategy(appID)
	if err != nil {
		return appauth.ValidationResult{}, err
	}
	if strategy.Definition().Kind != appauth.KindOAuth2 {
		return appauth.ValidationResult{}, appauth.ErrNotOAuth2
	}
	cfg, err := s.oauthConfig(appID, strategy)
	if err != nil {
		return appauth.ValidationResult{}, err
	}
	value, err := appauth.Exchange(ctx, cfg, code, p)
	if err != nil {
		return appauth.ValidationResult{}, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return appauth.ValidationResult{}, fmt.Errorf("encoding token: %w", err)
	}
	return s.Save(ctx, ownerID, appID, raw)
}
