// ABOUTME: Credential service: validates, seals, stores and resolves per-owner app credentials
// ABOUTME: Refreshes expired OAuth2 tokens on resolve and notifies listeners on every change

package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-apps/internal/appauth"
	"github.com/2389/coven-apps/internal/capability"
	"github.com/2389/coven-apps/internal/dedupe"
	"github.com/2389/coven-apps/internal/store"
)

var (
	ErrNotConnected  = errors.New("app not connected")
	ErrNoAuth        = errors.New("app takes no credential")
	ErrNoOAuthClient = errors.New("no OAuth2 client configured for app")
	ErrInvalidState  = errors.New("invalid or expired OAuth2 state")
)

// OAuthClient holds the client registration for one OAuth2 app.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

// ChangeFunc is called after a credential is saved, refreshed or deleted.
type ChangeFunc func(ownerID, appID string)

type Config struct {
	Store        store.ConnectionStore
	Catalog      *capability.Catalog
	Sealer       *Sealer
	OAuthClients map[string]OAuthClient // by app name
	RedirectURL  string
	// StateSecret signs OAuth2 state parameters.
	StateSecret []byte
	Logger      *slog.Logger
}

// Service is the credential store for capability modules.
type Service struct {
	store        store.ConnectionStore
	catalog      *capability.Catalog
	sealer       *Sealer
	oauthClients map[string]OAuthClient
	redirectURL  string
	stateSecret  []byte
	usedStates   *dedupe.Window
	logger       *slog.Logger

	mu        sync.RWMutex
	listeners []ChangeFunc

	// refreshMu serializes OAuth2 refreshes so concurrent resolves do not
	// spend the same refresh token twice.
	refreshMu sync.Mutex
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("connection store is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.Sealer == nil {
		return nil, errors.New("sealer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        cfg.Store,
		catalog:      cfg.Catalog,
		sealer:       cfg.Sealer,
		oauthClients: cfg.OAuthClients,
		redirectURL:  cfg.RedirectURL,
		stateSecret:  cfg.StateSecret,
		usedStates:   dedupe.NewWindow(stateTTL, 10000),
		logger:       logger.With("component", "credentials"),
	}, nil
}

// Close stops background work.
func (s *Service) Close() {
	s.usedStates.Close()
}

// OnChange registers a listener for credential changes.
func (s *Service) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Service) notify(ownerID, appID string) {
	s.mu.RLock()
	listeners := append([]ChangeFunc(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ownerID, appID)
	}
}

func (s *Service) strategy(appID string) (appauth.Strategy, error) {
	mod, ok := s.catalog.Get(appID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", capability.ErrUnknownModule, appID)
	}
	if mod.Auth == nil {
		return nil, ErrNoAuth
	}
	return mod.Auth, nil
}

// Save validates raw against the app's strategy and stores it sealed. An
// invalid credential is reported in the result and nothing is stored.
func (s *Service) Save(ctx context.Context, ownerID, appID string, raw json.RawMessage) (appauth.ValidationResult, error) {
	strategy, err := s.strategy(appID)
	if err != nil {
		return appauth.ValidationResult{}, err
	}
	res := strategy.Validate(ctx, raw)
	if !res.Valid {
		s.logger.Info("credential rejected", "owner_id", ownerID, "app", appID, "reason", res.Error)
		return res, nil
	}
	if err := s.put(ctx, ownerID, appID, strategy.Definition().Kind, raw); err != nil {
		return appauth.ValidationResult{}, err
	}
	s.logger.Info("credential saved", "owner_id", ownerID, "app", appID)
	s.notify(ownerID, appID)
	return res, nil
}

func (s *Service) put(ctx context.Context, ownerID, appID string, kind appauth.Kind, raw json.RawMessage) error {
	sealed, err := s.sealer.Seal(raw)
	if err != nil {
		return err
	}
	return s.store.PutConnection(ctx, &store.Connection{
		OwnerID: ownerID,
		AppID:   appID,
		Kind:    string(kind),
		Sealed:  sealed,
	})
}

// Resolve returns the decoded credential for an app, or ErrNotConnected.
// Expired OAuth2 tokens are refreshed and stored before returning.
func (s *Service) Resolve(ctx context.Context, ownerID, appID string) (any, error) {
	strategy, err := s.strategy(appID)
	if err != nil {
		return nil, err
	}
	value, err := s.load(ctx, strategy, ownerID, appID)
	if err != nil {
		return nil, err
	}

	v, ok := value.(appauth.OAuth2Value)
	if !ok || !v.Expired(time.Now()) || v.RefreshToken == "" {
		return value, nil
	}
	return s.refresh(ctx, strategy, ownerID, appID)
}

func (s *Service) load(ctx context.Context, strategy appauth.Strategy, ownerID, appID string) (any, error) {
	conn, err := s.store.GetConnection(ctx, ownerID, appID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}
	raw, err := s.sealer.Open(conn.Sealed)
	if err != nil {
		return nil, err
	}
	value, err := strategy.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding stored credential: %w", err)
	}
	return value, nil
}

func (s *Service) refresh(ctx context.Context, strategy appauth.Strategy, ownerID, appID string) (any, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	value, err := s.load(ctx, strategy, ownerID, appID)
	if err != nil {
		return nil, err
	}
	v := value.(appauth.OAuth2Value)

	cfg, err := s.oauthConfig(appID, strategy)
	if err != nil {
		return nil, err
	}
	fresh, refreshed, err := appauth.Refresh(ctx, cfg, v)
	if err != nil {
		s.logger.Warn("token refresh failed", "owner_id", ownerID, "app", appID, "error", err)
		return nil, err
	}
	if !refreshed {
		return v, nil
	}

	raw, err := json.Marshal(fresh)
	if err != nil {
		return nil, fmt.Errorf("encoding refreshed credential: %w", err)
	}
	if err := s.put(ctx, ownerID, appID, appauth.KindOAuth2, raw); err != nil {
		return nil, err
	}
	s.logger.Info("token refreshed", "owner_id", ownerID, "app", appID)
	s.notify(ownerID, appID)
	return fresh, nil
}

// Delete removes the owner's credential for an app.
func (s *Service) Delete(ctx context.Context, ownerID, appID string) error {
	err := s.store.DeleteConnection(ctx, ownerID, appID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotConnected
	}
	if err != nil {
		return err
	}
	s.logger.Info("credential deleted", "owner_id", ownerID, "app", appID)
	s.notify(ownerID, appID)
	return nil
}

// List returns the owner's connections without their sealed values.
func (s *Service) List(ctx context.Context, ownerID string) ([]*store.Connection, error) {
	return s.store.ListConnections(ctx, ownerID)
}
