// ABOUTME: Authentication strategies a capability module declares for its credential
// ABOUTME: SecretText, BasicAuth, OAuth2 and CustomAuth variants with typed credential values

package appauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-apps/internal/props"
)

var (
	ErrMalformedCredential = errors.New("malformed credential")
	ErrNotOAuth2           = errors.New("strategy is not OAuth2")
)

// Kind discriminates the auth definition union. A module with no auth has
// a nil Strategy rather than a kind.
type Kind string

const (
	KindSecretText Kind = "SECRET_TEXT"
	KindBasicAuth  Kind = "BASIC_AUTH"
	KindOAuth2     Kind = "OAUTH2"
	KindCustomAuth Kind = "CUSTOM_AUTH"
)

// AuthorizationMethod controls where OAuth2 client credentials are sent
// during token exchange.
type AuthorizationMethod string

const (
	AuthorizationHeader AuthorizationMethod = "HEADER"
	AuthorizationBody   AuthorizationMethod = "BODY"
)

// Descriptor labels one input of a multi-field credential form.
type Descriptor struct {
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
}

// Definition is the serializable description of a strategy.
type Definition struct {
	Kind                Kind                        `json:"type"`
	DisplayName         string                      `json:"displayName"`
	Description         string                      `json:"description,omitempty"`
	Required            bool                        `json:"required"`
	Username            *Descriptor                 `json:"username,omitempty"`
	Password            *Descriptor                 `json:"password,omitempty"`
	AuthURL             string                      `json:"authUrl,omitempty"`
	TokenURL            string                      `json:"tokenUrl,omitempty"`
	Scope               []string                    `json:"scope,omitempty"`
	AuthorizationMethod AuthorizationMethod         `json:"authorizationMethod,omitempty"`
	Extra               map[string]string           `json:"extra,omitempty"`
	Props               map[string]props.Definition `json:"props,omitempty"`
}

// ValidationResult reports whether a supplied credential was accepted.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func valid() ValidationResult { return ValidationResult{Valid: true} }

func invalid(msg string) ValidationResult {
	if msg == "" {
		msg = "credential rejected"
	}
	return ValidationResult{Error: msg}
}

// Strategy is the type-erased view of an Auth used by the catalog and the
// credential store.
type Strategy interface {
	Definition() Definition
	Decode(raw json.RawMessage) (any, error)
	Validate(ctx context.Context, raw json.RawMessage) ValidationResult
}

// Validator performs a live check of a credential against the external
// system. It only runs when a user supplies or changes a credential.
type Validator[V any] func(ctx context.Context, v V) error

// Auth is a strategy whose credential value has type V.
type Auth[V any] struct {
	def      Definition
	decode   func(raw json.RawMessage) (V, error)
	validate Validator[V]
	props    props.Map
}

func (a *Auth[V]) Definition() Definition { return a.def }

// Props returns the nested properties of OAuth2 and CustomAuth strategies.
func (a *Auth[V]) Props() props.Map { return a.props }

// Decode parses a stored credential.
func (a *Auth[V]) Decode(raw json.RawMessage) (any, error) {
	v, err := a.decode(raw)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeValue parses a stored credential into its typed form.
func (a *Auth[V]) DecodeValue(raw json.RawMessage) (V, error) {
	return a.decode(raw)
}

// Validate never returns an error: decode failures, validator errors and
// validator panics all come back as an invalid result with a message.
func (a *Auth[V]) Validate(ctx context.Context, raw json.RawMessage) (res ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			res = invalid(fmt.Sprintf("validation failed: %v", r))
		}
	}()

	v, err := a.decode(raw)
	if err != nil {
		return invalid(err.Error())
	}
	if a.validate == nil {
		return valid()
	}
	if err := a.validate(ctx, v); err != nil {
		return invalid(err.Error())
	}
	return valid()
}

// From extracts the typed credential from an execution context's auth
// value. It reports false when the credential is absent.
func (a *Auth[V]) From(auth any) (V, bool) {
	v, ok := auth.(V)
	return v, ok
}

// None declares that a module needs no credential.
func None() Strategy { return nil }

// SecretTextConfig configures a single opaque secret such as an API key.
type SecretTextConfig struct {
	DisplayName string
	Description string
	// Required defaults to true when nil.
	Required *bool
	Validate Validator[string]
}

func SecretText(cfg SecretTextConfig) *Auth[string] {
	required := true
	if cfg.Required != nil {
		required = *cfg.Required
	}
	return &Auth[string]{
		def: Definition{
			Kind:        KindSecretText,
			DisplayName: cfg.DisplayName,
			Description: cfg.Description,
			Required:    required,
		},
		decode: func(raw json.RawMessage) (string, error) {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return "", fmt.Errorf("%w: secret must be a string", ErrMalformedCredential)
			}
			if strings.TrimSpace(s) == "" {
				return "", fmt.Errorf("%w: secret is empty", ErrMalformedCredential)
			}
			return s, nil
		},
		validate: cfg.Validate,
	}
}

// BasicAuthValue is the credential of a BasicAuth strategy.
type BasicAuthValue struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type BasicAuthConfig struct {
	DisplayName string
	Description string
	Required    bool
	Username    Descriptor
	Password    Descriptor
	Validate    Validator[BasicAuthValue]
}

func BasicAuth(cfg BasicAuthConfig) *Auth[BasicAuthValue] {
	username, password := cfg.Username, cfg.Password
	return &Auth[BasicAuthValue]{
		def: Definition{
			Kind:        KindBasicAuth,
			DisplayName: cfg.DisplayName,
			Description: cfg.Description,
			Required:    cfg.Required,
			Username:    &username,
			Password:    &password,
		},
		decode: func(raw json.RawMessage) (BasicAuthValue, error) {
			var v BasicAuthValue
			if err := json.Unmarshal(raw, &v); err != nil {
				return v, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
			}
			if v.Username == "" {
				return v, fmt.Errorf("%w: username is empty", ErrMalformedCredential)
			}
			if v.Password == "" {
				return v, fmt.Errorf("%w: password is empty", ErrMalformedCredential)
			}
			return v, nil
		},
		validate: cfg.Validate,
	}
}

// CustomAuthConfig composes a credential out of named sub-properties.
type CustomAuthConfig struct {
	DisplayName string
	Description string
	Required    bool
	Props       props.Map
	Validate    Validator[props.Values]
}

func CustomAuth(cfg CustomAuthConfig) *Auth[props.Values] {
	return &Auth[props.Values]{
		def: Definition{
			Kind:        KindCustomAuth,
			DisplayName: cfg.DisplayName,
			Description: cfg.Description,
			Required:    cfg.Required,
			Props:       cfg.Props.Definitions(),
		},
		decode: func(raw json.RawMessage) (props.Values, error) {
			var v props.Values
			if err := json.Unmarshal(raw, &v); err != nil || v == nil {
				return nil, fmt.Errorf("%w: expected an object", ErrMalformedCredential)
			}
			if err := cfg.Props.Check(v); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
			}
			return v, nil
		},
		validate: cfg.Validate,
		props:    cfg.Props,
	}
}
