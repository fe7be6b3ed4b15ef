// ABOUTME: Platform header authentication for MCP endpoints.
// ABOUTME: X-Api-Key is checked against a bcrypt hash and X-User-Id names the acting user.

package mcp

import (
	"context"
	"crypto/sha256"
	"net/http"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Platform header names.
const (
	HeaderAPIKey = "X-Api-Key"
	HeaderUserID = "X-User-Id"
)

type actingUserKey struct{}

// WithActingUser returns a context carrying the acting user id.
func WithActingUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actingUserKey{}, userID)
}

// ActingUser returns the acting user id from ctx, or "".
func ActingUser(ctx context.Context) string {
	id, _ := ctx.Value(actingUserKey{}).(string)
	return id
}

// PlatformAuth verifies the platform API key on incoming MCP requests.
type PlatformAuth struct {
	hash []byte

	// verified holds sha256 digests of keys that already passed bcrypt.
	verified sync.Map
}

// NewPlatformAuth creates a verifier for the given bcrypt hash. An empty hash
// disables the key check; X-User-Id is still honoured.
func NewPlatformAuth(bcryptHash string) *PlatformAuth {
	return &PlatformAuth{hash: []byte(bcryptHash)}
}

// Enabled reports whether an API key is required.
func (p *PlatformAuth) Enabled() bool {
	return len(p.hash) > 0
}

// Check reports whether key matches the configured hash.
func (p *PlatformAuth) Check(key string) bool {
	if !p.Enabled() {
		return true
	}
	if key == "" {
		return false
	}
	digest := sha256.Sum256([]byte(key))
	if _, ok := p.verified.Load(digest); ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(p.hash, []byte(key)) != nil {
		return false
	}
	p.verified.Store(digest, struct{}{})
	return true
}

// Middleware rejects requests without a valid API key and stores the acting
// user in the request context.
func (p *PlatformAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Check(r.Header.Get(HeaderAPIKey)) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := r.Context()
		if user := r.Header.Get(HeaderUserID); user != "" {
			ctx = WithActingUser(ctx, user)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
