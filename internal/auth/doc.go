// Package auth authenticates API callers and manages the platform API key.
//
// # JWT Tokens
//
// Users authenticate with HS256 JWTs signed with auth.jwt_secret. The sub
// claim is the user id; an optional roles claim may contain "admin".
//
//	v, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := v.Generate("user-1", 24*time.Hour)
//
// HTTPAuthMiddleware verifies the bearer token and stores an AuthContext
// in the request context. Failures are written in the API error envelope.
//
// # Platform API Key
//
// Agents calling /mcp present X-Api-Key. NewAPIKey mints a key and
// HashAPIKey produces the bcrypt hash stored in platform.api_key_hash.
package auth
