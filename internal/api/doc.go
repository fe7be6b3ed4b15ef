// Package api serves the management HTTP API: app catalog, connections,
// servers, chats and the run ledger.
//
// Every operation under /v1 requires a bearer JWT. Errors share one
// envelope:
//
//	{"error": {"code": "not_found", "message": "app not connected"}}
//
// The OpenAPI document is served at /openapi.json.
package api
