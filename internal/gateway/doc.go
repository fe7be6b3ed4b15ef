// Package gateway wires the coven-apps server together.
//
// New builds every component from a *config.Config: the SQLite store, the
// run ledger (SQLite or Postgres), the bundled app catalog, the credential
// service, the MCP hub, the tool-set assembler and, when an agent is
// configured, the conversation service. Credential changes invalidate the
// hub's cached hosts.
//
// Routes:
//
//	/mcp/{token}   MCP endpoint of a registered server (platform headers)
//	/healthz       liveness, unauthenticated
//	/v1/...        management API, bearer JWT
//
// Run listens on server.http_addr, or on a tsnet node when tailscale is
// enabled, starts the stale-run sweeper, and shuts everything down when
// its context is canceled.
package gateway
