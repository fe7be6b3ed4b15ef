// Package mcp implements the Model Context Protocol transport used to serve
// and consume tools.
//
// # Overview
//
// Each registered capability server is hosted by one Server. Tools are added
// at build time with AddTool and listed to clients in registration order.
// Client is the other side: the tool-set assembler uses it to reach both
// pre-registered servers and ad hoc endpoints.
//
// # Protocol
//
// JSON-RPC 2.0 over Streamable HTTP (2025-03-26 and 2025-11-25). One endpoint
// accepts:
//
//   - POST: initialize, ping, tools/list, tools/call, notifications/*
//   - DELETE: terminate the session named by Mcp-Session-Id
//   - GET: 405, server-initiated streams are not offered
//
// initialize returns an Mcp-Session-Id header that every later request must
// carry. An unknown session id yields 404 and the client re-initializes.
//
// # Platform headers
//
// PlatformAuth wraps a Server: X-Api-Key must match the configured bcrypt
// hash, and X-User-Id becomes the acting user visible to tool handlers as
// CallRequest.UserID.
//
// # Errors
//
// A ToolHandler that returns an error produces a JSON-RPC internal error.
// Failures a model should see go in CallToolResult with IsError set.
//
// # Usage
//
//	srv := mcp.NewServer(mcp.Config{Name: "github"})
//	srv.AddTool("get_viewer", handler, mcp.WithDescription("Current user"))
//	http.Handle("/mcp/", mcp.NewPlatformAuth(hash).Middleware(srv))
//
//	c := mcp.NewClient(url, map[string]string{"X-Api-Key": key})
//	if _, err := c.Initialize(ctx); err != nil { ... }
//	tools, err := c.ListTools(ctx)
package mcp
