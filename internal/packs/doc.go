// Package packs turns capability modules into served MCP tools.
//
// # Adapter
//
// Adapter.Register wraps one capability tool and registers it on a host:
//
//	adapter := packs.NewAdapter(runledger.NewRecorder(st, logger), logger)
//	adapter.Register(host, tool, credential, &capability.LoggingContext{...})
//
// Every invocation through the wrapper:
//
//  1. builds the ExecutionContext from the transport extras, the
//     credential and the logging context
//  2. when a logging context is set, writes a PENDING run with the call
//     arguments ({} for simple tools) before the tool runs
//  3. invokes the tool (arguments are validated first)
//  4. completes the run as SUCCESS, or FAILED for error results, returned
//     errors and panics; errors and panics reach the host unchanged
//
// Ledger writes are best effort and never change what the caller sees.
// Each invocation also opens an OpenTelemetry span named "tool <name>".
//
// Host options come from one decision table keyed on whether the tool has
// a description, annotations and an input schema.
//
// # Hub
//
// Hub serves every registered capability server at /mcp/{token}. The first
// request for a server builds an mcp.Server holding the tools of each app
// it serves, bound to the owner's credentials; later requests reuse it
// until Invalidate (a credential changed), Forget (the server was deleted)
// or an OAuth2 token nears expiry.
package packs
