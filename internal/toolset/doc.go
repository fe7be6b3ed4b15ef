// Package toolset assembles the tools a chat turn can use.
//
// A chat carries an ordered list of sources. A remote source names a
// capability server registered on this deployment; PlatformResolver turns
// it into the server's /mcp/{token} URL plus the platform API key and the
// acting user's id. A direct source carries a literal URL and headers.
//
// Assemble opens one MCP session per source, concurrently and bounded by
// Config.Concurrency, and lists its tools. Merging then walks the sources
// in order, keeping every tool when IncludeAllTools is set and only the
// named ones otherwise. When two sources offer the same name the later
// source wins.
//
// A source that cannot be reached or listed is recorded in Set.Failures
// and skipped. Its warning is logged once per user and source within the
// warn window; repeats go to debug.
//
// The Set owns its sessions. Call routes by tool name; Close ends every
// session. Nothing is pooled across assemblies.
package toolset
