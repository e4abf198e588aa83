// Package mcp exposes the orchestrator to a driving agent as MCP tools over
// stdio.
//
// Tools call the orchestrator in-process. Every rejection is returned as a
// tool error naming its kind, so the agent sees "lease held by another
// owner: T3: leased by w1" rather than a transport failure. Results are
// returned as JSON text content.
package mcp
