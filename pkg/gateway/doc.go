// Package gateway serves the router over HTTP: a JSON surface for listing and
// calling tools, operational endpoints for breakers and connections, and a
// Streamable MCP endpoint that re-exports every backend tool under a
// namespaced name so MCP clients can reach all servers through one host.
package gateway
