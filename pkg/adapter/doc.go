// Package adapter speaks the wire protocols used by backend tool servers and
// hides them behind one Adapter contract.
//
// # Variants
//
//   - REST over HTTP: GET {url}{tools_path} and POST {url}{call_path}.
//   - JSON-RPC 2.0 over HTTP POST, with an optional streaming mode that yields
//     blank-line-delimited frames through a Stream.
//   - JSON-RPC 2.0 over a child process's stdin/stdout, one process per
//     connection.
//   - MCP client sessions (stdio or Streamable HTTP) built on the
//     modelcontextprotocol/go-sdk client.
//
// New picks the variant from the server's declared type and protocol. Adapters
// never retry: a failed Connect is returned unmodified so the connection
// manager can apply its own policy, and a failed call surfaces as a
// gwerrors.ToolCallError carrying the backend's message and status or code.
package adapter
