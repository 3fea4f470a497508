// Package router resolves tool names to servers and invokes them through a
// per-server circuit breaker backed by the connection manager.
//
// Every call returns a CallResult; failures are reported in its Error field
// rather than as a Go error so callers can branch on the outcome without
// inspecting transport errors.
package router
