package gateway

import (
	"strings"
)

// NamespaceStrategy generates the MCP-facing names for backend tools.
// Implementations must be deterministic and collision-free for a given
// server/tool pair.
type NamespaceStrategy interface {
	ToolName(server, tool string) string
	NativeToolName(gatewayName string) (server, tool string, ok bool)
}

// ServerPrefixNamespace prefixes every tool with the originating server,
// separating the two with a configurable delimiter (defaults to "__" to stay
// within MCP's tool name character guidance).
type ServerPrefixNamespace struct {
	Separator string
}

func (s ServerPrefixNamespace) separator() string {
	if s.Separator == "" {
		return "__"
	}
	return s.Separator
}

func (s ServerPrefixNamespace) ToolName(server, tool string) string {
	return server + s.separator() + tool
}

// NativeToolName splits on the first separator, so tool names may contain it
// but server names may not.
func (s ServerPrefixNamespace) NativeToolName(gatewayName string) (string, string, bool) {
	server, tool, ok := strings.Cut(gatewayName, s.separator())
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}
