package gateway

import (
	"encoding/json"
	"maps"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/tool-gateway-go/pkg/adapter"
)

const (
	metaKeyServer     = "toolgateway.server"
	metaKeyNativeName = "toolgateway.native_name"
)

// featureIndex tracks which MCP-facing tool names belong to which backend
// server so the Streamable server can be kept in step with discovery.
type featureIndex struct {
	ns NamespaceStrategy

	mu          sync.RWMutex
	tools       map[string]toolTarget
	serverTools map[string][]string
}

type toolTarget struct {
	GatewayName string
	Server      string
	NativeName  string
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

func newFeatureIndex(ns NamespaceStrategy) *featureIndex {
	return &featureIndex{
		ns:          ns,
		tools:       make(map[string]toolTarget),
		serverTools: make(map[string][]string),
	}
}

// UpdateTools replaces a server's tools, returning the gateway names to
// remove and the registrations to add.
func (f *featureIndex) UpdateTools(server string, upstream []adapter.Tool) (removed []string, added []toolRegistration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed = f.removeToolsLocked(server)
	added = make([]toolRegistration, 0, len(upstream))
	names := make([]string, 0, len(upstream))
	for _, tool := range upstream {
		if tool.Name == "" {
			continue
		}
		gatewayName := f.ns.ToolName(server, tool.Name)
		target := toolTarget{GatewayName: gatewayName, Server: server, NativeName: tool.Name}
		f.tools[gatewayName] = target
		added = append(added, toolRegistration{Tool: mcpTool(tool, gatewayName, server), Target: target})
		names = append(names, gatewayName)
	}
	f.serverTools[server] = names
	return removed, added
}

// RemoveServer forgets every tool of server.
func (f *featureIndex) RemoveServer(server string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeToolsLocked(server)
}

// Servers lists servers that currently have registrations.
func (f *featureIndex) Servers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.serverTools))
	for server := range f.serverTools {
		out = append(out, server)
	}
	sort.Strings(out)
	return out
}

func (f *featureIndex) ToolTarget(name string) (toolTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tools[name]
	return t, ok
}

func (f *featureIndex) removeToolsLocked(server string) []string {
	names, ok := f.serverTools[server]
	if !ok {
		return nil
	}
	for _, name := range names {
		delete(f.tools, name)
	}
	delete(f.serverTools, server)
	return append([]string(nil), names...)
}

// mcpTool converts a backend tool. MCP requires an object input schema, so a
// missing or unusable schema becomes an empty object schema.
func mcpTool(tool adapter.Tool, gatewayName, server string) *mcp.Tool {
	schema := &jsonschema.Schema{}
	if len(tool.InputSchema) > 0 {
		if err := json.Unmarshal(tool.InputSchema, schema); err != nil {
			schema = &jsonschema.Schema{}
		}
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	if schema.Type != "object" {
		schema = &jsonschema.Schema{Type: "object"}
	}
	return &mcp.Tool{
		Name:        gatewayName,
		Description: tool.Description,
		InputSchema: schema,
		Meta: withMeta(nil, map[string]any{
			metaKeyServer:     server,
			metaKeyNativeName: tool.Name,
		}),
	}
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
