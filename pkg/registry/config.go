package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ServerType is the transport family declared by a server entry.
type ServerType string

const (
	TypeHTTP  ServerType = "http"
	TypeStdio ServerType = "stdio"
)

// Protocol is the wire protocol spoken over the transport.
type Protocol string

const (
	ProtocolREST    Protocol = "rest"
	ProtocolJSONRPC Protocol = "jsonrpc"
	ProtocolMCP     Protocol = "mcp"
)

const (
	// DefaultMaxInFlight bounds concurrent calls when max_in_flight is omitted.
	DefaultMaxInFlight = 10
	defaultToolsPath   = "/tools"
	defaultCallPath    = "/call"
)

// ServerConfig describes one backend tool server. Values handed out by the
// Registry are shared between readers and must be treated as immutable; a
// changed entry is a new identity (see Key).
type ServerConfig struct {
	Name           string            `yaml:"-" json:"name"`
	Type           ServerType        `yaml:"type" json:"type"`
	Protocol       Protocol          `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	URL            string            `yaml:"url,omitempty" json:"url,omitempty"`
	Command        string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args           []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Capabilities   []string          `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	MaxInFlight    int               `yaml:"max_in_flight,omitempty" json:"max_in_flight,omitempty"`
	Enabled        *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	HealthCheckURL string            `yaml:"health_check_url,omitempty" json:"health_check_url,omitempty"`
	TimeoutMS      int               `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	ToolsPath      string            `yaml:"tools_path,omitempty" json:"tools_path,omitempty"`
	CallPath       string            `yaml:"call_path,omitempty" json:"call_path,omitempty"`
	LogRPC         bool              `yaml:"log_rpc,omitempty" json:"log_rpc,omitempty"`

	// Dynamic is set for entries that came from the catalog rather than the
	// static document.
	Dynamic bool `yaml:"-" json:"dynamic,omitempty"`
}

// IsEnabled reports whether the server takes part in routing. Servers are
// enabled unless explicitly disabled.
func (c *ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Timeout returns the per-call timeout declared for the server, or zero.
func (c *ServerConfig) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// HasCapability reports whether cap is declared by the server.
func (c *ServerConfig) HasCapability(capability string) bool {
	for _, item := range c.Capabilities {
		if item == capability {
			return true
		}
	}
	return false
}

// connectionIdentity holds the fields that matter for establishing a
// connection; capabilities, enablement and routing do not.
type connectionIdentity struct {
	Type           ServerType        `json:"type"`
	Protocol       Protocol          `json:"protocol"`
	URL            string            `json:"url"`
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Headers        map[string]string `json:"headers"`
	Env            map[string]string `json:"env"`
	HealthCheckURL string            `json:"health_check_url"`
	ToolsPath      string            `json:"tools_path"`
	CallPath       string            `json:"call_path"`
	MaxInFlight    int               `json:"max_in_flight"`
}

// Key returns the composite identity of the server: its name plus a digest of
// every connection-relevant field. Two configs with the same Key can share a
// pooled connection.
func (c *ServerConfig) Key() string {
	id := connectionIdentity{
		Type:           c.Type,
		Protocol:       c.Protocol,
		URL:            c.URL,
		Command:        c.Command,
		Args:           c.Args,
		Headers:        c.Headers,
		Env:            c.Env,
		HealthCheckURL: c.HealthCheckURL,
		ToolsPath:      c.ToolsPath,
		CallPath:       c.CallPath,
		MaxInFlight:    c.MaxInFlight,
	}
	// encoding/json sorts map keys, so the digest is stable.
	data, _ := json.Marshal(id)
	sum := sha256.Sum256(data)
	return c.Name + "#" + hex.EncodeToString(sum[:8])
}

// clone returns a deep copy so substitution and defaults never touch the
// decoded document.
func (c *ServerConfig) clone() *ServerConfig {
	out := *c
	out.Args = append([]string(nil), c.Args...)
	out.Capabilities = append([]string(nil), c.Capabilities...)
	out.Headers = cloneMap(c.Headers)
	out.Env = cloneMap(c.Env)
	if c.Enabled != nil {
		enabled := *c.Enabled
		out.Enabled = &enabled
	}
	return &out
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Routing maps tool names to servers.
type Routing struct {
	CapabilityPatterns map[string]string `yaml:"capability_patterns,omitempty" json:"capability_patterns,omitempty"`
	DefaultServer      string            `yaml:"default_server,omitempty" json:"default_server,omitempty"`
}

// CatalogConfig points at a document of dynamically discovered servers.
type CatalogConfig struct {
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// Document is the on-disk registry configuration.
type Document struct {
	Version string                   `yaml:"version,omitempty" json:"version,omitempty"`
	Servers map[string]*ServerConfig `yaml:"servers" json:"servers"`
	Routing Routing                  `yaml:"routing,omitempty" json:"routing,omitempty"`
	Catalog *CatalogConfig           `yaml:"catalog,omitempty" json:"catalog,omitempty"`
}
