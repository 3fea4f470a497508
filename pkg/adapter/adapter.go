package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
	"github.com/vikashloomba/tool-gateway-go/pkg/registry"
)

// Tool describes one callable tool advertised by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	// Server is filled in by the router during discovery.
	Server string `json:"server,omitempty"`
}

// UnmarshalJSON accepts both inputSchema and input_schema spellings.
func (t *Tool) UnmarshalJSON(data []byte) error {
	var wire struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
		SnakeSchema json.RawMessage `json:"input_schema"`
		Server      string          `json:"server"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	t.Name = wire.Name
	t.Description = wire.Description
	t.Server = wire.Server
	t.InputSchema = wire.InputSchema
	if len(t.InputSchema) == 0 {
		t.InputSchema = wire.SnakeSchema
	}
	if string(t.InputSchema) == "null" {
		t.InputSchema = nil
	}
	return nil
}

// CallOptions tune a single invocation.
type CallOptions struct {
	// Timeout bounds the call including time spent queued. Zero means the
	// connection manager default.
	Timeout time.Duration
	// Stream requests a streamed response. Only adapters implementing Streamer
	// honour it.
	Stream bool
}

// Adapter is the protocol-neutral contract every backend variant satisfies.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any, opts CallOptions) (json.RawMessage, error)
	// Connected reports whether the transport is still usable. It turns false
	// when a child process exits or an MCP session closes.
	Connected() bool
}

// Streamer is implemented by adapters able to return incremental results.
type Streamer interface {
	StreamTool(ctx context.Context, name string, args map[string]any, opts CallOptions) (*Stream, error)
}

// Factory builds an adapter for a server entry.
type Factory func(cfg *registry.ServerConfig) (Adapter, error)

// Options configure adapters created by New.
type Options struct {
	// Logger receives adapter diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// HTTPClient is the base client for HTTP variants. Headers declared in the
	// registry are layered on top by a decorating RoundTripper.
	HTTPClient *http.Client
	// ClientName and ClientVersion identify the gateway to MCP servers.
	ClientName    string
	ClientVersion string
	// ShutdownGrace is how long a stdio child gets to exit after stdin closes
	// before it is killed.
	ShutdownGrace time.Duration
}

const (
	defaultClientName    = "tool-gateway"
	defaultClientVersion = "0.1.0"
	defaultShutdownGrace = 2 * time.Second
)

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.ClientName == "" {
		opts.ClientName = defaultClientName
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = defaultClientVersion
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	return opts
}

// New selects the adapter variant for cfg.
func New(cfg *registry.ServerConfig, opts *Options) (Adapter, error) {
	o := opts.withDefaults()
	logger := o.Logger.With("server", cfg.Name)
	switch registry.ProtocolOf(cfg) {
	case registry.ProtocolMCP:
		if registry.TransportOf(cfg) == "" {
			break
		}
		return newMCPAdapter(cfg, o, logger), nil
	case registry.ProtocolJSONRPC:
		switch registry.TransportOf(cfg) {
		case registry.TypeStdio:
			return newStdioAdapter(cfg, o, logger), nil
		case registry.TypeHTTP:
			return newJSONRPCAdapter(cfg, o, logger), nil
		}
	case registry.ProtocolREST:
		if registry.IsHTTP(cfg) {
			return newRESTAdapter(cfg, o, logger), nil
		}
	}
	return nil, gwerrors.NewConfigError(cfg.Name, "protocol",
		fmt.Sprintf("no adapter for type %q protocol %q", cfg.Type, cfg.Protocol))
}

// NewFactory binds opts into a Factory.
func NewFactory(opts *Options) Factory {
	return func(cfg *registry.ServerConfig) (Adapter, error) {
		return New(cfg, opts)
	}
}

type requestIDKey struct{}

// WithRequestID attaches a request id that HTTP adapters forward as
// X-Request-ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id stored by WithRequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
