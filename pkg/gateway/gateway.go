package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/vikashloomba/tool-gateway-go/pkg/adapter"
	"github.com/vikashloomba/tool-gateway-go/pkg/router"
)

// Gateway exposes the router over HTTP.
type Gateway struct {
	router *router.Router
	opts   Options

	features *featureIndex

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	engine        *gin.Engine
	httpHandler   http.Handler

	serverMu sync.Mutex
	running  atomic.Pointer[http.Server]
}

const readHeaderTimeout = 10 * time.Second

// New builds a Gateway and synchronizes the initial MCP tool snapshot.
// Servers that cannot be listed yet are logged and picked up on a later
// listing.
func New(rt *router.Router, opts *Options) (*Gateway, error) {
	if rt == nil {
		return nil, fmt.Errorf("gateway: router is required")
	}
	options := opts.withDefaults()
	g := &Gateway{
		router:   rt,
		opts:     options,
		features: newFeatureIndex(options.Namespace),
	}

	if !options.DisableMCP {
		g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{HasTools: true})
		g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return g.server
		}, &options.Streamable)
	}
	g.engine = g.routes()
	g.httpHandler = cors.New(cors.Options{
		AllowedOrigins: options.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{headerRequestID, "Mcp-Session-Id"},
	}).Handler(g.engine)

	if !options.DisableMCP {
		ctx, cancel := context.WithTimeout(context.Background(), options.SyncTimeout)
		defer cancel()
		g.SyncTools(ctx)
	}
	return g, nil
}

// Handler exposes the HTTP handler that serves every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// Engine exposes the gin engine so callers can add routes before serving.
func (g *Gateway) Engine() *gin.Engine {
	return g.engine
}

// Options returns a copy of the gateway options after defaults were applied.
func (g *Gateway) Options() Options {
	return g.opts
}

// ListenAndServe serves on Addr until ctx is done, then stops accepting
// connections and gives in-flight requests ShutdownTimeout to finish.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.opts.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	if !g.running.CompareAndSwap(nil, srv) {
		return fmt.Errorf("gateway: already serving")
	}
	defer g.running.CompareAndSwap(srv, nil)

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe() }()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	g.opts.Logger.Info("gateway draining", "addr", g.opts.Addr, "grace", g.opts.ShutdownTimeout)
	drain, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drain); err != nil {
		g.logError("gateway forced to stop", err)
	}
	return ctx.Err()
}

// Shutdown stops a server started by ListenAndServe. It is a no-op when
// nothing is serving.
func (g *Gateway) Shutdown(ctx context.Context) error {
	srv := g.running.Swap(nil)
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// SyncTools lists every server and mirrors the result on the MCP endpoint.
func (g *Gateway) SyncTools(ctx context.Context) []adapter.Tool {
	tools := g.router.ListAllTools(ctx)
	g.mirrorTools()
	return tools
}

// mirrorTools brings the MCP server in line with the router's tool index.
// Servers that failed their last listing keep their previous tools until the
// index drops them.
func (g *Gateway) mirrorTools() {
	if g.server == nil {
		return
	}
	byServer := make(map[string][]adapter.Tool)
	for _, tool := range g.router.IndexedTools() {
		byServer[tool.Server] = append(byServer[tool.Server], tool)
	}

	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	for _, server := range g.features.Servers() {
		if _, ok := byServer[server]; ok {
			continue
		}
		if removed := g.features.RemoveServer(server); len(removed) > 0 {
			g.server.RemoveTools(removed...)
		}
	}
	for server, tools := range byServer {
		removed, added := g.features.UpdateTools(server, tools)
		if len(removed) > 0 {
			g.server.RemoveTools(removed...)
		}
		for _, reg := range added {
			g.server.AddTool(reg.Tool, g.makeToolHandler(reg.Target))
		}
	}
}

func (g *Gateway) makeToolHandler(target toolTarget) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]any
		if req != nil && req.Params != nil {
			raw, err := json.Marshal(req.Params.Arguments)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("gateway: arguments must be an object: %w", err)
			}
		}
		res := g.router.CallTool(ctx, router.CallRequest{Tool: target.NativeName, Server: target.Server, Args: args})
		if !res.OK() {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: res.Error}},
			}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(res.Result)}},
		}, nil
	}
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}
