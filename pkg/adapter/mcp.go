package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
	"github.com/vikashloomba/tool-gateway-go/pkg/registry"
)

// mcpAdapter holds one MCP client session over stdio or Streamable HTTP.
type mcpAdapter struct {
	cfg    *registry.ServerConfig
	opts   Options
	logger *slog.Logger

	connected atomic.Bool
	mu        sync.Mutex
	session   *mcp.ClientSession
}

func newMCPAdapter(cfg *registry.ServerConfig, opts Options, logger *slog.Logger) *mcpAdapter {
	return &mcpAdapter{cfg: cfg, opts: opts, logger: logger}
}

func (a *mcpAdapter) transport() mcp.Transport {
	var transport mcp.Transport
	if registry.IsStdio(a.cfg) {
		transport = &mcp.CommandTransport{Command: buildCommand(a.cfg)}
	} else {
		transport = &mcp.StreamableClientTransport{
			Endpoint:   a.cfg.URL,
			HTTPClient: decorateHTTPClient(a.opts.HTTPClient, headersFor(a.cfg)),
			// Reconnects are owned by the connection manager.
			MaxRetries: -1,
		}
	}
	if a.cfg.LogRPC {
		transport = &loggingTransport{delegate: transport, logger: a.logger}
	}
	return transport
}

func (a *mcpAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil && a.connected.Load() {
		return nil
	}
	client := mcp.NewClient(&mcp.Implementation{Name: a.opts.ClientName, Version: a.opts.ClientVersion}, nil)
	session, err := client.Connect(ctx, a.transport(), nil)
	if err != nil {
		return err
	}
	a.session = session
	a.connected.Store(true)
	go a.monitorSession(session)
	return nil
}

func (a *mcpAdapter) monitorSession(session *mcp.ClientSession) {
	if err := session.Wait(); err != nil {
		a.logger.Debug("mcp session closed", "error", err)
	}
	a.mu.Lock()
	if a.session == session {
		a.session = nil
		a.connected.Store(false)
	}
	a.mu.Unlock()
}

func (a *mcpAdapter) Disconnect(context.Context) error {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.connected.Store(false)
	a.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

func (a *mcpAdapter) Connected() bool { return a.connected.Load() }

func (a *mcpAdapter) current() (*mcp.ClientSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, gwerrors.NewConnectionError(a.cfg.Name, errNotConnected)
	}
	return a.session, nil
}

func (a *mcpAdapter) ListTools(ctx context.Context) ([]Tool, error) {
	session, err := a.current()
	if err != nil {
		return nil, err
	}
	var out []Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, tool := range res.Tools {
			out = append(out, convertTool(tool))
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func convertTool(tool *mcp.Tool) Tool {
	out := Tool{Name: tool.Name, Description: tool.Description}
	if tool.InputSchema != nil {
		if data, err := json.Marshal(tool.InputSchema); err == nil && string(data) != "null" {
			out.InputSchema = data
		}
	}
	return out
}

func (a *mcpAdapter) CallTool(ctx context.Context, name string, args map[string]any, opts CallOptions) (json.RawMessage, error) {
	if opts.Stream {
		return nil, gwerrors.NewToolCall(a.cfg.Name, name, 0, "streaming is not supported by mcp servers")
	}
	session, err := a.current()
	if err != nil {
		return nil, err
	}
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: nonNilArgs(args)})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, gwerrors.NewToolCall(a.cfg.Name, name, 0, err.Error())
	}
	if res.IsError {
		return nil, gwerrors.NewToolCall(a.cfg.Name, name, 0, textOf(res))
	}
	return json.Marshal(res)
}

func textOf(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	if len(parts) == 0 {
		return "tool reported an error"
	}
	return strings.Join(parts, "\n")
}

// loggingTransport records JSON-RPC traffic at debug level.
type loggingTransport struct {
	delegate mcp.Transport
	logger   *slog.Logger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	delegate mcp.Connection
	logger   *slog.Logger
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit("receive", msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit("send", msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction string, msg jsonrpc.Message) {
	encoded, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		encoded = []byte(fmt.Sprintf("unencodable message: %v", err))
	}
	c.logger.Debug("jsonrpc", "direction", direction, "message", string(encoded))
}
