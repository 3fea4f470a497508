package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
	"github.com/vikashloomba/tool-gateway-go/pkg/registry"
)

const (
	methodToolsList = "tools/list"
	methodToolsCall = "tools/call"
)

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Stream    bool           `json:"stream,omitempty"`
}

// jsonrpcAdapter posts one JSON-RPC 2.0 envelope per call.
type jsonrpcAdapter struct {
	cfg       *registry.ServerConfig
	client    *http.Client
	logger    *slog.Logger
	nextID    atomic.Int64
	connected atomic.Bool
}

func newJSONRPCAdapter(cfg *registry.ServerConfig, opts Options, logger *slog.Logger) *jsonrpcAdapter {
	headers := mergeHeaders(http.Header{"User-Agent": {opts.ClientName + "/" + opts.ClientVersion}}, headersFor(cfg))
	return &jsonrpcAdapter{
		cfg:    cfg,
		client: decorateHTTPClient(opts.HTTPClient, headers),
		logger: logger,
	}
}

func (a *jsonrpcAdapter) Connect(ctx context.Context) error {
	if a.cfg.HealthCheckURL != "" {
		if err := probe(ctx, a.client, a.cfg.HealthCheckURL); err != nil {
			return err
		}
	}
	a.connected.Store(true)
	return nil
}

func (a *jsonrpcAdapter) Disconnect(context.Context) error {
	a.connected.Store(false)
	a.client.CloseIdleConnections()
	return nil
}

func (a *jsonrpcAdapter) Connected() bool { return a.connected.Load() }

func (a *jsonrpcAdapter) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := a.call(ctx, methodToolsList, "", struct{}{})
	if err != nil {
		return nil, err
	}
	return decodeToolList(result)
}

func (a *jsonrpcAdapter) CallTool(ctx context.Context, name string, args map[string]any, opts CallOptions) (json.RawMessage, error) {
	if opts.Stream {
		return nil, gwerrors.NewToolCall(a.cfg.Name, name, 0, "streamed calls must use StreamTool")
	}
	return a.call(ctx, methodToolsCall, name, toolsCallParams{Name: name, Arguments: nonNilArgs(args)})
}

func (a *jsonrpcAdapter) newRequest(method string, params any) (*jsonrpc.Request, []byte, error) {
	id, err := jsonrpc.MakeID(float64(a.nextID.Add(1)))
	if err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, nil, err
	}
	req := &jsonrpc.Request{ID: id, Method: method, Params: raw}
	body, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return nil, nil, err
	}
	return req, body, nil
}

func (a *jsonrpcAdapter) call(ctx context.Context, method, tool string, params any) (json.RawMessage, error) {
	req, body, err := a.newRequest(method, params)
	if err != nil {
		return nil, err
	}
	resp, err := postJSON(ctx, a.client, a.cfg.URL, body, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, gwerrors.NewToolCall(a.cfg.Name, tool, resp.StatusCode, errorMessage(resp.StatusCode, data))
	}
	return a.decodeResponse(req.ID, tool, data)
}

func (a *jsonrpcAdapter) decodeResponse(id jsonrpc.ID, tool string, data []byte) (json.RawMessage, error) {
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, gwerrors.NewToolCall(a.cfg.Name, tool, 0, fmt.Sprintf("invalid JSON-RPC response: %v", err))
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return nil, gwerrors.NewToolCall(a.cfg.Name, tool, 0, "invalid JSON-RPC response: expected a response envelope")
	}
	if resp.ID != id {
		return nil, gwerrors.NewToolCall(a.cfg.Name, tool, 0,
			fmt.Sprintf("invalid JSON-RPC response: id %v does not match request %v", resp.ID.Raw(), id.Raw()))
	}
	if resp.Error != nil {
		return nil, rpcError(a.cfg.Name, tool, resp.Error, data)
	}
	return resp.Result, nil
}

// StreamTool issues a streamed tools/call. The server answers with a chunked
// body of blank-line-delimited JSON-RPC frames: responses contribute their
// result, notifications their params, and an error frame ends the stream.
func (a *jsonrpcAdapter) StreamTool(ctx context.Context, name string, args map[string]any, _ CallOptions) (*Stream, error) {
	_, body, err := a.newRequest(methodToolsCall, toolsCallParams{Name: name, Arguments: nonNilArgs(args), Stream: true})
	if err != nil {
		return nil, err
	}
	resp, err := postJSON(ctx, a.client, a.cfg.URL, body, "application/x-ndjson, text/event-stream")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, gwerrors.NewToolCall(a.cfg.Name, name, resp.StatusCode, errorMessage(resp.StatusCode, data))
	}
	server := a.cfg.Name
	return NewStream(resp.Body, func(frame []byte) (json.RawMessage, error) {
		msg, err := jsonrpc.DecodeMessage(frame)
		if err != nil {
			return nil, gwerrors.NewToolCall(server, name, 0, fmt.Sprintf("invalid stream frame: %v", err))
		}
		switch m := msg.(type) {
		case *jsonrpc.Response:
			if m.Error != nil {
				return nil, rpcError(server, name, m.Error, frame)
			}
			return m.Result, nil
		case *jsonrpc.Request:
			return m.Params, nil
		default:
			return nil, gwerrors.NewToolCall(server, name, 0, "invalid stream frame")
		}
	}), nil
}

// rpcError converts a JSON-RPC error object into a ToolCallError, recovering
// the numeric code from the raw envelope.
func rpcError(server, tool string, err error, raw []byte) error {
	var env struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	code, msg := 0, err.Error()
	if json.Unmarshal(raw, &env) == nil && env.Error != nil {
		code = env.Error.Code
		if env.Error.Message != "" {
			msg = env.Error.Message
		}
	}
	return gwerrors.NewToolCall(server, tool, code, msg)
}

func nonNilArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}
