package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
	"github.com/vikashloomba/tool-gateway-go/pkg/registry"
)

// restAdapter talks to servers exposing a plain tools/call REST surface.
type restAdapter struct {
	cfg       *registry.ServerConfig
	client    *http.Client
	logger    *slog.Logger
	connected atomic.Bool
}

func newRESTAdapter(cfg *registry.ServerConfig, opts Options, logger *slog.Logger) *restAdapter {
	headers := mergeHeaders(http.Header{"User-Agent": {opts.ClientName + "/" + opts.ClientVersion}}, headersFor(cfg))
	return &restAdapter{
		cfg:    cfg,
		client: decorateHTTPClient(opts.HTTPClient, headers),
		logger: logger,
	}
}

func (a *restAdapter) Connect(ctx context.Context) error {
	if a.cfg.HealthCheckURL != "" {
		if err := probe(ctx, a.client, a.cfg.HealthCheckURL); err != nil {
			return err
		}
	}
	a.connected.Store(true)
	return nil
}

func (a *restAdapter) Disconnect(context.Context) error {
	a.connected.Store(false)
	a.client.CloseIdleConnections()
	return nil
}

func (a *restAdapter) Connected() bool { return a.connected.Load() }

func (a *restAdapter) ListTools(ctx context.Context) ([]Tool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(a.cfg.URL, a.cfg.ToolsPath), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, gwerrors.NewToolCall(a.cfg.Name, "", resp.StatusCode, errorMessage(resp.StatusCode, body))
	}
	return decodeToolList(body)
}

// decodeToolList accepts {"tools": [...]} or a bare array.
func decodeToolList(body []byte) ([]Tool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var tools []Tool
		if err := json.Unmarshal(trimmed, &tools); err != nil {
			return nil, fmt.Errorf("decode tool list: %w", err)
		}
		return tools, nil
	}
	var wrapped struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	return wrapped.Tools, nil
}

func (a *restAdapter) CallTool(ctx context.Context, name string, args map[string]any, opts CallOptions) (json.RawMessage, error) {
	if opts.Stream {
		return nil, gwerrors.NewToolCall(a.cfg.Name, name, 0, "streaming is not supported by rest servers")
	}
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{"tool": name, "args": args})
	if err != nil {
		return nil, err
	}
	resp, err := postJSON(ctx, a.client, joinURL(a.cfg.URL, a.cfg.CallPath), payload, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, gwerrors.NewToolCall(a.cfg.Name, name, resp.StatusCode, errorMessage(resp.StatusCode, body))
	}
	return decodeCallResult(body)
}

// decodeCallResult unwraps {"result": ...}; any other JSON body is returned as
// is, and non-JSON text is returned as a JSON string.
func decodeCallResult(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(trimmed) {
		return json.Marshal(string(trimmed))
	}
	if trimmed[0] == '{' {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, err
		}
		if result, ok := envelope["result"]; ok {
			return result, nil
		}
	}
	return json.RawMessage(trimmed), nil
}

var errNotConnected = errors.New("adapter is not connected")
