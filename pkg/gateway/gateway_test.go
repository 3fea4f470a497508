package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/tool-gateway-go/pkg/adapter"
	"github.com/vikashloomba/tool-gateway-go/pkg/connmgr"
	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
	"github.com/vikashloomba/tool-gateway-go/pkg/registry"
	"github.com/vikashloomba/tool-gateway-go/pkg/router"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeAdapter struct {
	server    string
	connected atomic.Bool
	lastReqID atomic.Value
}

func (f *fakeAdapter) Connect(context.Context) error    { f.connected.Store(true); return nil }
func (f *fakeAdapter) Disconnect(context.Context) error { f.connected.Store(false); return nil }
func (f *fakeAdapter) Connected() bool                  { return f.connected.Load() }

func (f *fakeAdapter) ListTools(context.Context) ([]adapter.Tool, error) {
	if f.server == "broken" {
		return nil, errors.New("listing unavailable")
	}
	return []adapter.Tool{{
		Name:        "forecast",
		Description: "Weather forecast",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
	}}, nil
}

func (f *fakeAdapter) CallTool(ctx context.Context, name string, args map[string]any, _ adapter.CallOptions) (json.RawMessage, error) {
	f.lastReqID.Store(adapter.RequestIDFrom(ctx))
	if name == "explode" {
		return nil, gwerrors.NewToolCall(f.server, name, 500, "backend exploded")
	}
	return json.Marshal(map[string]any{"tool": name, "args": args})
}

func (f *fakeAdapter) StreamTool(context.Context, string, map[string]any, adapter.CallOptions) (*adapter.Stream, error) {
	return adapter.NewStream(io.NopCloser(strings.NewReader("{\"n\":1}\n\n{\"n\":2}\n\n")), nil), nil
}

type harness struct {
	gateway  *Gateway
	server   *httptest.Server
	adapters map[string]*fakeAdapter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	doc := &registry.Document{
		Version: "1",
		Servers: map[string]*registry.ServerConfig{
			"weather": {Type: registry.TypeHTTP, URL: "http://weather.invalid"},
			"broken":  {Type: registry.TypeHTTP, URL: "http://broken.invalid"},
		},
		Routing: registry.Routing{CapabilityPatterns: map[string]string{"weather:*": "weather", "explode": "weather"}},
	}
	reg, err := registry.FromDocument(context.Background(), doc, nil)
	require.NoError(t, err)

	h := &harness{adapters: map[string]*fakeAdapter{
		"weather": {server: "weather"},
		"broken":  {server: "broken"},
	}}
	mgr := connmgr.New(&connmgr.Options{MaxRetries: -1, Factory: func(cfg *registry.ServerConfig) (adapter.Adapter, error) {
		return h.adapters[cfg.Name], nil
	}})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	h.gateway, err = New(router.New(reg, mgr, nil), nil)
	require.NoError(t, err)
	h.server = httptest.NewServer(h.gateway.Handler())
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	res, err := http.Post(h.server.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func (h *harness) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	res, err := http.Get(h.server.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func TestToolsAreTaggedWithServer(t *testing.T) {
	h := newHarness(t)

	res, body := h.get(t, "/tools")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var payload struct {
		Tools []adapter.Tool `json:"tools"`
		Count int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, 1, payload.Count, "broken server is skipped, not fatal")
	assert.Equal(t, "forecast", payload.Tools[0].Name)
	assert.Equal(t, "weather", payload.Tools[0].Server)
}

func TestCallReturnsTaggedResult(t *testing.T) {
	h := newHarness(t)

	res, body := h.post(t, "/call", `{"tool":"weather:today","args":{"city":"Oslo"}}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var result router.CallResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "weather", result.Server)
	assert.Empty(t, result.Error)
	assert.JSONEq(t, `{"tool":"weather:today","args":{"city":"Oslo"}}`, string(result.Result))

	id := res.Header.Get(headerRequestID)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, h.adapters["weather"].lastReqID.Load(), "request id reaches the backend call")
}

func TestFailedCallIsStillOK(t *testing.T) {
	h := newHarness(t)

	res, body := h.post(t, "/call", `{"tool":"explode"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var result map[string]any
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Nil(t, result["result"])
	assert.Equal(t, "weather", result["server"])
	assert.Equal(t, "backend exploded", result["error"])
	assert.Equal(t, string(gwerrors.ErrorTypeToolCall), result["error_type"])
	assert.Contains(t, result, "duration")

	_, body = h.post(t, "/call", `{"tool":"nobody_has_this"}`)
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, string(gwerrors.ErrorTypeToolNotFound), result["error_type"])
}

func TestMalformedCallsAreRejected(t *testing.T) {
	h := newHarness(t)

	for _, body := range []string{`{`, `{"args":{}}`, `{"tool":"x","args":[1,2]}`, `{"tool":"x","timeout_ms":-5}`} {
		res, _ := h.post(t, "/call", body)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, "body %s", body)
	}
}

func TestStreamedCallWritesFrames(t *testing.T) {
	h := newHarness(t)

	res, body := h.post(t, "/call", `{"tool":"weather:watch","stream":true}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "weather", res.Header.Get("X-Tool-Server"))
	assert.Equal(t, "{\"n\":1}\n\n{\"n\":2}\n\n", string(body))
}

func TestBreakersAndConnectionsAfterCall(t *testing.T) {
	h := newHarness(t)
	h.post(t, "/call", `{"tool":"weather:today"}`)

	res, body := h.get(t, "/circuit-breakers")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var breakers map[string]struct {
		State   string `json:"state"`
		Latency struct {
			Count int `json:"count"`
		} `json:"latency"`
	}
	require.NoError(t, json.Unmarshal(body, &breakers))
	assert.Equal(t, "closed", breakers["weather"].State)
	assert.Equal(t, 1, breakers["weather"].Latency.Count)

	_, body = h.get(t, "/connections")
	var conns struct {
		Connections []connmgr.ConnectionInfo `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(body, &conns))
	require.NotEmpty(t, conns.Connections)
	assert.True(t, conns.Connections[0].Connected || conns.Connections[len(conns.Connections)-1].Connected)
}

func TestReloadAndHealth(t *testing.T) {
	h := newHarness(t)

	res, body := h.post(t, "/registry/reload", ``)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var summary router.ReloadSummary
	require.NoError(t, json.Unmarshal(body, &summary))
	assert.Equal(t, 2, summary.Servers)
	assert.Equal(t, "1", summary.Version)

	res, body = h.get(t, "/health")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok","version":"1","servers":2}`, string(body))
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodOptions, h.server.URL+"/call", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://ui.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Less(t, res.StatusCode, 300)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
}

func TestMCPEndpointExposesNamespacedTools(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	client := mcp.NewClient(&mcp.Implementation{Name: "gateway-test", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: h.server.URL + "/mcp"}, nil)
	require.NoError(t, err)
	defer session.Close()

	tools, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "weather__forecast", tools.Tools[0].Name)

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "weather__forecast", Arguments: map[string]any{"city": "Oslo"}})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.JSONEq(t, `{"tool":"forecast","args":{"city":"Oslo"}}`, text.Text)

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "weather__forecast", Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.True(t, res.IsError, "schema violation is reported as a tool error")
}

func TestListenAndServeStopsWithContext(t *testing.T) {
	h := newHarness(t)
	g, err := New(h.gateway.router, &Options{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- g.ListenAndServe(ctx) }()
	require.Eventually(t, func() bool { return g.running.Load() != nil }, time.Second, time.Millisecond)

	assert.Error(t, g.ListenAndServe(context.Background()), "only one server runs at a time")
	cancel()
	select {
	case err := <-served:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after cancellation")
	}
	assert.Nil(t, g.running.Load())
	assert.NoError(t, g.Shutdown(context.Background()))
}
