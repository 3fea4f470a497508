package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/tool-gateway-go/pkg/adapter"
	"github.com/vikashloomba/tool-gateway-go/pkg/breaker"
	"github.com/vikashloomba/tool-gateway-go/pkg/connmgr"
	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
	"github.com/vikashloomba/tool-gateway-go/pkg/registry"
)

// backend is the behaviour shared by every adapter built for one server.
type backend struct {
	tools   []adapter.Tool
	listErr error
	call    func(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)

	lists atomic.Int32
	calls atomic.Int32
}

type fakeAdapter struct {
	b         *backend
	connected atomic.Bool
}

func (f *fakeAdapter) Connect(context.Context) error    { f.connected.Store(true); return nil }
func (f *fakeAdapter) Disconnect(context.Context) error { f.connected.Store(false); return nil }
func (f *fakeAdapter) Connected() bool                  { return f.connected.Load() }

func (f *fakeAdapter) ListTools(context.Context) ([]adapter.Tool, error) {
	f.b.lists.Add(1)
	if f.b.listErr != nil {
		return nil, f.b.listErr
	}
	return append([]adapter.Tool(nil), f.b.tools...), nil
}

func (f *fakeAdapter) CallTool(ctx context.Context, name string, args map[string]any, _ adapter.CallOptions) (json.RawMessage, error) {
	f.b.calls.Add(1)
	if f.b.call != nil {
		return f.b.call(ctx, name, args)
	}
	return json.RawMessage(`{"tool":"` + name + `"}`), nil
}

func (f *fakeAdapter) StreamTool(context.Context, string, map[string]any, adapter.CallOptions) (*adapter.Stream, error) {
	return adapter.NewStream(io.NopCloser(strings.NewReader("{\"n\":1}\n\n{\"n\":2}\n\n")), nil), nil
}

type fleet struct {
	mu       sync.Mutex
	backends map[string]*backend
}

func (f *fleet) backend(name string) *backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.backends[name]
	if !ok {
		b = &backend{}
		f.backends[name] = b
	}
	return b
}

func (f *fleet) factory(cfg *registry.ServerConfig) (adapter.Adapter, error) {
	return &fakeAdapter{b: f.backend(cfg.Name)}, nil
}

func httpServer() *registry.ServerConfig {
	return &registry.ServerConfig{Type: registry.TypeHTTP, URL: "http://backend.invalid"}
}

func newTestRouter(t *testing.T, doc *registry.Document, opts *Options) (*Router, *fleet) {
	t.Helper()
	reg, err := registry.FromDocument(context.Background(), doc, nil)
	require.NoError(t, err)
	f := &fleet{backends: map[string]*backend{}}
	mgr := connmgr.New(&connmgr.Options{Factory: f.factory, MaxRetries: -1})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return New(reg, mgr, opts), f
}

func twoServers() *registry.Document {
	return &registry.Document{
		Servers: map[string]*registry.ServerConfig{
			"github":  httpServer(),
			"weather": httpServer(),
		},
		Routing: registry.Routing{CapabilityPatterns: map[string]string{"github:*": "github"}},
	}
}

func TestCallToolTagsResult(t *testing.T) {
	t.Parallel()

	r, f := newTestRouter(t, twoServers(), nil)
	res := r.CallTool(context.Background(), CallRequest{Tool: "github:search_code", Args: map[string]any{"q": "x"}})
	require.True(t, res.OK(), "unexpected error %v", res.Err)
	assert.Equal(t, "github", res.Server)
	assert.JSONEq(t, `{"tool":"github:search_code"}`, string(res.Result))
	assert.GreaterOrEqual(t, res.Duration, 0.0)
	assert.Zero(t, f.backend("github").lists.Load(), "pattern match must not probe tool lists")
	assert.Zero(t, f.backend("weather").lists.Load())

	status := r.BreakerStatuses()["github"]
	assert.Equal(t, breaker.StateClosed, status.State)
	assert.Equal(t, uint64(1), status.Latency.Count)
}

func TestFailedCallIsReportedInResult(t *testing.T) {
	t.Parallel()

	r, f := newTestRouter(t, twoServers(), &Options{VolumeThreshold: 10})
	f.backend("github").call = func(context.Context, string, map[string]any) (json.RawMessage, error) {
		return nil, gwerrors.NewToolCall("github", "github:create_issue", 422, "title is required")
	}

	res := r.CallTool(context.Background(), CallRequest{Tool: "github:create_issue"})
	require.False(t, res.OK())
	assert.Equal(t, "github", res.Server)
	assert.Equal(t, "title is required", res.Error)
	assert.Equal(t, gwerrors.ErrorTypeToolCall, res.ErrorType)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"result":null`)
	assert.Contains(t, string(data), `"error":"title is required"`)
}

func TestOpenCircuitSkipsBackend(t *testing.T) {
	t.Parallel()

	r, f := newTestRouter(t, twoServers(), &Options{VolumeThreshold: 2})
	gh := f.backend("github")
	gh.call = func(context.Context, string, map[string]any) (json.RawMessage, error) {
		return nil, errors.New("backend exploded")
	}

	for range 2 {
		r.CallTool(context.Background(), CallRequest{Tool: "github:search"})
	}
	require.Equal(t, int32(2), gh.calls.Load())
	assert.Equal(t, breaker.StateOpen, r.BreakerStatuses()["github"].State)

	res := r.CallTool(context.Background(), CallRequest{Tool: "github:search"})
	assert.Equal(t, gwerrors.ErrorTypeCircuitOpen, res.ErrorType)
	assert.Equal(t, int32(2), gh.calls.Load(), "open circuit must not reach the backend")

	// Other servers stay available.
	f.backend("weather").tools = []adapter.Tool{{Name: "forecast"}}
	res = r.CallTool(context.Background(), CallRequest{Tool: "forecast"})
	assert.True(t, res.OK(), "unexpected error %v", res.Err)
	assert.Equal(t, "weather", res.Server)
	assert.Zero(t, gh.lists.Load(), "open circuit is skipped while probing")
}

func TestResolveServerProbesInNameOrder(t *testing.T) {
	t.Parallel()

	doc := &registry.Document{Servers: map[string]*registry.ServerConfig{
		"alpha": httpServer(),
		"beta":  httpServer(),
		"gamma": httpServer(),
	}}
	r, f := newTestRouter(t, doc, nil)
	f.backend("alpha").listErr = errors.New("unreachable")
	f.backend("beta").tools = []adapter.Tool{{Name: "remember"}}
	f.backend("gamma").tools = []adapter.Tool{{Name: "remember"}}

	server, err := r.ResolveServer(context.Background(), "remember")
	require.NoError(t, err)
	assert.Equal(t, "beta", server)
	assert.Zero(t, f.backend("gamma").lists.Load())

	_, err = r.ResolveServer(context.Background(), "unknown")
	var notFound *gwerrors.ToolNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "unknown", notFound.Tool)
}

func TestNegativeCacheSkipsRepeatedProbes(t *testing.T) {
	t.Parallel()

	doc := &registry.Document{Servers: map[string]*registry.ServerConfig{"only": httpServer()}}
	r, f := newTestRouter(t, doc, &Options{NegativeCacheTTL: time.Minute})

	for range 3 {
		_, err := r.ResolveServer(context.Background(), "missing")
		assert.True(t, gwerrors.Is(err, gwerrors.ErrorTypeToolNotFound))
	}
	assert.Equal(t, int32(1), f.backend("only").lists.Load())
}

func TestDisabledServerIsRejected(t *testing.T) {
	t.Parallel()

	disabled := false
	doc := twoServers()
	doc.Servers["github"].Enabled = &disabled
	r, f := newTestRouter(t, doc, nil)

	res := r.CallTool(context.Background(), CallRequest{Tool: "github:search"})
	assert.Equal(t, gwerrors.ErrorTypeServerDisabled, res.ErrorType)
	assert.Equal(t, "github", res.Server)
	assert.Zero(t, f.backend("github").calls.Load())
}

func TestArgumentsAreValidatedBeforeDispatch(t *testing.T) {
	t.Parallel()

	r, f := newTestRouter(t, twoServers(), nil)
	w := f.backend("weather")
	w.tools = []adapter.Tool{{
		Name:        "forecast",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
	}}
	require.Len(t, r.ListAllTools(context.Background()), 1)

	res := r.CallTool(context.Background(), CallRequest{Tool: "forecast", Args: map[string]any{}})
	assert.Equal(t, gwerrors.ErrorTypeSchemaValidation, res.ErrorType)
	assert.Zero(t, w.calls.Load())
	assert.NotContains(t, r.BreakerStatuses(), "weather", "validation failures do not reach the breaker")

	res = r.CallTool(context.Background(), CallRequest{Tool: "forecast", Args: map[string]any{"city": "Lisbon"}})
	assert.True(t, res.OK(), "unexpected error %v", res.Err)
}

func TestListAllToolsToleratesFailures(t *testing.T) {
	t.Parallel()

	r, f := newTestRouter(t, twoServers(), nil)
	f.backend("github").listErr = errors.New("boom")
	f.backend("weather").tools = []adapter.Tool{{Name: "forecast"}, {Name: "alerts"}}

	tools := r.ListAllTools(context.Background())
	require.Len(t, tools, 2)
	for _, tool := range tools {
		assert.Equal(t, "weather", tool.Server)
	}
	assert.Len(t, r.IndexedTools(), 2)
}

func TestStreamToolYieldsEvents(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, twoServers(), nil)
	stream, server, err := r.StreamTool(context.Background(), CallRequest{Tool: "github:watch"})
	require.NoError(t, err)
	assert.Equal(t, "github", server)

	var events []string
	for ev, err := range stream.All() {
		require.NoError(t, err)
		events = append(events, string(ev))
	}
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, events)
	assert.Equal(t, 0, r.Connections()[0].InFlight, "slot released when the stream ends")
}

func TestReloadRegistryDropsChangedServers(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "registry.yaml")
	write := func(url string) {
		doc := "servers:\n  weather:\n    type: http\n    url: " + url + "\n"
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	}
	write("http://one.invalid")

	reg, err := registry.Load(context.Background(), path, nil)
	require.NoError(t, err)
	f := &fleet{backends: map[string]*backend{}}
	f.backend("weather").tools = []adapter.Tool{{Name: "forecast"}}
	mgr := connmgr.New(&connmgr.Options{Factory: f.factory})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	r := New(reg, mgr, nil)

	require.Len(t, r.ListAllTools(context.Background()), 1)
	summary, err := r.ReloadRegistry(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.DroppedConnections, "unchanged config keeps its connection")
	assert.Len(t, r.IndexedTools(), 1)

	write("http://two.invalid")
	summary, err = r.ReloadRegistry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DroppedConnections)
	assert.Equal(t, 1, summary.Servers)
	assert.Empty(t, r.IndexedTools())
	assert.Empty(t, r.Connections())

	require.NoError(t, os.WriteFile(path, []byte("servers:\n  weather:\n    type: ftp\n"), 0o600))
	_, err = r.ReloadRegistry(context.Background())
	assert.True(t, gwerrors.Is(err, gwerrors.ErrorTypeConfig))
	cfg, ok := reg.GetServer("weather")
	require.True(t, ok)
	assert.Equal(t, "http://two.invalid", cfg.URL)
}

func TestBreakerTimeoutsDropHungConnection(t *testing.T) {
	t.Parallel()

	reg, err := registry.FromDocument(context.Background(), twoServers(), nil)
	require.NoError(t, err)
	f := &fleet{backends: map[string]*backend{}}
	f.backend("github").call = func(ctx context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	const budget = 100 * time.Millisecond
	mgr := connmgr.New(&connmgr.Options{Factory: f.factory, MaxRetries: -1, CallTimeout: budget})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	r := New(reg, mgr, &Options{BreakerTimeout: budget, VolumeThreshold: 10})

	for i := 0; i < 3; i++ {
		res := r.CallTool(context.Background(), CallRequest{Tool: "github:search_code"})
		require.False(t, res.OK())
		assert.Equal(t, gwerrors.ErrorTypeTimeout, res.ErrorType)
	}
	require.Eventually(t, func() bool {
		conns := r.Connections()
		return len(conns) == 1 && !conns[0].Connected
	}, time.Second, 5*time.Millisecond, "three timeouts drop the connection")
}
