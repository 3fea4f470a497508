package router

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/tool-gateway-go/pkg/adapter"
	"github.com/vikashloomba/tool-gateway-go/pkg/breaker"
	"github.com/vikashloomba/tool-gateway-go/pkg/connmgr"
	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
	"github.com/vikashloomba/tool-gateway-go/pkg/registry"
)

// CallRequest names a tool and its arguments. Server, when set, bypasses
// resolution.
type CallRequest struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	Stream    bool           `json:"stream,omitempty"`
	TimeoutMS int            `json:"timeout_ms,omitempty"`
	Server    string         `json:"server,omitempty"`
}

func (r CallRequest) options() adapter.CallOptions {
	opts := adapter.CallOptions{Stream: r.Stream}
	if r.TimeoutMS > 0 {
		opts.Timeout = time.Duration(r.TimeoutMS) * time.Millisecond
	}
	return opts
}

// CallResult is the tagged outcome of a call. Result is null on failure and
// Error carries the message.
type CallResult struct {
	Result    json.RawMessage    `json:"result"`
	Server    string             `json:"server,omitempty"`
	Duration  float64            `json:"duration"`
	Error     string             `json:"error,omitempty"`
	ErrorType gwerrors.ErrorType `json:"error_type,omitempty"`

	// Err is the underlying error for in-process callers.
	Err error `json:"-"`
}

// OK reports whether the call succeeded.
func (r *CallResult) OK() bool { return r.Err == nil }

// BreakerStatus is the operational view of one server.
type BreakerStatus struct {
	State   breaker.State           `json:"state"`
	Stats   breaker.Stats           `json:"stats"`
	Latency breaker.LatencySnapshot `json:"latency"`
}

// ReloadSummary describes the registry after a reload.
type ReloadSummary struct {
	Version            string `json:"version,omitempty"`
	Servers            int    `json:"servers"`
	DroppedConnections int    `json:"dropped_connections"`
}

type guard struct {
	breaker *breaker.Breaker
	latency *breaker.Histogram
}

type serverTools struct {
	key   string
	tools map[string]adapter.Tool
}

// Router dispatches tool calls.
type Router struct {
	reg  *registry.Registry
	mgr  *connmgr.Manager
	opts Options

	guardsMu sync.Mutex
	guards   map[string]*guard

	indexMu sync.RWMutex
	index   map[string]serverTools
	misses  map[string]time.Time
}

// New returns a Router over reg and mgr.
func New(reg *registry.Registry, mgr *connmgr.Manager, opts *Options) *Router {
	return &Router{
		reg:    reg,
		mgr:    mgr,
		opts:   opts.withDefaults(),
		guards: make(map[string]*guard),
		index:  make(map[string]serverTools),
		misses: make(map[string]time.Time),
	}
}

// Registry returns the registry the router resolves against.
func (r *Router) Registry() *registry.Registry { return r.reg }

// Connections returns the connection manager's snapshots.
func (r *Router) Connections() []connmgr.ConnectionInfo { return r.mgr.Connections() }

func (r *Router) guardFor(server string) *guard {
	r.guardsMu.Lock()
	defer r.guardsMu.Unlock()
	if g, ok := r.guards[server]; ok {
		return g
	}
	g := &guard{
		breaker: breaker.New(r.opts.breakerSettings(server, r.logTransition)),
		latency: breaker.NewHistogram(r.opts.HistogramSize),
	}
	r.guards[server] = g
	return g
}

func (r *Router) logTransition(server string, from, to breaker.State) {
	if to == breaker.StateOpen {
		r.opts.Logger.Warn("circuit opened", "server", server, "from", from.String())
		return
	}
	r.opts.Logger.Info("circuit state changed", "server", server, "from", from.String(), "to", to.String())
}

func (r *Router) circuitOpen(server string) bool {
	r.guardsMu.Lock()
	g, ok := r.guards[server]
	r.guardsMu.Unlock()
	return ok && g.breaker.State() == breaker.StateOpen
}

// ListAllTools queries every enabled server in parallel, skipping servers
// whose circuit is open. Failures are logged and the remaining servers'
// tools are returned.
func (r *Router) ListAllTools(ctx context.Context) []adapter.Tool {
	servers := r.reg.GetEnabledServers()
	results := make([][]adapter.Tool, len(servers))

	var g errgroup.Group
	for i, cfg := range servers {
		if r.circuitOpen(cfg.Name) {
			r.opts.Logger.Debug("skipping server with open circuit", "server", cfg.Name)
			continue
		}
		g.Go(func() error {
			tools, err := r.listServer(ctx, cfg)
			if err != nil {
				r.opts.Logger.Warn("listing tools failed", "server", cfg.Name, "error", err)
				return nil
			}
			results[i] = tools
			return nil
		})
	}
	_ = g.Wait()

	var out []adapter.Tool
	for _, tools := range results {
		out = append(out, tools...)
	}
	for _, server := range r.pruneIndex(servers) {
		r.opts.Schemas.Purge(server)
	}
	return out
}

// listServer lists one server, tags each tool and refreshes the index.
func (r *Router) listServer(ctx context.Context, cfg *registry.ServerConfig) ([]adapter.Tool, error) {
	tools, err := r.mgr.ListTools(ctx, cfg.Name, cfg)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]adapter.Tool, len(tools))
	for i := range tools {
		tools[i].Server = cfg.Name
		byName[tools[i].Name] = tools[i]
	}
	r.indexMu.Lock()
	r.index[cfg.Name] = serverTools{key: cfg.Key(), tools: byName}
	r.indexMu.Unlock()
	return tools, nil
}

// pruneIndex drops index entries for servers that are gone, disabled or
// reconfigured, returning their names.
func (r *Router) pruneIndex(enabled []*registry.ServerConfig) []string {
	keys := make(map[string]string, len(enabled))
	for _, cfg := range enabled {
		keys[cfg.Name] = cfg.Key()
	}
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	var removed []string
	for server, entry := range r.index {
		if keys[server] != entry.key {
			delete(r.index, server)
			removed = append(removed, server)
		}
	}
	return removed
}

func (r *Router) lookupTool(server, tool string) (adapter.Tool, bool) {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()
	t, ok := r.index[server].tools[tool]
	return t, ok
}

// ResolveServer maps toolName to a server: the registry's routing patterns
// first, then a probe of every enabled server's tool list in name order.
func (r *Router) ResolveServer(ctx context.Context, toolName string) (string, error) {
	if server, ok := r.reg.ResolveServerByPattern(toolName); ok {
		return server, nil
	}
	if r.recentMiss(toolName) {
		return "", gwerrors.NewToolNotFound(toolName)
	}
	for _, cfg := range r.reg.GetEnabledServers() {
		if r.circuitOpen(cfg.Name) {
			continue
		}
		if _, ok := r.lookupTool(cfg.Name, toolName); ok {
			return cfg.Name, nil
		}
		tools, err := r.listServer(ctx, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			r.opts.Logger.Debug("probe failed", "server", cfg.Name, "tool", toolName, "error", err)
			continue
		}
		for _, t := range tools {
			if t.Name == toolName {
				return cfg.Name, nil
			}
		}
	}
	r.rememberMiss(toolName)
	return "", gwerrors.NewToolNotFound(toolName)
}

func (r *Router) recentMiss(tool string) bool {
	if r.opts.NegativeCacheTTL <= 0 {
		return false
	}
	r.indexMu.RLock()
	until, ok := r.misses[tool]
	r.indexMu.RUnlock()
	return ok && time.Now().Before(until)
}

func (r *Router) rememberMiss(tool string) {
	if r.opts.NegativeCacheTTL <= 0 {
		return
	}
	r.indexMu.Lock()
	r.misses[tool] = time.Now().Add(r.opts.NegativeCacheTTL)
	r.indexMu.Unlock()
}

// target resolves and checks the server for req.
func (r *Router) target(ctx context.Context, req CallRequest) (*registry.ServerConfig, error) {
	if req.Tool == "" {
		return nil, gwerrors.NewToolNotFound("")
	}
	server := req.Server
	if server == "" {
		var err error
		if server, err = r.ResolveServer(ctx, req.Tool); err != nil {
			return nil, err
		}
	}
	cfg, ok := r.reg.GetServer(server)
	if !ok {
		return &registry.ServerConfig{Name: server}, gwerrors.NewToolNotFound(req.Tool)
	}
	if !cfg.IsEnabled() {
		return cfg, gwerrors.NewServerDisabled(server)
	}
	if tool, ok := r.lookupTool(server, req.Tool); ok {
		if err := r.opts.Schemas.Validate(server, req.Tool, tool.InputSchema, req.Args); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// CallTool resolves and invokes the tool. It never returns a nil result.
func (r *Router) CallTool(ctx context.Context, req CallRequest) *CallResult {
	start := time.Now()
	res := &CallResult{}
	cfg, err := r.target(ctx, req)
	if cfg != nil {
		res.Server = cfg.Name
	}
	if err == nil {
		g := r.guardFor(cfg.Name)
		var out json.RawMessage
		err = g.breaker.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			out, callErr = r.mgr.CallTool(ctx, cfg.Name, cfg, req.Tool, req.Args, req.options())
			return callErr
		})
		if !gwerrors.Is(err, gwerrors.ErrorTypeCircuitOpen) {
			g.latency.Record(time.Since(start))
		}
		if err == nil {
			res.Result = out
		}
	}
	if err != nil {
		r.opts.Logger.Debug("tool call failed", "tool", req.Tool, "server", res.Server, "error", err)
		return FailedResult(res.Server, time.Since(start), err)
	}
	res.Duration = milliseconds(time.Since(start))
	return res
}

// FailedResult builds the tagged result for err.
func FailedResult(server string, elapsed time.Duration, err error) *CallResult {
	return &CallResult{
		Server:    server,
		Duration:  milliseconds(elapsed),
		Error:     errorMessage(err),
		ErrorType: gwerrors.TypeOf(err),
		Err:       err,
	}
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func errorMessage(err error) string {
	var toolErr *gwerrors.ToolCallError
	if errors.As(err, &toolErr) {
		return toolErr.Message
	}
	return err.Error()
}

// StreamTool resolves the server and opens a streamed call through its
// breaker. Only opening the stream counts toward the breaker.
func (r *Router) StreamTool(ctx context.Context, req CallRequest) (*adapter.Stream, string, error) {
	req.Stream = true
	cfg, err := r.target(ctx, req)
	if err != nil {
		server := ""
		if cfg != nil {
			server = cfg.Name
		}
		return nil, server, err
	}

	var (
		mu        sync.Mutex
		opened    *adapter.Stream
		abandoned bool
	)
	g := r.guardFor(cfg.Name)
	start := time.Now()
	err = g.breaker.Execute(ctx, func(context.Context) error {
		// The stream outlives Execute, so it is bound to the caller's ctx.
		s, err := r.mgr.StreamTool(ctx, cfg.Name, cfg, req.Tool, req.Args, req.options())
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			_ = s.Close()
			return nil
		}
		opened = s
		return nil
	})
	mu.Lock()
	abandoned = true
	stream := opened
	mu.Unlock()
	if !gwerrors.Is(err, gwerrors.ErrorTypeCircuitOpen) {
		g.latency.Record(time.Since(start))
	}
	if err != nil {
		if stream != nil {
			_ = stream.Close()
		}
		return nil, cfg.Name, err
	}
	return stream, cfg.Name, nil
}

// BreakerStatuses reports every server that has received traffic.
func (r *Router) BreakerStatuses() map[string]BreakerStatus {
	r.guardsMu.Lock()
	guards := make(map[string]*guard, len(r.guards))
	for name, g := range r.guards {
		guards[name] = g
	}
	r.guardsMu.Unlock()

	out := make(map[string]BreakerStatus, len(guards))
	for name, g := range guards {
		stats := g.breaker.Stats()
		out[name] = BreakerStatus{State: stats.State, Stats: stats, Latency: g.latency.Snapshot()}
	}
	return out
}

// ReloadRegistry reloads the registry and drops connections, breakers and
// cached schemas belonging to servers that changed or disappeared.
func (r *Router) ReloadRegistry(ctx context.Context) (ReloadSummary, error) {
	if err := r.reg.Reload(ctx); err != nil {
		return ReloadSummary{}, err
	}
	enabled := r.reg.GetEnabledServers()
	keys := make([]string, 0, len(enabled))
	live := make(map[string]struct{}, len(enabled))
	for _, cfg := range enabled {
		keys = append(keys, cfg.Key())
		live[cfg.Name] = struct{}{}
	}
	dropped := r.mgr.Retain(ctx, keys)

	for _, server := range r.pruneIndex(enabled) {
		r.opts.Schemas.Purge(server)
	}

	r.guardsMu.Lock()
	for server := range r.guards {
		if _, ok := live[server]; !ok {
			delete(r.guards, server)
		}
	}
	r.guardsMu.Unlock()

	r.indexMu.Lock()
	r.misses = make(map[string]time.Time)
	r.indexMu.Unlock()

	summary := ReloadSummary{Version: r.reg.Version(), Servers: len(r.reg.Servers()), DroppedConnections: dropped}
	r.opts.Logger.Info("registry reloaded", "version", summary.Version, "servers", summary.Servers, "dropped", dropped)
	return summary, nil
}

// IndexedTools returns the tools seen by the last listing, sorted by server
// then name.
func (r *Router) IndexedTools() []adapter.Tool {
	r.indexMu.RLock()
	var out []adapter.Tool
	for _, entry := range r.index {
		for _, t := range entry.tools {
			out = append(out, t)
		}
	}
	r.indexMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].Name < out[j].Name
	})
	return out
}
