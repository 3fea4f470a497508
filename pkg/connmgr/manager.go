package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vikashloomba/tool-gateway-go/pkg/adapter"
	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
	"github.com/vikashloomba/tool-gateway-go/pkg/registry"
)

// Manager owns every pooled Connection, keyed by registry.ServerConfig.Key.
type Manager struct {
	opts Options

	mu    sync.RWMutex
	conns map[string]*Connection

	// life bounds background connects; Close cancels it.
	life context.Context
	stop context.CancelFunc

	reaperMu   sync.Mutex
	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

// New returns an empty Manager.
func New(opts *Options) *Manager {
	life, stop := context.WithCancel(context.Background())
	return &Manager{
		opts:  opts.withDefaults(),
		conns: make(map[string]*Connection),
		life:  life,
		stop:  stop,
	}
}

func (m *Manager) lookup(serverName string, cfg *registry.ServerConfig) *Connection {
	key := cfg.Key()
	m.mu.RLock()
	conn, ok := m.conns[key]
	m.mu.RUnlock()
	if ok {
		return conn
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[key]; ok {
		return conn
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = registry.DefaultMaxInFlight
	}
	conn = &Connection{serverName: serverName, key: key, maxInFlight: maxInFlight}
	m.conns[key] = conn
	return conn
}

// GetConnection returns the live connection for cfg, establishing it when
// needed. Concurrent callers share one connect, which runs to completion even
// when the caller that started it gives up; each caller only waits as long
// as its own ctx allows. Inside a post-failure backoff window it fails fast
// with BackoffActiveError.
func (m *Manager) GetConnection(ctx context.Context, serverName string, cfg *registry.ServerConfig) (*Connection, error) {
	if cfg == nil {
		return nil, fmt.Errorf("connmgr: missing configuration for %q", serverName)
	}
	conn := m.lookup(serverName, cfg)
	for {
		conn.mu.Lock()
		if conn.connected {
			if conn.adapter != nil && conn.adapter.Connected() {
				conn.lastUsed = time.Now()
				conn.mu.Unlock()
				return conn, nil
			}
			m.opts.Logger.Info("connection lost", "server", serverName)
			if stale := conn.detachLocked(); stale != nil {
				go m.shutdown(serverName, stale)
			}
		}
		f := conn.flight
		if f == nil {
			if next := conn.nextRetryAfter; !next.IsZero() && time.Now().Before(next) {
				conn.mu.Unlock()
				return nil, gwerrors.NewBackoffActive(serverName, next)
			}
			f = &connectFlight{done: make(chan struct{})}
			conn.flight = f
			go m.connect(context.WithoutCancel(ctx), conn, cfg, f)
		}
		conn.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.done:
		}
		if f.err != nil {
			return nil, f.err
		}
	}
}

// connect runs one shared connect for f. It keeps ctx's values but not its
// cancellation; only Close interrupts it.
func (m *Manager) connect(ctx context.Context, conn *Connection, cfg *registry.ServerConfig, f *connectFlight) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.life, cancel)
	defer stop()

	err := m.createConnection(ctx, conn, cfg)
	conn.mu.Lock()
	f.err = err
	conn.flight = nil
	close(f.done)
	conn.mu.Unlock()
}

func (m *Manager) createConnection(ctx context.Context, conn *Connection, cfg *registry.ServerConfig) error {
	serverName := conn.serverName
	attempts := m.opts.MaxRetries + 1
	schedule := m.opts.newBackOff()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := schedule.NextBackOff()
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		a, err := m.opts.Factory(cfg)
		if err != nil {
			return err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, m.opts.AttemptTimeout)
		err = a.Connect(attemptCtx)
		cancel()
		if err == nil {
			conn.mu.Lock()
			conn.adapter = a
			conn.connected = true
			conn.failureCount = 0
			conn.nextRetryAfter = time.Time{}
			conn.lastUsed = time.Now()
			conn.mu.Unlock()
			m.opts.Logger.Info("connected", "server", serverName, "attempt", attempt+1)
			return nil
		}
		lastErr = err
		_ = a.Disconnect(context.Background())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.opts.Logger.Warn("connect attempt failed", "server", serverName, "attempt", attempt+1, "error", err)
	}

	conn.mu.Lock()
	conn.failureCount++
	next := time.Now().Add(m.opts.delayFor(conn.failureCount))
	conn.nextRetryAfter = next
	conn.connected = false
	conn.adapter = nil
	conn.mu.Unlock()
	m.opts.Logger.Error("server unreachable", "server", serverName, "attempts", attempts, "retry_after", next, "error", lastErr)
	return gwerrors.NewExhaustedRetries(serverName, attempts, next, gwerrors.NewConnectionError(serverName, lastErr))
}

func (m *Manager) deadline(cfg *registry.ServerConfig, opts adapter.CallOptions) time.Time {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = cfg.Timeout()
	}
	if timeout <= 0 {
		timeout = m.opts.CallTimeout
	}
	return time.Now().Add(timeout)
}

// withSlot runs fn once a slot is available, bounded by the call deadline.
func (m *Manager) withSlot(ctx context.Context, serverName string, cfg *registry.ServerConfig, opts adapter.CallOptions,
	fn func(context.Context, adapter.Adapter) error) error {
	deadline := m.deadline(cfg, opts)
	conn, err := m.GetConnection(ctx, serverName, cfg)
	if err != nil {
		return err
	}
	if err := conn.acquire(ctx, deadline); err != nil {
		return err
	}
	defer conn.release()

	a := conn.current()
	if a == nil {
		return gwerrors.NewConnectionError(serverName, errors.New("connection dropped while queued"))
	}
	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	err = fn(execCtx, a)
	m.recordOutcome(ctx, conn, a, err)
	return err
}

// callerGaveUp reports whether ctx ended because the caller cancelled it or
// its own deadline passed. A breaker timeout carries a TimeoutError cause and
// is the server's failure.
func callerGaveUp(ctx context.Context) bool {
	return ctx.Err() != nil && !gwerrors.Is(context.Cause(ctx), gwerrors.ErrorTypeTimeout)
}

// recordOutcome resets the failure count on success and drops the connection
// after FailureThreshold consecutive failures. Caller cancellation is not a
// failure of the server, and neither is the outcome of an adapter that was
// already replaced.
func (m *Manager) recordOutcome(ctx context.Context, conn *Connection, a adapter.Adapter, err error) {
	if err != nil && callerGaveUp(ctx) {
		return
	}
	conn.mu.Lock()
	if conn.adapter != a {
		conn.mu.Unlock()
		return
	}
	if err == nil {
		conn.failureCount = 0
		conn.mu.Unlock()
		return
	}
	conn.failureCount++
	var stale adapter.Adapter
	if conn.failureCount >= m.opts.FailureThreshold {
		stale = conn.detachLocked()
	}
	failures := conn.failureCount
	conn.mu.Unlock()
	if stale != nil {
		m.opts.Logger.Warn("dropping connection after repeated failures", "server", conn.serverName, "failures", failures, "error", err)
		go m.shutdown(conn.serverName, stale)
	}
}

func (m *Manager) shutdown(serverName string, a adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.AttemptTimeout)
	defer cancel()
	if err := a.Disconnect(ctx); err != nil {
		m.opts.Logger.Warn("disconnect failed", "server", serverName, "error", err)
	}
}

// CallTool invokes tool on the server, queueing while the connection is at
// max_in_flight. The deadline (opts.Timeout, else the server's timeout_ms,
// else CallTimeout) covers queueing and execution.
func (m *Manager) CallTool(ctx context.Context, serverName string, cfg *registry.ServerConfig, tool string, args map[string]any, opts adapter.CallOptions) (json.RawMessage, error) {
	var result json.RawMessage
	err := m.withSlot(ctx, serverName, cfg, opts, func(ctx context.Context, a adapter.Adapter) error {
		var err error
		result, err = a.CallTool(ctx, tool, args, opts)
		return err
	})
	return result, err
}

// ListTools lists the server's tools under the same slot discipline as calls.
func (m *Manager) ListTools(ctx context.Context, serverName string, cfg *registry.ServerConfig) ([]adapter.Tool, error) {
	var tools []adapter.Tool
	err := m.withSlot(ctx, serverName, cfg, adapter.CallOptions{}, func(ctx context.Context, a adapter.Adapter) error {
		var err error
		tools, err = a.ListTools(ctx)
		return err
	})
	return tools, err
}

// StreamTool opens a streamed call. The slot is held until the stream is
// closed or ends; only the wait for a slot is bounded by the deadline.
func (m *Manager) StreamTool(ctx context.Context, serverName string, cfg *registry.ServerConfig, tool string, args map[string]any, opts adapter.CallOptions) (*adapter.Stream, error) {
	deadline := m.deadline(cfg, opts)
	conn, err := m.GetConnection(ctx, serverName, cfg)
	if err != nil {
		return nil, err
	}
	if err := conn.acquire(ctx, deadline); err != nil {
		return nil, err
	}
	a := conn.current()
	if a == nil {
		conn.release()
		return nil, gwerrors.NewConnectionError(serverName, errors.New("connection dropped while queued"))
	}
	streamer, ok := a.(adapter.Streamer)
	if !ok {
		conn.release()
		return nil, gwerrors.NewToolCall(serverName, tool, 0, fmt.Sprintf("server %q does not support streaming", serverName))
	}
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := streamer.StreamTool(streamCtx, tool, args, opts)
	m.recordOutcome(ctx, conn, a, err)
	if err != nil {
		cancel()
		conn.release()
		return nil, err
	}
	stream.AfterClose(func() {
		cancel()
		conn.release()
	})
	return stream, nil
}

// Start launches the idle reaper. It stops when ctx is done or Close is
// called.
func (m *Manager) Start(ctx context.Context) {
	m.reaperMu.Lock()
	defer m.reaperMu.Unlock()
	if m.stopReaper != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.stopReaper = cancel
	done := make(chan struct{})
	m.reaperDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.opts.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := m.ReapIdle(now); n > 0 {
					m.opts.Logger.Info("reaped idle connections", "count", n)
				}
			}
		}
	}()
}

// ReapIdle disconnects connections without work that have been unused for
// longer than IdleTimeout, returning how many were closed.
func (m *Manager) ReapIdle(now time.Time) int {
	reaped := 0
	for _, conn := range m.snapshot() {
		conn.mu.Lock()
		idle := conn.connected && conn.inFlight == 0 && len(conn.queue) == 0 &&
			now.Sub(conn.lastUsed) > m.opts.IdleTimeout
		var stale adapter.Adapter
		if idle {
			stale = conn.detachLocked()
		}
		conn.mu.Unlock()
		if stale != nil {
			m.opts.Logger.Debug("idle connection closed", "server", conn.serverName)
			m.shutdown(conn.serverName, stale)
			reaped++
		}
	}
	return reaped
}

// Retain drops every connection whose key is not in keys, typically after a
// registry reload changed or removed servers.
func (m *Manager) Retain(ctx context.Context, keys []string) int {
	keep := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keep[k] = struct{}{}
	}
	m.mu.Lock()
	var dropped []*Connection
	for key, conn := range m.conns {
		if _, ok := keep[key]; !ok {
			dropped = append(dropped, conn)
			delete(m.conns, key)
		}
	}
	m.mu.Unlock()
	for _, conn := range dropped {
		m.disconnect(ctx, conn)
	}
	return len(dropped)
}

func (m *Manager) disconnect(ctx context.Context, conn *Connection) {
	conn.mu.Lock()
	stale := conn.detachLocked()
	conn.mu.Unlock()
	if stale == nil {
		return
	}
	if err := stale.Disconnect(ctx); err != nil {
		m.opts.Logger.Warn("disconnect failed", "server", conn.serverName, "error", err)
	}
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn)
	}
	return out
}

// Connections returns snapshots of every pooled connection sorted by server.
func (m *Manager) Connections() []ConnectionInfo {
	conns := m.snapshot()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Close stops the reaper, abandons pending connects and disconnects every
// connection.
func (m *Manager) Close(ctx context.Context) error {
	m.stop()
	m.reaperMu.Lock()
	if m.stopReaper != nil {
		m.stopReaper()
		<-m.reaperDone
		m.stopReaper = nil
	}
	m.reaperMu.Unlock()

	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()
	for _, conn := range conns {
		m.disconnect(ctx, conn)
	}
	return nil
}
