package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
	"github.com/vikashloomba/tool-gateway-go/pkg/registry"
)

var errProcessExited = errors.New("stdio server exited")

type rpcReply struct {
	resp *jsonrpc.Response
	raw  []byte
	err  error
}

// stdioAdapter owns one child process and exchanges newline-delimited
// JSON-RPC 2.0 envelopes over its stdin and stdout.
type stdioAdapter struct {
	cfg    *registry.ServerConfig
	logger *slog.Logger
	grace  time.Duration

	connected atomic.Bool
	nextID    atomic.Int64

	mu   sync.Mutex
	proc *process
}

// process is the state of one spawned child. A reconnect replaces it, so a
// late exit of the previous child never touches the new one's pending calls.
type process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[int64]chan rpcReply
	done    chan struct{}
	writeMu sync.Mutex
}

func newStdioAdapter(cfg *registry.ServerConfig, opts Options, logger *slog.Logger) *stdioAdapter {
	return &stdioAdapter{cfg: cfg, logger: logger, grace: opts.ShutdownGrace}
}

func buildCommand(cfg *registry.ServerConfig) *exec.Cmd {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return cmd
}

// Connect spawns the child process. The process outlives ctx; it is stopped by
// Disconnect or by exiting on its own.
func (a *stdioAdapter) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected.Load() {
		return nil
	}

	cmd := buildCommand(a.cfg)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", a.cfg.Command, err)
	}

	p := &process{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan rpcReply),
		done:    make(chan struct{}),
	}
	a.proc = p
	a.connected.Store(true)
	a.logger.Debug("stdio server started", "pid", cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		a.readStdout(p, stdout)
	}()
	go func() {
		defer readers.Done()
		a.readStderr(stderr)
	}()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		a.handleExit(p, err)
		close(p.done)
	}()
	return nil
}

func (a *stdioAdapter) readStdout(p *process, r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		// ReadBytes keeps buffering until the newline, so an envelope split
		// across several pipe reads is reassembled before it is decoded.
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			a.handleLine(p, trimmed)
		}
		if err != nil {
			return
		}
	}
}

func (a *stdioAdapter) handleLine(p *process, line []byte) {
	if line[0] != '{' {
		a.logger.Debug("ignoring non-JSON stdout", "line", string(line))
		return
	}
	msg, err := jsonrpc.DecodeMessage(line)
	if err != nil {
		a.logger.Debug("ignoring undecodable stdout", "error", err)
		return
	}
	switch m := msg.(type) {
	case *jsonrpc.Response:
		id, ok := m.ID.Raw().(int64)
		if !ok {
			a.logger.Debug("ignoring response with non-numeric id", "id", m.ID.Raw())
			return
		}
		a.mu.Lock()
		ch, found := p.pending[id]
		delete(p.pending, id)
		a.mu.Unlock()
		if !found {
			a.logger.Debug("ignoring response for unknown id", "id", id)
			return
		}
		ch <- rpcReply{resp: m, raw: append([]byte(nil), line...)}
	case *jsonrpc.Request:
		a.logger.Debug("ignoring server-initiated message", "method", m.Method)
	}
}

func (a *stdioAdapter) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		a.logger.Info("stdio server stderr", "line", scanner.Text())
	}
}

func (a *stdioAdapter) handleExit(p *process, waitErr error) {
	cause := errProcessExited
	if waitErr != nil {
		cause = fmt.Errorf("%w: %v", errProcessExited, waitErr)
	}
	a.mu.Lock()
	if a.proc == p {
		a.connected.Store(false)
	}
	pending := p.pending
	p.pending = nil
	a.mu.Unlock()

	if len(pending) > 0 || waitErr != nil {
		a.logger.Warn("stdio server exited", "error", waitErr, "pending", len(pending))
	} else {
		a.logger.Debug("stdio server exited")
	}
	for _, ch := range pending {
		ch <- rpcReply{err: gwerrors.NewConnectionError(a.cfg.Name, cause)}
	}
}

func (a *stdioAdapter) Connected() bool { return a.connected.Load() }

// Disconnect closes stdin, gives the child ShutdownGrace to exit and kills it
// otherwise.
func (a *stdioAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	p := a.proc
	a.connected.Store(false)
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	_ = p.stdin.Close()

	timer := time.NewTimer(a.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.done
	return nil
}

func (a *stdioAdapter) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := a.call(ctx, methodToolsList, "", struct{}{})
	if err != nil {
		return nil, err
	}
	return decodeToolList(result)
}

func (a *stdioAdapter) CallTool(ctx context.Context, name string, args map[string]any, opts CallOptions) (json.RawMessage, error) {
	if opts.Stream {
		return nil, gwerrors.NewToolCall(a.cfg.Name, name, 0, "streaming is not supported by stdio servers")
	}
	return a.call(ctx, methodToolsCall, name, toolsCallParams{Name: name, Arguments: nonNilArgs(args)})
}

func (a *stdioAdapter) call(ctx context.Context, method, tool string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	num := a.nextID.Add(1)
	id, err := jsonrpc.MakeID(float64(num))
	if err != nil {
		return nil, err
	}
	data, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	ch := make(chan rpcReply, 1)
	a.mu.Lock()
	p := a.proc
	if !a.connected.Load() || p == nil || p.pending == nil {
		a.mu.Unlock()
		return nil, gwerrors.NewConnectionError(a.cfg.Name, errNotConnected)
	}
	p.pending[num] = ch
	a.mu.Unlock()

	p.writeMu.Lock()
	_, err = p.stdin.Write(data)
	p.writeMu.Unlock()
	if err != nil {
		a.forget(p, num)
		return nil, gwerrors.NewConnectionError(a.cfg.Name, err)
	}

	select {
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		if reply.resp.Error != nil {
			return nil, rpcError(a.cfg.Name, tool, reply.resp.Error, reply.raw)
		}
		return reply.resp.Result, nil
	case <-ctx.Done():
		a.forget(p, num)
		return nil, ctx.Err()
	}
}

func (a *stdioAdapter) forget(p *process, id int64) {
	a.mu.Lock()
	if p.pending != nil {
		delete(p.pending, id)
	}
	a.mu.Unlock()
}
