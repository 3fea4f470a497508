package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
	"github.com/vikashloomba/tool-gateway-go/pkg/registry"
)

type rpcEnvelope struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func jsonrpcConfig(url string) *registry.ServerConfig {
	return &registry.ServerConfig{Name: "rpc-test", Type: registry.TypeHTTP, Protocol: registry.ProtocolJSONRPC, URL: url}
}

func newRPCServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcEnvelope
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Version != "2.0" {
			t.Errorf("version tag = %q", req.Version)
		}
		var params toolsCallParams
		_ = json.Unmarshal(req.Params, &params)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case req.Method == methodToolsList:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"search","inputSchema":{"type":"object"}}]}}`, req.ID)
		case params.Stream:
			flusher := w.(http.Flusher)
			for i := 1; i <= 3; i++ {
				fmt.Fprintf(w, "{\"jsonrpc\":\"2.0\",\"method\":\"progress\",\"params\":{\"n\":%d}}\n\n", i)
				flusher.Flush()
			}
			if params.Name == "stream_fail" {
				fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32001,"message":"upstream gone"}}`+"\n\n", req.ID)
				return
			}
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"done":true}}`+"\n\n", req.ID)
		case params.Name == "wrong_id":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":999999,"result":{}}`)
		case params.Name == "bad_version":
			fmt.Fprintf(w, `{"jsonrpc":"1.0","id":%s,"result":{}}`, req.ID)
		case params.Name == "fail":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32602,"message":"invalid query"}}`, req.ID)
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"echo":%s}}`, req.ID, mustJSON(params.Arguments))
		}
	}))
}

func mustJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func TestJSONRPCAdapterRoundTrip(t *testing.T) {
	t.Parallel()

	srv := newRPCServer(t)
	defer srv.Close()

	a, err := New(jsonrpcConfig(srv.URL), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tools, err := a.ListTools(ctx)
	if err != nil || len(tools) != 1 || tools[0].Name != "search" {
		t.Fatalf("ListTools = %+v, %v", tools, err)
	}

	result, err := a.CallTool(ctx, "search", map[string]any{"q": "go"}, CallOptions{})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if string(result) != `{"echo":{"q":"go"}}` {
		t.Fatalf("result = %s", result)
	}

	_, err = a.CallTool(ctx, "fail", nil, CallOptions{})
	var callErr *gwerrors.ToolCallError
	if !errors.As(err, &callErr) || callErr.Code != -32602 || callErr.Message != "invalid query" {
		t.Fatalf("expected ToolCallError -32602, got %v", err)
	}
}

func TestJSONRPCAdapterRejectsMalformedEnvelopes(t *testing.T) {
	t.Parallel()

	srv := newRPCServer(t)
	defer srv.Close()

	a, _ := New(jsonrpcConfig(srv.URL), nil)
	ctx := context.Background()
	_ = a.Connect(ctx)

	for _, tool := range []string{"wrong_id", "bad_version"} {
		if _, err := a.CallTool(ctx, tool, nil, CallOptions{}); !gwerrors.Is(err, gwerrors.ErrorTypeToolCall) {
			t.Fatalf("%s: expected tool call error, got %v", tool, err)
		}
	}
}

func TestJSONRPCStreamYieldsFramesUntilClose(t *testing.T) {
	t.Parallel()

	srv := newRPCServer(t)
	defer srv.Close()

	a, _ := New(jsonrpcConfig(srv.URL), nil)
	streamer, ok := a.(Streamer)
	if !ok {
		t.Fatalf("jsonrpc adapter should implement Streamer")
	}
	stream, err := streamer.StreamTool(context.Background(), "search", map[string]any{"q": "go"}, CallOptions{Stream: true})
	if err != nil {
		t.Fatalf("StreamTool: %v", err)
	}

	var events []string
	for event, err := range stream.All() {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		events = append(events, string(event))
	}
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"done":true}`}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}

	// Streams are single-use.
	for _, err := range stream.All() {
		if !errors.Is(err, ErrStreamConsumed) {
			t.Fatalf("second range error = %v", err)
		}
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("Recv after end = %v, want EOF", err)
	}
}

func TestJSONRPCStreamErrorFrameEndsStream(t *testing.T) {
	t.Parallel()

	srv := newRPCServer(t)
	defer srv.Close()

	a, _ := New(jsonrpcConfig(srv.URL), nil)
	stream, err := a.(Streamer).StreamTool(context.Background(), "stream_fail", nil, CallOptions{Stream: true})
	if err != nil {
		t.Fatalf("StreamTool: %v", err)
	}
	defer stream.Close()

	count := 0
	for {
		_, err := stream.Recv()
		if err != nil {
			var callErr *gwerrors.ToolCallError
			if !errors.As(err, &callErr) || callErr.Code != -32001 {
				t.Fatalf("terminal error = %v", err)
			}
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("received %d events before the error, want 3", count)
	}
}
