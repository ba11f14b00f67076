package mcpgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestForward_UnknownServer(t *testing.T) {
	g := New(nil, nil)
	status, body := g.Forward(context.Background(), "ghost", []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeUnknownServer {
		t.Fatalf("expected error code %d, got %+v", CodeUnknownServer, resp.Error)
	}
}

func TestForward_SuccessMasksLongResult(t *testing.T) {
	long := strings.Repeat("A", 5000)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: 7, Result: map[string]any{"text": long}})
	}))
	defer upstream.Close()

	g := New([]PeerConfig{{Name: "peer-a", Addr: upstream.URL, Timeout: time.Second}}, nil)
	status, body := g.Forward(context.Background(), "peer-a", []byte(`{"jsonrpc":"2.0","id":7,"method":"tool/call"}`))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	result := resp.Result.(map[string]any)
	text := result["text"].(string)
	if text == long {
		t.Fatal("expected the long result text to be masked")
	}
	if !strings.Contains(text, "original_chars=5000") {
		t.Fatalf("expected mask marker with original_chars=5000, got %q", text)
	}
	if float64ToID(resp.ID) != 7 {
		t.Fatalf("expected id=7 preserved, got %v", resp.ID)
	}
}

func float64ToID(v any) int {
	f, ok := v.(float64)
	if !ok {
		return -1
	}
	return int(f)
}

func TestForward_InvalidUpstreamJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer upstream.Close()

	g := New([]PeerConfig{{Name: "peer-a", Addr: upstream.URL, Timeout: time.Second}}, nil)
	status, body := g.Forward(context.Background(), "peer-a", []byte(`{"jsonrpc":"2.0","id":1,"method":"x"}`))
	if status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", status)
	}
	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeInvalidUpstream {
		t.Fatalf("expected error code %d, got %+v", CodeInvalidUpstream, resp.Error)
	}
}

func TestForward_UpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: 1, Result: "ok"})
	}))
	defer upstream.Close()

	g := New([]PeerConfig{{Name: "peer-a", Addr: upstream.URL, Timeout: 5 * time.Millisecond}}, nil)
	status, body := g.Forward(context.Background(), "peer-a", []byte(`{"jsonrpc":"2.0","id":1,"method":"x"}`))
	if status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", status)
	}
	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeUpstreamError {
		t.Fatalf("expected error code %d, got %+v", CodeUpstreamError, resp.Error)
	}
}

func TestListPeers(t *testing.T) {
	g := New([]PeerConfig{{Name: "a"}, {Name: "b"}}, nil)
	peers := g.ListPeers()
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
}
