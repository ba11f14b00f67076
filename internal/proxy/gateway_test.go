package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ki2pixel/kimi-proxy/internal/accounting"
	"github.com/ki2pixel/kimi-proxy/internal/compaction"
	"github.com/ki2pixel/kimi-proxy/internal/hub"
	"github.com/ki2pixel/kimi-proxy/internal/masking"
	"github.com/ki2pixel/kimi-proxy/internal/providers"
	"github.com/ki2pixel/kimi-proxy/internal/router"
	"github.com/ki2pixel/kimi-proxy/internal/store"
	"github.com/ki2pixel/kimi-proxy/internal/summarizer"
	"github.com/ki2pixel/kimi-proxy/internal/tokenizer"
	"github.com/valyala/fasthttp"
)

// testGateway wires a full Gateway against an in-memory store and a router
// pointed at a single fake upstream, mirroring how internal/app's
// composition root wires the real one.
func testGateway(t *testing.T, upstreamURL string) (*Gateway, store.Store) {
	t.Helper()
	provs := []providers.ProviderConfig{
		{Key: "pA", Type: providers.TypeOpenAICompatible, BaseURL: upstreamURL, Credential: "sk-test"},
	}
	models := []providers.ModelConfig{
		{ClientKey: "gpt-test", UpstreamName: "gpt-test-upstream", ProviderKey: "pA", MaxContext: 1000},
	}
	rt := router.New(provs, models, "127.0.0.1:0", false)
	tok := tokenizer.New()
	st := store.NewMemoryStore(context.Background(), 3, time.Hour)
	t.Cleanup(func() { _ = st.Close() })
	acc := accounting.New(tok, rt, st)
	comp := compaction.New(tok, summarizer.New(""), st, compaction.Options{})
	h := hub.New(8, func() []hub.Message { return nil })
	masker := masking.New(4000, 2000, 2000)

	gw := NewGateway(context.Background(), rt, acc, comp, st, h, masker, nil, GatewayOptions{MaxRetries: 1})
	return gw, st
}

func newCtxWithBody(method, path string, body string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	ctx.Request.SetBodyString(body)
	return ctx
}

func TestDispatchChat_UnknownModel(t *testing.T) {
	gw, _ := testGateway(t, "http://127.0.0.1:1")
	ctx := newCtxWithBody("POST", "/chat/completions", `{"model":"does-not-exist","messages":[{"role":"user","content":"hi"}]}`)
	gw.dispatchChat(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("expected 404 for unknown model, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

func TestDispatchChat_MissingModelField(t *testing.T) {
	gw, _ := testGateway(t, "http://127.0.0.1:1")
	ctx := newCtxWithBody("POST", "/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
	gw.dispatchChat(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400 for missing model, got %d", ctx.Response.StatusCode())
	}
}

func TestDispatchChat_InvalidJSON(t *testing.T) {
	gw, _ := testGateway(t, "http://127.0.0.1:1")
	ctx := newCtxWithBody("POST", "/chat/completions", `not json`)
	gw.dispatchChat(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400 for invalid JSON, got %d", ctx.Response.StatusCode())
	}
}

func TestDispatchChat_StreamsSSEAndCommitsAccounting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")) //nolint:errcheck
		flusher.Flush()
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"!\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2}}\n\n")) //nolint:errcheck
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n")) //nolint:errcheck
		flusher.Flush()
	}))
	defer srv.Close()

	gw, st := testGateway(t, srv.URL)
	ctx := newCtxWithBody("POST", "/chat/completions", `{"model":"gpt-test","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	stream := ctx.Response.BodyStream()
	if stream == nil {
		t.Fatal("expected a streamed response body")
	}
	raw, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("drain body stream: %v", err)
	}
	if !strings.Contains(string(raw), "data: [DONE]") {
		t.Errorf("expected SSE passthrough to include terminal DONE, got %q", string(raw))
	}

	sessions, err := st.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected exactly one auto-created session, got %d", len(sessions))
	}
	totalIn, totalOut, err := st.SessionTotals(context.Background(), sessions[0].ID)
	if err != nil {
		t.Fatalf("SessionTotals: %v", err)
	}
	if totalIn != 4 || totalOut != 2 {
		t.Errorf("expected authoritative usage (4,2) to be committed, got (%d,%d)", totalIn, totalOut)
	}
}

func TestDispatchChat_Upstream4xxForwardedVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	gw, _ := testGateway(t, srv.URL)
	ctx := newCtxWithBody("POST", "/chat/completions", `{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != http.StatusUnauthorized {
		t.Errorf("expected 401 forwarded verbatim, got %d", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "bad key") {
		t.Errorf("expected upstream error body forwarded verbatim, got %s", ctx.Response.Body())
	}
}
