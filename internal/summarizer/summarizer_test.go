package summarizer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ki2pixel/kimi-proxy/internal/providers"
)

func TestSummarize_Unconfigured(t *testing.T) {
	s := New("")
	_, err := s.Summarize(context.Background(), []providers.Message{{Role: "user", Content: "hi"}})
	if err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSummarize_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_1",
			"model": "claude-3-5-haiku-20241022",
			"content": []map[string]any{
				{"type": "text", "text": "user asked for a ping, assistant replied pong"},
			},
			"usage": map[string]any{"input_tokens": 20, "output_tokens": 8},
		})
	}))
	defer srv.Close()

	s := New("test-key", WithBaseURL(srv.URL))
	out, err := s.Summarize(context.Background(), []providers.Message{
		{Role: "user", Content: "ping"},
		{Role: "assistant", Content: "pong"},
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty summary")
	}
}
