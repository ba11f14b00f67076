package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"models": []any{}})
	}))
	defer srv.Close()

	c, err := New(context.Background(), "mock-api-key", WithBaseURL(srv.URL+"/v1beta"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestClient_HealthCheck_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": 401, "message": "bad key", "status": "UNAUTHENTICATED"},
		})
	}))
	defer srv.Close()

	c, err := New(context.Background(), "bad-key", WithBaseURL(srv.URL+"/v1beta"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Fatalf("expected error from HealthCheck against a 401 fixture")
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	cases := []struct {
		in, wantBase, wantVer string
	}{
		{"https://generativelanguage.googleapis.com/v1beta", "https://generativelanguage.googleapis.com/", "v1beta"},
		{"https://generativelanguage.googleapis.com", "https://generativelanguage.googleapis.com/", ""},
	}
	for _, c := range cases {
		base, ver := splitBaseURLAndVersion(c.in)
		if base != c.wantBase || ver != c.wantVer {
			t.Errorf("splitBaseURLAndVersion(%q) = (%q, %q), want (%q, %q)", c.in, base, ver, c.wantBase, c.wantVer)
		}
	}
}
