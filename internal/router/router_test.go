package router

import (
	"encoding/json"
	"testing"

	"github.com/ki2pixel/kimi-proxy/internal/providers"
)

func testRouter() *Router {
	provs := []providers.ProviderConfig{
		{Key: "pA", Type: providers.TypeOpenAICompatible, BaseURL: "http://fixture-a", CostPerMToken: 1, AvgLatencyMS: 100},
		{Key: "pB", Type: providers.TypeOpenAICompatible, BaseURL: "http://fixture-b", CostPerMToken: 2, AvgLatencyMS: 50},
		{Key: "pGem", Type: providers.TypeGeminiNative, BaseURL: "http://fixture-gemini"},
	}
	models := []providers.ModelConfig{
		{ClientKey: "alias/x", UpstreamName: "real-x", ProviderKey: "pA", MaxContext: 1000},
		{ClientKey: "family/shared-a", UpstreamName: "shared", ProviderKey: "pA", MaxContext: 8000},
		{ClientKey: "family/shared-b", UpstreamName: "shared", ProviderKey: "pB", MaxContext: 4000},
		{ClientKey: "gem/pro", UpstreamName: "gemini-pro", ProviderKey: "pGem", MaxContext: 32000},
	}
	return New(provs, models, "127.0.0.1:8080", true)
}

func TestMapModel_ExactAndFallback(t *testing.T) {
	r := testRouter()
	if got := r.MapModel("alias/x"); got != "real-x" {
		t.Fatalf("MapModel(alias/x) = %q, want real-x", got)
	}
	if got := r.MapModel("nvidia/kimi-k2-thinking"); got != "kimi-k2-thinking" {
		t.Fatalf("MapModel fallback = %q, want kimi-k2-thinking", got)
	}
	if got := r.MapModel("no-slash"); got != "no-slash" {
		t.Fatalf("MapModel no-slash passthrough = %q, want no-slash", got)
	}
}

func TestMapModel_Idempotent(t *testing.T) {
	r := testRouter()
	k := "nvidia/kimi-k2-thinking"
	once := r.MapModel(k)
	twice := r.MapModel(once)
	if once != twice {
		t.Fatalf("L3 violated: MapModel(MapModel(%q)) = %q, want %q", k, twice, once)
	}
}

func TestSelectProviderForModel_Scoring(t *testing.T) {
	r := testRouter()
	// pB has lower cost-efficiency (higher cost) but lower latency and
	// smaller context; exercise that scoring actually picks one deterministically.
	key, err := r.SelectProviderForModel("shared", 0.5)
	if err != nil {
		t.Fatalf("SelectProviderForModel: %v", err)
	}
	if key != "pA" && key != "pB" {
		t.Fatalf("unexpected provider key %q", key)
	}
}

func TestResolve_PinnedModel(t *testing.T) {
	r := testRouter()
	d, err := r.Resolve("alias/x", 1.0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.ProviderKey != "pA" || d.UpstreamModel != "real-x" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestResolve_UnknownModel(t *testing.T) {
	r := testRouter()
	if _, err := r.Resolve("totally/unknown-model-xyz", 1.0); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestResolve_LoopDetected(t *testing.T) {
	provs := []providers.ProviderConfig{
		{Key: "self", Type: providers.TypeOpenAICompatible, BaseURL: "http://127.0.0.1:8080"},
	}
	models := []providers.ModelConfig{
		{ClientKey: "alias/x", UpstreamName: "real-x", ProviderKey: "self", MaxContext: 1000},
	}
	r := New(provs, models, "127.0.0.1:8080", false)
	if _, err := r.Resolve("alias/x", 1.0); err != ErrLoopDetected {
		t.Fatalf("expected ErrLoopDetected, got %v", err)
	}
}

func TestListModels_OpenAICompatibleShape(t *testing.T) {
	r := testRouter()
	entries := r.ListModels()
	if len(entries) != 4 {
		t.Fatalf("expected 4 model entries, got %d", len(entries))
	}
}

func TestTransformBody_OpenAICompatible_ModelSubstitution(t *testing.T) {
	d := &Decision{ProviderType: providers.TypeOpenAICompatible, UpstreamModel: "real-x"}
	body := []byte(`{"model":"alias/x","stream":true,"messages":[{"role":"user","content":"ping"}]}`)
	out, err := TransformBody(d, body)
	if err != nil {
		t.Fatalf("TransformBody: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if decoded["model"] != "real-x" {
		t.Fatalf("expected model=real-x, got %v", decoded["model"])
	}
	if decoded["stream"] != true {
		t.Fatalf("expected stream passthrough, got %v", decoded["stream"])
	}
}

func TestTransformBody_GeminiNative_SystemAndRoles(t *testing.T) {
	d := &Decision{ProviderType: providers.TypeGeminiNative, UpstreamModel: "gemini-pro"}
	body := []byte(`{"model":"gem/pro","messages":[
		{"role":"system","content":"be terse"},
		{"role":"user","content":"hi"},
		{"role":"assistant","content":"hello"}
	]}`)
	out, err := TransformBody(d, body)
	if err != nil {
		t.Fatalf("TransformBody: %v", err)
	}
	var decoded geminiBody
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if decoded.SystemInstruction == nil || decoded.SystemInstruction.Parts[0].Text != "be terse" {
		t.Fatalf("expected systemInstruction to carry the system message, got %+v", decoded.SystemInstruction)
	}
	if len(decoded.Contents) != 2 {
		t.Fatalf("expected 2 contents (user+assistant), got %d", len(decoded.Contents))
	}
	if decoded.Contents[1].Role != "model" {
		t.Fatalf("expected assistant role mapped to 'model', got %q", decoded.Contents[1].Role)
	}
}

func TestTransformBody_GeminiNative_ArrayContentPreservesParts(t *testing.T) {
	d := &Decision{ProviderType: providers.TypeGeminiNative, UpstreamModel: "gemini-pro"}
	body := []byte(`{"model":"gem/pro","messages":[
		{"role":"user","content":[
			{"type":"text","text":"describe this"},
			{"type":"image_url","image_url":{"url":"https://example.com/a.png"}}
		]}
	]}`)
	out, err := TransformBody(d, body)
	if err != nil {
		t.Fatalf("TransformBody: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	contents, ok := decoded["contents"].([]any)
	if !ok || len(contents) != 1 {
		t.Fatalf("expected 1 content entry, got %+v", decoded["contents"])
	}
	parts, ok := contents[0].(map[string]any)["parts"].([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("expected 2 parallel parts (text + opaque image block), got %+v", contents[0])
	}
	if parts[0].(map[string]any)["text"] != "describe this" {
		t.Fatalf("expected first part to carry the text block, got %+v", parts[0])
	}
	if _, hasImage := parts[1].(map[string]any)["image_url"]; !hasImage {
		t.Fatalf("expected second part to carry the image_url block opaquely, got %+v", parts[1])
	}
}

func TestNeedsNewSession(t *testing.T) {
	r := testRouter()
	if !r.NeedsNewSession("", "", "alias/x") {
		t.Fatal("expected new session trigger when no current session")
	}
	if r.NeedsNewSession("pA", "alias/x", "alias/x") {
		t.Fatal("expected no new session when model unchanged")
	}
}

func TestMaxContextResolution(t *testing.T) {
	r := testRouter()
	if mc, ok := r.MaxContextForModel("alias/x"); !ok || mc != 1000 {
		t.Fatalf("MaxContextForModel(alias/x) = (%d, %v), want (1000, true)", mc, ok)
	}
	// Provider pA serves both alias/x (1000) and family/shared-a (8000); the
	// floor across pA's models must be the minimum, 1000.
	if floor, ok := r.MaxContextFloorForProvider("pA"); !ok || floor != 1000 {
		t.Fatalf("MaxContextFloorForProvider(pA) = (%d, %v), want (1000, true)", floor, ok)
	}
}
