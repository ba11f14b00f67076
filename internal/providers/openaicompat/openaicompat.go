// Package openaicompat wraps github.com/openai/openai-go/v3 for the narrow
// slice of the openai-compatible / openai-legacy / kimi-coding dialect
// family that benefits from the official SDK rather than the hand-rolled
// streaming transport: connectivity health checks, model listing, and the
// embeddings call backing the Memory service's semantic-kind classification.
// The hot chat-completions path (including streaming) is handled by
// internal/router's body transform plus internal/proxy's transparent SSE
// passthrough, not by this client — the SDK's streaming iterator decodes
// events into structs before the caller ever sees raw bytes.
package openaicompat

import (
	"context"
	"fmt"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/ki2pixel/kimi-proxy/internal/providers"
)

// Client wraps an openai-go client scoped to one base URL / credential pair.
type Client struct {
	client openaiSDK.Client
}

// New creates a health/listing/embeddings client for one configured
// provider entry. baseURL is the provider's chat-completions base, e.g.
// "https://api.openai.com/v1" or a self-hosted kimi-coding endpoint.
func New(apiKey, baseURL string) *Client {
	httpClient := &http.Client{Timeout: providers.ConnectTimeout}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{client: openaiSDK.NewClient(opts...)}
}

// HealthCheck satisfies internal/proxy.Prober.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openaicompat: health check: %w", err)
	}
	return nil
}

// ListModels returns the upstream's advertised model ids, used to cross-check
// the configured model table at startup.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: list models: %w", err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Embed computes an embedding vector for a single piece of text, used by the
// Memory service to classify a new memory entry's semantic kind against the
// existing entries for a session (nearest-neighbor over cosine similarity).
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{OfString: openaiSDK.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("openaicompat: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openaicompat: embed: empty response")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
