// Package gemini wraps google.golang.org/genai for the narrow slice of
// gemini-native behavior that benefits from the official SDK rather than the
// hand-rolled streaming transport: connectivity health checks and model
// listing. The hot chat-completions path (including streaming) is handled by
// internal/router's body transform plus internal/proxy's transparent
// SSE/NDJSON passthrough, not by this client — the SDK's streaming iterator
// decodes events into structs before the caller ever sees raw bytes, which
// can't satisfy the proxy's byte-passthrough contract.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/ki2pixel/kimi-proxy/internal/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client wraps a genai.Client for health-check and model-listing use.
type Client struct {
	client *genai.Client
}

// Option configures the client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL string
	project string // set for Vertex AI (ADC auth) instead of an API key
	location string
}

// WithBaseURL overrides the API base URL (Google AI Studio), useful for testing.
func WithBaseURL(u string) Option {
	return func(c *clientConfig) { c.baseURL = u }
}

// WithVertex switches the client to Vertex AI's ADC-authenticated backend.
// When set, apiKey passed to New is ignored.
func WithVertex(project, location string) Option {
	return func(c *clientConfig) { c.project = project; c.location = location }
}

// New creates a health/listing client for Gemini (API key auth) or Vertex AI
// (ADC auth, when WithVertex is supplied) — both speak the gemini-native
// dialect the router/proxy transform against.
func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	cfg := clientConfig{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(&cfg)
	}

	httpClient := &http.Client{Timeout: providers.ConnectTimeout}

	if cfg.project != "" {
		c, err := genai.NewClient(ctx, &genai.ClientConfig{
			Backend:    genai.BackendVertexAI,
			Project:    cfg.project,
			Location:   cfg.location,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini: vertex client: %w", err)
		}
		return &Client{client: c}, nil
	}

	base, ver := splitBaseURLAndVersion(cfg.baseURL)
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	return &Client{client: c}, nil
}

// HealthCheck performs a lightweight connectivity/auth probe.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

// ListModels returns the upstream model names currently exposed by this
// backend, used to refresh /models entries tagged gemini-native.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	page, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 100})
	if err != nil {
		return nil, fmt.Errorf("gemini: list models: %w", toProviderError(err))
	}
	names := make([]string, 0, len(page.Items))
	for _, m := range page.Items {
		if m != nil {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

// ProviderError is a structured error returned by the Gemini/Vertex API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{StatusCode: apiErr.Code, Message: apiErr.Message, Type: apiErr.Status}
	}
	return err
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}
