// Package summarizer implements the "external summarization endpoint"
// capability that Context Compaction calls out to when it needs to replace a
// dropped prefix of a conversation with a single synthetic summary message
// (see internal/compaction, step 4 of the compaction algorithm).
//
// Anthropic's Messages API is not one of the router's four closed provider
// types — the spec's provider-type enum has no anthropic-native entry — so
// this is the dependency's real home: a narrow, single-purpose peer the
// compactor calls only when summarization is both configured and reachable.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ki2pixel/kimi-proxy/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultMaxTokens = 1024
	summaryPrompt    = "Summarize the following conversation turns concisely, preserving any facts, " +
		"decisions, and action items a continuing assistant would need. Do not add commentary."
)

// Summarizer produces a short synthetic summary of elided conversation turns.
type Summarizer struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
	model   string
}

// Option configures a Summarizer.
type Option func(*Summarizer)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(s *Summarizer) { s.baseURL = url }
}

// WithModel overrides the default summarization model.
func WithModel(model string) Option {
	return func(s *Summarizer) { s.model = model }
}

// New creates a Summarizer. apiKey may be empty — Summarize then always
// returns ErrUnavailable, and the compactor falls back to its placeholder.
func New(apiKey string, opts ...Option) *Summarizer {
	s := &Summarizer{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   "claude-3-5-haiku-20241022",
	}
	for _, o := range opts {
		o(s)
	}

	if s.apiKey != "" {
		httpClient := &http.Client{Timeout: providers.ConnectTimeout}
		s.client = anthropic.NewClient(
			option.WithAPIKey(s.apiKey),
			option.WithBaseURL(s.baseURL),
			option.WithHTTPClient(httpClient),
		)
	}
	return s
}

// ErrUnavailable is returned when no credential is configured for the
// summarization peer. Callers should fall back to a placeholder summary.
var ErrUnavailable = errors.New("summarizer: not configured")

// Summarize collapses the given messages into a short synthetic summary.
func (s *Summarizer) Summarize(ctx context.Context, messages []providers.Message) (string, error) {
	if s.apiKey == "" {
		return "", ErrUnavailable
	}

	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
	}

	msg, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: defaultMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: summaryPrompt}},
		Messages: []anthropic.MessageParam{
			{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					{OfText: &anthropic.TextBlockParam{Text: sb.String()}},
				},
			},
		},
	})
	if err != nil {
		return "", toSummarizerError(err)
	}

	var out strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(tb.Text)
		}
	}
	return out.String(), nil
}

// SummarizerError is a structured error from the Anthropic API.
type SummarizerError struct {
	StatusCode int
	Message    string
}

func (e *SummarizerError) Error() string {
	return fmt.Sprintf("summarizer: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *SummarizerError) HTTPStatus() int { return e.StatusCode }

func toSummarizerError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &SummarizerError{StatusCode: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return err
}
