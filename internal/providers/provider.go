// Package providers defines the wire-level vocabulary shared by the router
// and the streaming proxy: the closed set of upstream dialects, the
// normalized request/response intermediate representation, and the
// configuration descriptors loaded at startup.
//
// There is deliberately no open Provider interface here. Earlier iterations
// of this gateway had one concrete Go type per vendor SDK; that shape doesn't
// survive a transparent byte-passthrough proxy, because every vendor SDK
// decodes events into its own structs before the caller ever sees raw bytes.
// Instead a Provider is pure configuration (key, type tag, base URL,
// credential, timeouts) and the streaming proxy switches once on ProviderType
// to pick a dispatch branch. See internal/router and internal/proxy.
package providers

import "time"

// ProviderType is the closed set of upstream wire dialects. A new vendor is
// onboarded by picking the dialect it actually speaks, not by writing a new
// Go type.
type ProviderType string

const (
	// TypeOpenAICompatible covers any vendor whose chat-completions wire
	// format matches OpenAI's: POST JSON, SSE response, bearer credential,
	// terminal "data: [DONE]". The large majority of vendors (Groq,
	// DeepSeek, Together, Mistral, xAI, Perplexity, Cerebras, ...) fall
	// here; only the base URL and model-name convention differ.
	TypeOpenAICompatible ProviderType = "openai-compatible"
	// TypeOpenAILegacy covers OpenAI-shaped vendors that additionally
	// require deployment-style URLs and an "api-key" header instead of
	// "Authorization: Bearer" — e.g. Azure OpenAI.
	TypeOpenAILegacy ProviderType = "openai-legacy"
	// TypeKimiCoding is the OpenAI-shaped dialect used by Moonshot/Kimi's
	// coding-oriented endpoints. Wire shape is identical to
	// TypeOpenAICompatible; kept distinct because the spec's provider-type
	// enum names it separately and a future divergence (tool-call
	// extensions, auth quirks) should not have to touch every caller that
	// type-switches on ProviderType.
	TypeKimiCoding ProviderType = "kimi-coding"
	// TypeGeminiNative covers Google's Gemini/Vertex AI dialect: contents
	// instead of messages, systemInstruction instead of a system message,
	// newline-delimited JSON streaming instead of SSE.
	TypeGeminiNative ProviderType = "gemini-native"
)

// Valid reports whether t is one of the closed set of dialects.
func (t ProviderType) Valid() bool {
	switch t {
	case TypeOpenAICompatible, TypeOpenAILegacy, TypeKimiCoding, TypeGeminiNative:
		return true
	}
	return false
}

// ProviderConfig is the immutable descriptor for one upstream endpoint,
// loaded once at startup from internal/config and never mutated afterward.
type ProviderConfig struct {
	Key           string
	Type          ProviderType
	BaseURL       string
	CredentialRef string // "${NAME}" as written in config, pre-expansion
	Credential    string // resolved secret value
	// CostPerMToken and AvgLatencyMS feed select-provider-for-model's
	// smart-mode scoring formula.
	CostPerMToken float64
	AvgLatencyMS  float64

	ConnectTimeout    time.Duration
	StreamIdleTimeout time.Duration
	TotalTimeout      time.Duration
}

// ModelConfig is the immutable descriptor for one logical model alias.
type ModelConfig struct {
	ClientKey    string // e.g. "nvidia/kimi-k2-thinking"
	UpstreamName string // e.g. "kimi-k2-thinking"
	ProviderKey  string
	MaxContext   int
	Capabilities []string
}

// Message is a single turn in a conversation (role + text content). It is
// the typed intermediate representation consumed by per-provider-type body
// transformers — see internal/router.TransformBody.
type Message struct {
	Role    string
	Content string
	// Raw carries tool-call blocks, multimodal parts, or anything else the
	// transformer doesn't understand, so it survives the transform
	// opaquely instead of being dropped. Nil for plain text turns.
	Raw map[string]any
}

// Usage — token usage as reported by (or estimated for) one round-trip.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamChunk is a single delta delivered during a streaming response.
type StreamChunk struct {
	Content      string
	FinishReason string
	// Usage is populated only on the terminal chunk of providers that
	// report it mid-stream or in the closing frame (OpenAI's usage event,
	// Gemini's closing JSON object).
	Usage *Usage
}

// ProxyRequest — normalized client request, independent of provider dialect.
type ProxyRequest struct {
	Model       string
	Messages    []Message
	Stream      bool
	Temperature float64
	MaxTokens   int
	SessionID   int64
	APIKey      string
	RequestID   string
}

// ProxyResponse — normalized, non-streaming provider response.
type ProxyResponse struct {
	ID           string
	Model        string
	Content      string
	Usage        Usage
	FinishReason string
}

// StatusCoder is implemented by provider errors that carry an HTTP status
// (for example summarizer.SummarizerError).
type StatusCoder interface {
	HTTPStatus() int
}

// Default circuit breaker and failover constants, shared across the router,
// the streaming proxy's retry policy, and the health checker.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
	MaxRetries        = 2
	ConnectTimeout    = 10 * time.Second
	StreamIdleTimeout = 60 * time.Second
	TotalTimeout      = 120 * time.Second
	RetryBackoffBase  = 1 * time.Second
	RetryBackoffCap   = 4 * time.Second
)
