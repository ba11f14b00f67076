package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ki2pixel/kimi-proxy/internal/providers"
)

// TransformBody rewrites the client's request body to the chosen provider's
// wire dialect, per spec.md §4.1 "Body transformations".
//
//   - openai-compatible / openai-legacy / kimi-coding: no rewrite beyond
//     substituting the model field with the upstream name; stream passes
//     through untouched.
//   - gemini-native: convert the OpenAI-shaped {messages:[...]} body into
//     Gemini's {contents:[...], generationConfig:{...}}, with a leading
//     system message promoted to systemInstruction.
func TransformBody(d *Decision, rawBody []byte) ([]byte, error) {
	switch d.ProviderType {
	case providers.TypeOpenAICompatible, providers.TypeOpenAILegacy, providers.TypeKimiCoding:
		return rewriteModelField(rawBody, d.UpstreamModel)
	case providers.TypeGeminiNative:
		return toGeminiBody(rawBody, d.UpstreamModel)
	default:
		return nil, fmt.Errorf("router: unknown provider type %q", d.ProviderType)
	}
}

// rewriteModelField replaces the top-level "model" field, leaving every
// other field — including tool-call structures and multimodal parts it
// doesn't understand — untouched.
func rewriteModelField(rawBody []byte, upstreamModel string) ([]byte, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(rawBody, &generic); err != nil {
		return nil, fmt.Errorf("router: decode request body: %w", err)
	}
	modelJSON, err := json.Marshal(upstreamModel)
	if err != nil {
		return nil, err
	}
	generic["model"] = modelJSON
	return json.Marshal(generic)
}

type openAIChatBody struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role string `json:"role"`
	// Content is decoded opaquely because OpenAI allows either a plain
	// string or an array of typed content blocks (multimodal parts,
	// tool-call structures); forcing it into a bare string would fail to
	// unmarshal the array form and silently drop the message.
	Content json.RawMessage `json:"content"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart is either a recognized text block (marshaled as Gemini's
// {"text": ...} shape) or an unrecognized content block carried through
// verbatim in Raw — spec.md §4.1 "Tool-call structures and multimodal parts
// are preserved as parallel parts."
type geminiPart struct {
	Text string
	Raw  json.RawMessage
}

func (p geminiPart) MarshalJSON() ([]byte, error) {
	if p.Raw != nil {
		return p.Raw, nil
	}
	return json.Marshal(struct {
		Text string `json:"text"`
	}{p.Text})
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiBody struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// contentParts turns an OpenAI message's content — a plain string or an
// array of typed content blocks — into parallel Gemini parts. Recognized
// {"type":"text",...} blocks are reshaped; anything else (tool-call
// structures, multimodal parts) is carried through opaquely via Raw rather
// than dropped, per spec.md §4.1 and the §9 design note.
func contentParts(content json.RawMessage) []geminiPart {
	if len(content) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return []geminiPart{{Text: s}}
	}
	var blocks []json.RawMessage
	if err := json.Unmarshal(content, &blocks); err != nil {
		return []geminiPart{{Raw: content}}
	}
	parts := make([]geminiPart, 0, len(blocks))
	for _, b := range blocks {
		var typed struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(b, &typed); err == nil && typed.Type == "text" {
			parts = append(parts, geminiPart{Text: typed.Text})
			continue
		}
		parts = append(parts, geminiPart{Raw: b})
	}
	return parts
}

// contentText extracts the plain-text portion of a message's content for
// accumulation into the Gemini systemInstruction string: the string form
// verbatim, or the concatenation of array-form "text" blocks. Non-text
// blocks (tool calls, multimodal parts) don't have a text rendering, so
// they're skipped here — they still survive on non-system messages via
// contentParts's Raw passthrough.
func contentText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []json.RawMessage
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		var typed struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(b, &typed); err == nil && typed.Type == "text" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(typed.Text)
		}
	}
	return sb.String()
}

// toGeminiBody implements the OpenAI→Gemini message-shape transform,
// grounded on the former internal/providers/gemini.buildContentsAndConfig:
// system/developer roles collapse into a single systemInstruction; assistant
// (and "model") map to Gemini's "model" role; everything else is "user".
func toGeminiBody(rawBody []byte, upstreamModel string) ([]byte, error) {
	var in openAIChatBody
	if err := json.Unmarshal(rawBody, &in); err != nil {
		return nil, fmt.Errorf("router: decode request body: %w", err)
	}

	var systemPrompt strings.Builder
	contents := make([]geminiContent, 0, len(in.Messages))

	for _, m := range in.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt.Len() > 0 {
				systemPrompt.WriteByte('\n')
			}
			systemPrompt.WriteString(contentText(m.Content))
		case "assistant", "model":
			contents = append(contents, geminiContent{Role: "model", Parts: contentParts(m.Content)})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: contentParts(m.Content)})
		}
	}

	out := geminiBody{Contents: contents}
	if systemPrompt.Len() > 0 {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt.String()}}}
	}
	if in.Temperature > 0 || in.MaxTokens > 0 {
		cfg := &geminiGenerationConfig{MaxOutputTokens: in.MaxTokens}
		if in.Temperature > 0 {
			cfg.Temperature = &in.Temperature
		}
		out.GenerationConfig = cfg
	}

	return json.Marshal(out)
}

// GeminiEndpointSuffix returns ":streamGenerateContent" or ":generateContent"
// depending on whether the request streams, per spec.md §6's upstream
// protocol table for gemini-native.
func GeminiEndpointSuffix(stream bool) string {
	if stream {
		return ":streamGenerateContent"
	}
	return ":generateContent"
}
