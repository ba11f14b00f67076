package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ki2pixel/kimi-proxy/internal/providers"
	"github.com/ki2pixel/kimi-proxy/internal/router"
)

// streamState is the per-request state from spec.md §4.2.2:
//
//	AwaitingUpstream → HeadersReceived → Streaming → (Closed | Aborted | PartialAborted)
type streamState int

const (
	stateAwaitingUpstream streamState = iota
	stateHeadersReceived
	stateStreaming
	stateClosed
	stateAborted
	statePartialAborted
)

func (s streamState) String() string {
	switch s {
	case stateAwaitingUpstream:
		return "awaiting_upstream"
	case stateHeadersReceived:
		return "headers_received"
	case stateStreaming:
		return "streaming"
	case stateClosed:
		return "closed"
	case stateAborted:
		return "aborted"
	case statePartialAborted:
		return "partial_aborted"
	}
	return "unknown"
}

// upstreamErr carries enough information for the failover layer to decide
// whether a retry is permitted and for the handler to pick an HTTP status.
type upstreamErr struct {
	kind           string // apierr.Kind value
	status         int    // upstream HTTP status, 0 if the request never got a response
	bytesForwarded bool   // true once any response byte reached the caller — retry is then forbidden
	err            error
}

func (e *upstreamErr) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.kind, e.err)
	}
	return e.kind
}

func (e *upstreamErr) Unwrap() error { return e.err }

// buildUpstreamRequest constructs the outbound *http.Request for one
// resolved routing decision, including the dialect-specific credential
// header and, for gemini-native, the streamGenerateContent/generateContent
// endpoint suffix and API-key query parameter.
func buildUpstreamRequest(ctx context.Context, d *router.Decision, body []byte, stream bool) (*http.Request, error) {
	url := d.TargetBaseURL
	if d.ProviderType == providers.TypeGeminiNative {
		url = strings.TrimSuffix(url, "/") + "/models/" + d.UpstreamModel + router.GeminiEndpointSuffix(stream)
		if d.Credential != "" {
			sep := "?"
			if strings.Contains(url, "?") {
				sep = "&"
			}
			url = url + sep + "key=" + d.Credential
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Host = d.Host

	switch d.ProviderType {
	case providers.TypeOpenAILegacy:
		req.Header.Set("api-key", d.Credential)
	case providers.TypeOpenAICompatible, providers.TypeKimiCoding:
		if d.Credential != "" {
			req.Header.Set("Authorization", "Bearer "+d.Credential)
		}
	case providers.TypeGeminiNative:
		// Credential travels as a query parameter above.
	}

	return req, nil
}

// dialUpstream performs exactly one HTTP round trip up to and including
// response headers. It never reads the body — the caller decides whether to
// stream it or retry based on the status code.
func dialUpstream(client *http.Client, req *http.Request) (*http.Response, *upstreamErr) {
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr == context.DeadlineExceeded {
			return nil, &upstreamErr{kind: "upstream_timeout_headers", err: err}
		}
		return nil, &upstreamErr{kind: "upstream_connect", err: err}
	}
	return resp, nil
}

// chunkEvent is one normalized delta extracted opportunistically from an
// upstream streaming frame, independent of wire dialect.
type chunkEvent struct {
	content      string
	finishReason string
	usage        *providers.Usage
	done         bool // true on the OpenAI "[DONE]" sentinel or a terminal Gemini object
}

// relayOpenAI performs the Streaming state from HeadersReceived onward for
// the openai-compatible / openai-legacy / kimi-coding dialects: the upstream
// body is already SSE-framed, so the proxy forwards each line untouched and
// opportunistically parses "data: " lines for content/usage (spec.md §4.2.3).
//
// forward is called with the exact bytes to write downstream (including the
// trailing "\n\n" of the terminated event); onEvent is called once per
// parsed logical event, best-effort — parse failures never prevent forward.
func relayOpenAI(body io.Reader, forward func([]byte) error, onEvent func(chunkEvent)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventLines [][]byte
	flushEvent := func() error {
		if len(eventLines) == 0 {
			return nil
		}
		var buf bytes.Buffer
		for _, l := range eventLines {
			buf.Write(l)
			buf.WriteByte('\n')
		}
		buf.WriteByte('\n')
		eventLines = eventLines[:0]
		if err := forward(buf.Bytes()); err != nil {
			return err
		}
		return nil
	}

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			if err := flushEvent(); err != nil {
				return err
			}
			continue
		}
		eventLines = append(eventLines, line)

		if bytes.HasPrefix(line, []byte("data:")) {
			data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
			if bytes.Equal(data, []byte("[DONE]")) {
				onEvent(chunkEvent{done: true})
				continue
			}
			var parsed openAIStreamChunk
			if err := json.Unmarshal(data, &parsed); err == nil {
				onEvent(parsed.toChunkEvent())
			}
		}
	}
	if err := flushEvent(); err != nil {
		return err
	}
	return scanner.Err()
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c openAIStreamChunk) toChunkEvent() chunkEvent {
	ev := chunkEvent{}
	if len(c.Choices) > 0 {
		ev.content = c.Choices[0].Delta.Content
		ev.finishReason = c.Choices[0].FinishReason
	}
	if c.Usage != nil {
		ev.usage = &providers.Usage{InputTokens: c.Usage.PromptTokens, OutputTokens: c.Usage.CompletionTokens}
	}
	return ev
}

// relayGemini performs the Streaming state for the gemini-native dialect:
// the upstream body is newline-delimited JSON objects (not SSE), so the
// proxy accumulates each top-level JSON object by brace-depth, normalizes it
// to an SSE "data: <json>\n\n" event before forwarding, and opportunistically
// parses it for content/usage/finish-reason (spec.md §4.2.3).
//
// The enclosing array's punctuation and whitespace between objects are
// skipped. Bytes still buffered at EOF (a truncated object) are not
// dropped: they are trimmed and forwarded as one final "data: ...\n\n" event.
func relayGemini(body io.Reader, forward func([]byte) error, onEvent func(chunkEvent)) error {
	reader := bufio.NewReaderSize(body, 64*1024)
	var buf bytes.Buffer
	depth := 0
	inString := false
	escaped := false
	started := false

	emit := func() error {
		raw := bytes.TrimSpace(buf.Bytes())
		buf.Reset()
		if len(raw) == 0 {
			return nil
		}
		framed := append([]byte("data: "), raw...)
		framed = append(framed, '\n', '\n')
		if err := forward(framed); err != nil {
			return err
		}
		var obj geminiStreamObject
		if err := json.Unmarshal(raw, &obj); err == nil {
			onEvent(obj.toChunkEvent())
		}
		return nil
	}

	for {
		b, err := reader.ReadByte()
		if err != nil {
			if err == io.EOF {
				if buf.Len() > 0 {
					return emit()
				}
				return nil
			}
			return err
		}

		switch {
		case !started && (b == '[' || b == ',' || b == ' ' || b == '\n' || b == '\r' || b == '\t'):
			// Skip the enclosing array's punctuation and whitespace between
			// objects; Gemini's NDJSON stream is often wrapped in "[ ... ]".
			continue
		case b == ']' && depth == 0 && !started:
			return nil
		}

		if inString {
			buf.WriteByte(b)
			if escaped {
				escaped = false
			} else if b == '\\' {
				escaped = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
			started = true
			buf.WriteByte(b)
		case '{':
			depth++
			started = true
			buf.WriteByte(b)
		case '}':
			depth--
			buf.WriteByte(b)
			if depth == 0 {
				if err := emit(); err != nil {
					return err
				}
				started = false
			}
		default:
			if started {
				buf.WriteByte(b)
			}
		}
	}
}

type geminiStreamObject struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (o geminiStreamObject) toChunkEvent() chunkEvent {
	ev := chunkEvent{}
	if len(o.Candidates) > 0 {
		c := o.Candidates[0]
		ev.finishReason = c.FinishReason
		for _, p := range c.Content.Parts {
			ev.content += p.Text
		}
	}
	if o.UsageMetadata != nil {
		ev.usage = &providers.Usage{
			InputTokens:  o.UsageMetadata.PromptTokenCount,
			OutputTokens: o.UsageMetadata.CandidatesTokenCount,
		}
	}
	return ev
}

// relayBody picks the dialect-appropriate relay function.
func relayBody(providerType providers.ProviderType, body io.Reader, forward func([]byte) error, onEvent func(chunkEvent)) error {
	if providerType == providers.TypeGeminiNative {
		return relayGemini(body, forward, onEvent)
	}
	return relayOpenAI(body, forward, onEvent)
}

// httpClientFor builds a per-decision *http.Client honoring the connect and
// total-ceiling timeouts from the routing decision. The stream-idle timeout
// is enforced separately by the caller via a read-deadline-aware context,
// since net/http's Client.Timeout covers the whole round trip including body
// read — too blunt for "idle" detection mid-stream.
func httpClientFor(d *router.Decision) *http.Client {
	return &http.Client{
		Timeout: d.TotalTimeout,
		Transport: &http.Transport{
			ResponseHeaderTimeout: d.ConnectTimeout,
		},
	}
}

// idleTimeoutReader wraps a body reader with a per-Read deadline so a stalled
// upstream (no bytes for StreamIdleTimeout) surfaces as an error instead of
// hanging forever — the streaming equivalent of a read timeout.
type idleTimeoutReader struct {
	ctx     context.Context
	body    io.ReadCloser
	timeout time.Duration
	cancel  context.CancelFunc
}

func newIdleTimeoutReader(parent context.Context, body io.ReadCloser, timeout time.Duration) *idleTimeoutReader {
	ctx, cancel := context.WithCancel(parent)
	return &idleTimeoutReader{ctx: ctx, body: body, timeout: timeout, cancel: cancel}
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := r.body.Read(p)
		done <- result{n, err}
	}()
	select {
	case res := <-done:
		return res.n, res.err
	case <-time.After(r.timeout):
		return 0, context.DeadlineExceeded
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	}
}

func (r *idleTimeoutReader) Close() error {
	r.cancel()
	return r.body.Close()
}
