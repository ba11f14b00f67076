// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
)

// Kind is the machine-readable error taxonomy tag from spec.md §7. Every
// kind carries its own recovery behavior; Write callers pick the HTTP status
// and envelope Type/Code that correspond to it.
type Kind string

const (
	KindConfigError            Kind = "config_error"
	KindUnknownModel           Kind = "unknown_model"
	KindLoopDetected           Kind = "loop_detected"
	KindContextLimitExceeded   Kind = "context_limit_exceeded"
	KindUpstreamConnect        Kind = "upstream_connect"
	KindUpstreamTimeoutHeaders Kind = "upstream_timeout_headers"
	KindUpstreamTimeoutStream  Kind = "upstream_timeout_stream"
	KindUpstreamReadError      Kind = "upstream_read_error"
	KindUpstreamStatus4xx      Kind = "upstream_status_4xx"
	KindUpstreamStatus5xx      Kind = "upstream_status_5xx"
	KindClientAbort            Kind = "client_abort"
	KindCompactionCooldown     Kind = "compaction_cooldown"
	KindCompactionNoGain       Kind = "compaction_no_gain"
	KindMCPGateway             Kind = "mcp_gateway_error"
	KindStorageError           Kind = "storage_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are not handled here; WriteTimeout writes the 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteKind writes a structured error for one of the taxonomy kinds in
// spec.md §7, mapping each to its HTTP status and envelope shape. advisory,
// if non-empty, is appended to the message (used by context_limit_exceeded
// to suggest compact/shrink/switch-model).
func WriteKind(ctx *fasthttp.RequestCtx, kind Kind, message, advisory string) {
	msg := message
	if advisory != "" {
		msg = message + " (" + advisory + ")"
	}
	switch kind {
	case KindUnknownModel:
		Write(ctx, fasthttp.StatusNotFound, msg, TypeInvalidRequest, CodeInvalidRequest)
	case KindLoopDetected:
		Write(ctx, fasthttp.StatusInternalServerError, msg, TypeServerError, CodeInternalError)
	case KindContextLimitExceeded:
		Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, "context_limit_exceeded")
	case KindUpstreamConnect:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	case KindUpstreamTimeoutHeaders:
		WriteTimeout(ctx)
	case KindUpstreamStatus5xx:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusInternalServerError, msg, TypeServerError, CodeInternalError)
	}
}
