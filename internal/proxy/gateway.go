// Package proxy is the Streaming Proxy of spec.md §4.2: it resolves an
// inbound OpenAI-shaped chat-completions request via internal/router,
// forwards it to the chosen upstream with a hand-rolled streaming transport,
// relays response bytes back to the caller untouched, and feeds
// internal/accounting and internal/hub along the way.
//
// Key design constraints carried over from the teacher:
//   - Logger, metrics, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through; they are never cached.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/ki2pixel/kimi-proxy/internal/accounting"
	"github.com/ki2pixel/kimi-proxy/internal/cache"
	"github.com/ki2pixel/kimi-proxy/internal/compaction"
	"github.com/ki2pixel/kimi-proxy/internal/hub"
	"github.com/ki2pixel/kimi-proxy/internal/logger"
	"github.com/ki2pixel/kimi-proxy/internal/memory"
	"github.com/ki2pixel/kimi-proxy/internal/masking"
	"github.com/ki2pixel/kimi-proxy/internal/mcpgateway"
	"github.com/ki2pixel/kimi-proxy/internal/metrics"
	"github.com/ki2pixel/kimi-proxy/internal/providers"
	"github.com/ki2pixel/kimi-proxy/internal/ratelimit"
	"github.com/ki2pixel/kimi-proxy/internal/router"
	"github.com/ki2pixel/kimi-proxy/internal/store"
	"github.com/ki2pixel/kimi-proxy/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// contextLimitRatio is the spec.md §4.2.4 pre-dispatch rejection
	// threshold: the request is rejected locally once its footprint reaches
	// this fraction of the session's max-context.
	contextLimitRatio = 0.95
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	Logger   *slog.Logger
	Metrics  *metrics.Registry
	CBConfig CBConfig

	// MaxRetries is the maximum number of upstream dial attempts per
	// request (including the first). Default: providers.MaxRetries (2).
	MaxRetries int

	// CacheTTL is stored on the Gateway as the default response-cache TTL;
	// the chat handler does not read or write the response cache.
	CacheTTL time.Duration

	// DisableContextLimitCheck turns off the §4.2.4 pre-dispatch rejection
	// for sessions that opt out.
	DisableContextLimitCheck bool
}

// Gateway is the Streaming Proxy — all dependencies are injected via the
// constructor so they can be replaced with fakes in unit tests.
type Gateway struct {
	router     *router.Router
	accountant *accounting.Accountant
	compactor  *compaction.Compactor
	st         store.Store
	h          *hub.Hub
	masker     *masking.Masker

	cache cache.Cache
	cb    *CircuitBreaker
	health *HealthChecker
	mcp    *mcpgateway.Gateway

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	maxRetries               int
	cacheTTL                 time.Duration
	disableContextLimitCheck bool

	rpmLimiter      *ratelimit.RPMLimiter
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	corsOrigins []string

	memClassifier *memory.Classifier
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetRateLimiters injects the RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// NewGateway wires a Gateway from its component dependencies — the Router,
// Accountant, Compactor, Store, and Hub built at startup by the composition
// root (internal/app).
func NewGateway(
	baseCtx context.Context,
	rt *router.Router,
	acc *accounting.Accountant,
	comp *compaction.Compactor,
	st store.Store,
	h *hub.Hub,
	masker *masking.Masker,
	c cache.Cache,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	if masker == nil {
		masker = masking.New(0, 0, 0)
	}

	gw := &Gateway{
		router:                   rt,
		accountant:               acc,
		compactor:                comp,
		st:                       st,
		h:                        h,
		masker:                   masker,
		cache:                    c,
		cb:                       NewCircuitBreakerWithConfig(opts.CBConfig),
		baseCtx:                  baseCtx,
		log:                      log,
		maxRetries:               maxRetries,
		cacheTTL:                 cacheTTL,
		metrics:                  opts.Metrics,
		disableContextLimitCheck: opts.DisableContextLimitCheck,
	}

	return gw
}

// SetHealthChecker injects the background health checker backing /health and
// /api/readiness; built by the composition root once Store/Hub/Prober probes
// are available.
func (g *Gateway) SetHealthChecker(hc *HealthChecker) {
	g.health = hc
}

// SetMCPGateway injects the egress MCP gateway backing
// POST /api/mcp-gateway/{server}/rpc.
func (g *Gateway) SetMCPGateway(m *mcpgateway.Gateway) {
	g.mcp = m
}

// SetMemoryClassifier injects the semantic-kind classifier used when the
// compactor's dropped-context summary is recorded as a memory entry. A nil
// classifier is fine — recordMemory then files everything as episodic.
func (g *Gateway) SetMemoryClassifier(c *memory.Classifier) {
	g.memClassifier = c
}

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}
)

// dispatchChat is the core handler for POST /chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	inputTokens, outputTokens := 0, 0
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming requests finalize their own metrics at stream-drain
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, "bypass", dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, false)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	sess, err := g.activeOrNewSession(ctx, req.Model)
	if err != nil {
		switch {
		case errors.Is(err, router.ErrUnknownModel):
			apierr.WriteKind(ctx, apierr.KindUnknownModel, err.Error(), "")
		case errors.Is(err, router.ErrLoopDetected):
			apierr.WriteKind(ctx, apierr.KindLoopDetected, err.Error(), "")
		default:
			apierr.WriteKind(ctx, apierr.KindStorageError, err.Error(), "")
		}
		return
	}

	// 1. Rate limit check.
	if g.rpmLimiter != nil {
		allowed, rlErr := g.rpmLimiter.Allow(ctx)
		if rlErr == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			if rlErr != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 2. Context-limit pre-check (spec.md §4.2.4). Footprint is derived from
	// the session's already-recorded totals — this must not append a Metric
	// of its own, since a rejected request here is never admitted and a
	// Metric row would be left permanently orphaned.
	if !g.disableContextLimitCheck {
		maxContext, mcErr := g.accountant.MaxContext(sess.ModelKey, sess.ProviderKey)
		if mcErr == nil && maxContext > 0 {
			footprint, fpErr := g.accountant.Footprint(ctx, sess.ID, maxContext)
			if fpErr == nil && footprint >= contextLimitRatio {
				apierr.WriteKind(ctx, apierr.KindContextLimitExceeded,
					"session footprint exceeds 95% of max-context",
					"compact the session, shrink the request, or switch model")
				return
			}
		}
	}

	// 3. Resolve routing decision(s) — primary plus, if configured, a
	// same-model-family fallback for cross-provider 5xx retry.
	headroom := 0.0
	if sess.MaxContext > 0 {
		usedInput, _, _ := g.accountant.SessionTotals(ctx, sess.ID)
		headroom = float64(sess.MaxContext - usedInput - sess.ReservedTokens)
	}
	decision, err := g.router.Resolve(req.Model, headroom)
	if err != nil {
		if errors.Is(err, router.ErrLoopDetected) {
			apierr.WriteKind(ctx, apierr.KindLoopDetected, err.Error(), "")
			return
		}
		apierr.WriteKind(ctx, apierr.KindUnknownModel, err.Error(), "")
		return
	}
	servedProvider = decision.ProviderKey

	candidates := []dispatchCandidate{{key: decision.ProviderKey, d: decision}}
	if fbKey, fbErr := g.router.SelectProviderForModel(decision.UpstreamModel, headroom); fbErr == nil && fbKey != decision.ProviderKey {
		if fbPC, ok := g.router.ProviderConfig(fbKey); ok {
			if fbDecision, buildErr := decisionForProvider(fbPC, decision.UpstreamModel); buildErr == nil {
				candidates = append(candidates, dispatchCandidate{key: fbKey, d: fbDecision})
			}
		}
	}

	_ = g.st.AppendRoutingDecision(ctx, &store.RoutingDecisionRecord{
		SessionID: sess.ID, Timestamp: time.Now(),
		ProviderKey: decision.ProviderKey, UpstreamModel: decision.UpstreamModel,
	})

	body, err := router.TransformBody(decision, ctx.PostBody())
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	metricID, estimatedInput, _ := g.accountant.Estimate(ctx, sess.ID, req.Model, msgs)

	outcome, err := g.dialWithRetry(ctx, candidates, body, req.Stream, route, reqID)
	if err != nil {
		var uerr *upstreamErr
		if errors.As(err, &uerr) {
			g.writeUpstreamError(ctx, uerr)
		} else {
			apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		}
		return
	}
	servedProvider = outcome.provider

	if outcome.resp.StatusCode >= 400 {
		streaming = false
		g.relayErrorBody(ctx, outcome)
		return
	}

	streaming = true
	g.relayStreamingResponse(ctx, outcome, decision, sess, metricID, estimatedInput, reqID, route, start, reqBytes)
}

// decisionForProvider builds a routing Decision for a specific provider,
// used only to construct the fallback candidate returned by
// SelectProviderForModel — router.Resolve always pins the client's primary
// choice, so the second (cross-provider) retry candidate has to be built
// directly from the provider's config instead.
func decisionForProvider(pc providers.ProviderConfig, upstreamModel string) (*router.Decision, error) {
	u, err := url.Parse(pc.BaseURL)
	if err != nil {
		return nil, err
	}
	connectTimeout := pc.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = providers.ConnectTimeout
	}
	idleTimeout := pc.StreamIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = providers.StreamIdleTimeout
	}
	totalTimeout := pc.TotalTimeout
	if totalTimeout <= 0 {
		totalTimeout = providers.TotalTimeout
	}
	return &router.Decision{
		ProviderKey:       pc.Key,
		ProviderType:      pc.Type,
		TargetBaseURL:     pc.BaseURL,
		Host:              u.Host,
		UpstreamModel:     upstreamModel,
		Credential:        pc.Credential,
		ConnectTimeout:    connectTimeout,
		StreamIdleTimeout: idleTimeout,
		TotalTimeout:      totalTimeout,
	}, nil
}

// activeOrNewSession resolves (and, per auto-session rules, creates) the
// Session a request should be accounted against.
func (g *Gateway) activeOrNewSession(ctx context.Context, requestModel string) (*store.Session, error) {
	sess, err := g.st.ActiveSession(ctx)
	if err == nil && sess != nil {
		if !g.router.NeedsNewSession(sess.ProviderKey, sess.ModelKey, requestModel) {
			return sess, nil
		}
	}

	decision, rerr := g.router.Resolve(requestModel, 0)
	if rerr != nil {
		if sess != nil {
			return sess, nil // fall back to the existing session rather than fail the request
		}
		return nil, rerr
	}
	maxContext, _ := g.router.MaxContextForModel(requestModel)
	if maxContext == 0 {
		maxContext, _ = g.router.MaxContextFloorForProvider(decision.ProviderKey)
	}

	newSess := &store.Session{
		ProviderKey:   decision.ProviderKey,
		ModelKey:      requestModel,
		MaxContext:    maxContext,
		AutoCompact:   true,
		AutoThreshold: compaction.DefaultAutoThreshold,
		Active:        true,
		CreatedAt:     time.Now(),
	}
	id, cerr := g.st.CreateSession(ctx, newSess)
	if cerr != nil {
		return nil, cerr
	}
	newSess.ID = id
	if g.h != nil {
		g.h.Broadcast(hub.EventSessionCreated, newSess)
	}
	return newSess, nil
}

// writeUpstreamError maps a terminal (all retries exhausted) upstreamErr to
// the spec.md §7 taxonomy and writes a single structured response — this
// only happens before any response byte was received, so no partial state
// exists to reconcile.
func (g *Gateway) writeUpstreamError(ctx *fasthttp.RequestCtx, uerr *upstreamErr) {
	switch uerr.kind {
	case "upstream_connect":
		apierr.WriteKind(ctx, apierr.KindUpstreamConnect, uerr.Error(), "")
	case "upstream_timeout_headers":
		apierr.WriteKind(ctx, apierr.KindUpstreamTimeoutHeaders, uerr.Error(), "")
	case "upstream_status_5xx":
		apierr.WriteKind(ctx, apierr.KindUpstreamStatus5xx, fmt.Sprintf("upstream returned status %d", uerr.status), "")
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway, uerr.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	}
}

// relayErrorBody forwards a non-retryable 4xx upstream response verbatim.
// Exhausted 5xx retries never reach it: dialWithRetry reports them as an
// error, written by writeUpstreamError.
func (g *Gateway) relayErrorBody(ctx *fasthttp.RequestCtx, outcome *dispatchOutcome) {
	defer outcome.resp.Body.Close()
	ctx.SetStatusCode(outcome.resp.StatusCode)
	ctx.SetContentType(outcome.resp.Header.Get("Content-Type"))
	buf := make([]byte, 32*1024)
	for {
		n, err := outcome.resp.Body.Read(buf)
		if n > 0 {
			ctx.Write(buf[:n]) //nolint:errcheck
		}
		if err != nil {
			break
		}
	}
}

// relayStreamingResponse drives the Streaming state of spec.md §4.2.2: sends
// the downstream SSE headers, relays bytes untouched via relayBody, commits
// accounting on Closed/PartialAborted/Aborted, and broadcasts streaming_error
// observations.
func (g *Gateway) relayStreamingResponse(
	ctx *fasthttp.RequestCtx,
	outcome *dispatchOutcome,
	decision *router.Decision,
	sess *store.Session,
	metricID int64,
	estimatedInput int,
	reqID, route string,
	start time.Time,
	reqBytes int,
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	resp := outcome.resp
	idleBody := newIdleTimeoutReader(ctx, resp.Body, decision.StreamIdleTimeout)
	provider := outcome.provider

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer idleBody.Close()

		var accumulated string
		var finalUsage *providers.Usage
		finishReason := ""
		bytesForwarded := false

		forward := func(b []byte) error {
			bytesForwarded = true
			if _, werr := w.Write(b); werr != nil {
				return werr
			}
			return w.Flush()
		}
		onEvent := func(ev chunkEvent) {
			if ev.content != "" {
				accumulated += ev.content
			}
			if ev.finishReason != "" {
				finishReason = ev.finishReason
			}
			if ev.usage != nil {
				finalUsage = ev.usage
			}
		}

		relayErr := relayBody(decision.ProviderType, idleBody, forward, onEvent)

		state := stateClosed
		switch {
		case relayErr != nil && errors.Is(relayErr, context.Canceled):
			state = stateAborted
			finishReason = "client_abort"
		case relayErr != nil:
			state = statePartialAborted
		}

		g.finalizeStream(ctx, state, provider, sess, metricID, estimatedInput, accumulated, finalUsage, finishReason, reqID, route, start, reqBytes, bytesForwarded)
	})
}

// finalizeStream commits token accounting for one terminated stream and
// emits the observer-channel event + Prometheus metrics spec.md §4.2.2/§4.3
// require, regardless of which terminal state the stream reached.
func (g *Gateway) finalizeStream(
	ctx *fasthttp.RequestCtx,
	state streamState,
	provider string,
	sess *store.Session,
	metricID int64,
	estimatedInput int,
	accumulated string,
	finalUsage *providers.Usage,
	finishReason, reqID, route string,
	start time.Time,
	reqBytes int,
	bytesForwarded bool,
) {
	outputTokens := 0
	if finalUsage != nil {
		_ = g.accountant.ReconcileAuthoritative(ctx, metricID, *finalUsage, finishReason)
		outputTokens = finalUsage.OutputTokens
	} else {
		counted, _ := g.accountant.CountStreamedOutput(sess.ModelKey, accumulated)
		outputTokens = counted
		if state == stateAborted {
			finishReason = "client_abort"
		}
		_ = g.accountant.ReconcilePartial(ctx, metricID, estimatedInput, counted, finishReason)
	}

	if state == statePartialAborted && g.h != nil {
		g.h.Broadcast(hub.EventStreamingError, map[string]any{
			"session_id": sess.ID,
			"provider":   provider,
			"state":      state.String(),
		})
	}

	dur := time.Since(start)
	if g.metrics != nil {
		status := fasthttp.StatusOK
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, -1)
		g.metrics.RecordRequest(provider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(provider, route, "bypass", dur)
		g.metrics.AddTokens(provider, route, estimatedInput, outputTokens, false)
		g.metrics.DecInFlight()
	}
	g.logRequest(reqID, provider, sess.ModelKey, estimatedInput, outputTokens, dur, fasthttp.StatusOK, false)

	if g.h != nil {
		g.h.Broadcast(hub.EventMetric, map[string]any{
			"session_id":        sess.ID,
			"provider":          provider,
			"prompt_tokens":     estimatedInput,
			"completion_tokens": outputTokens,
			"finish_reason":     finishReason,
		})
	}

	if sess.AutoCompact {
		totalInput, _, _ := g.accountant.SessionTotals(ctx, sess.ID)
		footprint := 0.0
		if sess.MaxContext > 0 {
			footprint = float64(totalInput) / float64(sess.MaxContext)
		}
		if g.compactor.ShouldAutoCompact(sess, footprint) && g.h != nil {
			g.h.Broadcast(hub.EventCompactionAlert, map[string]any{"session_id": sess.ID, "footprint": footprint})
		}
	}
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(requestID, provider, model string, inputTokens, outputTokens int, latency time.Duration, status int, isCached bool) {
	if g.reqLogger == nil {
		return
	}
	reqUUID, _ := uuid.Parse(requestID)
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}
	g.reqLogger.Log(logger.RequestLog{
		ID: reqUUID, Provider: provider, Model: model,
		InputTokens: uint32(inputTokens), OutputTokens: uint32(outputTokens),
		LatencyMs: latencyMs, Status: uint16(status), Cached: isCached, CreatedAt: time.Now(),
	})
}
