package proxy

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/ki2pixel/kimi-proxy/internal/router"
)

// dispatchOutcome is what dialWithRetry hands back to the caller: the live
// response (headers already received, body not yet read) plus the provider
// key that actually served it and the decision used to reach it.
type dispatchOutcome struct {
	resp     *http.Response
	decision *router.Decision
	provider string
}

// dispatchCandidate pairs a provider key with the routing decision to reach
// it. The first entry is the primary (router-selected) provider; any
// further entries are alternate providers configured for the same upstream
// model family, tried only on a 5xx with no bytes forwarded yet.
type dispatchCandidate struct {
	key string
	d   *router.Decision
}

// dialWithRetry implements spec.md §4.2.1's retry policy: at most
// g.maxRetries attempts, only for connection-establishment errors and
// header-timeout errors, with exponential backoff (base 1s, cap 4s, full
// jitter). 4xx responses are returned immediately without a retry; 5xx
// responses get exactly one same-provider retry, and — if a fallback
// provider is configured for the model family — a second retry may cross
// provider boundaries. Once dialUpstream has returned any response at all,
// the decision to retry is made before a single response byte is read, so
// the "no retry after bytes forwarded" rule (P3) is enforced by construction:
// this function never streams a body.
func (g *Gateway) dialWithRetry(
	ctx context.Context,
	candidates []dispatchCandidate,
	body []byte,
	stream bool,
	route string,
	reqID string,
) (*dispatchOutcome, error) {
	if len(candidates) == 0 {
		return nil, &upstreamErr{kind: "upstream_connect", err: errors.New("no providers available")}
	}
	primaryProviderKey := candidates[0].key

	var lastErr *upstreamErr
	attempt := 0
	triedSameProvider5xx := false
	candIdx := 0 // index into candidates of the provider to try next

	for attempt < g.maxRetries {
		cand := candidates[candIdx]

		if g.cb != nil && !g.cb.Allow(cand.key) {
			g.log.WarnContext(ctx, "circuit_breaker_open", slog.String("request_id", reqID), slog.String("provider", cand.key))
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(cand.key, g.cb.StateLabel(cand.key))
			}
			attempt++
			continue
		}

		if attempt > 0 {
			backoff(attempt)
		}

		client := httpClientFor(cand.d)
		req, err := buildUpstreamRequest(ctx, cand.d, body, stream)
		if err != nil {
			return nil, &upstreamErr{kind: "upstream_connect", err: err}
		}

		start := time.Now()
		resp, uerr := dialUpstream(client, req)
		dur := time.Since(start)
		attempt++

		if uerr != nil {
			if g.cb != nil {
				g.cb.RecordFailure(cand.key)
			}
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(cand.key, route, uerr.kind, dur)
				g.metrics.RecordError(cand.key, uerr.kind)
			}
			g.log.WarnContext(ctx, "upstream_dial_failed",
				slog.String("request_id", reqID),
				slog.String("provider", cand.key),
				slog.String("kind", uerr.kind),
				slog.String("error", uerr.Error()),
			)
			lastErr = uerr
			continue // connect/header-timeout errors are always retryable pre-byte
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if g.cb != nil {
				g.cb.RecordSuccess(cand.key)
			}
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(cand.key, route, "success", dur)
			}
			return &dispatchOutcome{resp: resp, decision: cand.d, provider: cand.key}, nil
		}

		// Non-2xx: status + body are forwarded verbatim by the caller; 4xx
		// never retries, 5xx retries once on the same provider and then, if
		// attempts remain, once on a configured fallback.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			if g.cb != nil {
				g.cb.RecordSuccess(cand.key) // caller's fault, not the provider's health
			}
			return &dispatchOutcome{resp: resp, decision: cand.d, provider: cand.key}, nil
		}

		if g.cb != nil {
			g.cb.RecordFailure(cand.key)
		}
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(cand.key, route, "upstream_status_5xx", dur)
		}
		resp.Body.Close()

		lastErr = &upstreamErr{kind: "upstream_status_5xx", status: resp.StatusCode}
		if !triedSameProvider5xx {
			triedSameProvider5xx = true // first 5xx: one retry on the same provider
			continue
		}
		if candIdx != 0 || len(candidates) < 2 {
			break // same-provider retry spent and no fallback left to try
		}
		candIdx = 1 // a fallback is configured — the second retry crosses provider boundaries
		if g.metrics != nil {
			g.metrics.RecordFailover(primaryProviderKey, candidates[0].key, candidates[1].key, lastErr.kind)
		}
	}

	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primaryProviderKey)
	}
	if lastErr == nil {
		lastErr = &upstreamErr{kind: "upstream_connect", err: errors.New("no providers available")}
	}
	return nil, lastErr
}

// backoff sleeps for attempt's exponential-with-full-jitter backoff: base 1s,
// cap 4s, per spec.md §4.2.1.
func backoff(attempt int) {
	base := time.Second
	cap := 4 * time.Second
	d := base << uint(attempt-1)
	if d > cap || d <= 0 {
		d = cap
	}
	jittered := time.Duration(rand.Int63n(int64(d) + 1))
	time.Sleep(jittered)
}
