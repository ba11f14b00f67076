// Package accounting implements spec.md §4.3 Token Accounting: pre-dispatch
// estimates, authoritative usage reconciliation, partial-output handling on
// abort, and session totals driving the dashboard gauge and compaction
// trigger.
//
// Grounded on the former internal/proxy's char/4 heuristic (forbidden by
// §4.3 — "heuristic length estimates ... are forbidden") replaced wholesale
// by internal/tokenizer's tiktoken-go counts, and on internal/store for
// Metric persistence.
package accounting

import (
	"context"
	"fmt"

	"github.com/ki2pixel/kimi-proxy/internal/providers"
	"github.com/ki2pixel/kimi-proxy/internal/router"
	"github.com/ki2pixel/kimi-proxy/internal/store"
	"github.com/ki2pixel/kimi-proxy/internal/tokenizer"
)

// Accountant ties the tokenizer, router (for max-context resolution), and
// store together into the operations spec.md §4.3 names.
type Accountant struct {
	tok   *tokenizer.Tokenizer
	rt    *router.Router
	store store.Store
}

func New(tok *tokenizer.Tokenizer, rt *router.Router, st store.Store) *Accountant {
	return &Accountant{tok: tok, rt: rt, store: st}
}

// Estimate computes estimated-input-tokens for an inbound request and
// records a pending Metric row, returning its id so the caller can later
// reconcile it with ReconcileAuthoritative or ReconcilePartial.
func (a *Accountant) Estimate(ctx context.Context, sessionID int64, model string, messages []providers.Message) (metricID int64, estimatedInputTokens int, err error) {
	n, err := a.tok.CountMessages(model, messages)
	if err != nil {
		return 0, 0, fmt.Errorf("accounting: estimate input tokens: %w", err)
	}
	id, err := a.store.AppendMetric(ctx, &store.Metric{
		SessionID:            sessionID,
		EstimatedInputTokens: n,
		IsEstimated:          true,
		Source:               store.MetricSourceProxy,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("accounting: append pending metric: %w", err)
	}
	return id, n, nil
}

// ReconcileAuthoritative overwrites the estimate with the upstream's
// terminal usage object and clears is-estimated, per §4.3 "Authoritative
// counts."
func (a *Accountant) ReconcileAuthoritative(ctx context.Context, metricID int64, usage providers.Usage, finishReason string) error {
	return a.store.UpdateMetricUsage(ctx, metricID, usage.InputTokens, usage.OutputTokens, false, finishReason)
}

// ReconcilePartial commits the accumulated output token count when a stream
// aborts before a terminal usage object arrives — §4.3 "Partial output":
// completion_tokens is set from what was actually produced, and is-estimated
// stays true since no authoritative count was observed.
func (a *Accountant) ReconcilePartial(ctx context.Context, metricID int64, promptTokens, partialOutputTokens int, finishReason string) error {
	return a.store.UpdateMetricUsage(ctx, metricID, promptTokens, partialOutputTokens, true, finishReason)
}

// CountStreamedOutput tokenizes accumulated streamed text so a caller can
// track partial output tokens as chunks arrive, without waiting for a
// terminal usage object.
func (a *Accountant) CountStreamedOutput(model, accumulated string) (int, error) {
	return a.tok.CountText(model, accumulated)
}

// SessionTotals returns the session's running total_input/total_output,
// per §4.3 "Session totals" — the values driving the dashboard gauge and the
// compaction decision.
func (a *Accountant) SessionTotals(ctx context.Context, sessionID int64) (totalInput, totalOutput int, err error) {
	return a.store.SessionTotals(ctx, sessionID)
}

// MaxContext resolves a session's effective context window: the model's
// configured max-context if the session is bound to an explicit model, else
// the conservative minimum across every model the session's provider serves
// (§4.3 "Max-context resolution").
func (a *Accountant) MaxContext(modelKey, providerKey string) (int, error) {
	if modelKey != "" {
		if mc, ok := a.rt.MaxContextForModel(modelKey); ok {
			return mc, nil
		}
	}
	if providerKey != "" {
		if floor, ok := a.rt.MaxContextFloorForProvider(providerKey); ok {
			return floor, nil
		}
	}
	return 0, fmt.Errorf("accounting: no max-context resolvable for model %q / provider %q", modelKey, providerKey)
}

// Footprint is the ratio total_input / max-context used to gate automatic
// compaction (spec.md §4.4 "Trigger").
func (a *Accountant) Footprint(ctx context.Context, sessionID int64, maxContext int) (float64, error) {
	if maxContext <= 0 {
		return 0, fmt.Errorf("accounting: max-context must be positive, got %d", maxContext)
	}
	totalInput, _, err := a.SessionTotals(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return float64(totalInput) / float64(maxContext), nil
}
