// Package compaction implements spec.md §4.4 Context Compaction: shrinking a
// session's conversational history as it approaches the model window without
// destroying the system prompt or recent turns.
//
// Grounded on _examples/BaSui01-agentflow/llm/context/manager.go's
// PruneStrategy family (pruneOldest's system/recent split, pruneSlidingWindow's
// reverse-accumulate loop) and its SummarizeOldMessages placeholder shape,
// generalized to the spec's specific trigger/target-ratio/reject-if-
// insufficient-reduction algorithm.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ki2pixel/kimi-proxy/internal/providers"
	"github.com/ki2pixel/kimi-proxy/internal/store"
	"github.com/ki2pixel/kimi-proxy/internal/summarizer"
	"github.com/ki2pixel/kimi-proxy/internal/tokenizer"
)

const (
	DefaultAutoThreshold  = 0.85
	DefaultCooldown       = 5 * time.Minute
	DefaultMaxConsecutive = 3
	DefaultKeepPairs      = 5
	DefaultTargetRatio    = 0.5
	DefaultMinReduction   = 0.20
)

// ErrInsufficientReduction is returned when a compaction attempt would not
// shrink the footprint by at least the configured minimum — the compactor
// leaves the session state untouched in this case (spec.md §4.4 step 5).
var ErrInsufficientReduction = errors.New("compaction: would not reduce footprint enough, rejected")

// Options tunes the thresholds spec.md §4.4 names as configurable with
// defaults.
type Options struct {
	AutoThreshold  float64
	Cooldown       time.Duration
	MaxConsecutive int
	KeepPairs      int
	TargetRatio    float64
	MinReduction   float64
}

func (o Options) withDefaults() Options {
	if o.AutoThreshold <= 0 {
		o.AutoThreshold = DefaultAutoThreshold
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.MaxConsecutive <= 0 {
		o.MaxConsecutive = DefaultMaxConsecutive
	}
	if o.KeepPairs <= 0 {
		o.KeepPairs = DefaultKeepPairs
	}
	if o.TargetRatio <= 0 {
		o.TargetRatio = DefaultTargetRatio
	}
	if o.MinReduction <= 0 {
		o.MinReduction = DefaultMinReduction
	}
	return o
}

// Compactor implements compaction over a session's message history.
type Compactor struct {
	tok  *tokenizer.Tokenizer
	sum  *summarizer.Summarizer
	st   store.Store
	opts Options
}

func New(tok *tokenizer.Tokenizer, sum *summarizer.Summarizer, st store.Store, opts Options) *Compactor {
	return &Compactor{tok: tok, sum: sum, st: st, opts: opts.withDefaults()}
}

// ShouldAutoCompact implements spec.md §4.4 "Trigger": footprint ≥
// auto-threshold AND the session's auto-compact flag is set AND the cooldown
// since the previous compaction has elapsed AND the ceiling on consecutive
// automatic compactions has not been exceeded.
func (c *Compactor) ShouldAutoCompact(sess *store.Session, footprint float64) bool {
	if !sess.AutoCompact {
		return false
	}
	threshold := c.opts.AutoThreshold
	if sess.AutoThreshold > 0 {
		threshold = sess.AutoThreshold
	}
	if footprint < threshold {
		return false
	}
	if sess.ConsecutiveAutoCompactions >= c.opts.MaxConsecutive {
		return false
	}
	if sess.LastCompactionAt != nil && time.Since(*sess.LastCompactionAt) < c.opts.Cooldown {
		return false
	}
	return true
}

// plan is the shared selection logic for Preview and Compact: it implements
// steps 1-3 of spec.md §4.4's algorithm without performing summarization.
type plan struct {
	systemMsgs  []providers.Message
	keptMiddle  []providers.Message
	droppedMid  []providers.Message
	recent      []providers.Message
	tokensBefore int
}

func (c *Compactor) plan(model string, messages []providers.Message, effectiveCeiling int) (*plan, error) {
	var systemMsgs, rest []providers.Message
	for _, m := range messages {
		if m.Role == "system" {
			systemMsgs = append(systemMsgs, m)
		} else {
			rest = append(rest, m)
		}
	}

	recentCount := 2 * c.opts.KeepPairs
	if recentCount > len(rest) {
		recentCount = len(rest)
	}
	recent := rest[len(rest)-recentCount:]
	middle := rest[:len(rest)-recentCount]

	target := c.opts.TargetRatio * float64(effectiveCeiling)

	cut := 0
	accumulated := 0
	for i := len(middle) - 1; i >= 0; i-- {
		n, err := c.tok.CountMessages(model, []providers.Message{middle[i]})
		if err != nil {
			return nil, fmt.Errorf("compaction: count middle message tokens: %w", err)
		}
		if float64(accumulated) >= target {
			break
		}
		accumulated += n
		cut = i
	}

	totalBefore, err := c.tok.CountMessages(model, messages)
	if err != nil {
		return nil, fmt.Errorf("compaction: count total tokens: %w", err)
	}

	return &plan{
		systemMsgs:   systemMsgs,
		keptMiddle:   middle[cut:],
		droppedMid:   middle[:cut],
		recent:       recent,
		tokensBefore: totalBefore,
	}, nil
}

// PreviewResult is the non-mutating forecast spec.md §4.4 "Preview" names.
type PreviewResult struct {
	TokensBefore    int
	ProjectedAfter  int
	MessagesKept    []providers.Message
	MessagesDropped int
	ForecastHeadroom float64
}

// Preview runs steps 1-3 only and forecasts the outcome using the same
// placeholder shape the unavailable-summarizer path uses — it never calls
// the external summarization endpoint, per spec.md §4.4 "Preview."
func (c *Compactor) Preview(ctx context.Context, model string, messages []providers.Message, maxContext, reserved int) (*PreviewResult, error) {
	ceiling := maxContext - reserved
	if ceiling <= 0 {
		return nil, fmt.Errorf("compaction: effective ceiling must be positive, got max-context=%d reserved=%d", maxContext, reserved)
	}

	p, err := c.plan(model, messages, ceiling)
	if err != nil {
		return nil, err
	}

	placeholder := placeholderSummary(len(p.droppedMid), sumTokenCounts(c.tok, model, p.droppedMid))
	kept := buildFinal(p, providers.Message{Role: "assistant", Content: placeholder})

	after, err := c.tok.CountMessages(model, kept)
	if err != nil {
		return nil, fmt.Errorf("compaction: count projected tokens: %w", err)
	}

	return &PreviewResult{
		TokensBefore:     p.tokensBefore,
		ProjectedAfter:   after,
		MessagesKept:     kept,
		MessagesDropped:  len(p.droppedMid),
		ForecastHeadroom: float64(ceiling-after) / float64(ceiling),
	}, nil
}

// Result is the outcome of an executed compaction.
type Result struct {
	Messages     []providers.Message
	TokensBefore int
	TokensAfter  int
}

// Compact executes the full spec.md §4.4 algorithm: plan (steps 1-3),
// summarize the dropped prefix (step 4), reject if the reduction is
// insufficient (step 5), and persist a CompactionRecord (step 6). The caller
// is responsible for broadcasting compaction_done after a successful call.
func (c *Compactor) Compact(ctx context.Context, sessionID int64, model string, messages []providers.Message, maxContext, reserved int) (*Result, error) {
	ceiling := maxContext - reserved
	if ceiling <= 0 {
		return nil, fmt.Errorf("compaction: effective ceiling must be positive, got max-context=%d reserved=%d", maxContext, reserved)
	}

	p, err := c.plan(model, messages, ceiling)
	if err != nil {
		return nil, err
	}

	if len(p.droppedMid) == 0 {
		return nil, ErrInsufficientReduction
	}

	summaryContent, err := c.summarize(ctx, model, p.droppedMid)
	if err != nil {
		return nil, err
	}
	summaryMsg := providers.Message{Role: "assistant", Content: summaryContent}

	kept := buildFinal(p, summaryMsg)

	after, err := c.tok.CountMessages(model, kept)
	if err != nil {
		return nil, fmt.Errorf("compaction: count resulting tokens: %w", err)
	}

	reduction := float64(p.tokensBefore-after) / float64(p.tokensBefore)
	if reduction < c.opts.MinReduction {
		return nil, ErrInsufficientReduction
	}

	if err := c.st.AppendCompactionRecord(ctx, &store.CompactionRecord{
		SessionID:       sessionID,
		TokensBefore:    p.tokensBefore,
		TokensAfter:     after,
		Strategy:        "summarize-middle",
		MessagesKept:    len(kept),
		MessagesDropped: len(p.droppedMid),
	}); err != nil {
		return nil, fmt.Errorf("compaction: append compaction record: %w", err)
	}

	return &Result{Messages: kept, TokensBefore: p.tokensBefore, TokensAfter: after}, nil
}

// summarize calls the external summarization endpoint (§6 capability); if
// it's unavailable, step 4 falls back to a placeholder naming the elided
// message count and token total.
func (c *Compactor) summarize(ctx context.Context, model string, dropped []providers.Message) (string, error) {
	if c.sum == nil {
		return placeholderSummary(len(dropped), sumTokenCounts(c.tok, model, dropped)), nil
	}
	content, err := c.sum.Summarize(ctx, dropped)
	if err != nil {
		if errors.Is(err, summarizer.ErrUnavailable) {
			return placeholderSummary(len(dropped), sumTokenCounts(c.tok, model, dropped)), nil
		}
		return "", fmt.Errorf("compaction: summarize dropped prefix: %w", err)
	}
	return content, nil
}

func placeholderSummary(count, tokens int) string {
	if tokens > 0 {
		return fmt.Sprintf("[%d earlier messages elided, ~%d tokens]", count, tokens)
	}
	return fmt.Sprintf("[%d earlier messages elided]", count)
}

func sumTokenCounts(tok *tokenizer.Tokenizer, model string, msgs []providers.Message) int {
	n, err := tok.CountMessages(model, msgs)
	if err != nil {
		return 0
	}
	return n
}

func buildFinal(p *plan, summary providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(p.systemMsgs)+1+len(p.keptMiddle)+len(p.recent))
	out = append(out, p.systemMsgs...)
	if len(p.droppedMid) > 0 {
		out = append(out, summary)
	}
	out = append(out, p.keptMiddle...)
	out = append(out, p.recent...)
	return out
}
