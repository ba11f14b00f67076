// Package router implements the Provider Router: mapping a client-facing
// model key to an upstream endpoint, selecting credentials, and rewriting
// the request body to the provider's dialect.
//
// Grounded on internal/proxy/routing.go's resolveProvider (the original,
// much smaller lookup) and internal/providers/provider.go's ModelAliases
// table, generalized from a hardcoded vendor map into a configuration-driven
// table of ProviderConfig/ModelConfig entries per spec.md §3/§4.1. The
// gemini-native body transform is grounded on
// internal/providers/gemini/gemini.go's former buildContentsAndConfig.
package router

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/ki2pixel/kimi-proxy/internal/providers"
)

// ErrUnknownModel is returned when no provider can serve the requested model.
var ErrUnknownModel = errors.New("router: unknown model")

// ErrLoopDetected is returned when a routing decision would dial the proxy's
// own listening socket (spec.md §4.1 anti-loop rule, P7).
var ErrLoopDetected = errors.New("router: loop detected, target resolves to this proxy's own address")

// Decision is the outcome of resolving one inbound request: where to send it,
// what model name to use on the wire, which credential to inject, and which
// dialect branch the streaming proxy should dispatch on.
type Decision struct {
	ProviderKey  string
	ProviderType providers.ProviderType
	TargetBaseURL string
	Host          string
	UpstreamModel string
	Credential    string

	ConnectTimeout    time.Duration
	StreamIdleTimeout time.Duration
	TotalTimeout      time.Duration
}

// Router holds the immutable provider/model tables loaded at startup. It is
// safe for concurrent read-only use by any number of request goroutines —
// there is no mutation after New returns.
type Router struct {
	providers map[string]providers.ProviderConfig
	models    map[string]providers.ModelConfig
	// modelsByUpstream groups ModelConfig entries by upstream name so
	// select-provider-for-model can find every provider serving the same
	// model family.
	modelsByUpstream map[string][]providers.ModelConfig

	selfHost    string // host:port this proxy itself listens on
	autoSession bool
}

// New builds a Router from the configured provider and model tables.
func New(providerCfgs []providers.ProviderConfig, modelCfgs []providers.ModelConfig, selfHost string, autoSession bool) *Router {
	r := &Router{
		providers:        make(map[string]providers.ProviderConfig, len(providerCfgs)),
		models:           make(map[string]providers.ModelConfig, len(modelCfgs)),
		modelsByUpstream: make(map[string][]providers.ModelConfig),
		selfHost:         selfHost,
		autoSession:      autoSession,
	}
	for _, p := range providerCfgs {
		r.providers[p.Key] = p
	}
	for _, m := range modelCfgs {
		r.models[m.ClientKey] = m
		r.modelsByUpstream[m.UpstreamName] = append(r.modelsByUpstream[m.UpstreamName], m)
	}
	return r
}

// MapModel performs an exact lookup of a client-facing model key in the
// configured model table; on a miss it falls back to splitting on the first
// "/" separator and returning the suffix, so a name like
// "nvidia/kimi-k2-thinking" degrades to "kimi-k2-thinking" even with no
// table entry. Idempotent per L3 for keys without nested separators.
func (r *Router) MapModel(clientKey string) string {
	if m, ok := r.models[clientKey]; ok {
		return m.UpstreamName
	}
	if idx := strings.IndexByte(clientKey, '/'); idx >= 0 {
		return clientKey[idx+1:]
	}
	return clientKey
}

// SelectProviderForModel runs the smart-mode scoring formula over every
// provider configured to serve the given upstream model name, and returns
// the argmax provider key. Ties are broken by lexicographic provider-key
// order.
//
//	s = 0.4·normalize(context-limit) + 0.3·normalize(1/cost)
//	  + 0.2·normalize(1/latency) + 0.1·normalize(headroom)
func (r *Router) SelectProviderForModel(upstreamModel string, headroom float64) (string, error) {
	candidates := r.modelsByUpstream[upstreamModel]
	if len(candidates) == 0 {
		return "", ErrUnknownModel
	}
	if len(candidates) == 1 {
		return candidates[0].ProviderKey, nil
	}

	rows := make([]scoredProvider, 0, len(candidates))
	for _, c := range candidates {
		pc, ok := r.providers[c.ProviderKey]
		if !ok {
			continue
		}
		invCost := 1.0
		if pc.CostPerMToken > 0 {
			invCost = 1.0 / pc.CostPerMToken
		}
		invLatency := 1.0
		if pc.AvgLatencyMS > 0 {
			invLatency = 1.0 / pc.AvgLatencyMS
		}
		rows = append(rows, scoredProvider{
			providerKey:  c.ProviderKey,
			contextLimit: float64(c.MaxContext),
			invCost:      invCost,
			invLatency:   invLatency,
			headroom:     headroom,
		})
	}
	if len(rows) == 0 {
		return "", ErrUnknownModel
	}

	normCtx := normalizer(rows, func(s scoredProvider) float64 { return s.contextLimit })
	normCost := normalizer(rows, func(s scoredProvider) float64 { return s.invCost })
	normLat := normalizer(rows, func(s scoredProvider) float64 { return s.invLatency })
	normHead := normalizer(rows, func(s scoredProvider) float64 { return s.headroom })

	bestKey := ""
	bestScore := -1.0
	for _, row := range rows {
		score := 0.4*normCtx(row.contextLimit) +
			0.3*normCost(row.invCost) +
			0.2*normLat(row.invLatency) +
			0.1*normHead(row.headroom)

		switch {
		case score > bestScore:
			bestScore, bestKey = score, row.providerKey
		case score == bestScore && row.providerKey < bestKey:
			bestKey = row.providerKey
		}
	}
	return bestKey, nil
}

// scoredProvider holds the raw (pre-normalization) terms of the smart-mode
// scoring formula for one candidate provider.
type scoredProvider struct {
	providerKey  string
	contextLimit float64
	invCost      float64
	invLatency   float64
	headroom     float64
}

// normalizer returns a min-max normalization function over the given rows'
// value of the field selected by get. A degenerate (all-equal) set
// normalizes every value to 1.0 so it contributes its full weight rather
// than collapsing the term to zero.
func normalizer(rows []scoredProvider, get func(s scoredProvider) float64) func(float64) float64 {
	min, max := get(rows[0]), get(rows[0])
	for _, r := range rows[1:] {
		v := get(r)
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		return func(float64) float64 { return 1.0 }
	}
	return func(v float64) float64 { return (v - min) / (max - min) }
}

// Resolve chooses the upstream target, wire model name, credential, and
// provider-type tag for one inbound request. headroom is the session's
// current headroom (max-context − input tokens − reserved), used only by
// the smart-mode scorer.
func (r *Router) Resolve(clientModelKey string, headroom float64) (*Decision, error) {
	upstreamModel := r.MapModel(clientModelKey)

	var providerKey string
	if m, ok := r.models[clientModelKey]; ok {
		providerKey = m.ProviderKey
	} else {
		pk, err := r.SelectProviderForModel(upstreamModel, headroom)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModel, clientModelKey)
		}
		providerKey = pk
	}

	pc, ok := r.providers[providerKey]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s not configured", ErrUnknownModel, providerKey)
	}

	host := hostOf(pc.BaseURL)
	if r.selfHost != "" && sameHost(host, r.selfHost) {
		return nil, ErrLoopDetected
	}

	d := &Decision{
		ProviderKey:       pc.Key,
		ProviderType:      pc.Type,
		TargetBaseURL:     pc.BaseURL,
		Host:              host,
		UpstreamModel:     upstreamModel,
		Credential:        pc.Credential,
		ConnectTimeout:    orDefault(pc.ConnectTimeout, providers.ConnectTimeout),
		StreamIdleTimeout: orDefault(pc.StreamIdleTimeout, providers.StreamIdleTimeout),
		TotalTimeout:      orDefault(pc.TotalTimeout, providers.TotalTimeout),
	}
	return d, nil
}

// NeedsNewSession reports whether the router's auto-session behavior should
// trigger creation of a new Session: enabled, and the inbound model doesn't
// resolve to the same provider/model pair as the currently active session.
func (r *Router) NeedsNewSession(currentProviderKey, currentModelKey, requestModelKey string) bool {
	if !r.autoSession {
		return false
	}
	if currentModelKey == "" {
		return true
	}
	if requestModelKey == currentModelKey {
		return false
	}
	m, ok := r.models[requestModelKey]
	if !ok {
		return true
	}
	return m.ProviderKey != currentProviderKey || requestModelKey != currentModelKey
}

// ModelListEntry is one row of the OpenAI-compatible /models response.
type ModelListEntry struct {
	ID      string
	OwnedBy string
	Root    string
}

// ListModels returns the configured model table in client-key order, for the
// model-discovery endpoint (spec.md §4.1 "Model discovery endpoint").
func (r *Router) ListModels() []ModelListEntry {
	out := make([]ModelListEntry, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, ModelListEntry{ID: m.ClientKey, OwnedBy: m.ProviderKey, Root: m.UpstreamName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ProviderConfig returns the provider descriptor for key, if configured.
func (r *Router) ProviderConfig(key string) (providers.ProviderConfig, bool) {
	pc, ok := r.providers[key]
	return pc, ok
}

// MaxContextForModel returns the configured max-context of an explicit
// model key, and (0, false) for a key with no model entry. The floor for a
// session bound only to a provider comes from MaxContextFloorForProvider.
func (r *Router) MaxContextForModel(modelKey string) (int, bool) {
	if m, ok := r.models[modelKey]; ok {
		return m.MaxContext, true
	}
	return 0, false
}

// MaxContextFloorForProvider returns the minimum max-context across all
// models bound to providerKey.
func (r *Router) MaxContextFloorForProvider(providerKey string) (int, bool) {
	floor := 0
	found := false
	for _, m := range r.models {
		if m.ProviderKey != providerKey {
			continue
		}
		if !found || m.MaxContext < floor {
			floor = m.MaxContext
			found = true
		}
	}
	return floor, found
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func hostOf(rawURL string) string {
	s := rawURL
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		s = s[:idx]
	}
	return s
}

func sameHost(a, b string) bool {
	ah, ap := splitHostPortLoose(a)
	bh, bp := splitHostPortLoose(b)
	return strings.EqualFold(ah, bh) && ap == bp
}

func splitHostPortLoose(hostport string) (string, string) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, ""
	}
	return h, p
}
