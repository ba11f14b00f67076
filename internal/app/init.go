package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/ki2pixel/kimi-proxy/internal/cache"
	"github.com/ki2pixel/kimi-proxy/internal/accounting"
	"github.com/ki2pixel/kimi-proxy/internal/compaction"
	"github.com/ki2pixel/kimi-proxy/internal/hub"
	"github.com/ki2pixel/kimi-proxy/internal/masking"
	"github.com/ki2pixel/kimi-proxy/internal/mcpgateway"
	"github.com/ki2pixel/kimi-proxy/internal/memory"
	"github.com/ki2pixel/kimi-proxy/internal/metrics"
	"github.com/ki2pixel/kimi-proxy/internal/providers/openaicompat"
	"github.com/ki2pixel/kimi-proxy/internal/proxy"
	"github.com/ki2pixel/kimi-proxy/internal/ratelimit"
	"github.com/ki2pixel/kimi-proxy/internal/router"
	"github.com/ki2pixel/kimi-proxy/internal/store"
	"github.com/ki2pixel/kimi-proxy/internal/summarizer"
	"github.com/ki2pixel/kimi-proxy/internal/tokenizer"
)

// initInfra establishes optional external connections and the Store.
// Redis is only required when CACHE_MODE=redis; ClickHouse only when
// STORE_BACKEND=clickhouse.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Cache.RedisURL)))

		rdb, err := connectRedis(ctx, a.cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	switch a.cfg.Store.Backend {
	case "clickhouse":
		a.log.Info("connecting to clickhouse", slog.String("addr", a.cfg.Store.ClickHouse.Addr))
		st, err := store.NewClickHouseStore(ctx, store.ClickHouseConfig{
			Addr:     a.cfg.Store.ClickHouse.Addr,
			Database: a.cfg.Store.ClickHouse.Database,
			Username: a.cfg.Store.ClickHouse.Username,
			Password: a.cfg.Store.ClickHouse.Password,
		}, a.cfg.Store.MemoryPromotionThreshold)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.st = st
		a.log.Info("clickhouse connected")
	default:
		a.st = store.NewMemoryStore(ctx, a.cfg.Store.MemoryPromotionThreshold, a.cfg.Store.BlobMaxAge)
		a.log.Info("store backend: memory (in-process)")
	}

	return nil
}

// initProviders builds the Router from the declarative provider/model tables
// and the set of health probers used by the readiness checker.
func (a *App) initProviders(ctx context.Context) error {
	a.rt = router.New(a.cfg.Providers, a.cfg.Models, a.cfg.SelfHost, a.cfg.AutoSession)
	a.probers = buildProbers(ctx, a.cfg.Providers, a.log)

	names := make([]string, 0, len(a.cfg.Providers))
	for _, p := range a.cfg.Providers {
		names = append(names, p.Key)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the tokenizer, accounting, summarization, compaction,
// hub, masking, cache, MCP gateway, and metrics subsystems.
func (a *App) initServices(ctx context.Context) error {
	a.tok = tokenizer.New()
	a.acc = accounting.New(a.tok, a.rt, a.st)

	var sumOpts []summarizer.Option
	if a.cfg.Summarizer.BaseURL != "" {
		sumOpts = append(sumOpts, summarizer.WithBaseURL(a.cfg.Summarizer.BaseURL))
	}
	if a.cfg.Summarizer.Model != "" {
		sumOpts = append(sumOpts, summarizer.WithModel(a.cfg.Summarizer.Model))
	}
	a.sum = summarizer.New(a.cfg.Summarizer.APIKey, sumOpts...)

	a.comp = compaction.New(a.tok, a.sum, a.st, compaction.Options{
		AutoThreshold:  a.cfg.Compaction.AutoThreshold,
		Cooldown:       a.cfg.Compaction.Cooldown,
		MaxConsecutive: a.cfg.Compaction.MaxConsecutive,
		KeepPairs:      a.cfg.Compaction.KeepPairs,
		TargetRatio:    a.cfg.Compaction.TargetRatio,
		MinReduction:   a.cfg.Compaction.MinReduction,
	})

	a.h = hub.New(a.cfg.Hub.QueueSize, a.snapshotMessages)
	a.masker = masking.New(a.cfg.Masking.Threshold, a.cfg.Masking.Head, a.cfg.Masking.Tail)

	peers := make([]mcpgateway.PeerConfig, 0, len(a.cfg.MCPPeers))
	for _, p := range a.cfg.MCPPeers {
		peers = append(peers, mcpgateway.PeerConfig{Name: p.Name, Addr: p.Addr, Timeout: p.Timeout})
	}
	a.mcp = mcpgateway.New(peers, a.masker)

	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// snapshotMessages is the hub's SnapshotFunc: the active session as a
// session_updated message, followed by its most recent metrics (at most
// HUB_SNAPSHOT_METRICS, oldest first). With no active session it is empty.
func (a *App) snapshotMessages() []hub.Message {
	sess, err := a.st.ActiveSession(a.baseCtx)
	if err != nil {
		return nil
	}
	limit := a.cfg.Hub.SnapshotMetrics
	if limit <= 0 {
		limit = hub.DefaultSnapshotMetrics
	}
	out := []hub.Message{{Type: hub.EventSessionUpdated, Payload: sess, Timestamp: sess.CreatedAt}}
	recent, _ := a.st.SessionMetrics(a.baseCtx, sess.ID, limit)
	for _, m := range recent {
		out = append(out, hub.Message{Type: hub.EventMetric, Payload: m, Timestamp: m.Timestamp})
	}
	return out
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	opts := proxy.GatewayOptions{
		Logger:     a.log,
		Metrics:    a.prom,
		MaxRetries: a.cfg.Failover.MaxRetries,
		CacheTTL:   a.cfg.Cache.TTL,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := proxy.NewGateway(a.baseCtx, a.rt, a.acc, a.comp, a.st, a.h, a.masker, cacheImpl, opts)

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	gw.SetCORSOrigins(a.cfg.CORSOrigins)
	gw.SetMCPGateway(a.mcp)

	if a.cfg.Memory.EmbeddingProviderKey != "" {
		if pc, ok := a.rt.ProviderConfig(a.cfg.Memory.EmbeddingProviderKey); ok {
			embedder := openaicompat.New(pc.Credential, pc.BaseURL)
			gw.SetMemoryClassifier(memory.New(embedder, a.cfg.Memory.EmbeddingModel))
			a.log.Info("memory classifier enabled", slog.String("provider", pc.Key))
		} else {
			a.log.Warn("memory embedding provider not found, classifier disabled",
				slog.String("provider", a.cfg.Memory.EmbeddingProviderKey))
		}
	}

	storeReady := func() bool { return true }
	hubReady := func() bool { return a.h != nil }
	hc := proxy.NewHealthChecker(a.baseCtx, a.probers, storeReady, hubReady, a.prom)
	gw.SetHealthChecker(hc)

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
