// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse) and the Store
//  2. initProviders — Router + per-provider-type health probes
//  3. initServices  — tokenizer, accounting, summarizer, compaction, cache,
//     hub, masking, MCP gateway, metrics registry
//  4. initGateway   — the Streaming Proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	npCache "github.com/ki2pixel/kimi-proxy/internal/cache"
	"github.com/ki2pixel/kimi-proxy/internal/accounting"
	"github.com/ki2pixel/kimi-proxy/internal/compaction"
	"github.com/ki2pixel/kimi-proxy/internal/config"
	"github.com/ki2pixel/kimi-proxy/internal/hub"
	"github.com/ki2pixel/kimi-proxy/internal/logger"
	"github.com/ki2pixel/kimi-proxy/internal/masking"
	"github.com/ki2pixel/kimi-proxy/internal/mcpgateway"
	"github.com/ki2pixel/kimi-proxy/internal/metrics"
	"github.com/ki2pixel/kimi-proxy/internal/providers"
	"github.com/ki2pixel/kimi-proxy/internal/providers/gemini"
	"github.com/ki2pixel/kimi-proxy/internal/providers/openaicompat"
	"github.com/ki2pixel/kimi-proxy/internal/proxy"
	"github.com/ki2pixel/kimi-proxy/internal/router"
	"github.com/ki2pixel/kimi-proxy/internal/store"
	"github.com/ki2pixel/kimi-proxy/internal/summarizer"
	"github.com/ki2pixel/kimi-proxy/internal/tokenizer"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger *logger.Logger
	memCache  *npCache.MemoryCache

	prom *metrics.Registry

	st       store.Store
	rt       *router.Router
	tok      *tokenizer.Tokenizer
	acc      *accounting.Accountant
	sum      *summarizer.Summarizer
	comp     *compaction.Compactor
	h        *hub.Hub
	masker   *masking.Masker
	mcp      *mcpgateway.Gateway
	probers  map[string]proxy.Prober

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("store_backend", a.cfg.Store.Backend),
		slog.Int("providers", len(a.cfg.Providers)),
		slog.Int("models", len(a.cfg.Models)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. It takes no lock, so
// it is not safe to call concurrently from several goroutines.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildProbers constructs one health Prober per configured provider whose
// type admits a cheap out-of-band probe: gemini-native providers get a real
// genai client, and the three OpenAI-shaped dialects share the
// openaicompat client's model-listing probe.
func buildProbers(ctx context.Context, cfgs []providers.ProviderConfig, log *slog.Logger) map[string]proxy.Prober {
	probers := make(map[string]proxy.Prober, len(cfgs))
	for _, p := range cfgs {
		switch p.Type {
		case providers.TypeGeminiNative:
			var opts []gemini.Option
			if p.BaseURL != "" {
				opts = append(opts, gemini.WithBaseURL(p.BaseURL))
			}
			cli, err := gemini.New(ctx, p.Credential, opts...)
			if err != nil {
				log.Warn("provider probe unavailable", slog.String("provider", p.Key), slog.String("error", err.Error()))
				continue
			}
			probers[p.Key] = cli
		case providers.TypeOpenAICompatible, providers.TypeOpenAILegacy, providers.TypeKimiCoding:
			probers[p.Key] = openaicompat.New(p.Credential, p.BaseURL)
		}
	}
	return probers
}
