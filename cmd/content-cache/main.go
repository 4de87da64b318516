// Command content-cache serves cached pages of the upstream content site and
// keeps the cache warm.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/notion-content-cache/internal/config"
	"github.com/Sternrassler/notion-content-cache/internal/server"
	"github.com/Sternrassler/notion-content-cache/pkg/admin"
	"github.com/Sternrassler/notion-content-cache/pkg/browsercache"
	"github.com/Sternrassler/notion-content-cache/pkg/cache"
	"github.com/Sternrassler/notion-content-cache/pkg/edge"
	"github.com/Sternrassler/notion-content-cache/pkg/logging"
	"github.com/Sternrassler/notion-content-cache/pkg/metrics"
	"github.com/Sternrassler/notion-content-cache/pkg/ratelimit"
	"github.com/Sternrassler/notion-content-cache/pkg/resolve"
	"github.com/Sternrassler/notion-content-cache/pkg/upstream"
	"github.com/Sternrassler/notion-content-cache/pkg/warmup"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "content-cache: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging())
	metrics.SetBuildInfo(version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialise")
	}
	defer a.close()

	if err := a.server.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := a.orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Warmup job did not stop in time")
	}
}

// app holds the wired services.
type app struct {
	server       *server.Server
	orchestrator *warmup.Orchestrator
	store        *cache.Store
	edge         *edge.Resolver
	redis        *redis.Client
	logger       zerolog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger}
	component := func(name string) zerolog.Logger {
		return logger.With().Str("component", name).Logger()
	}

	storeOpts := cache.Options{
		MaxEntries: cfg.Cache.MaxEntries,
		MaxBytes:   cfg.Cache.MaxBytes,
		DefaultTTL: cfg.Cache.DefaultTTL,
		Logger:     component(logging.ComponentCache),
	}
	upstreamCfg := upstream.DefaultConfig(cfg.Upstream.BaseURL, cfg.Upstream.UserAgent)
	upstreamCfg.Timeout = cfg.Upstream.Timeout
	upstreamCfg.RateLimit = cfg.Upstream.RateLimit
	upstreamCfg.Burst = cfg.Upstream.Burst
	upstreamCfg.PageTTL = cfg.Cache.PageTTL
	upstreamCfg.Logger = component(logging.ComponentUpstream)

	warmupCfg := warmup.Config{
		BatchSize:    cfg.Warmup.BatchSize,
		Concurrency:  cfg.Warmup.Concurrency,
		FetchTimeout: cfg.Warmup.FetchTimeout,
		BatchDelay:   cfg.Warmup.BatchDelay,
		ErrorCap:     cfg.Warmup.ErrorCap,
		StaleAfter:   cfg.Warmup.StaleAfter,
		LeaseTTL:     cfg.Warmup.LeaseTTL,
		Logger:       component(logging.ComponentWarmup),
	}

	var failed warmup.FailedLog = warmup.NewMemoryFailedLog()
	if cfg.RedisURL != "" {
		rdb, err := newRedisClient(cfg.RedisURL, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		a.redis = rdb

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// The store marks itself degraded and keeps serving from memory.
			logger.Warn().Err(err).Msg("Redis unreachable at startup")
		} else {
			logger.Info().Msg("Connected to Redis")
		}

		storeOpts.External = cache.NewRedisTier(rdb, cache.DefaultNamespace)
		upstreamCfg.Tracker = ratelimit.NewTracker(rdb, component(logging.ComponentUpstream))
		warmupCfg.Lease = warmup.NewRedisLease(rdb, warmup.DefaultLeaseKey)
		failed = warmup.NewRedisFailedLog(rdb, warmup.DefaultFailedKey)
	} else {
		logger.Info().Msg("REDIS_URL not set, running memory-only")
	}
	warmupCfg.FailedLog = failed

	store, err := cache.NewStore(storeOpts)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create store: %w", err)
	}
	a.store = store

	client, err := upstream.New(upstreamCfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create upstream client: %w", err)
	}

	sources := resolve.ChainSource{}
	if cfg.PageListURL != "" {
		sources = append(sources, &resolve.HTTPSource{Lister: client, URL: cfg.PageListURL})
	}
	if cfg.RootPageID != "" {
		sources = append(sources, resolve.IDs("root page", cfg.RootPageID))
	}
	if len(sources) == 0 {
		logger.Warn().Msg("Neither PAGE_LIST_URL nor ROOT_PAGE_ID set, warmup has nothing to warm")
	}
	ids := resolve.NewResolver(sources, component(logging.ComponentResolve))

	warmer := warmup.NewCacheWarmer(client.WithRetry(upstream.NoRetry()), store, warmupCfg.Logger).
		WithRefreshWindow(cfg.Warmup.RefreshWindow)
	a.orchestrator = warmup.New(ids, warmer, warmupCfg)

	policy := edge.DefaultPolicy()
	if cfg.EdgePolicyFile != "" {
		policy, err = edge.LoadPolicyFile(cfg.EdgePolicyFile)
		if err != nil {
			a.close()
			return nil, err
		}
	}
	a.edge = edge.NewResolver(policy, cfg.EdgeConfigURL, component(logging.ComponentEdge))
	a.edge.Load(ctx)

	hub := browsercache.NewHub(browsercache.HubConfig{CheckOrigin: originChecker(cfg.CORSOrigins)}, component(logging.ComponentBrowser))

	svc, err := admin.New(admin.Options{
		Store:           store,
		Warmup:          a.orchestrator,
		Browser:         hub,
		Fetcher:         client,
		Edge:            a.edge,
		Warmer:          warmer,
		RevalidatePaths: cfg.RevalidatePaths,
		Logger:          component(logging.ComponentAdmin),
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create admin service: %w", err)
	}

	a.server, err = server.New(server.Config{
		Addr:           ":" + cfg.Port,
		AdminToken:     cfg.AdminToken,
		CORSOrigins:    cfg.CORSOrigins,
		ContentTimeout: cfg.Upstream.Timeout,
	}, server.Deps{
		Store:     store,
		Warmup:    a.orchestrator,
		Admin:     svc,
		Pages:     client,
		Edge:      a.edge,
		Hub:       hub,
		FailedLog: failed,
		Logger:    component(logging.ComponentServer),
	})
	if err != nil {
		a.close()
		return nil, err
	}

	logger.Info().
		Str("upstream", cfg.Upstream.BaseURL).
		Bool("external_tier", store.HasExternal()).
		Bool("edge_override", a.edge.Overridden()).
		Str("version", version).
		Msg("Content cache initialised")
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.logger.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
}

// newRedisClient accepts a redis:// URL or a bare host:port.
func newRedisClient(raw string, db int) (*redis.Client, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		if db != 0 {
			opts.DB = db
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: raw, DB: db}), nil
}

// originChecker restricts websocket origins to the CORS allow list; an empty
// list accepts any origin.
func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
