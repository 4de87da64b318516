// Package server exposes the content cache over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/notion-content-cache/pkg/admin"
	"github.com/Sternrassler/notion-content-cache/pkg/browsercache"
	"github.com/Sternrassler/notion-content-cache/pkg/cache"
	"github.com/Sternrassler/notion-content-cache/pkg/edge"
	"github.com/Sternrassler/notion-content-cache/pkg/metrics"
	"github.com/Sternrassler/notion-content-cache/pkg/upstream"
	"github.com/Sternrassler/notion-content-cache/pkg/warmup"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Store is the cache surface the HTTP layer reads and writes.
type Store interface {
	Get(ctx context.Context, key string) (*cache.Entry, error)
	SetEntry(ctx context.Context, e *cache.Entry) error
	Ping(ctx context.Context) error
	Degraded() bool
	HasExternal() bool
}

// Warmup is the orchestrator surface.
type Warmup interface {
	Start(ctx context.Context) (*warmup.Snapshot, error)
	StartWith(ctx context.Context, source warmup.IdentifierSource) (*warmup.Snapshot, error)
	Status() *warmup.Snapshot
	Reset(ctx context.Context) *warmup.Snapshot
}

// PageReader fetches pages missing from the cache.
type PageReader interface {
	ReadPage(ctx context.Context, id string) (*upstream.Page, error)
}

// Admin is the operator surface.
type Admin interface {
	Clear(ctx context.Context, req admin.ClearRequest) (*admin.ClearResult, error)
	HandleWebhook(ctx context.Context, ev admin.Event) (*admin.WebhookResult, error)
	Status(ctx context.Context) *admin.StatusReport
}

// Config holds the HTTP settings.
type Config struct {
	Addr string

	// AdminToken guards the operator routes.
	AdminToken string

	// CORSOrigins allowed to call the API; empty allows any origin without credentials.
	CORSOrigins []string

	// ContentTimeout bounds an upstream read on a cache miss.
	ContentTimeout time.Duration

	// BrowserRoutes are published at /sw-config.json.
	BrowserRoutes []browsercache.Route
}

// Deps are the services behind the routes.
type Deps struct {
	Store     Store
	Warmup    Warmup
	Admin     Admin
	Pages     PageReader
	Edge      *edge.Resolver
	Hub       *browsercache.Hub
	FailedLog warmup.FailedLog
	Logger    zerolog.Logger
}

// Server is the HTTP front of the content cache.
type Server struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	reads singleflight.Group
}

// New creates a server.
func New(cfg Config, deps Deps) (*Server, error) {
	if cfg.AdminToken == "" {
		return nil, fmt.Errorf("admin token is required")
	}
	if deps.Store == nil || deps.Warmup == nil || deps.Admin == nil {
		return nil, fmt.Errorf("store, warmup and admin are required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ContentTimeout <= 0 {
		cfg.ContentTimeout = 15 * time.Second
	}
	if cfg.BrowserRoutes == nil {
		cfg.BrowserRoutes = browsercache.DefaultRoutes()
	}
	return &Server{cfg: cfg, deps: deps, logger: deps.Logger}, nil
}

// Handler builds the router.
func (s *Server) Handler() (http.Handler, error) {
	manifest, err := browsercache.ManifestHandler(s.cfg.BrowserRoutes)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(cors.Handler(s.corsOptions()))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/sw-config.json", manifest)

	r.Route("/cache", func(r chi.Router) {
		if s.deps.Hub != nil {
			r.Handle("/ws", s.deps.Hub)
		}
		r.Get("/warmup/status", s.handleWarmupStatus)
		r.Post("/webhook", s.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(bearerAuth(s.cfg.AdminToken, s.logger))
			r.Get("/status", s.handleCacheStatus)
			r.Post("/clear", s.handleClear)
			r.Post("/warmup/start", s.handleWarmupStart)
			r.Post("/warmup/reset", s.handleWarmupReset)
			r.Get("/warmup/failed", s.handleFailedList)
			r.Post("/warmup/failed", s.handleFailedRetry)
			r.Delete("/warmup/failed", s.handleFailedClear)
		})
	})

	r.Group(func(r chi.Router) {
		if s.deps.Edge != nil {
			r.Use(s.deps.Edge.Middleware)
		}
		r.Get("/content/{id}", s.handleContent)
		r.Head("/content/{id}", s.handleContent)
	})

	return r, nil
}

func (s *Server) corsOptions() cors.Options {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "If-None-Match", "X-Request-ID"},
		ExposedHeaders: []string{"ETag", "X-Cache", "X-Request-ID", edge.HeaderEdgeKey},
		MaxAge:         300,
	}
	if len(s.cfg.CORSOrigins) > 0 {
		opts.AllowedOrigins = s.cfg.CORSOrigins
		opts.AllowCredentials = true
	} else {
		opts.AllowedOrigins = []string{"*"}
	}
	return opts
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.cfg.ContentTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if s.deps.Hub != nil {
			s.deps.Hub.Close()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}
}
