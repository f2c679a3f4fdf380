package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	v1 "github.com/gosuda/netpanel/internal/api/v1"
	"github.com/gosuda/netpanel/internal/api/stream"
	"github.com/gosuda/netpanel/internal/config"
	"github.com/gosuda/netpanel/internal/observability"
	"github.com/gosuda/netpanel/internal/server/middleware"
	"github.com/gosuda/netpanel/internal/session"
)

// Server is the HTTP server that wires the stream endpoints, the JSON API and
// the session cookie middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	provider   *session.Provider
	cfg        *config.Config
}

// Deps are the collaborators a Server needs beyond configuration. Metrics
// and Replay may be nil; the /metrics route and the replay operation are then
// not mounted.
type Deps struct {
	Provider *session.Provider
	Metrics  *observability.Metrics
	Replay   v1.Doer
	Logger   zerolog.Logger
}

// New creates a Server with all routes wired. ctx bounds background work
// started by middleware such as the rate limiter cleanup.
func New(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	router.Use(middleware.Session(cfg.Capture.SessionCookie))

	s := &Server{
		router:   router,
		provider: deps.Provider,
		cfg:      cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	limit := middleware.RateLimitByIP(ctx, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Stream routes. Both variants share one handler and one limiter. Open
	// streams never finish on their own, so they are ended when Shutdown
	// starts rather than holding it until its deadline.
	streams := stream.NewHandler(deps.Provider, cfg.Stream.Heartbeat, deps.Logger)
	s.httpServer.RegisterOnShutdown(streams.Close)
	router.Group(func(r chi.Router) {
		r.Use(limit)
		registerStreamRoutes(r, cfg, streams)
	})

	// JSON API on /api/v1.
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(limit)

		apiConfig := huma.DefaultConfig("netpanel API", "1.0.0")
		apiConfig.Servers = []*huma.Server{
			{URL: "/api/v1"},
		}
		api := humachi.New(r, apiConfig)
		registerAPIRoutes(api, cfg, deps)
	})

	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics.Handler())
	}

	// Health check.
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, ok := deps.Provider.Store(); !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not initialized"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return s
}

// Router exposes the router so a host application can mount its own routes
// behind the session cookie middleware.
func (s *Server) Router() chi.Router {
	return s.router
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
