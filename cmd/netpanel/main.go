package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/netpanel/internal/config"
	"github.com/gosuda/netpanel/internal/intercept"
	"github.com/gosuda/netpanel/internal/observability"
	"github.com/gosuda/netpanel/internal/server"
	"github.com/gosuda/netpanel/internal/server/middleware"
	"github.com/gosuda/netpanel/internal/session"
	redisstore "github.com/gosuda/netpanel/internal/store/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("NETPANEL_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("NETPANEL_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics()
	opts := []session.Option{
		session.WithLogger(log.Logger),
		session.WithMetrics(metrics),
	}

	// Optional Redis mirror of appended records.
	if cfg.Redis.Enabled() {
		mirror, mirrorErr := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log.Logger)
		if mirrorErr != nil {
			return mirrorErr
		}
		defer mirror.Close()
		go mirror.Run(ctx)
		opts = append(opts, session.WithMirror(mirror))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis mirror enabled")
	}

	provider := session.NewProvider()
	provider.Init(ctx, session.Config{
		MaxLogsPerSession: cfg.Store.MaxLogsPerSession,
		TTL:               cfg.Store.TTL(),
		SweepInterval:     cfg.Store.SweepInterval,
	}, opts...)
	defer provider.Close()

	// Record outgoing calls made through the default transport while serving
	// a request that carries the session cookie.
	intercept.Install(&intercept.Transport{
		Sink:         provider,
		Resolve:      middleware.ResolveSession,
		SkipPaths:    []string{cfg.Stream.Path, cfg.Stream.WSPath},
		MaxBodyBytes: cfg.Capture.MaxBodyBytes,
		Logger:       log.Logger,
		Debug:        cfg.Debug,
	})
	defer intercept.Uninstall()

	// Create HTTP server with all routes wired.
	srv := server.New(ctx, cfg, server.Deps{
		Provider: provider,
		Metrics:  metrics,
		Replay:   &http.Client{Timeout: cfg.Server.WriteTimeout},
		Logger:   log.Logger,
	})

	// Start server in background goroutine.
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
			cancel()
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}
