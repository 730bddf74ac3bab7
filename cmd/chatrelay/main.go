package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatrelay/internal/config"
	"github.com/gosuda/chatrelay/internal/metrics"
	"github.com/gosuda/chatrelay/internal/reply"
	"github.com/gosuda/chatrelay/internal/server"
	"github.com/gosuda/chatrelay/internal/session"
	"github.com/gosuda/chatrelay/internal/store/postgres"
	redisstore "github.com/gosuda/chatrelay/internal/store/redis"
	"github.com/gosuda/chatrelay/internal/tools"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("CHATRELAY_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("CHATRELAY_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
		return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
	}

	// Connect to PostgreSQL. The pool is the process-wide shared
	// resource: created once here, closed on shutdown.
	store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return err
	}
	defer store.Close()

	// Connect to Redis for watcher fanout.
	pubsub, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer pubsub.Close()

	// Select the reply backend once at startup.
	executor := tools.NewExecutor(cfg.Backend.ToolLatency)
	engine := reply.New(cfg.Backend, executor)
	if cfg.Backend.Mock() {
		log.Info().Msg("no OPENAI_API_KEY set, using mock reply backend")
	} else {
		log.Info().Str("model", cfg.Backend.Model).Msg("using OpenAI reply backend")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	finalizer := session.NewFinalizer(store.Sessions(), engine, m)

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Create HTTP server with all routes wired.
	srv := server.New(ctx, cfg, store, pubsub, engine, finalizer, m)

	// Start server in background goroutine.
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
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

	// Let in-flight finalizer runs write their summaries.
	finalizer.Wait()

	log.Info().Msg("stopped")
	return nil
}
