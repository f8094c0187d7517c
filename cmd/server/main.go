package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keiri-ai/be-invoice-approval/internal/audit"
	"github.com/keiri-ai/be-invoice-approval/internal/client"
	"github.com/keiri-ai/be-invoice-approval/internal/config"
	"github.com/keiri-ai/be-invoice-approval/internal/handler"
	"github.com/keiri-ai/be-invoice-approval/internal/llm"
	"github.com/keiri-ai/be-invoice-approval/internal/logger"
	"github.com/keiri-ai/be-invoice-approval/internal/observability"
	"github.com/keiri-ai/be-invoice-approval/internal/store"
	"github.com/keiri-ai/be-invoice-approval/internal/workflow"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting invoice approval service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize store
	var st store.Store
	if cfg.Database.Enabled {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN())
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid database configuration")
		}
		poolCfg.MaxConns = cfg.Database.MaxConns

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pool.Close()

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to ensure database schema")
		}
		st = pg
		log.Info().Msg("Database connection established")
	} else {
		st = store.NewMemoryStore()
		log.Info().Msg("Running on the in-memory store")
	}

	// Initialize AI provider
	provider, err := llm.NewFromConfig(cfg.LLM, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create AI provider")
	}
	log.Info().Str("provider", cfg.LLM.Provider).Msg("AI provider initialized")

	// Initialize NATS notifier (optional)
	var publisher workflow.EventPublisher
	if cfg.NATS.Enabled {
		notifier, err := client.NewNotifier(cfg.NATS.URL, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer notifier.Close()
		publisher = notifier
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS notifier initialized")
	}

	// Initialize metrics, engine and orchestrator
	metrics := observability.New()
	engine := workflow.NewEngine(st, provider, publisher, metrics, log)
	orchestrator := audit.NewOrchestrator(st, provider, metrics, log, audit.Config{
		MaxParallel: cfg.Audit.MaxParallel,
	})

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(engine, orchestrator, cfg.Vocab, log)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("GET /metrics", metrics.Handler())
	httpHandler.Routes(mux)

	// Apply middleware
	var h http.Handler = mux
	h = handler.RequestID(h)
	h = handler.Logger(&log.Logger)(h)
	h = handler.Recovery(&log.Logger)(h)
	h = handler.CORS([]string{"*"})(h)
	h = handler.Timeout(cfg.Server.WriteTimeout - time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
