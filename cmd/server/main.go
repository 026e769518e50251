// GrugFleet - conversational bot fleet orchestrator.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/grugthink/grugfleet/internal/api"
	"github.com/grugthink/grugfleet/internal/config"
	"github.com/grugthink/grugfleet/internal/events"
	"github.com/grugthink/grugfleet/internal/fleet"
	"github.com/grugthink/grugfleet/internal/memory"
	"github.com/grugthink/grugfleet/internal/middleware"
	"github.com/grugthink/grugfleet/internal/registry"
	"github.com/grugthink/grugfleet/internal/store"
	"github.com/grugthink/grugfleet/internal/worker"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting fleet orchestrator", "port", cfg.Port, "worker_runtime", cfg.WorkerRuntime)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	reg := registry.New(repo)
	if err := reg.EnsureDefaults(context.Background()); err != nil {
		slog.Error("Failed to seed personality templates", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(cfg.EventQueueSize)
	defer bus.Close()

	memories := memory.NewService(repo, cfg.MemoryListMax)

	// Worker runtimes. Discord is always available; Docker only when a
	// daemon is reachable.
	runtimes := map[string]worker.Runtime{}
	discordRT := worker.NewDiscordRuntime(memories)
	runtimes[discordRT.Name()] = discordRT
	if dockerRT, err := worker.NewDockerRuntime(cfg.WorkerImage); err != nil {
		slog.Warn("Docker runtime unavailable", "error", err)
	} else {
		runtimes[dockerRT.Name()] = dockerRT
	}
	if _, ok := runtimes[cfg.WorkerRuntime]; !ok {
		slog.Error("Configured default worker runtime is unavailable", "runtime", cfg.WorkerRuntime)
		os.Exit(1)
	}

	sup, err := fleet.New(context.Background(), cfg.Fleet, repo, reg, bus, runtimes, cfg.WorkerRuntime)
	if err != nil {
		slog.Error("Failed to initialize fleet supervisor", "error", err)
		os.Exit(1)
	}

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigin))

	api.NewHealthHandler(repo, sup).RegisterHealth(r)
	api.NewFleetHandler(sup).RegisterRoutes(r)
	api.NewMemoryHandler(sup, memories).RegisterRoutes(r)
	api.NewRegistryHandler(reg).RegisterRoutes(r)
	r.Get("/ws/events", api.NewEventsHandler(bus, cfg.AllowedOrigin).ServeHTTP)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// WebSocket event streams are long-lived; no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		slog.Error("Fleet shutdown incomplete", "error", err)
	}

	slog.Info("Server stopped successfully")
}
