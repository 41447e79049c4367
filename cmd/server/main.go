// convoserver - Real-Time AI Conversation Backend
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

	"github.com/ashureev/convoserver/internal/api"
	"github.com/ashureev/convoserver/internal/config"
	"github.com/ashureev/convoserver/internal/middleware"
	"github.com/ashureev/convoserver/internal/provider"
	"github.com/ashureev/convoserver/internal/session"
	"github.com/ashureev/convoserver/internal/store"
	"github.com/ashureev/convoserver/internal/tools"
	"github.com/ashureev/convoserver/internal/transport"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "grace_period", cfg.GracePeriod)

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

	llm, err := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:           cfg.Provider.APIKey,
		Model:            cfg.Provider.Model,
		SummaryMaxTokens: cfg.Provider.SummaryMaxTokens,
	})
	if err != nil {
		slog.Error("Failed to initialize model provider", "error", err)
		os.Exit(1)
	}

	toolRegistry := tools.NewRegistry(cfg.ToolTimeout)
	tools.RegisterBuiltins(toolRegistry)
	slog.Info("Tool registry initialized", "tools", len(toolRegistry.Definitions()))

	// Initialize services.
	registry := session.NewRegistry(repo, llm, toolRegistry, cfg)

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, registry)
	wsHandler := transport.NewWebSocketHandler(registry, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoints; the bare form gets a server-generated session id.
	r.Get("/ws/session/{sessionID}", wsHandler.ServeHTTP)
	r.Get("/ws/session", wsHandler.ServeHTTP)

	// Create server.
	// Note: WebSocket connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Finalize any sessions still live so their summaries are not lost.
	registry.DrainAll(shutdownCtx)

	slog.Info("Server stopped successfully")
}
