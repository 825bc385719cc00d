// Shadowwriter server — ingests TED transcripts, runs the chunked
// shadow-writing pipeline against the configured LLM providers, and
// serves task progress over SSE and WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tedlearn/shadowwriter/pkg/api"
	"github.com/tedlearn/shadowwriter/pkg/chunker"
	"github.com/tedlearn/shadowwriter/pkg/config"
	"github.com/tedlearn/shadowwriter/pkg/database"
	"github.com/tedlearn/shadowwriter/pkg/events"
	"github.com/tedlearn/shadowwriter/pkg/keypool"
	"github.com/tedlearn/shadowwriter/pkg/llm"
	"github.com/tedlearn/shadowwriter/pkg/monitor"
	"github.com/tedlearn/shadowwriter/pkg/orchestrator"
	"github.com/tedlearn/shadowwriter/pkg/pipeline"
	"github.com/tedlearn/shadowwriter/pkg/taskstore"
	"github.com/tedlearn/shadowwriter/pkg/transcript"
	"github.com/tedlearn/shadowwriter/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting shadowwriter",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize the task store: PostgreSQL when enabled, in-memory
	// otherwise
	var store taskstore.Store
	var history taskstore.HistoryStore
	var dbClient *database.Client
	if cfg.Database.Enabled {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		pg := taskstore.NewPostgresStore(dbClient.DB())
		store = pg
		history = pg.History()
		slog.Info("Connected to PostgreSQL database")
	} else {
		mem := taskstore.NewMemoryStore()
		store = mem
		history = mem.History()
		slog.Info("Running on in-memory task store")
	}

	// 3. Build key pools and telemetry registry
	registry := monitor.NewRegistry()
	cooldowns := keypool.CooldownConfig{
		RateLimitCap:  time.Duration(cfg.Cooldown.RateLimitCapSeconds) * time.Second,
		TransientBase: time.Duration(cfg.Cooldown.TransientBaseSeconds) * time.Second,
		TransientCap:  time.Duration(cfg.Cooldown.TransientCapSeconds) * time.Second,
	}
	pools, err := keypool.NewManager(cfg.KeySecrets(), registry, keypool.WithCooldowns(cooldowns))
	if err != nil {
		slog.Error("Failed to build key pools", "error", err)
		os.Exit(1)
	}

	// 4. Build the LLM client
	providers := make(map[string]llm.ProviderSettings, len(cfg.Providers))
	for name, p := range cfg.Providers {
		providers[name] = llm.ProviderSettings{Name: name, BaseURL: p.BaseURL, Model: p.Model}
	}
	routes := make(map[string]llm.Route, len(cfg.PurposeMap))
	for purpose, r := range cfg.PurposeMap {
		routes[purpose] = llm.Route{Provider: r.Provider, Model: r.Model, Temperature: r.Temperature}
	}
	llmClient, err := llm.NewClient(providers, routes, pools,
		llm.WithMaxConcurrent(cfg.Concurrency.MaxOutbound))
	if err != nil {
		slog.Error("Failed to build LLM client", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM client initialized", "providers", len(providers), "purposes", len(routes))

	// 5. Optional startup key health check
	if getEnv("KEY_HEALTH_CHECK", "false") == "true" {
		checkCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		if err := pools.HealthCheck(checkCtx, llmClient.Probe); err != nil {
			cancel()
			slog.Error("API key health check failed", "error", err)
			os.Exit(1)
		}
		cancel()
		slog.Info("API key health check passed")
	}

	// 6. Build the event bus and start its queue GC
	bus := events.NewBus(
		events.WithMaxPerTask(cfg.SSE.MaxMessagesPerTask),
		events.WithTTL(cfg.SSE.TTL()),
	)
	bus.Start()
	defer bus.Stop()

	// 7. Assemble the orchestrator
	pipe := pipeline.New(llmClient, pipeline.WithStageTimeout(cfg.Task.StageTimeout()))
	ck := chunker.New(
		chunker.WithRange(cfg.Chunk.Min, cfg.Chunk.Max),
		chunker.WithTarget(cfg.Chunk.Target),
	)
	orchOpts := []orchestrator.Option{
		orchestrator.WithHistory(history),
		orchestrator.WithOverallTimeout(cfg.Task.OverallTimeout()),
	}
	if dir := os.Getenv("TRANSCRIPT_DIR"); dir != "" {
		orchOpts = append(orchOpts, orchestrator.WithFetcher(transcript.NewFileFetcher(dir)))
		slog.Info("Batch processing enabled", "transcript_dir", dir)
	}
	orch := orchestrator.New(store, bus, ck, pipe, orchOpts...)

	// 8. Create the HTTP server
	serverOpts := []api.ServerOption{
		api.WithHistory(history),
		api.WithRegistry(registry),
	}
	if dbClient != nil {
		serverOpts = append(serverOpts, api.WithDatabase(dbClient))
	}
	apiServer := api.NewServer(store, orch, bus, serverOpts...)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 9. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Shadowwriter started successfully")

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop accepting requests, let in-flight
	// streams drain, then stop the bus GC via the deferred Stop.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
