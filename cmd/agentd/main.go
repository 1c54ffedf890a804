// agentd runs the agent execution service: HTTP API, run queue consumers,
// and the orphan-run sweeper.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/zyztek/suna-sub004/pkg/api"
	"github.com/zyztek/suna-sub004/pkg/broker"
	"github.com/zyztek/suna-sub004/pkg/config"
	"github.com/zyztek/suna-sub004/pkg/database"
	"github.com/zyztek/suna-sub004/pkg/llm"
	"github.com/zyztek/suna-sub004/pkg/mcp"
	"github.com/zyztek/suna-sub004/pkg/notify"
	"github.com/zyztek/suna-sub004/pkg/runs"
	"github.com/zyztek/suna-sub004/pkg/runstream"
	"github.com/zyztek/suna-sub004/pkg/scheduler"
	"github.com/zyztek/suna-sub004/pkg/thread"
	threadpg "github.com/zyztek/suna-sub004/pkg/thread/postgres"
	"github.com/zyztek/suna-sub004/pkg/version"
	"github.com/zyztek/suna-sub004/pkg/worker"
)

func main() {
	configDir := flag.String("config-dir",
		envOr("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	config.LoadEnvFile(filepath.Join(*configDir, ".env"))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting agentd",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"instance_id", cfg.InstanceID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database: connection pool plus migrations.
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// Broker: locks, stop signals, event log, work queue.
	redisBroker, err := broker.NewRedisBroker(ctx, cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisBroker.Close(); err != nil {
			slog.Error("Error closing Redis broker", "error", err)
		}
	}()
	slog.Info("Connected to Redis", "host", cfg.Redis.Host, "port", cfg.Redis.Port)

	// LLM providers. Missing keys disable a provider; the router rejects
	// requests for models it cannot serve.
	var anthropicClient, openaiClient llm.Client
	if cfg.AnthropicAPIKey != "" {
		c, err := llm.NewAnthropicClient(llm.AnthropicConfig{APIKey: cfg.AnthropicAPIKey})
		if err != nil {
			slog.Error("Failed to initialize Anthropic client", "error", err)
			os.Exit(1)
		}
		anthropicClient = c
	}
	if cfg.OpenAIAPIKey != "" {
		c, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIAPIBase,
		})
		if err != nil {
			slog.Error("Failed to initialize OpenAI client", "error", err)
			os.Exit(1)
		}
		openaiClient = c
	}
	var routerOpts []llm.RouterOption
	if cfg.OpenRouterAPIKey != "" {
		c, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:   cfg.OpenRouterAPIKey,
			BaseURL:  cfg.OpenRouterAPIBase,
			Provider: "openrouter",
		})
		if err != nil {
			slog.Error("Failed to initialize OpenRouter client", "error", err)
			os.Exit(1)
		}
		routerOpts = append(routerOpts, llm.WithOpenRouter(c))
	}
	router := llm.NewRouter(anthropicClient, openaiClient, routerOpts...)

	// MCP tool discovery and dispatch.
	resolver := mcp.NewHTTPResolver(mcp.ResolverConfig{
		ComposioAPIKey:        cfg.ComposioAPIKey,
		PipedreamClientID:     cfg.PipedreamClientID,
		PipedreamClientSecret: cfg.PipedreamClientSecret,
		PipedreamProjectID:    cfg.PipedreamProjectID,
		PipedreamEnvironment:  cfg.PipedreamEnvironment,
	})
	mcpPool := mcp.NewPool(redisBroker, resolver)

	// Run and thread persistence, event log, conversation manager.
	runRegistry := runs.NewRegistry(dbClient.Pool())
	threadStore := threadpg.NewStore(dbClient.Pool())
	eventLog := runstream.NewLog(redisBroker)
	threadManager := thread.NewManager(threadStore, router)

	// Slack notifications. NewService returns nil when unconfigured; the
	// worker treats a nil notifier as disabled.
	notifier := notify.NewService(notify.ServiceConfig{
		Token:        cfg.SlackBotToken,
		Channel:      cfg.SlackChannel,
		DashboardURL: cfg.SlackDashboardURL,
	})
	if notifier != nil {
		slog.Info("Slack notifications enabled", "channel", cfg.SlackChannel)
	}

	runWorker := worker.New(redisBroker, eventLog, runRegistry, threadManager, mcpPool, cfg.InstanceID, notifier)
	sched := scheduler.New(redisBroker, runRegistry, eventLog, cfg.InstanceID,
		scheduler.WithMaxRunsPerAccount(cfg.MaxParallelRuns))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sched.Consume(ctx, runWorker, cfg.QueueConsumers)
	}()
	go func() {
		defer wg.Done()
		sched.RunSweeper(ctx)
	}()
	slog.Info("Queue consumers started", "consumers", cfg.QueueConsumers)

	server := api.NewServer(sched, runRegistry, eventLog, api.WithHealthChecker(dbClient))
	slog.Info("HTTP API listening", "port", cfg.HTTPPort)
	if err := server.Run(ctx, ":"+cfg.HTTPPort); err != nil {
		slog.Error("HTTP server failed", "error", err)
		stop()
	}

	wg.Wait()
	slog.Info("Shutdown complete")
}

func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
