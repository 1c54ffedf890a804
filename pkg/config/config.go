// Package config resolves the service configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/zyztek/suna-sub004/pkg/broker"
)

// Defaults for unset environment options.
const (
	DefaultHTTPPort = "8080"

	// DefaultMaxParallelRuns is the production per-account concurrency
	// limit. Local development sets MAX_PARALLEL_AGENT_RUNS=0 to disable
	// the check.
	DefaultMaxParallelRuns = 3

	// DefaultQueueConsumers is how many run consumers one instance drives.
	DefaultQueueConsumers = 8
)

// Config is the resolved service configuration.
type Config struct {
	InstanceID string
	HTTPPort   string

	Redis broker.RedisConfig

	// MaxParallelRuns caps per-account concurrent runs. 0 disables.
	MaxParallelRuns int

	// QueueConsumers is the size of this instance's run consumer pool.
	QueueConsumers int

	AnthropicAPIKey   string
	OpenAIAPIKey      string
	OpenAIAPIBase     string
	OpenRouterAPIKey  string
	OpenRouterAPIBase string

	SlackBotToken     string
	SlackChannel      string
	SlackDashboardURL string

	ComposioAPIKey        string
	PipedreamClientID     string
	PipedreamClientSecret string
	PipedreamProjectID    string
	PipedreamEnvironment  string
}

// LoadEnvFile seeds the environment from a .env file. Missing files are
// logged and skipped: the environment wins in production.
func LoadEnvFile(path string) {
	if err := godotenv.Load(path); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", path, "error", err)
		return
	}
	slog.Info("Loaded environment", "path", path)
}

// Load resolves the configuration from the current environment.
func Load() (*Config, error) {
	redisPort, err := intEnv("REDIS_PORT", 6379)
	if err != nil {
		return nil, err
	}
	maxParallel, err := intEnv("MAX_PARALLEL_AGENT_RUNS", DefaultMaxParallelRuns)
	if err != nil {
		return nil, err
	}
	consumers, err := intEnv("QUEUE_CONSUMERS", DefaultQueueConsumers)
	if err != nil {
		return nil, err
	}

	return &Config{
		InstanceID: resolveInstanceID(),
		HTTPPort:   getEnv("HTTP_PORT", DefaultHTTPPort),
		Redis: broker.RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     redisPort,
			Password: os.Getenv("REDIS_PASSWORD"),
			SSL:      boolEnv("REDIS_SSL"),
		},
		MaxParallelRuns:   maxParallel,
		QueueConsumers:    consumers,
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIAPIBase:     os.Getenv("OPENAI_API_BASE"),
		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterAPIBase: getEnv("OPENROUTER_API_BASE", "https://openrouter.ai/api/v1"),
		SlackBotToken:     os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:      os.Getenv("SLACK_CHANNEL"),
		SlackDashboardURL: getEnv("DASHBOARD_URL", "http://localhost:3000"),

		ComposioAPIKey:        os.Getenv("COMPOSIO_API_KEY"),
		PipedreamClientID:     os.Getenv("PIPEDREAM_CLIENT_ID"),
		PipedreamClientSecret: os.Getenv("PIPEDREAM_CLIENT_SECRET"),
		PipedreamProjectID:    os.Getenv("PIPEDREAM_PROJECT_ID"),
		PipedreamEnvironment:  os.Getenv("PIPEDREAM_ENVIRONMENT"),
	}, nil
}

// resolveInstanceID determines the instance identifier for multi-replica
// coordination. Priority: INSTANCE_ID env > HOSTNAME env > "local".
func resolveInstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func intEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func boolEnv(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "True", "TRUE", "yes":
		return true
	}
	return false
}
