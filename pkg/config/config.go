// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StorageBackend represents the storage implementation type.
type StorageBackend string

const (
	// StorageMemory keeps tasks and results in process memory.
	StorageMemory StorageBackend = "memory"
	// StoragePostgres uses PostgreSQL storage.
	StoragePostgres StorageBackend = "postgres"
	// StorageSQLite uses a local SQLite file.
	StorageSQLite StorageBackend = "sqlite"
)

// Base contains the process-wide settings shared by the server and the CLI.
type Base struct {
	ServiceName string
	Environment string // development, staging, production
	Version     string

	GRPCPort int

	StorageBackend StorageBackend

	// Postgres (StorageBackend "postgres")
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// SQLite (StorageBackend "sqlite")
	SQLitePath string

	// Redis is optional; an empty URL disables the cross-process run lock.
	RedisURL string

	LogLevel  string
	LogFormat string // json, text

	TracingEnabled  bool
	TracingEndpoint string
	TracingSampling float64

	Engine Engine
}

// Engine holds the knobs of the evaluation pipeline.
type Engine struct {
	// ItemDelay is the fixed pause between two work items of a stage.
	ItemDelay time.Duration
	// CallTimeout bounds a single model invocation attempt.
	CallTimeout time.Duration
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int
	// RunLockTTL is how long a cross-process run lock is held at most.
	RunLockTTL time.Duration
	// ModelCatalogPath points at a YAML file of model records.
	ModelCatalogPath string
	// DefaultAPIKey is the last-resort credential for model calls.
	DefaultAPIKey string
	// DefaultCostPer1K is used when a model record has no rate.
	DefaultCostPer1K float64
}

// Load loads configuration from the environment. A .env file in the
// working directory is read first when present; real environment
// variables win over it.
func Load(serviceName string) (*Base, error) {
	_ = godotenv.Load()

	backend, err := parseStorageBackend(getEnv("LLMEVAL_STORAGE_BACKEND", "memory"))
	if err != nil {
		return nil, err
	}

	cfg := &Base{
		ServiceName: serviceName,
		Environment: getEnv("LLMEVAL_ENV", "development"),
		Version:     getEnv("LLMEVAL_VERSION", "dev"),

		GRPCPort: getEnvInt("LLMEVAL_GRPC_PORT", 9300),

		StorageBackend: backend,

		DBHost:     getEnv("LLMEVAL_DB_HOST", "localhost"),
		DBPort:     getEnvInt("LLMEVAL_DB_PORT", 5432),
		DBUser:     getEnv("LLMEVAL_DB_USER", "llmeval"),
		DBPassword: getEnv("LLMEVAL_DB_PASSWORD", ""),
		DBName:     getEnv("LLMEVAL_DB_NAME", "llmeval"),
		DBSSLMode:  getEnv("LLMEVAL_DB_SSLMODE", "disable"),

		SQLitePath: getEnv("LLMEVAL_SQLITE_PATH", "llmeval.db"),

		RedisURL: getEnv("LLMEVAL_REDIS_URL", ""),

		LogLevel:  getEnv("LLMEVAL_LOG_LEVEL", "info"),
		LogFormat: getEnv("LLMEVAL_LOG_FORMAT", "json"),

		TracingEnabled:  getEnvBool("LLMEVAL_TRACING_ENABLED", false),
		TracingEndpoint: getEnv("LLMEVAL_TRACING_ENDPOINT", "localhost:4317"),
		TracingSampling: getEnvFloat("LLMEVAL_TRACING_SAMPLING", 1.0),

		Engine: Engine{
			ItemDelay:        getEnvDuration("LLMEVAL_ITEM_DELAY", 100*time.Millisecond),
			CallTimeout:      getEnvDuration("LLMEVAL_CALL_TIMEOUT", 120*time.Second),
			MaxRetries:       getEnvInt("LLMEVAL_MAX_RETRIES", 2),
			RunLockTTL:       getEnvDuration("LLMEVAL_RUN_LOCK_TTL", 6*time.Hour),
			ModelCatalogPath: getEnv("LLMEVAL_MODEL_CATALOG", ""),
			DefaultAPIKey:    getEnv("LLMEVAL_DEFAULT_API_KEY", ""),
			DefaultCostPer1K: getEnvFloat("LLMEVAL_DEFAULT_COST_PER_1K", 0.0006),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Base) Validate() error {
	if c.GRPCPort <= 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid grpc port %d", c.GRPCPort)
	}
	if c.Engine.ItemDelay < 0 {
		return fmt.Errorf("item delay must not be negative")
	}
	if c.Engine.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.StorageBackend == StorageSQLite && c.SQLitePath == "" {
		return fmt.Errorf("sqlite backend requires LLMEVAL_SQLITE_PATH")
	}
	return nil
}

// DatabaseDSN returns the connection string for the configured SQL backend.
func (c *Base) DatabaseDSN() string {
	if c.StorageBackend == StorageSQLite {
		return c.SQLitePath + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// DatabaseDriver returns the database/sql driver name for the backend.
func (c *Base) DatabaseDriver() string {
	if c.StorageBackend == StorageSQLite {
		return "sqlite3"
	}
	return "postgres"
}

// IsDevelopment returns true if running in development mode.
func (c *Base) IsDevelopment() bool {
	return c.Environment == "development"
}

// UseMemoryStorage returns true if using in-memory storage.
func (c *Base) UseMemoryStorage() bool {
	return c.StorageBackend == StorageMemory
}

// ProviderAPIKey returns the credential for a provider from the
// environment, falling back to LLM_API_KEY and then the configured default.
func (c *Base) ProviderAPIKey(provider string) string {
	var keys []string
	switch strings.ToLower(provider) {
	case "dashscope", "qwen":
		keys = []string{"DASHSCOPE_API_KEY", "QWEN_API_KEY"}
	case "openai":
		keys = []string{"OPENAI_API_KEY"}
	case "gemini":
		keys = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}
	case "ark", "volcengine":
		keys = []string{"ARK_API_KEY"}
	}
	keys = append(keys, "LLM_API_KEY")
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return c.Engine.DefaultAPIKey
}

func parseStorageBackend(s string) (StorageBackend, error) {
	switch strings.ToLower(s) {
	case "", "memory", "mem":
		return StorageMemory, nil
	case "postgres", "postgresql", "pg":
		return StoragePostgres, nil
	case "sqlite", "sqlite3":
		return StorageSQLite, nil
	default:
		return "", fmt.Errorf("unknown storage backend %q", s)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
