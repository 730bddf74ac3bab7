package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Server   ServerConfig
	Backend  BackendConfig
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr        string
	ReadTimeout time.Duration
	// WriteTimeout defaults to 0: token streams over long-lived
	// websocket connections must not be cut off by the server.
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// BackendConfig selects and tunes the reply backend. The backend mode
// is decided once at startup from OPENAI_API_KEY presence and never
// mixed within a run.
type BackendConfig struct {
	OpenAIKey       string //nolint:gosec // G117: API credential config
	Model           string
	MockChunkSize   int
	MockStreamDelay time.Duration
	ToolLatency     time.Duration
}

// Mock reports whether the deterministic local backend is selected.
func (b *BackendConfig) Mock() bool {
	return b.OpenAIKey == ""
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("CHATRELAY_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("CHATRELAY_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("CHATRELAY_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("CHATRELAY_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("CHATRELAY_SERVER_WRITE_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	chunkSize, err := getEnvInt("CHATRELAY_MOCK_CHUNK_SIZE", 3)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	streamDelay, err := getEnvDuration("CHATRELAY_MOCK_STREAM_DELAY", 20*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	toolLatency, err := getEnvDuration("CHATRELAY_TOOL_LATENCY", 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("CHATRELAY_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("CHATRELAY_DB_USER", "chatrelay"),
			Password: getEnv("CHATRELAY_DB_PASSWORD", ""),
			DBName:   getEnv("CHATRELAY_DB_NAME", "chatrelay_dev"),
			SSLMode:  getEnv("CHATRELAY_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("CHATRELAY_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("CHATRELAY_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Server: ServerConfig{
			Addr:         getEnv("CHATRELAY_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  getEnvList("CHATRELAY_CORS_ORIGINS", []string{"*"}),
		},
		Backend: BackendConfig{
			OpenAIKey:       strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			Model:           getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			MockChunkSize:   chunkSize,
			MockStreamDelay: streamDelay,
			ToolLatency:     toolLatency,
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("CHATRELAY_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("CHATRELAY_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("CHATRELAY_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("CHATRELAY_SERVER_WRITE_TIMEOUT must be >= 0, got %s", c.Server.WriteTimeout)
	}
	if c.Backend.MockChunkSize < 1 {
		return fmt.Errorf("CHATRELAY_MOCK_CHUNK_SIZE must be >= 1, got %d", c.Backend.MockChunkSize)
	}
	if c.Backend.MockStreamDelay < 0 {
		return fmt.Errorf("CHATRELAY_MOCK_STREAM_DELAY must be >= 0, got %s", c.Backend.MockStreamDelay)
	}
	if c.Backend.ToolLatency < 0 {
		return fmt.Errorf("CHATRELAY_TOOL_LATENCY must be >= 0, got %s", c.Backend.ToolLatency)
	}
	if !c.Backend.Mock() && c.Backend.Model == "" {
		return fmt.Errorf("OPENAI_MODEL must not be empty when OPENAI_API_KEY is set")
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
