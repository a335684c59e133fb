package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

var ErrEmptyEnvironmentVariable = errors.New("empty environment variable")

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Sync     SyncConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string
	Username string
	Password string
	Name     string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
	// BaseURL is used to render example postback URLs for administrators.
	// It plays no role in ingestion itself.
	BaseURL string
}

// SyncConfig holds defaults for the house API polling sync
type SyncConfig struct {
	DefaultIntervalMinutes int // used when a house has no sync interval configured
	HTTPTimeoutSeconds     int // timeout for outbound house API calls
	LookbackDays           int // dateFrom window for houses that have never synced
}

// Load reads and validates all required environment variables
func Load() (*Config, error) {
	// Load env.local in non-production environments
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load("env.local"); err != nil {
			return nil, fmt.Errorf("failed to load env.local: %w", err)
		}
	}

	cfg := &Config{}

	// Database configuration
	var err error
	if cfg.Database.Host, err = requireEnv("DB_HOST"); err != nil {
		return nil, err
	}
	if cfg.Database.Username, err = requireEnv("DB_USERNAME"); err != nil {
		return nil, err
	}
	if cfg.Database.Password, err = requireEnv("DB_PASSWORD"); err != nil {
		return nil, err
	}
	if cfg.Database.Name, err = requireEnv("DB_NAME"); err != nil {
		return nil, err
	}

	// Server configuration
	serverPort, err := requireEnv("SERVER_PORT")
	if err != nil {
		return nil, err
	}
	cfg.Server.Port, err = strconv.Atoi(serverPort)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SERVER_PORT: %w", err)
	}
	cfg.Server.BaseURL = getEnvWithDefault("BASE_URL", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))

	// Sync configuration
	defaultInterval := getEnvWithDefault("SYNC_DEFAULT_INTERVAL_MINUTES", "30")
	cfg.Sync.DefaultIntervalMinutes, err = strconv.Atoi(defaultInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SYNC_DEFAULT_INTERVAL_MINUTES: %w", err)
	}

	httpTimeout := getEnvWithDefault("SYNC_HTTP_TIMEOUT_SECONDS", "15")
	cfg.Sync.HTTPTimeoutSeconds, err = strconv.Atoi(httpTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SYNC_HTTP_TIMEOUT_SECONDS: %w", err)
	}

	lookbackDays := getEnvWithDefault("SYNC_LOOKBACK_DAYS", "7")
	cfg.Sync.LookbackDays, err = strconv.Atoi(lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SYNC_LOOKBACK_DAYS: %w", err)
	}

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s",
		c.Username, c.Password, c.Host, c.Name)
}

// requireEnv retrieves an environment variable or returns an error if empty
func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is not set: %w", key, ErrEmptyEnvironmentVariable)
	}
	return value, nil
}

// getEnvWithDefault retrieves an environment variable or returns a default value
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
