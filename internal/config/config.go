// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir         string  // Base directory for all databases (always absolute)
	Port            int     // HTTP listen port
	LogLevel        string  // debug, info, warn, error
	DevMode         bool    // Pretty console logging when true
	PriceTTLSeconds int     // Snapshot cache TTL for price series
	ProbeTicker     string  // Ticker used to detect new data days
	RiskFreeRate    float64 // Annual risk-free rate as a decimal
	DefaultCostBps  float64 // Default turnover cost in basis points
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Resolve the data directory to an absolute path and make sure it
	// exists before any database is opened under it.
	dataDir := getEnv("FORGE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:         absDataDir,
		Port:            getEnvAsInt("FORGE_PORT", 8090),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DevMode:         getEnvAsBool("DEV_MODE", false),
		PriceTTLSeconds: getEnvAsInt("FORGE_PRICE_TTL_SECONDS", 300),
		ProbeTicker:     getEnv("FORGE_PROBE_TICKER", "SPY"),
		RiskFreeRate:    getEnvAsFloat("FORGE_RISK_FREE_RATE", 0.04),
		DefaultCostBps:  getEnvAsFloat("FORGE_DEFAULT_COST_BPS", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and sane
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.PriceTTLSeconds < 0 {
		return fmt.Errorf("price TTL must be non-negative, got %d", c.PriceTTLSeconds)
	}
	if c.RiskFreeRate < 0 || c.RiskFreeRate > 1 {
		return fmt.Errorf("risk-free rate must be a decimal in [0,1], got %f", c.RiskFreeRate)
	}
	if c.ProbeTicker == "" {
		return fmt.Errorf("probe ticker must not be empty")
	}
	return nil
}

// CacheDBPath returns the result-cache database file path.
func (c *Config) CacheDBPath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// PricesDBPath returns the prices database file path.
func (c *Config) PricesDBPath() string {
	return filepath.Join(c.DataDir, "prices.db")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
