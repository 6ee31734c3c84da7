package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for tokensync
type Config struct {
	// Redis configuration
	RedisURL string

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	DBSSLMode  string

	// RPC configuration: chain id to endpoint URLs
	RPCEndpoints map[int64][]string
	RPCRateLimit float64

	// Sync tunables
	BatchLimit        int
	MaxNarrowingDepth int
	MinCheckInterval  time.Duration
	SyncInterval      time.Duration
	CacheSize         int

	// Targets seeded into the queue at startup ("chain:contract:wallet:standard")
	Targets []string

	// Worker configuration
	MinWorkers int
	MaxWorkers int

	// Logging configuration
	LogLevel string

	// Metrics configuration
	MetricsPort string
}

// Load reads configuration from environment variables and validates it
func Load() (Config, error) {
	cfg := Config{
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBUser:      getEnv("DB_USER", ""),
		DBPassword:  getEnv("DB_PASSWORD", ""),
		DBName:      getEnv("DB_NAME", ""),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBSSLMode:   getEnv("DB_SSL_MODE", "disable"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MetricsPort: getEnv("METRICS_PORT", "9100"),
	}

	rpcEndpointsStr := getEnv("RPC_ENDPOINTS", "")
	if rpcEndpointsStr == "" {
		return cfg, fmt.Errorf("RPC_ENDPOINTS environment variable is required")
	}
	endpoints, err := ParseEndpoints(rpcEndpointsStr)
	if err != nil {
		return cfg, fmt.Errorf("invalid RPC_ENDPOINTS: %w", err)
	}
	cfg.RPCEndpoints = endpoints

	if targets := getEnv("SYNC_TARGETS", ""); targets != "" {
		for _, t := range strings.Split(targets, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.Targets = append(cfg.Targets, t)
			}
		}
	}

	if cfg.MinWorkers, err = parseIntEnv("MIN_WORKERS", 4); err != nil {
		return cfg, fmt.Errorf("invalid MIN_WORKERS: %w", err)
	}
	if cfg.MaxWorkers, err = parseIntEnv("MAX_WORKERS", 50); err != nil {
		return cfg, fmt.Errorf("invalid MAX_WORKERS: %w", err)
	}
	if cfg.BatchLimit, err = parseIntEnv("BATCH_LIMIT", 512); err != nil {
		return cfg, fmt.Errorf("invalid BATCH_LIMIT: %w", err)
	}
	if cfg.MaxNarrowingDepth, err = parseIntEnv("MAX_NARROWING_DEPTH", 16); err != nil {
		return cfg, fmt.Errorf("invalid MAX_NARROWING_DEPTH: %w", err)
	}
	if cfg.CacheSize, err = parseIntEnv("LRU_SIZE", 4096); err != nil {
		return cfg, fmt.Errorf("invalid LRU_SIZE: %w", err)
	}
	if cfg.MinCheckInterval, err = parseDurationEnv("MIN_CHECK_INTERVAL", 15*time.Second); err != nil {
		return cfg, fmt.Errorf("invalid MIN_CHECK_INTERVAL: %w", err)
	}
	if cfg.SyncInterval, err = parseDurationEnv("SYNC_INTERVAL", 2*time.Minute); err != nil {
		return cfg, fmt.Errorf("invalid SYNC_INTERVAL: %w", err)
	}
	if cfg.RPCRateLimit, err = parseFloatEnv("RPC_RATE_LIMIT", 10); err != nil {
		return cfg, fmt.Errorf("invalid RPC_RATE_LIMIT: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN builds the postgres connection string
func (c Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode,
	)
}

// ParseEndpoints parses "chainID=url" pairs separated by commas. A chain may
// appear more than once.
func ParseEndpoints(s string) (map[int64][]string, error) {
	endpoints := make(map[int64][]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idStr, url, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("entry %q must be chainID=url", entry)
		}
		chainID, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil || chainID <= 0 {
			return nil, fmt.Errorf("entry %q has an invalid chain id", entry)
		}
		url = strings.TrimSpace(url)
		if url == "" {
			return nil, fmt.Errorf("entry %q has an empty URL", entry)
		}
		endpoints[chainID] = append(endpoints[chainID], url)
	}
	return endpoints, nil
}

// validate checks that the configuration is valid
func (c Config) validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DBName == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	if len(c.RPCEndpoints) == 0 {
		return fmt.Errorf("at least one RPC endpoint is required")
	}

	if c.MinWorkers < 1 {
		return fmt.Errorf("MIN_WORKERS must be at least 1")
	}

	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("MAX_WORKERS must be greater than or equal to MIN_WORKERS")
	}

	if c.BatchLimit < 1 {
		return fmt.Errorf("BATCH_LIMIT must be at least 1")
	}

	if c.MaxNarrowingDepth < 1 {
		return fmt.Errorf("MAX_NARROWING_DEPTH must be at least 1")
	}

	if c.CacheSize < 1 {
		return fmt.Errorf("LRU_SIZE must be at least 1")
	}

	if c.RPCRateLimit <= 0 {
		return fmt.Errorf("RPC_RATE_LIMIT must be positive")
	}

	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
		"panic": true,
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be one of: trace, debug, info, warn, error, fatal, panic)", c.LogLevel)
	}

	return nil
}

// getEnv retrieves an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv parses an integer environment variable with a default value
func parseIntEnv(key string, defaultValue int) (int, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(str)
}

func parseFloatEnv(key string, defaultValue float64) (float64, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.ParseFloat(str, 64)
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(str)
}
