package config

import (
	"errors"
	"os"
	"time"
)

type Config struct {
	ServerPort    string
	DatabaseURL   string
	RedisURL      string
	JWTSecret     string
	StoreTimeout  time.Duration
	FlushInterval time.Duration
	LogLevel      string
}

func LoadConfig() (*Config, error) {
	storeTimeout, err := time.ParseDuration(getEnv("STORE_TIMEOUT", "5s"))
	if err != nil {
		return nil, errors.New("invalid STORE_TIMEOUT format")
	}
	flushInterval, err := time.ParseDuration(getEnv("FLUSH_INTERVAL", "30s"))
	if err != nil {
		return nil, errors.New("invalid FLUSH_INTERVAL format")
	}

	cfg := &Config{
		ServerPort:    getEnv("SERVER_PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		StoreTimeout:  storeTimeout,
		FlushInterval: flushInterval,
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
