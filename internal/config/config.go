package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerURL   string
	SessionFile string
	UserID      string
	AccessToken string
	DeviceID    string

	PageSize      int
	RetryAttempts int
	RetryDelay    time.Duration
	DedupWindow   time.Duration
	LogLevel      string
}

func Load() (*Config, error) {
	retryDelay, err := time.ParseDuration(getEnv("RETRY_DELAY", "1s"))
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_DELAY: %w", err)
	}
	dedupWindow, err := time.ParseDuration(getEnv("DEDUP_WINDOW", "30m"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEDUP_WINDOW: %w", err)
	}
	pageSize, err := strconv.Atoi(getEnv("PAGE_SIZE", "50"))
	if err != nil {
		return nil, fmt.Errorf("invalid PAGE_SIZE: %w", err)
	}
	retryAttempts, err := strconv.Atoi(getEnv("RETRY_ATTEMPTS", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_ATTEMPTS: %w", err)
	}

	cfg := &Config{
		ServerURL:     getEnv("VESTNIK_SERVER", "ws://localhost:8448/sync"),
		SessionFile:   getEnv("VESTNIK_SESSION", "vestnik.db"),
		UserID:        os.Getenv("VESTNIK_USER"),
		AccessToken:   os.Getenv("VESTNIK_TOKEN"),
		DeviceID:      getEnv("VESTNIK_DEVICE", "vestnik-cli"),
		PageSize:      pageSize,
		RetryAttempts: retryAttempts,
		RetryDelay:    retryDelay,
		DedupWindow:   dedupWindow,
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("VESTNIK_SERVER is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be greater than 0")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must be greater than 0")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("RETRY_DELAY must be greater than 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
