// Package config loads client settings from .env and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	APIBaseURL       string
	APIPrefix        string
	AuthURL          string
	AuthClientID     string
	AuthClientSecret string
	PageSize         int
	RequestTimeout   time.Duration
	TokenStoreType   string
	TokenStorePath   string
	LogLevel         string
}

// Load reads .env if present and then the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, relying on environment variables")
	}

	base := strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8000"), "/")
	return &Config{
		APIBaseURL:       base,
		APIPrefix:        getEnv("API_PREFIX", "/api/bonsais"),
		AuthURL:          strings.TrimRight(getEnv("AUTH_URL", base+"/auth"), "/"),
		AuthClientID:     getEnv("AUTH_CLIENT_ID", "bonsaiway"),
		AuthClientSecret: getEnv("AUTH_CLIENT_SECRET", ""),
		PageSize:         getEnvAsInt("PAGE_SIZE", 5),
		RequestTimeout:   time.Duration(getEnvAsInt("REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
		TokenStoreType:   getEnv("TOKEN_STORE_TYPE", "memory"),
		TokenStorePath:   getEnv("TOKEN_STORE_PATH", ""),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
}

// Validate reports settings the client cannot start with.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("API_BASE_URL is required")
	}
	if _, err := url.ParseRequestURI(c.APIBaseURL); err != nil {
		return fmt.Errorf("API_BASE_URL is not a valid URL: %w", err)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive, got %s", c.RequestTimeout)
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
