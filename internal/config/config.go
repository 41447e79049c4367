// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// GracePeriod is the window after a transport disconnect during which a
	// reconnect resumes the same session instead of finalizing it.
	GracePeriod time.Duration

	// ToolTimeout bounds a single tool handler invocation.
	ToolTimeout time.Duration

	// MaxToolRounds caps provider tool rounds within one user turn.
	MaxToolRounds int

	// AppendMaxRetries bounds event append retries on transient store errors.
	AppendMaxRetries int

	Provider ProviderConfig
}

// ProviderConfig holds model-provider settings.
type ProviderConfig struct {
	APIKey           string
	Model            string
	SystemPrompt     string
	SummaryMaxTokens int
}

// DefaultSystemPrompt seeds every new conversation.
const DefaultSystemPrompt = "You are a helpful AI assistant. You have access to tools that you can use to help answer questions."

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/conversations.db"),
		GracePeriod:      getEnvDuration("GRACE_PERIOD", 5*time.Second),
		ToolTimeout:      getEnvDuration("TOOL_TIMEOUT", 10*time.Second),
		MaxToolRounds:    getEnvInt("MAX_TOOL_ROUNDS", 8),
		AppendMaxRetries: getEnvInt("APPEND_MAX_RETRIES", 5),
		Provider: ProviderConfig{
			APIKey:           getEnv("OPENAI_API_KEY", ""),
			Model:            getEnv("OPENAI_MODEL", "gpt-4-turbo-preview"),
			SystemPrompt:     getEnv("SYSTEM_PROMPT", DefaultSystemPrompt),
			SummaryMaxTokens: getEnvInt("SUMMARY_MAX_TOKENS", 150),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("GRACE_PERIOD must be > 0")
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("TOOL_TIMEOUT must be > 0")
	}
	if c.MaxToolRounds <= 0 {
		return fmt.Errorf("MAX_TOOL_ROUNDS must be > 0")
	}
	if c.AppendMaxRetries <= 0 {
		return fmt.Errorf("APPEND_MAX_RETRIES must be > 0")
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("OPENAI_MODEL cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
