package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Telegram Bot configuration
	BotToken string

	// OpenAI configuration (optional; AI surfaces are disabled when the
	// key is empty)
	OpenAIAPIBase string
	OpenAIAPIKey  string
	OpenAIModel   string

	// Storage configuration
	DataDir string

	// Admin panel configuration
	AdminAddr string

	// Scheduling configuration
	DefaultTimezone  string
	TickInterval     time.Duration
	Horizon          time.Duration
	DispatchTimeout  time.Duration
	MaxAttempts      int
	RetryBackoffBase time.Duration
	MaxBackoff       time.Duration
	SessionDuration  time.Duration
	TaskRetention    time.Duration
	Workers          int
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	// Load .env file if it exists
	err := godotenv.Load()
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	cfg := &Config{}

	// Required configurations
	botToken := os.Getenv("BOT_TOKEN")
	if botToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN environment variable is required")
	}
	cfg.BotToken = botToken

	// Optional configurations with defaults
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAIAPIBase = getEnvWithDefault("OPENAI_API_BASE", "https://api.openai.com/v1")
	cfg.OpenAIModel = getEnvWithDefault("OPENAI_MODEL", "gpt-4o-mini")

	cfg.DataDir = getEnvWithDefault("DATA_DIR", "./data")
	cfg.AdminAddr = getEnvWithDefault("ADMIN_ADDR", ":8080")
	cfg.DefaultTimezone = getEnvWithDefault("DEFAULT_TIMEZONE", "UTC")

	cfg.TickInterval, err = getEnvDuration("TICK_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.Horizon, err = getEnvDuration("HORIZON", 14*24*time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.DispatchTimeout, err = getEnvDuration("DISPATCH_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.RetryBackoffBase, err = getEnvDuration("RETRY_BACKOFF_BASE", time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.MaxBackoff, err = getEnvDuration("MAX_BACKOFF", time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.SessionDuration, err = getEnvDuration("SESSION_DURATION", 4*time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.TaskRetention, err = getEnvDuration("TASK_RETENTION", 30*24*time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.MaxAttempts, err = getEnvInt("MAX_DISPATCH_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	cfg.Workers, err = getEnvInt("DISPATCH_WORKERS", 4)
	if err != nil {
		return nil, err
	}

	// Log configuration with sensitive data redacted
	logCfg := *cfg
	if len(logCfg.BotToken) > 8 {
		logCfg.BotToken = logCfg.BotToken[:8] + "...REDACTED..."
	}
	if len(logCfg.OpenAIAPIKey) > 8 {
		logCfg.OpenAIAPIKey = logCfg.OpenAIAPIKey[:8] + "...REDACTED..."
	}
	log.Printf("Configuration loaded: %+v", logCfg)
	return cfg, nil
}

// getEnvWithDefault returns the value of the environment variable or the default value
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
