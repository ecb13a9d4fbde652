package config

import (
	"dify-gateway/internal/logger"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// AppConfig holds all application configuration
type AppConfig struct {
	Server   ServerConfig
	Database DatabaseConfig
	Upstream UpstreamConfig
	Billing  BillingConfig
	Context  ContextConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port string
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// UpstreamConfig holds the Dify API configuration
type UpstreamConfig struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	StreamTimeout   time.Duration
	WorkflowTimeout time.Duration
	MaxRetries      int
}

// BillingConfig holds the billing tunables.
// ProfitMargin and ExchangeRate are deliberate business constants surfaced
// here so they are configuration, not magic numbers buried in the engine.
type BillingConfig struct {
	// ExchangeRate is the number of account credits per USD.
	ExchangeRate float64
	// ProfitMargin is the multiplier applied to the upstream cost.
	ProfitMargin float64
	// DefaultUnitPrice is the USD price per token used when the upstream
	// reports tokens without a price.
	DefaultUnitPrice float64
	// GuestSeedCredits is the in-memory balance granted to callers that
	// cannot be matched to a registered account.
	GuestSeedCredits int
}

// ContextConfig holds conversation-context budgeting configuration
type ContextConfig struct {
	MaxContextTokens int
}

// LoadConfig loads and validates application configuration from environment
func LoadConfig() (*AppConfig, error) {
	config := &AppConfig{}

	// Load Server config
	config.Server = ServerConfig{
		Port: getEnvOrDefault("SERVER_PORT", "8080"),
	}

	// Load Database config
	config.Database = DatabaseConfig{
		Host:     getEnvOrDefault("DB_HOST", "postgres"),
		Port:     getEnvOrDefault("DB_PORT", "5432"),
		User:     getEnvOrDefault("DB_USER", "postgres"),
		Password: getEnvOrDefault("DB_PASSWORD", "postgres"),
		Name:     getEnvOrDefault("DB_NAME", "difygateway"),
		SSLMode:  getEnvOrDefault("DB_SSLMODE", "disable"),
	}

	// Load Upstream config
	apiKey := os.Getenv("DIFY_API_KEY")
	if apiKey == "" {
		logger.Log.Warn("DIFY_API_KEY environment variable not set")
	}

	baseURL := os.Getenv("DIFY_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("DIFY_BASE_URL environment variable must be set")
	}

	config.Upstream = UpstreamConfig{
		BaseURL:         baseURL,
		APIKey:          apiKey,
		Timeout:         getEnvAsDuration("DIFY_TIMEOUT", 30*time.Second),
		StreamTimeout:   getEnvAsDuration("DIFY_STREAM_TIMEOUT", 120*time.Second),
		WorkflowTimeout: getEnvAsDuration("DIFY_WORKFLOW_TIMEOUT", 60*time.Second),
		MaxRetries:      getEnvAsInt("DIFY_MAX_RETRIES", 2),
	}

	// Load Billing config
	config.Billing = BillingConfig{
		ExchangeRate:     getEnvAsFloat("BILLING_EXCHANGE_RATE", 10000),
		ProfitMargin:     getEnvAsFloat("BILLING_PROFIT_MARGIN", 1.25),
		DefaultUnitPrice: getEnvAsFloat("BILLING_DEFAULT_UNIT_PRICE", 0.000002175),
		GuestSeedCredits: getEnvAsInt("GUEST_SEED_CREDITS", 10000),
	}

	// Load Context config
	config.Context = ContextConfig{
		MaxContextTokens: getEnvAsInt("MAX_CONTEXT_TOKENS", 6000),
	}

	return config, nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Helper functions for environment variable parsing

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{"key": key, "default": defaultValue}).Warn("Invalid integer value, using default")
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{"key": key, "default": defaultValue}).Warn("Invalid float value, using default")
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{"key": key, "default": defaultValue}).Warn("Invalid duration value, using default")
		return defaultValue
	}
	return value
}
