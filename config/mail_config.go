package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Environment string
	LogLevel    string

	// Gmail credentials
	CredentialsPath string
	TokenPath       string
	GmailUserID     string

	// Classification cache
	CacheDBPath string

	// Category rules
	CategoriesPath  string
	CustomRulesPath string

	// OpenAI (optional ML classifier)
	OpenAIAPIKey   string
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMTimeoutSec  int

	// Pipeline
	ClassifyWorkers int
	LabelBatchSize  int
	SearchPageSize  int

	// Retry policy
	RetryMaxAttempts     int
	RetryBaseDelay       time.Duration
	RetryConflictRetries int

	// Gmail quota guard
	RequestsPerSecond int
}

func Load() (*Config, error) {
	return &Config{
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Gmail credentials
		CredentialsPath: getEnv("GMAIL_CREDENTIALS_PATH", "credentials.json"),
		TokenPath:       getEnv("GMAIL_TOKEN_PATH", "token.json"),
		GmailUserID:     getEnv("GMAIL_USER_ID", "me"),

		// Classification cache
		CacheDBPath: getEnv("CACHE_DB_PATH", "email_cache.db"),

		// Category rules
		CategoriesPath:  getEnv("CATEGORIES_PATH", "email_categories.json"),
		CustomRulesPath: getEnv("CUSTOM_RULES_PATH", ""),

		// OpenAI
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 256),
		LLMTemperature: getEnvFloat("LLM_TEMPERATURE", 0.0),
		LLMTimeoutSec:  getEnvInt("LLM_TIMEOUT_SEC", 30),

		// Pipeline
		ClassifyWorkers: getEnvInt("CLASSIFY_WORKERS", 6),
		LabelBatchSize:  getEnvInt("LABEL_BATCH_SIZE", 100),
		SearchPageSize:  getEnvInt("SEARCH_PAGE_SIZE", 500),

		// Retry policy
		RetryMaxAttempts:     getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:       time.Duration(getEnvInt("RETRY_BASE_DELAY_MS", 500)) * time.Millisecond,
		RetryConflictRetries: getEnvInt("RETRY_CONFLICT_RETRIES", 2),

		// Gmail quota guard
		RequestsPerSecond: getEnvInt("GMAIL_REQUESTS_PER_SECOND", 20),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
