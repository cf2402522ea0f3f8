// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Stripe
	StripeWebhookSecret string        // Signing secret for checkout webhooks
	WebhookTolerance    time.Duration // Max signature timestamp skew

	// Providers
	ProviderTimeout   time.Duration
	OpenAIAPIKey      string
	OpenAIChatModel   string
	OpenAITTSModel    string
	GeminiAPIKey      string
	GeminiModel       string
	ElevenLabsAPIKey  string
	PollyBridgeURL    string // Deployed Polly bridge endpoint
	PollyBridgeToken  string // Shared x-worker-auth token for the bridge
	VoiceCacheTTL     time.Duration
	ReconcileInterval time.Duration

	// Security
	AdminSecret  string // Admin API secret (empty enables demo mode)
	RateLimitRPM int    // Requests per minute per client key
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultRateLimit         = 100
	DefaultOpenAIChatModel   = "gpt-3.5-turbo"
	DefaultOpenAITTSModel    = "gpt-4o-mini-tts"
	DefaultGeminiModel       = "gemini-2.5-flash"
	DefaultProviderTimeout   = 30 * time.Second
	DefaultWebhookTolerance  = 5 * time.Minute
	DefaultVoiceCacheTTL     = 10 * time.Minute
	DefaultReconcileInterval = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		WebhookTolerance:    getEnvDuration("WEBHOOK_TOLERANCE_SECONDS", DefaultWebhookTolerance),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT_SECONDS", DefaultProviderTimeout),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIChatModel:     getEnv("OPENAI_CHAT_MODEL", DefaultOpenAIChatModel),
		OpenAITTSModel:      getEnv("OPENAI_TTS_MODEL", DefaultOpenAITTSModel),
		GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
		GeminiModel:         getEnv("GEMINI_MODEL", DefaultGeminiModel),
		ElevenLabsAPIKey:    os.Getenv("ELEVENLABS_API_KEY"),
		PollyBridgeURL:      os.Getenv("POLLY_BRIDGE_URL"),
		PollyBridgeToken:    os.Getenv("POLLY_BRIDGE_TOKEN"),
		VoiceCacheTTL:       getEnvDuration("VOICE_CACHE_TTL_SECONDS", DefaultVoiceCacheTTL),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL_SECONDS", DefaultReconcileInterval),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}

	if c.IsProduction() && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT_SECONDS must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration reads a duration given in whole seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil && i > 0 {
			return time.Duration(i) * time.Second
		}
	}
	return defaultValue
}
