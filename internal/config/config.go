package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	// Shared secret for the scheduled outcome-resolver endpoint.
	JobSecret string
	// HMAC secret for admin endpoints.
	AdminJWTSecret string

	// Outcome resolver tuning.
	ResolverGraceMinutes int
	ResolverBatchLimit   int
	BackfillBatchLimit   int

	// Slot recovery tuning.
	OfferTTL       time.Duration
	OfferFanout    int
	AcceptLockTTL  time.Duration
	AcceptCooldown time.Duration
	ExcludeRiskTier bool

	// Payment gateway (Square-compatible API).
	SquareBaseURL     string
	SquareAccessToken string
	SquareWebhookKey  string
	DepositAmountCents int
	Currency           string

	// Redis (acceptance locks + cooldowns).
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Dispatch queue.
	UseMemoryQueue   bool
	DispatchQueueURL string

	// AWS (SQS dispatch queue, SES email).
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Outbound notifications.
	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
	SESFromName       string
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string

	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		JobSecret:      getEnv("JOB_SECRET", ""),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		ResolverGraceMinutes: getEnvAsInt("RESOLVER_GRACE_MINUTES", 30),
		ResolverBatchLimit:   getEnvAsInt("RESOLVER_BATCH_LIMIT", 200),
		BackfillBatchLimit:   getEnvAsInt("BACKFILL_BATCH_LIMIT", 50),

		OfferTTL:        getEnvAsDuration("OFFER_TTL", 15*time.Minute),
		OfferFanout:     getEnvAsInt("OFFER_FANOUT", 3),
		AcceptLockTTL:   getEnvAsDuration("ACCEPT_LOCK_TTL", 10*time.Second),
		AcceptCooldown:  getEnvAsDuration("ACCEPT_COOLDOWN", 24*time.Hour),
		ExcludeRiskTier: getEnvAsBool("EXCLUDE_RISK_TIER", false),

		SquareBaseURL:      getEnv("SQUARE_BASE_URL", ""),
		SquareAccessToken:  getEnv("SQUARE_ACCESS_TOKEN", ""),
		SquareWebhookKey:   getEnv("SQUARE_WEBHOOK_SIGNATURE_KEY", ""),
		DepositAmountCents: getEnvAsInt("DEPOSIT_AMOUNT_CENTS", 5000),
		Currency:           getEnv("CURRENCY", "USD"),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		UseMemoryQueue:   getEnvAsBool("USE_MEMORY_QUEUE", false),
		DispatchQueueURL: getEnv("DISPATCH_QUEUE_URL", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "sendgrid"))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "BookFlow"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SESFromName:       getEnv("SES_FROM_NAME", "BookFlow"),
		TwilioAccountSID:  getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:   getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:  getEnv("TWILIO_FROM_NUMBER", ""),

		CORSAllowedOrigins: splitAndTrim(getEnv("CORS_ALLOWED_ORIGINS", "")),
	}
}

// IsProduction reports whether the app runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitAndTrim(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
