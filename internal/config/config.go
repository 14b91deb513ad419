package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tesseract-Nexus/go-shared/secrets"
)

// MarketplaceCredentials holds the application-level OAuth credentials for one
// marketplace. These are tenant independent.
type MarketplaceCredentials struct {
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	WebhookSecret string
	BaseURL       string
}

// Config holds all configuration for the marketplace sync service
type Config struct {
	// Server
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseURL string

	// Redis (queue, OAuth state, sweep lock). Empty means in-memory fallbacks.
	RedisURL string

	// GCP
	GCPProjectID       string
	SecretPrefix       string
	TokenEncryptionKey string

	// Marketplaces
	MercadoLivre MarketplaceCredentials
	Amazon       MarketplaceCredentials
	Shopee       MarketplaceCredentials

	AmazonMarketplaceIDs  []string
	AmazonRegion          string
	AmazonApplicationID   string
	ShopeePartnerID       int64
	DefaultCommissionRate float64
	AmazonCommissionRate  float64
	DefaultRateLimit      int // requests per second per marketplace

	// Webhooks
	StrictWebhookSignatures bool
	WebhookReplayGrace      time.Duration
	WebhookMaxReplays       int

	// Sync settings
	SyncPageSize       int
	SyncInterPageDelay time.Duration
	SyncDefaultWindow  time.Duration
	SyncLeaseDuration  time.Duration
	SyncTimeout        time.Duration
	SyncDedupeWindow   time.Duration
	SyncWindowOverlap  time.Duration
	TokenRefreshMargin time.Duration
	CostEstimateRatio  float64

	// Queue
	QueueWorkers       int
	QueuePollInterval  time.Duration
	JobAttempts        int
	SyncBackoffBase    time.Duration
	WebhookBackoffBase time.Duration
	WebhookJobTimeout  time.Duration

	// Concurrency
	MaxConcurrentPerTenant int

	// Cron
	CronSecret    string
	SweepInterval time.Duration

	// OAuth
	OAuthStateTTL time.Duration
}

// Load loads configuration from environment variables
func Load() *Config {
	databaseURL := getEnv("DATABASE_URL", "")
	if databaseURL == "" {
		dbHost := getEnv("DB_HOST", "localhost")
		dbPort := getEnv("DB_PORT", "5432")
		dbUser := getEnv("DB_USER", "postgres")
		dbPassword := secrets.GetDBPassword()
		dbName := getEnv("DB_NAME", "marketplace_sync")
		dbSSLMode := getEnv("DB_SSLMODE", "disable")

		databaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			dbUser, dbPassword, dbHost, dbPort, dbName, dbSSLMode)
	}

	return &Config{
		Port:        getEnv("PORT", "8099"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: databaseURL,
		RedisURL:    getEnv("REDIS_URL", ""),

		GCPProjectID:       getEnv("GCP_PROJECT_ID", ""),
		SecretPrefix:       getEnv("MARKETPLACE_SECRET_PREFIX", "marketplace-app"),
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		MercadoLivre: MarketplaceCredentials{
			ClientID:      getEnv("MERCADO_LIVRE_CLIENT_ID", ""),
			ClientSecret:  getEnv("MERCADO_LIVRE_CLIENT_SECRET", ""),
			RedirectURI:   getEnv("MERCADO_LIVRE_REDIRECT_URI", ""),
			WebhookSecret: getEnv("MERCADO_LIVRE_WEBHOOK_SECRET", ""),
			BaseURL:       getEnv("MERCADO_LIVRE_API_URL", ""),
		},
		Amazon: MarketplaceCredentials{
			ClientID:      getEnv("AMAZON_CLIENT_ID", ""),
			ClientSecret:  getEnv("AMAZON_CLIENT_SECRET", ""),
			RedirectURI:   getEnv("AMAZON_REDIRECT_URI", ""),
			WebhookSecret: getEnv("AMAZON_WEBHOOK_SECRET", ""),
			BaseURL:       getEnv("AMAZON_API_URL", ""),
		},
		Shopee: MarketplaceCredentials{
			ClientID:      getEnv("SHOPEE_PARTNER_ID", ""),
			ClientSecret:  getEnv("SHOPEE_PARTNER_KEY", ""),
			RedirectURI:   getEnv("SHOPEE_REDIRECT_URI", ""),
			WebhookSecret: getEnv("SHOPEE_WEBHOOK_SECRET", ""),
			BaseURL:       getEnv("SHOPEE_API_URL", ""),
		},

		AmazonMarketplaceIDs:  getEnvAsList("AMAZON_MARKETPLACE_IDS", []string{"A2Q3Y263D00KWC"}),
		AmazonRegion:          getEnv("AMAZON_REGION", "na"),
		AmazonApplicationID:   getEnv("AMAZON_APPLICATION_ID", ""),
		ShopeePartnerID:       int64(getEnvAsInt("SHOPEE_PARTNER_ID", 0)),
		DefaultCommissionRate: getEnvAsFloat("DEFAULT_COMMISSION_RATE", 0.16),
		AmazonCommissionRate:  getEnvAsFloat("AMAZON_COMMISSION_RATE", 0.15),
		DefaultRateLimit:      getEnvAsInt("DEFAULT_RATE_LIMIT", 5),

		StrictWebhookSignatures: getEnvAsBool("WEBHOOK_STRICT_SIGNATURES", false),
		WebhookReplayGrace:      getEnvAsDuration("WEBHOOK_REPLAY_GRACE", 10*time.Minute),
		WebhookMaxReplays:       getEnvAsInt("WEBHOOK_MAX_REPLAYS", 5),

		SyncPageSize:       getEnvAsInt("SYNC_PAGE_SIZE", 50),
		SyncInterPageDelay: getEnvAsDuration("SYNC_INTER_PAGE_DELAY", time.Second),
		SyncDefaultWindow:  getEnvAsDuration("SYNC_DEFAULT_WINDOW", 30*24*time.Hour),
		SyncLeaseDuration:  getEnvAsDuration("SYNC_LEASE_DURATION", 15*time.Minute),
		SyncTimeout:        getEnvAsDuration("SYNC_TIMEOUT", 30*time.Minute),
		SyncDedupeWindow:   getEnvAsDuration("SYNC_DEDUPE_WINDOW", time.Minute),
		SyncWindowOverlap:  getEnvAsDuration("SYNC_WINDOW_OVERLAP", time.Hour),
		TokenRefreshMargin: getEnvAsDuration("TOKEN_REFRESH_MARGIN", 5*time.Minute),
		CostEstimateRatio:  getEnvAsFloat("COST_ESTIMATE_RATIO", 0.6),

		QueueWorkers:       getEnvAsInt("QUEUE_WORKERS", 4),
		QueuePollInterval:  getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Second),
		JobAttempts:        getEnvAsInt("JOB_ATTEMPTS", 3),
		SyncBackoffBase:    getEnvAsDuration("SYNC_BACKOFF_BASE", 5*time.Second),
		WebhookBackoffBase: getEnvAsDuration("WEBHOOK_BACKOFF_BASE", time.Second),
		WebhookJobTimeout:  getEnvAsDuration("WEBHOOK_JOB_TIMEOUT", 2*time.Minute),

		MaxConcurrentPerTenant: getEnvAsInt("MAX_CONCURRENT_SYNCS_PER_TENANT", 3),

		CronSecret:    getEnv("CRON_SECRET", ""),
		SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", 0),

		OAuthStateTTL: getEnvAsDuration("OAUTH_STATE_TTL", 10*time.Minute),
	}
}

// Validate reports configuration that would make the service unusable.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.CostEstimateRatio < 0 || c.CostEstimateRatio > 1 {
		errs = append(errs, fmt.Errorf("COST_ESTIMATE_RATIO must be within [0,1], got %v", c.CostEstimateRatio))
	}
	if c.JobAttempts < 1 {
		errs = append(errs, errors.New("JOB_ATTEMPTS must be at least 1"))
	}
	if c.SyncPageSize < 1 {
		errs = append(errs, errors.New("SYNC_PAGE_SIZE must be at least 1"))
	}
	if c.IsProduction() && !c.StrictWebhookSignatures {
		errs = append(errs, errors.New("WEBHOOK_STRICT_SIGNATURES must be enabled in production"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
