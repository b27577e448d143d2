package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Jobs backends.
const (
	JobsBackendLocal = "local"
	JobsBackendAsynq = "asynq"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	Google struct {
		ClientID     string
		ClientSecret string
	}

	Webhook struct {
		Path      string
		RateLimit float64
		Burst     int
	}

	Subscription struct {
		LeadTime     time.Duration
		TTL          time.Duration
		ExpiredGrace time.Duration
	}

	Sync struct {
		LockTTL   time.Duration
		Workers   int
		QueueSize int
		Timeout   time.Duration
	}

	Provider struct {
		Timeout           time.Duration
		RetryAttempts     int
		RetryBase         time.Duration
		TokenSafetyMargin time.Duration
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	Jobs struct {
		Backend string
	}

	Log struct {
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	TokenEncryptionKey string
	PrometheusEnabled  bool
	TrustedProxies     []string
}

// WebhookURL is the externally reachable address handed to providers when a
// push channel is created.
func (c *Config) WebhookURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.Webhook.Path
}

// Load reads APP_* settings from the environment, after merging an optional
// .env file from the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{}
	cfg.ListenAddr = v.GetString("LISTEN_ADDR")
	cfg.BaseURL = v.GetString("BASE_URL")
	cfg.DB.DSN = v.GetString("DB_DSN")

	if cfg.DB.DSN == "" {
		host := v.GetString("DB_HOST")
		name := v.GetString("DB_NAME")
		user := v.GetString("DB_USER")
		password := v.GetString("DB_PASSWORD")
		port := v.GetString("DB_PORT")
		sslmode := v.GetString("DB_SSLMODE")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.Google.ClientID = v.GetString("GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = v.GetString("GOOGLE_CLIENT_SECRET")

	cfg.Webhook.Path = v.GetString("WEBHOOK_PATH")
	cfg.Webhook.RateLimit = v.GetFloat64("WEBHOOK_RATE_LIMIT")
	cfg.Webhook.Burst = v.GetInt("WEBHOOK_BURST")

	cfg.Subscription.LeadTime = v.GetDuration("SUBSCRIPTION_LEAD_TIME")
	cfg.Subscription.TTL = v.GetDuration("SUBSCRIPTION_TTL")
	cfg.Subscription.ExpiredGrace = v.GetDuration("SUBSCRIPTION_EXPIRED_GRACE")

	cfg.Sync.LockTTL = v.GetDuration("SYNC_LOCK_TTL")
	cfg.Sync.Workers = v.GetInt("SYNC_WORKERS")
	cfg.Sync.QueueSize = v.GetInt("SYNC_QUEUE_SIZE")
	cfg.Sync.Timeout = v.GetDuration("SYNC_TIMEOUT")

	cfg.Provider.Timeout = v.GetDuration("PROVIDER_TIMEOUT")
	cfg.Provider.RetryAttempts = v.GetInt("RETRY_ATTEMPTS")
	cfg.Provider.RetryBase = v.GetDuration("RETRY_BASE")
	cfg.Provider.TokenSafetyMargin = v.GetDuration("TOKEN_SAFETY_MARGIN")

	cfg.Redis.Addr = v.GetString("REDIS_ADDR")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Jobs.Backend = strings.ToLower(v.GetString("JOBS_BACKEND"))

	cfg.Log.File = v.GetString("LOG_FILE")
	cfg.Log.MaxSizeMB = v.GetInt("LOG_MAX_SIZE_MB")
	cfg.Log.MaxBackups = v.GetInt("LOG_MAX_BACKUPS")
	cfg.Log.MaxAgeDays = v.GetInt("LOG_MAX_AGE_DAYS")

	cfg.TokenEncryptionKey = v.GetString("TOKEN_ENCRYPTION_KEY")
	cfg.PrometheusEnabled = v.GetBool("PROMETHEUS_ENDPOINT_ENABLED")
	cfg.TrustedProxies = splitList(v.GetString("TRUSTED_PROXIES"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. calsync will trust all proxies - Not recommended for public environments.")
	}
	if cfg.TokenEncryptionKey == "" {
		fmt.Println("WARNING: No APP_TOKEN_ENCRYPTION_KEY configured. OAuth tokens will be stored unencrypted.")
	}
	if !strings.HasPrefix(cfg.BaseURL, "https://") {
		fmt.Println("WARNING: APP_BASE_URL is not https. Google only delivers push notifications to https addresses.")
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DB.DSN == "" {
		return errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		return fmt.Errorf("google oauth configuration is required: client id and secret")
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		return fmt.Errorf("APP_WEBHOOK_PATH must start with / (got %q)", c.Webhook.Path)
	}
	if c.Subscription.LeadTime <= 0 {
		return errors.New("APP_SUBSCRIPTION_LEAD_TIME must be positive")
	}
	if c.Subscription.TTL > 0 && c.Subscription.TTL <= c.Subscription.LeadTime {
		return fmt.Errorf("APP_SUBSCRIPTION_TTL (%s) must exceed APP_SUBSCRIPTION_LEAD_TIME (%s)", c.Subscription.TTL, c.Subscription.LeadTime)
	}
	if c.Provider.RetryAttempts < 1 {
		return errors.New("APP_RETRY_ATTEMPTS must be at least 1")
	}
	if c.Sync.Workers < 1 {
		return errors.New("APP_SYNC_WORKERS must be at least 1")
	}
	switch c.Jobs.Backend {
	case JobsBackendLocal:
	case JobsBackendAsynq:
		if c.Redis.Addr == "" {
			return errors.New("APP_REDIS_ADDR is required when APP_JOBS_BACKEND=asynq")
		}
	default:
		return fmt.Errorf("unknown APP_JOBS_BACKEND %q (want local or asynq)", c.Jobs.Backend)
	}
	if c.TokenEncryptionKey != "" && len(c.TokenEncryptionKey) < 32 {
		return fmt.Errorf("APP_TOKEN_ENCRYPTION_KEY must be at least 32 characters long (got %d)", len(c.TokenEncryptionKey))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("BASE_URL", "http://localhost:8080")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("WEBHOOK_PATH", "/google/calendar/notifications")
	v.SetDefault("WEBHOOK_RATE_LIMIT", 20)
	v.SetDefault("WEBHOOK_BURST", 50)
	v.SetDefault("SUBSCRIPTION_LEAD_TIME", "24h")
	v.SetDefault("SUBSCRIPTION_TTL", "168h")
	v.SetDefault("SUBSCRIPTION_EXPIRED_GRACE", "0s")
	v.SetDefault("SYNC_LOCK_TTL", "5m")
	v.SetDefault("SYNC_WORKERS", 4)
	v.SetDefault("SYNC_QUEUE_SIZE", 256)
	v.SetDefault("SYNC_TIMEOUT", "2m")
	v.SetDefault("PROVIDER_TIMEOUT", "15s")
	v.SetDefault("RETRY_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE", "200ms")
	v.SetDefault("TOKEN_SAFETY_MARGIN", "60s")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("JOBS_BACKEND", JobsBackendLocal)
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)
	v.SetDefault("PROMETHEUS_ENDPOINT_ENABLED", false)
}

func splitList(v string) []string {
	var result []string
	for _, item := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

