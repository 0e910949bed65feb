package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database. StoreDriver is "postgres" or "memory".
	StoreDriver string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// Redis config (idempotency + rate limiting)
	RedisHost          string
	RedisPort          int
	RedisPassword      string
	RedisDB            int
	RateLimitPerMinute int

	// Telegram channel
	TelegramBotToken string
	TelegramAPIURL   string
	TelegramTimeout  time.Duration

	// AWS Services
	AWSRegion         string
	SESFromEmail      string
	SNSRegion         string // AWS region for SNS (SMS + status events)
	SNSStatusTopicARN string // optional, status events are not published when empty

	// SQS appointment events
	SQSRegion         string
	SQSEventsQueueURL string
	SQSDLQURL         string

	// Webhook channel
	WebhookTimeout int // seconds

	// Dispatch
	BulkPacing      time.Duration // delay between bulk items
	BulkConcurrency int
	TemplatesFile   string // optional YAML with extra templates

	// Channel circuit breakers
	BreakerMaxFailures     int
	BreakerRecoveryTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first; real environment
// variables always win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     3003,
		LogLevel: "info",
		Env:      "development",

		StoreDriver: "postgres",
		DBHost:      "localhost",
		DBPort:      5432,
		DBUser:      "postgres",
		DBName:      "notifications",
		DBSSLMode:   "disable",

		RedisHost:          "localhost",
		RedisPort:          6379,
		RateLimitPerMinute: 100,

		TelegramAPIURL:  "https://api.telegram.org",
		TelegramTimeout: 10 * time.Second,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@clinic.local",

		WebhookTimeout: 30,

		BulkPacing:      100 * time.Millisecond,
		BulkConcurrency: 1,

		BreakerMaxFailures:     5,
		BreakerRecoveryTimeout: 30 * time.Second,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		cfg.StoreDriver = driver
	}
	if cfg.StoreDriver != "postgres" && cfg.StoreDriver != "memory" {
		return nil, fmt.Errorf("invalid STORE_DRIVER: %q", cfg.StoreDriver)
	}
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = intEnv("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return nil, err
	}

	// Telegram
	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if url := os.Getenv("TELEGRAM_API_URL"); url != "" {
		cfg.TelegramAPIURL = url
	}
	if cfg.TelegramTimeout, err = durationEnv("TELEGRAM_TIMEOUT", cfg.TelegramTimeout, time.Second); err != nil {
		return nil, err
	}

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}
	cfg.SNSStatusTopicARN = os.Getenv("SNS_STATUS_TOPIC_ARN")

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}
	cfg.SQSEventsQueueURL = os.Getenv("SQS_EVENTS_QUEUE_URL")
	cfg.SQSDLQURL = os.Getenv("SQS_DLQ_URL")

	// Webhook
	if cfg.WebhookTimeout, err = intEnv("WEBHOOK_TIMEOUT", cfg.WebhookTimeout); err != nil {
		return nil, err
	}

	// Dispatch
	if cfg.BulkPacing, err = durationEnv("BULK_PACING_MS", cfg.BulkPacing, time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.BulkConcurrency, err = intEnv("BULK_CONCURRENCY", cfg.BulkConcurrency); err != nil {
		return nil, err
	}
	if cfg.BulkConcurrency < 1 {
		return nil, fmt.Errorf("invalid BULK_CONCURRENCY: must be >= 1, got %d", cfg.BulkConcurrency)
	}
	cfg.TemplatesFile = os.Getenv("TEMPLATES_FILE")

	// Circuit breakers
	if cfg.BreakerMaxFailures, err = intEnv("BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return nil, err
	}
	if cfg.BreakerRecoveryTimeout, err = durationEnv("BREAKER_RECOVERY_SECONDS", cfg.BreakerRecoveryTimeout, time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// durationEnv reads an integer count of unit from key.
func durationEnv(key string, def, unit time.Duration) (time.Duration, error) {
	n, err := intEnv(key, int(def/unit))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}
