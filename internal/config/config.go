package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// STORE selects postgres or the in-memory store for local runs
	Store string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis; empty host disables the batch lock, idempotency and rate limiting
	RedisHost      string
	RedisPort      int
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	RateLimit      int

	// SQS dispatch jobs; empty queue URL runs dispatch in-process
	SQSRegion   string
	SQSQueueURL string

	// AWS services
	AWSRegion    string
	SNSRegion    string
	SNSTopicARN  string
	SNSSenderID  string
	SESFromEmail string
	ReportEmail  string

	// Outbound channel
	Channel               string
	WhatsAppWebhookURL    string
	WhatsAppWebhookToken  string
	WhatsAppInstance      string
	WebhookTimeout        int
	BreakerMaxFailures    int
	BreakerRecoverSeconds int

	// Message generation
	AIEnabled    bool
	OpenAIAPIKey string
	OpenAIModel  string

	// Actor extraction
	JWTSecret         string
	JWTIssuer         string
	AllowActorHeaders bool

	// Engine
	DefaultSendIntervalSeconds int
	CriticalAgeDays            int
	DedupeWindowHours          int
	SchedulerGenerateMessages  bool
	QueuePollSeconds           int
	QueueBatchSize             int
}

// SendInterval is the default pause between two sends
func (c *Config) SendInterval() time.Duration {
	return time.Duration(c.DefaultSendIntervalSeconds) * time.Second
}

func (c *Config) DedupeWindow() time.Duration {
	return time.Duration(c.DedupeWindowHours) * time.Hour
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first if present;
// real environment variables win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",
		Store:    "postgres",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "dunning",
		DBSSLMode: "disable",

		RedisPort:      6379,
		RedisKeyPrefix: "dunning",
		RateLimit:      60,

		AWSRegion: "us-east-1",

		Channel:               "whatsapp",
		WebhookTimeout:        30,
		BreakerMaxFailures:    5,
		BreakerRecoverSeconds: 30,

		OpenAIModel: "gpt-4o-mini",
		JWTIssuer:   "dunning",

		DefaultSendIntervalSeconds: 1,
		CriticalAgeDays:            15,
		DedupeWindowHours:          24,
		SchedulerGenerateMessages:  true,
		QueuePollSeconds:           30,
		QueueBatchSize:             20,
	}

	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	num("PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("ENV", &cfg.Env)
	str("STORE", &cfg.Store)

	str("DB_HOST", &cfg.DBHost)
	num("DB_PORT", &cfg.DBPort)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	str("DB_NAME", &cfg.DBName)
	str("DB_SSLMODE", &cfg.DBSSLMode)

	str("REDIS_HOST", &cfg.RedisHost)
	num("REDIS_PORT", &cfg.RedisPort)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)
	str("REDIS_KEY_PREFIX", &cfg.RedisKeyPrefix)
	num("RATE_LIMIT_PER_MINUTE", &cfg.RateLimit)

	str("AWS_REGION", &cfg.AWSRegion)
	cfg.SQSRegion = cfg.AWSRegion
	cfg.SNSRegion = cfg.AWSRegion
	str("SQS_REGION", &cfg.SQSRegion)
	str("SQS_QUEUE_URL", &cfg.SQSQueueURL)
	str("SNS_REGION", &cfg.SNSRegion)
	str("SNS_TOPIC_ARN", &cfg.SNSTopicARN)
	str("SNS_SENDER_ID", &cfg.SNSSenderID)
	str("SES_FROM_EMAIL", &cfg.SESFromEmail)
	str("REPORT_EMAIL", &cfg.ReportEmail)

	str("CHANNEL", &cfg.Channel)
	str("WHATSAPP_WEBHOOK_URL", &cfg.WhatsAppWebhookURL)
	str("WHATSAPP_WEBHOOK_TOKEN", &cfg.WhatsAppWebhookToken)
	str("WHATSAPP_INSTANCE", &cfg.WhatsAppInstance)
	num("WEBHOOK_TIMEOUT", &cfg.WebhookTimeout)
	num("BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures)
	num("BREAKER_RECOVERY_SECONDS", &cfg.BreakerRecoverSeconds)

	str("OPENAI_API_KEY", &cfg.OpenAIAPIKey)
	str("OPENAI_MODEL", &cfg.OpenAIModel)
	cfg.AIEnabled = cfg.OpenAIAPIKey != ""

	str("JWT_SECRET", &cfg.JWTSecret)
	str("JWT_ISSUER", &cfg.JWTIssuer)
	flag("ALLOW_ACTOR_HEADERS", &cfg.AllowActorHeaders)

	num("DEFAULT_SEND_INTERVAL_SECONDS", &cfg.DefaultSendIntervalSeconds)
	num("CRITICAL_AGE_DAYS", &cfg.CriticalAgeDays)
	num("DEDUPE_WINDOW_HOURS", &cfg.DedupeWindowHours)
	flag("SCHEDULER_GENERATE_MESSAGES", &cfg.SchedulerGenerateMessages)
	num("QUEUE_POLL_SECONDS", &cfg.QueuePollSeconds)
	num("QUEUE_BATCH_SIZE", &cfg.QueueBatchSize)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Store = strings.ToLower(c.Store)
	if c.Store != "postgres" && c.Store != "memory" {
		return fmt.Errorf("invalid STORE %q: want postgres or memory", c.Store)
	}

	c.Channel = strings.ToLower(c.Channel)
	switch c.Channel {
	case "whatsapp":
		if c.WhatsAppWebhookURL == "" {
			return errors.New("WHATSAPP_WEBHOOK_URL is required when CHANNEL=whatsapp")
		}
	case "sms", "log":
	default:
		return fmt.Errorf("invalid CHANNEL %q: want whatsapp, sms or log", c.Channel)
	}

	if c.DefaultSendIntervalSeconds < 0 {
		return errors.New("DEFAULT_SEND_INTERVAL_SECONDS must not be negative")
	}
	if c.CriticalAgeDays <= 0 {
		return errors.New("CRITICAL_AGE_DAYS must be positive")
	}
	if c.DedupeWindowHours <= 0 {
		return errors.New("DEDUPE_WINDOW_HOURS must be positive")
	}
	return nil
}
