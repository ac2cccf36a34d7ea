package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const DefaultProviderPriority = "resend,postmark,sendgrid,ses,mailchannels"

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	APIPort     int    `env:"API_PORT,default=8080"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW,default=60s"`
	RateLimitMax    int           `env:"RATE_LIMIT_MAX,default=100"`

	SuppressionCacheTTL      time.Duration `env:"SUPPRESSION_CACHE_TTL,default=1h"`
	SuppressionSweepInterval time.Duration `env:"SUPPRESSION_SWEEP_INTERVAL,default=1h"`
	AnalyticsCacheTTL        time.Duration `env:"ANALYTICS_CACHE_TTL,default=5m"`

	BatchMaxSize            int           `env:"BATCH_MAX_SIZE,default=1000"`
	BatchDefaultConcurrency int           `env:"BATCH_DEFAULT_CONCURRENCY,default=10"`
	BatchMaxRetries         int           `env:"BATCH_MAX_RETRIES,default=5"`
	WorkerConcurrency       int           `env:"WORKER_CONCURRENCY,default=4"`
	WorkerMetricsPort       int           `env:"WORKER_METRICS_PORT,default=9091"`
	SchedulerInterval       time.Duration `env:"SCHEDULER_INTERVAL,default=5s"`

	ProviderPriority       string        `env:"PROVIDER_PRIORITY"`
	ProviderTimeout        time.Duration `env:"PROVIDER_TIMEOUT,default=10s"`
	ProviderMaxSendsPerSec int           `env:"PROVIDER_MAX_SENDS_PER_SEC,default=50"`

	ResendAPIKey        string `env:"RESEND_API_KEY"`
	PostmarkServerToken string `env:"POSTMARK_SERVER_TOKEN"`
	SendGridAPIKey      string `env:"SENDGRID_API_KEY"`
	MailChannelsAPIKey  string `env:"MAILCHANNELS_API_KEY"`
	SESRegion           string `env:"SES_REGION,default=us-east-1"`
	SESAccessKey        string `env:"SES_ACCESS_KEY"`
	SESSecretKey        string `env:"SES_SECRET_KEY"`

	ResendWebhookSecret       string `env:"RESEND_WEBHOOK_SECRET"`
	SendGridWebhookSecret     string `env:"SENDGRID_WEBHOOK_SECRET"`
	PostmarkWebhookSecret     string `env:"POSTMARK_WEBHOOK_SECRET"`
	MailChannelsWebhookSecret string `env:"MAILCHANNELS_WEBHOOK_SECRET"`
	SESWebhookSecret          string `env:"SES_WEBHOOK_SECRET"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.RateLimitMax <= 0 {
		return nil, fmt.Errorf("failed to load config: RATE_LIMIT_MAX must be positive")
	}
	if cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("failed to load config: RATE_LIMIT_WINDOW must be positive")
	}
	return &cfg, nil
}

// Providers returns the configured priority order, lower-cased and de-duplicated.
func (c *Config) Providers() []string {
	raw := c.ProviderPriority
	if strings.TrimSpace(raw) == "" {
		raw = DefaultProviderPriority
	}

	seen := make(map[string]struct{})
	out := make([]string, 0, 5)
	for _, name := range strings.Split(raw, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// WebhookSecrets returns the signing secret per provider; empty means unsigned.
func (c *Config) WebhookSecrets() map[string]string {
	return map[string]string{
		"resend":       c.ResendWebhookSecret,
		"sendgrid":     c.SendGridWebhookSecret,
		"postmark":     c.PostmarkWebhookSecret,
		"mailchannels": c.MailChannelsWebhookSecret,
		"ses":          c.SESWebhookSecret,
	}
}
