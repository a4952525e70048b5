package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"

	"github.com/halcyon-dev/courier/internal/domain"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	// ProviderBaseURL is the webhook endpoint used for every channel that
	// has no dedicated override below.
	ProviderBaseURL string `env:"PROVIDER_BASE_URL,required=true"`
	PushWebhookURL  string `env:"PUSH_WEBHOOK_URL"`
	SMSWebhookURL   string `env:"SMS_WEBHOOK_URL"`
	EmailWebhookURL string `env:"EMAIL_WEBHOOK_URL"`
	USSDWebhookURL  string `env:"USSD_WEBHOOK_URL"`
	MeshWebhookURL  string `env:"MESH_WEBHOOK_URL"`

	RateLimitPerSec    int `env:"RATE_LIMIT_PER_SEC,default=100"`
	SMSRateLimitPerSec int `env:"SMS_RATE_LIMIT_PER_SEC,default=0"`

	SchedulerTickMS  int `env:"SCHEDULER_TICK_MS,default=500"`
	SchedulerMaxJobs int `env:"SCHEDULER_MAX_JOBS,default=20"`
	RetryBaseDelayMS int `env:"RETRY_BASE_DELAY_MS,default=1000"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// WebhookEndpoint returns the provider endpoint for a channel, falling
// back to the shared base URL when no override is set.
func (c *Config) WebhookEndpoint(channel domain.Channel) string {
	var override string
	switch channel {
	case domain.ChannelPush:
		override = c.PushWebhookURL
	case domain.ChannelSMS:
		override = c.SMSWebhookURL
	case domain.ChannelEmail:
		override = c.EmailWebhookURL
	case domain.ChannelUSSD:
		override = c.USSDWebhookURL
	case domain.ChannelMesh:
		override = c.MeshWebhookURL
	}

	if trimmed := strings.TrimSpace(override); trimmed != "" {
		return trimmed
	}
	return c.ProviderBaseURL
}

// ChannelRateLimits maps channel names to per-second caps for limits
// that override the default.
func (c *Config) ChannelRateLimits() map[string]int {
	limits := make(map[string]int)
	if c.SMSRateLimitPerSec > 0 {
		limits[strings.ToLower(domain.ChannelSMS.String())] = c.SMSRateLimitPerSec
	}
	return limits
}

func (c *Config) SchedulerTick() time.Duration {
	if c.SchedulerTickMS <= 0 {
		return 0
	}
	return time.Duration(c.SchedulerTickMS) * time.Millisecond
}

func (c *Config) RetryBaseDelay() time.Duration {
	if c.RetryBaseDelayMS <= 0 {
		return 0
	}
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}
