/**
 * @description
 * Configuration management for the billing service.
 */
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the billing service.
type Config struct {
	ServerPort                    string `mapstructure:"SERVER_PORT"`
	DatabaseURL                   string `mapstructure:"DATABASE_URL"`
	RedisURL                      string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix                string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL                   string `mapstructure:"RABBITMQ_URL"`
	ClerkJWKSURL                  string `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience                 string `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer                   string `mapstructure:"CLERK_ISSUER"`
	InternalAPIKey                string `mapstructure:"INTERNAL_API_KEY"`
	GatewayBaseURL                string `mapstructure:"GATEWAY_BASE_URL"`
	GatewayAPIKey                 string `mapstructure:"GATEWAY_API_KEY"`
	GatewaySecretKey              string `mapstructure:"GATEWAY_SECRET_KEY"`
	GatewaySandbox                bool   `mapstructure:"GATEWAY_SANDBOX"`
	GatewayTimeoutSeconds         int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	InvoiceServiceURL             string `mapstructure:"INVOICE_SERVICE_URL"`
	InvoiceServiceInternalAPIKey  string `mapstructure:"INVOICE_SERVICE_INTERNAL_API_KEY"`
	GracePeriodDays               int    `mapstructure:"GRACE_PERIOD_DAYS"`
	DefaultTrialDays              int    `mapstructure:"DEFAULT_TRIAL_DAYS"`
	SuspensionExpiryDays          int    `mapstructure:"SUSPENSION_EXPIRY_DAYS"`
	MaxRetryAttempts              int    `mapstructure:"MAX_RETRY_ATTEMPTS"`
	RetryBackoffHours             string `mapstructure:"RETRY_BACKOFF_HOURS"`
	WebhookProcessingStaleSeconds int    `mapstructure:"WEBHOOK_PROCESSING_STALE_SECONDS"`
	WebhookRequireIdempotencyKey  bool   `mapstructure:"WEBHOOK_REQUIRE_IDEMPOTENCY_KEY"`
	SweepLockTTLSeconds           int    `mapstructure:"SWEEP_LOCK_TTL_SECONDS"`
	SweepBatchLimit               int    `mapstructure:"SWEEP_BATCH_LIMIT"`
	EventsExchange                string `mapstructure:"EVENTS_EXCHANGE"`
	ReferralEventsExchange        string `mapstructure:"REFERRAL_EVENTS_EXCHANGE"`
	ReferralRewardQueue           string `mapstructure:"REFERRAL_REWARD_QUEUE"`
	MigrationsEnabled             bool   `mapstructure:"MIGRATIONS_ENABLED"`

	// RetryBackoff is parsed from RetryBackoffHours.
	RetryBackoff []time.Duration `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("GATEWAY_SANDBOX", false)
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 30)
	viper.SetDefault("GRACE_PERIOD_DAYS", 3)
	viper.SetDefault("DEFAULT_TRIAL_DAYS", 14)
	viper.SetDefault("SUSPENSION_EXPIRY_DAYS", 30)
	viper.SetDefault("MAX_RETRY_ATTEMPTS", 4)
	viper.SetDefault("RETRY_BACKOFF_HOURS", "0,24,48")
	viper.SetDefault("WEBHOOK_PROCESSING_STALE_SECONDS", 300)
	viper.SetDefault("WEBHOOK_REQUIRE_IDEMPOTENCY_KEY", false)
	viper.SetDefault("SWEEP_LOCK_TTL_SECONDS", 900)
	viper.SetDefault("SWEEP_BATCH_LIMIT", 500)
	viper.SetDefault("EVENTS_EXCHANGE", "billing_events")
	viper.SetDefault("REFERRAL_EVENTS_EXCHANGE", "referral_events")
	viper.SetDefault("REFERRAL_REWARD_QUEUE", "billing_referral_rewards")
	viper.SetDefault("REDIS_KEY_PREFIX", "billing")
	viper.SetDefault("MIGRATIONS_ENABLED", true)
	viper.AutomaticEnv()

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("CLERK_AUDIENCE")
	_ = viper.BindEnv("CLERK_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("GATEWAY_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY")
	_ = viper.BindEnv("GATEWAY_SECRET_KEY")
	_ = viper.BindEnv("GATEWAY_SANDBOX")
	_ = viper.BindEnv("GATEWAY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("INVOICE_SERVICE_URL")
	_ = viper.BindEnv("INVOICE_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("GRACE_PERIOD_DAYS")
	_ = viper.BindEnv("DEFAULT_TRIAL_DAYS")
	_ = viper.BindEnv("SUSPENSION_EXPIRY_DAYS")
	_ = viper.BindEnv("MAX_RETRY_ATTEMPTS")
	_ = viper.BindEnv("RETRY_BACKOFF_HOURS")
	_ = viper.BindEnv("WEBHOOK_PROCESSING_STALE_SECONDS")
	_ = viper.BindEnv("WEBHOOK_REQUIRE_IDEMPOTENCY_KEY")
	_ = viper.BindEnv("SWEEP_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("SWEEP_BATCH_LIMIT")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("REFERRAL_EVENTS_EXCHANGE")
	_ = viper.BindEnv("REFERRAL_REWARD_QUEUE")
	_ = viper.BindEnv("MIGRATIONS_ENABLED")

	if err = viper.Unmarshal(&config); err != nil {
		return config, err
	}
	if port := os.Getenv("PORT"); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InvoiceServiceInternalAPIKey) == "" {
		config.InvoiceServiceInternalAPIKey = config.InternalAPIKey
	}

	if strings.TrimSpace(config.DatabaseURL) == "" {
		return config, fmt.Errorf("DATABASE_URL is required")
	}
	if !config.GatewaySandbox && strings.TrimSpace(config.GatewaySecretKey) == "" {
		return config, fmt.Errorf("GATEWAY_SECRET_KEY is required unless GATEWAY_SANDBOX is enabled")
	}
	if config.MaxRetryAttempts < 1 {
		return config, fmt.Errorf("MAX_RETRY_ATTEMPTS must be at least 1, got %d", config.MaxRetryAttempts)
	}
	config.RetryBackoff, err = parseBackoffHours(config.RetryBackoffHours)
	if err != nil {
		return config, err
	}
	return config, nil
}

func parseBackoffHours(raw string) ([]time.Duration, error) {
	var schedule []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		hours, err := strconv.Atoi(part)
		if err != nil || hours < 0 {
			return nil, fmt.Errorf("RETRY_BACKOFF_HOURS must be a list of non-negative integers, got %q", raw)
		}
		schedule = append(schedule, time.Duration(hours)*time.Hour)
	}
	if len(schedule) == 0 {
		return nil, fmt.Errorf("RETRY_BACKOFF_HOURS must not be empty")
	}
	return schedule, nil
}
