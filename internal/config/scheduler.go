package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// SchedulerConfig holds configuration for the sweep scheduler process.
type SchedulerConfig struct {
	BillingServiceURL            string `mapstructure:"BILLING_SERVICE_URL"`
	BillingServiceInternalAPIKey string `mapstructure:"BILLING_SERVICE_INTERNAL_API_KEY"`
	InternalAPIKey               string `mapstructure:"INTERNAL_API_KEY"`
	RetrySweepSchedule           string `mapstructure:"RETRY_SWEEP_SCHEDULE"`
	GraceSweepSchedule           string `mapstructure:"GRACE_SWEEP_SCHEDULE"`
	ExpirySweepSchedule          string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	TrialSweepSchedule           string `mapstructure:"TRIAL_SWEEP_SCHEDULE"`
	RenewalSweepSchedule         string `mapstructure:"RENEWAL_SWEEP_SCHEDULE"`
}

// LoadSchedulerConfig reads the scheduler configuration from environment variables.
func LoadSchedulerConfig() (*SchedulerConfig, error) {
	viper.SetDefault("RETRY_SWEEP_SCHEDULE", "*/30 * * * *") // Every 30 minutes.
	viper.SetDefault("GRACE_SWEEP_SCHEDULE", "0 3 * * *")    // At 03:00 daily.
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "30 3 * * *")  // At 03:30 daily.
	viper.SetDefault("TRIAL_SWEEP_SCHEDULE", "0 4 * * *")    // At 04:00 daily.
	viper.SetDefault("RENEWAL_SWEEP_SCHEDULE", "0 * * * *")  // Hourly.
	viper.AutomaticEnv()

	_ = viper.BindEnv("BILLING_SERVICE_URL")
	_ = viper.BindEnv("BILLING_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("RETRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("GRACE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("TRIAL_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RENEWAL_SWEEP_SCHEDULE")

	var config SchedulerConfig
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if strings.TrimSpace(config.BillingServiceInternalAPIKey) == "" {
		config.BillingServiceInternalAPIKey = config.InternalAPIKey
	}
	if strings.TrimSpace(config.BillingServiceURL) == "" {
		return nil, fmt.Errorf("BILLING_SERVICE_URL is required")
	}
	if strings.TrimSpace(config.BillingServiceInternalAPIKey) == "" {
		return nil, fmt.Errorf("BILLING_SERVICE_INTERNAL_API_KEY or INTERNAL_API_KEY is required")
	}
	return &config, nil
}
