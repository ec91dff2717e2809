package app

import (
	"time"

	"github.com/transfa/billing-service/internal/domain"
)

// Settings tunes the billing core. Zero values fall back to defaults.
type Settings struct {
	GracePeriod       time.Duration
	DefaultTrialDays  int
	SuspensionExpiry  time.Duration
	RetryPolicy       domain.RetryPolicy
	GatewayTimeout    time.Duration
	WebhookStaleAfter time.Duration
	SweepLockTTL      time.Duration
	SweepBatchLimit   int
	EventsExchange    string
	ReferralExchange  string
	Now               func() time.Time
}

func (s Settings) withDefaults() Settings {
	if s.GracePeriod <= 0 {
		s.GracePeriod = 3 * 24 * time.Hour
	}
	if s.DefaultTrialDays <= 0 {
		s.DefaultTrialDays = 14
	}
	if s.SuspensionExpiry <= 0 {
		s.SuspensionExpiry = 30 * 24 * time.Hour
	}
	if s.RetryPolicy.MaxAttempts <= 0 {
		s.RetryPolicy = domain.DefaultRetryPolicy()
	}
	if s.GatewayTimeout <= 0 {
		s.GatewayTimeout = 30 * time.Second
	}
	if s.WebhookStaleAfter <= 0 {
		s.WebhookStaleAfter = 5 * time.Minute
	}
	if s.SweepLockTTL <= 0 {
		s.SweepLockTTL = 15 * time.Minute
	}
	if s.SweepBatchLimit <= 0 {
		s.SweepBatchLimit = 500
	}
	if s.EventsExchange == "" {
		s.EventsExchange = "billing_events"
	}
	if s.ReferralExchange == "" {
		s.ReferralExchange = "referral_events"
	}
	if s.Now == nil {
		s.Now = func() time.Time { return time.Now().UTC() }
	}
	return s
}
