/**
 * @description
 * Scheduled sweep triggers. Each job asks the billing service to run one
 * sweep and logs the summary; the sweep itself runs server-side.
 */
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/billing-service/pkg/billingclient"
)

// BillingClient defines the interface for triggering sweeps on the billing service.
type BillingClient interface {
	RunSweep(ctx context.Context, name string) (*billingclient.SweepResult, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	client  BillingClient
	logger  *slog.Logger
	timeout time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(client BillingClient, logger *slog.Logger) *Jobs {
	return &Jobs{
		client:  client,
		logger:  logger,
		timeout: 10 * time.Minute,
	}
}

// RunRetrySweep retries failed charges that are due.
func (j *Jobs) RunRetrySweep() { j.runSweep("retries") }

// RunGraceSweep suspends subscriptions whose grace period has ended.
func (j *Jobs) RunGraceSweep() { j.runSweep("grace") }

// RunExpirySweep expires subscriptions suspended past the retention window.
func (j *Jobs) RunExpirySweep() { j.runSweep("expiry") }

// RunTrialSweep ends lapsed trials and bills their first period.
func (j *Jobs) RunTrialSweep() { j.runSweep("trials") }

// RunRenewalSweep renews or cancels subscriptions at the period boundary.
func (j *Jobs) RunRenewalSweep() { j.runSweep("renewals") }

func (j *Jobs) runSweep(name string) {
	j.logger.Info("starting billing sweep job", "sweep", name)
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	result, err := j.client.RunSweep(ctx, name)
	if err != nil {
		if errors.Is(err, billingclient.ErrSweepInProgress) {
			j.logger.Info("billing sweep already running elsewhere; skipping", "sweep", name)
			return
		}
		j.logger.Error("billing sweep job failed", "sweep", name, "error", err)
		return
	}

	j.logger.Info("billing sweep job finished",
		"sweep", name,
		"evaluated", result.Evaluated,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"errored", result.Errored,
		"cancelled", result.Cancelled,
	)
}
