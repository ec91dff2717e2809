/**
 * @description
 * Retry & Expiry Scheduler sweeps. Each sweep is a short unit of work over a
 * bounded batch. A failing item is logged and counted, never propagated, so
 * one bad row cannot block the rest.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/transfa/billing-service/internal/domain"
)

const (
	SweepRetries  = "retries"
	SweepGrace    = "grace"
	SweepExpiry   = "expiry"
	SweepTrials   = "trials"
	SweepRenewals = "renewals"
)

// ErrUnknownSweep is returned for sweep names that do not exist.
var ErrUnknownSweep = fmt.Errorf("%w: unknown sweep", domain.ErrInvalidArgument)

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Sweep      string    `json:"sweep"`
	Evaluated  int       `json:"evaluated"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Errored    int       `json:"errored"`
	Cancelled  bool      `json:"cancelled"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type itemResult string

const (
	itemSucceeded itemResult = "succeeded"
	itemFailed    itemResult = "failed"
	itemSkipped   itemResult = "skipped"
	itemErrored   itemResult = "errored"
)

// Sweeper runs the time-driven billing sweeps.
type Sweeper struct {
	subs     *SubscriptionService
	biller   *Biller
	subRepo  SubscriptionRepository
	payments PaymentRepository
	guard    SweepGuard
	logger   *slog.Logger
	settings Settings
}

// NewSweeper creates a new sweeper.
func NewSweeper(subs *SubscriptionService, biller *Biller, subRepo SubscriptionRepository, payments PaymentRepository, guard SweepGuard, logger *slog.Logger, settings Settings) *Sweeper {
	return &Sweeper{
		subs:     subs,
		biller:   biller,
		subRepo:  subRepo,
		payments: payments,
		guard:    guard,
		logger:   logger,
		settings: settings.withDefaults(),
	}
}

// Run executes the named sweep.
func (s *Sweeper) Run(ctx context.Context, name string) (*SweepResult, error) {
	switch name {
	case SweepRetries:
		return s.RunRetries(ctx)
	case SweepGrace:
		return s.RunGracePeriods(ctx)
	case SweepExpiry:
		return s.RunSuspensionExpiry(ctx)
	case SweepTrials:
		return s.RunTrialEnds(ctx)
	case SweepRenewals:
		return s.RunRenewals(ctx)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSweep, name)
}

// RequestCancel asks a running sweep to stop before its next item.
func (s *Sweeper) RequestCancel(ctx context.Context, name string) error {
	switch name {
	case SweepRetries, SweepGrace, SweepExpiry, SweepTrials, SweepRenewals:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSweep, name)
	}
	return s.guard.RequestCancel(ctx, name, s.settings.SweepLockTTL)
}

// RunRetries retries due payment transactions.
func (s *Sweeper) RunRetries(ctx context.Context) (*SweepResult, error) {
	return s.run(ctx, SweepRetries,
		func(ctx context.Context, now time.Time) ([]string, error) {
			txs, err := s.payments.ListDueRetries(ctx, now, s.settings.SweepBatchLimit)
			if err != nil {
				return nil, err
			}
			ids := make([]string, 0, len(txs))
			for _, tx := range txs {
				ids = append(ids, tx.ID)
			}
			return ids, nil
		},
		func(ctx context.Context, id string) (itemResult, error) {
			result, err := s.biller.RetryTransaction(ctx, id)
			if err != nil {
				return itemErrored, err
			}
			return chargeItemResult(result), nil
		},
	)
}

// RunGracePeriods suspends past-due subscriptions whose grace period ended.
func (s *Sweeper) RunGracePeriods(ctx context.Context) (*SweepResult, error) {
	return s.run(ctx, SweepGrace,
		func(ctx context.Context, now time.Time) ([]string, error) {
			return subscriptionIDs(s.subRepo.ListGraceExpired(ctx, now, s.settings.SweepBatchLimit))
		},
		func(ctx context.Context, id string) (itemResult, error) {
			return transitionItemResult(s.subs.Suspend(ctx, id))
		},
	)
}

// RunSuspensionExpiry expires subscriptions suspended longer than the expiry window.
func (s *Sweeper) RunSuspensionExpiry(ctx context.Context) (*SweepResult, error) {
	return s.run(ctx, SweepExpiry,
		func(ctx context.Context, now time.Time) ([]string, error) {
			cutoff := now.Add(-s.settings.SuspensionExpiry)
			return subscriptionIDs(s.subRepo.ListSuspendedBefore(ctx, cutoff, s.settings.SweepBatchLimit))
		},
		func(ctx context.Context, id string) (itemResult, error) {
			return transitionItemResult(s.subs.Expire(ctx, id))
		},
	)
}

// RunTrialEnds ends lapsed trials and bills their first period.
func (s *Sweeper) RunTrialEnds(ctx context.Context) (*SweepResult, error) {
	return s.run(ctx, SweepTrials,
		func(ctx context.Context, now time.Time) ([]string, error) {
			return subscriptionIDs(s.subRepo.ListTrialsEnded(ctx, now, s.settings.SweepBatchLimit))
		},
		func(ctx context.Context, id string) (itemResult, error) {
			sub, err := s.subs.GetSubscription(ctx, id)
			if err != nil {
				return itemErrored, err
			}
			if sub.Status == domain.StatusTrial {
				if sub, err = s.subs.EndTrial(ctx, id); err != nil {
					return transitionItemResult(nil, err)
				}
			}
			if sub.Status != domain.StatusPendingPayment || sub.TrialEnd == nil {
				return itemSkipped, nil
			}
			periodStart := *sub.TrialEnd
			result, err := s.biller.BillPeriod(ctx, sub, periodStart, sub.BillingCycle.Advance(periodStart))
			if err != nil {
				return itemErrored, err
			}
			return chargeItemResult(result), nil
		},
	)
}

// RunRenewals handles subscriptions that reached their renewal boundary.
func (s *Sweeper) RunRenewals(ctx context.Context) (*SweepResult, error) {
	return s.run(ctx, SweepRenewals,
		func(ctx context.Context, now time.Time) ([]string, error) {
			return subscriptionIDs(s.subRepo.ListDueForRenewal(ctx, now, s.settings.SweepBatchLimit))
		},
		func(ctx context.Context, id string) (itemResult, error) {
			sub, err := s.subs.GetSubscription(ctx, id)
			if err != nil {
				return itemErrored, err
			}
			if sub.Status != domain.StatusActive {
				return itemSkipped, nil
			}
			if sub.CancelAtPeriodEnd {
				return transitionItemResult(s.subs.Renew(ctx, id))
			}
			periodStart := sub.CurrentPeriodEnd
			result, err := s.biller.BillPeriod(ctx, sub, periodStart, sub.BillingCycle.Advance(periodStart))
			if err != nil {
				return itemErrored, err
			}
			return chargeItemResult(result), nil
		},
	)
}

func (s *Sweeper) run(
	ctx context.Context,
	name string,
	list func(ctx context.Context, now time.Time) ([]string, error),
	process func(ctx context.Context, id string) (itemResult, error),
) (*SweepResult, error) {
	release, acquired, err := s.guard.Acquire(ctx, name, s.settings.SweepLockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %s sweep lease: %w", name, err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", domain.ErrSweepInProgress, name)
	}
	defer release()

	if err := s.guard.ClearCancel(ctx, name); err != nil {
		s.logger.Warn("failed to clear sweep cancellation flag", "sweep", name, "error", err)
	}

	now := s.settings.Now()
	result := &SweepResult{Sweep: name, StartedAt: now}
	s.logger.Info("starting sweep", "sweep", name)

	ids, err := list(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s sweep items: %w", name, err)
	}

	for _, id := range ids {
		if s.cancelled(ctx, name) {
			result.Cancelled = true
			s.logger.Info("sweep cancelled", "sweep", name, "evaluated", result.Evaluated)
			break
		}

		result.Evaluated++
		outcome, err := process(ctx, id)
		if err != nil {
			s.logger.Error("sweep item failed", "sweep", name, "id", id, "error", err)
		}
		switch outcome {
		case itemSucceeded:
			result.Succeeded++
		case itemFailed:
			result.Failed++
		case itemSkipped:
			result.Skipped++
		default:
			result.Errored++
		}
		sweepItemsTotal.WithLabelValues(name, string(outcome)).Inc()
	}

	if result.Cancelled {
		if err := s.guard.ClearCancel(context.WithoutCancel(ctx), name); err != nil {
			s.logger.Warn("failed to clear sweep cancellation flag", "sweep", name, "error", err)
		}
	}

	result.FinishedAt = s.settings.Now()
	s.logger.Info("sweep finished",
		"sweep", name,
		"evaluated", result.Evaluated,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"errored", result.Errored,
	)
	return result, nil
}

func (s *Sweeper) cancelled(ctx context.Context, name string) bool {
	if ctx.Err() != nil {
		return true
	}
	requested, err := s.guard.CancelRequested(ctx, name)
	if err != nil {
		s.logger.Warn("failed to read sweep cancellation flag", "sweep", name, "error", err)
		return false
	}
	return requested
}

func subscriptionIDs(subs []domain.Subscription, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.ID)
	}
	return ids, nil
}

// transitionItemResult treats a rejected transition as a skip: the row moved
// on since it was listed.
func transitionItemResult(_ *domain.Subscription, err error) (itemResult, error) {
	if err == nil {
		return itemSucceeded, nil
	}
	if errors.Is(err, domain.ErrInvalidState) {
		return itemSkipped, nil
	}
	return itemErrored, err
}

func chargeItemResult(result *ChargeResult) itemResult {
	switch {
	case result.Skipped:
		return itemSkipped
	case result.Status == domain.PaymentSuccess:
		return itemSucceeded
	default:
		return itemFailed
	}
}
