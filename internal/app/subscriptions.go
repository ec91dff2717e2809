/**
 * @description
 * Subscription lifecycle: the only code allowed to change a subscription's
 * status, billing period or plan. Every operation runs as one locked
 * read-validate-write-append transaction through the repository.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/transfa/billing-service/internal/domain"
)

// SubscriptionService owns the subscription state machine.
type SubscriptionService struct {
	repo      SubscriptionRepository
	publisher EventPublisher
	logger    *slog.Logger
	settings  Settings
}

// NewSubscriptionService creates a new subscription service.
func NewSubscriptionService(repo SubscriptionRepository, publisher EventPublisher, logger *slog.Logger, settings Settings) *SubscriptionService {
	return &SubscriptionService{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		settings:  settings.withDefaults(),
	}
}

// CreateSubscriptionInput describes a signup.
type CreateSubscriptionInput struct {
	CustomerID   string
	PlanCode     string
	BillingCycle domain.BillingCycle
	TrialDays    *int
}

// CreateSubscription starts a trial on the given plan.
func (s *SubscriptionService) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*domain.Subscription, error) {
	if in.CustomerID == "" {
		return nil, fmt.Errorf("%w: customer ID cannot be empty", domain.ErrInvalidArgument)
	}
	if in.BillingCycle == "" {
		in.BillingCycle = domain.CycleMonthly
	}
	if !in.BillingCycle.Valid() {
		return nil, fmt.Errorf("%w: unknown billing cycle %q", domain.ErrInvalidArgument, in.BillingCycle)
	}
	trialDays := s.settings.DefaultTrialDays
	if in.TrialDays != nil {
		if *in.TrialDays < 0 {
			return nil, fmt.Errorf("%w: trial days cannot be negative", domain.ErrInvalidArgument)
		}
		trialDays = *in.TrialDays
	}

	change, err := s.resolvePlan(ctx, in.PlanCode, in.BillingCycle)
	if err != nil {
		return nil, err
	}

	if existing, err := s.repo.GetSubscriptionByCustomerID(ctx, in.CustomerID); err == nil {
		if !existing.Status.IsTerminal() {
			return nil, domain.ErrSubscriptionExists
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := s.settings.Now()
	trialEnd := now.AddDate(0, 0, trialDays)
	sub := &domain.Subscription{
		CustomerID:         in.CustomerID,
		Status:             domain.StatusTrial,
		TrialStart:         &now,
		TrialEnd:           &trialEnd,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   trialEnd,
		AutoRenew:          true,
	}
	sub.ApplyPlan(*change)

	newStatus := domain.StatusTrial
	event := domain.SubscriptionEvent{
		CustomerID: in.CustomerID,
		EventType:  domain.EventCreated,
		NewStatus:  &newStatus,
		NewPlanID:  &change.PlanID,
		Metadata:   map[string]interface{}{"trial_days": trialDays},
		CreatedAt:  now,
	}

	created, err := s.repo.CreateSubscription(ctx, sub, event)
	if err != nil {
		return nil, err
	}
	event.SubscriptionID = created.ID
	s.afterCommit(ctx, created, []domain.SubscriptionEvent{event})
	return created, nil
}

// GetSubscription returns a subscription by id.
func (s *SubscriptionService) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.repo.GetSubscription(ctx, id)
}

// GetSubscriptionForUser resolves a Clerk user and returns their latest subscription.
func (s *SubscriptionService) GetSubscriptionForUser(ctx context.Context, clerkUserID string) (*domain.Subscription, error) {
	customerID, err := s.CustomerIDForUser(ctx, clerkUserID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetSubscriptionByCustomerID(ctx, customerID)
}

// CustomerIDForUser resolves the internal customer id from a Clerk user id.
func (s *SubscriptionService) CustomerIDForUser(ctx context.Context, clerkUserID string) (string, error) {
	if clerkUserID == "" {
		return "", fmt.Errorf("%w: user ID cannot be empty", domain.ErrInvalidArgument)
	}
	return s.repo.FindCustomerIDByClerkUserID(ctx, clerkUserID)
}

// ListEvents returns the most recent audit events of a subscription.
func (s *SubscriptionService) ListEvents(ctx context.Context, id string, limit int) ([]domain.SubscriptionEvent, error) {
	if _, err := s.repo.GetSubscription(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListSubscriptionEvents(ctx, id, limit)
}

// Activate moves a subscription to ACTIVE and starts a fresh billing period.
// Activating an ACTIVE subscription is a no-op, since webhook and retry paths race.
func (s *SubscriptionService) Activate(ctx context.Context, id string) (*domain.Subscription, error) {
	firstActivation := false
	sub, err := s.transition(ctx, id, func(sub *domain.Subscription, now time.Time) (domain.Change, error) {
		if sub.Status == domain.StatusActive {
			return domain.Change{Skip: true}, nil
		}
		if !sub.Status.In(domain.StatusPendingPayment, domain.StatusTrial, domain.StatusPastDue) {
			return domain.Change{}, &domain.InvalidStateError{Op: "activate", Status: sub.Status}
		}

		previous := sub.Status
		sub.Status = domain.StatusActive
		sub.CurrentPeriodStart = now
		periodEnd := sub.BillingCycle.Advance(now)
		if periodEnd.Before(sub.CurrentPeriodEnd) {
			periodEnd = sub.CurrentPeriodEnd
		}
		sub.CurrentPeriodEnd = periodEnd
		sub.GracePeriodEnd = nil
		if sub.FirstActivatedAt == nil {
			activatedAt := now
			sub.FirstActivatedAt = &activatedAt
			firstActivation = true
		}
		return changeOf(statusEvent(sub, domain.EventActivated, previous, now, nil)), nil
	})
	if err != nil {
		return nil, err
	}
	if firstActivation {
		s.notifyFirstActivation(ctx, sub)
	}
	return sub, nil
}

// MarkPastDue opens the grace period after a failed charge.
func (s *SubscriptionService) MarkPastDue(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.transition(ctx, id, func(sub *domain.Subscription, now time.Time) (domain.Change, error) {
		if !sub.Status.In(domain.StatusActive, domain.StatusTrial) {
			return domain.Change{}, &domain.InvalidStateError{Op: "mark past due", Status: sub.Status}
		}
		previous := sub.Status
		graceEnd := now.Add(s.settings.GracePeriod)
		sub.Status = domain.StatusPastDue
		sub.GracePeriodEnd = &graceEnd
		return changeOf(statusEvent(sub, domain.EventPastDue, previous, now, map[string]interface{}{
			"grace_period_end": graceEnd,
		})), nil
	})
}

// Suspend revokes access. Used when retries are exhausted or grace lapses.
func (s *SubscriptionService) Suspend(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.transition(ctx, id, func(sub *domain.Subscription, now time.Time) (domain.Change, error) {
		if sub.Status.IsTerminal() || sub.Status == domain.StatusSuspended {
			return domain.Change{}, &domain.InvalidStateError{Op: "suspend", Status: sub.Status}
		}
		previous := sub.Status
		suspendedAt := now
		sub.Status = domain.StatusSuspended
		sub.SuspendedAt = &suspendedAt
		return changeOf(statusEvent(sub, domain.EventSuspended, previous, now, nil)), nil
	})
}

// Expire terminates a suspended subscription.
func (s *SubscriptionService) Expire(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.transition(ctx, id, func(sub *domain.Subscription, now time.Time) (domain.Change, error) {
		if sub.Status != domain.StatusSuspended {
			return domain.Change{}, &domain.InvalidStateError{Op: "expire", Status: sub.Status}
		}
		sub.Status = domain.StatusExpired
		return changeOf(statusEvent(sub, domain.EventExpired, domain.StatusSuspended, now, nil)), nil
	})
}

// Cancel schedules cancellation at the end of the current period.
func (s *SubscriptionService) Cancel(ctx context.Context, id, reason string) (*domain.Subscription, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, id, func(sub *domain.Subscription, now time.Time) (domain.Change, error) {
		if sub.Status.IsTerminal() {
			return domain.Change{}, &domain.InvalidStateError{Op: "cancel", Status: sub.Status}
		}
		cancelledAt := now
		sub.CancelAtPeriodEnd = true
		sub.CancelledAt = &cancelledAt
		sub.AutoRenew = false
		if reason != "" {
			sub.CancellationReason = &reason
		} else {
			sub.CancellationReason = nil
		}
		return changeOf(statusEvent(sub, domain.EventCancelled, sub.Status, now, map[string]interface{}{
			"reason":               reason,
			"cancel_at_period_end": true,
			"access_until":         sub.CurrentPeriodEnd,
		})), nil
	})
}

// Reactivate withdraws a pending cancellation.
func (s *SubscriptionService) Reactivate(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.transition(ctx, id, func(sub *domain.Subscription, now time.Time) (domain.Change, error) {
		if sub.Status.IsTerminal() {
			return domain.Change{}, &domain.InvalidStateError{Op: "reactivate", Status: sub.Status}
		}
		if !sub.CancelAtPeriodEnd {
			return domain.Change{}, &domain.InvalidStateError{Op: "reactivate", Status: sub.Status, Reason: "not scheduled for cancellation"}
		}
		sub.CancelAtPeriodEnd = false
		sub.CancelledAt = nil
		sub.CancellationReason = nil
		sub.AutoRenew = true
		return changeOf(statusEvent(sub, domain.EventReactivated, sub.Status, now, nil)), nil
	})
}

// UpgradePlan switches to a higher ranked plan immediately and drops any
// pending downgrade.
func (s *SubscriptionService) UpgradePlan(ctx context.Context, id, planCode string, cycle domain.BillingCycle) (*domain.Subscription, error) {
	target, err := s.resolvePlanForSubscription(ctx, id, planCode, cycle)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, id, func(sub *domain.Subscription, now time.Time) (domain.Change, error) {
		if sub.Status.IsTerminal() {
			return domain.Change{}, &domain.InvalidStateError{Op: "upgrade", Status: sub.Status}
		}
		if target.PlanRank <= sub.PlanRank {
			return domain.Change{}, fmt.Errorf("%w: %s does not rank above %s", domain.ErrInvalidPlanChange, target.PlanCode, sub.PlanCode)
		}
		previousPlan := sub.PlanID
		sub.ApplyPlan(*target)
		sub.ScheduledDowngrade = nil
		event := statusEvent(sub, domain.EventUpgraded, sub.Status, now, map[string]interface{}{
			"plan_code": target.PlanCode,
			"price_id":  target.PriceID,
		})
		event.PreviousPlanID = &previousPlan
		event.NewPlanID = &target.PlanID
		return changeOf(event), nil
	})
}

// ScheduleDowngrade records a lower ranked plan to apply at the next renewal.
// A later schedule replaces an earlier one.
func (s *SubscriptionService) ScheduleDowngrade(ctx context.Context, id, planCode string, cycle domain.BillingCycle) (*domain.Subscription, error) {
	target, err := s.resolvePlanForSubscription(ctx, id, planCode, cycle)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, id, func(sub *domain.Subscription, now time.Time) (domain.Change, error) {
		if sub.Status.IsTerminal() {
			return domain.Change{}, &domain.InvalidStateError{Op: "downgrade", Status: sub.Status}
		}
		if target.PlanRank >= sub.PlanRank {
			return domain.Change{}, fmt.Errorf("%w: %s does not rank below %s", domain.ErrInvalidPlanChange, target.PlanCode, sub.PlanCode)
		}
		sub.ScheduledDowngrade = target
		currentPlan := sub.PlanID
		event := statusEvent(sub, domain.EventDowngradeScheduled, sub.Status, now, map[string]interface{}{
			"plan_code":    target.PlanCode,
			"price_id":     target.PriceID,
			"effective_at": sub.CurrentPeriodEnd,
		})
		event.PreviousPlanID = &currentPlan
		event.NewPlanID = &target.PlanID
		return changeOf(event), nil
	})
}

// ApplyScheduledDowngrade applies a pending downgrade, if any.
func (s *SubscriptionService) ApplyScheduledDowngrade(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.transition(ctx, id, func(sub *domain.Subscription, now time.Time) (domain.Change, error) {
		if sub.ScheduledDowngrade == nil {
			return domain.Change{Skip: true}, nil
		}
		if sub.Status.IsTerminal() {
			return domain.Change{}, &domain.InvalidStateError{Op: "apply downgrade", Status: sub.Status}
		}
		return changeOf(applyDowngrade(sub, now)), nil
	})
}

// Renew handles the renewal boundary: pending downgrade first, then either
// cancellation or a one-cycle period extension.
func (s *SubscriptionService) Renew(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.transition(ctx, id, func(sub *domain.Subscription, now time.Time) (domain.Change, error) {
		if sub.Status.IsTerminal() {
			return domain.Change{}, &domain.InvalidStateError{Op: "renew", Status: sub.Status}
		}

		var events []domain.SubscriptionEvent
		if sub.ScheduledDowngrade != nil {
			events = append(events, applyDowngrade(sub, now))
		}

		if sub.CancelAtPeriodEnd {
			previous := sub.Status
			sub.Status = domain.StatusCancelled
			if sub.CancelledAt == nil {
				cancelledAt := now
				sub.CancelledAt = &cancelledAt
			}
			sub.GracePeriodEnd = nil
			events = append(events, statusEvent(sub, domain.EventCancelled, previous, now, map[string]interface{}{
				"reason": "period_end",
			}))
			return domain.Change{Events: events}, nil
		}

		if !sub.Status.In(domain.StatusActive, domain.StatusPastDue) {
			return domain.Change{}, &domain.InvalidStateError{Op: "renew", Status: sub.Status}
		}

		previous := sub.Status
		periodStart := sub.CurrentPeriodEnd
		sub.CurrentPeriodStart = periodStart
		sub.CurrentPeriodEnd = sub.BillingCycle.Advance(periodStart)
		sub.Status = domain.StatusActive
		sub.GracePeriodEnd = nil
		events = append(events, statusEvent(sub, domain.EventRenewed, previous, now, map[string]interface{}{
			"period_start": sub.CurrentPeriodStart,
			"period_end":   sub.CurrentPeriodEnd,
		}))
		return domain.Change{Events: events}, nil
	})
}

// EndTrial moves a trial to PENDING_PAYMENT.
func (s *SubscriptionService) EndTrial(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.transition(ctx, id, func(sub *domain.Subscription, now time.Time) (domain.Change, error) {
		if sub.Status != domain.StatusTrial {
			return domain.Change{}, &domain.InvalidStateError{Op: "end trial", Status: sub.Status}
		}
		sub.Status = domain.StatusPendingPayment
		return changeOf(statusEvent(sub, domain.EventTrialEnded, domain.StatusTrial, now, nil)), nil
	})
}

// ApplyReferralReward extends the current period (and a running trial) by days.
// A reward carrying a referral ID is applied at most once per subscription;
// repeats return the subscription unchanged.
func (s *SubscriptionService) ApplyReferralReward(ctx context.Context, id string, days int, referralID string) (*domain.Subscription, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: reward days must be positive", domain.ErrInvalidArgument)
	}
	sub, err := s.transition(ctx, id, func(sub *domain.Subscription, now time.Time) (domain.Change, error) {
		if sub.Status.IsTerminal() {
			return domain.Change{}, &domain.InvalidStateError{Op: "apply referral reward", Status: sub.Status}
		}
		sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.AddDate(0, 0, days)
		if sub.Status == domain.StatusTrial && sub.TrialEnd != nil {
			trialEnd := sub.TrialEnd.AddDate(0, 0, days)
			sub.TrialEnd = &trialEnd
		}
		metadata := map[string]interface{}{"days": days}
		if referralID != "" {
			metadata["referral_id"] = referralID
		}
		return changeOf(statusEvent(sub, domain.EventReferralReward, sub.Status, now, metadata)), nil
	})
	if errors.Is(err, domain.ErrReferralRewardApplied) {
		s.logger.Info("referral reward already applied", "subscription_id", id, "referral_id", referralID)
		return s.repo.GetSubscription(ctx, id)
	}
	return sub, err
}

func (s *SubscriptionService) transition(ctx context.Context, id string, apply func(sub *domain.Subscription, now time.Time) (domain.Change, error)) (*domain.Subscription, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: subscription ID cannot be empty", domain.ErrInvalidArgument)
	}
	now := s.settings.Now()
	sub, events, err := s.repo.UpdateSubscription(ctx, id, func(sub *domain.Subscription) (domain.Change, error) {
		return apply(sub, now)
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, sub, events)
	return sub, nil
}

// afterCommit publishes committed events. Publishing is best-effort.
func (s *SubscriptionService) afterCommit(ctx context.Context, sub *domain.Subscription, events []domain.SubscriptionEvent) {
	for _, event := range events {
		subscriptionTransitionsTotal.WithLabelValues(string(event.EventType)).Inc()
		s.logger.Info("subscription transition",
			"subscription_id", sub.ID,
			"event_type", event.EventType,
			"status", sub.Status,
		)

		routingKey := "subscription." + strings.ToLower(string(event.EventType))
		message := SubscriptionEventMessage{
			SubscriptionID: sub.ID,
			CustomerID:     sub.CustomerID,
			EventType:      event.EventType,
			PreviousStatus: event.PreviousStatus,
			NewStatus:      event.NewStatus,
			PlanCode:       sub.PlanCode,
			OccurredAt:     event.CreatedAt,
			Metadata:       event.Metadata,
		}
		if err := s.publisher.Publish(ctx, s.settings.EventsExchange, routingKey, message); err != nil {
			s.logger.Warn("failed to publish subscription event", "subscription_id", sub.ID, "routing_key", routingKey, "error", err)
		}
	}
}

func (s *SubscriptionService) notifyFirstActivation(ctx context.Context, sub *domain.Subscription) {
	message := FirstActivationMessage{
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		PlanCode:       sub.PlanCode,
		ActivatedAt:    sub.CurrentPeriodStart,
	}
	if err := s.publisher.Publish(ctx, s.settings.ReferralExchange, "referral.first_activation", message); err != nil {
		s.logger.Warn("failed to send referral first activation", "subscription_id", sub.ID, "customer_id", sub.CustomerID, "error", err)
	}
}

func (s *SubscriptionService) resolvePlan(ctx context.Context, planCode string, cycle domain.BillingCycle) (*domain.PlanChange, error) {
	if strings.TrimSpace(planCode) == "" {
		return nil, fmt.Errorf("%w: plan code cannot be empty", domain.ErrInvalidArgument)
	}
	plan, err := s.repo.FindPlanByCode(ctx, planCode)
	if err != nil {
		return nil, err
	}
	price, err := s.repo.FindActivePrice(ctx, plan.ID, cycle)
	if err != nil {
		return nil, err
	}
	change := domain.NewPlanChange(*plan, *price)
	return &change, nil
}

func (s *SubscriptionService) resolvePlanForSubscription(ctx context.Context, id, planCode string, cycle domain.BillingCycle) (*domain.PlanChange, error) {
	if cycle == "" {
		current, err := s.repo.GetSubscription(ctx, id)
		if err != nil {
			return nil, err
		}
		cycle = current.BillingCycle
	}
	if !cycle.Valid() {
		return nil, fmt.Errorf("%w: unknown billing cycle %q", domain.ErrInvalidArgument, cycle)
	}
	return s.resolvePlan(ctx, planCode, cycle)
}

func applyDowngrade(sub *domain.Subscription, now time.Time) domain.SubscriptionEvent {
	target := *sub.ScheduledDowngrade
	previousPlan := sub.PlanID
	sub.ApplyPlan(target)
	sub.ScheduledDowngrade = nil
	event := statusEvent(sub, domain.EventDowngraded, sub.Status, now, map[string]interface{}{
		"plan_code": target.PlanCode,
		"price_id":  target.PriceID,
	})
	event.PreviousPlanID = &previousPlan
	event.NewPlanID = &target.PlanID
	return event
}

func statusEvent(sub *domain.Subscription, eventType domain.SubscriptionEventType, previous domain.SubscriptionStatus, now time.Time, metadata map[string]interface{}) domain.SubscriptionEvent {
	prev := previous
	next := sub.Status
	return domain.SubscriptionEvent{
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		EventType:      eventType,
		PreviousStatus: &prev,
		NewStatus:      &next,
		Metadata:       metadata,
		CreatedAt:      now,
	}
}

func changeOf(events ...domain.SubscriptionEvent) domain.Change {
	return domain.Change{Events: events}
}

// SubscriptionEventMessage is published for every committed lifecycle event.
type SubscriptionEventMessage struct {
	SubscriptionID string                       `json:"subscription_id"`
	CustomerID     string                       `json:"customer_id"`
	EventType      domain.SubscriptionEventType `json:"event_type"`
	PreviousStatus *domain.SubscriptionStatus   `json:"previous_status,omitempty"`
	NewStatus      *domain.SubscriptionStatus   `json:"new_status,omitempty"`
	PlanCode       string                       `json:"plan_code"`
	OccurredAt     time.Time                    `json:"occurred_at"`
	Metadata       map[string]interface{}       `json:"metadata,omitempty"`
}

// FirstActivationMessage tells the referral service a customer paid for the first time.
type FirstActivationMessage struct {
	SubscriptionID string    `json:"subscription_id"`
	CustomerID     string    `json:"customer_id"`
	PlanCode       string    `json:"plan_code"`
	ActivatedAt    time.Time `json:"activated_at"`
}
