/**
 * @description
 * Event Ledger: deduplicates gateway notifications and tracks their processing.
 * The unique event id insert is the only serialization point between concurrent
 * deliveries of the same notification.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/transfa/billing-service/internal/domain"
)

// LedgerOutcome is the tagged result of running an event through the ledger.
type LedgerOutcome string

const (
	OutcomeProcessed LedgerOutcome = "success"
	OutcomeDuplicate LedgerOutcome = "duplicate"
	OutcomeFailed    LedgerOutcome = "error"
)

// LedgerResult reports what happened to an event. Err is set only for OutcomeFailed.
type LedgerResult struct {
	Outcome LedgerOutcome
	Event   *domain.WebhookEvent
	Err     error
}

// EventLedger records inbound notifications and guarantees each is applied once.
type EventLedger struct {
	repo     WebhookEventRepository
	logger   *slog.Logger
	settings Settings
}

// NewEventLedger creates a new event ledger.
func NewEventLedger(repo WebhookEventRepository, logger *slog.Logger, settings Settings) *EventLedger {
	return &EventLedger{repo: repo, logger: logger, settings: settings.withDefaults()}
}

// RecordOrGet stores the event if its id is new. It returns the stored row and
// whether the event was already completed.
func (l *EventLedger) RecordOrGet(ctx context.Context, event domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	if event.EventID == "" {
		return nil, false, fmt.Errorf("%w: event ID cannot be empty", domain.ErrInvalidArgument)
	}
	stored, inserted, err := l.repo.InsertWebhookEvent(ctx, &event)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record webhook event %s: %w", event.EventID, err)
	}
	if inserted {
		return stored, false, nil
	}
	return stored, stored.ProcessingStatus == domain.ProcessingCompleted, nil
}

// Process runs handle at most once per event id. The final status is written
// on every exit path, including a panic in handle.
func (l *EventLedger) Process(ctx context.Context, event domain.WebhookEvent, handle func(ctx context.Context) error) LedgerResult {
	stored, duplicate, err := l.RecordOrGet(ctx, event)
	if err != nil {
		return LedgerResult{Outcome: OutcomeFailed, Err: err}
	}
	if duplicate {
		return LedgerResult{Outcome: OutcomeDuplicate, Event: stored}
	}
	return l.run(ctx, stored, handle)
}

// Resume reprocesses a stored event that did not complete.
func (l *EventLedger) Resume(ctx context.Context, eventID string, handle func(ctx context.Context, event *domain.WebhookEvent) error) LedgerResult {
	stored, err := l.repo.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return LedgerResult{Outcome: OutcomeFailed, Err: err}
	}
	if stored.ProcessingStatus == domain.ProcessingCompleted {
		return LedgerResult{Outcome: OutcomeDuplicate, Event: stored}
	}
	return l.run(ctx, stored, func(ctx context.Context) error {
		return handle(ctx, stored)
	})
}

func (l *EventLedger) run(ctx context.Context, stored *domain.WebhookEvent, handle func(ctx context.Context) error) (result LedgerResult) {
	now := l.settings.Now()
	claimed, err := l.repo.ClaimWebhookEvent(ctx, stored.EventID, now, now.Add(-l.settings.WebhookStaleAfter))
	if err != nil {
		return LedgerResult{Outcome: OutcomeFailed, Event: stored, Err: err}
	}
	if !claimed {
		// Another delivery is processing or has completed it.
		return LedgerResult{Outcome: OutcomeDuplicate, Event: stored}
	}

	started := time.Now()
	result = LedgerResult{Outcome: OutcomeProcessed, Event: stored}
	defer func() {
		if r := recover(); r != nil {
			result.Outcome = OutcomeFailed
			result.Err = fmt.Errorf("panic while processing webhook event: %v", r)
		}

		status := domain.ProcessingCompleted
		var message *string
		if result.Err != nil {
			status = domain.ProcessingFailed
			text := result.Err.Error()
			message = &text
		}
		elapsed := time.Since(started)
		webhookProcessingSeconds.WithLabelValues(string(stored.Kind)).Observe(elapsed.Seconds())

		if err := l.repo.FinishWebhookEvent(context.WithoutCancel(ctx), stored.EventID, status, elapsed.Milliseconds(), message); err != nil {
			l.logger.Error("failed to persist webhook event status", "event_id", stored.EventID, "status", status, "error", err)
		}
	}()

	if err := handle(ctx); err != nil {
		result.Outcome = OutcomeFailed
		result.Err = err
	}
	return result
}
