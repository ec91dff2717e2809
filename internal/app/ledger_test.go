package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/billing-service/internal/domain"
)

func TestLedgerProcess_RecordsCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	calls := 0
	handle := func(ctx context.Context) error {
		calls++
		return nil
	}

	first := h.ledger.Process(ctx, domain.WebhookEvent{EventID: "evt-1", Kind: domain.WebhookPayment}, handle)
	second := h.ledger.Process(ctx, domain.WebhookEvent{EventID: "evt-1", Kind: domain.WebhookPayment}, handle)

	assert.Equal(t, OutcomeProcessed, first.Outcome)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, 1, calls)

	stored, err := h.store.GetWebhookEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessingCompleted, stored.ProcessingStatus)
	assert.NotNil(t, stored.ProcessingTimeMillis)
	assert.Nil(t, stored.ErrorMessage)
}

func TestLedgerProcess_PanicMarksEventFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result := h.ledger.Process(ctx, domain.WebhookEvent{EventID: "evt-panic", Kind: domain.WebhookPayment}, func(ctx context.Context) error {
		panic("boom")
	})

	assert.Equal(t, OutcomeFailed, result.Outcome)
	require.Error(t, result.Err)
	stored, err := h.store.GetWebhookEvent(ctx, "evt-panic")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessingFailed, stored.ProcessingStatus)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "boom")
}

func TestLedgerProcess_FailedEventIsRetriedOnRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	event := domain.WebhookEvent{EventID: "evt-2", Kind: domain.WebhookPayment}

	failed := h.ledger.Process(ctx, event, func(ctx context.Context) error { return errors.New("database unavailable") })
	retried := h.ledger.Process(ctx, event, func(ctx context.Context) error { return nil })

	assert.Equal(t, OutcomeFailed, failed.Outcome)
	assert.Equal(t, OutcomeProcessed, retried.Outcome)
}

func TestLedgerProcess_InProgressEventIsDuplicateUntilStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	event := domain.WebhookEvent{EventID: "evt-3", Kind: domain.WebhookPayment}
	_, _, err := h.ledger.RecordOrGet(ctx, event)
	require.NoError(t, err)
	claimed, err := h.store.ClaimWebhookEvent(ctx, "evt-3", h.clock.Now(), h.clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	inFlight := h.ledger.Process(ctx, event, func(ctx context.Context) error { return nil })
	assert.Equal(t, OutcomeDuplicate, inFlight.Outcome)

	h.clock.Advance(10 * time.Minute)
	stale := h.ledger.Process(ctx, event, func(ctx context.Context) error { return nil })
	assert.Equal(t, OutcomeProcessed, stale.Outcome)
}

func TestLedgerRecordOrGet_RequiresEventID(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.ledger.RecordOrGet(context.Background(), domain.WebhookEvent{Kind: domain.WebhookPayment})

	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
