package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/pkg/gatewayclient"
)

func TestChargeInvoice_FailureOpensGracePeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.activeSubscription(t, "cust-1", "PRO")
	h.addCard("cust-1")
	h.gateway.charge = declineAll
	invoice := h.addInvoice(sub, sub.CurrentPeriodStart)

	result, err := h.biller.ChargeInvoice(ctx, invoice.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, result.Status)
	assert.Equal(t, 1, result.AttemptNumber)
	require.NotNil(t, result.NextRetryAt)
	assert.True(t, result.NextRetryAt.Equal(h.clock.Now()))

	tx, err := h.store.GetPaymentTransaction(ctx, result.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, tx.FailureCode)
	assert.Equal(t, "10051", *tx.FailureCode)

	current := h.subscription(t, sub.ID)
	assert.Equal(t, domain.StatusPastDue, current.Status)
	require.NotNil(t, current.GracePeriodEnd)
	assert.True(t, current.GracePeriodEnd.Equal(h.clock.Now().Add(3*24*time.Hour)))

	stored, err := h.store.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceFailed, stored.Status)
}

func TestRetryTransaction_SuspendsOnLastFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.activeSubscription(t, "cust-1", "PRO")
	h.addCard("cust-1")
	h.gateway.charge = declineAll
	invoice := h.addInvoice(sub, sub.CurrentPeriodStart)

	first, err := h.biller.ChargeInvoice(ctx, invoice.ID)
	require.NoError(t, err)

	wantNext := []time.Duration{24 * time.Hour, 48 * time.Hour}
	for i, delay := range wantNext {
		result, err := h.biller.RetryTransaction(ctx, first.TransactionID)
		require.NoError(t, err)
		assert.False(t, result.Skipped)
		assert.Equal(t, i+2, result.AttemptNumber)
		require.NotNil(t, result.NextRetryAt)
		assert.True(t, result.NextRetryAt.Equal(h.clock.Now().Add(delay)))
		assert.Equal(t, domain.StatusPastDue, h.subscription(t, sub.ID).Status)
		h.clock.Advance(delay)
	}

	last, err := h.biller.RetryTransaction(ctx, first.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, 4, last.AttemptNumber)
	assert.Nil(t, last.NextRetryAt)
	assert.Equal(t, 4, h.gateway.chargeCount())
	assert.Equal(t, domain.StatusSuspended, h.subscription(t, sub.ID).Status)

	due, err := h.store.ListDueRetries(ctx, h.clock.Now().Add(365*24*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRetryTransaction_NotDueIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.activeSubscription(t, "cust-1", "PRO")
	h.addCard("cust-1")
	h.gateway.charge = declineAll
	invoice := h.addInvoice(sub, sub.CurrentPeriodStart)

	first, err := h.biller.ChargeInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	_, err = h.biller.RetryTransaction(ctx, first.TransactionID)
	require.NoError(t, err)

	result, err := h.biller.RetryTransaction(ctx, first.TransactionID)

	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, 2, result.AttemptNumber)
	assert.Equal(t, 2, h.gateway.chargeCount())
}

func TestChargeInvoice_GatewayTimeoutIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.activeSubscription(t, "cust-1", "PRO")
	h.addCard("cust-1")
	h.gateway.charge = func(req gatewayclient.ChargeRequest) (*gatewayclient.ChargeResult, error) {
		return nil, fmt.Errorf("failed to send charge request: %w", context.DeadlineExceeded)
	}
	invoice := h.addInvoice(sub, sub.CurrentPeriodStart)

	result, err := h.biller.ChargeInvoice(ctx, invoice.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, result.Status)
	tx, err := h.store.GetPaymentTransaction(ctx, result.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, tx.FailureCode)
	assert.Equal(t, FailureGatewayTimeout, *tx.FailureCode)
	assert.Equal(t, domain.StatusPastDue, h.subscription(t, sub.ID).Status)
}

func TestChargeInvoice_NoPaymentMethodConsumesAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.activeSubscription(t, "cust-1", "PRO")
	invoice := h.addInvoice(sub, sub.CurrentPeriodStart)

	result, err := h.biller.ChargeInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.AttemptNumber)

	retry, err := h.biller.RetryTransaction(ctx, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, 2, retry.AttemptNumber)
	assert.Equal(t, domain.PaymentFailed, retry.Status)

	tx, err := h.store.GetPaymentTransaction(ctx, result.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, tx.FailureCode)
	assert.Equal(t, FailureNoPaymentMethod, *tx.FailureCode)
	assert.Zero(t, h.gateway.chargeCount())
	assert.Equal(t, domain.StatusPastDue, h.subscription(t, sub.ID).Status)
}

func TestChargeInvoice_SuccessActivatesPendingSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createSubscription(t, "cust-1", "PRO")
	_, err := h.subs.EndTrial(ctx, sub.ID)
	require.NoError(t, err)
	h.addCard("cust-1")
	invoice := h.addInvoice(sub, h.clock.Now())

	result, err := h.biller.ChargeInvoice(ctx, invoice.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSuccess, result.Status)
	assert.Equal(t, domain.StatusActive, h.subscription(t, sub.ID).Status)
	stored, err := h.store.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, stored.Status)
	assert.NotNil(t, stored.PaidAt)

	again, err := h.biller.ChargeInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, 1, h.gateway.chargeCount())
}

func TestChargeInvoice_SkipsInvoiceWithExistingTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.activeSubscription(t, "cust-1", "PRO")
	h.addCard("cust-1")
	h.gateway.charge = declineAll
	invoice := h.addInvoice(sub, sub.CurrentPeriodStart)
	_, err := h.biller.ChargeInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	require.NoError(t, h.store.SetInvoiceStatus(ctx, invoice.ID, domain.InvoicePending, nil))

	result, err := h.biller.ChargeInvoice(ctx, invoice.ID)

	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Len(t, h.store.TransactionsForInvoice(invoice.ID), 1)
	stored, err := h.store.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceFailed, stored.Status)
}

func TestChargeInvoice_ResumesSettlementOfSucceededTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createSubscription(t, "cust-1", "PRO")
	_, err := h.subs.EndTrial(ctx, sub.ID)
	require.NoError(t, err)
	tx := h.pendingCharge(t, sub)
	_, err = h.tracker.RecordSuccess(ctx, tx.ID, "pay-1", nil)
	require.NoError(t, err)

	result, err := h.biller.ChargeInvoice(ctx, tx.InvoiceID)

	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, domain.PaymentSuccess, result.Status)
	assert.Zero(t, h.gateway.chargeCount())
	assert.Equal(t, domain.StatusActive, h.subscription(t, sub.ID).Status)
	invoice, err := h.store.GetInvoice(ctx, tx.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, invoice.Status)
}

func TestBillPeriod_SuccessAtBoundaryRenews(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.activeSubscription(t, "cust-1", "PRO")
	h.addCard("cust-1")
	periodEnd := sub.CurrentPeriodEnd
	h.clock.Advance(periodEnd.Sub(h.clock.Now()))

	result, err := h.biller.BillPeriod(ctx, sub, periodEnd, sub.BillingCycle.Advance(periodEnd))

	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSuccess, result.Status)
	renewed := h.subscription(t, sub.ID)
	assert.True(t, renewed.CurrentPeriodStart.Equal(periodEnd))
	assert.True(t, renewed.CurrentPeriodEnd.Equal(periodEnd.AddDate(0, 1, 0)))
	assert.Len(t, h.events(t, sub.ID, domain.EventRenewed), 1)
}

func TestBillPeriod_ChargesScheduledDowngradePrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.activeSubscription(t, "cust-1", "PRO")
	h.addCard("cust-1")
	sub, err := h.subs.ScheduleDowngrade(ctx, sub.ID, "STARTER", "")
	require.NoError(t, err)

	result, err := h.biller.BillPeriod(ctx, sub, sub.CurrentPeriodEnd, sub.BillingCycle.Advance(sub.CurrentPeriodEnd))

	require.NoError(t, err)
	invoice, err := h.store.GetInvoice(ctx, result.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, int64(29900), invoice.TotalAmount)
	assert.Equal(t, "plan-starter", h.subscription(t, sub.ID).PlanID)
}

func TestRecordSuccess_LateSuccessWinsOverFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.activeSubscription(t, "cust-1", "PRO")
	h.addCard("cust-1")
	h.gateway.charge = declineAll
	invoice := h.addInvoice(sub, sub.CurrentPeriodStart)
	first, err := h.biller.ChargeInvoice(ctx, invoice.ID)
	require.NoError(t, err)

	outcome, err := h.tracker.RecordSuccess(ctx, first.TransactionID, "pay-late", nil)
	require.NoError(t, err)
	require.True(t, outcome.Applied)
	require.NoError(t, h.settlement.ApplySuccess(ctx, outcome.Transaction))

	assert.Equal(t, domain.PaymentSuccess, outcome.Transaction.Status)
	assert.Nil(t, outcome.Transaction.NextRetryAt)
	assert.Equal(t, domain.StatusActive, h.subscription(t, sub.ID).Status)

	late, err := h.tracker.RecordFailure(ctx, first.TransactionID, "10051", "insufficient funds", nil)
	require.NoError(t, err)
	assert.False(t, late.Applied)
	assert.Equal(t, domain.PaymentSuccess, late.Transaction.Status)
}

func TestRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createSubscription(t, "cust-1", "PRO")
	_, err := h.subs.EndTrial(ctx, sub.ID)
	require.NoError(t, err)
	h.addCard("cust-1")
	invoice := h.addInvoice(sub, h.clock.Now())
	charged, err := h.biller.ChargeInvoice(ctx, invoice.ID)
	require.NoError(t, err)

	result, err := h.biller.Refund(ctx, charged.TransactionID)

	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, result.Status)
	stored, err := h.store.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceRefunded, stored.Status)

	_, err = h.biller.Refund(ctx, charged.TransactionID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRefund_GatewayRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createSubscription(t, "cust-1", "PRO")
	_, err := h.subs.EndTrial(ctx, sub.ID)
	require.NoError(t, err)
	h.addCard("cust-1")
	invoice := h.addInvoice(sub, h.clock.Now())
	charged, err := h.biller.ChargeInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	h.gateway.refund = func(req gatewayclient.RefundRequest) (*gatewayclient.RefundResult, error) {
		return &gatewayclient.RefundResult{Success: false, ErrorCode: "REFUND_WINDOW_CLOSED"}, nil
	}

	_, err = h.biller.Refund(ctx, charged.TransactionID)

	var gwErr *domain.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "REFUND_WINDOW_CLOSED", gwErr.Code)
	tx, err := h.store.GetPaymentTransaction(ctx, charged.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSuccess, tx.Status)
}
