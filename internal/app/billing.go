/**
 * @description
 * Charge orchestration shared by the sweeps and the manual charge route.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/pkg/invoiceclient"
)

// ChargeResult summarizes one charge or retry.
type ChargeResult struct {
	InvoiceID     string               `json:"invoice_id"`
	TransactionID string               `json:"transaction_id,omitempty"`
	Status        domain.PaymentStatus `json:"status,omitempty"`
	AttemptNumber int                  `json:"attempt_number"`
	NextRetryAt   *time.Time           `json:"next_retry_at,omitempty"`
	Skipped       bool                 `json:"skipped"`
	Reason        string               `json:"reason,omitempty"`
}

// Biller issues invoices and charges them through the tracker.
type Biller struct {
	tracker    *PaymentTracker
	settlement *Settlement
	payments   PaymentRepository
	invoices   InvoiceRepository
	issuer     InvoiceIssuer
	logger     *slog.Logger
}

// NewBiller creates a new biller.
func NewBiller(tracker *PaymentTracker, settlement *Settlement, payments PaymentRepository, invoices InvoiceRepository, issuer InvoiceIssuer, logger *slog.Logger) *Biller {
	return &Biller{
		tracker:    tracker,
		settlement: settlement,
		payments:   payments,
		invoices:   invoices,
		issuer:     issuer,
		logger:     logger,
	}
}

// BillPeriod obtains the invoice for a subscription period and charges it
// unless a charge already exists.
func (b *Biller) BillPeriod(ctx context.Context, sub *domain.Subscription, periodStart, periodEnd time.Time) (*ChargeResult, error) {
	priceID, amount, currency := sub.PriceID, sub.Amount, sub.Currency
	if sub.ScheduledDowngrade != nil {
		priceID, amount, currency = sub.ScheduledDowngrade.PriceID, sub.ScheduledDowngrade.Amount, sub.ScheduledDowngrade.Currency
	}

	invoiceID, err := b.issuer.IssueInvoice(ctx, invoiceclient.IssueRequest{
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		PriceID:        priceID,
		Amount:         amount,
		Currency:       currency,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue invoice for subscription %s: %w", sub.ID, err)
	}
	return b.ChargeInvoice(ctx, invoiceID)
}

// ChargeInvoice opens a transaction for a pending invoice and submits it.
func (b *Biller) ChargeInvoice(ctx context.Context, invoiceID string) (*ChargeResult, error) {
	invoice, err := b.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	result := &ChargeResult{InvoiceID: invoice.ID}

	if invoice.Status != domain.InvoicePending {
		result.Skipped = true
		result.Reason = fmt.Sprintf("invoice is %s", invoice.Status)
		return result, nil
	}
	if existing, err := b.payments.FindLatestTransactionForInvoice(ctx, invoice.ID); err == nil {
		if err := b.settlement.Resume(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to resume settlement of transaction %s: %w", existing.ID, err)
		}
		result.Skipped = true
		result.Reason = "invoice already has a payment transaction"
		result.fill(existing)
		return result, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	method, err := b.payments.FindDefaultPaymentMethod(ctx, invoice.CustomerID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	tx, err := b.tracker.Open(ctx, invoice, method)
	if err != nil {
		return nil, fmt.Errorf("failed to open payment transaction: %w", err)
	}

	var outcome AttemptOutcome
	if method == nil {
		outcome, err = b.tracker.RecordFailure(ctx, tx.ID, FailureNoPaymentMethod, "customer has no default payment method", nil)
	} else {
		outcome, err = b.tracker.Submit(ctx, tx, invoice, method)
	}
	if err != nil {
		return nil, err
	}
	if err := b.settle(ctx, outcome); err != nil {
		return nil, err
	}

	result.fill(outcome.Transaction)
	return result, nil
}

// RetryTransaction runs one due retry: suspend when exhausted, skip the
// attempt when there is no payment method, charge otherwise.
func (b *Biller) RetryTransaction(ctx context.Context, txID string) (*ChargeResult, error) {
	tx, err := b.payments.GetPaymentTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	invoice, err := b.invoices.GetInvoice(ctx, tx.InvoiceID)
	if err != nil {
		return nil, err
	}
	result := &ChargeResult{InvoiceID: invoice.ID}

	if tx.Exhausted(b.tracker.Policy()) {
		if _, err := b.tracker.Exhaust(ctx, tx.ID); err != nil {
			return nil, err
		}
		if err := b.settlement.SuspendExhausted(ctx, invoice); err != nil {
			return nil, err
		}
		result.Skipped = true
		result.Reason = "retries exhausted"
		result.fill(tx)
		return result, nil
	}

	method, err := b.payments.FindDefaultPaymentMethod(ctx, invoice.CustomerID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	var outcome AttemptOutcome
	if method == nil {
		outcome, err = b.tracker.SkipAttempt(ctx, tx.ID, FailureNoPaymentMethod, "customer has no default payment method")
		if err != nil {
			return nil, err
		}
	} else {
		claimed, ok, err := b.tracker.ClaimRetry(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			result.Skipped = true
			result.Reason = "retry no longer due"
			result.fill(claimed)
			return result, nil
		}
		if outcome, err = b.tracker.Submit(ctx, claimed, invoice, method); err != nil {
			return nil, err
		}
	}

	if !outcome.Applied {
		result.Skipped = true
		result.Reason = "retry no longer due"
	} else if err := b.settle(ctx, outcome); err != nil {
		return nil, err
	}
	result.fill(outcome.Transaction)
	return result, nil
}

// Refund submits a refund for a transaction and updates the invoice on a
// synchronous confirmation.
func (b *Biller) Refund(ctx context.Context, txID string) (*ChargeResult, error) {
	outcome, err := b.tracker.SubmitRefund(ctx, txID)
	if err != nil {
		return nil, err
	}
	if outcome.Applied {
		if err := b.settlement.ApplyRefund(ctx, outcome.Transaction); err != nil {
			return nil, err
		}
	}
	result := &ChargeResult{InvoiceID: outcome.Transaction.InvoiceID}
	result.fill(outcome.Transaction)
	return result, nil
}

func (b *Biller) settle(ctx context.Context, outcome AttemptOutcome) error {
	if !outcome.Applied {
		return nil
	}
	if outcome.Succeeded {
		return b.settlement.ApplySuccess(ctx, outcome.Transaction)
	}
	return b.settlement.ApplyFailure(ctx, outcome)
}

func (r *ChargeResult) fill(tx *domain.PaymentTransaction) {
	if tx == nil {
		return
	}
	r.TransactionID = tx.ID
	r.Status = tx.Status
	r.AttemptNumber = tx.AttemptNumber
	r.NextRetryAt = tx.NextRetryAt
}
