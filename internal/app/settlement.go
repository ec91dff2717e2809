/**
 * @description
 * Applies recorded payment outcomes to the invoice and the subscription.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/transfa/billing-service/internal/domain"
)

// Settlement turns payment outcomes into invoice updates and lifecycle transitions.
type Settlement struct {
	subs     *SubscriptionService
	invoices InvoiceRepository
	logger   *slog.Logger
	settings Settings
}

// NewSettlement creates a new settlement.
func NewSettlement(subs *SubscriptionService, invoices InvoiceRepository, logger *slog.Logger, settings Settings) *Settlement {
	return &Settlement{subs: subs, invoices: invoices, logger: logger, settings: settings.withDefaults()}
}

// ApplySuccess marks the invoice paid and activates or renews the subscription.
func (s *Settlement) ApplySuccess(ctx context.Context, tx *domain.PaymentTransaction) error {
	invoice, err := s.invoices.GetInvoice(ctx, tx.InvoiceID)
	if err != nil {
		return fmt.Errorf("failed to load invoice %s: %w", tx.InvoiceID, err)
	}
	if invoice.Status != domain.InvoicePaid {
		paidAt := s.settings.Now()
		if err := s.invoices.SetInvoiceStatus(ctx, invoice.ID, domain.InvoicePaid, &paidAt); err != nil {
			return fmt.Errorf("failed to mark invoice %s paid: %w", invoice.ID, err)
		}
	}

	sub, err := s.subs.GetSubscription(ctx, invoice.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to load subscription %s: %w", invoice.SubscriptionID, err)
	}

	switch sub.Status {
	case domain.StatusPendingPayment, domain.StatusTrial, domain.StatusPastDue:
		_, err = s.subs.Activate(ctx, sub.ID)
	case domain.StatusActive:
		if !invoice.PeriodStart.Before(sub.CurrentPeriodEnd) {
			_, err = s.subs.Renew(ctx, sub.ID)
		}
	default:
		s.logger.Warn("payment settled for inactive subscription",
			"subscription_id", sub.ID,
			"status", sub.Status,
			"transaction_id", tx.ID,
		)
	}
	return err
}

// ApplyFailure marks the invoice failed, opens the grace period for paying
// subscriptions and suspends once retries are exhausted.
func (s *Settlement) ApplyFailure(ctx context.Context, outcome AttemptOutcome) error {
	tx := outcome.Transaction
	invoice, err := s.invoices.GetInvoice(ctx, tx.InvoiceID)
	if err != nil {
		return fmt.Errorf("failed to load invoice %s: %w", tx.InvoiceID, err)
	}
	if invoice.Status == domain.InvoicePaid || invoice.Status == domain.InvoiceRefunded {
		s.logger.Info("failure for settled invoice ignored", "invoice_id", invoice.ID, "transaction_id", tx.ID)
		return nil
	}
	if invoice.Status == domain.InvoicePending {
		if err := s.invoices.SetInvoiceStatus(ctx, invoice.ID, domain.InvoiceFailed, nil); err != nil {
			return fmt.Errorf("failed to mark invoice %s failed: %w", invoice.ID, err)
		}
	}

	sub, err := s.subs.GetSubscription(ctx, invoice.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to load subscription %s: %w", invoice.SubscriptionID, err)
	}
	if sub.Status.In(domain.StatusActive, domain.StatusTrial) {
		if sub, err = s.subs.MarkPastDue(ctx, sub.ID); err != nil {
			return err
		}
	}
	if outcome.Exhausted {
		return s.suspendIfPastDue(ctx, sub)
	}
	return nil
}

// Resume re-applies the settlement of a transaction whose attempt already
// finished, repairing an invoice or subscription left behind when an earlier
// run stopped after the transaction was committed. It is a no-op once both
// are consistent with the transaction.
func (s *Settlement) Resume(ctx context.Context, tx *domain.PaymentTransaction) error {
	switch tx.Status {
	case domain.PaymentSuccess:
		return s.ApplySuccess(ctx, tx)
	case domain.PaymentFailed:
		return s.ApplyFailure(ctx, AttemptOutcome{Transaction: tx, Exhausted: tx.Exhausted(s.settings.RetryPolicy)})
	}
	return nil
}

// SuspendExhausted suspends the subscription behind an exhausted transaction.
func (s *Settlement) SuspendExhausted(ctx context.Context, invoice *domain.Invoice) error {
	sub, err := s.subs.GetSubscription(ctx, invoice.SubscriptionID)
	if err != nil {
		return err
	}
	return s.suspendIfPastDue(ctx, sub)
}

// ApplyRefund marks the invoice of a refunded transaction refunded.
func (s *Settlement) ApplyRefund(ctx context.Context, tx *domain.PaymentTransaction) error {
	if err := s.invoices.SetInvoiceStatus(ctx, tx.InvoiceID, domain.InvoiceRefunded, nil); err != nil {
		return fmt.Errorf("failed to mark invoice %s refunded: %w", tx.InvoiceID, err)
	}
	return nil
}

func (s *Settlement) suspendIfPastDue(ctx context.Context, sub *domain.Subscription) error {
	if sub.Status != domain.StatusPastDue {
		return nil
	}
	s.logger.Info("retries exhausted, suspending subscription", "subscription_id", sub.ID)
	_, err := s.subs.Suspend(ctx, sub.ID)
	return err
}
