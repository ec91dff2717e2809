/**
 * @description
 * Payment transaction tracking: one row per charge against an invoice,
 * carrying the attempt counter and retry schedule. Gateway errors and
 * timeouts stop here and become FAILED attempts.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/pkg/gatewayclient"
)

const (
	FailureGatewayError    = "GATEWAY_ERROR"
	FailureGatewayTimeout  = "GATEWAY_TIMEOUT"
	FailureNoPaymentMethod = "NO_PAYMENT_METHOD"
	FailureDeclined        = "DECLINED"
)

// AttemptOutcome is the recorded result of a charge attempt.
type AttemptOutcome struct {
	Transaction *domain.PaymentTransaction
	Succeeded   bool
	// Exhausted is set when the failure consumed the last allowed attempt.
	Exhausted bool
	// Applied is false when the transaction had already been settled and
	// nothing was written.
	Applied bool
}

// PaymentTracker records charge attempts and their retry eligibility.
type PaymentTracker struct {
	repo     PaymentRepository
	gateway  Gateway
	logger   *slog.Logger
	settings Settings
}

// NewPaymentTracker creates a new payment tracker.
func NewPaymentTracker(repo PaymentRepository, gateway Gateway, logger *slog.Logger, settings Settings) *PaymentTracker {
	return &PaymentTracker{
		repo:     repo,
		gateway:  gateway,
		logger:   logger,
		settings: settings.withDefaults(),
	}
}

// Policy returns the retry policy in effect.
func (t *PaymentTracker) Policy() domain.RetryPolicy {
	return t.settings.RetryPolicy
}

// Open creates a PROCESSING transaction for an invoice with a fresh correlation id.
func (t *PaymentTracker) Open(ctx context.Context, invoice *domain.Invoice, method *domain.PaymentMethod) (*domain.PaymentTransaction, error) {
	tx := &domain.PaymentTransaction{
		InvoiceID:              invoice.ID,
		Amount:                 invoice.TotalAmount,
		Currency:               invoice.Currency,
		Status:                 domain.PaymentProcessing,
		ProviderConversationID: uuid.NewString(),
	}
	if method != nil {
		tx.PaymentMethodID = &method.ID
	}
	return t.repo.CreatePaymentTransaction(ctx, tx)
}

// Submit sends a PROCESSING transaction to the gateway with a bounded timeout
// and records the result. It only returns an error when recording fails.
func (t *PaymentTracker) Submit(ctx context.Context, tx *domain.PaymentTransaction, invoice *domain.Invoice, method *domain.PaymentMethod) (AttemptOutcome, error) {
	chargeCtx, cancel := context.WithTimeout(ctx, t.settings.GatewayTimeout)
	defer cancel()

	result, err := t.gateway.Charge(chargeCtx, gatewayclient.ChargeRequest{
		ConversationID: tx.ProviderConversationID,
		CustomerID:     invoice.CustomerID,
		InvoiceID:      invoice.ID,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		CardUserKey:    method.CardUserKey,
		CardToken:      method.CardToken,
	})
	if err != nil {
		gwErr := toGatewayError(err)
		t.logger.Warn("gateway charge failed", "transaction_id", tx.ID, "code", gwErr.Code, "error", err)
		return t.RecordFailure(ctx, tx.ID, gwErr.Code, gwErr.Message, nil)
	}
	if !result.Success {
		code := result.ErrorCode
		if code == "" {
			code = FailureDeclined
		}
		return t.RecordFailure(ctx, tx.ID, code, result.ErrorMessage, result.Raw)
	}
	return t.RecordSuccess(ctx, tx.ID, result.PaymentID, result.Raw)
}

// RecordSuccess settles a transaction. A late success after a recorded
// failure still wins and cancels the pending retry.
func (t *PaymentTracker) RecordSuccess(ctx context.Context, txID, providerPaymentID string, raw []byte) (AttemptOutcome, error) {
	tx, applied, err := t.repo.UpdatePaymentTransaction(ctx, txID, func(tx *domain.PaymentTransaction) (bool, error) {
		if tx.Status != domain.PaymentProcessing && tx.Status != domain.PaymentFailed {
			return false, nil
		}
		tx.Status = domain.PaymentSuccess
		tx.NextRetryAt = nil
		tx.FailureCode = nil
		tx.FailureMessage = nil
		if providerPaymentID != "" {
			paymentID := providerPaymentID
			tx.ProviderPaymentID = &paymentID
		}
		if raw != nil {
			tx.ProviderResponse = raw
		}
		return true, nil
	})
	if err != nil {
		return AttemptOutcome{}, err
	}
	if applied {
		paymentAttemptsTotal.WithLabelValues("success").Inc()
	}
	return AttemptOutcome{Transaction: tx, Succeeded: true, Applied: applied}, nil
}

// RecordFailure fails a PROCESSING transaction and schedules the next retry
// while attempts remain.
func (t *PaymentTracker) RecordFailure(ctx context.Context, txID, code, message string, raw []byte) (AttemptOutcome, error) {
	policy := t.settings.RetryPolicy
	now := t.settings.Now()
	tx, applied, err := t.repo.UpdatePaymentTransaction(ctx, txID, func(tx *domain.PaymentTransaction) (bool, error) {
		if tx.Status != domain.PaymentProcessing {
			return false, nil
		}
		tx.Status = domain.PaymentFailed
		setFailure(tx, code, message)
		if raw != nil {
			tx.ProviderResponse = raw
		}
		tx.ScheduleRetry(policy, now)
		return true, nil
	})
	if err != nil {
		return AttemptOutcome{}, err
	}
	if applied {
		paymentAttemptsTotal.WithLabelValues("failure").Inc()
	}
	return AttemptOutcome{Transaction: tx, Exhausted: applied && tx.Exhausted(policy), Applied: applied}, nil
}

// ClaimRetry moves a due FAILED transaction back to PROCESSING so that only
// one worker charges it.
func (t *PaymentTracker) ClaimRetry(ctx context.Context, txID string) (*domain.PaymentTransaction, bool, error) {
	policy := t.settings.RetryPolicy
	now := t.settings.Now()
	return t.repo.UpdatePaymentTransaction(ctx, txID, func(tx *domain.PaymentTransaction) (bool, error) {
		if !isDue(tx, now) || !tx.CanRetry(policy) {
			return false, nil
		}
		tx.Status = domain.PaymentProcessing
		tx.NextRetryAt = nil
		return true, nil
	})
}

// SkipAttempt consumes a due retry without charging, for customers with no
// usable payment method.
func (t *PaymentTracker) SkipAttempt(ctx context.Context, txID, code, message string) (AttemptOutcome, error) {
	policy := t.settings.RetryPolicy
	now := t.settings.Now()
	tx, applied, err := t.repo.UpdatePaymentTransaction(ctx, txID, func(tx *domain.PaymentTransaction) (bool, error) {
		if !isDue(tx, now) || !tx.CanRetry(policy) {
			return false, nil
		}
		setFailure(tx, code, message)
		tx.ScheduleRetry(policy, now)
		return true, nil
	})
	if err != nil {
		return AttemptOutcome{}, err
	}
	if applied {
		paymentAttemptsTotal.WithLabelValues("skipped").Inc()
	}
	return AttemptOutcome{Transaction: tx, Exhausted: applied && tx.Exhausted(policy), Applied: applied}, nil
}

// Exhaust clears the retry schedule of a transaction that has no attempts left.
func (t *PaymentTracker) Exhaust(ctx context.Context, txID string) (*domain.PaymentTransaction, error) {
	policy := t.settings.RetryPolicy
	tx, _, err := t.repo.UpdatePaymentTransaction(ctx, txID, func(tx *domain.PaymentTransaction) (bool, error) {
		if tx.NextRetryAt == nil || !tx.Exhausted(policy) {
			return false, nil
		}
		tx.NextRetryAt = nil
		return true, nil
	})
	return tx, err
}

// MarkRefunded records a confirmed refund of a successful transaction.
func (t *PaymentTracker) MarkRefunded(ctx context.Context, txID string, raw []byte) (AttemptOutcome, error) {
	tx, applied, err := t.repo.UpdatePaymentTransaction(ctx, txID, func(tx *domain.PaymentTransaction) (bool, error) {
		if tx.Status != domain.PaymentSuccess {
			return false, nil
		}
		tx.Status = domain.PaymentRefunded
		if raw != nil {
			tx.ProviderResponse = raw
		}
		return true, nil
	})
	if err != nil {
		return AttemptOutcome{}, err
	}
	return AttemptOutcome{Transaction: tx, Applied: applied}, nil
}

// SubmitRefund asks the gateway to refund a successful transaction. A
// synchronous confirmation is recorded immediately; otherwise the refund
// webhook completes it.
func (t *PaymentTracker) SubmitRefund(ctx context.Context, txID string) (AttemptOutcome, error) {
	tx, err := t.repo.GetPaymentTransaction(ctx, txID)
	if err != nil {
		return AttemptOutcome{}, err
	}
	if tx.Status != domain.PaymentSuccess || tx.ProviderPaymentID == nil {
		return AttemptOutcome{}, fmt.Errorf("%w: transaction %s is %s and cannot be refunded", domain.ErrInvalidState, tx.ID, tx.Status)
	}

	refundCtx, cancel := context.WithTimeout(ctx, t.settings.GatewayTimeout)
	defer cancel()

	result, err := t.gateway.Refund(refundCtx, gatewayclient.RefundRequest{
		ConversationID: tx.ProviderConversationID,
		PaymentID:      *tx.ProviderPaymentID,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
	})
	if err != nil {
		return AttemptOutcome{}, toGatewayError(err)
	}
	if !result.Success {
		return AttemptOutcome{}, &domain.GatewayError{Code: result.ErrorCode, Message: result.ErrorMessage}
	}
	return t.MarkRefunded(ctx, tx.ID, result.Raw)
}

func isDue(tx *domain.PaymentTransaction, now time.Time) bool {
	return tx.Status == domain.PaymentFailed && tx.NextRetryAt != nil && !tx.NextRetryAt.After(now)
}

func setFailure(tx *domain.PaymentTransaction, code, message string) {
	failureCode := code
	tx.FailureCode = &failureCode
	if message != "" {
		failureMessage := message
		tx.FailureMessage = &failureMessage
	} else {
		tx.FailureMessage = nil
	}
}

func toGatewayError(err error) *domain.GatewayError {
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.GatewayError{Code: FailureGatewayTimeout, Message: "payment gateway timed out", Err: err}
	}
	return &domain.GatewayError{Code: FailureGatewayError, Message: err.Error(), Err: err}
}
