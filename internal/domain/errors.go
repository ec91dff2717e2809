package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrSubscriptionNotFound  = fmt.Errorf("subscription %w", ErrNotFound)
	ErrInvoiceNotFound       = fmt.Errorf("invoice %w", ErrNotFound)
	ErrTransactionNotFound   = fmt.Errorf("payment transaction %w", ErrNotFound)
	ErrPlanNotFound          = fmt.Errorf("plan %w", ErrNotFound)
	ErrPriceNotFound         = fmt.Errorf("price %w", ErrNotFound)
	ErrPaymentMethodNotFound = fmt.Errorf("payment method %w", ErrNotFound)
	ErrWebhookEventNotFound  = fmt.Errorf("webhook event %w", ErrNotFound)
	ErrCustomerNotFound      = fmt.Errorf("customer %w", ErrNotFound)

	ErrInvalidState       = errors.New("invalid state")
	ErrInvalidPlanChange  = fmt.Errorf("%w: plan change not allowed", ErrInvalidState)
	ErrSubscriptionExists = fmt.Errorf("%w: customer already has a subscription", ErrInvalidState)

	// ErrReferralRewardApplied means the referral already extended this subscription.
	ErrReferralRewardApplied = errors.New("referral reward already applied")

	ErrInvalidArgument = errors.New("invalid argument")

	ErrSignatureInvalid = errors.New("invalid webhook signature")
	ErrSweepInProgress  = errors.New("sweep already running")
	ErrMissingEventKey  = errors.New("webhook idempotency key required")
)

// InvalidStateError is returned when a transition guard rejects an operation.
type InvalidStateError struct {
	Op     string
	Status SubscriptionStatus
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s subscription in status %s: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("cannot %s subscription in status %s", e.Op, e.Status)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// GatewayError is a failed or timed-out gateway submission.
type GatewayError struct {
	Code    string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway error %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// SignatureError describes why a webhook signature was rejected.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSignatureInvalid.Error(), e.Reason)
}

func (e *SignatureError) Is(target error) bool {
	return target == ErrSignatureInvalid
}
