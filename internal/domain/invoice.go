/**
 * @description
 * Invoice, payment method and payment transaction models.
 */
package domain

import "time"

// InvoiceStatus is the lifecycle status of an invoice.
type InvoiceStatus string

const (
	InvoicePending  InvoiceStatus = "PENDING"
	InvoicePaid     InvoiceStatus = "PAID"
	InvoiceFailed   InvoiceStatus = "FAILED"
	InvoiceVoid     InvoiceStatus = "VOID"
	InvoiceRefunded InvoiceStatus = "REFUNDED"
)

// Invoice is created once per billing period by the invoice service.
type Invoice struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscription_id"`
	CustomerID     string        `json:"customer_id"`
	Status         InvoiceStatus `json:"status"`
	Subtotal       int64         `json:"subtotal"`
	TaxAmount      int64         `json:"tax_amount"`
	TotalAmount    int64         `json:"total_amount"`
	Currency       string        `json:"currency"`
	PeriodStart    time.Time     `json:"period_start"`
	PeriodEnd      time.Time     `json:"period_end"`
	DueDate        time.Time     `json:"due_date"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// PaymentMethod is a stored card reference owned by the payment method store.
type PaymentMethod struct {
	ID          string `json:"id"`
	CustomerID  string `json:"customer_id"`
	CardUserKey string `json:"card_user_key"`
	CardToken   string `json:"card_token"`
	IsDefault   bool   `json:"is_default"`
	IsActive    bool   `json:"is_active"`
}

// PaymentStatus is the status of one charge attempt.
type PaymentStatus string

const (
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentSuccess    PaymentStatus = "SUCCESS"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

// PaymentTransaction records a charge against an invoice and its retry state.
type PaymentTransaction struct {
	ID                     string        `json:"id"`
	InvoiceID              string        `json:"invoice_id"`
	PaymentMethodID        *string       `json:"payment_method_id,omitempty"`
	Amount                 int64         `json:"amount"`
	Currency               string        `json:"currency"`
	Status                 PaymentStatus `json:"status"`
	AttemptNumber          int           `json:"attempt_number"`
	NextRetryAt            *time.Time    `json:"next_retry_at,omitempty"`
	FailureCode            *string       `json:"failure_code,omitempty"`
	FailureMessage         *string       `json:"failure_message,omitempty"`
	ProviderConversationID string        `json:"provider_conversation_id"`
	ProviderPaymentID      *string       `json:"provider_payment_id,omitempty"`
	ProviderResponse       []byte        `json:"-"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// CanRetry reports whether another attempt is allowed under policy.
func (t *PaymentTransaction) CanRetry(policy RetryPolicy) bool {
	return t.Status == PaymentFailed && t.AttemptNumber < policy.MaxAttempts
}

// Exhausted reports whether the attempt cap has been reached.
func (t *PaymentTransaction) Exhausted(policy RetryPolicy) bool {
	return t.AttemptNumber >= policy.MaxAttempts
}

// ScheduleRetry consumes one attempt and sets the next retry time,
// or clears it once the cap is reached.
func (t *PaymentTransaction) ScheduleRetry(policy RetryPolicy, now time.Time) {
	if !t.CanRetry(policy) {
		t.NextRetryAt = nil
		return
	}
	delay := policy.Backoff(t.AttemptNumber)
	t.AttemptNumber++
	if t.AttemptNumber >= policy.MaxAttempts {
		t.NextRetryAt = nil
		return
	}
	next := now.Add(delay)
	t.NextRetryAt = &next
}

// RetryPolicy bounds charge retries.
type RetryPolicy struct {
	MaxAttempts int
	Schedule    []time.Duration
}

// DefaultRetryPolicy retries immediately, then after one and two days.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		Schedule:    []time.Duration{0, 24 * time.Hour, 48 * time.Hour},
	}
}

// Backoff returns the delay before the retry following the given attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if len(p.Schedule) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(p.Schedule) {
		attempt = len(p.Schedule) - 1
	}
	return p.Schedule[attempt]
}
