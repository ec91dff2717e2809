/**
 * @description
 * Persistence and collaborator contracts for the billing core.
 */
package app

import (
	"context"
	"time"

	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/pkg/gatewayclient"
	"github.com/transfa/billing-service/pkg/invoiceclient"
)

// SubscriptionRepository persists subscriptions and their audit log.
type SubscriptionRepository interface {
	FindCustomerIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error)
	FindPlanByCode(ctx context.Context, code string) (*domain.Plan, error)
	FindActivePrice(ctx context.Context, planID string, cycle domain.BillingCycle) (*domain.Price, error)
	CreateSubscription(ctx context.Context, sub *domain.Subscription, event domain.SubscriptionEvent) (*domain.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error)
	// UpdateSubscription locks the row, applies mutate and persists the result
	// together with the returned events in one transaction. A mutate error
	// rolls everything back.
	UpdateSubscription(ctx context.Context, id string, mutate func(sub *domain.Subscription) (domain.Change, error)) (*domain.Subscription, []domain.SubscriptionEvent, error)
	ListSubscriptionEvents(ctx context.Context, subscriptionID string, limit int) ([]domain.SubscriptionEvent, error)
	ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error)
	ListSuspendedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Subscription, error)
	// ListTrialsEnded includes PENDING_PAYMENT subscriptions whose first charge is still owed.
	ListTrialsEnded(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error)
	ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error)
}

// InvoiceRepository reads invoices and records payment outcomes on them.
type InvoiceRepository interface {
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	SetInvoiceStatus(ctx context.Context, id string, status domain.InvoiceStatus, paidAt *time.Time) error
}

// PaymentRepository persists payment transactions and reads payment methods.
type PaymentRepository interface {
	CreatePaymentTransaction(ctx context.Context, tx *domain.PaymentTransaction) (*domain.PaymentTransaction, error)
	GetPaymentTransaction(ctx context.Context, id string) (*domain.PaymentTransaction, error)
	FindTransactionByConversationID(ctx context.Context, conversationID string) (*domain.PaymentTransaction, error)
	FindTransactionByProviderPaymentID(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error)
	FindLatestTransactionForInvoice(ctx context.Context, invoiceID string) (*domain.PaymentTransaction, error)
	// UpdatePaymentTransaction locks the row and writes it only when mutate
	// reports a change.
	UpdatePaymentTransaction(ctx context.Context, id string, mutate func(tx *domain.PaymentTransaction) (bool, error)) (*domain.PaymentTransaction, bool, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.PaymentTransaction, error)
	FindDefaultPaymentMethod(ctx context.Context, customerID string) (*domain.PaymentMethod, error)
}

// WebhookEventRepository backs the Event Ledger.
type WebhookEventRepository interface {
	// InsertWebhookEvent inserts the event unless its event id exists.
	// It returns the stored row and whether this call created it.
	InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) (*domain.WebhookEvent, bool, error)
	// ClaimWebhookEvent moves an event to PROCESSING when it is RECEIVED,
	// FAILED, or PROCESSING since before staleBefore.
	ClaimWebhookEvent(ctx context.Context, eventID string, now, staleBefore time.Time) (bool, error)
	FinishWebhookEvent(ctx context.Context, eventID string, status domain.ProcessingStatus, processingMillis int64, errorMessage *string) error
	GetWebhookEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error)
}

// Repository is the full store used by the billing service.
type Repository interface {
	SubscriptionRepository
	InvoiceRepository
	PaymentRepository
	WebhookEventRepository
}

// Gateway submits charges and refunds to the payment provider.
type Gateway interface {
	Charge(ctx context.Context, req gatewayclient.ChargeRequest) (*gatewayclient.ChargeResult, error)
	Refund(ctx context.Context, req gatewayclient.RefundRequest) (*gatewayclient.RefundResult, error)
}

// InvoiceIssuer asks the invoice service for the invoice of a billing period.
// Issuing the same subscription period twice returns the same invoice.
type InvoiceIssuer interface {
	IssueInvoice(ctx context.Context, req invoiceclient.IssueRequest) (string, error)
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}
