/**
 * @description
 * Postgres data access layer for the billing service. Subscription and
 * transaction updates lock the row with SELECT ... FOR UPDATE and commit the
 * new state together with its audit events.
 */
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/billing-service/internal/domain"
)

const (
	uniqueViolation          = "23505"
	referralRewardConstraint = "uq_subscription_events_referral"
)

// Repository handles database operations for subscriptions, payments and webhook events.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// limitArg maps a non-positive limit to LIMIT NULL, which postgres treats as no limit.
func limitArg(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}

// FindCustomerIDByClerkUserID resolves the internal UUID from a Clerk user id string.
func (r *Repository) FindCustomerIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE clerk_user_id = $1", clerkUserID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrCustomerNotFound
		}
		return "", err
	}
	return id, nil
}

// FindPlanByCode returns an active plan by its code.
func (r *Repository) FindPlanByCode(ctx context.Context, code string) (*domain.Plan, error) {
	query := `
		SELECT id, code, name, rank, is_active
		FROM subscription_plans
		WHERE code = $1 AND is_active = TRUE
	`
	var plan domain.Plan
	if err := r.db.QueryRow(ctx, query, code).Scan(&plan.ID, &plan.Code, &plan.Name, &plan.Rank, &plan.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlanNotFound
		}
		return nil, err
	}
	return &plan, nil
}

// FindActivePrice returns the newest active price of a plan for a cycle.
func (r *Repository) FindActivePrice(ctx context.Context, planID string, cycle domain.BillingCycle) (*domain.Price, error) {
	query := `
		SELECT id, plan_id, billing_cycle, amount, currency, is_active
		FROM subscription_prices
		WHERE plan_id = $1 AND billing_cycle = $2 AND is_active = TRUE
		ORDER BY created_at DESC
		LIMIT 1
	`
	var price domain.Price
	var billingCycle string
	if err := r.db.QueryRow(ctx, query, planID, string(cycle)).Scan(
		&price.ID,
		&price.PlanID,
		&billingCycle,
		&price.Amount,
		&price.Currency,
		&price.IsActive,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPriceNotFound
		}
		return nil, err
	}
	price.BillingCycle = domain.BillingCycle(billingCycle)
	return &price, nil
}

const subscriptionSelect = `
	SELECT s.id, s.customer_id, s.plan_id, p.code, p.rank, s.price_id, s.billing_cycle,
	       s.amount, s.currency, s.status, s.trial_start, s.trial_end,
	       s.current_period_start, s.current_period_end, s.grace_period_end,
	       s.cancel_at_period_end, s.cancelled_at, s.cancellation_reason, s.auto_renew,
	       dp.id, dp.plan_id, dpl.code, dpl.rank, dp.billing_cycle, dp.amount, dp.currency,
	       s.suspended_at, s.first_activated_at, s.created_at, s.updated_at
	FROM subscriptions s
	JOIN subscription_plans p ON p.id = s.plan_id
	LEFT JOIN subscription_prices dp ON dp.id = s.scheduled_price_id
	LEFT JOIN subscription_plans dpl ON dpl.id = dp.plan_id
`

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var sub domain.Subscription
	var cycle, status string
	var downgradePriceID, downgradePlanID, downgradePlanCode, downgradeCycle, downgradeCurrency *string
	var downgradeRank *int
	var downgradeAmount *int64
	if err := row.Scan(
		&sub.ID,
		&sub.CustomerID,
		&sub.PlanID,
		&sub.PlanCode,
		&sub.PlanRank,
		&sub.PriceID,
		&cycle,
		&sub.Amount,
		&sub.Currency,
		&status,
		&sub.TrialStart,
		&sub.TrialEnd,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.GracePeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CancelledAt,
		&sub.CancellationReason,
		&sub.AutoRenew,
		&downgradePriceID,
		&downgradePlanID,
		&downgradePlanCode,
		&downgradeRank,
		&downgradeCycle,
		&downgradeAmount,
		&downgradeCurrency,
		&sub.SuspendedAt,
		&sub.FirstActivatedAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.BillingCycle = domain.BillingCycle(cycle)
	sub.Status = domain.SubscriptionStatus(status)

	if downgradePriceID != nil && downgradePlanID != nil {
		change := domain.PlanChange{
			PlanID:  *downgradePlanID,
			PriceID: *downgradePriceID,
		}
		if downgradePlanCode != nil {
			change.PlanCode = *downgradePlanCode
		}
		if downgradeRank != nil {
			change.PlanRank = *downgradeRank
		}
		if downgradeCycle != nil {
			change.BillingCycle = domain.BillingCycle(*downgradeCycle)
		}
		if downgradeAmount != nil {
			change.Amount = *downgradeAmount
		}
		if downgradeCurrency != nil {
			change.Currency = *downgradeCurrency
		}
		sub.ScheduledDowngrade = &change
	}
	return &sub, nil
}

func (r *Repository) listSubscriptions(ctx context.Context, where string, args ...interface{}) ([]domain.Subscription, error) {
	rows, err := r.db.Query(ctx, subscriptionSelect+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// CreateSubscription inserts a subscription and its CREATED event. The
// partial unique index on customer_id rejects a second live subscription.
func (r *Repository) CreateSubscription(ctx context.Context, sub *domain.Subscription, event domain.SubscriptionEvent) (*domain.Subscription, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO subscriptions (
			customer_id, plan_id, price_id, billing_cycle, amount, currency, status,
			trial_start, trial_end, current_period_start, current_period_end, auto_renew
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`
	created := *sub
	err = tx.QueryRow(ctx, query,
		sub.CustomerID,
		sub.PlanID,
		sub.PriceID,
		string(sub.BillingCycle),
		sub.Amount,
		sub.Currency,
		string(sub.Status),
		sub.TrialStart,
		sub.TrialEnd,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.AutoRenew,
	).Scan(&created.ID, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, domain.ErrSubscriptionExists
		}
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}

	event.SubscriptionID = created.ID
	event.CustomerID = created.CustomerID
	if _, err := insertEvent(ctx, tx, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit subscription: %w", err)
	}
	return &created, nil
}

// GetSubscription retrieves a subscription by id.
func (r *Repository) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx, subscriptionSelect+" WHERE s.id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// GetSubscriptionByCustomerID retrieves the most recent subscription of a customer.
func (r *Repository) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx, subscriptionSelect+" WHERE s.customer_id = $1 ORDER BY s.created_at DESC LIMIT 1", customerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// UpdateSubscription locks the row, applies mutate, then writes the row and
// appends the events in the same transaction.
func (r *Repository) UpdateSubscription(ctx context.Context, id string, mutate func(sub *domain.Subscription) (domain.Change, error)) (*domain.Subscription, []domain.SubscriptionEvent, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Use FOR UPDATE OF s to lock only the subscription row.
	sub, err := scanSubscription(tx.QueryRow(ctx, subscriptionSelect+" WHERE s.id = $1 FOR UPDATE OF s", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, domain.ErrSubscriptionNotFound
		}
		return nil, nil, fmt.Errorf("failed to lock subscription: %w", err)
	}

	current := *sub
	change, err := mutate(sub)
	if err != nil {
		return nil, nil, err
	}
	if change.Skip {
		return &current, nil, nil
	}

	var scheduledPriceID *string
	if sub.ScheduledDowngrade != nil {
		scheduledPriceID = &sub.ScheduledDowngrade.PriceID
	}
	query := `
		UPDATE subscriptions SET
			plan_id = $2,
			price_id = $3,
			billing_cycle = $4,
			amount = $5,
			currency = $6,
			status = $7,
			trial_start = $8,
			trial_end = $9,
			current_period_start = $10,
			current_period_end = $11,
			grace_period_end = $12,
			cancel_at_period_end = $13,
			cancelled_at = $14,
			cancellation_reason = $15,
			auto_renew = $16,
			scheduled_price_id = $17,
			suspended_at = $18,
			first_activated_at = $19,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = tx.QueryRow(ctx, query,
		sub.ID,
		sub.PlanID,
		sub.PriceID,
		string(sub.BillingCycle),
		sub.Amount,
		sub.Currency,
		string(sub.Status),
		sub.TrialStart,
		sub.TrialEnd,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.GracePeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CancelledAt,
		sub.CancellationReason,
		sub.AutoRenew,
		scheduledPriceID,
		sub.SuspendedAt,
		sub.FirstActivatedAt,
	).Scan(&sub.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	events := make([]domain.SubscriptionEvent, 0, len(change.Events))
	for _, event := range change.Events {
		event.SubscriptionID = sub.ID
		event.CustomerID = sub.CustomerID
		stored, err := insertEvent(ctx, tx, event)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, stored)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit subscription update: %w", err)
	}
	return sub, events, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, event domain.SubscriptionEvent) (domain.SubscriptionEvent, error) {
	var metadata *string
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return event, fmt.Errorf("failed to encode event metadata: %w", err)
		}
		text := string(encoded)
		metadata = &text
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO subscription_events (
			subscription_id, customer_id, event_type, previous_status, new_status,
			previous_plan_id, new_plan_id, metadata, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		RETURNING id, created_at
	`
	err := tx.QueryRow(ctx, query,
		event.SubscriptionID,
		event.CustomerID,
		string(event.EventType),
		statusText(event.PreviousStatus),
		statusText(event.NewStatus),
		event.PreviousPlanID,
		event.NewPlanID,
		metadata,
		createdAt,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == referralRewardConstraint {
			return event, domain.ErrReferralRewardApplied
		}
		return event, fmt.Errorf("failed to insert subscription event: %w", err)
	}
	return event, nil
}

func statusText(status *domain.SubscriptionStatus) *string {
	if status == nil {
		return nil
	}
	text := string(*status)
	return &text
}

// ListSubscriptionEvents returns the latest events of a subscription, oldest first.
func (r *Repository) ListSubscriptionEvents(ctx context.Context, subscriptionID string, limit int) ([]domain.SubscriptionEvent, error) {
	query := `
		SELECT id, subscription_id, customer_id, event_type, previous_status, new_status,
		       previous_plan_id, new_plan_id, metadata, created_at
		FROM (
			SELECT * FROM subscription_events
			WHERE subscription_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, subscriptionID, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.SubscriptionEvent
	for rows.Next() {
		var event domain.SubscriptionEvent
		var eventType string
		var previousStatus, newStatus *string
		if err := rows.Scan(
			&event.ID,
			&event.SubscriptionID,
			&event.CustomerID,
			&eventType,
			&previousStatus,
			&newStatus,
			&event.PreviousPlanID,
			&event.NewPlanID,
			&event.Metadata,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		event.EventType = domain.SubscriptionEventType(eventType)
		if previousStatus != nil {
			status := domain.SubscriptionStatus(*previousStatus)
			event.PreviousStatus = &status
		}
		if newStatus != nil {
			status := domain.SubscriptionStatus(*newStatus)
			event.NewStatus = &status
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ListGraceExpired lists PAST_DUE subscriptions whose grace period has ended.
func (r *Repository) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	return r.listSubscriptions(ctx, `
		WHERE s.status = 'PAST_DUE' AND s.grace_period_end <= $1
		ORDER BY s.grace_period_end
		LIMIT $2
	`, now, limitArg(limit))
}

// ListSuspendedBefore lists subscriptions suspended at or before cutoff.
func (r *Repository) ListSuspendedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Subscription, error) {
	return r.listSubscriptions(ctx, `
		WHERE s.status = 'SUSPENDED' AND s.suspended_at <= $1
		ORDER BY s.suspended_at
		LIMIT $2
	`, cutoff, limitArg(limit))
}

// ListTrialsEnded lists trials that have run out, including ones already
// moved to PENDING_PAYMENT.
func (r *Repository) ListTrialsEnded(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	return r.listSubscriptions(ctx, `
		WHERE s.status IN ('TRIAL', 'PENDING_PAYMENT') AND s.trial_end <= $1
		ORDER BY s.trial_end
		LIMIT $2
	`, now, limitArg(limit))
}

// ListDueForRenewal lists ACTIVE subscriptions at or past their period end.
func (r *Repository) ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	return r.listSubscriptions(ctx, `
		WHERE s.status = 'ACTIVE' AND s.current_period_end <= $1
		ORDER BY s.current_period_end
		LIMIT $2
	`, now, limitArg(limit))
}

// GetInvoice retrieves an invoice by id.
func (r *Repository) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	query := `
		SELECT id, subscription_id, customer_id, status, subtotal, tax_amount, total_amount,
		       currency, period_start, period_end, due_date, paid_at, created_at, updated_at
		FROM invoices
		WHERE id = $1
	`
	var invoice domain.Invoice
	var status string
	if err := r.db.QueryRow(ctx, query, id).Scan(
		&invoice.ID,
		&invoice.SubscriptionID,
		&invoice.CustomerID,
		&status,
		&invoice.Subtotal,
		&invoice.TaxAmount,
		&invoice.TotalAmount,
		&invoice.Currency,
		&invoice.PeriodStart,
		&invoice.PeriodEnd,
		&invoice.DueDate,
		&invoice.PaidAt,
		&invoice.CreatedAt,
		&invoice.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrInvoiceNotFound
		}
		return nil, err
	}
	invoice.Status = domain.InvoiceStatus(status)
	return &invoice, nil
}

// SetInvoiceStatus updates an invoice status, keeping paid_at unless one is given.
func (r *Repository) SetInvoiceStatus(ctx context.Context, id string, status domain.InvoiceStatus, paidAt *time.Time) error {
	query := `
		UPDATE invoices
		SET status = $2, paid_at = COALESCE($3, paid_at), updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, string(status), paidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvoiceNotFound
	}
	return nil
}

const transactionColumns = `
	id, invoice_id, payment_method_id, amount, currency, status, attempt_number,
	next_retry_at, failure_code, failure_message, provider_conversation_id,
	provider_payment_id, provider_response, created_at, updated_at
`

func scanTransaction(row rowScanner) (*domain.PaymentTransaction, error) {
	var tx domain.PaymentTransaction
	var status string
	if err := row.Scan(
		&tx.ID,
		&tx.InvoiceID,
		&tx.PaymentMethodID,
		&tx.Amount,
		&tx.Currency,
		&status,
		&tx.AttemptNumber,
		&tx.NextRetryAt,
		&tx.FailureCode,
		&tx.FailureMessage,
		&tx.ProviderConversationID,
		&tx.ProviderPaymentID,
		&tx.ProviderResponse,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	); err != nil {
		return nil, err
	}
	tx.Status = domain.PaymentStatus(status)
	return &tx, nil
}

func (r *Repository) findTransaction(ctx context.Context, where string, arg interface{}) (*domain.PaymentTransaction, error) {
	query := "SELECT " + transactionColumns + " FROM payment_transactions " + where
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// CreatePaymentTransaction inserts a new charge attempt.
func (r *Repository) CreatePaymentTransaction(ctx context.Context, tx *domain.PaymentTransaction) (*domain.PaymentTransaction, error) {
	query := `
		INSERT INTO payment_transactions (
			invoice_id, payment_method_id, amount, currency, status, attempt_number,
			next_retry_at, provider_conversation_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	created := *tx
	err := r.db.QueryRow(ctx, query,
		tx.InvoiceID,
		tx.PaymentMethodID,
		tx.Amount,
		tx.Currency,
		string(tx.Status),
		tx.AttemptNumber,
		tx.NextRetryAt,
		tx.ProviderConversationID,
	).Scan(&created.ID, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert payment transaction: %w", err)
	}
	return &created, nil
}

// GetPaymentTransaction retrieves a transaction by id.
func (r *Repository) GetPaymentTransaction(ctx context.Context, id string) (*domain.PaymentTransaction, error) {
	return r.findTransaction(ctx, "WHERE id = $1", id)
}

// FindTransactionByConversationID looks a transaction up by the id sent to the gateway.
func (r *Repository) FindTransactionByConversationID(ctx context.Context, conversationID string) (*domain.PaymentTransaction, error) {
	return r.findTransaction(ctx, "WHERE provider_conversation_id = $1", conversationID)
}

// FindTransactionByProviderPaymentID looks a transaction up by the gateway's payment id.
func (r *Repository) FindTransactionByProviderPaymentID(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error) {
	return r.findTransaction(ctx, "WHERE provider_payment_id = $1 ORDER BY created_at DESC LIMIT 1", paymentID)
}

// FindLatestTransactionForInvoice returns the newest transaction of an invoice.
func (r *Repository) FindLatestTransactionForInvoice(ctx context.Context, invoiceID string) (*domain.PaymentTransaction, error) {
	return r.findTransaction(ctx, "WHERE invoice_id = $1 ORDER BY created_at DESC LIMIT 1", invoiceID)
}

// UpdatePaymentTransaction locks a transaction and writes it if mutate changed it.
func (r *Repository) UpdatePaymentTransaction(ctx context.Context, id string, mutate func(tx *domain.PaymentTransaction) (bool, error)) (*domain.PaymentTransaction, bool, error) {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	locked, err := scanTransaction(dbTx.QueryRow(ctx, "SELECT "+transactionColumns+" FROM payment_transactions WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, domain.ErrTransactionNotFound
		}
		return nil, false, fmt.Errorf("failed to lock payment transaction: %w", err)
	}

	current := *locked
	changed, err := mutate(locked)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return &current, false, nil
	}

	query := `
		UPDATE payment_transactions SET
			status = $2,
			attempt_number = $3,
			next_retry_at = $4,
			failure_code = $5,
			failure_message = $6,
			provider_payment_id = $7,
			provider_response = $8,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = dbTx.QueryRow(ctx, query,
		locked.ID,
		string(locked.Status),
		locked.AttemptNumber,
		locked.NextRetryAt,
		locked.FailureCode,
		locked.FailureMessage,
		locked.ProviderPaymentID,
		locked.ProviderResponse,
	).Scan(&locked.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update payment transaction: %w", err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit payment transaction: %w", err)
	}
	return locked, true, nil
}

// ListDueRetries lists transactions whose next retry time has passed.
func (r *Repository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.PaymentTransaction, error) {
	query := "SELECT " + transactionColumns + `
		FROM payment_transactions
		WHERE status = 'FAILED' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.PaymentTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

// FindDefaultPaymentMethod returns the customer's active default card.
func (r *Repository) FindDefaultPaymentMethod(ctx context.Context, customerID string) (*domain.PaymentMethod, error) {
	query := `
		SELECT id, customer_id, card_user_key, card_token, is_default, is_active
		FROM payment_methods
		WHERE customer_id = $1 AND is_default = TRUE AND is_active = TRUE
		ORDER BY created_at DESC
		LIMIT 1
	`
	var method domain.PaymentMethod
	if err := r.db.QueryRow(ctx, query, customerID).Scan(
		&method.ID,
		&method.CustomerID,
		&method.CardUserKey,
		&method.CardToken,
		&method.IsDefault,
		&method.IsActive,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentMethodNotFound
		}
		return nil, err
	}
	return &method, nil
}

const webhookEventColumns = `
	id, event_id, kind, event_type, payload, processing_status, processing_time_ms,
	error_message, synthesized, started_at, created_at, updated_at
`

func scanWebhookEvent(row rowScanner) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	var kind, status string
	if err := row.Scan(
		&event.ID,
		&event.EventID,
		&kind,
		&event.EventType,
		&event.Payload,
		&status,
		&event.ProcessingTimeMillis,
		&event.ErrorMessage,
		&event.Synthesized,
		&event.StartedAt,
		&event.CreatedAt,
		&event.UpdatedAt,
	); err != nil {
		return nil, err
	}
	event.Kind = domain.WebhookKind(kind)
	event.ProcessingStatus = domain.ProcessingStatus(status)
	return &event, nil
}

// InsertWebhookEvent records an event unless its event id already exists.
func (r *Repository) InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	query := `
		INSERT INTO webhook_events (event_id, kind, event_type, payload, processing_status, synthesized)
		VALUES ($1, $2, $3, $4, 'RECEIVED', $5)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING ` + webhookEventColumns
	created, err := scanWebhookEvent(r.db.QueryRow(ctx, query,
		event.EventID,
		string(event.Kind),
		event.EventType,
		event.Payload,
		event.Synthesized,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, err := r.GetWebhookEvent(ctx, event.EventID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// ClaimWebhookEvent moves a claimable event to PROCESSING. Only one caller
// can win the conditional update.
func (r *Repository) ClaimWebhookEvent(ctx context.Context, eventID string, now, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE webhook_events
		SET processing_status = 'PROCESSING', started_at = $2, updated_at = $2
		WHERE event_id = $1
		  AND (
			processing_status IN ('RECEIVED', 'FAILED')
			OR (processing_status = 'PROCESSING' AND (started_at IS NULL OR started_at <= $3))
		  )
	`
	tag, err := r.db.Exec(ctx, query, eventID, now, staleBefore)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)", eventID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrWebhookEventNotFound
	}
	return false, nil
}

// FinishWebhookEvent records the final processing status of an event.
func (r *Repository) FinishWebhookEvent(ctx context.Context, eventID string, status domain.ProcessingStatus, processingMillis int64, errorMessage *string) error {
	query := `
		UPDATE webhook_events
		SET processing_status = $2, processing_time_ms = $3, error_message = $4, updated_at = NOW()
		WHERE event_id = $1
	`
	tag, err := r.db.Exec(ctx, query, eventID, string(status), processingMillis, errorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWebhookEventNotFound
	}
	return nil
}

// GetWebhookEvent retrieves an event by its event id.
func (r *Repository) GetWebhookEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	event, err := scanWebhookEvent(r.db.QueryRow(ctx, "SELECT "+webhookEventColumns+" FROM webhook_events WHERE event_id = $1", eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWebhookEventNotFound
		}
		return nil, err
	}
	return event, nil
}
