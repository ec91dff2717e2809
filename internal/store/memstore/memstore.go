/**
 * @description
 * In-memory implementation of the billing repository. It mirrors the
 * row-locking and conflict semantics of the postgres store and backs the
 * service and HTTP tests.
 */
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
)

// Store holds all billing records in memory.
type Store struct {
	mu sync.Mutex

	users         map[string]string
	plans         map[string]domain.Plan
	prices        map[string]domain.Price
	subscriptions map[string]domain.Subscription
	events        []domain.SubscriptionEvent
	invoices      map[string]domain.Invoice
	methods       map[string]domain.PaymentMethod
	transactions  map[string]domain.PaymentTransaction
	webhookEvents map[string]domain.WebhookEvent
	txOrder       []string
	writes        int
	now           func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:         map[string]string{},
		plans:         map[string]domain.Plan{},
		prices:        map[string]domain.Price{},
		subscriptions: map[string]domain.Subscription{},
		invoices:      map[string]domain.Invoice{},
		methods:       map[string]domain.PaymentMethod{},
		transactions:  map[string]domain.PaymentTransaction{},
		webhookEvents: map[string]domain.WebhookEvent{},
		now:           time.Now,
	}
}

// SetClock replaces the timestamp source used for created/updated columns.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AddUser maps a Clerk user id to a customer id.
func (s *Store) AddUser(clerkUserID, customerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[clerkUserID] = customerID
}

// AddPlan stores a plan and its prices.
func (s *Store) AddPlan(plan domain.Plan, prices ...domain.Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = plan
	for _, price := range prices {
		price.PlanID = plan.ID
		s.prices[price.ID] = price
	}
}

// AddInvoice stores an invoice as the invoice service would.
func (s *Store) AddInvoice(invoice domain.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[invoice.ID] = invoice
}

// AddPaymentMethod stores a payment method.
func (s *Store) AddPaymentMethod(method domain.PaymentMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method.ID] = method
}

// PutSubscription stores a subscription as-is, bypassing transitions.
func (s *Store) PutSubscription(sub domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.ID] = sub
}

// PutPaymentTransaction stores a transaction as-is.
func (s *Store) PutPaymentTransaction(tx domain.PaymentTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[tx.ID]; !ok {
		s.txOrder = append(s.txOrder, tx.ID)
	}
	s.transactions[tx.ID] = tx
}

// Writes returns how many subscription and transaction rows were written.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// TransactionsForInvoice returns every transaction recorded for an invoice.
func (s *Store) TransactionsForInvoice(invoiceID string) []domain.PaymentTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PaymentTransaction
	for _, id := range s.txOrder {
		if tx := s.transactions[id]; tx.InvoiceID == invoiceID {
			out = append(out, tx)
		}
	}
	return out
}

func (s *Store) FindCustomerIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.users[clerkUserID]
	if !ok {
		return "", domain.ErrCustomerNotFound
	}
	return id, nil
}

func (s *Store) FindPlanByCode(ctx context.Context, code string) (*domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, plan := range s.plans {
		if plan.Code == code && plan.IsActive {
			p := plan
			return &p, nil
		}
	}
	return nil, domain.ErrPlanNotFound
}

func (s *Store) FindActivePrice(ctx context.Context, planID string, cycle domain.BillingCycle) (*domain.Price, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, price := range s.prices {
		if price.PlanID == planID && price.BillingCycle == cycle && price.IsActive {
			p := price
			return &p, nil
		}
	}
	return nil, domain.ErrPriceNotFound
}

func (s *Store) CreateSubscription(ctx context.Context, sub *domain.Subscription, event domain.SubscriptionEvent) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subscriptions {
		if existing.CustomerID == sub.CustomerID && !existing.Status.IsTerminal() {
			return nil, domain.ErrSubscriptionExists
		}
	}

	created := *sub
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	now := s.now()
	created.CreatedAt = now
	created.UpdatedAt = now
	s.subscriptions[created.ID] = created
	s.writes++

	event.SubscriptionID = created.ID
	event.CustomerID = created.CustomerID
	s.appendEvent(event)

	return &created, nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (s *Store) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.Subscription
	for _, sub := range s.subscriptions {
		if sub.CustomerID != customerID {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			candidate := sub
			latest = &candidate
		}
	}
	if latest == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return latest, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, id string, mutate func(sub *domain.Subscription) (domain.Change, error)) (*domain.Subscription, []domain.SubscriptionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.subscriptions[id]
	if !ok {
		return nil, nil, domain.ErrSubscriptionNotFound
	}

	working := current
	change, err := mutate(&working)
	if err != nil {
		return nil, nil, err
	}
	if change.Skip {
		return &current, nil, nil
	}
	for _, event := range change.Events {
		if s.rewardRecorded(id, event) {
			return nil, nil, domain.ErrReferralRewardApplied
		}
	}

	working.UpdatedAt = s.now()
	s.subscriptions[id] = working
	s.writes++

	events := make([]domain.SubscriptionEvent, 0, len(change.Events))
	for _, event := range change.Events {
		event.SubscriptionID = working.ID
		event.CustomerID = working.CustomerID
		events = append(events, s.appendEvent(event))
	}
	return &working, events, nil
}

// rewardRecorded mirrors the unique referral index on subscription_events.
func (s *Store) rewardRecorded(subscriptionID string, event domain.SubscriptionEvent) bool {
	referralID, ok := event.Metadata["referral_id"]
	if event.EventType != domain.EventReferralReward || !ok {
		return false
	}
	for _, existing := range s.events {
		if existing.SubscriptionID == subscriptionID && existing.EventType == domain.EventReferralReward &&
			existing.Metadata["referral_id"] == referralID {
			return true
		}
	}
	return false
}

func (s *Store) appendEvent(event domain.SubscriptionEvent) domain.SubscriptionEvent {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	s.events = append(s.events, event)
	return event
}

func (s *Store) ListSubscriptionEvents(ctx context.Context, subscriptionID string, limit int) ([]domain.SubscriptionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SubscriptionEvent
	for _, event := range s.events {
		if event.SubscriptionID == subscriptionID {
			out = append(out, event)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) listSubscriptions(limit int, match func(domain.Subscription) bool) []domain.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range s.subscriptions {
		if match(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	return s.listSubscriptions(limit, func(sub domain.Subscription) bool {
		return sub.Status == domain.StatusPastDue && sub.GracePeriodEnd != nil && !sub.GracePeriodEnd.After(now)
	}), nil
}

func (s *Store) ListSuspendedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Subscription, error) {
	return s.listSubscriptions(limit, func(sub domain.Subscription) bool {
		return sub.Status == domain.StatusSuspended && sub.SuspendedAt != nil && !sub.SuspendedAt.After(cutoff)
	}), nil
}

func (s *Store) ListTrialsEnded(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	return s.listSubscriptions(limit, func(sub domain.Subscription) bool {
		return sub.Status.In(domain.StatusTrial, domain.StatusPendingPayment) && sub.TrialEnd != nil && !sub.TrialEnd.After(now)
	}), nil
}

func (s *Store) ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	return s.listSubscriptions(limit, func(sub domain.Subscription) bool {
		return sub.Status == domain.StatusActive && !sub.CurrentPeriodEnd.After(now)
	}), nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invoice, ok := s.invoices[id]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	return &invoice, nil
}

func (s *Store) SetInvoiceStatus(ctx context.Context, id string, status domain.InvoiceStatus, paidAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	invoice, ok := s.invoices[id]
	if !ok {
		return domain.ErrInvoiceNotFound
	}
	invoice.Status = status
	if paidAt != nil {
		invoice.PaidAt = paidAt
	}
	invoice.UpdatedAt = s.now()
	s.invoices[id] = invoice
	return nil
}

func (s *Store) CreatePaymentTransaction(ctx context.Context, tx *domain.PaymentTransaction) (*domain.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := *tx
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	now := s.now()
	created.CreatedAt = now
	created.UpdatedAt = now
	s.transactions[created.ID] = created
	s.txOrder = append(s.txOrder, created.ID)
	s.writes++
	return &created, nil
}

func (s *Store) GetPaymentTransaction(ctx context.Context, id string) (*domain.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return &tx, nil
}

func (s *Store) findTransaction(match func(domain.PaymentTransaction) bool) (*domain.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.txOrder) - 1; i >= 0; i-- {
		tx := s.transactions[s.txOrder[i]]
		if match(tx) {
			return &tx, nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (s *Store) FindTransactionByConversationID(ctx context.Context, conversationID string) (*domain.PaymentTransaction, error) {
	return s.findTransaction(func(tx domain.PaymentTransaction) bool {
		return tx.ProviderConversationID == conversationID
	})
}

func (s *Store) FindTransactionByProviderPaymentID(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error) {
	return s.findTransaction(func(tx domain.PaymentTransaction) bool {
		return tx.ProviderPaymentID != nil && *tx.ProviderPaymentID == paymentID
	})
}

func (s *Store) FindLatestTransactionForInvoice(ctx context.Context, invoiceID string) (*domain.PaymentTransaction, error) {
	return s.findTransaction(func(tx domain.PaymentTransaction) bool {
		return tx.InvoiceID == invoiceID
	})
}

func (s *Store) UpdatePaymentTransaction(ctx context.Context, id string, mutate func(tx *domain.PaymentTransaction) (bool, error)) (*domain.PaymentTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.transactions[id]
	if !ok {
		return nil, false, domain.ErrTransactionNotFound
	}

	working := current
	changed, err := mutate(&working)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return &current, false, nil
	}

	working.UpdatedAt = s.now()
	s.transactions[id] = working
	s.writes++
	return &working, true, nil
}

func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PaymentTransaction
	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if tx.NextRetryAt != nil && !tx.NextRetryAt.After(now) {
			out = append(out, tx)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FindDefaultPaymentMethod(ctx context.Context, customerID string) (*domain.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, method := range s.methods {
		if method.CustomerID == customerID && method.IsDefault && method.IsActive {
			m := method
			return &m, nil
		}
	}
	return nil, domain.ErrPaymentMethodNotFound
}

func (s *Store) InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.webhookEvents[event.EventID]; ok {
		return &existing, false, nil
	}

	created := *event
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	now := s.now()
	created.ProcessingStatus = domain.ProcessingReceived
	created.CreatedAt = now
	created.UpdatedAt = now
	s.webhookEvents[created.EventID] = created
	return &created, true, nil
}

func (s *Store) ClaimWebhookEvent(ctx context.Context, eventID string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.webhookEvents[eventID]
	if !ok {
		return false, domain.ErrWebhookEventNotFound
	}

	switch event.ProcessingStatus {
	case domain.ProcessingReceived, domain.ProcessingFailed:
	case domain.ProcessingInProgress:
		if event.StartedAt != nil && event.StartedAt.After(staleBefore) {
			return false, nil
		}
	default:
		return false, nil
	}

	started := now
	event.ProcessingStatus = domain.ProcessingInProgress
	event.StartedAt = &started
	event.UpdatedAt = now
	s.webhookEvents[eventID] = event
	return true, nil
}

func (s *Store) FinishWebhookEvent(ctx context.Context, eventID string, status domain.ProcessingStatus, processingMillis int64, errorMessage *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.webhookEvents[eventID]
	if !ok {
		return domain.ErrWebhookEventNotFound
	}
	event.ProcessingStatus = status
	event.ProcessingTimeMillis = &processingMillis
	event.ErrorMessage = errorMessage
	event.UpdatedAt = s.now()
	s.webhookEvents[eventID] = event
	return nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.webhookEvents[eventID]
	if !ok {
		return nil, domain.ErrWebhookEventNotFound
	}
	return &event, nil
}
