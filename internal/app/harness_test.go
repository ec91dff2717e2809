package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/store/memstore"
	"github.com/transfa/billing-service/pkg/gatewayclient"
	"github.com/transfa/billing-service/pkg/invoiceclient"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishedMessage struct {
	exchange   string
	routingKey string
	body       interface{}
}

type publisherStub struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publishedMessage{exchange: exchange, routingKey: routingKey, body: body})
	return p.err
}

func (p *publisherStub) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.messages {
		if m.routingKey == routingKey {
			n++
		}
	}
	return n
}

type gatewayStub struct {
	mu      sync.Mutex
	charges []gatewayclient.ChargeRequest
	charge  func(req gatewayclient.ChargeRequest) (*gatewayclient.ChargeResult, error)
	refund  func(req gatewayclient.RefundRequest) (*gatewayclient.RefundResult, error)
}

func (g *gatewayStub) Charge(ctx context.Context, req gatewayclient.ChargeRequest) (*gatewayclient.ChargeResult, error) {
	g.mu.Lock()
	g.charges = append(g.charges, req)
	charge := g.charge
	g.mu.Unlock()
	if charge != nil {
		return charge(req)
	}
	return &gatewayclient.ChargeResult{Success: true, PaymentID: "pay-" + req.ConversationID}, nil
}

func (g *gatewayStub) Refund(ctx context.Context, req gatewayclient.RefundRequest) (*gatewayclient.RefundResult, error) {
	if g.refund != nil {
		return g.refund(req)
	}
	return &gatewayclient.RefundResult{Success: true}, nil
}

func (g *gatewayStub) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

func declineAll(req gatewayclient.ChargeRequest) (*gatewayclient.ChargeResult, error) {
	return &gatewayclient.ChargeResult{Success: false, ErrorCode: "10051", ErrorMessage: "insufficient funds"}, nil
}

// issuerStub plays the invoice service: one invoice per subscription period.
type issuerStub struct {
	store  *memstore.Store
	clock  *testClock
	issued int
	mu     sync.Mutex
}

func (i *issuerStub) IssueInvoice(ctx context.Context, req invoiceclient.IssueRequest) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	id := fmt.Sprintf("inv-%s-%d", req.SubscriptionID, req.PeriodStart.Unix())
	if _, err := i.store.GetInvoice(ctx, id); err == nil {
		return id, nil
	}
	i.issued++
	i.store.AddInvoice(domain.Invoice{
		ID:             id,
		SubscriptionID: req.SubscriptionID,
		CustomerID:     req.CustomerID,
		Status:         domain.InvoicePending,
		Subtotal:       req.Amount,
		TotalAmount:    req.Amount,
		Currency:       req.Currency,
		PeriodStart:    req.PeriodStart,
		PeriodEnd:      req.PeriodEnd,
		DueDate:        i.clock.Now(),
	})
	return id, nil
}

type harness struct {
	store      *memstore.Store
	clock      *testClock
	publisher  *publisherStub
	gateway    *gatewayStub
	issuer     *issuerStub
	guard      *LocalSweepGuard
	settings   Settings
	subs       *SubscriptionService
	tracker    *PaymentTracker
	settlement *Settlement
	biller     *Biller
	ledger     *EventLedger
	dispatcher *WebhookDispatcher
	sweeper    *Sweeper
}

const testWebhookSecret = "whsec-test"

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithOptions(t, WebhookOptions{Secret: testWebhookSecret})
}

func newHarnessWithOptions(t *testing.T, options WebhookOptions) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	store := memstore.New()
	store.SetClock(clock.Now)

	store.AddPlan(
		domain.Plan{ID: "plan-starter", Code: "STARTER", Name: "Starter", Rank: 1, IsActive: true},
		domain.Price{ID: "price-starter-m", BillingCycle: domain.CycleMonthly, Amount: 29900, Currency: "TRY", IsActive: true},
	)
	store.AddPlan(
		domain.Plan{ID: "plan-pro", Code: "PRO", Name: "Pro", Rank: 2, IsActive: true},
		domain.Price{ID: "price-pro-m", BillingCycle: domain.CycleMonthly, Amount: 59900, Currency: "TRY", IsActive: true},
		domain.Price{ID: "price-pro-y", BillingCycle: domain.CycleAnnual, Amount: 599000, Currency: "TRY", IsActive: true},
	)
	store.AddPlan(
		domain.Plan{ID: "plan-enterprise", Code: "ENTERPRISE", Name: "Enterprise", Rank: 3, IsActive: true},
		domain.Price{ID: "price-enterprise-m", BillingCycle: domain.CycleMonthly, Amount: 99900, Currency: "TRY", IsActive: true},
	)

	settings := Settings{
		GracePeriod:      3 * 24 * time.Hour,
		DefaultTrialDays: 14,
		SuspensionExpiry: 30 * 24 * time.Hour,
		RetryPolicy:      domain.DefaultRetryPolicy(),
		GatewayTimeout:   time.Second,
		Now:              clock.Now,
	}

	h := &harness{
		store:     store,
		clock:     clock,
		publisher: &publisherStub{},
		gateway:   &gatewayStub{},
		guard:     NewLocalSweepGuard(),
		settings:  settings,
	}
	h.issuer = &issuerStub{store: store, clock: clock}
	h.subs = NewSubscriptionService(store, h.publisher, logger, settings)
	h.tracker = NewPaymentTracker(store, h.gateway, logger, settings)
	h.settlement = NewSettlement(h.subs, store, logger, settings)
	h.biller = NewBiller(h.tracker, h.settlement, store, store, h.issuer, logger)
	h.ledger = NewEventLedger(store, logger, settings)
	h.dispatcher = NewWebhookDispatcher(h.ledger, h.tracker, h.settlement, store, options, logger, settings)
	h.sweeper = NewSweeper(h.subs, h.biller, store, store, h.guard, logger, settings)
	return h
}

func (h *harness) createSubscription(t *testing.T, customerID, planCode string) *domain.Subscription {
	t.Helper()
	sub, err := h.subs.CreateSubscription(context.Background(), CreateSubscriptionInput{
		CustomerID:   customerID,
		PlanCode:     planCode,
		BillingCycle: domain.CycleMonthly,
	})
	require.NoError(t, err)
	return sub
}

// activeSubscription returns a subscription that has been paid for once.
func (h *harness) activeSubscription(t *testing.T, customerID, planCode string) *domain.Subscription {
	t.Helper()
	sub := h.createSubscription(t, customerID, planCode)
	ctx := context.Background()
	_, err := h.subs.EndTrial(ctx, sub.ID)
	require.NoError(t, err)
	sub, err = h.subs.Activate(ctx, sub.ID)
	require.NoError(t, err)
	return sub
}

func (h *harness) addCard(customerID string) {
	h.store.AddPaymentMethod(domain.PaymentMethod{
		ID:          "pm-" + customerID,
		CustomerID:  customerID,
		CardUserKey: "cuk-" + customerID,
		CardToken:   "ctk-" + customerID,
		IsDefault:   true,
		IsActive:    true,
	})
}

func (h *harness) addInvoice(sub *domain.Subscription, periodStart time.Time) *domain.Invoice {
	invoice := domain.Invoice{
		ID:             fmt.Sprintf("inv-%s-%d", sub.ID, periodStart.Unix()),
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Status:         domain.InvoicePending,
		Subtotal:       sub.Amount,
		TotalAmount:    sub.Amount,
		Currency:       sub.Currency,
		PeriodStart:    periodStart,
		PeriodEnd:      sub.BillingCycle.Advance(periodStart),
		DueDate:        periodStart,
	}
	h.store.AddInvoice(invoice)
	return &invoice
}

func (h *harness) subscription(t *testing.T, id string) *domain.Subscription {
	t.Helper()
	sub, err := h.store.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (h *harness) events(t *testing.T, id string, eventType domain.SubscriptionEventType) []domain.SubscriptionEvent {
	t.Helper()
	all, err := h.store.ListSubscriptionEvents(context.Background(), id, 0)
	require.NoError(t, err)
	var out []domain.SubscriptionEvent
	for _, event := range all {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}
