package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/pkg/gatewayclient"
)

// pendingCharge opens a PROCESSING transaction the way a 3DS charge leaves one
// while the gateway callback is outstanding.
func (h *harness) pendingCharge(t *testing.T, sub *domain.Subscription) *domain.PaymentTransaction {
	t.Helper()
	ctx := context.Background()
	h.addCard(sub.CustomerID)
	invoice := h.addInvoice(sub, h.clock.Now())
	method, err := h.store.FindDefaultPaymentMethod(ctx, sub.CustomerID)
	require.NoError(t, err)
	tx, err := h.tracker.Open(ctx, invoice, method)
	require.NoError(t, err)
	return tx
}

func signedNotification(t *testing.T, kind domain.WebhookKind, payload map[string]interface{}) WebhookNotification {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return WebhookNotification{
		Kind:      kind,
		Body:      body,
		Signature: gatewayclient.Sign(testWebhookSecret, body),
	}
}

func TestDispatch_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createSubscription(t, "cust-1", "PRO")
	_, err := h.subs.EndTrial(ctx, sub.ID)
	require.NoError(t, err)
	tx := h.pendingCharge(t, sub)
	n := signedNotification(t, domain.WebhookPayment, map[string]interface{}{
		"eventId":        "evt-123",
		"status":         "SUCCESS",
		"conversationId": tx.ProviderConversationID,
		"paymentId":      "pay-123",
	})

	var wg sync.WaitGroup
	responses := make([]WebhookResponse, 2)
	for i := range responses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = h.dispatcher.Dispatch(ctx, n)
		}(i)
	}
	wg.Wait()

	statuses := []string{responses[0].Status, responses[1].Status}
	assert.ElementsMatch(t, []string{"success", "duplicate"}, statuses)
	assert.Len(t, h.events(t, sub.ID, domain.EventActivated), 1)
	assert.Equal(t, domain.StatusActive, h.subscription(t, sub.ID).Status)

	txs := h.store.TransactionsForInvoice(tx.InvoiceID)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.PaymentSuccess, txs[0].Status)

	event, err := h.store.GetWebhookEvent(ctx, "evt-123")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessingCompleted, event.ProcessingStatus)
}

func TestDispatch_DuplicateDeliveryWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createSubscription(t, "cust-1", "PRO")
	_, err := h.subs.EndTrial(ctx, sub.ID)
	require.NoError(t, err)
	tx := h.pendingCharge(t, sub)
	n := signedNotification(t, domain.WebhookPayment, map[string]interface{}{
		"eventId":        "evt-1",
		"status":         "SUCCESS",
		"conversationId": tx.ProviderConversationID,
	})

	first := h.dispatcher.Dispatch(ctx, n)
	require.Equal(t, "success", first.Status)
	writes := h.store.Writes()

	second := h.dispatcher.Dispatch(ctx, n)

	assert.Equal(t, WebhookResponse{Status: "duplicate", Message: "Event already processed"}, second)
	assert.Equal(t, writes, h.store.Writes())
}

func TestDispatch_RejectsBadSignatureOutsideSandbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n := signedNotification(t, domain.WebhookPayment, map[string]interface{}{"eventId": "evt-1", "status": "SUCCESS", "conversationId": "c-1"})
	n.Signature = gatewayclient.Sign("other-secret", n.Body)

	response := h.dispatcher.Dispatch(ctx, n)

	assert.Equal(t, WebhookResponse{Status: "error", Message: "Invalid signature"}, response)
	_, err := h.store.GetWebhookEvent(ctx, "evt-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	n.Signature = ""
	assert.Equal(t, "Invalid signature", h.dispatcher.Dispatch(ctx, n).Message)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"eventId":"evt-1"}`)
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	hexSignature := hex.EncodeToString(mac.Sum(nil))

	strict := newHarness(t).dispatcher
	assert.NoError(t, strict.VerifySignature(body, gatewayclient.Sign(testWebhookSecret, body)))
	assert.NoError(t, strict.VerifySignature(body, hexSignature))
	assert.ErrorIs(t, strict.VerifySignature(body, "bogus"), domain.ErrSignatureInvalid)
	assert.ErrorIs(t, strict.VerifySignature(body, ""), domain.ErrSignatureInvalid)

	sandbox := newHarnessWithOptions(t, WebhookOptions{Secret: testWebhookSecret, Sandbox: true}).dispatcher
	assert.NoError(t, sandbox.VerifySignature(body, "bogus"))
	assert.NoError(t, sandbox.VerifySignature(body, ""))

	unconfigured := newHarnessWithOptions(t, WebhookOptions{}).dispatcher
	assert.ErrorIs(t, unconfigured.VerifySignature(body, hexSignature), domain.ErrSignatureInvalid)
}

func TestDispatch_MalformedPayload(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"eventId":`)

	response := h.dispatcher.Dispatch(context.Background(), WebhookNotification{
		Kind:      domain.WebhookPayment,
		Body:      body,
		Signature: gatewayclient.Sign(testWebhookSecret, body),
	})

	assert.Equal(t, WebhookResponse{Status: "error", Message: "Malformed payload"}, response)
}

func TestDispatch_FailureNotificationMarksPastDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.activeSubscription(t, "cust-1", "PRO")
	tx := h.pendingCharge(t, sub)
	n := signedNotification(t, domain.WebhookPayment, map[string]interface{}{
		"eventId":        "evt-fail",
		"status":         "FAILURE",
		"conversationId": tx.ProviderConversationID,
		"errorCode":      "10051",
	})

	response := h.dispatcher.Dispatch(ctx, n)

	assert.Equal(t, "success", response.Status)
	stored, err := h.store.GetPaymentTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, stored.Status)
	assert.Equal(t, 1, stored.AttemptNumber)
	assert.Equal(t, domain.StatusPastDue, h.subscription(t, sub.ID).Status)
}

func TestDispatch_RedeliveryFinishesSettlementOfSucceededTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createSubscription(t, "cust-1", "PRO")
	_, err := h.subs.EndTrial(ctx, sub.ID)
	require.NoError(t, err)
	tx := h.pendingCharge(t, sub)
	// The transaction committed but the invoice and subscription were never updated.
	_, err = h.tracker.RecordSuccess(ctx, tx.ID, "pay-1", nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPendingPayment, h.subscription(t, sub.ID).Status)

	response := h.dispatcher.Dispatch(ctx, signedNotification(t, domain.WebhookPayment, map[string]interface{}{
		"eventId":        "evt-resume",
		"status":         "SUCCESS",
		"conversationId": tx.ProviderConversationID,
		"paymentId":      "pay-1",
	}))

	assert.Equal(t, "success", response.Status)
	assert.Equal(t, domain.StatusActive, h.subscription(t, sub.ID).Status)
	assert.Len(t, h.events(t, sub.ID, domain.EventActivated), 1)
	invoice, err := h.store.GetInvoice(ctx, tx.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, invoice.Status)
	event, err := h.store.GetWebhookEvent(ctx, "evt-resume")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessingCompleted, event.ProcessingStatus)

	again := h.dispatcher.Dispatch(ctx, signedNotification(t, domain.WebhookPayment, map[string]interface{}{
		"eventId":        "evt-resume-2",
		"status":         "SUCCESS",
		"conversationId": tx.ProviderConversationID,
	}))
	assert.Equal(t, "success", again.Status)
	assert.Len(t, h.events(t, sub.ID, domain.EventActivated), 1)
}

func TestDispatch_RedeliveryFinishesSettlementOfFailedTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.activeSubscription(t, "cust-1", "PRO")
	tx := h.pendingCharge(t, sub)
	_, err := h.tracker.RecordFailure(ctx, tx.ID, "10051", "insufficient funds", nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, h.subscription(t, sub.ID).Status)

	response := h.dispatcher.Dispatch(ctx, signedNotification(t, domain.WebhookPayment, map[string]interface{}{
		"eventId":        "evt-fail-resume",
		"status":         "FAILURE",
		"conversationId": tx.ProviderConversationID,
		"errorCode":      "10051",
	}))

	assert.Equal(t, "success", response.Status)
	assert.Equal(t, domain.StatusPastDue, h.subscription(t, sub.ID).Status)
	invoice, err := h.store.GetInvoice(ctx, tx.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceFailed, invoice.Status)
	stored, err := h.store.GetPaymentTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.AttemptNumber)
}

func TestDispatch_ThreeDSFailureUsesMdStatusCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.activeSubscription(t, "cust-1", "PRO")
	tx := h.pendingCharge(t, sub)
	n := signedNotification(t, domain.WebhookVerification, map[string]interface{}{
		"status":         "failure",
		"mdStatus":       json.Number("0"),
		"conversationId": tx.ProviderConversationID,
	})
	n.IdempotencyKey = "3ds-1"

	response := h.dispatcher.Dispatch(ctx, n)

	assert.Equal(t, "success", response.Status)
	stored, err := h.store.GetPaymentTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.FailureCode)
	assert.Equal(t, "THREEDS_0", *stored.FailureCode)

	event, err := h.store.GetWebhookEvent(ctx, "THREEDS_3ds-1")
	require.NoError(t, err)
	assert.Equal(t, "THREEDS_FAILURE", event.EventType)
	assert.False(t, event.Synthesized)
}

func TestDispatch_RefundNotification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.activeSubscription(t, "cust-1", "PRO")
	tx := h.pendingCharge(t, sub)
	_, err := h.tracker.RecordSuccess(ctx, tx.ID, "pay-9", nil)
	require.NoError(t, err)

	response := h.dispatcher.Dispatch(ctx, signedNotification(t, domain.WebhookRefund, map[string]interface{}{
		"eventId":   "evt-refund",
		"status":    "SUCCESS",
		"paymentId": "pay-9",
	}))

	assert.Equal(t, "success", response.Status)
	stored, err := h.store.GetPaymentTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, stored.Status)
	invoice, err := h.store.GetInvoice(ctx, tx.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceRefunded, invoice.Status)
}

func TestDispatch_UnknownTransactionCanBeReplayed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createSubscription(t, "cust-1", "PRO")
	_, err := h.subs.EndTrial(ctx, sub.ID)
	require.NoError(t, err)
	invoice := h.addInvoice(sub, h.clock.Now())

	response := h.dispatcher.Dispatch(ctx, signedNotification(t, domain.WebhookPayment, map[string]interface{}{
		"eventId":        "evt-early",
		"status":         "SUCCESS",
		"conversationId": "conv-late",
	}))
	assert.Equal(t, WebhookResponse{Status: "error", Message: "Webhook processing failed"}, response)
	event, err := h.store.GetWebhookEvent(ctx, "evt-early")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessingFailed, event.ProcessingStatus)
	require.NotNil(t, event.ErrorMessage)

	h.store.PutPaymentTransaction(domain.PaymentTransaction{
		ID:                     "tx-late",
		InvoiceID:              invoice.ID,
		Amount:                 invoice.TotalAmount,
		Currency:               invoice.Currency,
		Status:                 domain.PaymentProcessing,
		ProviderConversationID: "conv-late",
	})

	replayed, err := h.dispatcher.Replay(ctx, "evt-early")
	require.NoError(t, err)
	assert.Equal(t, "success", replayed.Status)
	assert.Equal(t, domain.StatusActive, h.subscription(t, sub.ID).Status)

	again, err := h.dispatcher.Replay(ctx, "evt-early")
	require.NoError(t, err)
	assert.Equal(t, "duplicate", again.Status)

	_, err = h.dispatcher.Replay(ctx, "evt-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDispatch_EventIDFallbacks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	keyed := signedNotification(t, domain.WebhookCard, map[string]interface{}{"eventType": "card_saved"})
	keyed.IdempotencyKey = "idem-7"
	assert.Equal(t, "success", h.dispatcher.Dispatch(ctx, keyed).Status)
	event, err := h.store.GetWebhookEvent(ctx, "CARD_idem-7")
	require.NoError(t, err)
	assert.Equal(t, "CARD_CARD_SAVED", event.EventType)

	unkeyed := signedNotification(t, domain.WebhookCard, map[string]interface{}{"eventType": "card_saved", "conversationId": "conv-3"})
	assert.Equal(t, "success", h.dispatcher.Dispatch(ctx, unkeyed).Status)
	synthesized, err := h.store.GetWebhookEvent(ctx, fmt.Sprintf("CARD_conv-3_%d", h.clock.Now().UnixMilli()))
	require.NoError(t, err)
	assert.True(t, synthesized.Synthesized)
}

func TestDispatch_RequireIdempotencyKey(t *testing.T) {
	h := newHarnessWithOptions(t, WebhookOptions{Secret: testWebhookSecret, RequireIdempotencyKey: true})
	ctx := context.Background()
	n := signedNotification(t, domain.WebhookCard, map[string]interface{}{"eventType": "card_saved"})

	assert.Equal(t, WebhookResponse{Status: "error", Message: "Idempotency key required"}, h.dispatcher.Dispatch(ctx, n))

	n.IdempotencyKey = "idem-1"
	assert.Equal(t, "success", h.dispatcher.Dispatch(ctx, n).Status)
}

func TestDispatch_UnknownKind(t *testing.T) {
	h := newHarness(t)

	response := h.dispatcher.Dispatch(context.Background(), WebhookNotification{Kind: "payout", Body: []byte(`{}`)})

	assert.Equal(t, "error", response.Status)
}
