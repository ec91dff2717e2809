/**
 * @description
 * Webhook Dispatcher: verifies gateway notifications, derives their event id
 * and routes them through the Event Ledger to the tracker and state machine.
 * Callers always answer the gateway with 200; the response status only
 * describes what happened.
 */
package app

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
)

// WebhookNotification is one inbound gateway callback.
type WebhookNotification struct {
	Kind           domain.WebhookKind
	Body           []byte
	Signature      string
	IdempotencyKey string
}

// WebhookResponse is the body returned to the gateway.
type WebhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// WebhookOptions configures signature checks and event id requirements.
type WebhookOptions struct {
	Secret string
	// Sandbox lets unsigned or badly signed payloads through for testing.
	Sandbox               bool
	RequireIdempotencyKey bool
}

// WebhookDispatcher maps gateway notifications onto billing operations.
type WebhookDispatcher struct {
	ledger     *EventLedger
	tracker    *PaymentTracker
	settlement *Settlement
	payments   PaymentRepository
	options    WebhookOptions
	logger     *slog.Logger
	settings   Settings
}

// NewWebhookDispatcher creates a new webhook dispatcher.
func NewWebhookDispatcher(ledger *EventLedger, tracker *PaymentTracker, settlement *Settlement, payments PaymentRepository, options WebhookOptions, logger *slog.Logger, settings Settings) *WebhookDispatcher {
	return &WebhookDispatcher{
		ledger:     ledger,
		tracker:    tracker,
		settlement: settlement,
		payments:   payments,
		options:    options,
		logger:     logger,
		settings:   settings.withDefaults(),
	}
}

var eventPrefixes = map[domain.WebhookKind]string{
	domain.WebhookPayment:      "PAYMENT",
	domain.WebhookVerification: "THREEDS",
	domain.WebhookRefund:       "REFUND",
	domain.WebhookCard:         "CARD",
}

// Dispatch verifies, deduplicates and applies a notification.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, n WebhookNotification) WebhookResponse {
	if !n.Kind.Valid() {
		return WebhookResponse{Status: string(OutcomeFailed), Message: "Unknown notification kind"}
	}

	if err := d.VerifySignature(n.Body, n.Signature); err != nil {
		d.logger.Warn("rejected webhook with invalid signature", "kind", n.Kind, "error", err)
		webhookEventsTotal.WithLabelValues(string(n.Kind), "rejected").Inc()
		return WebhookResponse{Status: string(OutcomeFailed), Message: "Invalid signature"}
	}

	payload, err := decodePayload(n.Body)
	if err != nil {
		d.logger.Error("failed to decode webhook payload", "kind", n.Kind, "error", err)
		webhookEventsTotal.WithLabelValues(string(n.Kind), "malformed").Inc()
		return WebhookResponse{Status: string(OutcomeFailed), Message: "Malformed payload"}
	}

	eventID, synthesized, err := d.eventID(n.Kind, payload, n.IdempotencyKey)
	if err != nil {
		d.logger.Warn("webhook missing idempotency key", "kind", n.Kind)
		webhookEventsTotal.WithLabelValues(string(n.Kind), "rejected").Inc()
		return WebhookResponse{Status: string(OutcomeFailed), Message: "Idempotency key required"}
	}
	if synthesized {
		d.logger.Warn("synthesized webhook event id", "kind", n.Kind, "event_id", eventID)
	}

	event := domain.WebhookEvent{
		EventID:     eventID,
		Kind:        n.Kind,
		EventType:   eventType(n.Kind, payload),
		Payload:     n.Body,
		Synthesized: synthesized,
	}
	result := d.ledger.Process(ctx, event, func(ctx context.Context) error {
		return d.handle(ctx, n.Kind, payload, n.Body)
	})
	return d.respond(n.Kind, eventID, result)
}

// Replay reprocesses a stored notification that did not complete.
func (d *WebhookDispatcher) Replay(ctx context.Context, eventID string) (WebhookResponse, error) {
	if _, err := d.ledger.repo.GetWebhookEvent(ctx, eventID); err != nil {
		return WebhookResponse{}, err
	}
	result := d.ledger.Resume(ctx, eventID, func(ctx context.Context, event *domain.WebhookEvent) error {
		payload, err := decodePayload(event.Payload)
		if err != nil {
			return err
		}
		return d.handle(ctx, event.Kind, payload, event.Payload)
	})
	return d.respond(domain.WebhookKind(""), eventID, result), nil
}

// VerifySignature checks the HMAC-SHA256 of the raw body. Both base64 and hex
// encodings are accepted.
func (d *WebhookDispatcher) VerifySignature(body []byte, signature string) error {
	if d.options.Secret == "" {
		if d.options.Sandbox {
			return nil
		}
		return &domain.SignatureError{Reason: "webhook secret not configured"}
	}

	signature = strings.TrimSpace(signature)
	if signature == "" {
		if d.options.Sandbox {
			d.logger.Warn("accepting unsigned webhook in sandbox mode")
			return nil
		}
		return &domain.SignatureError{Reason: "missing signature"}
	}

	if validSignature(d.options.Secret, body, signature) {
		return nil
	}
	if d.options.Sandbox {
		d.logger.Warn("accepting webhook with invalid signature in sandbox mode")
		return nil
	}
	return &domain.SignatureError{Reason: "signature mismatch"}
}

func validSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if decoded, err := base64.StdEncoding.DecodeString(signature); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	if decoded, err := hex.DecodeString(signature); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	return false
}

func (d *WebhookDispatcher) respond(kind domain.WebhookKind, eventID string, result LedgerResult) WebhookResponse {
	if kind == "" && result.Event != nil {
		kind = result.Event.Kind
	}
	webhookEventsTotal.WithLabelValues(string(kind), string(result.Outcome)).Inc()

	switch result.Outcome {
	case OutcomeProcessed:
		return WebhookResponse{Status: string(OutcomeProcessed), Message: "Webhook processed"}
	case OutcomeDuplicate:
		d.logger.Info("duplicate webhook ignored", "kind", kind, "event_id", eventID)
		return WebhookResponse{Status: string(OutcomeDuplicate), Message: "Event already processed"}
	default:
		d.logger.Error("webhook processing failed", "kind", kind, "event_id", eventID, "error", result.Err)
		return WebhookResponse{Status: string(OutcomeFailed), Message: "Webhook processing failed"}
	}
}

func (d *WebhookDispatcher) handle(ctx context.Context, kind domain.WebhookKind, payload map[string]interface{}, raw []byte) error {
	switch kind {
	case domain.WebhookPayment:
		return d.handlePayment(ctx, payload, raw)
	case domain.WebhookVerification:
		return d.handleVerification(ctx, payload, raw)
	case domain.WebhookRefund:
		return d.handleRefund(ctx, payload, raw)
	case domain.WebhookCard:
		d.logger.Info("card storage notification",
			"event_type", stringField(payload, "eventType"),
			"card_user_key", stringField(payload, "cardUserKey"),
		)
		return nil
	}
	return fmt.Errorf("%w: unknown notification kind %q", domain.ErrInvalidArgument, kind)
}

func (d *WebhookDispatcher) handlePayment(ctx context.Context, payload map[string]interface{}, raw []byte) error {
	conversationID := stringField(payload, "conversationId")
	if conversationID == "" {
		return fmt.Errorf("%w: payment notification missing conversationId", domain.ErrInvalidArgument)
	}

	switch status := strings.ToUpper(stringField(payload, "status")); status {
	case "SUCCESS":
		return d.applySuccess(ctx, conversationID, stringField(payload, "paymentId"), raw)
	case "FAILURE", "FAILED":
		code := stringField(payload, "errorCode")
		if code == "" {
			code = FailureDeclined
		}
		return d.applyFailure(ctx, conversationID, code, stringField(payload, "errorMessage"), raw)
	default:
		d.logger.Info("ignoring payment notification status", "status", status, "conversation_id", conversationID)
		return nil
	}
}

func (d *WebhookDispatcher) handleVerification(ctx context.Context, payload map[string]interface{}, raw []byte) error {
	conversationID := stringField(payload, "conversationId")
	if conversationID == "" {
		return fmt.Errorf("%w: verification notification missing conversationId", domain.ErrInvalidArgument)
	}

	if strings.EqualFold(stringField(payload, "status"), "success") {
		return d.applySuccess(ctx, conversationID, stringField(payload, "paymentId"), raw)
	}
	code := "THREEDS_FAILED"
	if mdStatus := stringField(payload, "mdStatus"); mdStatus != "" {
		code = "THREEDS_" + mdStatus
	}
	return d.applyFailure(ctx, conversationID, code, stringField(payload, "errorMessage"), raw)
}

func (d *WebhookDispatcher) handleRefund(ctx context.Context, payload map[string]interface{}, raw []byte) error {
	paymentID := stringField(payload, "paymentId")
	if paymentID == "" {
		return fmt.Errorf("%w: refund notification missing paymentId", domain.ErrInvalidArgument)
	}
	if status := strings.ToUpper(stringField(payload, "status")); status != "SUCCESS" {
		d.logger.Info("ignoring refund notification status", "status", status, "payment_id", paymentID)
		return nil
	}

	tx, err := d.payments.FindTransactionByProviderPaymentID(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("refund for payment %s: %w", paymentID, err)
	}
	outcome, err := d.tracker.MarkRefunded(ctx, tx.ID, raw)
	if err != nil {
		return err
	}
	if !outcome.Applied {
		d.logger.Info("refund already recorded or transaction not settled", "transaction_id", tx.ID, "status", outcome.Transaction.Status)
		return nil
	}
	return d.settlement.ApplyRefund(ctx, outcome.Transaction)
}

func (d *WebhookDispatcher) applySuccess(ctx context.Context, conversationID, paymentID string, raw []byte) error {
	tx, err := d.payments.FindTransactionByConversationID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("payment success for conversation %s: %w", conversationID, err)
	}
	outcome, err := d.tracker.RecordSuccess(ctx, tx.ID, paymentID, raw)
	if err != nil {
		return err
	}
	if !outcome.Applied {
		if outcome.Transaction.Status != domain.PaymentSuccess {
			d.logger.Info("success for transaction not in progress ignored", "transaction_id", tx.ID, "status", outcome.Transaction.Status)
			return nil
		}
		return d.settlement.Resume(ctx, outcome.Transaction)
	}
	return d.settlement.ApplySuccess(ctx, outcome.Transaction)
}

func (d *WebhookDispatcher) applyFailure(ctx context.Context, conversationID, code, message string, raw []byte) error {
	tx, err := d.payments.FindTransactionByConversationID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("payment failure for conversation %s: %w", conversationID, err)
	}
	outcome, err := d.tracker.RecordFailure(ctx, tx.ID, code, message, raw)
	if err != nil {
		return err
	}
	if !outcome.Applied {
		if outcome.Transaction.Status != domain.PaymentFailed {
			d.logger.Info("failure for transaction not in progress ignored", "transaction_id", tx.ID, "status", outcome.Transaction.Status)
			return nil
		}
		return d.settlement.Resume(ctx, outcome.Transaction)
	}
	return d.settlement.ApplyFailure(ctx, outcome)
}

// eventID prefers the provider's id, then a caller-supplied key, and only
// then synthesizes one. Synthesized ids differ across redeliveries.
func (d *WebhookDispatcher) eventID(kind domain.WebhookKind, payload map[string]interface{}, idempotencyKey string) (string, bool, error) {
	if id := stringField(payload, "eventId"); id != "" {
		return id, false, nil
	}
	prefix := eventPrefixes[kind]
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		return prefix + "_" + key, false, nil
	}
	if d.options.RequireIdempotencyKey {
		return "", false, domain.ErrMissingEventKey
	}

	ref := stringField(payload, "paymentId")
	if ref == "" {
		ref = stringField(payload, "conversationId")
	}
	if ref == "" {
		ref = uuid.NewString()
	}
	return fmt.Sprintf("%s_%s_%d", prefix, ref, d.settings.Now().UnixMilli()), true, nil
}

func eventType(kind domain.WebhookKind, payload map[string]interface{}) string {
	field := "status"
	if kind == domain.WebhookCard {
		field = "eventType"
	}
	value := strings.ToUpper(stringField(payload, field))
	if value == "" {
		value = "UNKNOWN"
	}
	return eventPrefixes[kind] + "_" + value
}

func decodePayload(body []byte) (map[string]interface{}, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var payload map[string]interface{}
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if payload == nil {
		return nil, errors.New("payload must be a JSON object")
	}
	return payload, nil
}

func stringField(payload map[string]interface{}, key string) string {
	switch v := payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
