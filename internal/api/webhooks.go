package api

import (
	"io"
	"net/http"

	"github.com/transfa/billing-service/internal/app"
	"github.com/transfa/billing-service/internal/domain"
)

const (
	signatureHeader      = "X-Gateway-Signature"
	idempotencyKeyHeader = "Idempotency-Key"
)

// handleGatewayWebhook feeds one notification kind into the dispatcher. The
// gateway always gets 200 so its redelivery policy never drives our retries.
func (h *Handler) handleGatewayWebhook(kind domain.WebhookKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err != nil {
			h.logger.Error("failed to read webhook body", "kind", kind, "error", err)
			respondWithJSON(w, http.StatusOK, app.WebhookResponse{
				Status:  string(app.OutcomeFailed),
				Message: "Unreadable payload",
			})
			return
		}

		response := h.webhooks.Dispatch(r.Context(), app.WebhookNotification{
			Kind:           kind,
			Body:           body,
			Signature:      r.Header.Get(signatureHeader),
			IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
		})
		respondWithJSON(w, http.StatusOK, response)
	}
}

func (h *Handler) handleWebhookHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
