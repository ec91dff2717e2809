/**
 * @description
 * HTTP router setup for the billing service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/transfa/billing-service/internal/domain"
)

// NewRouter creates a new Chi router and registers billing routes.
func NewRouter(h *Handler, session SessionAuth, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(prometheusMiddleware)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Billing service is healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhooks/gateway", func(r chi.Router) {
		r.Post("/payment", h.handleGatewayWebhook(domain.WebhookPayment))
		r.Post("/threeds", h.handleGatewayWebhook(domain.WebhookVerification))
		r.Post("/refund", h.handleGatewayWebhook(domain.WebhookRefund))
		r.Post("/card", h.handleGatewayWebhook(domain.WebhookCard))
		r.Get("/health", h.handleWebhookHealth)
	})

	r.Route("/internal/billing", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		r.Route("/subscriptions/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetSubscriptionInternal)
			r.Post("/activate", h.handleTransition(h.subs.Activate))
			r.Post("/past-due", h.handleTransition(h.subs.MarkPastDue))
			r.Post("/suspend", h.handleTransition(h.subs.Suspend))
			r.Post("/expire", h.handleTransition(h.subs.Expire))
			r.Post("/end-trial", h.handleTransition(h.subs.EndTrial))
			r.Post("/renew", h.handleTransition(h.subs.Renew))
			r.Post("/apply-downgrade", h.handleTransition(h.subs.ApplyScheduledDowngrade))
			r.Post("/cancel", h.handleCancelSubscriptionInternal)
			r.Post("/referral-reward", h.handleReferralRewardInternal)
		})

		r.Post("/invoices/{id}/charge", h.handleChargeInvoice)
		r.Post("/transactions/{id}/retry", h.handleRetryTransaction)
		r.Post("/transactions/{id}/refund", h.handleRefundTransaction)
		r.Post("/sweeps/{name}/run", h.handleRunSweep)
		r.Post("/sweeps/{name}/cancel", h.handleCancelSweep)
		r.Post("/webhooks/{eventID}/replay", h.handleReplayWebhook)
	})

	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(session))
		r.Get("/billing/subscription", h.handleGetMySubscription)
		r.Post("/billing/subscription", h.handleCreateSubscription)
		r.Post("/billing/subscription/cancel", h.handleCancelMySubscription)
		r.Post("/billing/subscription/reactivate", h.handleReactivateMySubscription)
		r.Post("/billing/subscription/upgrade", h.handleUpgradeMySubscription)
		r.Post("/billing/subscription/downgrade", h.handleDowngradeMySubscription)
		r.Get("/billing/subscription/events", h.handleListMyEvents)
	})

	return r
}
