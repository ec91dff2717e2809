/**
 * @description
 * HTTP handlers for the billing service.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/transfa/billing-service/internal/app"
	"github.com/transfa/billing-service/internal/domain"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 200
	maxRequestBytes    = 1 << 20
)

// Handler holds the billing services that handlers interact with.
type Handler struct {
	subs     *app.SubscriptionService
	biller   *app.Biller
	sweeper  *app.Sweeper
	webhooks *app.WebhookDispatcher
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(subs *app.SubscriptionService, biller *app.Biller, sweeper *app.Sweeper, webhooks *app.WebhookDispatcher, logger *slog.Logger) *Handler {
	return &Handler{
		subs:     subs,
		biller:   biller,
		sweeper:  sweeper,
		webhooks: webhooks,
		validate: validator.New(),
		logger:   logger,
	}
}

type createSubscriptionRequest struct {
	PlanCode     string `json:"plan_code" validate:"required,max=64"`
	BillingCycle string `json:"billing_cycle" validate:"omitempty,oneof=MONTHLY QUARTERLY SEMIANNUAL ANNUAL"`
	TrialDays    *int   `json:"trial_days" validate:"omitempty,min=0,max=365"`
}

type planChangeRequest struct {
	PlanCode     string `json:"plan_code" validate:"required,max=64"`
	BillingCycle string `json:"billing_cycle" validate:"omitempty,oneof=MONTHLY QUARTERLY SEMIANNUAL ANNUAL"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type referralRewardRequest struct {
	Days       int    `json:"days" validate:"required,min=1,max=365"`
	ReferralID string `json:"referral_id" validate:"max=128"`
}

// decodeRequest reads an optional JSON body into dst and validates it.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// handleError maps service errors onto HTTP statuses.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrSweepInProgress), errors.Is(err, domain.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondWithError(w, status, "Internal Server Error")
		return
	}
	respondWithError(w, status, err.Error())
}

// userSubscriptionID resolves the caller's current subscription.
func (h *Handler) userSubscriptionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return "", false
	}
	sub, err := h.subs.GetSubscriptionForUser(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return "", false
	}
	return sub.ID, true
}

func (h *Handler) handleGetMySubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	sub, err := h.subs.GetSubscriptionForUser(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req createSubscriptionRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}

	customerID, err := h.subs.CustomerIDForUser(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	sub, err := h.subs.CreateSubscription(r.Context(), app.CreateSubscriptionInput{
		CustomerID:   customerID,
		PlanCode:     req.PlanCode,
		BillingCycle: domain.BillingCycle(req.BillingCycle),
		TrialDays:    req.TrialDays,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleCancelMySubscription(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	id, ok := h.userSubscriptionID(w, r)
	if !ok {
		return
	}
	sub, err := h.subs.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleReactivateMySubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.userSubscriptionID(w, r)
	if !ok {
		return
	}
	sub, err := h.subs.Reactivate(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleUpgradeMySubscription(w http.ResponseWriter, r *http.Request) {
	var req planChangeRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	id, ok := h.userSubscriptionID(w, r)
	if !ok {
		return
	}
	sub, err := h.subs.UpgradePlan(r.Context(), id, req.PlanCode, domain.BillingCycle(req.BillingCycle))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleDowngradeMySubscription(w http.ResponseWriter, r *http.Request) {
	var req planChangeRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	id, ok := h.userSubscriptionID(w, r)
	if !ok {
		return
	}
	sub, err := h.subs.ScheduleDowngrade(r.Context(), id, req.PlanCode, domain.BillingCycle(req.BillingCycle))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleListMyEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxEventsLimit)
	}
	id, ok := h.userSubscriptionID(w, r)
	if !ok {
		return
	}
	events, err := h.subs.ListEvents(r.Context(), id, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.SubscriptionEvent{}
	}
	respondWithJSON(w, http.StatusOK, events)
}

func (h *Handler) handleGetSubscriptionInternal(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

// handleTransition runs a lifecycle operation on the {id} subscription.
func (h *Handler) handleTransition(op func(ctx context.Context, id string) (*domain.Subscription, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			respondWithError(w, http.StatusBadRequest, "Subscription ID is required")
			return
		}
		sub, err := op(r.Context(), id)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		respondWithJSON(w, http.StatusOK, sub)
	}
}

func (h *Handler) handleCancelSubscriptionInternal(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	sub, err := h.subs.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleReferralRewardInternal(w http.ResponseWriter, r *http.Request) {
	var req referralRewardRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	sub, err := h.subs.ApplyReferralReward(r.Context(), chi.URLParam(r, "id"), req.Days, req.ReferralID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleChargeInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID := chi.URLParam(r, "id")
	result, err := h.biller.ChargeInvoice(r.Context(), invoiceID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRetryTransaction(w http.ResponseWriter, r *http.Request) {
	result, err := h.biller.RetryTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRefundTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "id")
	result, err := h.biller.Refund(r.Context(), txID)
	if err != nil {
		var gatewayErr *domain.GatewayError
		if errors.As(err, &gatewayErr) {
			h.logger.Warn("gateway rejected refund", "transaction_id", txID, "code", gatewayErr.Code)
			respondWithError(w, http.StatusBadGateway, gatewayErr.Error())
			return
		}
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.Run(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCancelSweep(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.sweeper.RequestCancel(r.Context(), name); err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"sweep": name, "status": "cancel_requested"})
}

func (h *Handler) handleReplayWebhook(w http.ResponseWriter, r *http.Request) {
	response, err := h.webhooks.Replay(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, response)
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
