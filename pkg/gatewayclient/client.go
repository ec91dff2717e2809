/**
 * @description
 * Client for the hosted payment gateway: stored-card charges and refunds.
 * Requests are signed with an HMAC of the body so the gateway can authenticate them.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// ChargeRequest submits a charge against a stored card.
type ChargeRequest struct {
	ConversationID string `json:"conversationId"`
	CustomerID     string `json:"buyerId"`
	InvoiceID      string `json:"basketId"`
	Amount         int64  `json:"price"`
	Currency       string `json:"currency"`
	CardUserKey    string `json:"cardUserKey"`
	CardToken      string `json:"cardToken"`
}

// ChargeResult is the gateway's answer to a charge. A decline is a result
// with Success=false, not an error.
type ChargeResult struct {
	Success      bool
	PaymentID    string
	ErrorCode    string
	ErrorMessage string
	Raw          []byte
}

// RefundRequest refunds a settled payment.
type RefundRequest struct {
	ConversationID string `json:"conversationId"`
	PaymentID      string `json:"paymentId"`
	Amount         int64  `json:"price"`
	Currency       string `json:"currency"`
}

// RefundResult is the gateway's answer to a refund.
type RefundResult struct {
	Success      bool
	ErrorCode    string
	ErrorMessage string
	Raw          []byte
}

type gatewayResponse struct {
	Status       string `json:"status"`
	PaymentID    string `json:"paymentId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Client talks to the payment gateway API.
type Client struct {
	baseURL    string
	apiKey     string
	secretKey  string
	httpClient *http.Client
}

// NewClient creates a gateway client. A non-positive timeout uses the default.
func NewClient(baseURL, apiKey, secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Charge submits a stored-card charge.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("conversation ID is required")
	}
	if req.CardUserKey == "" || req.CardToken == "" {
		return nil, fmt.Errorf("stored card reference is required")
	}

	resp, raw, err := c.post(ctx, "/payment/auth", req)
	if err != nil {
		return nil, err
	}

	return &ChargeResult{
		Success:      strings.EqualFold(resp.Status, "success"),
		PaymentID:    resp.PaymentID,
		ErrorCode:    resp.ErrorCode,
		ErrorMessage: resp.ErrorMessage,
		Raw:          raw,
	}, nil
}

// Refund submits a refund for a previously successful payment.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.PaymentID == "" {
		return nil, fmt.Errorf("payment ID is required")
	}

	resp, raw, err := c.post(ctx, "/payment/refund", req)
	if err != nil {
		return nil, err
	}

	return &RefundResult{
		Success:      strings.EqualFold(resp.Status, "success"),
		ErrorCode:    resp.ErrorCode,
		ErrorMessage: resp.ErrorMessage,
		Raw:          raw,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*gatewayResponse, []byte, error) {
	if c.baseURL == "" {
		return nil, nil, fmt.Errorf("payment gateway base URL is not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	if c.secretKey != "" {
		req.Header.Set("X-Signature", Sign(c.secretKey, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, raw, fmt.Errorf("payment gateway returned status %d", resp.StatusCode)
	}

	var parsed gatewayResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, raw, fmt.Errorf("failed to parse gateway response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 && parsed.ErrorCode == "" {
		parsed.ErrorCode = fmt.Sprintf("HTTP_%d", resp.StatusCode)
	}

	return &parsed, raw, nil
}

// Sign returns the base64 HMAC-SHA256 of body under secret. The gateway uses
// the same scheme for the signatures on its webhook callbacks.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
