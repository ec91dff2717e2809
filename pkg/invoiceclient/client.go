/**
 * @description
 * Client for the invoice service, which owns invoice numbering, tax and PDFs.
 */
package invoiceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// IssueRequest asks for the invoice covering one billing period.
type IssueRequest struct {
	SubscriptionID string    `json:"subscription_id"`
	CustomerID     string    `json:"customer_id"`
	PriceID        string    `json:"price_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
}

// Client is a client for the invoice service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new invoice service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// IssueInvoice creates (or returns the existing) invoice for a subscription period.
func (c *Client) IssueInvoice(ctx context.Context, issue IssueRequest) (string, error) {
	if issue.SubscriptionID == "" {
		return "", fmt.Errorf("subscription ID is required")
	}
	if c.baseURL == "" {
		return "", fmt.Errorf("invoice service base URL is not configured")
	}

	body, err := json.Marshal(issue)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/invoices", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%d", issue.SubscriptionID, issue.PeriodStart.Unix()))
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("invoice service returned status %d", resp.StatusCode)
	}

	var response struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to parse invoice response: %w", err)
	}
	if response.ID == "" {
		return "", fmt.Errorf("invoice service returned an empty invoice id")
	}

	return response.ID, nil
}
