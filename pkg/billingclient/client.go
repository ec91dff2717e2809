/**
 * @description
 * Client the scheduler uses to trigger billing sweeps on the billing service.
 */
package billingclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrSweepInProgress is returned when another instance holds the sweep lease.
var ErrSweepInProgress = errors.New("sweep already running")

// SweepResult mirrors the billing service's sweep summary.
type SweepResult struct {
	Sweep      string    `json:"sweep"`
	Evaluated  int       `json:"evaluated"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Errored    int       `json:"errored"`
	Cancelled  bool      `json:"cancelled"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Client provides methods to interact with the billing service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new billing service client. Sweeps work through whole
// batches, so the timeout is generous.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// RunSweep triggers the named sweep and returns its summary.
func (c *Client) RunSweep(ctx context.Context, name string) (*SweepResult, error) {
	body, err := c.post(ctx, "/internal/billing/sweeps/"+url.PathEscape(name)+"/run")
	if err != nil {
		return nil, err
	}
	var result SweepResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode sweep result: %w", err)
	}
	return &result, nil
}

// CancelSweep asks a running sweep to stop before its next item.
func (c *Client) CancelSweep(ctx context.Context, name string) error {
	_, err := c.post(ctx, "/internal/billing/sweeps/"+url.PathEscape(name)+"/cancel")
	return err
}

func (c *Client) post(ctx context.Context, path string) ([]byte, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("billing service base URL is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBufferString("{}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusConflict {
		return nil, ErrSweepInProgress
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("billing service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
