package billingclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunSweep(t *testing.T) {
	var gotPath, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Internal-API-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sweep":"retries","evaluated":3,"succeeded":2,"failed":1}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret")
	result, err := client.RunSweep(context.Background(), "retries")
	if err != nil {
		t.Fatalf("RunSweep returned error: %v", err)
	}
	if gotPath != "/internal/billing/sweeps/retries/run" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotKey != "secret" {
		t.Fatalf("expected internal api key header, got %q", gotKey)
	}
	if result.Evaluated != 3 || result.Succeeded != 2 || result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunSweep_ConflictMeansInProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"sweep already running"}`, http.StatusConflict)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "secret").RunSweep(context.Background(), "grace")
	if !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("expected ErrSweepInProgress, got %v", err)
	}
}

func TestCancelSweep_ReportsServerErrors(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	err := NewClient(server.URL, "secret").CancelSweep(context.Background(), "renewals")
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if gotPath != "/internal/billing/sweeps/renewals/cancel" {
		t.Fatalf("unexpected path %q", gotPath)
	}
}

func TestClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient("", "secret").RunSweep(context.Background(), "retries"); err == nil {
		t.Fatal("expected error when base URL is empty")
	}
}
