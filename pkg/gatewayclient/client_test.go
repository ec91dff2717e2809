package gatewayclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCharge_SignsRequestAndParsesSuccess(t *testing.T) {
	var gotSignature string
	var gotBody ChargeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payment/auth", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Signature")
		require.Equal(t, Sign("secret", raw), gotSignature)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.Write([]byte(`{"status":"success","paymentId":"pay-1"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", "secret", time.Second)
	result, err := client.Charge(context.Background(), ChargeRequest{
		ConversationID: "conv-1",
		Amount:         29900,
		Currency:       "TRY",
		CardUserKey:    "user-key",
		CardToken:      "token",
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "pay-1", result.PaymentID)
	assert.Equal(t, "conv-1", gotBody.ConversationID)
	assert.NotEmpty(t, gotSignature)
}

func TestCharge_DeclineIsResultNotError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"status":"failure","errorMessage":"insufficient funds"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", "", time.Second)
	result, err := client.Charge(context.Background(), ChargeRequest{ConversationID: "c", CardUserKey: "u", CardToken: "t"})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "HTTP_402", result.ErrorCode)
	assert.Equal(t, "insufficient funds", result.ErrorMessage)
}

func TestCharge_ServerErrorIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", "", time.Second)
	_, err := client.Charge(context.Background(), ChargeRequest{ConversationID: "c", CardUserKey: "u", CardToken: "t"})

	require.Error(t, err)
}

func TestRefund_RequiresPaymentID(t *testing.T) {
	client := NewClient("http://gateway.invalid", "key", "", time.Second)
	_, err := client.Refund(context.Background(), RefundRequest{})
	require.Error(t, err)
}
