package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
)

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(64999), MinorUnits(decimal.RequireFromString("649.99")))
	assert.Equal(t, int64(1000), MinorUnits(decimal.RequireFromString("10")))
	assert.Equal(t, int64(101), MinorUnits(decimal.RequireFromString("1.005")))
}

func TestStripeGatewayHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStripeGateway("sk_test_123").Refund(ctx, RefundRequest{PaymentReference: "pi_123", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, context.Canceled)
}

func newTestGateway(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeGateway("sk_test_123", stripe.WithBackends(&stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	}))
}

func TestStripeGatewayRefundsPaymentIntent(t *testing.T) {
	var form map[string][]string
	var idempotency string
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		idempotency = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "re_1", "object": "refund", "status": "succeeded"})
	})

	res, err := gw.Refund(context.Background(), RefundRequest{
		PaymentReference: "pi_123",
		Amount:           decimal.RequireFromString("649.99"),
		IdempotencyKey:   "refund-cr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "re_1", res.ID)
	assert.Equal(t, "succeeded", res.Status)
	assert.Equal(t, []string{"pi_123"}, form["payment_intent"])
	assert.Equal(t, []string{"64999"}, form["amount"])
	assert.Equal(t, "refund-cr-1", idempotency)
}

func TestStripeGatewayAbandonsSlowRefundAtDeadline(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := gw.Refund(ctx, RefundRequest{PaymentReference: "pi_123", Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
