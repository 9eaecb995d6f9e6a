package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowCounters(t *testing.T) {
	w := New()
	w.Observe("cancellation", "request", "ok")
	w.Observe("cancellation", "request", "ok")
	w.Observe("cancellation", "request", "CONFLICT")
	w.Refunded("return", decimal.RequireFromString("649.99"))

	assert.Equal(t, 2.0, testutil.ToFloat64(w.workflowTotal.WithLabelValues("cancellation", "request", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(w.workflowTotal.WithLabelValues("cancellation", "request", "CONFLICT")))
	assert.InDelta(t, 649.99, testutil.ToFloat64(w.refundedAmount.WithLabelValues("return")), 0.0001)
}

func TestNilWorkflowIsNoop(t *testing.T) {
	var w *Workflow
	assert.NotPanics(t, func() {
		w.Observe("return", "create", "ok")
		w.Refunded("return", decimal.NewFromInt(1))
		w.ObserveRequest(http.MethodGet, 200, time.Millisecond)
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	w := New()
	w.ObserveRequest(http.MethodPost, http.StatusCreated, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `orderflow_http_requests_total{method="POST",status="201"} 1`)
}
