// Package metrics exposes workflow and HTTP counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "orderflow"

// Workflow is safe to use through a nil pointer; every method is then a no-op.
type Workflow struct {
	registry        *prometheus.Registry
	workflowTotal   *prometheus.CounterVec
	refundedAmount  *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func New() *Workflow {
	reg := prometheus.NewRegistry()
	w := &Workflow{
		registry: reg,
		workflowTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_operations_total",
			Help:      "Workflow operations by workflow, action and outcome.",
		}, []string{"workflow", "action", "outcome"}),
		refundedAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunded_amount_total",
			Help:      "Sum of completed refunds by source.",
		}, []string{"source"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(
		w.workflowTotal,
		w.refundedAmount,
		w.requestsTotal,
		w.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return w
}

// Observe records one workflow operation; outcome is "ok" or an error code.
func (w *Workflow) Observe(workflow string, action string, outcome string) {
	if w == nil {
		return
	}
	w.workflowTotal.WithLabelValues(workflow, action, outcome).Inc()
}

func (w *Workflow) Refunded(source string, amount decimal.Decimal) {
	if w == nil {
		return
	}
	f, _ := amount.Float64()
	w.refundedAmount.WithLabelValues(source).Add(f)
}

func (w *Workflow) ObserveRequest(method string, status int, elapsed time.Duration) {
	if w == nil {
		return
	}
	w.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	w.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (w *Workflow) Handler() http.Handler {
	if w == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{})
}
