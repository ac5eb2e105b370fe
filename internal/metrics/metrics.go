// Package metrics holds the Prometheus collectors used across the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores collectors bound to a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	PaymentDecisions *prometheus.CounterVec
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	AuthAttempts     *prometheus.CounterVec
	ChatTurns        *prometheus.CounterVec
	ChargedMicros    prometheus.Counter
}

// New builds and registers the collectors under namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	metrics := &Metrics{
		registry: registry,
		PaymentDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_decisions_total",
			Help:      "Payment verification decisions by claim source and outcome.",
		}, []string{"source", "outcome"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Payment provider API requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Latency distribution for payment provider requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by proof kind and result.",
		}, []string{"kind", "result"}),
		ChatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Chat turns by outcome.",
		}, []string{"outcome"}),
		ChargedMicros: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charged_micros_total",
			Help:      "Usage charges deducted from balances, in micros.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.PaymentDecisions,
		metrics.ProviderRequests,
		metrics.ProviderLatency,
		metrics.AuthAttempts,
		metrics.ChatTurns,
		metrics.ChargedMicros,
	)
	return metrics
}

// Handler exposes the registry in the Prometheus text format.
func (metrics *Metrics) Handler() http.Handler {
	if metrics == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (metrics *Metrics) Registry() *prometheus.Registry {
	if metrics == nil {
		return nil
	}
	return metrics.registry
}

func (metrics *Metrics) ObservePaymentDecision(source string, outcome string) {
	if metrics == nil {
		return
	}
	metrics.PaymentDecisions.WithLabelValues(source, outcome).Inc()
}

func (metrics *Metrics) ObserveProviderRequest(endpoint string, statusCode int, elapsed time.Duration) {
	if metrics == nil {
		return
	}
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	metrics.ProviderRequests.WithLabelValues(endpoint, status).Inc()
	metrics.ProviderLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (metrics *Metrics) ObserveAuthAttempt(kind string, result string) {
	if metrics == nil {
		return
	}
	metrics.AuthAttempts.WithLabelValues(kind, result).Inc()
}

func (metrics *Metrics) ObserveChatTurn(outcome string) {
	if metrics == nil {
		return
	}
	metrics.ChatTurns.WithLabelValues(outcome).Inc()
}

func (metrics *Metrics) ObserveCharge(micros int64) {
	if metrics == nil || micros <= 0 {
		return
	}
	metrics.ChargedMicros.Add(float64(micros))
}
