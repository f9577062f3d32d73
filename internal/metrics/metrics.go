// ABOUTME: Prometheus collectors for message throughput and processing latency
// ABOUTME: Each Metrics owns its registry so tests can read counters in isolation

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Directions used for the processing histogram.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	InboundMessages   *prometheus.CounterVec
	OutboundMessages  *prometheus.CounterVec
	ProcessingSeconds *prometheus.HistogramVec
	MacroExecutions   *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
}

// New creates and registers the collectors. namespace may be empty.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by channel and outcome.",
		}, []string{"channel_type", "status"}),
		OutboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound messages by channel and outcome.",
		}, []string{"channel_type", "status"}),
		ProcessingSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_processing_seconds",
			Help:      "Time spent processing a message.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel_type", "direction"}),
		MacroExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "macro_executions_total",
			Help:      "Macro executions by result.",
		}, []string{"result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 when the provider circuit is open or half-open.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.InboundMessages,
		m.OutboundMessages,
		m.ProcessingSeconds,
		m.MacroExecutions,
		m.BreakerState,
	)
	return m
}

// ObserveInbound counts one inbound outcome and records its latency.
// Safe to call on a nil receiver.
func (m *Metrics) ObserveInbound(channelType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(channelType, status).Inc()
	m.ProcessingSeconds.WithLabelValues(channelType, DirectionInbound).Observe(elapsed.Seconds())
}

// ObserveOutbound counts one outbound outcome and records its latency.
func (m *Metrics) ObserveOutbound(channelType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(channelType, status).Inc()
	m.ProcessingSeconds.WithLabelValues(channelType, DirectionOutbound).Observe(elapsed.Seconds())
}

// ObserveMacro counts a macro execution.
func (m *Metrics) ObserveMacro(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.MacroExecutions.WithLabelValues(result).Inc()
}

// SetBreakerOpen records whether a provider's circuit is rejecting calls.
func (m *Metrics) SetBreakerOpen(provider string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerState.WithLabelValues(provider).Set(v)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
