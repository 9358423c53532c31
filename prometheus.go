package solo

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	acquisitions     *prometheus.CounterVec
	handoffsSent     *prometheus.CounterVec
	handoffsReceived prometheus.Counter
	decodeFailures   prometheus.Counter
	callbackPanics   prometheus.Counter

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "solo"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.acquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_total",
			Help:      "Total number of channel ownership attempts",
		},
		[]string{"outcome"},
	)

	pmc.handoffsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_sent_total",
			Help:      "Total number of handoffs sent to a primary instance",
		},
		[]string{"result"},
	)

	pmc.handoffsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_received_total",
			Help:      "Total number of handoffs received by this primary instance",
		},
	)

	pmc.decodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_decode_failures_total",
			Help:      "Total number of handoff connections dropped because they could not be decoded",
		},
	)

	pmc.callbackPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_panics_total",
			Help:      "Total number of handoff callbacks that panicked",
		},
	)

	pmc.registry.MustRegister(
		pmc.acquisitions,
		pmc.handoffsSent,
		pmc.handoffsReceived,
		pmc.decodeFailures,
		pmc.callbackPanics,
	)

	return pmc
}

// Registry returns the Prometheus registry holding the collector's metrics
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetricsCollector) AcquireOutcome(outcome AcquireOutcome) {
	p.acquisitions.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusMetricsCollector) HandoffSent(result HandoffResult) {
	p.handoffsSent.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusMetricsCollector) HandoffReceived() {
	p.handoffsReceived.Inc()
}

func (p *PrometheusMetricsCollector) DecodeFailure() {
	p.decodeFailures.Inc()
}

func (p *PrometheusMetricsCollector) CallbackPanic() {
	p.callbackPanics.Inc()
}
