package keepalive

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "leasekeeper"
	metricsSubsystem = "keepalive"
)

type metrics struct {
	renewalsSent     prometheus.Counter
	renewalsAcked    prometheus.Counter
	unknownResponses prometheus.Counter
	expired          prometheus.Counter
	revoked          prometheus.Counter
	canceled         prometheus.Counter
	streamFailures   prometheus.Counter
	dialFailures     prometheus.Counter
	trackedLeases    prometheus.Gauge
	streaming        prometheus.Gauge
}

func newMetrics() *metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &metrics{
		renewalsSent:     counter("renewals_sent_total", "Keep-alive requests handed to the stream."),
		renewalsAcked:    counter("renewals_acked_total", "Keep-alive responses that renewed a tracked lease."),
		unknownResponses: counter("unknown_responses_total", "Keep-alive responses for leases no longer tracked."),
		expired:          counter("leases_expired_total", "Leases whose deadline elapsed without acknowledgement."),
		revoked:          counter("leases_revoked_total", "Leases the authority reported as gone."),
		canceled:         counter("leases_canceled_total", "Leases canceled by the application."),
		streamFailures:   counter("stream_failures_total", "Keep-alive streams torn down after a failure."),
		dialFailures:     counter("dial_failures_total", "Failed attempts to open a keep-alive stream."),
		trackedLeases:    gauge("tracked_leases", "Leases currently tracked."),
		streaming:        gauge("streaming", "1 while a keep-alive stream is established."),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.renewalsSent,
		m.renewalsAcked,
		m.unknownResponses,
		m.expired,
		m.revoked,
		m.canceled,
		m.streamFailures,
		m.dialFailures,
		m.trackedLeases,
		m.streaming,
	}
}

func (m *metrics) register(reg prometheus.Registerer, managerID string) error {
	wrapped := prometheus.WrapRegistererWith(prometheus.Labels{"manager": managerID}, reg)
	for _, c := range m.collectors() {
		if err := wrapped.Register(c); err != nil {
			return err
		}
	}
	return nil
}
