package easyfpga

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus instruments for a Communicator/FPGABinary
// pair. Follows the nil-Registerer pattern from
// marmos91-dittofs/internal/adapter/nsm/metrics.go: built with a nil
// Registerer, the instruments work but are never registered, and callers
// check for a nil *metrics before touching them, so metrics are always
// optional plumbing, never a required dependency (SPEC_FULL.md §4).
type metrics struct {
	exchangesInFlight prometheus.Gauge
	parityRetryTotal  prometheus.Counter
	nackTotal         prometheus.Counter
	uploadProgress    prometheus.Gauge
}

// newMetrics creates and registers the easyfpga_* metrics. Pass a nil
// Registerer to get working, unregistered instruments (useful in tests or
// when metrics collection is disabled).
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		exchangesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "easyfpga_exchanges_in_flight",
			Help: "Number of register/flash exchanges currently awaiting a reply.",
		}),
		parityRetryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "easyfpga_parity_retry_total",
			Help: "Total requests resubmitted after a PARITY NACK.",
		}),
		nackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "easyfpga_nack_total",
			Help: "Total NACK replies received, by any error code.",
		}),
		uploadProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "easyfpga_upload_progress_percent",
			Help: "Progress of the most recent FPGA binary upload, 0-100.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.exchangesInFlight, m.parityRetryTotal, m.nackTotal, m.uploadProgress)
	}
	return m
}
