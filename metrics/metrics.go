// Package metrics exposes Prometheus instrumentation for the admission
// layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joanseamrexgage-ui/telegram-training-bot/pkg/admission"
)

// Recorder implements admission.MetricsRecorder on Prometheus collectors.
type Recorder struct {
	checks        *prometheus.CounterVec
	lockouts      *prometheus.CounterVec
	breakerState  prometheus.Gauge
	remoteLatency prometheus.Histogram
}

var _ admission.MetricsRecorder = (*Recorder)(nil)

// New creates a Recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_checks_total",
			Help: "Admission decisions by kind, result and path",
		}, []string{"kind", "result", "path"}),
		lockouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_lockouts_total",
			Help: "Subjects blocked after crossing the violation threshold",
		}, []string{"kind"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		remoteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "admission_remote_call_seconds",
			Help:    "Latency of remote store calls",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
	reg.MustRegister(r.checks, r.lockouts, r.breakerState, r.remoteLatency)
	return r
}

// RecordCheck counts one admission decision.
func (r *Recorder) RecordCheck(kind admission.Kind, allowed, degraded bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	path := "remote"
	if degraded {
		path = "local"
	}
	r.checks.WithLabelValues(string(kind), result, path).Inc()
}

// RecordRemoteLatency observes one remote store round trip.
func (r *Recorder) RecordRemoteLatency(d time.Duration) {
	r.remoteLatency.Observe(d.Seconds())
}

// RecordBreakerState tracks breaker transitions.
func (r *Recorder) RecordBreakerState(s admission.CircuitState) {
	r.breakerState.Set(float64(s))
}

// RecordLockout counts one violation-threshold lockout.
func (r *Recorder) RecordLockout(kind admission.Kind) {
	r.lockouts.WithLabelValues(string(kind)).Inc()
}

// Handler returns the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
