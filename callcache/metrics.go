package callcache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LookupOutcome captures the result of a proxied lookup.
type LookupOutcome string

const (
	// LookupHit indicates the result was decoded from the store.
	LookupHit LookupOutcome = "hit"
	// LookupMiss indicates the method was invoked.
	LookupMiss LookupOutcome = "miss"
	// LookupError indicates the call failed.
	LookupError LookupOutcome = "error"
)

// StoreOutcome captures what happened to a computed result.
type StoreOutcome string

const (
	StoreStored  StoreOutcome = "stored"
	StoreSkipped StoreOutcome = "skipped"
	StoreError   StoreOutcome = "error"
)

// UnknownMethodLabel is the method label of calls naming a method the
// target does not have, so arbitrary names do not create new series.
const UnknownMethodLabel = "unknown"

// Metrics publishes Prometheus metrics for proxied calls. A nil *Metrics
// records nothing.
type Metrics struct {
	lookups  *prometheus.CounterVec
	stores   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the call cache collectors on reg. A nil reg returns
// nil, which disables metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcache",
			Name:      "lookups_total",
			Help:      "Proxied calls by method, pattern and outcome.",
		}, []string{"method", "pattern", "outcome"}),
		stores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcache",
			Name:      "stores_total",
			Help:      "Store writes attempted after a miss.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callcache",
			Name:      "invoke_duration_seconds",
			Help:      "Latency distribution of proxied calls.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method"}),
	}

	for _, c := range []prometheus.Collector{m.lookups, m.stores, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) lookup(method, pattern string, outcome LookupOutcome) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(method, pattern, string(outcome)).Inc()
}

func (m *Metrics) store(method string, outcome StoreOutcome) {
	if m == nil {
		return
	}
	m.stores.WithLabelValues(method, string(outcome)).Inc()
}

func (m *Metrics) observe(method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}
