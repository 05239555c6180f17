package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/heascreen/pkg/ledger"
)

// Metrics records scheduler activity. It implements pipeline.Observer.
type Metrics struct {
	reg *prometheus.Registry

	unitsTotal      *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	backlog         *prometheus.GaugeVec
}

// NewMetrics registers the run metrics under namespace on a fresh registry
// together with the Go and process collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "heascreen"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		// unitsTotal counts settled units by stage, state and outcome
		unitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Work units settled, by stage, state and outcome",
		}, []string{"stage", "state", "outcome"}),

		// adapterDuration tracks oracle, generator and predictor latency
		adapterDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_call_duration_seconds",
			Help:      "Adapter call duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		}, []string{"op"}),

		adapterErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_errors_total",
			Help:      "Adapter calls that returned an error",
		}, []string{"op"}),

		retriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Transient failures retried",
		}, []string{"op"}),

		backlog: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_units",
			Help:      "Units waiting or in flight per stage",
		}, []string{"stage", "state"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) UnitDone(stage ledger.Stage, outcome string) {
	m.unitsTotal.WithLabelValues(string(stage), "done", outcome).Inc()
}

func (m *Metrics) UnitFailed(stage ledger.Stage, outcome string) {
	m.unitsTotal.WithLabelValues(string(stage), "failed", outcome).Inc()
}

func (m *Metrics) AdapterCall(op string, elapsed time.Duration, err error) {
	m.adapterDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		m.adapterErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Retry(op string) {
	m.retriesTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) Backlog(stage ledger.Stage, pending, inFlight int) {
	m.backlog.WithLabelValues(string(stage), "pending").Set(float64(pending))
	m.backlog.WithLabelValues(string(stage), "in_flight").Set(float64(inFlight))
}
