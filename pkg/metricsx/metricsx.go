package metricsx

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "grantstore"

// NewRegistry returns a registry carrying the Go runtime and process
// collectors. Components register their own metrics on top.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Housekeeping holds the sweep metrics. A nil *Housekeeping is valid and
// records nothing.
type Housekeeping struct {
	runs        *prometheus.CounterVec
	deleted     *prometheus.CounterVec
	failed      *prometheus.CounterVec
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
}

// NewHousekeeping creates the sweep metrics and registers them on reg.
func NewHousekeeping(reg prometheus.Registerer) *Housekeeping {
	h := &Housekeeping{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "housekeeping",
			Name:      "runs_total",
			Help:      "Sweeps run, by result.",
		}, []string{"result"}),
		deleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "housekeeping",
			Name:      "deleted_total",
			Help:      "Rows removed by the sweep, by kind.",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "housekeeping",
			Name:      "failed_total",
			Help:      "Rows the sweep could not remove, by kind.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "housekeeping",
			Name:      "duration_seconds",
			Help:      "Wall time of one sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "housekeeping",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last sweep that finished without failures.",
		}),
	}

	reg.MustRegister(h.runs, h.deleted, h.failed, h.duration, h.lastSuccess)
	return h
}

func (h *Housekeeping) Deleted(kind string, n int) {
	if h == nil || n <= 0 {
		return
	}
	h.deleted.WithLabelValues(kind).Add(float64(n))
}

func (h *Housekeeping) Failed(kind string, n int) {
	if h == nil || n <= 0 {
		return
	}
	h.failed.WithLabelValues(kind).Add(float64(n))
}

// Run records one finished sweep. ok is false when any row failed.
func (h *Housekeeping) Run(took time.Duration, ok bool, finished time.Time) {
	if h == nil {
		return
	}
	h.duration.Observe(took.Seconds())
	if !ok {
		h.runs.WithLabelValues("partial").Inc()
		return
	}
	h.runs.WithLabelValues("ok").Inc()
	h.lastSuccess.Set(float64(finished.Unix()))
}
