// Package telemetry exposes per-node prometheus metrics. Each node owns
// its registry so several nodes can share a process.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ulp"

// Metrics groups one node's collectors.
type Metrics struct {
	Registry *prometheus.Registry

	EventsAccepted *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec
	EventsPending  prometheus.Gauge

	ProofsGenerated prometheus.Counter
	ProofsVerified  prometheus.Counter
	NonceSearch     prometheus.Histogram
	Revocations     prometheus.Gauge

	WindowSize prometheus.Gauge
	InboxDepth prometheus.Gauge

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New registers a fresh set of collectors labelled with the node id.
func New(nodeID string) *Metrics {
	constLabels := prometheus.Labels{"node": short(nodeID)}
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		EventsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_accepted_total",
			Help:        "Events committed to local history, by type.",
			ConstLabels: constLabels,
		}, []string{"type"}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_rejected_total",
			Help:        "Inbound messages dropped, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		EventsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "events_pending",
			Help:        "Consensus events awaiting quorum endorsement.",
			ConstLabels: constLabels,
		}),

		ProofsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rectification_proofs_generated_total",
			Help:        "Rectification proofs found and broadcast by this node.",
			ConstLabels: constLabels,
		}),
		ProofsVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rectification_proofs_verified_total",
			Help:        "Rectification proofs accepted from any signer.",
			ConstLabels: constLabels,
		}),
		NonceSearch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "rectification_nonce",
			Help:        "Nonce at which a rectification search succeeded.",
			Buckets:     prometheus.ExponentialBuckets(1, 4, 9),
			ConstLabels: constLabels,
		}),
		Revocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "revocations",
			Help:        "Size of the revocation set.",
			ConstLabels: constLabels,
		}),

		WindowSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "harmonic_window_size",
			Help:        "Units retained in the harmonic window.",
			ConstLabels: constLabels,
		}),
		InboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "inbox_depth",
			Help:        "Messages waiting for the processing loop.",
			ConstLabels: constLabels,
		}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "requests_total",
			Help:        "Total number of HTTP requests.",
			ConstLabels: constLabels,
		}, []string{"op", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "request_duration_seconds",
			Help:        "Latency of HTTP requests.",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 13),
			ConstLabels: constLabels,
		}, []string{"op"}),
	}

	m.Registry.MustRegister(
		m.EventsAccepted, m.EventsRejected, m.EventsPending,
		m.ProofsGenerated, m.ProofsVerified, m.NonceSearch, m.Revocations,
		m.WindowSize, m.InboxDepth,
		m.RequestsTotal, m.RequestDuration,
	)
	return m
}

// Handler exposes the registry. Mount it with mux.Handle("/metrics", m.Handler()).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps next to record request metrics under op.
func (m *Metrics) Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		m.RequestsTotal.WithLabelValues(op, class).Inc()
		m.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}

func short(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
