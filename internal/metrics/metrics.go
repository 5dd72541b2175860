package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "depth_mirror"

// Drop reasons for FramesDropped.
const (
	DropDecompress = "decompress"
	DropMalformed  = "malformed"
	DropOverflow   = "overflow"
)

// Metrics holds every collector exported by the mirror.
type Metrics struct {
	FramesReceived   *prometheus.CounterVec
	FramesDropped    *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	TransportFailed  *prometheus.CounterVec
	ConnectionsOpen  prometheus.Gauge
	SequenceGaps     *prometheus.CounterVec
	Resyncs          *prometheus.CounterVec
	BookUpdates      *prometheus.CounterVec
	SnapshotFetches  *prometheus.CounterVec
	SnapshotLatency  prometheus.Histogram
	SessionRotations *prometheus.CounterVec
	SessionErrors    *prometheus.CounterVec
	SinkDropped      *prometheus.CounterVec
	RowsWritten      prometheus.Counter
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "frames_received_total",
			Help: "Frames decoded and delivered to handlers.",
		}, []string{"path"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "frames_dropped_total",
			Help: "Frames dropped before delivery, by reason.",
		}, []string{"reason"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "reconnects_total",
			Help: "Reconnect attempts scheduled after a dial failure or lost connection.",
		}, []string{"path"}),
		TransportFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "retries_exhausted_total",
			Help: "Transports that gave up after max reconnect retries.",
		}, []string{"path"}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "connections",
			Help: "Registered stream connections.",
		}),
		SequenceGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "book", Name: "sequence_gaps_total",
			Help: "Diffs whose first update id did not follow the last applied id.",
		}, []string{"symbol"}),
		Resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "book", Name: "resyncs_total",
			Help: "Book reinitializations, by reason.",
		}, []string{"symbol", "reason"}),
		BookUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "book", Name: "updates_total",
			Help: "Diffs applied to live books.",
		}, []string{"symbol"}),
		SnapshotFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "snapshot", Name: "fetches_total",
			Help: "REST depth snapshot fetches, by result.",
		}, []string{"result"}),
		SnapshotLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "snapshot", Name: "fetch_seconds",
			Help:    "REST depth snapshot fetch latency.",
			Buckets: prometheus.DefBuckets,
		}),
		SessionRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "rotations_total",
			Help: "Listen key rotations that replaced the data connection.",
		}, []string{"class"}),
		SessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "errors_total",
			Help: "Listen key issue or keepalive failures.",
		}, []string{"class"}),
		SinkDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "dropped_total",
			Help: "Book updates dropped because a sink buffer was closed.",
		}, []string{"sink"}),
		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "rows_total",
			Help: "Book snapshot rows inserted.",
		}),
	}

	reg.MustRegister(
		m.FramesReceived, m.FramesDropped, m.Reconnects, m.TransportFailed,
		m.ConnectionsOpen, m.SequenceGaps, m.Resyncs, m.BookUpdates,
		m.SnapshotFetches, m.SnapshotLatency, m.SessionRotations, m.SessionErrors,
		m.SinkDropped, m.RowsWritten,
	)
	return m
}

// Discard returns collectors registered on a private registry, for callers that
// do not export metrics (tests, CLIs).
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the collectors registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
