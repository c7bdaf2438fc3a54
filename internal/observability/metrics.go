package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	SessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scenecast",
			Subsystem: "receiver",
			Name:      "sessions_total",
			Help:      "Producer sessions accepted.",
		},
	)
	ConnectionsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scenecast",
			Subsystem: "receiver",
			Name:      "connections_rejected_total",
			Help:      "Inbound connections refused while a producer was active.",
		},
	)
	FramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scenecast",
			Subsystem: "receiver",
			Name:      "frames_total",
			Help:      "Complete frames reassembled.",
		},
	)
	FrameBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scenecast",
			Subsystem: "receiver",
			Name:      "frame_bytes_total",
			Help:      "Payload bytes received in complete frames.",
		},
	)
	DecodeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scenecast",
			Subsystem: "receiver",
			Name:      "decode_errors_total",
			Help:      "Frames that failed to decode, staging failures included.",
		},
	)
	SnapshotsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scenecast",
			Subsystem: "receiver",
			Name:      "snapshots_published_total",
			Help:      "Decoded snapshots published to consumers.",
		},
	)
	ProducerConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scenecast",
			Subsystem: "receiver",
			Name:      "producer_connected",
			Help:      "1 while a producer session is active.",
		},
	)
)

// RegisterMetrics registers all collectors with the default registry.
// Safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SessionsTotal,
			ConnectionsRejectedTotal,
			FramesTotal,
			FrameBytes,
			DecodeErrorsTotal,
			SnapshotsPublishedTotal,
			ProducerConnected,
		)
	})
}
