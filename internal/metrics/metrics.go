// Package metrics holds the Prometheus instruments shared by the protocol
// sessions, the orchestrator and the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Device label values.
const (
	DeviceBMS        = "bms"
	DeviceController = "controller"
	DeviceGPS        = "gps"
)

var (
	// Link metrics
	ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kble_connect_attempts_total",
			Help: "Peripheral connect attempts by result",
		},
		[]string{"device", "result"},
	)

	LinkUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kble_link_up",
			Help: "1 while the peripheral link is established",
		},
		[]string{"device"},
	)

	BytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kble_bytes_received_total",
			Help: "Notification bytes received per peripheral",
		},
		[]string{"device"},
	)

	// BMS framing metrics
	FramesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kble_bms_frames_total",
			Help: "Validated BMS frames by function",
		},
		[]string{"function"},
	)

	FramesDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kble_bms_frames_discarded_total",
			Help: "BMS bytes or frames dropped by reason (desync counts bytes)",
		},
		[]string{"reason"},
	)

	// Controller packet metrics
	PacketsDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kble_controller_packets_total",
			Help: "Controller packets by type and result",
		},
		[]string{"type", "result"},
	)

	// Orchestrator metrics
	Polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kble_polls_total",
			Help: "Poll cycles by device and result",
		},
		[]string{"device", "result"},
	)

	PollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kble_poll_duration_seconds",
			Help:    "Poll cycle duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"device"},
	)

	SnapshotsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kble_snapshots_published_total",
			Help: "Telemetry snapshots forwarded per sink",
		},
		[]string{"sink"},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectAttempts,
		LinkUp,
		BytesReceived,
		FramesDecoded,
		FramesDiscarded,
		PacketsDecoded,
		Polls,
		PollDuration,
		SnapshotsPublished,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
