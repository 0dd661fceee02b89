// Package metrics provides Prometheus metrics for the sync client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Wire metrics
	framesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosync_frames_sent_total",
			Help: "Total protocol frames queued for sending, by message name",
		},
		[]string{"name"},
	)

	framesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosync_frames_received_total",
			Help: "Total protocol frames decoded, by message name",
		},
		[]string{"name"},
	)

	framesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cosync_frames_dropped_total",
			Help: "Total inbound frames dropped as malformed",
		},
	)

	bytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cosync_bytes_sent_total",
			Help: "Total bytes written to the workspace connection",
		},
	)

	bytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cosync_bytes_received_total",
			Help: "Total bytes read from the workspace connection",
		},
	)

	// Connection metrics
	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cosync_reconnects_total",
			Help: "Total scheduled reconnect attempts",
		},
	)

	gaveUpTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cosync_reconnect_gave_up_total",
			Help: "Total times reconnection was abandoned",
		},
	)

	connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cosync_connected",
			Help: "1 while the workspace connection is up",
		},
	)

	requestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cosync_request_latency_seconds",
			Help:    "Time from sending a request to receiving its reply",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	// Sync metrics
	patchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosync_patches_total",
			Help: "Total patches handled, by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	resyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosync_resyncs_total",
			Help: "Total full-buffer refetches, by reason",
		},
		[]string{"reason"},
	)

	uploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cosync_upload_bytes_total",
			Help: "Total bytes uploaded during join",
		},
	)

	buffersTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cosync_buffers",
			Help: "Number of buffers in the workspace",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFrameSent records an outbound frame.
func RecordFrameSent(name string, size int) {
	framesSentTotal.WithLabelValues(name).Inc()
	bytesSent.Add(float64(size))
}

// RecordFrameReceived records a decoded inbound frame.
func RecordFrameReceived(name string) {
	framesReceivedTotal.WithLabelValues(name).Inc()
}

// RecordFrameDropped records a malformed inbound frame.
func RecordFrameDropped() {
	framesDroppedTotal.Inc()
}

// RecordBytesReceived records raw bytes read from the socket.
func RecordBytesReceived(n int) {
	bytesReceived.Add(float64(n))
}

// RecordReconnect records a scheduled reconnect.
func RecordReconnect() {
	reconnectsTotal.Inc()
}

// RecordGaveUp records abandoning reconnection.
func RecordGaveUp() {
	gaveUpTotal.Inc()
}

// SetConnected sets the connection gauge.
func SetConnected(up bool) {
	if up {
		connected.Set(1)
		return
	}
	connected.Set(0)
}

// RecordRequest records the latency of a completed request.
func RecordRequest(name string, d time.Duration) {
	requestLatency.WithLabelValues(name).Observe(d.Seconds())
}

// RecordPatch records a patch. direction is "in" or "out"; outcome is one of
// "clean", "dirty", "forced", "ignored" or "sent".
func RecordPatch(direction, outcome string) {
	patchesTotal.WithLabelValues(direction, outcome).Inc()
}

// RecordResync records a full-buffer refetch.
func RecordResync(reason string) {
	resyncsTotal.WithLabelValues(reason).Inc()
}

// RecordUpload records bytes uploaded.
func RecordUpload(n int64) {
	uploadBytes.Add(float64(n))
}

// SetBuffers sets the buffer count gauge.
func SetBuffers(n int) {
	buffersTracked.Set(float64(n))
}
