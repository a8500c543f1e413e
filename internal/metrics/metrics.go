package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Channel Metrics
	ChannelsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracking_channels_open",
			Help: "Current number of open tracking channels",
		},
	)

	DialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_dials_total",
			Help: "Total number of tracking channel dial attempts",
		},
		[]string{"result"}, // "success", "failure"
	)

	ReconnectsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_reconnects_scheduled_total",
			Help: "Total number of reconnects scheduled after an abnormal close",
		},
	)

	ClosesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_closes_total",
			Help: "Total number of transport closes by close code",
		},
		[]string{"code"},
	)

	// Frame Metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_frames_received_total",
			Help: "Total number of inbound tracking frames by type",
		},
		[]string{"type"},
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_frames_sent_total",
			Help: "Total number of outbound tracking frames by type",
		},
		[]string{"type"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_frames_dropped_total",
			Help: "Total number of outbound frames dropped without delivery",
		},
		[]string{"reason"}, // "not_open", "encode", "write"
	)

	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_errors_total",
			Help: "Total number of errors surfaced to tracking consumers",
		},
		[]string{"error_type"}, // "transport", "parse"
	)
)

// RecordDial records the outcome of one dial attempt.
func RecordDial(err error) {
	if err != nil {
		DialsTotal.WithLabelValues("failure").Inc()
		return
	}
	DialsTotal.WithLabelValues("success").Inc()
}

// RecordReconnectScheduled records a reconnect being scheduled.
func RecordReconnectScheduled() {
	ReconnectsScheduled.Inc()
}

// RecordClose records a transport close, retried or final.
func RecordClose(code int) {
	ClosesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordFrameReceived records an inbound frame.
func RecordFrameReceived(frameType string) {
	FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordFrameSent records an outbound frame handed to the transport.
func RecordFrameSent(frameType string) {
	FramesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameDropped records an outbound frame that was not delivered.
func RecordFrameDropped(reason string) {
	FramesDropped.WithLabelValues(reason).Inc()
}

// RecordError records a transport or parse error.
func RecordError(errorType string) {
	Errors.WithLabelValues(errorType).Inc()
}

// ChannelOpened increments the open channel gauge.
func ChannelOpened() {
	ChannelsOpen.Inc()
}

// ChannelClosed decrements the open channel gauge.
func ChannelClosed() {
	ChannelsOpen.Dec()
}
