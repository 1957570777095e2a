// Package metrics exposes the pipeline's Prometheus instrumentation.
// All metrics are low-cardinality: per-result and per-channel labels only,
// never camera or student ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesReceivedTotal counts frames handed to the dispatcher by stream
	// workers, before any gating.
	FramesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recognition_frames_received_total",
			Help: "Frames delivered by stream workers to the dispatcher",
		},
	)

	// FramesDroppedTotal counts frames dropped by the dispatcher, by reason.
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recognition_frames_dropped_total",
			Help: "Frames not submitted for recognition, by reason",
		},
		[]string{"reason"}, // backpressure, frame_skip, interval, busy
	)

	// RecognitionTasksTotal counts completed recognition tasks.
	RecognitionTasksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recognition_tasks_total",
			Help: "Recognition tasks run to completion",
		},
	)

	// RecognitionLatency tracks end-to-end task latency (detect through
	// broadcast).
	RecognitionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recognition_task_latency_ms",
			Help:    "Recognition task latency in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 200, 500, 1000, 2000},
		},
	)

	// FacesDetectedTotal counts faces surviving the size/score filter, by
	// match outcome.
	FacesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recognition_faces_total",
			Help: "Filtered faces by match outcome",
		},
		[]string{"outcome"}, // student, guest
	)

	// PresenceUpserts counts presence writes that actually reached the DB
	// (cooldown suppressions are not counted).
	PresenceUpserts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_upserts_total",
			Help: "Presence rows written by the recognition pipeline",
		},
	)

	// PresenceReapedTotal counts rows removed by the stale-presence reaper.
	PresenceReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_reaped_total",
			Help: "Stale presence rows removed by the reaper",
		},
	)

	// WSClients gauges connected websocket subscribers per namespace.
	WSClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_clients",
			Help: "Connected websocket subscribers by namespace",
		},
		[]string{"namespace"}, // room, camera, global
	)

	// WSDroppedTotal counts fan-out messages dropped on slow subscribers.
	WSDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_messages_dropped_total",
			Help: "Messages dropped because a subscriber send buffer was full",
		},
	)

	// FramesEncodedTotal counts JPEG re-encodes for the camera stream channel.
	// Stays at zero while nobody watches; the dispatcher gates encoding on
	// subscriber presence.
	FramesEncodedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_frames_encoded_total",
			Help: "Frames JPEG-encoded for websocket fan-out",
		},
	)

	// CheckinsTotal counts attendance check-in attempts by outcome.
	CheckinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_checkins_total",
			Help: "Check-in attempts by outcome",
		},
		[]string{"outcome"}, // success, already_attended, no_face, not_found, invalid_image, error
	)
)

func RecordFrameDrop(reason string) {
	FramesDroppedTotal.WithLabelValues(reason).Inc()
}

func RecordFace(outcome string) {
	FacesDetectedTotal.WithLabelValues(outcome).Inc()
}

func RecordCheckin(outcome string) {
	CheckinsTotal.WithLabelValues(outcome).Inc()
}
