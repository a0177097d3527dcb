// Package metrics registers the Prometheus collectors for the engine and
// its HTTP surface. Counters are incremented where things happen (HTTP
// middleware, event recorder, query path); scene and optimizer gauges
// are synced from engine stats.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/semafield/semafield/pkg/events"
)

var (
	// HttpRequestsTotal counts requests by method, path and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "semafield_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// HttpRequestDuration measures server response time.
	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "semafield_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	// EventsTotal counts structured events by kind (frame rejections,
	// skips, divergences, encoder outages, checkpoint corruption).
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "semafield_events_total",
			Help: "Total number of recorded events by kind",
		},
		[]string{"kind"},
	)

	// QueriesTotal counts relevancy queries served.
	QueriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "semafield_queries_total",
			Help: "Total number of relevancy queries served",
		},
	)

	// QueryDuration measures relevancy query latency, text encoding
	// included.
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "semafield_query_duration_seconds",
			Help:    "Duration of relevancy queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		},
	)

	// CheckpointSaves counts completed checkpoint writes.
	CheckpointSaves = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "semafield_checkpoint_saves_total",
			Help: "Total number of checkpoints written",
		},
	)

	// CheckpointLastStep tracks the step of the most recent checkpoint.
	CheckpointLastStep = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "semafield_checkpoint_last_step",
			Help: "Optimizer step of the most recently written checkpoint",
		},
	)

	// Primitives tracks the current scene size.
	Primitives = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "semafield_primitives",
			Help: "Current number of scene primitives",
		},
	)

	// OptimizerStep tracks the committed optimization step counter.
	OptimizerStep = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "semafield_optimizer_step",
			Help: "Committed optimizer step counter",
		},
	)

	// FramesProcessed tracks frames that contributed to an update.
	FramesProcessed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "semafield_frames_processed",
			Help: "Frames that contributed to a committed optimization step",
		},
	)

	// FramesSkipped tracks frames dropped from batches.
	FramesSkipped = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "semafield_frames_skipped",
			Help: "Frames dropped from batches (malformed or encoder failure)",
		},
	)

	// StepsDiverged tracks rolled-back optimization steps.
	StepsDiverged = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "semafield_steps_diverged",
			Help: "Optimization steps rolled back after a non-finite loss",
		},
	)

	// LastLoss tracks the most recent composite batch loss.
	LastLoss = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "semafield_optimizer_loss",
			Help: "Composite loss of the most recent committed step",
		},
	)

	// EncoderOutageStreak tracks consecutive encoder failures. A growing
	// streak means the language field is going stale while geometry keeps
	// training.
	EncoderOutageStreak = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "semafield_encoder_outage_streak",
			Help: "Consecutive encoder failures since the last success",
		},
	)

	// QueueDepth tracks buffered frames awaiting the optimizer.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "semafield_queue_depth",
			Help: "Frames buffered in the ingestion queue",
		},
	)
)

// Recorder forwards structured events into EventsTotal. Wire it into an
// events.Multi next to the slog recorder.
type Recorder struct{}

func (Recorder) Record(e events.Event) {
	EventsTotal.WithLabelValues(string(e.Kind)).Inc()
}
