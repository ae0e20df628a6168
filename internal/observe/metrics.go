// Package observe provides the observability primitives for audiobot:
// OpenTelemetry metrics and tracing, trace-aware structured logging, and the
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to a
// Prometheus exporter by [InitProvider] so they can be scraped from /metrics.
// Components fall back to [DefaultMetrics] when no instance is injected;
// tests should use [NewMetrics] with their own [metric.MeterProvider] to
// avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all audiobot metrics.
const meterName = "github.com/MrWong99/audiobot"

// Turn outcomes recorded on [Metrics.Turns].
const (
	OutcomeTranscribed = "transcribed"
	OutcomeFailed      = "failed"
	OutcomeDiscarded   = "discarded"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks the upload-and-transcribe round trip of one
	// finalized utterance.
	STTDuration metric.Float64Histogram

	// UtteranceDuration tracks the length of finalized utterances, from
	// speech start to finalization.
	UtteranceDuration metric.Float64Histogram

	// BackendDuration tracks backend API latency. Use with attribute:
	//   attribute.String("op", ...)
	BackendDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts finalized turns. Use with attribute:
	//   attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// BackendRequests counts backend API calls. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// DroppedFrames counts capture frames dropped because the consumer fell
	// behind or the capture callback failed.
	DroppedFrames metric.Int64Counter

	// Playbacks counts finished playbacks. Use with attribute:
	//   attribute.String("status", ...)
	Playbacks metric.Int64Counter

	// PhaseTransitions counts state machine transitions. Use with attribute:
	//   attribute.String("phase", ...)
	PhaseTransitions metric.Int64Counter

	// ChatMessages counts chat log entries. Use with attribute:
	//   attribute.String("role", ...)
	ChatMessages metric.Int64Counter

	// --- Error counters ---

	// BackendErrors counts backend failures. Use with attributes:
	//   attribute.String("op", ...), attribute.String("kind", ...)
	BackendErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveClients tracks the number of connected websocket clients.
	ActiveClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// utteranceBuckets covers spoken turns from the one second minimum up to a
// long monologue.
var utteranceBuckets = []float64{
	0.5, 1, 1.5, 2, 3, 5, 8, 13, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("audiobot.stt.duration",
		metric.WithDescription("Latency of utterance upload and transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("audiobot.turn.utterance.duration",
		metric.WithDescription("Length of finalized utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendDuration, err = m.Float64Histogram("audiobot.backend.duration",
		metric.WithDescription("Latency of backend API calls by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("audiobot.turns",
		metric.WithDescription("Total finalized turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BackendRequests, err = m.Int64Counter("audiobot.backend.requests",
		metric.WithDescription("Total backend API requests by operation and status."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("audiobot.capture.dropped_frames",
		metric.WithDescription("Total capture frames dropped before turn detection."),
	); err != nil {
		return nil, err
	}
	if met.Playbacks, err = m.Int64Counter("audiobot.playbacks",
		metric.WithDescription("Total finished playbacks by status."),
	); err != nil {
		return nil, err
	}
	if met.PhaseTransitions, err = m.Int64Counter("audiobot.phase.transitions",
		metric.WithDescription("Total state machine transitions by target phase."),
	); err != nil {
		return nil, err
	}
	if met.ChatMessages, err = m.Int64Counter("audiobot.chat.messages",
		metric.WithDescription("Total chat log messages by role."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.BackendErrors, err = m.Int64Counter("audiobot.backend.errors",
		metric.WithDescription("Total backend errors by operation and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveClients, err = m.Int64UpDownCounter("audiobot.active_clients",
		metric.WithDescription("Number of connected websocket clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("audiobot.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn records one finalized turn with its outcome and length.
// Discarded turns do not contribute to the utterance histogram.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, length time.Duration) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome != OutcomeDiscarded {
		m.UtteranceDuration.Record(ctx, length.Seconds())
	}
}

// RecordBackendRequest records a backend call with its latency and status.
func (m *Metrics) RecordBackendRequest(ctx context.Context, op, status string, latency time.Duration) {
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
	m.BackendDuration.Record(ctx, latency.Seconds(),
		metric.WithAttributes(attribute.String("op", op)),
	)
}

// RecordBackendError records a backend error counter increment.
func (m *Metrics) RecordBackendError(ctx context.Context, op, kind string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("kind", kind),
		),
	)
}

// RecordPlayback records a finished playback.
func (m *Metrics) RecordPlayback(ctx context.Context, status string) {
	m.Playbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPhase records a transition into phase.
func (m *Metrics) RecordPhase(ctx context.Context, phase string) {
	m.PhaseTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordChatMessage records one chat log entry.
func (m *Metrics) RecordChatMessage(ctx context.Context, role string) {
	m.ChatMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}
