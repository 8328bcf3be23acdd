// Package observe provides application-wide observability primitives for
// qualivox: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all qualivox metrics.
const meterName = "github.com/MrWong99/qualivox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Audio path ---

	// FramesEncoded counts outbound audio frames handed to the session pump.
	FramesEncoded metric.Int64Counter

	// FramesDropped counts frames discarded because the pump fell behind.
	FramesDropped metric.Int64Counter

	// ClipsScheduled counts decoded clips placed on the playback timeline.
	ClipsScheduled metric.Int64Counter

	// ScheduledAudio tracks the duration of each scheduled clip.
	ScheduledAudio metric.Float64Histogram

	// DecodeErrors counts inbound payloads that failed to decode.
	DecodeErrors metric.Int64Counter

	// Interrupts counts barge-in interrupts.
	Interrupts metric.Int64Counter

	// StoppedClips counts sources cut short by interrupts.
	StoppedClips metric.Int64Counter

	// --- Turn taking ---

	// TurnsFinalized counts emitted entries. Use with attributes:
	//   attribute.String("speaker", ...), attribute.String("reason", ...)
	TurnsFinalized metric.Int64Counter

	// TurnsDiscarded counts turns that produced no entry. Use with attributes:
	//   attribute.String("reason", ...), attribute.String("cause", ...)
	TurnsDiscarded metric.Int64Counter

	// --- Extraction ---

	// ExtractionPasses counts passes by outcome.
	ExtractionPasses metric.Int64Counter

	// ExtractionSkips counts scheduled passes that did not run, by reason.
	ExtractionSkips metric.Int64Counter

	// ExtractionDuration tracks the latency of one extraction pass.
	ExtractionDuration metric.Float64Histogram

	// FieldUpdates counts accepted record changes. Use with attributes:
	//   attribute.String("field", ...), attribute.String("source", ...)
	FieldUpdates metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// SessionEvents counts remote session events by kind.
	SessionEvents metric.Int64Counter

	// --- Resilience ---

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration is the operational endpoint latency, labelled with
	// method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// extraction calls and clip lengths.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesEncoded, "qualivox.audio.frames_encoded", "Outbound audio frames handed to the session."},
		{&met.FramesDropped, "qualivox.audio.frames_dropped", "Outbound audio frames dropped because the session pump was full."},
		{&met.ClipsScheduled, "qualivox.playback.clips_scheduled", "Inbound audio clips scheduled for playback."},
		{&met.DecodeErrors, "qualivox.playback.decode_errors", "Inbound audio payloads that failed to decode."},
		{&met.Interrupts, "qualivox.playback.interrupts", "Barge-in interrupts."},
		{&met.StoppedClips, "qualivox.playback.stopped_clips", "Playback sources stopped by interrupts."},
		{&met.TurnsFinalized, "qualivox.turn.finalized", "Transcript entries emitted by speaker and reason."},
		{&met.TurnsDiscarded, "qualivox.turn.discarded", "Turns discarded by reason and cause."},
		{&met.ExtractionPasses, "qualivox.extraction.passes", "Extraction passes by outcome."},
		{&met.ExtractionSkips, "qualivox.extraction.skips", "Skipped extraction passes by reason."},
		{&met.FieldUpdates, "qualivox.record.field_updates", "Accepted qualification record changes by field and source."},
		{&met.ToolCalls, "qualivox.tool.calls", "Total tool invocations by tool name and status."},
		{&met.SessionEvents, "qualivox.session.events", "Remote session events by kind."},
		{&met.BreakerTransitions, "qualivox.breaker.transitions", "Circuit breaker state changes by breaker and target state."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ScheduledAudio, err = m.Float64Histogram("qualivox.playback.clip.duration",
		metric.WithDescription("Duration of scheduled playback clips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExtractionDuration, err = m.Float64Histogram("qualivox.extraction.duration",
		metric.WithDescription("Latency of one extraction pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("qualivox.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("qualivox.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordToolCall records a tool call counter increment.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordSessionEvent records one inbound session event.
func (m *Metrics) RecordSessionEvent(ctx context.Context, kind string) {
	m.SessionEvents.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordTurnFinalized records one emitted transcript entry.
func (m *Metrics) RecordTurnFinalized(ctx context.Context, speaker, reason string) {
	m.TurnsFinalized.Add(ctx, 1,
		metric.WithAttributes(Attr("speaker", speaker), Attr("reason", reason)),
	)
}

// RecordTurnDiscarded records one turn that produced no entry.
func (m *Metrics) RecordTurnDiscarded(ctx context.Context, reason, cause string) {
	m.TurnsDiscarded.Add(ctx, 1,
		metric.WithAttributes(Attr("reason", reason), Attr("cause", cause)),
	)
}

// RecordExtractionPass records the outcome and latency of one pass.
func (m *Metrics) RecordExtractionPass(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("outcome", outcome))
	m.ExtractionPasses.Add(ctx, 1, attrs)
	m.ExtractionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordExtractionSkip records a pass that was scheduled but not run.
func (m *Metrics) RecordExtractionSkip(ctx context.Context, reason string) {
	m.ExtractionSkips.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordFieldUpdate records one accepted record change.
func (m *Metrics) RecordFieldUpdate(ctx context.Context, field, source string) {
	m.FieldUpdates.Add(ctx, 1,
		metric.WithAttributes(Attr("field", field), Attr("source", source)),
	)
}

// RecordClipScheduled records a clip placed on the timeline.
func (m *Metrics) RecordClipScheduled(ctx context.Context, d time.Duration) {
	m.ClipsScheduled.Add(ctx, 1)
	m.ScheduledAudio.Record(ctx, d.Seconds())
}

// RecordInterrupt records a barge-in that stopped the given number of sources.
func (m *Metrics) RecordInterrupt(ctx context.Context, stopped int) {
	m.Interrupts.Add(ctx, 1)
	if stopped > 0 {
		m.StoppedClips.Add(ctx, int64(stopped))
	}
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(Attr("breaker", breaker), Attr("to", to)),
	)
}
