// Package observe provides application-wide observability primitives for the
// voice bot: OpenTelemetry metrics, structured-logging helpers, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all voice-bot metrics.
const meterName = "github.com/siddhartha9/interruption-aware-voice-bot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMFirstToken tracks time from agent-run start to the first streamed token.
	LLMFirstToken metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency per sentence.
	TTSDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// FramesIn counts inbound client frames. Use with attribute:
	//   attribute.String("type", ...)
	FramesIn metric.Int64Counter

	// FramesOut counts outbound frames. Use with attribute:
	//   attribute.String("event", ...)
	FramesOut metric.Int64Counter

	// Interruptions counts user speech onsets that reached the interruption path.
	Interruptions metric.Int64Counter

	// FalseAlarms counts interruptions resolved as false alarms. Use with attributes:
	//   attribute.String("cause", ...), attribute.String("resolution", ...)
	FalseAlarms metric.Int64Counter

	// StaleDrops counts queue items discarded for carrying a superseded
	// generation. Use with attribute:
	//   attribute.String("stage", ...)
	StaleDrops metric.Int64Counter

	// AgentTurns counts finished agent runs. Use with attribute:
	//   attribute.String("outcome", ...) — "complete", "cancelled", or "failed"
	AgentTurns metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("voicebot.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("voicebot.llm.first_token",
		metric.WithDescription("Time from agent-run start to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voicebot.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per sentence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voicebot.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesIn, err = m.Int64Counter("voicebot.frames.in",
		metric.WithDescription("Total inbound client frames by type."),
	); err != nil {
		return nil, err
	}
	if met.FramesOut, err = m.Int64Counter("voicebot.frames.out",
		metric.WithDescription("Total outbound frames by event."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voicebot.interruptions",
		metric.WithDescription("Total speech onsets handled as interruptions."),
	); err != nil {
		return nil, err
	}
	if met.FalseAlarms, err = m.Int64Counter("voicebot.false_alarms",
		metric.WithDescription("Total interruptions resolved as false alarms by cause and resolution."),
	); err != nil {
		return nil, err
	}
	if met.StaleDrops, err = m.Int64Counter("voicebot.stale_drops",
		metric.WithDescription("Total queue items dropped for a superseded generation by stage."),
	); err != nil {
		return nil, err
	}
	if met.AgentTurns, err = m.Int64Counter("voicebot.agent.turns",
		metric.WithDescription("Total finished agent runs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voicebot.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voicebot.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voicebot.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebot.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebot.http.request.duration",
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

// RecordFrameIn records one inbound client frame.
func (m *Metrics) RecordFrameIn(ctx context.Context, frameType string) {
	m.FramesIn.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", frameType)),
	)
}

// RecordFrameOut records one outbound frame.
func (m *Metrics) RecordFrameOut(ctx context.Context, event string) {
	m.FramesOut.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordInterruption records a speech onset that entered the interruption path.
func (m *Metrics) RecordInterruption(ctx context.Context) {
	m.Interruptions.Add(ctx, 1)
}

// RecordFalseAlarm records an interruption resolved as a false alarm.
func (m *Metrics) RecordFalseAlarm(ctx context.Context, cause, resolution string) {
	m.FalseAlarms.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cause", cause),
			attribute.String("resolution", resolution),
		),
	)
}

// RecordStaleDrop records a queue item discarded for a superseded generation.
func (m *Metrics) RecordStaleDrop(ctx context.Context, stage string) {
	m.StaleDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordAgentTurn records a finished agent run with its outcome.
func (m *Metrics) RecordAgentTurn(ctx context.Context, outcome string) {
	m.AgentTurns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// ObserveSTTLatency records one transcription duration.
func (m *Metrics) ObserveSTTLatency(ctx context.Context, d time.Duration) {
	m.STTDuration.Record(ctx, d.Seconds())
}

// ObserveLLMFirstToken records one first-token latency.
func (m *Metrics) ObserveLLMFirstToken(ctx context.Context, d time.Duration) {
	m.LLMFirstToken.Record(ctx, d.Seconds())
}

// ObserveTTSLatency records one synthesis duration.
func (m *Metrics) ObserveTTSLatency(ctx context.Context, d time.Duration) {
	m.TTSDuration.Record(ctx, d.Seconds())
}

// ObserveToolExecution records one tool execution duration.
func (m *Metrics) ObserveToolExecution(ctx context.Context, d time.Duration) {
	m.ToolExecutionDuration.Record(ctx, d.Seconds())
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
