package event

import (
	"context"

	"github.com/rs/zerolog"
)

// Sink receives every event the bus accepts.
//
// Sinks enable pluggable observability backends:
//   - Logging: zerolog structured output (LogSink).
//   - Tracing: OpenTelemetry spans (OTelSink).
//   - History: in-memory capture for tests and dashboards (BufferedSink).
//
// Implementations should be:
//   - Non-blocking: avoid slowing down emission.
//   - Thread-safe: Write may be called concurrently.
//   - Resilient: never panic; log failures internally.
type Sink interface {
	// Write records a single event. Must not block emission; buffer or
	// drop under pressure.
	Write(ev Event)

	// Flush drains buffered events. Called at shutdown and after critical
	// operations requiring immediate visibility.
	Flush(ctx context.Context) error
}

// LogSink writes one structured zerolog record per event.
//
// Example output:
//
//	{"level":"info","event":"execution.started.v1","event_id":"…","actor":"did:web:alice","correlation_id":"…","payload":{…}}
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink writing to the given logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Write implements Sink.
func (l *LogSink) Write(ev Event) {
	l.logger.Info().
		Str("event", ev.Type).
		Str("event_id", ev.ID).
		Str("actor", ev.Actor).
		Str("correlation_id", ev.CorrelationID).
		Time("at", ev.Time).
		RawJSON("payload", mustJSON(ev.Payload)).
		Msg("event")
}

// Flush implements Sink. LogSink writes synchronously, so this is a no-op.
func (l *LogSink) Flush(_ context.Context) error { return nil }

func mustJSON(v interface{ MarshalJSON() ([]byte, error) }) []byte {
	b, err := v.MarshalJSON()
	if err != nil {
		return []byte("null")
	}
	return b
}

// NullSink discards all events. Use when observability overhead is
// unwanted or in tests that do not inspect events.
type NullSink struct{}

// NewNullSink creates a NullSink.
func NewNullSink() *NullSink { return &NullSink{} }

// Write implements Sink.
func (*NullSink) Write(Event) {}

// Flush implements Sink.
func (*NullSink) Flush(context.Context) error { return nil }
