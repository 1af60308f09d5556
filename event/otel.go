package event

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowmesh/flowmesh-go/value"
)

// OTelSink maps engine events onto OpenTelemetry spans.
//
// Each event becomes a span named after the event type, carrying the
// actor, event id, and correlation id as attributes plus the scalar
// payload fields. Events whose payload contains an "error" field set the
// span status to error.
//
// Usage:
//
//	tracer := otel.Tracer("flowmesh")
//	bus := event.NewBus(event.Options{Sinks: []event.Sink{event.NewOTelSink(tracer)}})
type OTelSink struct {
	tracer trace.Tracer

	mu   sync.Mutex
	errs []error
}

// NewOTelSink creates a sink producing spans through tracer.
func NewOTelSink(tracer trace.Tracer) *OTelSink {
	return &OTelSink{tracer: tracer}
}

// Write implements Sink. The span is started and ended immediately; the
// events this engine emits mark points in time, not durations.
func (o *OTelSink) Write(ev Event) {
	_, span := o.tracer.Start(context.Background(), ev.Type,
		trace.WithTimestamp(ev.Time))
	defer span.End()

	span.SetAttributes(
		attribute.String("flowmesh.event_id", ev.ID),
		attribute.String("flowmesh.actor", ev.Actor),
		attribute.Int("flowmesh.schema_version", ev.Version),
	)
	if ev.CorrelationID != "" {
		span.SetAttributes(attribute.String("flowmesh.correlation_id", ev.CorrelationID))
	}

	for k, v := range ev.Payload.MapVal() {
		setScalarAttribute(span, "flowmesh.payload."+k, v)
	}

	if errVal, ok := ev.Payload.Get("error"); ok && errVal.Kind() == value.KindString {
		span.SetStatus(codes.Error, errVal.Str())
		span.RecordError(errors.New(errVal.Str()))
	}
}

// setScalarAttribute records scalar payload fields as span attributes.
// Composite kinds are skipped; their canonical form is too large for
// attribute values and belongs in the log sink instead.
func setScalarAttribute(span trace.Span, key string, v value.Value) {
	switch v.Kind() {
	case value.KindBool:
		span.SetAttributes(attribute.Bool(key, v.Bool()))
	case value.KindInt:
		span.SetAttributes(attribute.Int64(key, v.Int()))
	case value.KindFloat:
		span.SetAttributes(attribute.Float64(key, v.Float()))
	case value.KindString:
		span.SetAttributes(attribute.String(key, v.Str()))
	}
}

// Flush implements Sink. Span export is owned by the SDK's span
// processor; nothing is buffered here.
func (o *OTelSink) Flush(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.errs) > 0 {
		return o.errs[0]
	}
	return nil
}
