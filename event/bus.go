package event

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh-go/value"
)

// Handler processes a delivered event. Delivery is at-least-once, so
// handlers must be idempotent. A handler panic is contained, counted, and
// logged; it never propagates to the emitter.
type Handler func(Event)

// Options configures a Bus. The zero value is valid.
type Options struct {
	// Strict makes schema validation failures return an error from Emit
	// (development mode). When false, failures are counted and logged and
	// the event is dropped (production mode).
	Strict bool

	// Logger receives diagnostics. Defaults to zerolog.Nop().
	Logger zerolog.Logger

	// Sinks receive every accepted event in emission order.
	Sinks []Sink
}

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Bus is the single-writer-per-event log. It validates payloads against
// registered schemas, assigns event ids, fans out to subscribers, and tees
// accepted events to its sinks.
//
// All methods are safe for concurrent use. Events emitted from one
// goroutine are delivered to each subscriber in emission order; there is
// no ordering guarantee across emitting goroutines.
type Bus struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	subs    []subscription
	nextSub uint64

	sinks  []Sink
	strict bool
	logger zerolog.Logger

	schemaFailures atomic.Int64
	handlerPanics  atomic.Int64
	emitted        atomic.Int64
}

// NewBus creates an event bus.
func NewBus(opts Options) *Bus {
	return &Bus{
		schemas: make(map[string]*Schema),
		sinks:   opts.Sinks,
		strict:  opts.Strict,
		logger:  opts.Logger,
	}
}

// RegisterSchema registers the payload schema for a versioned event type.
// Re-registering a type replaces the previous schema.
func (b *Bus) RegisterSchema(eventType string, schema *Schema) error {
	if _, _, err := ParseType(eventType); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schemas[eventType] = schema
	return nil
}

// Emit validates payload against the schema for eventType, appends the
// event to the log, and delivers it to matching subscribers and sinks.
//
// Unknown event types are always an error. Schema validation failures are
// an error only in strict mode; in production mode they are counted,
// logged, and the event is dropped without error. This matches the
// "programmer error" failure policy: fatal in development, survivable in
// production.
func (b *Bus) Emit(ctx context.Context, eventType, actor string, payload value.Value) (string, error) {
	_, version, err := ParseType(eventType)
	if err != nil {
		return "", err
	}

	b.mu.RLock()
	schema, known := b.schemas[eventType]
	b.mu.RUnlock()

	if !known {
		return "", fmt.Errorf("event: unknown type %q", eventType)
	}

	if err := schema.Validate(payload); err != nil {
		b.schemaFailures.Add(1)
		b.logger.Error().Str("type", eventType).Err(err).Msg("event payload failed schema validation")
		if b.strict {
			return "", fmt.Errorf("event: payload for %q invalid: %w", eventType, err)
		}
		return "", nil
	}

	ev := Event{
		Type:          eventType,
		Version:       version,
		ID:            uuid.NewString(),
		Time:          time.Now().UTC(),
		Actor:         actor,
		Payload:       payload,
		CorrelationID: CorrelationID(ctx),
	}

	b.emitted.Add(1)
	b.dispatch(ev)
	return ev.ID, nil
}

// dispatch delivers ev to sinks and matching subscribers.
func (b *Bus) dispatch(ev Event) {
	for _, s := range b.sinks {
		s.Write(ev)
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if MatchGlob(sub.pattern, ev.Type) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.logger.Error().
				Str("type", ev.Type).
				Str("pattern", sub.pattern).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	sub.handler(ev)
}

// Subscribe registers handler for every event whose type matches pattern
// (see MatchGlob). The returned function removes the subscription.
func (b *Bus) Subscribe(pattern string, handler Handler) func() {
	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Stats reports bus counters.
func (b *Bus) Stats() BusStats {
	return BusStats{
		Emitted:        b.emitted.Load(),
		SchemaFailures: b.schemaFailures.Load(),
		HandlerPanics:  b.handlerPanics.Load(),
	}
}

// BusStats is a point-in-time snapshot of bus counters.
type BusStats struct {
	Emitted        int64
	SchemaFailures int64
	HandlerPanics  int64
}

// Flush flushes every sink, in order. The first sink error is returned
// after all sinks have been flushed.
func (b *Bus) Flush(ctx context.Context) error {
	var first error
	for _, s := range b.sinks {
		if err := s.Flush(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type correlationKey struct{}

// WithCorrelationID returns a context carrying a correlation id that Emit
// stamps onto every event.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation id from ctx, or "".
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
