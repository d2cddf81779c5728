package events

import (
	"context"

	"github.com/rs/zerolog/log"
)

// EventSink is a destination for execution events besides the turn stream
// itself (message buses, recorders, metrics).
type EventSink interface {
	PublishEvent(event ExecutionEvent) error
}

// SinkFunc adapts a plain function to EventSink.
type SinkFunc func(event ExecutionEvent) error

func (f SinkFunc) PublishEvent(event ExecutionEvent) error {
	return f(event)
}

// ctxKey is an unexported type for keys defined in this package.
// This prevents collisions with keys defined in other packages.
type ctxKey int

const (
	ctxKeyEventSinks ctxKey = iota
	ctxKeyTrace
)

// WithEventSinks attaches one or more EventSink instances to the context.
// Tools receive this context, so they can publish plan or progress events
// without holding a reference to the turn.
func WithEventSinks(ctx context.Context, sinks ...EventSink) context.Context {
	if len(sinks) == 0 {
		return ctx
	}
	existing := GetEventSinks(ctx)
	combined := append([]EventSink{}, existing...)
	combined = append(combined, sinks...)
	return context.WithValue(ctx, ctxKeyEventSinks, combined)
}

// GetEventSinks returns the list of EventSinks attached to the context.
func GetEventSinks(ctx context.Context) []EventSink {
	if v := ctx.Value(ctxKeyEventSinks); v != nil {
		if sinks, ok := v.([]EventSink); ok {
			return sinks
		}
	}
	return nil
}

// WithTrace stores the trace of the running turn so context publishers can stamp their events.
func WithTrace(ctx context.Context, trace Trace) context.Context {
	return context.WithValue(ctx, ctxKeyTrace, trace)
}

// TraceFromContext returns the trace stored with WithTrace.
func TraceFromContext(ctx context.Context) (Trace, bool) {
	t, ok := ctx.Value(ctxKeyTrace).(Trace)
	return t, ok
}

// PublishEventToContext publishes the provided event to all EventSinks stored in the context.
// If no sinks are present, this is a no-op.
func PublishEventToContext(ctx context.Context, event ExecutionEvent) {
	sinks := GetEventSinks(ctx)
	if len(sinks) == 0 {
		log.Trace().Str("component", "events.context").Str("event_type", string(event.Type)).Msg("PublishEventToContext: no sinks in context")
		return
	}
	log.Trace().Str("component", "events.context").Str("event_type", string(event.Type)).Int("sink_count", len(sinks)).Msg("PublishEventToContext: publishing to sinks")
	for _, sink := range sinks {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).Str("event_type", string(event.Type)).Msg("PublishEventToContext: sink rejected event")
		}
	}
}
