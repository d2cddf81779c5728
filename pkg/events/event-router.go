package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultTopic is the bus topic every turn event is published on.
const DefaultTopic = "turn-events"

// EventHandler consumes one execution event taken off the bus.
type EventHandler func(ctx context.Context, event ExecutionEvent) error

// EventRouter is an in-process watermill bus. Turns publish to it through a
// WatermillSink; handlers registered with AddHandler run on the router.
//
// Delivery order across handlers is not guaranteed. The turn stream is the
// ordered channel; the router is for side consumers.
type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	bufferSize int64
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithVerbose(verbose bool) EventRouterOption {
	return func(r *EventRouter) {
		if verbose {
			r.logger = NewWatermillLogger(log.Logger)
		}
	}
}

// WithOutputBuffer sets the per-subscriber channel buffer of the bus.
func WithOutputBuffer(size int64) EventRouterOption {
	return func(r *EventRouter) {
		r.bufferSize = size
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger:     watermill.NopLogger{},
		bufferSize: 256,
	}

	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: ret.bufferSize,
	}, ret.logger)
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, errors.Wrap(err, "create watermill router")
	}
	ret.router = router

	return ret, nil
}

// Sink returns a WatermillSink publishing onto this router's bus.
func (e *EventRouter) Sink(topic string) *WatermillSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return NewWatermillSink(e.Publisher, topic)
}

// AddHandler registers a consumer of the given topic. Messages that cannot be
// decoded are logged and acked; handler errors are returned to watermill.
func (e *EventRouter) AddHandler(name string, topic string, h EventHandler) {
	if topic == "" {
		topic = DefaultTopic
	}
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, func(msg *message.Message) error {
		var ev ExecutionEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			log.Error().Err(err).Str("handler", name).Str("message_id", msg.UUID).Msg("Failed to decode execution event")
			return nil
		}
		if err := h(msg.Context(), ev); err != nil {
			log.Error().Err(err).Str("handler", name).Str("event_type", string(ev.Type)).Msg("Event handler failed")
			return err
		}
		return nil
	})
}

func (e *EventRouter) Close() error {
	log.Debug().Msg("Closing publisher")
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close pubsub")
	}

	log.Debug().Msg("Closing router")
	if err := e.router.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close router")
	}
	log.Debug().Msg("Router closed")

	return nil
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) IsRunning() bool {
	return e.router.IsRunning()
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}

func (e *EventRouter) RunHandlers(ctx context.Context) error {
	return e.router.RunHandlers(ctx)
}
