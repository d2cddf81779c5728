package events

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	metadataKeyEventType = "event_type"
	metadataKeyTurnID    = "turn_id"
	metadataKeySession   = "session_id"
)

// WatermillSink publishes execution events to a watermill Publisher, so that
// handlers outside the turn (metrics, audit logs) can consume them.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{
		publisher: publisher,
		topic:     topic,
	}
}

func (w *WatermillSink) PublishEvent(event ExecutionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal execution event")
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataKeyEventType, string(event.Type))
	msg.Metadata.Set(metadataKeyTurnID, event.Trace.TurnID)
	msg.Metadata.Set(metadataKeySession, event.Trace.SessionID)

	if err := w.publisher.Publish(w.topic, msg); err != nil {
		log.Error().Err(err).Str("topic", w.topic).Msg("Failed to publish event to watermill")
		return errors.Wrapf(err, "publish to %s", w.topic)
	}

	log.Trace().Str("topic", w.topic).Str("event_type", string(event.Type)).Msg("Published event to watermill")
	return nil
}

var _ EventSink = (*WatermillSink)(nil)
