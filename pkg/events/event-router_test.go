package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRouter_DeliversSinkEventsToHandlers(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)

	received := make(chan ExecutionEvent, 4)
	router.AddHandler("collect", "", func(ctx context.Context, ev ExecutionEvent) error {
		received <- ev
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx) }()
	<-router.Running()

	sink := router.Sink("")
	require.NoError(t, sink.PublishEvent(NewEvent(EventTypeTool, Trace{TurnID: "t-9"}, "ok", map[string]any{"tool": "echo"})))

	select {
	case ev := <-received:
		assert.Equal(t, EventTypeTool, ev.Type)
		assert.Equal(t, "t-9", ev.Trace.TurnID)
		assert.Equal(t, "echo", ev.Data["tool"])
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	require.NoError(t, router.Close())
}
