package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edforge/edforge/pkg/channels/gochannel"
	"github.com/edforge/edforge/pkg/eventbus"
	"github.com/edforge/edforge/pkg/events"
)

func newTestBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestPublishDeliversToHandler(t *testing.T) {
	bus := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.RunStarted, 1)

	err := bus.Handle(events.RunStartedEvent, func(_ context.Context, event any) error {
		started, ok := event.(*events.RunStarted)
		require.True(t, ok)
		received <- started

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	err = bus.Publish(ctx, "run-1", &events.RunStarted{
		BaseEvent: events.BaseEvent{
			ID:        bus.GenerateID(),
			Type:      events.RunStartedEvent,
			Timestamp: time.Now().UTC(),
			RunID:     "run-1",
			GraphID:   "course_generation",
		},
		StartNode: "plan",
	})
	require.NoError(t, err)

	select {
	case started := <-received:
		assert.Equal(t, "run-1", started.RunID)
		assert.Equal(t, "plan", started.StartNode)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnhandledEventTypeIsAcked(t *testing.T) {
	bus := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan events.EventType, 2)

	err := bus.Handle(events.RunCompletedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.RunCompleted).GetType()

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	// No handler registered for run.started; it must not block the stream.
	require.NoError(t, bus.Publish(ctx, "run-2", &events.RunStarted{
		BaseEvent: events.BaseEvent{RunID: "run-2", Type: events.RunStartedEvent},
	}))
	require.NoError(t, bus.Publish(ctx, "run-2", &events.RunCompleted{
		BaseEvent: events.BaseEvent{RunID: "run-2", Type: events.RunCompletedEvent},
	}))

	select {
	case got := <-received:
		assert.Equal(t, events.RunCompletedEvent, got)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestGenerateIDIsUnique(t *testing.T) {
	bus := newTestBus(t)

	a := bus.GenerateID()
	b := bus.GenerateID()

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
