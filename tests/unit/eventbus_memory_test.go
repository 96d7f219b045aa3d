package unit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hovercast/hovercast/internal/domain/schema"
	"github.com/hovercast/hovercast/internal/infra/bus/eventbus"
)

func TestMemoryBusDeliversToTopicSubscribers(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 8, FanoutWorkers: 2})
	t.Cleanup(bus.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, dashboard, err := bus.Subscribe(ctx, schema.TopicDashboard)
	require.NoError(t, err)
	_, chat, err := bus.Subscribe(ctx, schema.TopicChat)
	require.NoError(t, err)

	evt := &schema.Event{
		Topic:     schema.TopicDashboard,
		Type:      "channel.chat.message",
		Source:    schema.SourceTwitch,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"message": "hello"},
	}
	require.NoError(t, bus.Publish(ctx, evt))

	select {
	case got := <-dashboard:
		require.Equal(t, "channel.chat.message", got.Type)
		require.Equal(t, "hello", got.Payload["message"])
	case <-ctx.Done():
		t.Fatal("dashboard subscriber received nothing")
	}

	select {
	case got := <-chat:
		t.Fatalf("chat subscriber received event for another topic: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 8, FanoutWorkers: 2})
	t.Cleanup(bus.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	id, events, err := bus.Subscribe(ctx, schema.TopicOBSEvents)
	require.NoError(t, err)
	bus.Unsubscribe(id)

	_, open := <-events
	require.False(t, open, "channel should close on unsubscribe")

	require.NoError(t, bus.Publish(ctx, &schema.Event{
		Topic:     schema.TopicOBSEvents,
		Type:      "SceneCreated",
		Source:    schema.SourceOBS,
		Timestamp: time.Now().UTC(),
	}))
}

func TestMemoryBusRejectsInvalidEvents(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	t.Cleanup(bus.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := bus.Publish(ctx, &schema.Event{Topic: schema.TopicDashboard})
	require.Error(t, err)
}
