package twitch

import (
	"context"
	"testing"
	"time"

	"github.com/hovercast/hovercast/internal/activitylog"
	"github.com/hovercast/hovercast/internal/domain/schema"
	"github.com/hovercast/hovercast/internal/infra/bus/eventbus"
)

func newHandlerBus(t *testing.T) *eventbus.MemoryBus {
	t.Helper()
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 16, FanoutWorkers: 2})
	t.Cleanup(bus.Close)
	return bus
}

func subscribe(t *testing.T, bus eventbus.Bus, topic schema.Topic) <-chan *schema.Event {
	t.Helper()
	id, ch, err := bus.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	t.Cleanup(func() { bus.Unsubscribe(id) })
	return ch
}

func recvEvent(t *testing.T, ch <-chan *schema.Event, desc string) *schema.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", desc)
		return nil
	}
}

func chatMessageEvent() map[string]any {
	return map[string]any{
		"broadcaster_user_id":    "12826",
		"broadcaster_user_login": "twitch",
		"broadcaster_user_name":  "Twitch",
		"chatter_user_id":        "1337",
		"chatter_user_login":     "viewer",
		"chatter_user_name":      "Viewer",
		"message_id":             "msg-9",
		"message": map[string]any{
			"text": "that clutch was insane",
			"fragments": []any{
				map[string]any{"type": "text", "text": "that clutch was insane"},
			},
		},
		"color":        "#FF0000",
		"badges":       []any{map[string]any{"set_id": "subscriber", "id": "12"}},
		"message_type": "text",
	}
}

func TestChatMessageFansOutToAllTopics(t *testing.T) {
	bus := newHandlerBus(t)
	dashboard := subscribe(t, bus, schema.TopicDashboard)
	typed := subscribe(t, bus, schema.TwitchEvent("channel.chat.message"))
	legacy := subscribe(t, bus, schema.TopicChat)

	handler := NewEventHandler(bus, nil)
	handler.HandleNotification(context.Background(), "env-1", "channel.chat.message", chatMessageEvent())

	for _, probe := range []struct {
		name string
		ch   <-chan *schema.Event
	}{{"dashboard", dashboard}, {"typed", typed}, {"legacy chat", legacy}} {
		evt := recvEvent(t, probe.ch, probe.name)
		if evt.Type != "channel.chat.message" || evt.ID != "env-1" {
			t.Fatalf("%s event = %+v", probe.name, evt)
		}
		// The wire nests text under message.text; downstream consumers get a
		// flat string plus the fragments.
		if evt.Payload["message"] != "that clutch was insane" {
			t.Fatalf("%s message = %v", probe.name, evt.Payload["message"])
		}
		if evt.Payload["chatter_user_login"] != "viewer" {
			t.Fatalf("%s chatter = %v", probe.name, evt.Payload["chatter_user_login"])
		}
		if _, ok := evt.Payload["fragments"]; !ok {
			t.Fatalf("%s lost fragments", probe.name)
		}
	}
}

func TestFollowNormalization(t *testing.T) {
	bus := newHandlerBus(t)
	followers := subscribe(t, bus, schema.TopicFollowers)

	handler := NewEventHandler(bus, nil)
	handler.HandleNotification(context.Background(), "env-2", "channel.follow", map[string]any{
		"broadcaster_user_id":    "12826",
		"broadcaster_user_login": "twitch",
		"broadcaster_user_name":  "Twitch",
		"user_id":                "1337",
		"user_login":             "awesome_user",
		"user_name":              "Awesome_User",
		"followed_at":            "2026-08-26T19:16:07.8Z",
	})

	evt := recvEvent(t, followers, "follow event")
	if evt.Payload["user_login"] != "awesome_user" || evt.Payload["followed_at"] != "2026-08-26T19:16:07.8Z" {
		t.Fatalf("payload = %v", evt.Payload)
	}
	if evt.Payload["type"] != "channel.follow" {
		t.Fatalf("envelope type = %v", evt.Payload["type"])
	}
}

func TestNotificationWithoutIdentityIsRejected(t *testing.T) {
	bus := newHandlerBus(t)
	dashboard := subscribe(t, bus, schema.TopicDashboard)

	handler := NewEventHandler(bus, nil)
	handler.HandleNotification(context.Background(), "", "channel.follow", map[string]any{
		"broadcaster_user_id": "12826",
	})
	handler.HandleNotification(context.Background(), "env-3", "channel.follow", map[string]any{
		"user_id": "1337",
	})

	select {
	case evt := <-dashboard:
		t.Fatalf("invalid notification published: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPersistableEventsReachTheActivityLog(t *testing.T) {
	bus := newHandlerBus(t)
	sink := activitylog.NewMemorySink(0)
	writer := activitylog.NewWriter(sink, 16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = writer.Run(ctx) }()

	handler := NewEventHandler(bus, writer)
	handler.HandleNotification(context.Background(), "env-4", "channel.cheer", map[string]any{
		"broadcaster_user_id": "12826",
		"user_id":             "1337",
		"user_login":          "viewer",
		"user_name":           "Viewer",
		"bits":                float64(500),
		"is_anonymous":        false,
		"message":             "take my bits",
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sink.Entries()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	entries := sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("activity entries = %d", len(entries))
	}
	entry := entries[0]
	if entry.EventType != "channel.cheer" || entry.BroadcasterID != "12826" || entry.UserLogin != "viewer" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Payload["bits"] != float64(500) {
		t.Fatalf("payload bits = %v", entry.Payload["bits"])
	}
}

func TestNonPersistableEventSkipsActivityLog(t *testing.T) {
	bus := newHandlerBus(t)
	sink := activitylog.NewMemorySink(0)
	writer := activitylog.NewWriter(sink, 16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = writer.Run(ctx) }()

	handler := NewEventHandler(bus, writer)
	handler.HandleNotification(context.Background(), "env-5", "channel.raid", map[string]any{
		"broadcaster_user_id": "12826",
		"from_broadcaster_user_id": "999",
	})

	time.Sleep(50 * time.Millisecond)
	if got := len(sink.Entries()); got != 0 {
		t.Fatalf("activity entries = %d for non-persistable type", got)
	}
}
