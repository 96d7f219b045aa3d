package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hovercast/hovercast/internal/domain/schema"
)

func testEvent(topic schema.Topic, eventType string) *schema.Event {
	return &schema.Event{
		Topic:     topic,
		Type:      eventType,
		Source:    schema.SourceOBS,
		SessionID: "studio",
		Timestamp: time.Now(),
	}
}

func TestNewMemoryBus(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	if bus == nil {
		t.Fatal("expected non-nil bus")
	}
	bus.Close()
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	err := bus.Publish(context.Background(), testEvent(schema.TopicOBSEvents, "SceneListChanged"))
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMemoryBusPublishNilEvent(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	if err := bus.Publish(context.Background(), nil); err != nil {
		t.Errorf("expected no error for nil event, got %v", err)
	}
}

func TestMemoryBusPublishInvalidEvent(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	evt := &schema.Event{Topic: "", Type: "SceneListChanged", Source: schema.SourceOBS}
	if err := bus.Publish(context.Background(), evt); err == nil {
		t.Error("expected error for event without topic")
	}
}

func TestMemoryBusSubscribeAndPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	topic := schema.OBSSessionEvents("studio")
	subID, eventsCh, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(subID)

	sent := testEvent(topic, "CurrentProgramSceneChanged")
	if err := bus.Publish(ctx, sent); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case received := <-eventsCh:
		if received == nil {
			t.Fatal("received nil event")
		}
		if received.Type != "CurrentProgramSceneChanged" {
			t.Errorf("expected event type CurrentProgramSceneChanged, got %s", received.Type)
		}
		if received.Topic != topic {
			t.Errorf("expected topic %s, got %s", topic, received.Topic)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryBusSubscribeEmptyTopic(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	if _, _, err := bus.Subscribe(context.Background(), ""); err == nil {
		t.Error("expected error for empty topic")
	}
}

func TestMemoryBusTopicIsolation(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()

	ctx := context.Background()
	subID, chatCh, err := bus.Subscribe(ctx, schema.TopicChat)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(subID)

	if err := bus.Publish(ctx, testEvent(schema.TopicFollowers, "channel.follow")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case evt := <-chatCh:
		t.Fatalf("chat subscriber received event for other topic: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	subID, eventsCh, err := bus.Subscribe(context.Background(), schema.TopicDashboard)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bus.Unsubscribe(subID)

	select {
	case _, ok := <-eventsCh:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for channel close")
	}
}

func TestMemoryBusSubscriberContextCancelRemoves(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, eventsCh, err := bus.Subscribe(ctx, schema.TopicDashboard)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	cancel()

	select {
	case _, ok := <-eventsCh:
		if ok {
			t.Error("expected channel to be closed after context cancel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Error("timeout waiting for channel close")
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})

	_, eventsCh, err := bus.Subscribe(context.Background(), schema.TopicDashboard)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bus.Close()

	select {
	case _, ok := <-eventsCh:
		if ok {
			t.Error("expected channel to be closed after bus close")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusMultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()

	ctx := context.Background()
	sub1, ch1, err1 := bus.Subscribe(ctx, schema.TopicDashboard)
	if err1 != nil {
		t.Fatalf("Subscribe 1 error = %v", err1)
	}
	defer bus.Unsubscribe(sub1)

	sub2, ch2, err2 := bus.Subscribe(ctx, schema.TopicDashboard)
	if err2 != nil {
		t.Fatalf("Subscribe 2 error = %v", err2)
	}
	defer bus.Unsubscribe(sub2)

	sent := testEvent(schema.TopicDashboard, "channel.update")
	if err := bus.Publish(ctx, sent); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	timeout := time.After(1 * time.Second)
	received1 := false
	received2 := false

	for !received1 || !received2 {
		select {
		case evt := <-ch1:
			if evt != nil && evt.Type == "channel.update" {
				received1 = true
			}
		case evt := <-ch2:
			if evt != nil && evt.Type == "channel.update" {
				received2 = true
			}
		case <-timeout:
			if !received1 {
				t.Error("subscriber 1 did not receive event")
			}
			if !received2 {
				t.Error("subscriber 2 did not receive event")
			}
			return
		}
	}
}

func TestMemoryBusDropOldestOnFullMailbox(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2, FanoutWorkers: 1})
	defer bus.Close()

	ctx := context.Background()
	subID, eventsCh, err := bus.Subscribe(ctx, schema.TopicChat)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(subID)

	// Fill the mailbox beyond capacity without draining.
	for i := 0; i < 4; i++ {
		evt := testEvent(schema.TopicChat, fmt.Sprintf("msg-%d", i))
		if err := bus.Publish(ctx, evt); err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
	}

	// Oldest events were shed; the newest must still be delivered in order.
	var got []string
	for i := 0; i < 2; i++ {
		select {
		case evt := <-eventsCh:
			got = append(got, evt.Type)
		case <-time.After(1 * time.Second):
			t.Fatalf("timeout draining mailbox, got %v", got)
		}
	}
	if got[0] != "msg-2" || got[1] != "msg-3" {
		t.Fatalf("expected newest two events [msg-2 msg-3], got %v", got)
	}
}

func TestMemoryBusPerSubscriberFIFO(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 32, FanoutWorkers: 4})
	defer bus.Close()

	ctx := context.Background()
	subID, eventsCh, err := bus.Subscribe(ctx, schema.TopicChat)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(subID)

	const n = 16
	for i := 0; i < n; i++ {
		if err := bus.Publish(ctx, testEvent(schema.TopicChat, fmt.Sprintf("msg-%02d", i))); err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case evt := <-eventsCh:
			want := fmt.Sprintf("msg-%02d", i)
			if evt.Type != want {
				t.Fatalf("out of order delivery: got %s, want %s", evt.Type, want)
			}
		case <-time.After(1 * time.Second):
			t.Fatalf("timeout at event %d", i)
		}
	}
}

func TestMemoryConfigNormalize(t *testing.T) {
	normalized := MemoryConfig{BufferSize: 0, FanoutWorkers: 0}.normalize()

	if normalized.BufferSize <= 0 {
		t.Error("expected positive buffer size after normalization")
	}
	if normalized.FanoutWorkers <= 0 {
		t.Error("expected positive fanout workers after normalization")
	}
}
