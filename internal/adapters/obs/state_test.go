package obs

import (
	"context"
	"testing"
	"time"

	"github.com/hovercast/hovercast/internal/domain/schema"
	"github.com/hovercast/hovercast/internal/infra/bus/eventbus"
)

func newTestBus(t *testing.T) *eventbus.MemoryBus {
	t.Helper()
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 16, FanoutWorkers: 2})
	t.Cleanup(bus.Close)
	return bus
}

func publishSessionEvent(t *testing.T, bus eventbus.Bus, sessionID, eventType string, payload map[string]any) {
	t.Helper()
	err := bus.Publish(context.Background(), &schema.Event{
		Topic:     schema.OBSSessionEvents(sessionID),
		Type:      eventType,
		Source:    schema.SourceOBS,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		t.Fatalf("publish %s: %v", eventType, err)
	}
}

func awaitCondition(t *testing.T, desc string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestSceneManagerAppliesSceneEvents(t *testing.T) {
	bus := newTestBus(t)
	scenes := NewSceneManager("s1", bus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = scenes.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	publishSessionEvent(t, bus, "s1", "SceneListChanged", map[string]any{
		"scenes": []any{
			map[string]any{"sceneName": "Intro"},
			map[string]any{"sceneName": "Gameplay"},
		},
	})
	publishSessionEvent(t, bus, "s1", "CurrentProgramSceneChanged", map[string]any{"sceneName": "Gameplay"})
	publishSessionEvent(t, bus, "s1", "StudioModeStateChanged", map[string]any{"studioModeEnabled": true})

	awaitCondition(t, "scene state", func() bool {
		snap := scenes.Snapshot()
		return len(snap.Scenes) == 2 && snap.CurrentScene == "Gameplay" && snap.StudioMode
	})
}

func TestSceneManagerPublishesSceneChangeToDashboard(t *testing.T) {
	bus := newTestBus(t)
	id, dashboard, err := bus.Subscribe(context.Background(), schema.TopicDashboard)
	if err != nil {
		t.Fatalf("subscribe dashboard: %v", err)
	}
	t.Cleanup(func() { bus.Unsubscribe(id) })

	scenes := NewSceneManager("s1", bus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = scenes.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	publishSessionEvent(t, bus, "s1", "CurrentProgramSceneChanged", map[string]any{"sceneName": "BRB"})

	select {
	case evt := <-dashboard:
		if evt.Type != "scene_current_changed" {
			t.Fatalf("dashboard event type = %q", evt.Type)
		}
		if evt.Payload["scene_name"] != "BRB" {
			t.Fatalf("payload = %v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scene_current_changed never reached the dashboard topic")
	}
}

func TestStreamManagerTracksOutputState(t *testing.T) {
	bus := newTestBus(t)
	outputs := NewStreamManager("s1", bus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = outputs.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	publishSessionEvent(t, bus, "s1", "StreamStateChanged", map[string]any{
		"outputActive": true, "outputState": "OBS_WEBSOCKET_OUTPUT_STARTED",
	})
	publishSessionEvent(t, bus, "s1", "RecordStateChanged", map[string]any{
		"outputActive": true, "outputState": "OBS_WEBSOCKET_OUTPUT_STARTED", "outputPath": "/tmp/rec.mkv",
	})
	publishSessionEvent(t, bus, "s1", "RecordPauseStateChanged", map[string]any{"outputPaused": true})

	awaitCondition(t, "output state", func() bool {
		snap := outputs.Snapshot()
		return snap.Streaming && snap.Recording && snap.RecordPaused && snap.RecordingPath == "/tmp/rec.mkv"
	})

	publishSessionEvent(t, bus, "s1", "RecordStateChanged", map[string]any{
		"outputActive": false, "outputState": "OBS_WEBSOCKET_OUTPUT_STOPPED",
	})
	awaitCondition(t, "recording stop clears pause", func() bool {
		snap := outputs.Snapshot()
		return !snap.Recording && !snap.RecordPaused
	})
}

func TestEventRouterFansOutToAllTopics(t *testing.T) {
	bus := newTestBus(t)
	subscribedTopics := []schema.Topic{
		schema.TopicOBSEvents,
		schema.OBSSessionEvents("s1"),
		schema.OBSSessionEvent("s1", "StreamStateChanged"),
	}
	channels := make([]<-chan *schema.Event, 0, len(subscribedTopics))
	for _, topic := range subscribedTopics {
		id, ch, err := bus.Subscribe(context.Background(), topic)
		if err != nil {
			t.Fatalf("subscribe %s: %v", topic, err)
		}
		t.Cleanup(func() { bus.Unsubscribe(id) })
		channels = append(channels, ch)
	}

	in := make(chan DomainEvent, 1)
	router := NewEventRouter("s1", bus, in)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = router.Run(ctx) }()

	in <- DomainEvent{
		SessionID: "s1",
		Type:      "StreamStateChanged",
		Data:      map[string]any{"outputActive": true},
		At:        time.Now(),
	}

	for i, ch := range channels {
		select {
		case evt := <-ch:
			if evt.Type != "StreamStateChanged" || evt.SessionID != "s1" {
				t.Fatalf("topic %s got %+v", subscribedTopics[i], evt)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("topic %s never received the event", subscribedTopics[i])
		}
	}
}

type fakeRequester struct {
	state    ConnState
	requests chan string
	stats    map[string]any
}

func (f *fakeRequester) State() ConnState { return f.state }

func (f *fakeRequester) SendRequest(_ context.Context, requestType string, _ map[string]any) (map[string]any, error) {
	select {
	case f.requests <- requestType:
	default:
	}
	if requestType == "GetStats" {
		return f.stats, nil
	}
	return map[string]any{"scenes": []any{}}, nil
}

func TestStatsCollectorProbesThenPolls(t *testing.T) {
	bus := newTestBus(t)
	id, statsTopic, err := bus.Subscribe(context.Background(), schema.TopicOBSStats)
	if err != nil {
		t.Fatalf("subscribe stats: %v", err)
	}
	t.Cleanup(func() { bus.Unsubscribe(id) })

	requester := &fakeRequester{
		state:    StateReady,
		requests: make(chan string, 8),
		stats: map[string]any{
			"activeFps":         60.0,
			"cpuUsage":          12.5,
			"renderTotalFrames": 1000.0,
		},
	}
	collector := NewStatsCollector("s1", bus, requester, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = collector.Run(ctx) }()

	first := <-requester.requests
	if first != "GetSceneList" {
		t.Fatalf("first poll request = %q, want liveness probe", first)
	}
	if second := <-requester.requests; second != "GetStats" {
		t.Fatalf("second poll request = %q, want GetStats", second)
	}

	select {
	case evt := <-statsTopic:
		if evt.Payload["active_fps"] != 60.0 {
			t.Fatalf("stats payload = %v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stats never published")
	}

	awaitCondition(t, "snapshot cached", func() bool {
		snap, ok := collector.Snapshot()
		return ok && snap.ActiveFPS == 60.0 && snap.CPUUsage == 12.5
	})
}

func TestStatsCollectorSkipsWhileNotReady(t *testing.T) {
	bus := newTestBus(t)
	requester := &fakeRequester{state: StateDisconnected, requests: make(chan string, 8)}
	collector := NewStatsCollector("s1", bus, requester, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = collector.Run(ctx) }()

	select {
	case requestType := <-requester.requests:
		t.Fatalf("poll issued %q while disconnected", requestType)
	case <-time.After(60 * time.Millisecond):
	}
}
