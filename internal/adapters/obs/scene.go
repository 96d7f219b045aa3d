package obs

import (
	"context"
	"sync"
	"time"

	"github.com/hovercast/hovercast/internal/domain/schema"
	"github.com/hovercast/hovercast/internal/infra/bus/eventbus"
	"github.com/hovercast/hovercast/internal/observability"
)

// SceneSnapshot is an eventually consistent view of the session's scene
// state.
type SceneSnapshot struct {
	Scenes       []string  `json:"scenes"`
	CurrentScene string    `json:"current_scene"`
	PreviewScene string    `json:"preview_scene,omitempty"`
	StudioMode   bool      `json:"studio_mode"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SceneManager caches scene state from the session's event stream. The cache
// has a single writer (the Run goroutine); readers take snapshots through
// the mutex.
type SceneManager struct {
	sessionID string
	bus       eventbus.Bus

	mu    sync.RWMutex
	state SceneSnapshot
}

// NewSceneManager builds the cache for one session.
func NewSceneManager(sessionID string, bus eventbus.Bus) *SceneManager {
	return &SceneManager{sessionID: sessionID, bus: bus}
}

// Snapshot returns a copy of the cached scene state.
func (m *SceneManager) Snapshot() SceneSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.state
	out.Scenes = append([]string(nil), m.state.Scenes...)
	return out
}

// Run subscribes to the session event stream and applies scene events until
// ctx is cancelled.
func (m *SceneManager) Run(ctx context.Context) error {
	id, events, err := m.bus.Subscribe(ctx, schema.OBSSessionEvents(m.sessionID))
	if err != nil {
		return err
	}
	defer m.bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			m.apply(ctx, evt)
		}
	}
}

func (m *SceneManager) apply(ctx context.Context, evt *schema.Event) {
	switch evt.Type {
	case "SceneListChanged":
		scenes := sceneNames(evt.Payload["scenes"])
		m.mu.Lock()
		m.state.Scenes = scenes
		m.state.UpdatedAt = time.Now()
		m.mu.Unlock()
	case "CurrentProgramSceneChanged":
		name, _ := evt.Payload["sceneName"].(string)
		m.mu.Lock()
		m.state.CurrentScene = name
		m.state.UpdatedAt = time.Now()
		m.mu.Unlock()
		m.publishSceneChange(ctx, name)
	case "CurrentPreviewSceneChanged":
		name, _ := evt.Payload["sceneName"].(string)
		m.mu.Lock()
		m.state.PreviewScene = name
		m.state.UpdatedAt = time.Now()
		m.mu.Unlock()
	case "StudioModeStateChanged":
		enabled, _ := evt.Payload["studioModeEnabled"].(bool)
		m.mu.Lock()
		m.state.StudioMode = enabled
		m.state.UpdatedAt = time.Now()
		m.mu.Unlock()
	}
}

func (m *SceneManager) publishSceneChange(ctx context.Context, scene string) {
	err := m.bus.Publish(ctx, &schema.Event{
		Topic:     schema.TopicDashboard,
		Type:      "scene_current_changed",
		Source:    schema.SourceOBS,
		SessionID: m.sessionID,
		Timestamp: time.Now(),
		Payload:   map[string]any{"scene_name": scene},
	})
	if err != nil {
		observability.Log().Warn("scene change publish failed",
			observability.Field{Key: "session_id", Value: m.sessionID},
			observability.Field{Key: "error", Value: err},
		)
	}
}

// sceneNames extracts scene names from the SceneListChanged payload, which
// arrives as a list of objects with a sceneName key.
func sceneNames(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if name, ok := entry["sceneName"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}
