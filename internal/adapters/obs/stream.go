package obs

import (
	"context"
	"sync"
	"time"

	"github.com/hovercast/hovercast/internal/domain/schema"
	"github.com/hovercast/hovercast/internal/infra/bus/eventbus"
)

// OutputSnapshot is an eventually consistent view of the session's output
// state: stream, recording, virtual camera, and replay buffer.
type OutputSnapshot struct {
	Streaming      bool      `json:"streaming"`
	StreamState    string    `json:"stream_state,omitempty"`
	Recording      bool      `json:"recording"`
	RecordState    string    `json:"record_state,omitempty"`
	RecordPaused   bool      `json:"record_paused"`
	VirtualCamOn   bool      `json:"virtual_cam_on"`
	ReplayBufferOn bool      `json:"replay_buffer_on"`
	RecordingPath  string    `json:"recording_path,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StreamManager caches output state from the session's event stream.
type StreamManager struct {
	sessionID string
	bus       eventbus.Bus

	mu    sync.RWMutex
	state OutputSnapshot
}

// NewStreamManager builds the cache for one session.
func NewStreamManager(sessionID string, bus eventbus.Bus) *StreamManager {
	return &StreamManager{sessionID: sessionID, bus: bus}
}

// Snapshot returns a copy of the cached output state.
func (m *StreamManager) Snapshot() OutputSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Run subscribes to the session event stream and applies output-state events
// until ctx is cancelled.
func (m *StreamManager) Run(ctx context.Context) error {
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
			m.apply(evt)
		}
	}
}

func (m *StreamManager) apply(evt *schema.Event) {
	active, _ := evt.Payload["outputActive"].(bool)
	state, _ := evt.Payload["outputState"].(string)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch evt.Type {
	case "StreamStateChanged":
		m.state.Streaming = active
		m.state.StreamState = state
	case "RecordStateChanged":
		m.state.Recording = active
		m.state.RecordState = state
		if path, ok := evt.Payload["outputPath"].(string); ok {
			m.state.RecordingPath = path
		}
		if !active {
			m.state.RecordPaused = false
		}
	case "RecordPauseStateChanged":
		paused, _ := evt.Payload["outputPaused"].(bool)
		m.state.RecordPaused = paused
	case "VirtualCamStateChanged":
		m.state.VirtualCamOn = active
	case "ReplayBufferStateChanged":
		m.state.ReplayBufferOn = active
	default:
		return
	}
	m.state.UpdatedAt = time.Now()
}
