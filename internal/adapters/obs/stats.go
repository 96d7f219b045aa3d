package obs

import (
	"context"
	"sync"
	"time"

	"github.com/hovercast/hovercast/internal/domain/schema"
	"github.com/hovercast/hovercast/internal/infra/bus/eventbus"
	"github.com/hovercast/hovercast/internal/observability"
)

const (
	defaultStatsInterval = 5 * time.Second
	statsProbeTimeout    = 2 * time.Second
)

// Requester issues OBS requests; satisfied by *Connection.
type Requester interface {
	SendRequest(ctx context.Context, requestType string, data map[string]any) (map[string]any, error)
	State() ConnState
}

// StatsSnapshot caches the most recent GetStats response.
type StatsSnapshot struct {
	ActiveFPS           float64   `json:"active_fps"`
	AverageFrameTime    float64   `json:"average_frame_time_ms"`
	CPUUsage            float64   `json:"cpu_usage"`
	MemoryUsage         float64   `json:"memory_usage_mb"`
	AvailableDiskSpace  float64   `json:"available_disk_space_mb"`
	RenderTotalFrames   float64   `json:"render_total_frames"`
	RenderSkippedFrames float64   `json:"render_skipped_frames"`
	OutputTotalFrames   float64   `json:"output_total_frames"`
	OutputSkippedFrames float64   `json:"output_skipped_frames"`
	CollectedAt         time.Time `json:"collected_at"`
}

// StatsCollector polls OBS performance stats on a fixed interval. Each cycle
// probes liveness with a cheap GetSceneList under a tight deadline before
// paying for GetStats; cycles are skipped entirely while the connection is
// not ready.
type StatsCollector struct {
	sessionID string
	bus       eventbus.Bus
	client    Requester
	interval  time.Duration

	mu   sync.RWMutex
	last StatsSnapshot
	ok   bool
}

// NewStatsCollector polls client every interval; zero means the 5 s default.
func NewStatsCollector(sessionID string, bus eventbus.Bus, client Requester, interval time.Duration) *StatsCollector {
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	return &StatsCollector{sessionID: sessionID, bus: bus, client: client, interval: interval}
}

// Snapshot returns the latest collected stats; ok is false until the first
// successful poll.
func (s *StatsCollector) Snapshot() (StatsSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.ok
}

// Run polls until ctx is cancelled.
func (s *StatsCollector) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *StatsCollector) poll(ctx context.Context) {
	if s.client.State() != StateReady {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, statsProbeTimeout)
	_, err := s.client.SendRequest(probeCtx, "GetSceneList", nil)
	cancel()
	if err != nil {
		observability.Log().Debug("obs stats probe failed; skipping cycle",
			observability.Field{Key: "session_id", Value: s.sessionID},
			observability.Field{Key: "error", Value: err},
		)
		return
	}

	data, err := s.client.SendRequest(ctx, "GetStats", nil)
	if err != nil {
		observability.Log().Warn("obs stats poll failed",
			observability.Field{Key: "session_id", Value: s.sessionID},
			observability.Field{Key: "error", Value: err},
		)
		return
	}

	snapshot := StatsSnapshot{
		ActiveFPS:           floatField(data, "activeFps"),
		AverageFrameTime:    floatField(data, "averageFrameRenderTime"),
		CPUUsage:            floatField(data, "cpuUsage"),
		MemoryUsage:         floatField(data, "memoryUsage"),
		AvailableDiskSpace:  floatField(data, "availableDiskSpace"),
		RenderTotalFrames:   floatField(data, "renderTotalFrames"),
		RenderSkippedFrames: floatField(data, "renderSkippedFrames"),
		OutputTotalFrames:   floatField(data, "outputTotalFrames"),
		OutputSkippedFrames: floatField(data, "outputSkippedFrames"),
		CollectedAt:         time.Now(),
	}

	s.mu.Lock()
	s.last = snapshot
	s.ok = true
	s.mu.Unlock()

	err = s.bus.Publish(ctx, &schema.Event{
		Topic:     schema.TopicOBSStats,
		Type:      "obs_stats",
		Source:    schema.SourceOBS,
		SessionID: s.sessionID,
		Timestamp: snapshot.CollectedAt,
		Payload: map[string]any{
			"active_fps":            snapshot.ActiveFPS,
			"average_frame_time":    snapshot.AverageFrameTime,
			"cpu_usage":             snapshot.CPUUsage,
			"memory_usage":          snapshot.MemoryUsage,
			"available_disk_space":  snapshot.AvailableDiskSpace,
			"render_total_frames":   snapshot.RenderTotalFrames,
			"render_skipped_frames": snapshot.RenderSkippedFrames,
			"output_total_frames":   snapshot.OutputTotalFrames,
			"output_skipped_frames": snapshot.OutputSkippedFrames,
		},
	})
	if err != nil {
		observability.Log().Warn("obs stats publish failed",
			observability.Field{Key: "session_id", Value: s.sessionID},
			observability.Field{Key: "error", Value: err},
		)
	}
}

func floatField(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
