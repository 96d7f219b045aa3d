package obs

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/hovercast/hovercast/errs"
	"github.com/hovercast/hovercast/internal/infra/bus/eventbus"
	"github.com/hovercast/hovercast/internal/infra/wsbridge"
	"github.com/hovercast/hovercast/internal/observability"
)

const restartDelay = time.Second

// SessionConfig describes one OBS session.
type SessionConfig struct {
	ID       string
	Host     string
	Port     int
	Password string
	// StatsInterval spaces performance polls; zero means 5 s.
	StatsInterval time.Duration
	// RequestTimeout is the per-request deadline; zero means 30 s.
	RequestTimeout time.Duration
	// HeartbeatInterval spaces transport pings; zero disables.
	HeartbeatInterval time.Duration
}

func (c SessionConfig) normalize() SessionConfig {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 4455
	}
	return c
}

// URI renders the websocket endpoint.
func (c SessionConfig) URI() string {
	return fmt.Sprintf("ws://%s:%d", c.Host, c.Port)
}

// SessionStatus is the dashboard view of one session.
type SessionStatus struct {
	ID              string         `json:"id"`
	State           string         `json:"state"`
	RPCVersion      int            `json:"rpc_version,omitempty"`
	PendingRequests int            `json:"pending_requests"`
	Scene           SceneSnapshot  `json:"scene"`
	Outputs         OutputSnapshot `json:"outputs"`
	Stats           *StatsSnapshot `json:"stats,omitempty"`
}

type dialFunc func(ctx context.Context, uri string) (Transport, error)

// SessionManager owns one OBS session's children: transport, connection FSM,
// event router, request tracker, scene and output caches, and the stats
// poller. The children share the connection as their event source, so the
// restart policy is one-for-all: any child failure tears the group down and
// rebuilds it from scratch. Protocol-fatal failures stop the session instead
// of restarting it.
type SessionManager struct {
	cfg  SessionConfig
	bus  eventbus.Bus
	dial dialFunc

	mu      sync.RWMutex
	conn    *Connection
	tracker *RequestTracker
	scenes  *SceneManager
	outputs *StreamManager
	stats   *StatsCollector
}

// NewSessionManager builds a manager that dials the real transport.
func NewSessionManager(cfg SessionConfig, bus eventbus.Bus) *SessionManager {
	cfg = cfg.normalize()
	m := &SessionManager{cfg: cfg, bus: bus}
	m.dial = func(ctx context.Context, uri string) (Transport, error) {
		return wsbridge.Open(ctx, uri, wsbridge.Options{
			Headers:           http.Header{},
			HeartbeatInterval: cfg.HeartbeatInterval,
		})
	}
	return m
}

// SendRequest forwards to the live connection; callers get KindNotConnected
// while the child set is being rebuilt.
func (m *SessionManager) SendRequest(ctx context.Context, requestType string, data map[string]any) (map[string]any, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return nil, errs.New(source, errs.KindNotConnected,
			errs.WithOp("send_request"),
			errs.WithMessage("session is restarting"),
			errs.WithField("session_id", m.cfg.ID))
	}
	return conn.SendRequest(ctx, requestType, data)
}

// Status snapshots the session for the dashboard.
func (m *SessionManager) Status() SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := SessionStatus{ID: m.cfg.ID, State: StateDisconnected.String()}
	if m.conn != nil {
		status.State = m.conn.State().String()
		status.RPCVersion = m.conn.NegotiatedRPCVersion()
	}
	if m.tracker != nil {
		status.PendingRequests = m.tracker.Pending()
	}
	if m.scenes != nil {
		status.Scene = m.scenes.Snapshot()
	}
	if m.outputs != nil {
		status.Outputs = m.outputs.Snapshot()
	}
	if m.stats != nil {
		if snap, ok := m.stats.Snapshot(); ok {
			status.Stats = &snap
		}
	}
	return status
}

// Run supervises the child set until ctx is cancelled or a fatal protocol
// failure occurs.
func (m *SessionManager) Run(ctx context.Context) error {
	for {
		err := m.runChildren(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && errs.IsKind(err, errs.KindFatal) {
			observability.Log().Error("obs session stopped on fatal error",
				observability.Field{Key: "session_id", Value: m.cfg.ID},
				observability.Field{Key: "error", Value: err},
			)
			return err
		}
		if err != nil && errs.IsKind(err, errs.KindAuth) {
			observability.Log().Error("obs session stopped on auth error",
				observability.Field{Key: "session_id", Value: m.cfg.ID},
				observability.Field{Key: "error", Value: err},
			)
			return err
		}
		observability.Log().Warn("obs session child set stopped; restarting",
			observability.Field{Key: "session_id", Value: m.cfg.ID},
			observability.Field{Key: "error", Value: err},
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(restartDelay):
		}
	}
}

// runChildren builds and joins one generation of the child set. Any child
// exiting, with or without error, cancels the shared group context so the
// siblings unwind together.
func (m *SessionManager) runChildren(ctx context.Context) error {
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	transport, err := m.dial(groupCtx, m.cfg.URI())
	if err != nil {
		return err
	}
	defer transport.Disconnect("session stopped")

	tracker := NewRequestTracker(m.cfg.ID, m.cfg.RequestTimeout)
	conn := NewConnection(ConnectionConfig{
		SessionID:      m.cfg.ID,
		Password:       m.cfg.Password,
		RequestTimeout: m.cfg.RequestTimeout,
	}, transport, tracker)
	router := NewEventRouter(m.cfg.ID, m.bus, conn.Events())
	scenes := NewSceneManager(m.cfg.ID, m.bus)
	outputs := NewStreamManager(m.cfg.ID, m.bus)
	stats := NewStatsCollector(m.cfg.ID, m.bus, conn, m.cfg.StatsInterval)

	m.mu.Lock()
	m.conn = conn
	m.tracker = tracker
	m.scenes = scenes
	m.outputs = outputs
	m.stats = stats
	m.mu.Unlock()

	errc := make(chan error, 6)
	var wg conc.WaitGroup
	child := func(name string, run func(context.Context) error) {
		wg.Go(func() {
			if err := run(groupCtx); err != nil {
				observability.Log().Debug("obs session child exited",
					observability.Field{Key: "session_id", Value: m.cfg.ID},
					observability.Field{Key: "child", Value: name},
					observability.Field{Key: "error", Value: err},
				)
				select {
				case errc <- err:
				default:
				}
			}
			cancel()
		})
	}
	child("connection", conn.Run)
	child("event_router", router.Run)
	child("scene_manager", scenes.Run)
	child("stream_manager", outputs.Run)
	child("stats_collector", stats.Run)
	wg.Go(func() { m.drainNotices(groupCtx, conn) })

	wg.Wait()

	m.mu.Lock()
	m.conn = nil
	m.tracker = nil
	m.mu.Unlock()

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

func (m *SessionManager) drainNotices(ctx context.Context, conn *Connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-conn.Notices():
			if !ok {
				return
			}
			switch notice.Kind {
			case NoticeReady:
				observability.Log().Info("obs session established",
					observability.Field{Key: "session_id", Value: m.cfg.ID})
			case NoticeDisconnected:
				observability.Log().Info("obs session lost; transport redialing",
					observability.Field{Key: "session_id", Value: m.cfg.ID},
					observability.Field{Key: "close_code", Value: notice.Code},
					observability.Field{Key: "reason", Value: notice.Reason},
				)
			case NoticeFatal:
				// The connection child is already returning the error.
			}
		}
	}
}
