package twitch

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hovercast/hovercast/errs"
	"github.com/hovercast/hovercast/internal/infra/telemetry"
	"github.com/hovercast/hovercast/internal/infra/wsbridge"
	"github.com/hovercast/hovercast/internal/observability"
)

// EventSubURI is the production EventSub websocket endpoint.
const EventSubURI = "wss://eventsub.wss.twitch.tv/ws"

const (
	defaultKeepaliveTimeout = 10 * time.Second
	// maxKeepaliveMisses bounds consecutive watchdog expiries before the
	// connection is declared unrecoverable.
	maxKeepaliveMisses = 5
	errorLogLimit      = 5
)

// ConnState tracks the EventSub connection lifecycle.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReady
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Transport is the websocket surface the connection manager drives; satisfied
// by *wsbridge.Conn.
type Transport interface {
	Events() <-chan wsbridge.Event
	SwitchURI(uri string) error
	Redial(reason string)
	Disconnect(reason string)
}

var _ Transport = (*wsbridge.Conn)(nil)

// NoticeKind labels connection lifecycle notices.
type NoticeKind int

const (
	// NoticeReady fires when session_welcome establishes a session.
	NoticeReady NoticeKind = iota
	// NoticeDisconnected fires when the session is lost for real; endpoint
	// hot-swaps do not count.
	NoticeDisconnected
)

// Notice is a connection lifecycle signal for the owner.
type Notice struct {
	Kind    NoticeKind
	Session SessionInfo
}

// ConnectionManager owns one EventSub socket: it tracks connection state,
// enforces the keepalive watchdog, decodes frames, and hands every message to
// the router. ready is entered when session_welcome is observed; the session
// id is non-empty exactly while ready.
type ConnectionManager struct {
	transport Transport

	state atomic.Int32

	sessionMu   sync.RWMutex
	session     SessionInfo
	swapPending bool

	keepalive time.Duration
	misses    int

	errStreak  int
	suppressed int

	messages chan Message
	notices  chan Notice

	reconnectCounter metric.Int64Counter
}

// NewConnectionManager wraps an open transport.
func NewConnectionManager(transport Transport) *ConnectionManager {
	m := &ConnectionManager{
		transport: transport,
		keepalive: defaultKeepaliveTimeout,
		messages:  make(chan Message, 64),
		notices:   make(chan Notice, 8),
	}
	meter := otel.Meter("twitch")
	m.reconnectCounter, _ = meter.Int64Counter("twitch.connection.transitions",
		metric.WithDescription("EventSub connection state transitions"))
	return m
}

// Messages streams every decoded frame, in receive order. Closed when Run
// returns.
func (m *ConnectionManager) Messages() <-chan Message { return m.messages }

// Notices streams lifecycle signals; best-effort, a slow owner loses old
// notices rather than stalling the read loop.
func (m *ConnectionManager) Notices() <-chan Notice { return m.notices }

func (m *ConnectionManager) notify(notice Notice) {
	select {
	case m.notices <- notice:
	default:
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState { return ConnState(m.state.Load()) }

// SessionID returns the EventSub session id, empty unless ready.
func (m *ConnectionManager) SessionID() string {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()
	return m.session.ID
}

// HotSwap retargets the transport at a replacement endpoint. Session state is
// preserved across the swap; the server re-welcomes on the new socket.
func (m *ConnectionManager) HotSwap(url string) {
	m.sessionMu.Lock()
	m.swapPending = true
	m.sessionMu.Unlock()
	if err := m.transport.SwitchURI(url); err != nil {
		observability.Log().Warn("eventsub endpoint swap failed",
			observability.Field{Key: "url", Value: url},
			observability.Field{Key: "error", Value: err},
		)
	}
}

// Run drives the connection until ctx is cancelled or keepalive loss repeats
// beyond recovery.
func (m *ConnectionManager) Run(ctx context.Context) error {
	watchdog := time.NewTimer(m.keepalive)
	if !watchdog.Stop() {
		<-watchdog.C
	}
	defer watchdog.Stop()
	defer m.setState(ctx, StateDisconnected)
	defer close(m.messages)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-watchdog.C:
			if err := m.keepaliveExpired(); err != nil {
				return err
			}
		case evt, ok := <-m.transport.Events():
			if !ok {
				return nil
			}
			m.handleTransportEvent(ctx, evt, watchdog)
		}
	}
}

func (m *ConnectionManager) handleTransportEvent(ctx context.Context, evt wsbridge.Event, watchdog *time.Timer) {
	switch evt.Kind {
	case wsbridge.EventConnecting:
		m.setState(ctx, StateConnecting)
	case wsbridge.EventConnected:
		// misses reset on welcome, not here: a socket that reconnects but
		// never produces a session still counts against the fatal threshold.
		m.setState(ctx, StateConnected)
		m.resetErrorStreak()
		resetTimer(watchdog, m.keepalive)
	case wsbridge.EventFrame:
		resetTimer(watchdog, m.keepalive)
		m.handleFrame(ctx, evt.Frame)
	case wsbridge.EventDisconnected:
		stopTimer(watchdog)
		m.handleDisconnect(ctx, evt)
	case wsbridge.EventError:
		m.countError(evt.Err)
	}
}

func (m *ConnectionManager) handleFrame(ctx context.Context, frame []byte) {
	msg, err := DecodeMessage(frame)
	if err != nil {
		observability.Log().Warn("eventsub frame discarded",
			observability.Field{Key: "error", Value: err})
		return
	}

	switch msg.Metadata.MessageType {
	case MessageWelcome:
		welcome, err := DecodeWelcome(msg)
		if err != nil {
			observability.Log().Warn("eventsub welcome discarded",
				observability.Field{Key: "error", Value: err})
			return
		}
		m.sessionMu.Lock()
		m.session = welcome.Session
		m.swapPending = false
		m.sessionMu.Unlock()
		if welcome.Session.KeepaliveTimeoutSeconds > 0 {
			m.keepalive = time.Duration(welcome.Session.KeepaliveTimeoutSeconds) * time.Second
		}
		m.misses = 0
		m.setState(ctx, StateReady)
		m.notify(Notice{Kind: NoticeReady, Session: welcome.Session})
		observability.Log().Info("eventsub session established",
			observability.Field{Key: "session_id", Value: welcome.Session.ID},
			observability.Field{Key: "keepalive", Value: m.keepalive},
		)
	case MessageReconnect:
		reconnect, err := DecodeReconnect(msg)
		if err != nil {
			observability.Log().Warn("eventsub reconnect discarded",
				observability.Field{Key: "error", Value: err})
			return
		}
		observability.Log().Info("eventsub reconnect requested",
			observability.Field{Key: "url", Value: reconnect.Session.ReconnectURL})
		m.HotSwap(reconnect.Session.ReconnectURL)
	}

	select {
	case <-ctx.Done():
	case m.messages <- msg:
	}
}

func (m *ConnectionManager) handleDisconnect(ctx context.Context, evt wsbridge.Event) {
	m.sessionMu.Lock()
	preserve := m.swapPending
	if !preserve {
		m.session = SessionInfo{}
	}
	m.sessionMu.Unlock()

	if preserve {
		m.setState(ctx, StateConnecting)
		return
	}
	m.setState(ctx, StateDisconnected)
	m.notify(Notice{Kind: NoticeDisconnected})
	observability.Log().Info("eventsub socket lost",
		observability.Field{Key: "close_code", Value: evt.Code},
		observability.Field{Key: "reason", Value: evt.Reason},
	)
}

// keepaliveExpired fires when no frame arrived inside the keepalive window.
// The socket is forced down so the transport redials; repeated expiries with
// no intervening welcome give up for good.
func (m *ConnectionManager) keepaliveExpired() error {
	m.misses++
	if m.misses >= maxKeepaliveMisses {
		return errs.New(source, errs.KindFatal,
			errs.WithOp("keepalive"),
			errs.WithMessage("keepalive lost repeatedly"),
			errs.WithField("misses", strconv.Itoa(m.misses)))
	}
	observability.Log().Warn("eventsub keepalive timeout; forcing reconnect",
		observability.Field{Key: "misses", Value: m.misses})
	m.sessionMu.Lock()
	m.session = SessionInfo{}
	m.sessionMu.Unlock()
	m.state.Store(int32(StateDisconnected))
	m.notify(Notice{Kind: NoticeDisconnected})
	m.transport.Redial("keepalive timeout")
	return nil
}

func (m *ConnectionManager) setState(ctx context.Context, next ConnState) {
	prev := ConnState(m.state.Swap(int32(next)))
	if prev == next || m.reconnectCounter == nil {
		return
	}
	m.reconnectCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.ConnectionAttributes(telemetry.Environment(), "twitch", next.String())...))
}

func (m *ConnectionManager) countError(err error) {
	m.errStreak++
	if m.errStreak <= errorLogLimit {
		observability.Log().Warn("eventsub transport error",
			observability.Field{Key: "streak", Value: m.errStreak},
			observability.Field{Key: "error", Value: err},
		)
		return
	}
	m.suppressed++
}

func (m *ConnectionManager) resetErrorStreak() {
	if m.suppressed > 0 {
		observability.Log().Info("eventsub transport recovered",
			observability.Field{Key: "suppressed_errors", Value: m.suppressed})
	}
	m.errStreak = 0
	m.suppressed = 0
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
