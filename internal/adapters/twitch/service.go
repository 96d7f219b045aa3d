package twitch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/hovercast/hovercast/errs"
	"github.com/hovercast/hovercast/internal/activitylog"
	"github.com/hovercast/hovercast/internal/infra/bus/eventbus"
	"github.com/hovercast/hovercast/internal/infra/wsbridge"
	"github.com/hovercast/hovercast/internal/observability"
)

const restartDelay = time.Second

// ServiceConfig assembles the Twitch integration.
type ServiceConfig struct {
	Helix HelixConfig
	// BroadcasterUserID overrides the token owner as the subscription
	// target; empty subscribes on the authenticated user's own channel.
	BroadcasterUserID string
	// EventSubURI overrides the production endpoint, for tests.
	EventSubURI string
	// HeartbeatInterval spaces transport pings; zero disables.
	HeartbeatInterval time.Duration
}

func (c ServiceConfig) normalize() ServiceConfig {
	if c.EventSubURI == "" {
		c.EventSubURI = EventSubURI
	}
	return c
}

type dialFunc func(ctx context.Context, uri string) (Transport, error)

// staticIdentity pins the subscription target to a configured user id.
type staticIdentity string

func (s staticIdentity) UserID() string { return string(s) }

// Status is the dashboard view of the Twitch integration.
type Status struct {
	ConnectionState     string `json:"connection_state"`
	SessionID           string `json:"session_id,omitempty"`
	UserID              string `json:"user_id,omitempty"`
	Login               string `json:"login,omitempty"`
	Subscriptions       int    `json:"subscriptions"`
	DefaultsEstablished bool   `json:"defaults_established"`
}

// Service supervises the Twitch child set: token lifecycle, websocket
// connection, message router, and session manager. The token manager runs
// for the whole service lifetime; the socket-bound children restart together
// when any of them fails, except on fatal errors.
type Service struct {
	cfg      ServiceConfig
	bus      eventbus.Bus
	token    *TokenManager
	subs     *EventSubManager
	session  *SessionManager
	handler  *EventHandler
	channels *ChannelAPI
	dial     dialFunc

	mu   sync.RWMutex
	conn *ConnectionManager
}

// NewService wires the full Twitch integration. writer may be nil when the
// activity log is disabled.
func NewService(cfg ServiceConfig, bus eventbus.Bus, token *TokenManager, writer *activitylog.Writer) *Service {
	cfg = cfg.normalize()
	subs := NewEventSubManager(cfg.Helix, token)
	var identity Identity = token
	if cfg.BroadcasterUserID != "" {
		identity = staticIdentity(cfg.BroadcasterUserID)
	}
	s := &Service{
		cfg:      cfg,
		bus:      bus,
		token:    token,
		subs:     subs,
		session:  NewSessionManager(subs, identity, bus),
		handler:  NewEventHandler(bus, writer),
		channels: NewChannelAPI(cfg.Helix, token, subs.Limiter()),
	}
	s.dial = func(ctx context.Context, uri string) (Transport, error) {
		headers := http.Header{}
		headers.Set("Client-Id", cfg.Helix.ClientID)
		return wsbridge.Open(ctx, uri, wsbridge.Options{
			Headers:           headers,
			HeartbeatInterval: cfg.HeartbeatInterval,
		})
	}
	return s
}

// EventSub exposes the Helix subscription client.
func (s *Service) EventSub() *EventSubManager { return s.subs }

// Session exposes the subscription coordinator.
func (s *Service) Session() *SessionManager { return s.session }

// Channels exposes the auxiliary Helix channel surface.
func (s *Service) Channels() *ChannelAPI { return s.channels }

// Token exposes the OAuth lifecycle manager.
func (s *Service) Token() *TokenManager { return s.token }

// Status snapshots the integration for the dashboard.
func (s *Service) Status() Status {
	status := Status{
		ConnectionState:     StateDisconnected.String(),
		UserID:              s.token.UserID(),
		Login:               s.token.Login(),
		SessionID:           s.session.SessionID(),
		Subscriptions:       len(s.session.Subscriptions()),
		DefaultsEstablished: s.session.DefaultSubscriptionsCreated(),
	}
	s.mu.RLock()
	if s.conn != nil {
		status.ConnectionState = s.conn.State().String()
	}
	s.mu.RUnlock()
	return status
}

// Run supervises the integration until ctx is cancelled or the connection
// fails fatally. The token manager outlives socket restarts.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var outer conc.WaitGroup
	defer outer.Wait()
	outer.Go(func() { _ = s.token.Run(runCtx) })

	for {
		err := s.runChildren(runCtx)
		if runCtx.Err() != nil {
			return nil
		}
		if err != nil && errs.IsKind(err, errs.KindFatal) {
			observability.Log().Error("twitch integration stopped on fatal error",
				observability.Field{Key: "error", Value: err})
			cancel()
			return err
		}
		observability.Log().Warn("twitch child set stopped; restarting",
			observability.Field{Key: "error", Value: err})
		select {
		case <-runCtx.Done():
			return nil
		case <-time.After(restartDelay):
		}
	}
}

func (s *Service) runChildren(ctx context.Context) error {
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	transport, err := s.dial(groupCtx, s.cfg.EventSubURI)
	if err != nil {
		return err
	}
	defer transport.Disconnect("twitch service stopped")

	conn := NewConnectionManager(transport)
	router := NewMessageRouter(conn.Messages(), s.session, s.handler)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	errc := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() {
		if err := conn.Run(groupCtx); err != nil {
			select {
			case errc <- err:
			default:
			}
		}
		cancel()
	})
	wg.Go(func() {
		_ = router.Run(groupCtx)
		cancel()
	})
	wg.Go(func() { s.drainNotices(groupCtx, conn) })

	wg.Wait()
	s.session.HandleDisconnect()

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

func (s *Service) drainNotices(ctx context.Context, conn *ConnectionManager) {
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
				// The welcome message reaches the session manager through
				// the router; nothing extra to do here.
			case NoticeDisconnected:
				s.session.HandleDisconnect()
			}
		}
	}
}
