package twitch

import (
	"context"
	"sync"
	"time"

	"github.com/hovercast/hovercast/internal/domain/schema"
	"github.com/hovercast/hovercast/internal/infra/bus/eventbus"
	"github.com/hovercast/hovercast/internal/observability"
)

const (
	subscriptionRetryInitial = 500 * time.Millisecond
	subscriptionRetryCap     = 5 * time.Second
	maxSubscriptionAttempts  = 10
)

// Subscriber creates the default subscription set; satisfied by
// *EventSubManager.
type Subscriber interface {
	CreateDefaultSubscriptions(ctx context.Context, sessionID, userID string) ([]Subscription, error)
	ResetSession(sessionID string)
}

// Identity supplies the authenticated user id; satisfied by *TokenManager.
// Empty until the first successful validation.
type Identity interface {
	UserID() string
}

// SessionManager synchronizes the subscription set with the EventSub session.
// Creation must happen promptly after session_welcome but cannot proceed until
// the token manager has learned user_id, so a capped backoff loop waits for
// it. A welcome for a different session id abandons the previous loop.
type SessionManager struct {
	subs     Subscriber
	identity Identity
	bus      eventbus.Bus

	mu             sync.Mutex
	sessionID      string
	subscriptions  map[string]Subscription
	defaultCreated bool
	cancelRetry    context.CancelFunc
}

// NewSessionManager wires the subscription coordinator.
func NewSessionManager(subs Subscriber, identity Identity, bus eventbus.Bus) *SessionManager {
	return &SessionManager{
		subs:          subs,
		identity:      identity,
		bus:           bus,
		subscriptions: make(map[string]Subscription),
	}
}

// SessionID returns the current EventSub session id, empty when down.
func (m *SessionManager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// DefaultSubscriptionsCreated reports whether at least one default
// subscription succeeded for the current session.
func (m *SessionManager) DefaultSubscriptionsCreated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultCreated
}

// Subscriptions snapshots the active subscription set.
func (m *SessionManager) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		out = append(out, sub)
	}
	return out
}

// HandleWelcome resets per-session state and kicks off default subscription
// creation for the new session id.
func (m *SessionManager) HandleWelcome(ctx context.Context, session SessionInfo) {
	m.mu.Lock()
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	m.sessionID = session.ID
	m.subscriptions = make(map[string]Subscription)
	m.defaultCreated = false
	retryCtx, cancel := context.WithCancel(ctx)
	m.cancelRetry = cancel
	m.mu.Unlock()

	m.subs.ResetSession(session.ID)
	go m.createDefaults(retryCtx, session.ID)
}

// HandleRevocation drops the subscription from the set. No automatic
// recreation: the revocation reason may be permanent, a removed scope for
// example.
func (m *SessionManager) HandleRevocation(_ context.Context, sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, sub.ID)
}

// HandleDisconnect clears the session id, the subscription set, and any
// pending creation retry.
func (m *SessionManager) HandleDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	m.sessionID = ""
	m.subscriptions = make(map[string]Subscription)
	m.defaultCreated = false
}

// createDefaults waits for user_id with capped exponential backoff, then
// creates the default subscription set. The loop abandons silently if the
// session id moved on; exhausting the attempts surfaces
// subscription_creation_failed without tearing the session down.
func (m *SessionManager) createDefaults(ctx context.Context, sessionID string) {
	delay := subscriptionRetryInitial
	for attempt := 1; attempt <= maxSubscriptionAttempts; attempt++ {
		if ctx.Err() != nil || m.SessionID() != sessionID {
			return
		}
		userID := m.identity.UserID()
		if userID != "" {
			created, err := m.subs.CreateDefaultSubscriptions(ctx, sessionID, userID)
			if err != nil {
				observability.Log().Warn("default subscription creation failed",
					observability.Field{Key: "session_id", Value: sessionID},
					observability.Field{Key: "attempt", Value: attempt},
					observability.Field{Key: "error", Value: err},
				)
			}
			if len(created) > 0 {
				m.recordCreated(sessionID, created)
				return
			}
		} else {
			observability.Log().Debug("user id not yet known; delaying subscription creation",
				observability.Field{Key: "session_id", Value: sessionID},
				observability.Field{Key: "attempt", Value: attempt},
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > subscriptionRetryCap {
			delay = subscriptionRetryCap
		}
	}
	m.surfaceCreationFailure(ctx, sessionID)
}

func (m *SessionManager) recordCreated(sessionID string, created []Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID != sessionID {
		return
	}
	for _, sub := range created {
		m.subscriptions[sub.ID] = sub
	}
	m.defaultCreated = true
}

func (m *SessionManager) surfaceCreationFailure(ctx context.Context, sessionID string) {
	observability.Log().Error("default subscriptions never created for session",
		observability.Field{Key: "session_id", Value: sessionID},
		observability.Field{Key: "attempts", Value: maxSubscriptionAttempts},
	)
	if m.bus == nil {
		return
	}
	err := m.bus.Publish(ctx, &schema.Event{
		Topic:     schema.TopicDashboard,
		Type:      "subscription_creation_failed",
		Source:    schema.SourceSystem,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   map[string]any{"attempts": maxSubscriptionAttempts},
	})
	if err != nil {
		observability.Log().Warn("subscription failure signal dropped",
			observability.Field{Key: "error", Value: err})
	}
}
