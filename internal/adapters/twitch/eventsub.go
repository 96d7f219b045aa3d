package twitch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/hovercast/hovercast/errs"
	"github.com/hovercast/hovercast/internal/observability"
)

const (
	helixBaseURL        = "https://api.twitch.tv"
	defaultHTTPTimeout  = 10 * time.Second
	helixRatePerMinute  = 800
	criticalMaxRetries  = 3
	subscriptionsPath   = "/helix/eventsub/subscriptions"
	websocketTransport  = "websocket"
	defaultMaxTotalCost = 10
)

// TokenSource supplies the current access token and scopes; satisfied by
// *TokenManager.
type TokenSource interface {
	AccessToken() string
	Scopes() []string
}

// requiredScopes maps event types to the OAuth scopes a websocket
// subscription needs. Types absent from the map need none.
var requiredScopes = map[string][]string{
	"channel.follow":              {"moderator:read:followers"},
	"channel.subscribe":           {"channel:read:subscriptions"},
	"channel.subscription.gift":   {"channel:read:subscriptions"},
	"channel.cheer":               {"bits:read"},
	"channel.chat.message":        {"user:read:chat"},
	"channel.chat.clear":          {"user:read:chat"},
	"channel.chat.message_delete": {"user:read:chat"},
	"channel.shoutout.create":     {"moderator:read:shoutouts"},
	"channel.shoutout.receive":    {"moderator:read:shoutouts"},
}

// defaultSubscriptionTypes is the set created after every session_welcome.
var defaultSubscriptionTypes = []string{
	"stream.online",
	"stream.offline",
	"channel.update",
	"channel.follow",
	"channel.subscribe",
	"channel.subscription.gift",
	"channel.cheer",
	"channel.raid",
	"channel.chat.message",
	"channel.chat.clear",
	"channel.chat.message_delete",
}

// criticalSubscriptionTypes get per-subscription creation retries; losing one
// silently blanks a dashboard panel.
var criticalSubscriptionTypes = map[string]bool{
	"stream.online":  true,
	"stream.offline": true,
	"channel.update": true,
	"channel.follow": true,
}

// SubscriptionVersion selects the Helix API version for an event type.
func SubscriptionVersion(eventType string) string {
	switch eventType {
	case "channel.follow", "channel.update":
		return "2"
	default:
		return "1"
	}
}

// DefaultCondition renders the condition template for a default subscription.
func DefaultCondition(eventType, userID string) map[string]string {
	switch {
	case eventType == "channel.follow" || strings.HasPrefix(eventType, "channel.shoutout."):
		return map[string]string{"broadcaster_user_id": userID, "moderator_user_id": userID}
	case strings.HasPrefix(eventType, "channel.chat."):
		return map[string]string{"broadcaster_user_id": userID, "user_id": userID}
	case eventType == "user.update":
		return map[string]string{"user_id": userID}
	case eventType == "channel.raid":
		return map[string]string{"to_broadcaster_user_id": userID}
	default:
		return map[string]string{"broadcaster_user_id": userID}
	}
}

// HelixConfig configures the EventSub HTTPS client.
type HelixConfig struct {
	BaseURL     string
	ClientID    string
	HTTPTimeout time.Duration
	// RatePerMinute caps Helix calls across the process; zero means 800.
	RatePerMinute int
}

func (c HelixConfig) normalize() HelixConfig {
	if c.BaseURL == "" {
		c.BaseURL = helixBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = helixRatePerMinute
	}
	return c
}

type sessionSubs struct {
	byKey        map[string]Subscription
	totalCost    int
	maxTotalCost int
}

// EventSubManager creates and deletes EventSub subscriptions via Helix. It
// keeps a per-session map keyed by type plus canonical condition JSON for
// duplicate prevention and cost accounting.
type EventSubManager struct {
	cfg     HelixConfig
	client  *http.Client
	limiter *rate.Limiter
	token   TokenSource

	mu       sync.Mutex
	sessions map[string]*sessionSubs
}

// NewEventSubManager builds the Helix client; the limiter is shared across
// every call the manager makes.
func NewEventSubManager(cfg HelixConfig, token TokenSource) *EventSubManager {
	cfg = cfg.normalize()
	client := new(http.Client)
	client.Timeout = cfg.HTTPTimeout
	return &EventSubManager{
		cfg:      cfg,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute/10),
		token:    token,
		sessions: make(map[string]*sessionSubs),
	}
}

// Limiter exposes the shared Helix rate limiter so sibling clients stay
// inside the same budget.
func (m *EventSubManager) Limiter() *rate.Limiter { return m.limiter }

// ResetSession drops all tracked subscriptions for a session id. Called on
// every session_welcome; the server side forgot them already.
func (m *EventSubManager) ResetSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// SessionCost reports the accumulated cost and the server-reported ceiling
// for a session.
func (m *EventSubManager) SessionCost(sessionID string) (total, max int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.sessions[sessionID]; ok {
		return subs.totalCost, subs.maxTotalCost
	}
	return 0, 0
}

// CreateSubscription registers one websocket subscription. Scope, duplicate,
// and cost checks run before any network call; 429 and 5xx responses are
// retried, other 4xx are final.
func (m *EventSubManager) CreateSubscription(ctx context.Context, sessionID, eventType string, condition map[string]string) (Subscription, error) {
	if missing := m.missingScopes(eventType); len(missing) > 0 {
		return Subscription{}, errs.New(source, errs.KindAuth,
			errs.WithOp("create_subscription"),
			errs.WithMessage("missing scopes"),
			errs.WithField("event_type", eventType),
			errs.WithField("missing", strings.Join(missing, " ")))
	}

	key := canonicalKey(eventType, condition)
	m.mu.Lock()
	subs := m.sessions[sessionID]
	if subs == nil {
		subs = &sessionSubs{byKey: make(map[string]Subscription), maxTotalCost: defaultMaxTotalCost}
		m.sessions[sessionID] = subs
	}
	if _, dup := subs.byKey[key]; dup {
		m.mu.Unlock()
		return Subscription{}, errs.New(source, errs.KindConflict,
			errs.WithOp("create_subscription"),
			errs.WithMessage("duplicate subscription"),
			errs.WithField("event_type", eventType))
	}
	if subs.maxTotalCost > 0 && subs.totalCost >= subs.maxTotalCost {
		m.mu.Unlock()
		return Subscription{}, errs.New(source, errs.KindApplication,
			errs.WithOp("create_subscription"),
			errs.WithMessage("cost limit exceeded"),
			errs.WithField("event_type", eventType),
			errs.WithField("total_cost", strconv.Itoa(subs.totalCost)))
	}
	m.mu.Unlock()

	body := map[string]any{
		"type":      eventType,
		"version":   SubscriptionVersion(eventType),
		"condition": condition,
		"transport": map[string]string{"method": websocketTransport, "session_id": sessionID},
	}
	resp, err := m.postSubscription(ctx, body)
	if err != nil {
		return Subscription{}, err
	}
	if len(resp.Data) == 0 {
		return Subscription{}, errs.New(source, errs.KindProtocol,
			errs.WithOp("create_subscription"),
			errs.WithMessage("helix accepted but returned no subscription"))
	}
	created := resp.Data[0]

	m.mu.Lock()
	if subs, ok := m.sessions[sessionID]; ok {
		subs.byKey[key] = created
		subs.totalCost = resp.TotalCost
		if resp.MaxTotalCost > 0 {
			subs.maxTotalCost = resp.MaxTotalCost
		}
	}
	m.mu.Unlock()
	return created, nil
}

// DeleteSubscription removes one subscription server-side and locally.
func (m *EventSubManager) DeleteSubscription(ctx context.Context, id string) error {
	query := url.Values{"id": []string{id}}
	status, _, err := m.do(ctx, http.MethodDelete, subscriptionsPath+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return errs.New(source, errs.KindApplication,
			errs.WithOp("delete_subscription"),
			errs.WithHTTP(status),
			errs.WithMessage("helix delete failed"),
			errs.WithField("subscription_id", id))
	}

	m.mu.Lock()
	for _, subs := range m.sessions {
		for key, sub := range subs.byKey {
			if sub.ID == id {
				subs.totalCost -= sub.Cost
				delete(subs.byKey, key)
			}
		}
	}
	m.mu.Unlock()
	return nil
}

// CreateDefaultSubscriptions walks the default table for one user. Entries
// with missing scopes are skipped with a warning; critical types retry with
// capped exponential waits. Returns whatever was created.
func (m *EventSubManager) CreateDefaultSubscriptions(ctx context.Context, sessionID, userID string) ([]Subscription, error) {
	created := make([]Subscription, 0, len(defaultSubscriptionTypes))
	for _, eventType := range defaultSubscriptionTypes {
		if missing := m.missingScopes(eventType); len(missing) > 0 {
			observability.Log().Warn("default subscription skipped; scopes missing",
				observability.Field{Key: "event_type", Value: eventType},
				observability.Field{Key: "missing", Value: missing},
			)
			continue
		}
		condition := DefaultCondition(eventType, userID)
		sub, err := m.createWithRetries(ctx, sessionID, eventType, condition)
		if err != nil {
			if errs.IsKind(err, errs.KindConflict) {
				continue
			}
			observability.Log().Warn("default subscription failed",
				observability.Field{Key: "event_type", Value: eventType},
				observability.Field{Key: "error", Value: err},
			)
			continue
		}
		created = append(created, sub)
	}
	if len(created) == 0 {
		return nil, errs.New(source, errs.KindApplication,
			errs.WithOp("create_default_subscriptions"),
			errs.WithMessage("no default subscription succeeded"),
			errs.WithField("session_id", sessionID))
	}
	return created, nil
}

// createWithRetries retries critical types up to criticalMaxRetries with
// min(1000·2^n, 5000) ms waits; everything else gets a single attempt.
func (m *EventSubManager) createWithRetries(ctx context.Context, sessionID, eventType string, condition map[string]string) (Subscription, error) {
	sub, err := m.CreateSubscription(ctx, sessionID, eventType, condition)
	if err == nil || !criticalSubscriptionTypes[eventType] {
		return sub, err
	}
	for n := 0; n < criticalMaxRetries; n++ {
		if errs.IsKind(err, errs.KindConflict) || errs.IsKind(err, errs.KindAuth) {
			return Subscription{}, err
		}
		wait := time.Duration(1000<<uint(n)) * time.Millisecond
		if wait > 5*time.Second {
			wait = 5 * time.Second
		}
		select {
		case <-ctx.Done():
			return Subscription{}, err
		case <-time.After(wait):
		}
		sub, err = m.CreateSubscription(ctx, sessionID, eventType, condition)
		if err == nil {
			return sub, nil
		}
	}
	return Subscription{}, err
}

type createResponse struct {
	Data         []Subscription `json:"data"`
	Total        int            `json:"total"`
	TotalCost    int            `json:"total_cost"`
	MaxTotalCost int            `json:"max_total_cost"`
}

func (m *EventSubManager) postSubscription(ctx context.Context, body map[string]any) (createResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return createResponse{}, errs.New(source, errs.KindInvalid,
			errs.WithOp("create_subscription"), errs.WithCause(err))
	}

	operation := func() (createResponse, error) {
		status, data, err := m.do(ctx, http.MethodPost, subscriptionsPath, payload)
		if err != nil {
			return createResponse{}, err
		}
		switch {
		case status == http.StatusAccepted:
			var resp createResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				return createResponse{}, backoff.Permanent(errs.New(source, errs.KindProtocol,
					errs.WithOp("create_subscription"), errs.WithCause(err)))
			}
			return resp, nil
		case status == http.StatusTooManyRequests:
			return createResponse{}, errs.New(source, errs.KindRateLimited,
				errs.WithOp("create_subscription"), errs.WithHTTP(status))
		case status >= 500:
			return createResponse{}, errs.New(source, errs.KindUnavailable,
				errs.WithOp("create_subscription"), errs.WithHTTP(status))
		default:
			return createResponse{}, backoff.Permanent(errs.New(source, errs.KindApplication,
				errs.WithOp("create_subscription"),
				errs.WithHTTP(status),
				errs.WithMessage(strings.TrimSpace(string(data)))))
		}
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4))
}

// do issues one Helix call under the shared rate limiter with auth headers.
func (m *EventSubManager) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return 0, nil, errs.New(source, errs.KindRateLimited,
			errs.WithOp("helix"), errs.WithCause(err))
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, errs.New(source, errs.KindInvalid,
			errs.WithOp("helix"), errs.WithCause(err))
	}
	req.Header.Set("Authorization", "Bearer "+m.token.AccessToken())
	req.Header.Set("Client-Id", m.cfg.ClientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, errs.New(source, errs.KindTransport,
			errs.WithOp("helix"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errs.New(source, errs.KindTransport,
			errs.WithOp("helix"), errs.WithCause(err))
	}
	return resp.StatusCode, data, nil
}

func (m *EventSubManager) missingScopes(eventType string) []string {
	required := requiredScopes[eventType]
	if len(required) == 0 {
		return nil
	}
	have := make(map[string]bool)
	for _, scope := range m.token.Scopes() {
		have[scope] = true
	}
	var missing []string
	for _, scope := range required {
		if !have[scope] {
			missing = append(missing, scope)
		}
	}
	return missing
}

// canonicalKey renders type plus key-sorted condition JSON so equal
// conditions in any key order collide.
func canonicalKey(eventType string, condition map[string]string) string {
	keys := make([]string, 0, len(condition))
	for k := range condition {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(eventType)
	b.WriteString(":{")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kj, _ := json.Marshal(k)
		vj, _ := json.Marshal(condition[k])
		b.Write(kj)
		b.WriteByte(':')
		b.Write(vj)
	}
	b.WriteByte('}')
	return b.String()
}
