package twitch

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	json "github.com/goccy/go-json"

	"github.com/hovercast/hovercast/internal/infra/telemetry"
	"github.com/hovercast/hovercast/internal/observability"
	"github.com/hovercast/hovercast/internal/tokenstore"
)

const (
	oauthBaseURL      = "https://id.twitch.tv"
	validateInterval  = 15 * time.Minute
	refreshBuffer     = 5 * time.Minute
	refreshErrorRetry = 60 * time.Second
	// chatScope silently degrades chat features when absent, so its absence
	// logs at Error instead of Warn.
	chatScope = "user:read:chat"
)

// TokenSnapshot is the observable token state handed to observers.
type TokenSnapshot struct {
	AccessToken string
	UserID      string
	Login       string
	Scopes      []string
	ExpiresAt   time.Time
}

// TokenConfig configures the OAuth lifecycle.
type TokenConfig struct {
	ClientID     string
	ClientSecret string
	// BaseURL overrides the id.twitch.tv endpoint, for tests.
	BaseURL     string
	HTTPTimeout time.Duration
}

func (c TokenConfig) normalize() TokenConfig {
	if c.BaseURL == "" {
		c.BaseURL = oauthBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	return c
}

// TokenManager runs the OAuth token lifecycle: scheduled validation every
// 15 minutes, refresh at expires_at minus a 5 minute buffer, and persistence
// through the token store. All validation and refresh work happens on the Run
// goroutine, so at most one of each is ever in flight; extra triggers
// coalesce through a one-slot channel.
type TokenManager struct {
	cfg    TokenConfig
	client *http.Client
	store  *tokenstore.Store

	mu    sync.RWMutex
	creds tokenstore.Credentials

	observerMu sync.Mutex
	observers  []func(TokenSnapshot)

	refreshCh chan struct{}

	refreshCounter metric.Int64Counter
}

// NewTokenManager loads persisted credentials and prepares the lifecycle.
// Starting without a stored token is allowed; validation will fail until a
// refresh token is provisioned out of band.
func NewTokenManager(cfg TokenConfig, store *tokenstore.Store) (*TokenManager, error) {
	cfg = cfg.normalize()
	client := new(http.Client)
	client.Timeout = cfg.HTTPTimeout
	m := &TokenManager{
		cfg:       cfg,
		client:    client,
		store:     store,
		refreshCh: make(chan struct{}, 1),
	}
	if store != nil {
		creds, found, err := store.Load()
		if err != nil {
			return nil, err
		}
		if found {
			m.creds = creds
		}
	}
	meter := otel.Meter("twitch")
	m.refreshCounter, _ = meter.Int64Counter("twitch.token.refreshes",
		metric.WithDescription("OAuth token refresh attempts by outcome"))
	return m, nil
}

// AccessToken returns the current access token, empty when none is held.
func (m *TokenManager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.AccessToken
}

// UserID returns the validated user id, empty until the first successful
// validation.
func (m *TokenManager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.UserID
}

// Login returns the validated login name.
func (m *TokenManager) Login() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.Login
}

// Scopes returns the token's scope set.
func (m *TokenManager) Scopes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.creds.Scopes...)
}

// HasScope reports whether the token carries one scope.
func (m *TokenManager) HasScope(scope string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, have := range m.creds.Scopes {
		if have == scope {
			return true
		}
	}
	return false
}

// Snapshot returns the observable token state.
func (m *TokenManager) Snapshot() TokenSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return TokenSnapshot{
		AccessToken: m.creds.AccessToken,
		UserID:      m.creds.UserID,
		Login:       m.creds.Login,
		Scopes:      append([]string(nil), m.creds.Scopes...),
		ExpiresAt:   m.creds.ExpiresAt,
	}
}

// OnChange registers an observer for token changes. If credentials are
// already known the observer fires immediately, so late registrants do not
// miss the current state.
func (m *TokenManager) OnChange(fn func(TokenSnapshot)) {
	m.observerMu.Lock()
	m.observers = append(m.observers, fn)
	m.observerMu.Unlock()
	if snap := m.Snapshot(); snap.AccessToken != "" {
		fn(snap)
	}
}

// RequestRefresh asks for an early refresh; triggers while one is pending
// coalesce.
func (m *TokenManager) RequestRefresh() {
	select {
	case m.refreshCh <- struct{}{}:
	default:
	}
}

// Run drives validation and refresh until ctx is cancelled.
func (m *TokenManager) Run(ctx context.Context) error {
	m.validate(ctx)

	validateTicker := time.NewTicker(validateInterval)
	defer validateTicker.Stop()

	refreshTimer := time.NewTimer(m.refreshDelay())
	defer refreshTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-validateTicker.C:
			m.validate(ctx)
		case <-refreshTimer.C:
			resetTimer(refreshTimer, m.refresh(ctx))
		case <-m.refreshCh:
			resetTimer(refreshTimer, m.refresh(ctx))
		}
	}
}

// refreshDelay computes time until expires_at minus the buffer; an unknown or
// past expiry refreshes immediately.
func (m *TokenManager) refreshDelay() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds.ExpiresAt.IsZero() {
		return time.Millisecond
	}
	delay := time.Until(m.creds.ExpiresAt.Add(-refreshBuffer))
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

type validateResponse struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	Scopes    []string `json:"scopes"`
	UserID    string   `json:"user_id"`
	ExpiresIn int      `json:"expires_in"`
}

func (m *TokenManager) validate(ctx context.Context) {
	token := m.AccessToken()
	if token == "" {
		observability.Log().Warn("token validation skipped; no access token held")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"/oauth2/validate", nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "OAuth "+token)
	resp, err := m.client.Do(req)
	if err != nil {
		observability.Log().Warn("token validation failed",
			observability.Field{Key: "error", Value: err})
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		var body validateResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			observability.Log().Warn("token validation decode failed",
				observability.Field{Key: "error", Value: err})
			return
		}
		m.applyValidation(body)
	case http.StatusUnauthorized:
		observability.Log().Warn("access token rejected; requesting refresh")
		m.RequestRefresh()
	default:
		observability.Log().Warn("token validation unexpected status",
			observability.Field{Key: "status", Value: resp.StatusCode})
	}
}

func (m *TokenManager) applyValidation(body validateResponse) {
	m.mu.Lock()
	m.creds.UserID = body.UserID
	m.creds.Login = body.Login
	m.creds.Scopes = body.Scopes
	m.creds.ExpiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	snap := TokenSnapshot{
		AccessToken: m.creds.AccessToken,
		UserID:      m.creds.UserID,
		Login:       m.creds.Login,
		Scopes:      append([]string(nil), m.creds.Scopes...),
		ExpiresAt:   m.creds.ExpiresAt,
	}
	m.mu.Unlock()

	hasChat := false
	for _, scope := range body.Scopes {
		if scope == chatScope {
			hasChat = true
			break
		}
	}
	if !hasChat {
		observability.Log().Error("token lacks chat scope; chat features degraded",
			observability.Field{Key: "scope", Value: chatScope},
			observability.Field{Key: "user_id", Value: body.UserID},
		)
	}
	observability.Log().Info("token validated",
		observability.Field{Key: "user_id", Value: body.UserID},
		observability.Field{Key: "login", Value: body.Login},
		observability.Field{Key: "scopes", Value: len(body.Scopes)},
	)
	m.notify(snap)
}

type refreshResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"scope"`
}

// refresh exchanges the refresh token and returns the delay until the next
// scheduled refresh: expires_at minus the buffer on success, 60 s on error.
func (m *TokenManager) refresh(ctx context.Context) time.Duration {
	m.mu.RLock()
	refreshToken := m.creds.RefreshToken
	m.mu.RUnlock()
	if refreshToken == "" {
		observability.Log().Error("token refresh impossible; no refresh token held")
		m.countRefresh(ctx, "no_refresh_token")
		return refreshErrorRetry
	}

	form := url.Values{
		"grant_type":    []string{"refresh_token"},
		"refresh_token": []string{refreshToken},
		"client_id":     []string{m.cfg.ClientID},
		"client_secret": []string{m.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.cfg.BaseURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		m.countRefresh(ctx, "error")
		return refreshErrorRetry
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := m.client.Do(req)
	if err != nil {
		observability.Log().Warn("token refresh failed",
			observability.Field{Key: "error", Value: err})
		m.countRefresh(ctx, "error")
		return refreshErrorRetry
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		observability.Log().Warn("token refresh rejected",
			observability.Field{Key: "status", Value: resp.StatusCode})
		m.countRefresh(ctx, "rejected")
		return refreshErrorRetry
	}
	var body refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		observability.Log().Warn("token refresh decode failed",
			observability.Field{Key: "error", Value: err})
		m.countRefresh(ctx, "error")
		return refreshErrorRetry
	}

	m.mu.Lock()
	m.creds.AccessToken = body.AccessToken
	m.creds.RefreshToken = body.RefreshToken
	m.creds.ExpiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	if len(body.Scope) > 0 {
		m.creds.Scopes = body.Scope
	}
	creds := m.creds
	snap := TokenSnapshot{
		AccessToken: creds.AccessToken,
		UserID:      creds.UserID,
		Login:       creds.Login,
		Scopes:      append([]string(nil), creds.Scopes...),
		ExpiresAt:   creds.ExpiresAt,
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(creds); err != nil {
			observability.Log().Error("token persistence failed",
				observability.Field{Key: "error", Value: err})
		}
	}
	m.countRefresh(ctx, "ok")
	observability.Log().Info("token refreshed",
		observability.Field{Key: "expires_at", Value: creds.ExpiresAt})
	m.notify(snap)

	delay := time.Until(creds.ExpiresAt.Add(-refreshBuffer))
	if delay < time.Millisecond {
		delay = refreshErrorRetry
	}
	return delay
}

func (m *TokenManager) notify(snap TokenSnapshot) {
	m.observerMu.Lock()
	observers := append([]func(TokenSnapshot){}, m.observers...)
	m.observerMu.Unlock()
	for _, fn := range observers {
		fn(snap)
	}
}

func (m *TokenManager) countRefresh(ctx context.Context, result string) {
	if m.refreshCounter == nil {
		return
	}
	m.refreshCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), "twitch", "token_refresh", result)...))
}
