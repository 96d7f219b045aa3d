package twitch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/hovercast/hovercast/internal/tokenstore"
)

type oauthServer struct {
	mu            sync.Mutex
	validateCalls int
	refreshCalls  int
	validateCode  int
	refreshForm   url.Values
}

func newOAuthServer(t *testing.T) (*oauthServer, *httptest.Server) {
	t.Helper()
	o := &oauthServer{validateCode: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.validateCalls++
		code := o.validateCode
		o.mu.Unlock()
		if r.Header.Get("Authorization") != "OAuth old-access" && code == http.StatusOK {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_id":  "client-1",
			"login":      "streamer",
			"scopes":     []string{"user:read:chat", "moderator:read:followers"},
			"user_id":    "42",
			"expires_in": 3600,
		})
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		o.mu.Lock()
		o.refreshCalls++
		o.refreshForm = r.PostForm
		o.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
			"scope":         []string{"user:read:chat"},
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return o, server
}

func newTestTokenManager(t *testing.T, baseURL string) (*TokenManager, *tokenstore.Store) {
	t.Helper()
	store, err := tokenstore.New(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Save(tokenstore.Credentials{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	manager, err := NewTokenManager(TokenConfig{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		BaseURL:      baseURL,
	}, store)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return manager, store
}

func TestValidationPopulatesIdentity(t *testing.T) {
	_, server := newOAuthServer(t)
	manager, _ := newTestTokenManager(t, server.URL)

	manager.validate(context.Background())

	if manager.UserID() != "42" || manager.Login() != "streamer" {
		t.Fatalf("identity = %q/%q", manager.UserID(), manager.Login())
	}
	if !manager.HasScope("user:read:chat") {
		t.Fatal("scope set not applied")
	}
}

func TestValidationNotifiesObservers(t *testing.T) {
	_, server := newOAuthServer(t)
	manager, _ := newTestTokenManager(t, server.URL)

	var mu sync.Mutex
	var seen []TokenSnapshot
	manager.OnChange(func(snap TokenSnapshot) {
		mu.Lock()
		seen = append(seen, snap)
		mu.Unlock()
	})

	manager.validate(context.Background())

	mu.Lock()
	defer mu.Unlock()
	// One immediate callback with the loaded credentials, one for the
	// validation result.
	if len(seen) != 2 {
		t.Fatalf("observer calls = %d, want 2", len(seen))
	}
	if seen[1].UserID != "42" {
		t.Fatalf("observed user id = %q", seen[1].UserID)
	}
}

func TestRefreshPersistsRotatedTokens(t *testing.T) {
	oauth, server := newOAuthServer(t)
	manager, store := newTestTokenManager(t, server.URL)

	next := manager.refresh(context.Background())
	if next <= refreshErrorRetry {
		t.Fatalf("next refresh delay = %v, want expiry-based schedule", next)
	}

	if manager.AccessToken() != "new-access" {
		t.Fatalf("access token = %q", manager.AccessToken())
	}
	persisted, found, err := store.Load()
	if err != nil || !found {
		t.Fatalf("load persisted: %v found=%v", err, found)
	}
	if persisted.AccessToken != "new-access" || persisted.RefreshToken != "new-refresh" {
		t.Fatalf("persisted = %+v", persisted)
	}

	oauth.mu.Lock()
	form := oauth.refreshForm
	oauth.mu.Unlock()
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "old-refresh" {
		t.Fatalf("refresh form = %v", form)
	}
	if form.Get("client_id") != "client-1" || form.Get("client_secret") != "secret-1" {
		t.Fatalf("refresh credentials = %v", form)
	}
}

func TestRefreshFailureSchedulesShortRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)
	manager, _ := newTestTokenManager(t, server.URL)

	if next := manager.refresh(context.Background()); next != refreshErrorRetry {
		t.Fatalf("retry delay = %v, want %v", next, refreshErrorRetry)
	}
	if manager.AccessToken() != "old-access" {
		t.Fatal("failed refresh replaced the access token")
	}
}

func TestRejectedValidationTriggersRefresh(t *testing.T) {
	oauth, server := newOAuthServer(t)
	manager, _ := newTestTokenManager(t, server.URL)
	oauth.mu.Lock()
	oauth.validateCode = http.StatusUnauthorized
	oauth.mu.Unlock()

	manager.validate(context.Background())

	select {
	case <-manager.refreshCh:
	default:
		t.Fatal("401 validation did not request a refresh")
	}
}

func TestRefreshTriggersCoalesce(t *testing.T) {
	_, server := newOAuthServer(t)
	manager, _ := newTestTokenManager(t, server.URL)

	manager.RequestRefresh()
	manager.RequestRefresh()
	manager.RequestRefresh()

	if len(manager.refreshCh) != 1 {
		t.Fatalf("queued refresh triggers = %d, want 1", len(manager.refreshCh))
	}
}
