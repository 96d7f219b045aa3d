package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/hovercast/hovercast/internal/adapters/obs"
	"github.com/hovercast/hovercast/internal/adapters/twitch"
	"github.com/hovercast/hovercast/internal/correlation"
)

func testHandler() http.Handler {
	expires := time.Date(2026, 8, 26, 20, 0, 0, 0, time.UTC)
	return NewHandler(Deps{
		OBS: func() []obs.SessionStatus {
			return []obs.SessionStatus{{ID: "main", State: "ready"}}
		},
		Twitch: func() twitch.Status {
			return twitch.Status{ConnectionState: "ready", SessionID: "sess-1", Subscriptions: 5}
		},
		Token: func() TokenHealth {
			return TokenHealth{UserID: "42", Login: "streamer", Scopes: []string{"user:read:chat"}, ExpiresAt: &expires}
		},
		Correlation: func() correlation.EngineStatus {
			return correlation.EngineStatus{Confidence: 0.8}
		},
		ActivityDepth: func() int { return 3 },
	})
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	testHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, healthPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestStatusSnapshot(t *testing.T) {
	rec := httptest.NewRecorder()
	testHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, statusPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	sessions, _ := payload["obs"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("obs sessions = %v", payload["obs"])
	}
	tw, _ := payload["twitch"].(map[string]any)
	if tw["connection_state"] != "ready" || tw["session_id"] != "sess-1" {
		t.Fatalf("twitch = %v", tw)
	}
	token, _ := payload["token"].(map[string]any)
	if token["login"] != "streamer" {
		t.Fatalf("token = %v", token)
	}
	if _, leaked := token["access_token"]; leaked {
		t.Fatal("access token leaked into status payload")
	}
	if payload["activity_queue_depth"] != float64(3) {
		t.Fatalf("activity depth = %v", payload["activity_queue_depth"])
	}
}

func TestStatusToleratesMissingSources(t *testing.T) {
	handler := NewHandler(Deps{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, statusPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, present := payload["twitch"]; present {
		t.Fatal("twitch section present without a source")
	}
}

func TestStatusRejectsWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	testHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, statusPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
