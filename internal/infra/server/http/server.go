// Package httpserver exposes the read-only status surface: liveness and a
// snapshot of every integration's connection state.
package httpserver

import (
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/hovercast/hovercast/internal/adapters/obs"
	"github.com/hovercast/hovercast/internal/adapters/twitch"
	"github.com/hovercast/hovercast/internal/correlation"
)

const (
	healthPath = "/healthz"
	statusPath = "/v1/status"

	readHeaderTimeout = 5 * time.Second
)

// TokenHealth is the externally safe view of the OAuth credentials.
type TokenHealth struct {
	UserID    string     `json:"user_id,omitempty"`
	Login     string     `json:"login,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Deps supplies the snapshot functions the status handler reads from. Nil
// fields are reported as absent rather than failing the request.
type Deps struct {
	OBS           func() []obs.SessionStatus
	Twitch        func() twitch.Status
	Token         func() TokenHealth
	Correlation   func() correlation.EngineStatus
	ActivityDepth func() int
}

type statusPayload struct {
	OBS           []obs.SessionStatus       `json:"obs"`
	Twitch        *twitch.Status            `json:"twitch,omitempty"`
	Token         *TokenHealth              `json:"token,omitempty"`
	Correlation   *correlation.EngineStatus `json:"correlation,omitempty"`
	ActivityQueue *int                      `json:"activity_queue_depth,omitempty"`
	GeneratedAt   time.Time                 `json:"generated_at"`
}

type statusServer struct {
	deps Deps
}

// NewHandler builds the status mux.
func NewHandler(deps Deps) http.Handler {
	server := &statusServer{deps: deps}
	mux := http.NewServeMux()
	mux.HandleFunc(healthPath, server.health)
	mux.HandleFunc(statusPath, server.status)
	return mux
}

// NewServer wraps the handler in an http.Server bound to addr with sane
// header-read limits.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func (s *statusServer) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *statusServer) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	payload := statusPayload{
		OBS:         []obs.SessionStatus{},
		GeneratedAt: time.Now().UTC(),
	}
	if s.deps.OBS != nil {
		payload.OBS = s.deps.OBS()
	}
	if s.deps.Twitch != nil {
		status := s.deps.Twitch()
		payload.Twitch = &status
	}
	if s.deps.Token != nil {
		token := s.deps.Token()
		payload.Token = &token
	}
	if s.deps.Correlation != nil {
		status := s.deps.Correlation()
		payload.Correlation = &status
	}
	if s.deps.ActivityDepth != nil {
		depth := s.deps.ActivityDepth()
		payload.ActivityQueue = &depth
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
