package obs

import (
	"context"
	"sort"
	"sync"

	"github.com/hovercast/hovercast/errs"
	"github.com/hovercast/hovercast/internal/infra/bus/eventbus"
	"github.com/hovercast/hovercast/internal/observability"
)

// SessionsSupervisor starts and stops SessionManagers keyed by session id.
type SessionsSupervisor struct {
	bus        eventbus.Bus
	newManager func(SessionConfig, eventbus.Bus) *SessionManager

	mu       sync.Mutex
	sessions map[string]*sessionHandle
}

type sessionHandle struct {
	manager *SessionManager
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSessionsSupervisor builds an empty supervisor.
func NewSessionsSupervisor(bus eventbus.Bus) *SessionsSupervisor {
	return &SessionsSupervisor{bus: bus, newManager: NewSessionManager, sessions: make(map[string]*sessionHandle)}
}

// StartSession launches a session under the supervisor. Duplicate ids are
// rejected; two sessions against the same OBS instance are permitted and not
// deduplicated.
func (s *SessionsSupervisor) StartSession(ctx context.Context, cfg SessionConfig) error {
	if cfg.ID == "" {
		return errs.New(source, errs.KindInvalid, errs.WithOp("start_session"),
			errs.WithMessage("session id required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[cfg.ID]; exists {
		return errs.New(source, errs.KindConflict, errs.WithOp("start_session"),
			errs.WithMessage("session id already running"),
			errs.WithField("session_id", cfg.ID))
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	handle := &sessionHandle{
		manager: s.newManager(cfg, s.bus),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.sessions[cfg.ID] = handle

	go func() {
		defer close(handle.done)
		if err := handle.manager.Run(sessionCtx); err != nil {
			observability.Log().Error("obs session exited",
				observability.Field{Key: "session_id", Value: cfg.ID},
				observability.Field{Key: "error", Value: err},
			)
		}
		s.mu.Lock()
		if s.sessions[cfg.ID] == handle {
			delete(s.sessions, cfg.ID)
		}
		s.mu.Unlock()
	}()
	return nil
}

// StopSession cancels one session and waits for its children to unwind.
func (s *SessionsSupervisor) StopSession(id string) error {
	s.mu.Lock()
	handle, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return errs.New(source, errs.KindNotFound, errs.WithOp("stop_session"),
			errs.WithMessage("no such session"),
			errs.WithField("session_id", id))
	}
	handle.cancel()
	<-handle.done
	return nil
}

// Close stops every session.
func (s *SessionsSupervisor) Close() {
	s.mu.Lock()
	handles := make([]*sessionHandle, 0, len(s.sessions))
	for id, handle := range s.sessions {
		handles = append(handles, handle)
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	for _, handle := range handles {
		handle.cancel()
		<-handle.done
	}
}

// Status snapshots every running session, ordered by id.
func (s *SessionsSupervisor) Status() []SessionStatus {
	s.mu.Lock()
	managers := make([]*SessionManager, 0, len(s.sessions))
	for _, handle := range s.sessions {
		managers = append(managers, handle.manager)
	}
	s.mu.Unlock()

	statuses := make([]SessionStatus, 0, len(managers))
	for _, manager := range managers {
		statuses = append(statuses, manager.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}
