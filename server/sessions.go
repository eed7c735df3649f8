package server

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/psvm/vm"
)

// Session is a client workspace: one execution context of the shared VM
// with its own operand, exec and dictionary stacks.
type Session struct {
	ID      string
	Name    string
	Created time.Time

	ctx *vm.Context
}

// Context returns the session's execution context. Only touch it on the
// VM worker goroutine, except for Interrupt.
func (s *Session) Context() *vm.Context { return s.ctx }

// SessionStore manages workspace sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	worker   *VMWorker
	handles  *HandleStore
}

// NewSessionStore creates a new session store.
func NewSessionStore(worker *VMWorker, handles *HandleStore) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		worker:   worker,
		handles:  handles,
	}
}

// Create creates a new session with an optional name.
func (s *SessionStore) Create(name string) (*Session, error) {
	res, err := s.worker.Do(func(v *vm.VM) any {
		return v.NewContext()
	})
	if err != nil {
		return nil, err
	}
	session := &Session{
		ID:      uuid.NewString(),
		Name:    name,
		Created: time.Now(),
		ctx:     res.(*vm.Context),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	serverLog.Infof("session %s created (context %d)", session.ID, session.ctx.ID())
	return session, nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	return session, ok
}

// List returns the sessions, oldest first.
func (s *SessionStore) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ctx.ID() < out[j].ctx.ID() })
	return out
}

// Destroy removes a session, closes its context and releases all its
// handles. It reports whether the session existed.
func (s *SessionStore) Destroy(id string) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	session.ctx.Interrupt()
	s.worker.Do(func(v *vm.VM) any {
		session.ctx.Close()
		return nil
	})
	n := s.handles.ReleaseSession(id)
	serverLog.Infof("session %s destroyed, %d handles released", id, n)
	return true
}
