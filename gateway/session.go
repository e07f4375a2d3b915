package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// A Session is one connected client. It holds the handles the client resolved and the deadline
// after which the gateway reaps it. Ending a session never touches the modules behind its handles.
type Session struct {
	id     uuid.UUID
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	handles  map[string]string
	lastSeen time.Time
}

func newSession(now time.Time, cancel context.CancelCauseFunc) *Session {
	return &Session{
		id:       uuid.New(),
		cancel:   cancel,
		handles:  map[string]string{},
		lastSeen: now,
	}
}

// ID returns the id of this session.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Touch records activity at now. Both requests and replies count.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// Idle reports whether the session has seen no activity within timeout of now.
func (s *Session) Idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen) >= timeout
}

// LastSeen returns when the session last saw activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// resolve returns a new handle for the named module.
func (s *Session) resolve(name string) string {
	handle := uuid.NewString()
	s.mu.Lock()
	s.handles[handle] = name
	s.mu.Unlock()
	return handle
}

func (s *Session) lookup(handle string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.handles[handle]
	return name, ok
}

func (s *Session) release(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[handle]; !ok {
		return false
	}
	delete(s.handles, handle)
	return true
}

// Modules returns the distinct module names the session holds handles to, sorted.
func (s *Session) Modules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	var names []string
	for _, name := range s.handles {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// clear drops every handle.
func (s *Session) clear() {
	s.mu.Lock()
	s.handles = map[string]string{}
	s.mu.Unlock()
}
