package session

import "sync"

// StatusStore holds the latest agent status. Each update replaces the
// previous value; no history is kept.
type StatusStore struct {
	mu       sync.Mutex
	current  AgentStatus
	watchers watchers
}

// NewStatusStore creates a store holding DefaultAgentStatus
func NewStatusStore() *StatusStore {
	return &StatusStore{current: DefaultAgentStatus()}
}

// Apply replaces the current status
func (s *StatusStore) Apply(st AgentStatus) {
	s.mu.Lock()
	changed := s.current != st
	s.current = st
	s.mu.Unlock()

	if changed {
		s.watchers.notify()
	}
}

// Current returns the latest status
func (s *StatusStore) Current() AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Watch registers fn to run after every change
func (s *StatusStore) Watch(fn func()) func() {
	return s.watchers.add(fn)
}

// Close drops all watchers
func (s *StatusStore) Close() {
	s.watchers.clear()
}
