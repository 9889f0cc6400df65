package config

import "sync"

// Store guards the session config shared between the client's input loop and
// the render callbacks, which run on watcher and lifecycle goroutines.
type Store struct {
	mu  sync.Mutex
	cfg Session
}

func NewStore(cfg Session) *Store {
	return &Store{cfg: cfg}
}

// Snapshot returns a copy to read without holding the lock.
func (s *Store) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Update applies fn to the config under the lock.
func (s *Store) Update(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cfg)
}
