package core

import "sync"

// InternalHandleKey is the StateStore key under which the worker stores
// its engine-side handle. Script-facing bindings such as close() look it up.
const InternalHandleKey = "webworker.internalHandle"

// StateStore is the keyed per-engine state map. Each subsystem stores its
// own typed state under a well-known string key.
type StateStore struct {
	mu       sync.Mutex
	ext      map[string]any
	cleanups []func()
}

// NewStateStore returns an empty store.
func NewStateStore() *StateStore {
	return &StateStore{ext: make(map[string]any)}
}

// Put stores val under key, replacing any previous value.
func (s *StateStore) Put(key string, val any) {
	s.mu.Lock()
	s.ext[key] = val
	s.mu.Unlock()
}

// Get retrieves the value stored under key, or nil.
func (s *StateStore) Get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ext[key]
}

// Take removes and returns the value stored under key.
func (s *StateStore) Take(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.ext[key]
	delete(s.ext, key)
	return v, ok
}

// RegisterCleanup adds a function to run when the store is cleared.
// Cleanups run in reverse registration order.
func (s *StateStore) RegisterCleanup(fn func()) {
	s.mu.Lock()
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}

// Clear runs the registered cleanups and drops every stored value.
func (s *StateStore) Clear() {
	s.mu.Lock()
	cleanups := s.cleanups
	s.cleanups = nil
	s.ext = make(map[string]any)
	s.mu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// Lookup returns the value stored under key as a T.
func Lookup[T any](s *StateStore, key string) (T, bool) {
	v, ok := s.Get(key).(T)
	return v, ok
}
