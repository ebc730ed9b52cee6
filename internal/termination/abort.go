package termination

import "sync"

// AbortSlot holds the engine abort capability, which exists only once the
// engine has been constructed. An abort requested before Bind is deferred
// and runs inside Bind.
type AbortSlot struct {
	mu      sync.Mutex
	fn      func()
	pending bool
	fired   bool
}

// Bind installs the abort capability. Binding twice replaces the function
// but never re-runs an abort that already happened.
func (s *AbortSlot) Bind(fn func()) {
	s.mu.Lock()
	s.fn = fn
	if !s.pending || s.fired || fn == nil {
		s.mu.Unlock()
		return
	}
	s.fired = true
	s.mu.Unlock()
	fn()
}

// Bound reports whether a capability has been installed.
func (s *AbortSlot) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fn != nil
}

func (s *AbortSlot) invoke() {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		return
	}
	if s.fn == nil {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.fired = true
	fn := s.fn
	s.mu.Unlock()
	fn()
}
