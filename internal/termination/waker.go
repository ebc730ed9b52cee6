package termination

import "sync/atomic"

// AtomicWaker holds the wake callback of whichever goroutine is currently
// polling. Register and Wake may race freely.
type AtomicWaker struct {
	fn atomic.Pointer[func()]
}

// Register installs fn as the current wake callback, replacing any prior one.
func (w *AtomicWaker) Register(fn func()) {
	if fn == nil {
		w.fn.Store(nil)
		return
	}
	w.fn.Store(&fn)
}

// Wake invokes the registered callback, if any.
func (w *AtomicWaker) Wake() {
	if fn := w.fn.Load(); fn != nil {
		(*fn)()
	}
}
