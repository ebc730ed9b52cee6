// Package control carries terminal notifications from a worker to its host
// over a capacity-1 channel.
package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cryguy/webworker/internal/core"
)

var (
	// ErrChannelFull is returned when a second event is sent before the
	// first was read.
	ErrChannelFull = errors.New("control: channel full")
	// ErrConcurrentRead is returned when another goroutine is already
	// receiving.
	ErrConcurrentRead = errors.New("control: concurrent read")
)

type channel struct {
	mu      sync.Mutex
	ch      chan core.ControlEvent
	closed  bool
	reading atomic.Bool
}

func (c *channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sender is the worker-side producer.
type Sender struct{ c *channel }

// Receiver is the host-side consumer.
type Receiver struct{ c *channel }

// New returns the two ends of a fresh channel.
func New() (*Sender, *Receiver) {
	c := &channel{ch: make(chan core.ControlEvent, 1)}
	return &Sender{c: c}, &Receiver{c: c}
}

// Send enqueues ev without blocking. When the channel is already closed it
// reports closed=true and no error.
func (s *Sender) Send(ev core.ControlEvent) (closed bool, err error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.c.closed {
		return true, nil
	}
	select {
	case s.c.ch <- ev:
		return false, nil
	default:
		return false, ErrChannelFull
	}
}

// Close closes the channel. Safe to call more than once.
func (s *Sender) Close() { s.c.close() }

// IsClosed reports whether either end closed the channel.
func (s *Sender) IsClosed() bool { return s.c.isClosed() }

// Recv waits for the next event. ok is false once the channel is closed
// and drained. Only one goroutine may be inside Recv at a time.
func (r *Receiver) Recv(ctx context.Context) (ev core.ControlEvent, ok bool, err error) {
	if !r.c.reading.CompareAndSwap(false, true) {
		return core.ControlEvent{}, false, ErrConcurrentRead
	}
	defer r.c.reading.Store(false)

	select {
	case ev, ok = <-r.c.ch:
		return ev, ok, nil
	case <-ctx.Done():
		return core.ControlEvent{}, false, ctx.Err()
	}
}

// TryRecv returns a buffered event without waiting.
func (r *Receiver) TryRecv() (ev core.ControlEvent, ok bool, err error) {
	if !r.c.reading.CompareAndSwap(false, true) {
		return core.ControlEvent{}, false, ErrConcurrentRead
	}
	defer r.c.reading.Store(false)

	select {
	case ev, ok = <-r.c.ch:
		return ev, ok, nil
	default:
		return core.ControlEvent{}, false, nil
	}
}

// Close drops the host's interest in further events.
func (r *Receiver) Close() { r.c.close() }

// IsClosed reports whether either end closed the channel.
func (r *Receiver) IsClosed() bool { return r.c.isClosed() }
