// Package port implements entangled message ports: two linked endpoints,
// one per side of a worker boundary, each owned by exactly one side.
package port

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// InboxSize bounds the number of undelivered messages per endpoint.
const InboxSize = 1024

var (
	// ErrDisentangled is returned by operations on a severed port.
	ErrDisentangled = errors.New("port: disentangled")
	// ErrInboxFull is returned when the peer is not draining its inbox.
	ErrInboxFull = errors.New("port: peer inbox full")
)

// Message is one posted payload. Data is opaque to this package; Ports
// are endpoints transferred along with it.
type Message struct {
	Data  []byte
	Ports []*Port
}

// Port is one end of an entangled pair.
type Port struct {
	id uuid.UUID

	mu       sync.Mutex
	peer     *Port
	inbox    chan Message
	closed   bool
	notify   func()
	severed  chan struct{}
	severOne sync.Once
}

func newPort() *Port {
	return &Port{
		id:      uuid.New(),
		inbox:   make(chan Message, InboxSize),
		severed: make(chan struct{}),
	}
}

// NewPair returns two entangled endpoints.
func NewPair() (*Port, *Port) {
	a, b := newPort(), newPort()
	a.peer, b.peer = b, a
	return a, b
}

// ID returns the port's unique identifier.
func (p *Port) ID() string { return p.id.String() }

// SetNotify installs fn to run whenever a message lands in this port's
// inbox or the link is severed. fn must not block.
func (p *Port) SetNotify(fn func()) {
	p.mu.Lock()
	p.notify = fn
	p.mu.Unlock()
}

// Post delivers msg to the peer.
func (p *Port) Post(msg Message) error {
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	if peer == nil {
		return ErrDisentangled
	}
	return peer.deliver(msg)
}

func (p *Port) deliver(msg Message) error {
	p.mu.Lock()
	if p.closed || p.peer == nil {
		p.mu.Unlock()
		return ErrDisentangled
	}
	select {
	case p.inbox <- msg:
	default:
		p.mu.Unlock()
		return ErrInboxFull
	}
	notify := p.notify
	p.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

// Messages exposes the inbox. It is closed when this side disentangles.
func (p *Port) Messages() <-chan Message { return p.inbox }

// Severed is closed once the link is broken from either side.
func (p *Port) Severed() <-chan struct{} { return p.severed }

// TryRecv returns the next queued message without waiting.
func (p *Port) TryRecv() (Message, bool) {
	select {
	case msg, ok := <-p.inbox:
		return msg, ok
	default:
		return Message{}, false
	}
}

// Recv waits for the next message. Queued messages are still returned
// after the peer disentangled; ErrDisentangled follows once they run out.
func (p *Port) Recv(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-p.inbox:
		if !ok {
			return Message{}, ErrDisentangled
		}
		return msg, nil
	default:
	}
	select {
	case msg, ok := <-p.inbox:
		if !ok {
			return Message{}, ErrDisentangled
		}
		return msg, nil
	case <-p.severed:
		if msg, ok := p.TryRecv(); ok {
			return msg, nil
		}
		return Message{}, ErrDisentangled
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Entangled reports whether the port is still linked to its peer.
func (p *Port) Entangled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer != nil && !p.closed
}

// Pending returns the number of queued messages.
func (p *Port) Pending() int { return len(p.inbox) }

// Disentangle severs the link. Posts in either direction fail afterwards.
// This side's inbox is closed; messages already queued stay readable.
func (p *Port) Disentangle() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	peer := p.peer
	p.peer = nil
	close(p.inbox)
	p.mu.Unlock()

	p.sever()
	if peer != nil {
		peer.unlink(p)
	}
}

func (p *Port) unlink(from *Port) {
	p.mu.Lock()
	if p.peer != from {
		p.mu.Unlock()
		return
	}
	p.peer = nil
	notify := p.notify
	p.mu.Unlock()

	p.sever()
	if notify != nil {
		notify()
	}
}

func (p *Port) sever() {
	p.severOne.Do(func() { close(p.severed) })
}
