package transport

import (
	"sync"

	"structured-channel/codec"
)

// MessagePort is an in-memory Port. Every posted value is cloned with
// codec.Clone, so the receiver never shares memory with the sender and values
// that cannot be cloned are rejected at the call site.
type MessagePort struct {
	box  *mailbox
	peer *MessagePort

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewMessageChannel creates a linked pair of in-memory ports.
func NewMessageChannel() (*MessagePort, *MessagePort) {
	a := &MessagePort{box: newMailbox(), done: make(chan struct{})}
	b := &MessagePort{box: newMailbox(), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *MessagePort) PostMessage(v any) error {
	if p.isClosed() {
		return ErrPortClosed
	}
	cloned, err := codec.Clone(v)
	if err != nil {
		return err
	}
	// A closed peer drops the value silently
	p.peer.box.push(cloned)
	return nil
}

func (p *MessagePort) OnMessage(fn func(v any)) {
	p.box.setHandler(fn)
}

func (p *MessagePort) Start() {
	p.box.start()
}

// Close disentangles the pair: both ends stop delivering.
func (p *MessagePort) Close() error {
	p.closeLocal()
	p.peer.closeLocal()
	return nil
}

// Done is closed once the port has been closed from either end.
func (p *MessagePort) Done() <-chan struct{} {
	return p.done
}

func (p *MessagePort) closeLocal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.box.close()
	close(p.done)
}

func (p *MessagePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
