package transport

import "sync"

// mailbox buffers values and hands them to a single listener on its own
// goroutine. Values wait until the mailbox is started and a listener is set.
type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []any
	handler func(any)
	token   uint64 // identifies the current listener for subscribe/cancel
	started bool
	closed  bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// push enqueues v. It reports false when the mailbox is closed.
func (m *mailbox) push(v any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, v)
	m.cond.Signal()
	return true
}

func (m *mailbox) setHandler(fn func(any)) {
	m.mu.Lock()
	m.handler = fn
	m.token++
	m.cond.Broadcast()
	m.mu.Unlock()
}

// subscribe installs fn and returns a cancel func that only clears the slot
// while fn is still the installed listener.
func (m *mailbox) subscribe(fn func(any)) func() {
	m.mu.Lock()
	m.handler = fn
	m.token++
	token := m.token
	m.cond.Broadcast()
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		if m.token == token {
			m.handler = nil
			m.token++
		}
		m.mu.Unlock()
	}
}

func (m *mailbox) start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.run()
}

// close stops delivery and returns whatever was still queued.
func (m *mailbox) close() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	rest := m.queue
	m.queue = nil
	m.handler = nil
	m.cond.Broadcast()
	return rest
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		for !m.closed && (len(m.queue) == 0 || m.handler == nil) {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		v := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		h := m.handler
		m.mu.Unlock()

		h(v)
	}
}
