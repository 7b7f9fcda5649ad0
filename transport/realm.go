package transport

import (
	"structured-channel/codec"
	"structured-channel/message"
)

// SideMessage is one delivery on a realm's side channel.
type SideMessage struct {
	Data         any    // Cloned value, message.HelloType for handshakes
	Origin       string // Identity of the sender
	TargetOrigin string // Origin the sender expects the realm to have
	Ports        []Port // Ports whose ownership moves to the receiver
}

// Target is the sending half of a side channel.
type Target interface {
	PostMessage(msg SideMessage) error
}

// Window is a Target with a known origin. Only windows can be checked
// against an expected origin before anything is sent.
type Window interface {
	Target
	Origin() string
}

// Inbox is the receiving half of a side channel. It has a single listener
// slot: subscribing replaces the previous listener, and cancel only clears the
// slot while the caller's listener is still installed. Messages posted while
// the slot is empty are held until the next subscriber.
type Inbox interface {
	Subscribe(fn func(SideMessage)) (cancel func())
}

type realm struct {
	box *mailbox
}

func newRealm() realm {
	r := realm{box: newMailbox()}
	r.box.start()
	return r
}

func (r realm) Subscribe(fn func(SideMessage)) func() {
	return r.box.subscribe(func(v any) { fn(v.(SideMessage)) })
}

func (r realm) deliver(msg SideMessage) error {
	data, err := codec.Clone(msg.Data)
	if err != nil {
		return err
	}
	msg.Data = data
	if !r.box.push(msg) {
		return ErrRealmClosed
	}
	return nil
}

// Close stops delivery and closes every port still waiting to be claimed.
func (r realm) Close() error {
	for _, v := range r.box.close() {
		for _, p := range v.(SideMessage).Ports {
			_ = p.Close()
		}
	}
	return nil
}

// WindowRealm is a window-like realm. Posts addressed to a different origin
// are discarded without an error, as a browser would.
type WindowRealm struct {
	realm
	origin string
}

// NewWindow creates a window-like realm with the given origin.
func NewWindow(origin string) *WindowRealm {
	return &WindowRealm{realm: newRealm(), origin: origin}
}

func (w *WindowRealm) Origin() string {
	return w.origin
}

func (w *WindowRealm) PostMessage(msg SideMessage) error {
	if msg.TargetOrigin == "" {
		return ErrTargetOriginRequired
	}
	if msg.TargetOrigin != message.AnyOrigin && msg.TargetOrigin != w.origin {
		return nil
	}
	return w.deliver(msg)
}

// WorkerRealm is a worker-like realm. Target origins are ignored.
type WorkerRealm struct {
	realm
}

// NewWorker creates a worker-like realm.
func NewWorker() *WorkerRealm {
	return &WorkerRealm{realm: newRealm()}
}

func (w *WorkerRealm) PostMessage(msg SideMessage) error {
	msg.TargetOrigin = ""
	return w.deliver(msg)
}

var self = NewWindow("null")

// Self returns the realm of the running process, the default inbox for
// handshakes.
func Self() *WindowRealm {
	return self
}
