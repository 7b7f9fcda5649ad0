// Package transport provides the endpoints a channel runs over.
//
// A Port is one end of a private, bidirectional message pipe that delivers
// structured values. Ports come in linked pairs: a value posted on one end is
// delivered to the other. Delivery is push-style through a single listener
// and only begins once Start has been called; values arriving earlier are
// buffered.
//
// The side channel (Target, Window, Inbox) is the broader delivery path of a
// realm. It is only used to bootstrap a new port pair: the initiator posts a
// hello and transfers one port of a fresh pair to the realm.
//
//	initiator                         realm
//	  p1, p2 := NewMessageChannel()
//	  target.PostMessage(hello, p2) ──→ Inbox listener receives p2
//	  channel over p1  ←─────────────→ channel over p2
package transport

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"structured-channel/codec"
)

// Common transport errors
var (
	// ErrPortClosed is returned when posting on a closed port.
	ErrPortClosed = errors.New("port is closed")

	// ErrTargetOriginRequired is returned when posting to a window without a
	// target origin.
	ErrTargetOriginRequired = errors.New("target origin is required")

	// ErrRealmClosed is returned when posting to a closed realm.
	ErrRealmClosed = errors.New("realm is closed")
)

// Port is one endpoint of a linked pair.
type Port interface {
	// PostMessage sends v to the other end. It fails synchronously when v
	// cannot be represented on the transport or the port is closed.
	PostMessage(v any) error

	// OnMessage installs the delivery listener, replacing any previous one.
	// The listener runs on the port's delivery goroutine, one value at a time.
	OnMessage(fn func(v any))

	// Start begins delivery. Calling it more than once has no effect.
	Start()

	// Close releases the port. Buffered values are discarded.
	Close() error
}

// PortFactory produces two linked endpoints.
type PortFactory func() (Port, Port)

// DefaultPortFactory creates an in-memory MessageChannel pair.
func DefaultPortFactory() (Port, Port) {
	a, b := NewMessageChannel()
	return a, b
}

// Defaults for stream-backed ports.
const (
	DefaultHeartbeat    = 30 * time.Second
	DefaultDialTimeout  = 5 * time.Second
	DefaultHelloTimeout = 10 * time.Second
)

// Options configures stream-backed ports and network realms.
type Options struct {
	Codec        codec.CodecType // Serialization for outgoing frames
	Heartbeat    time.Duration   // 0 uses DefaultHeartbeat, negative disables
	DialTimeout  time.Duration   // 0 uses DefaultDialTimeout
	HelloTimeout time.Duration   // 0 uses DefaultHelloTimeout
	Logger       *zap.Logger     // nil uses zap.L()
}

func (o Options) withDefaults() Options {
	if o.Heartbeat == 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.HelloTimeout <= 0 {
		o.HelloTimeout = DefaultHelloTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	return o
}

// doner is implemented by ports that can report their own shutdown.
type doner interface {
	Done() <-chan struct{}
}
