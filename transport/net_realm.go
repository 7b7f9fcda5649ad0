package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"structured-channel/codec"
	"structured-channel/message"
	"structured-channel/protocol"
)

// NetRealm is a window-like realm whose side channel is a network listener.
//
// Every accepted connection must open with one frame. A hello frame turns
// the connection into a ConnPort delivered with the hello marker, exactly as
// if a local initiator had transferred a port. Any other first frame is
// delivered as a portless side message and the connection is closed.
type NetRealm struct {
	*WindowRealm
	id       string
	listener net.Listener
	opts     Options
	shutdown atomic.Bool
	wg       sync.WaitGroup
}

// ListenRealm starts accepting connections on address.
//
// The origin attached to an accepted hello is the one the dialer claims in
// the frame body; nothing verifies it. Use TLS or a network policy when the
// peer's identity matters.
func ListenRealm(network, address, origin string, opts Options) (*NetRealm, error) {
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	r := &NetRealm{
		WindowRealm: NewWindow(origin),
		id:          ulid.Make().String(),
		listener:    listener,
		opts:        opts.withDefaults(),
	}
	r.opts.Logger = r.opts.Logger.With(zap.String("realm", r.id), zap.String("origin", origin))
	r.wg.Add(1)
	go r.acceptLoop()
	return r, nil
}

// ID is a unique identifier of this realm instance.
func (r *NetRealm) ID() string {
	return r.id
}

// Addr returns the listening address.
func (r *NetRealm) Addr() net.Addr {
	return r.listener.Addr()
}

// Close stops accepting and closes unclaimed ports.
func (r *NetRealm) Close() error {
	// Set the flag before closing so the Accept error is recognized as intentional
	r.shutdown.Store(true)
	err := r.listener.Close()
	r.wg.Wait()
	r.WindowRealm.Close()
	return err
}

func (r *NetRealm) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if !r.shutdown.Load() {
				r.opts.Logger.Error("accept failed", zap.Error(err))
			}
			return
		}
		go r.handleConn(conn)
	}
}

func (r *NetRealm) handleConn(conn net.Conn) {
	logger := r.opts.Logger.With(zap.String("remote", conn.RemoteAddr().String()))

	_ = conn.SetReadDeadline(time.Now().Add(r.opts.HelloTimeout))
	header, body, err := protocol.Decode(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		logger.Debug("dropping connection without a valid first frame", zap.Error(err))
		conn.Close()
		return
	}

	var data any
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &data); err != nil {
		logger.Warn("dropping connection with undecodable first frame", zap.Error(err))
		conn.Close()
		return
	}

	if header.MsgType == protocol.MsgTypeHello {
		origin, ok := parseHello(data)
		if ok {
			opts := r.opts
			opts.Codec = codec.CodecType(header.CodecType)
			port := NewConnPort(conn, opts)
			if !r.box.push(SideMessage{Data: message.HelloType, Origin: origin, Ports: []Port{port}}) {
				port.Close()
			}
			return
		}
		logger.Warn("malformed hello frame")
	}

	r.box.push(SideMessage{Data: data})
	conn.Close()
}

// RemoteRealm is a window-like Target for a NetRealm on another host.
// Posting a hello dials a new connection and bridges the transferred port
// onto it; any other value is delivered as a single frame.
type RemoteRealm struct {
	network string
	address string
	origin  string
	opts    Options
}

// DialRealm returns a Target for the realm at address. origin is the
// identity the remote realm is known to have; no connection is made until the
// first PostMessage.
func DialRealm(network, address, origin string, opts Options) *RemoteRealm {
	return &RemoteRealm{
		network: network,
		address: address,
		origin:  origin,
		opts:    opts.withDefaults(),
	}
}

func (r *RemoteRealm) Origin() string {
	return r.origin
}

// Address returns the dial address.
func (r *RemoteRealm) Address() string {
	return r.address
}

func (r *RemoteRealm) PostMessage(msg SideMessage) error {
	if msg.TargetOrigin == "" {
		return ErrTargetOriginRequired
	}
	if msg.TargetOrigin != message.AnyOrigin && msg.TargetOrigin != r.origin {
		return nil
	}

	cdc := codec.GetCodec(r.opts.Codec)
	hello := msg.Data == message.HelloType && len(msg.Ports) > 0

	var (
		body    []byte
		err     error
		msgType = protocol.MsgTypeMessage
	)
	if hello {
		msgType = protocol.MsgTypeHello
		body, err = cdc.Encode(helloBody(msg.Origin))
	} else {
		body, err = cdc.Encode(msg.Data)
	}
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout(r.network, r.address, r.opts.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial realm %s: %w", r.address, err)
	}
	header := protocol.Header{CodecType: byte(cdc.Type()), MsgType: msgType}
	if err := protocol.Encode(conn, &header, body); err != nil {
		conn.Close()
		return err
	}

	if !hello {
		return conn.Close()
	}
	Bridge(msg.Ports[0], NewConnPort(conn, r.opts))
	return nil
}

// Bridge forwards every value delivered on a to b and vice versa, and starts
// both ports. When either side shuts down the other one is closed too.
func Bridge(a, b Port) {
	forward := func(dst Port) func(any) {
		return func(v any) {
			if err := dst.PostMessage(v); err != nil && !errors.Is(err, ErrPortClosed) {
				zap.L().Warn("bridge forward failed", zap.Error(err))
			}
		}
	}
	a.OnMessage(forward(b))
	b.OnMessage(forward(a))
	a.Start()
	b.Start()

	da, aok := a.(doner)
	db, bok := b.(doner)
	if !aok && !bok {
		return
	}
	go func() {
		var ca, cb <-chan struct{}
		if aok {
			ca = da.Done()
		}
		if bok {
			cb = db.Done()
		}
		select {
		case <-ca:
		case <-cb:
		}
		a.Close()
		b.Close()
	}()
}

func helloBody(origin string) map[string]any {
	return map[string]any{"hello": message.HelloType, "origin": origin}
}

func parseHello(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || m["hello"] != message.HelloType {
		return "", false
	}
	origin, _ := m["origin"].(string)
	return origin, true
}
