package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"structured-channel/codec"
	"structured-channel/protocol"
)

// ConnPort is a Port over a byte stream. Every posted value becomes one
// frame; a background goroutine (recvLoop) reads frames, decodes them into
// generic structured values and queues them for delivery.
//
//	PostMessage(v) ──codec.Encode──→ frame ──→ net.Conn
//	recvLoop ←── frame ←── net.Conn ──codec.Decode──→ mailbox ──→ OnMessage listener
type ConnPort struct {
	conn      net.Conn
	codec     codec.Codec
	heartbeat time.Duration
	logger    *zap.Logger
	box       *mailbox

	seq     uint32     // Outgoing frame counter (protected by sending mutex)
	sending sync.Mutex // Write lock, frames from PostMessage and heartbeats must not interleave

	closeOnce sync.Once
	done      chan struct{}
}

// NewConnPort wraps conn and starts two background goroutines:
//   - recvLoop: continuously reads frames and buffers decoded values
//   - heartbeatLoop: sends periodic heartbeat frames to detect dead connections
func NewConnPort(conn net.Conn, opts Options) *ConnPort {
	opts = opts.withDefaults()
	p := &ConnPort{
		conn:      conn,
		codec:     codec.GetCodec(opts.Codec),
		heartbeat: opts.Heartbeat,
		logger:    opts.Logger.With(zap.String("remote", conn.RemoteAddr().String())),
		box:       newMailbox(),
		done:      make(chan struct{}),
	}
	go p.recvLoop()
	if p.heartbeat > 0 {
		go p.heartbeatLoop(p.heartbeat)
	}
	return p
}

// PostMessage encodes v and writes it as one frame. Encoding errors and
// bodies over protocol.MaxBodyLen surface before anything touches the
// connection, so the port stays usable.
func (p *ConnPort) PostMessage(v any) error {
	select {
	case <-p.done:
		return ErrPortClosed
	default:
	}

	body, err := p.codec.Encode(v)
	if err != nil {
		return err
	}
	if uint64(len(body)) > uint64(protocol.MaxBodyLen) {
		return fmt.Errorf("%w: %d bytes", protocol.ErrFrameTooLarge, len(body))
	}

	p.sending.Lock()
	defer p.sending.Unlock()

	p.seq++
	header := protocol.Header{
		CodecType: byte(p.codec.Type()),
		MsgType:   protocol.MsgTypeMessage,
		Seq:       p.seq,
	}
	if err := protocol.Encode(p.conn, &header, body); err != nil {
		go p.Close()
		return err
	}
	return nil
}

func (p *ConnPort) OnMessage(fn func(v any)) {
	p.box.setHandler(fn)
}

func (p *ConnPort) Start() {
	p.box.start()
}

func (p *ConnPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
		p.box.close()
	})
	return err
}

// Done is closed once the port is closed or the connection broke.
func (p *ConnPort) Done() <-chan struct{} {
	return p.done
}

// Conn returns the underlying connection.
func (p *ConnPort) Conn() net.Conn {
	return p.conn
}

// recvLoop is the only reader of the connection; reads must be sequential to
// parse frame boundaries.
func (p *ConnPort) recvLoop() {
	for {
		header, body, err := protocol.Decode(p.conn)
		if err != nil {
			select {
			case <-p.done:
			default:
				p.logger.Debug("connection closed", zap.Error(err))
			}
			p.Close()
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeHello:
			p.logger.Warn("unexpected hello frame on established port")
			continue
		}

		var v any
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &v); err != nil {
			p.logger.Warn("dropping undecodable frame", zap.Uint32("seq", header.Seq), zap.Error(err))
			continue
		}
		p.box.push(v)
	}
}

// heartbeatLoop keeps idle connections alive. Heartbeat frames have no body.
func (p *ConnPort) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			CodecType: byte(p.codec.Type()),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		p.sending.Lock()
		err := protocol.Encode(p.conn, header, nil)
		p.sending.Unlock()
		if err != nil {
			p.Close()
			return
		}
	}
}
