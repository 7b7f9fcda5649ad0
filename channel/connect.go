package channel

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"structured-channel/message"
	"structured-channel/transport"
)

// Handshake request types sent by the listening side.
const (
	readyType = "ready"
	errorType = "error"

	disallowedOrigin = "Disallowed origin."
)

// rejectLinger bounds how long a refused connection is kept open for the
// peer to acknowledge the error request.
const rejectLinger = 5 * time.Second

type handshakeConfig struct {
	targetOrigin   string
	sourceOrigin   string
	factory        transport.PortFactory
	inbox          transport.Inbox
	expectedOrigin string
	channelOpts    []Option
}

// HandshakeOption configures ConnectTo and WaitForConnection. Options that
// do not apply to a side are ignored by it.
type HandshakeOption func(*handshakeConfig)

// WithTargetOrigin sets the origin the target must have. Defaults to "*".
func WithTargetOrigin(origin string) HandshakeOption {
	return func(cfg *handshakeConfig) { cfg.targetOrigin = origin }
}

// WithSourceOrigin sets the origin presented to the target. Defaults to the
// origin of transport.Self().
func WithSourceOrigin(origin string) HandshakeOption {
	return func(cfg *handshakeConfig) { cfg.sourceOrigin = origin }
}

// WithPortFactory replaces the source of new port pairs.
func WithPortFactory(f transport.PortFactory) HandshakeOption {
	return func(cfg *handshakeConfig) { cfg.factory = f }
}

// WithInbox sets the side channel WaitForConnection listens on. Defaults to
// transport.Self().
func WithInbox(inbox transport.Inbox) HandshakeOption {
	return func(cfg *handshakeConfig) { cfg.inbox = inbox }
}

// ExpectOrigin makes WaitForConnection refuse hellos from any other origin.
// The origin is the one reported by the inbox; a NetRealm reports what the
// remote peer claims.
func ExpectOrigin(origin string) HandshakeOption {
	return func(cfg *handshakeConfig) { cfg.expectedOrigin = origin }
}

// WithChannelOptions passes options to the resulting Channel.
func WithChannelOptions(opts ...Option) HandshakeOption {
	return func(cfg *handshakeConfig) { cfg.channelOpts = append(cfg.channelOpts, opts...) }
}

func newHandshakeConfig(opts []HandshakeOption) handshakeConfig {
	cfg := handshakeConfig{
		targetOrigin: message.AnyOrigin,
		sourceOrigin: transport.Self().Origin(),
		factory:      transport.DefaultPortFactory,
		inbox:        transport.Self(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.targetOrigin == "" {
		cfg.targetOrigin = message.AnyOrigin
	}
	return cfg
}

// handshakeLogger resolves the logger a channel built from opts would use.
func handshakeLogger(opts []Option) *zap.Logger {
	c := &Channel{logger: zap.L(), handlers: make(map[string]Handler)}
	for _, opt := range opts {
		opt(c)
	}
	return c.logger.Named("handshake")
}

// ConnectTo opens a channel to target.
//
// A fresh port pair is created, one end is transferred to target with a
// hello, and the call blocks until the other side sends "ready" (success) or
// "error" (refusal, reported as ErrOriginMismatch). If the port closes before
// either arrives, ErrChannelClosed is returned. When target is a Window whose
// origin differs from the target origin, nothing is sent.
func ConnectTo(ctx context.Context, target transport.Target, opts ...HandshakeOption) (*Channel, error) {
	if isNil(target) {
		return nil, fmt.Errorf("%w: target must be defined", ErrInvalidArgument)
	}
	cfg := newHandshakeConfig(opts)
	if w, ok := target.(transport.Window); ok {
		if cfg.targetOrigin != message.AnyOrigin && cfg.targetOrigin != w.Origin() {
			return nil, fmt.Errorf("%w: want %q, target has %q", ErrOriginMismatch, cfg.targetOrigin, w.Origin())
		}
	}

	local, remote := cfg.factory()
	ch := New(local, append([]Option{WithOrigin(cfg.targetOrigin)}, cfg.channelOpts...)...)

	settled := make(chan error, 1)
	settle := func(err error) {
		select {
		case settled <- err:
		default:
		}
	}
	err := ch.RegisterHandler(readyType, func(ctx context.Context, _ any) (any, error) {
		settle(nil)
		return nil, nil
	})
	if err == nil {
		err = ch.RegisterHandler(errorType, func(ctx context.Context, reason any) (any, error) {
			settle(fmt.Errorf("%w: %w", ErrOriginMismatch, &RemoteError{Value: reason}))
			return nil, nil
		})
	}
	if err != nil {
		_ = ch.Close()
		_ = remote.Close()
		return nil, err
	}

	err = target.PostMessage(transport.SideMessage{
		Data:         message.HelloType,
		Origin:       cfg.sourceOrigin,
		TargetOrigin: cfg.targetOrigin,
		Ports:        []transport.Port{remote},
	})
	if err != nil {
		_ = ch.Close()
		_ = remote.Close()
		return nil, err
	}

	finish := func(err error) (*Channel, error) {
		ch.UnregisterHandler(readyType)
		ch.UnregisterHandler(errorType)
		if err != nil {
			_ = ch.Close()
			return nil, err
		}
		return ch, nil
	}

	select {
	case err := <-settled:
		return finish(err)
	case <-ch.Done():
		// A refusal is settled before the peer closes the port
		select {
		case err := <-settled:
			return finish(err)
		default:
		}
		return nil, fmt.Errorf("%w: port closed during handshake", ErrChannelClosed)
	case <-ctx.Done():
		_ = ch.Close()
		return nil, ctx.Err()
	}
}

// WaitForConnection accepts the next hello arriving on the inbox and returns
// a channel over the transferred port, after telling the peer "ready".
//
// With ExpectOrigin set, a hello from another origin is answered with an
// "error" request and the wait goes on. Other side messages are ignored.
func WaitForConnection(ctx context.Context, opts ...HandshakeOption) (*Channel, error) {
	cfg := newHandshakeConfig(opts)
	if isNil(cfg.inbox) {
		return nil, fmt.Errorf("%w: inbox must be defined", ErrInvalidArgument)
	}
	logger := handshakeLogger(cfg.channelOpts)

	var (
		mu       sync.Mutex
		cancel   func()
		finished bool
	)
	accepted := make(chan *Channel, 1)

	listener := func(msg transport.SideMessage) {
		// Blocks until Subscribe below has returned and cancel is set
		mu.Lock()
		defer mu.Unlock()
		if finished {
			for _, p := range msg.Ports {
				_ = p.Close()
			}
			return
		}
		if msg.Data != message.HelloType || len(msg.Ports) == 0 {
			logger.Debug("ignoring side message", zap.Any("data", msg.Data))
			return
		}
		for _, extra := range msg.Ports[1:] {
			_ = extra.Close()
		}
		ch := New(msg.Ports[0], append([]Option{WithOrigin(msg.Origin)}, cfg.channelOpts...)...)

		if want := cfg.expectedOrigin; want != "" && want != message.AnyOrigin && want != msg.Origin {
			logger.Warn("refusing connection from unexpected origin", zap.String("origin", msg.Origin), zap.String("expected", want))
			go reject(ch, logger)
			return
		}

		finished = true
		cancel()
		if _, err := ch.SendAsync(readyType, nil); err != nil {
			logger.Warn("failed to acknowledge connection", zap.Error(err))
		}
		accepted <- ch
	}

	mu.Lock()
	cancel = cfg.inbox.Subscribe(listener)
	mu.Unlock()

	select {
	case ch := <-accepted:
		return ch, nil
	case <-ctx.Done():
		mu.Lock()
		if !finished {
			finished = true
			cancel()
		}
		mu.Unlock()
		select {
		case ch := <-accepted:
			_ = ch.Close()
		default:
		}
		return nil, ctx.Err()
	}
}

// reject tells the peer its origin is not allowed, then closes the channel.
func reject(ch *Channel, logger *zap.Logger) {
	defer ch.Close()
	call, err := ch.SendAsync(errorType, disallowedOrigin)
	if err != nil {
		logger.Warn("failed to refuse connection", zap.Error(err))
		return
	}
	select {
	case <-call.Done:
	case <-time.After(rejectLinger):
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
