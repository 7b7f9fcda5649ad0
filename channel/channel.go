// Package channel implements request/reply messaging over a single port.
//
// A Channel is symmetric: both ends may register handlers and send requests.
// Every request carries an id unique to the sender; the peer answers with a
// reply envelope echoing that id, and the sender resolves the matching
// pending call. Replies may arrive in any order.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"structured-channel/message"
	"structured-channel/middleware"
	"structured-channel/transport"
)

// Handler answers one request type. A returned error becomes the error value
// of the reply, a returned value its result.
type Handler func(ctx context.Context, payload any) (any, error)

// Call represents an outstanding request.
type Call struct {
	ID      uint64
	Type    string
	Payload any
	Result  any        // Set when the reply succeeded
	Err     error      // Set when the reply failed or the channel closed
	Done    chan *Call // Receives the call once it is settled
}

func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
	}
}

type Channel struct {
	port   transport.Port
	origin string
	logger *zap.Logger
	debug  bool

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	mu       sync.Mutex
	seq      uint64
	handlers map[string]Handler
	pending  map[uint64]*Call
	closed   bool
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Channel.
type Option func(*Channel)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOrigin records the peer's origin for logging and inspection.
func WithOrigin(origin string) Option {
	return func(c *Channel) {
		c.origin = origin
	}
}

// WithMiddleware wraps every incoming request, the first being outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Channel) {
		c.middlewares = append(c.middlewares, mws...)
	}
}

// WithHandler registers a handler before the port starts delivering, so no
// early request can miss it. A later option for the same type wins.
func WithHandler(typ string, h Handler) Option {
	return func(c *Channel) {
		if strings.TrimSpace(typ) != "" && h != nil {
			c.handlers[typ] = h
		}
	}
}

// WithDebug logs every message the channel receives.
func WithDebug(on bool) Option {
	return func(c *Channel) {
		c.debug = on
	}
}

// New creates a channel over port and starts delivery on it. The channel
// owns the port from now on. If the port can report its own shutdown, the
// channel closes along with it.
func New(port transport.Port, opts ...Option) *Channel {
	c := &Channel{
		port:     port,
		origin:   message.AnyOrigin,
		logger:   zap.L(),
		handlers: make(map[string]Handler),
		pending:  make(map[uint64]*Call),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("channel").With(zap.String("origin", c.origin))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.handler = middleware.Chain(c.middlewares...)(c.invoke)

	port.OnMessage(c.handleMessage)
	port.Start()
	if d, ok := port.(interface{ Done() <-chan struct{} }); ok {
		go c.watch(d.Done())
	}
	return c
}

func (c *Channel) watch(portDone <-chan struct{}) {
	select {
	case <-portDone:
		c.logger.Debug("port closed, closing channel")
		_ = c.Close()
	case <-c.done:
	}
}

// Done is closed once the channel has been closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Origin returns the origin of the peer as known at connection time.
func (c *Channel) Origin() string {
	return c.origin
}

// RegisterHandler installs the handler for requests of type typ.
func (c *Channel) RegisterHandler(typ string, h Handler) error {
	if strings.TrimSpace(typ) == "" || h == nil {
		return fmt.Errorf("%w: handler needs a type and a function", ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[typ]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, typ)
	}
	c.handlers[typ] = h
	return nil
}

// MustRegisterHandler is like RegisterHandler but panics on failure.
func (c *Channel) MustRegisterHandler(typ string, h Handler) {
	if err := c.RegisterHandler(typ, h); err != nil {
		panic(err)
	}
}

// UnregisterHandler removes the handler for typ. Later requests of that type
// are answered with an unhandled-message error.
func (c *Channel) UnregisterHandler(typ string) {
	c.mu.Lock()
	_, ok := c.handlers[typ]
	delete(c.handlers, typ)
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("tried to unregister a handler that was never registered", zap.String("type", typ))
	}
}

// SendAsync posts a request and returns without waiting for the reply. The
// returned call receives the outcome on its Done channel.
func (c *Channel) SendAsync(typ string, payload any) (*Call, error) {
	if strings.TrimSpace(typ) == "" || typ == message.ReplyType {
		return nil, fmt.Errorf("%w: request type %q", ErrInvalidArgument, typ)
	}
	call := &Call{Type: typ, Payload: payload, Done: make(chan *Call, 1)}

	// The pending entry must exist before the request leaves, a reply may
	// arrive before PostMessage returns.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	call.ID = c.seq
	c.seq++
	c.pending[call.ID] = call
	c.mu.Unlock()

	if err := c.port.PostMessage(message.NewRequest(call.ID, typ, payload)); err != nil {
		c.forget(call.ID)
		if errors.Is(err, transport.ErrPortClosed) {
			return nil, fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnserializableRequest, err)
	}
	return call, nil
}

// Send posts a request and waits for the reply. A failed reply is returned
// as a *RemoteError. Cancelling ctx abandons the call; a late reply is then
// ignored.
func (c *Channel) Send(ctx context.Context, typ string, payload any) (any, error) {
	call, err := c.SendAsync(typ, payload)
	if err != nil {
		return nil, err
	}
	select {
	case <-call.Done:
		return call.Result, call.Err
	case <-ctx.Done():
		c.forget(call.ID)
		return nil, ctx.Err()
	}
}

// Pending returns the number of requests still waiting for a reply.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close closes the port and fails every pending call with ErrChannelClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]*Call)
	close(c.done)
	c.mu.Unlock()

	c.cancel()
	err := c.port.Close()
	for _, call := range pending {
		call.Err = ErrChannelClosed
		call.done()
	}
	return err
}

func (c *Channel) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// handleMessage runs on the port's delivery goroutine.
func (c *Channel) handleMessage(v any) {
	env, err := message.Parse(v)
	if err != nil {
		c.logger.Warn("dropping invalid message", zap.Any("data", v), zap.Error(err))
		return
	}
	if c.debug {
		c.logger.Debug("received message", zap.Uint64("id", env.ID), zap.String("type", env.Type))
	}
	if env.IsReply() {
		c.handleReply(env)
		return
	}
	// Each request gets its own goroutine so a slow handler never blocks
	// replies or other requests.
	go c.handleRequest(env)
}

func (c *Channel) handleReply(env *message.Envelope) {
	c.mu.Lock()
	call, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("ignoring reply to unknown request", zap.Uint64("id", env.ID))
		return
	}
	if env.Failed() {
		call.Err = &RemoteError{Value: env.Error}
	} else {
		call.Result = env.Result
	}
	call.done()
}

func (c *Channel) handleRequest(env *message.Envelope) {
	result, err := c.run(env)

	reply := message.NewReply(env.ID, result)
	if err != nil {
		if !errors.Is(err, ErrUnhandledRequestType) {
			c.logger.Warn("handler failed", zap.String("type", env.Type), zap.Uint64("id", env.ID), zap.Error(err))
		}
		reply = message.NewErrorReply(env.ID, errorValue(err))
	}

	err = c.port.PostMessage(reply)
	if err == nil {
		return
	}
	if errors.Is(err, transport.ErrPortClosed) {
		c.logger.Debug("dropping reply on closed port", zap.Uint64("id", env.ID))
		return
	}
	c.logger.Warn("failed to send reply", zap.String("type", env.Type), zap.Uint64("id", env.ID), zap.Error(err))
	if err := c.port.PostMessage(message.NewErrorReply(env.ID, ErrReplyFailed.Error())); err != nil {
		c.logger.Error("failed to send fallback reply", zap.Uint64("id", env.ID), zap.Error(err))
	}
}

// run calls the handler chain, turning a panic into an ordinary failure.
func (c *Channel) run(env *message.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, middleware.PanicError(r)
		}
	}()
	return c.handler(c.ctx, env)
}

// invoke is the innermost handler of the middleware chain.
func (c *Channel) invoke(ctx context.Context, req *message.Envelope) (any, error) {
	c.mu.Lock()
	h, ok := c.handlers[req.Type]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("received a request that has no handler", zap.String("type", req.Type))
		return nil, fmt.Errorf("%w %s", ErrUnhandledRequestType, req.Type)
	}
	return h(ctx, req.Payload)
}
