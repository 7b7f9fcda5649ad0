// Package server accepts channels from remote clients and answers their
// requests with registered handlers.
//
// Request processing pipeline:
//
//	NetRealm accepts conn → hello → WaitForConnection → Channel
//	  → for each request: go handleRequest (inside the channel)
//	    → track → middleware chain → handler → reply
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"structured-channel/channel"
	"structured-channel/message"
	"structured-channel/middleware"
	"structured-channel/registry"
	"structured-channel/transport"
)

var (
	ErrServerClosed  = errors.New("server is shutting down")
	ErrNotListening  = errors.New("server is not listening")
	ErrAlreadyServed = errors.New("server is already serving")
)

// DefaultTTL is the registry lease in seconds; the registry keeps it alive
// while the server runs.
const DefaultTTL = 10

// stopTimeout bounds the implicit shutdown when Serve's context ends.
const stopTimeout = 5 * time.Second

// Server owns a NetRealm and a channel per accepted client.
type Server struct {
	service     string
	origin      string
	allowOrigin string
	weight      int
	version     string
	ttl         int64
	opts        transport.Options
	logger      *zap.Logger

	mu          sync.Mutex
	handlers    map[string]channel.Handler
	middlewares []middleware.Middleware
	realm       *transport.NetRealm
	channels    map[*channel.Channel]struct{}
	registry    registry.Registry
	endpoint    registry.Endpoint
	cancel      context.CancelFunc

	// inflight guards wg.Add against a concurrent Wait in Shutdown
	inflight sync.RWMutex
	closing  bool
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOrigin sets the origin of the server's realm. Clients must target it
// or "*".
func WithOrigin(origin string) Option {
	return func(s *Server) { s.origin = origin }
}

// WithAllowedOrigin refuses clients presenting any other origin.
//
// Over TCP the origin is whatever the client writes in its hello frame, so
// this filters well-behaved clients only. It is not authentication.
func WithAllowedOrigin(origin string) Option {
	return func(s *Server) { s.allowOrigin = origin }
}

// WithEndpoint sets the weight and version published to the registry.
func WithEndpoint(weight int, version string) Option {
	return func(s *Server) {
		s.weight = weight
		s.version = version
	}
}

// WithTTL sets the registry lease in seconds.
func WithTTL(ttl int64) Option {
	return func(s *Server) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithTransportOptions(opts transport.Options) Option {
	return func(s *Server) { s.opts = opts }
}

// NewServer creates a server for the named service.
func NewServer(service string, opts ...Option) *Server {
	s := &Server{
		service:  service,
		origin:   message.AnyOrigin,
		weight:   1,
		ttl:      DefaultTTL,
		logger:   zap.L(),
		handlers: make(map[string]channel.Handler),
		channels: make(map[*channel.Channel]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("server").With(zap.String("service", service))
	if s.opts.Logger == nil {
		s.opts.Logger = s.logger
	}
	return s
}

// Handle installs h for request type typ on every channel accepted from now
// on.
func (s *Server) Handle(typ string, h channel.Handler) error {
	if typ == "" || h == nil {
		return fmt.Errorf("%w: handler needs a type and a function", channel.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[typ]; ok {
		return fmt.Errorf("%w: %s", channel.ErrDuplicateHandler, typ)
	}
	s.handlers[typ] = h
	return nil
}

// Register exposes the suitable methods of rcvr (e.g. &Arith{}) as request
// types "Arith.Add", "Arith.Multiply" and so on.
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	for typ, h := range svc.handlers() {
		if err := s.Handle(typ, h); err != nil {
			return err
		}
	}
	return nil
}

// Use appends a middleware. Middlewares run in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.realm == nil {
		return nil
	}
	return s.realm.Addr()
}

// Serve listens on address, publishes advertise (or the bound address when
// empty) to reg unless reg is nil, and accepts channels until ctx is done or
// Shutdown is called. It returns nil after a shutdown.
func (s *Server) Serve(ctx context.Context, network, address, advertise string, reg registry.Registry) error {
	realm, err := transport.ListenRealm(network, address, s.origin, s.opts)
	if err != nil {
		return err
	}
	if advertise == "" {
		advertise = realm.Addr().String()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.realm != nil {
		s.mu.Unlock()
		realm.Close()
		return ErrAlreadyServed
	}
	s.realm = realm
	s.cancel = cancel
	s.mu.Unlock()

	if reg != nil {
		ep := registry.NewEndpoint(advertise, s.origin, s.weight, s.version)
		if err := reg.Register(ctx, s.service, ep, s.ttl); err != nil {
			realm.Close()
			return fmt.Errorf("register %s: %w", s.service, err)
		}
		s.mu.Lock()
		s.registry, s.endpoint = reg, ep
		s.mu.Unlock()
	}
	s.logger.Info("serving", zap.String("addr", realm.Addr().String()), zap.String("advertise", advertise))

	for {
		ch, err := channel.WaitForConnection(ctx, s.acceptOptions()...)
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			if serr := s.Shutdown(stopTimeout); serr != nil {
				s.logger.Warn("shutdown after serve ended", zap.Error(serr))
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.track(ch)
	}
}

func (s *Server) acceptOptions() []channel.HandshakeOption {
	s.mu.Lock()
	defer s.mu.Unlock()

	chOpts := []channel.Option{
		channel.WithLogger(s.logger),
		channel.WithMiddleware(s.inflightMiddleware),
		channel.WithMiddleware(s.middlewares...),
	}
	for typ, h := range s.handlers {
		chOpts = append(chOpts, channel.WithHandler(typ, h))
	}
	return []channel.HandshakeOption{
		channel.WithInbox(s.realm),
		channel.ExpectOrigin(s.allowOrigin),
		channel.WithChannelOptions(chOpts...),
	}
}

// track remembers ch until it closes so Shutdown can close it.
func (s *Server) track(ch *channel.Channel) {
	s.mu.Lock()
	s.channels[ch] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("client connected", zap.String("origin", ch.Origin()))

	go func() {
		<-ch.Done()
		s.mu.Lock()
		delete(s.channels, ch)
		s.mu.Unlock()
	}()
}

// inflightMiddleware counts running handlers for graceful shutdown and
// rejects new requests once shutdown has begun.
func (s *Server) inflightMiddleware(next middleware.HandlerFunc) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Envelope) (any, error) {
		s.inflight.RLock()
		if s.closing {
			s.inflight.RUnlock()
			return nil, ErrServerClosed
		}
		s.wg.Add(1)
		s.inflight.RUnlock()
		defer s.wg.Done()
		return next(ctx, req)
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister (clients stop picking this server)
//  2. Stop accepting and close the realm
//  3. Wait for in-flight handlers (with timeout)
//  4. Close every channel
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	realm, reg, ep, cancel := s.realm, s.registry, s.endpoint, s.cancel
	s.mu.Unlock()
	if realm == nil {
		return ErrNotListening
	}
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	if reg != nil {
		ctx, done := context.WithTimeout(context.Background(), timeout)
		if err := reg.Deregister(ctx, s.service, ep.Addr); err != nil {
			s.logger.Warn("deregister failed", zap.Error(err))
		}
		done()
	}

	cancel()
	if err := realm.Close(); err != nil {
		s.logger.Debug("realm close", zap.Error(err))
	}

	s.inflight.Lock()
	s.closing = true
	s.inflight.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	s.mu.Lock()
	channels := make([]*channel.Channel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()
	for _, ch := range channels {
		ch.Close()
	}
	s.logger.Info("shut down")
	return err
}
