// Package client calls services published in a registry.
//
//	Call → registry.Discover → Balancer.Pick → cached channel for the address
//	  (or DialRealm + ConnectTo) → Channel.Send
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"structured-channel/channel"
	"structured-channel/loadbalance"
	"structured-channel/message"
	"structured-channel/registry"
	"structured-channel/transport"
)

var ErrClientClosed = errors.New("client is closed")

type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	network  string
	origin   string
	opts     transport.Options
	chOpts   []channel.Option
	logger   *zap.Logger

	mu       sync.Mutex
	channels map[string]*channel.Channel // One channel per endpoint address
	closed   bool
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOrigin sets the origin presented to servers.
func WithOrigin(origin string) Option {
	return func(c *Client) { c.origin = origin }
}

func WithNetwork(network string) Option {
	return func(c *Client) { c.network = network }
}

func WithTransportOptions(opts transport.Options) Option {
	return func(c *Client) { c.opts = opts }
}

// WithChannelOptions is applied to every channel the client opens.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(c *Client) { c.chOpts = append(c.chOpts, opts...) }
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	c := &Client{
		registry: reg,
		balancer: bal,
		network:  "tcp",
		origin:   transport.Self().Origin(),
		logger:   zap.L(),
		channels: make(map[string]*channel.Channel),
	}
	if c.balancer == nil {
		c.balancer = &loadbalance.RoundRobinBalancer{}
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("client")
	if c.opts.Logger == nil {
		c.opts.Logger = c.logger
	}
	return c
}

// Call sends a typ request to one endpoint of service and waits for the
// reply.
func (c *Client) Call(ctx context.Context, service, typ string, payload any) (any, error) {
	ep, err := c.pick(ctx, service, "")
	if err != nil {
		return nil, err
	}
	return c.send(ctx, ep, typ, payload)
}

// CallWithKey routes by key when the balancer supports affinity, so
// requests sharing a key reach the same endpoint.
func (c *Client) CallWithKey(ctx context.Context, service, key, typ string, payload any) (any, error) {
	ep, err := c.pick(ctx, service, key)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, ep, typ, payload)
}

// CallInto is Call with the result decoded into reply, which must be a
// pointer.
func (c *Client) CallInto(ctx context.Context, service, typ string, args, reply any) error {
	result, err := c.Call(ctx, service, typ, args)
	if err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, reply)
}

func (c *Client) pick(ctx context.Context, service, key string) (*registry.Endpoint, error) {
	endpoints, err := c.registry.Discover(ctx, service)
	if err != nil {
		return nil, err
	}
	if kb, ok := c.balancer.(loadbalance.KeyBalancer); ok && key != "" {
		return kb.PickByKey(endpoints, key)
	}
	return c.balancer.Pick(endpoints)
}

func (c *Client) send(ctx context.Context, ep *registry.Endpoint, typ string, payload any) (any, error) {
	ch, err := c.getChannel(ctx, ep)
	if err != nil {
		return nil, err
	}
	return ch.Send(ctx, typ, payload)
}

// getChannel returns the cached channel for ep or opens a new one. Closed
// channels drop out of the cache on their own.
func (c *Client) getChannel(ctx context.Context, ep *registry.Endpoint) (*channel.Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if ch, ok := c.channels[ep.Addr]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	origin := ep.Origin
	if origin == "" {
		origin = message.AnyOrigin
	}
	ch, err := channel.ConnectTo(ctx, transport.DialRealm(c.network, ep.Addr, origin, c.opts),
		channel.WithTargetOrigin(origin),
		channel.WithSourceOrigin(c.origin),
		channel.WithChannelOptions(append([]channel.Option{channel.WithLogger(c.logger)}, c.chOpts...)...),
	)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ch.Close()
		return nil, ErrClientClosed
	}
	// Another caller may have connected meanwhile; keep the first one
	if existing, ok := c.channels[ep.Addr]; ok {
		c.mu.Unlock()
		ch.Close()
		return existing, nil
	}
	c.channels[ep.Addr] = ch
	c.mu.Unlock()
	c.logger.Debug("connected", zap.String("addr", ep.Addr), zap.String("origin", origin))

	go func() {
		<-ch.Done()
		c.mu.Lock()
		if c.channels[ep.Addr] == ch {
			delete(c.channels, ep.Addr)
		}
		c.mu.Unlock()
	}()
	return ch, nil
}

// Close closes every cached channel. Later calls fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.channels
	c.channels = make(map[string]*channel.Channel)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	return nil
}
