package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"structured-channel/channel"
	"structured-channel/client"
	"structured-channel/config"
	"structured-channel/loadbalance"
	"structured-channel/middleware"
	"structured-channel/registry"
	"structured-channel/server"
	"structured-channel/transport"
)

const shutdownTimeout = 10 * time.Second

func newRegistry(cfg config.RegistryConfig, logger *zap.Logger) (registry.Registry, func(), error) {
	if cfg.Kind == "etcd" {
		reg, err := registry.NewEtcdRegistry(cfg.Endpoints, cfg.DialTimeoutDuration(), logger)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { reg.Close() }, nil
	}
	return registry.NewMemoryRegistry(), func() {}, nil
}

func transportOptions(cfg config.NodeConfig, logger *zap.Logger) transport.Options {
	return transport.Options{
		Codec:     cfg.CodecType(),
		Heartbeat: cfg.HeartbeatInterval(),
		Logger:    logger,
	}
}

// middlewares builds the server chain from the limits section, outermost
// first.
func middlewares(cfg config.LimitsConfig, logger *zap.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.Burst))
	}
	if cfg.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(cfg.Retries, cfg.RetryDelayDuration()))
	}
	if d := cfg.RequestTimeoutDuration(); d > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(d))
	}
	return mws
}

// builtinHandlers are served by every structchan node.
func builtinHandlers(node config.NodeConfig) map[string]channel.Handler {
	host, _ := os.Hostname()
	return map[string]channel.Handler{
		"ping": func(ctx context.Context, _ any) (any, error) {
			return "pong", nil
		},
		"echo": func(ctx context.Context, payload any) (any, error) {
			return payload, nil
		},
		"info": func(ctx context.Context, _ any) (any, error) {
			return map[string]any{
				"service": node.Service,
				"version": node.Version,
				"host":    host,
				"time":    time.Now().UTC().Format(time.RFC3339),
			}, nil
		},
	}
}

func newServer(cfg config.Config, logger *zap.Logger) (*server.Server, error) {
	svr := server.NewServer(cfg.Node.Service,
		server.WithLogger(logger),
		server.WithOrigin(cfg.Node.Origin),
		server.WithAllowedOrigin(cfg.Node.AllowOrigin),
		server.WithEndpoint(cfg.Node.Weight, cfg.Node.Version),
		server.WithTTL(cfg.Registry.TTL),
		server.WithTransportOptions(transportOptions(cfg.Node, logger)),
	)
	for _, mw := range middlewares(cfg.Limits, logger) {
		svr.Use(mw)
	}
	for typ, h := range builtinHandlers(cfg.Node) {
		if err := svr.Handle(typ, h); err != nil {
			return nil, err
		}
	}
	return svr, nil
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	reg, closeReg, err := newRegistry(cfg.Registry, logger)
	if err != nil {
		return err
	}
	defer closeReg()

	svr, err := newServer(cfg, logger)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- svr.Serve(ctx, "tcp", cfg.Node.Listen, cfg.Node.Advertise, reg) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	if err := svr.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, server.ErrNotListening) {
		logger.Warn("shutdown", zap.Error(err))
	}
	return <-errc
}

type callArgs struct {
	addr    string // Dial directly, bypassing discovery
	typ     string
	key     string
	payload any
}

func runCall(ctx context.Context, cfg config.Config, logger *zap.Logger, args callArgs) (any, error) {
	var (
		reg      registry.Registry
		closeReg = func() {}
		err      error
	)
	if args.addr != "" {
		mem := registry.NewMemoryRegistry()
		ep := registry.NewEndpoint(args.addr, cfg.Node.Origin, 1, "")
		if err := mem.Register(ctx, cfg.Node.Service, ep, cfg.Registry.TTL); err != nil {
			return nil, err
		}
		reg = mem
	} else {
		if cfg.Registry.Kind != "etcd" {
			return nil, fmt.Errorf("-addr is required without an etcd registry")
		}
		if reg, closeReg, err = newRegistry(cfg.Registry, logger); err != nil {
			return nil, err
		}
	}
	defer closeReg()

	cli := client.NewClient(reg, loadbalance.New(cfg.Node.Balancer),
		client.WithLogger(logger),
		client.WithTransportOptions(transportOptions(cfg.Node, logger)),
		client.WithChannelOptions(channel.WithDebug(cfg.Log.Debug)),
	)
	defer cli.Close()

	if args.key != "" {
		return cli.CallWithKey(ctx, cfg.Node.Service, args.key, args.typ, args.payload)
	}
	return cli.Call(ctx, cfg.Node.Service, args.typ, args.payload)
}
