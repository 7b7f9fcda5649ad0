package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"structured-channel/channel"
	"structured-channel/config"
	"structured-channel/message"
	"structured-channel/middleware"
)

func testConfig(t *testing.T) config.Config {
	cfg, err := config.Parse(`
[node]
service = "demo"
listen = "127.0.0.1:0"
origin = "demo"
heartbeat = "-1s"

[limits]
request_timeout = "1s"
rate_limit = 100
burst = 10
retries = 1
`)
	require.NoError(t, err)
	return cfg
}

func TestServeAndCall(t *testing.T) {
	cfg := testConfig(t)
	logger := zap.NewNop()

	svr, err := newServer(cfg, logger)
	require.NoError(t, err)
	go svr.Serve(context.Background(), "tcp", cfg.Node.Listen, "", nil)
	require.Eventually(t, func() bool { return svr.Addr() != nil }, 5*time.Second, 5*time.Millisecond)
	defer svr.Shutdown(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr := svr.Addr().String()

	got, err := runCall(ctx, cfg, logger, callArgs{addr: addr, typ: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", got)

	got, err = runCall(ctx, cfg, logger, callArgs{addr: addr, typ: "echo", payload: map[string]any{"n": 1.5}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1.5}, got)

	got, err = runCall(ctx, cfg, logger, callArgs{addr: addr, typ: "info", key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "demo", got.(map[string]any)["service"])

	_, err = runCall(ctx, cfg, logger, callArgs{addr: addr, typ: "missing"})
	assert.ErrorIs(t, err, channel.ErrUnhandledRequestType)
}

func TestRunCallNeedsAddrOrEtcd(t *testing.T) {
	_, err := runCall(context.Background(), testConfig(t), zap.NewNop(), callArgs{typ: "ping"})
	assert.Error(t, err)
}

func TestMiddlewaresFromLimits(t *testing.T) {
	assert.Len(t, middlewares(config.LimitsConfig{}, zap.NewNop()), 1)

	cfg := testConfig(t)
	mws := middlewares(cfg.Limits, zap.NewNop())
	assert.Len(t, mws, 4)

	handler := middleware.Chain(mws...)(func(ctx context.Context, req *message.Envelope) (any, error) {
		return req.Payload, nil
	})
	got, err := handler(context.Background(), message.NewRequest(0, "echo", "ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}
