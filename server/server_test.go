package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"structured-channel/channel"
	"structured-channel/registry"
	"structured-channel/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Divide(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// Not exported as a request type: wrong shape
func (a *Arith) Describe() string { return "arith" }

var testTransport = transport.Options{Heartbeat: -1}

// startServer runs svr on a free port and waits until it is listening.
func startServer(t *testing.T, svr *Server, reg registry.Registry) string {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- svr.Serve(context.Background(), "tcp", "127.0.0.1:0", "", reg) }()
	require.Eventually(t, func() bool { return svr.Addr() != nil }, 5*time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return svr.Addr().String()
}

func dial(t *testing.T, addr, origin string) (*channel.Channel, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return channel.ConnectTo(ctx, transport.DialRealm("tcp", addr, "svc", testTransport),
		channel.WithTargetOrigin("svc"), channel.WithSourceOrigin(origin))
}

func TestServerHandle(t *testing.T) {
	svr := NewServer("Echo", WithOrigin("svc"), WithTransportOptions(testTransport))
	require.NoError(t, svr.Handle("echo", func(ctx context.Context, payload any) (any, error) {
		return payload, nil
	}))
	addr := startServer(t, svr, nil)

	ch, err := dial(t, addr, "client")
	require.NoError(t, err)
	defer ch.Close()

	got, err := ch.Send(context.Background(), "echo", map[string]any{"hello": "world"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"hello": "world"}, got)
}

func TestServerRegisterService(t *testing.T) {
	svr := NewServer("Arith", WithOrigin("svc"), WithTransportOptions(testTransport))
	require.NoError(t, svr.Register(&Arith{}))
	addr := startServer(t, svr, nil)

	ch, err := dial(t, addr, "client")
	require.NoError(t, err)
	defer ch.Close()

	got, err := ch.Send(context.Background(), "Arith.Add", &Args{A: 1, B: 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Result": float64(3)}, got)

	_, err = ch.Send(context.Background(), "Arith.Divide", &Args{A: 1, B: 0})
	var remote *channel.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "divide by zero", remote.Value)

	_, err = ch.Send(context.Background(), "Arith.Describe", nil)
	assert.ErrorIs(t, err, channel.ErrUnhandledRequestType)
}

func TestServerRegistersEndpoint(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer("Echo", WithOrigin("svc"), WithEndpoint(7, "2.0"), WithTransportOptions(testTransport))
	addr := startServer(t, svr, reg)

	require.Eventually(t, func() bool {
		eps, _ := reg.Discover(context.Background(), "Echo")
		return len(eps) == 1
	}, 5*time.Second, 5*time.Millisecond)
	eps, _ := reg.Discover(context.Background(), "Echo")
	assert.Equal(t, addr, eps[0].Addr)
	assert.Equal(t, "svc", eps[0].Origin)
	assert.Equal(t, 7, eps[0].Weight)
	assert.Equal(t, "2.0", eps[0].Version)

	require.NoError(t, svr.Shutdown(time.Second))
	eps, _ = reg.Discover(context.Background(), "Echo")
	assert.Empty(t, eps)
}

func TestServerAllowedOrigin(t *testing.T) {
	svr := NewServer("Echo", WithOrigin("svc"), WithAllowedOrigin("trusted"), WithTransportOptions(testTransport))
	addr := startServer(t, svr, nil)

	_, err := dial(t, addr, "stranger")
	assert.ErrorIs(t, err, channel.ErrOriginMismatch)

	ch, err := dial(t, addr, "trusted")
	require.NoError(t, err)
	ch.Close()
}

func TestServerShutdownWaitsForHandlers(t *testing.T) {
	svr := NewServer("Slow", WithOrigin("svc"), WithTransportOptions(testTransport))
	started := make(chan struct{})
	require.NoError(t, svr.Handle("slow", func(ctx context.Context, _ any) (any, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return "finished", nil
	}))
	addr := startServer(t, svr, nil)

	ch, err := dial(t, addr, "client")
	require.NoError(t, err)
	defer ch.Close()

	call, err := ch.SendAsync("slow", nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, svr.Shutdown(5*time.Second))
	select {
	case c := <-call.Done:
		require.NoError(t, c.Err)
		assert.Equal(t, "finished", c.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}

	// No new connections after shutdown
	_, err = dial(t, addr, "client")
	assert.Error(t, err)
}

func TestServerShutdownTimeout(t *testing.T) {
	svr := NewServer("Stuck", WithOrigin("svc"), WithTransportOptions(testTransport))
	started := make(chan struct{})
	require.NoError(t, svr.Handle("stuck", func(ctx context.Context, _ any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	addr := startServer(t, svr, nil)

	ch, err := dial(t, addr, "client")
	require.NoError(t, err)
	defer ch.Close()

	call, err := ch.SendAsync("stuck", nil)
	require.NoError(t, err)
	<-started

	assert.Error(t, svr.Shutdown(50*time.Millisecond))

	// Closing the server side fails the client's pending call
	select {
	case c := <-call.Done:
		assert.ErrorIs(t, c.Err, channel.ErrChannelClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not failed")
	}
}

func TestServerHandleValidation(t *testing.T) {
	svr := NewServer("Echo")
	echo := func(ctx context.Context, payload any) (any, error) { return payload, nil }

	require.NoError(t, svr.Handle("echo", echo))
	assert.ErrorIs(t, svr.Handle("echo", echo), channel.ErrDuplicateHandler)
	assert.ErrorIs(t, svr.Handle("", echo), channel.ErrInvalidArgument)

	assert.Error(t, svr.Register(Arith{}))
	assert.Error(t, svr.Register(new(int)))
	assert.ErrorIs(t, svr.Shutdown(time.Second), ErrNotListening)
}

func TestServeListenError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	svr := NewServer("Echo")
	err = svr.Serve(context.Background(), "tcp", l.Addr().String(), "", nil)
	assert.Error(t, err)
}
