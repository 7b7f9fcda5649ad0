package channel

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"structured-channel/message"
	"structured-channel/middleware"
	"structured-channel/protocol"
	"structured-channel/transport"
)

func newPair(t *testing.T, opts ...Option) (*Channel, *Channel) {
	t.Helper()
	p1, p2 := transport.NewMessageChannel()
	a, b := New(p1, opts...), New(p2, opts...)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// rawPeer returns a channel and the bare port on the other side, with every
// value delivered to that port forwarded to the returned chan.
func rawPeer(t *testing.T) (*Channel, *transport.MessagePort, <-chan any) {
	t.Helper()
	p1, p2 := transport.NewMessageChannel()
	ch := New(p1)
	got := make(chan any, 16)
	p2.OnMessage(func(v any) { got <- v })
	p2.Start()
	t.Cleanup(func() { ch.Close() })
	return ch, p2, got
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func echo(ctx context.Context, payload any) (any, error) {
	return payload, nil
}

func TestPingEcho(t *testing.T) {
	a, b := newPair(t)
	require.NoError(t, b.RegisterHandler("ping", echo))

	payload := map[string]any{
		"name":  "x",
		"count": 3,
		"tags":  []any{"a", "b"},
		"inner": map[string]any{"ok": true},
	}
	result, err := a.Send(testCtx(t), "ping", payload)
	require.NoError(t, err)
	assert.Equal(t, payload, result)
}

func TestEchoKeepsValuesExact(t *testing.T) {
	a, b := newPair(t)
	b.MustRegisterHandler("echo", echo)

	payload := map[string]any{
		"int":   42,
		"big":   int64(1<<53 + 1),
		"bytes": []byte{0x00, 0xff, 0x10},
		"raw":   "bad\xffutf8",
	}
	result, err := a.Send(testCtx(t), "echo", payload)
	require.NoError(t, err)
	assert.Equal(t, payload, result)
}

func TestBothSidesHandleRequests(t *testing.T) {
	a, b := newPair(t)
	a.MustRegisterHandler("whoami", func(ctx context.Context, _ any) (any, error) { return "a", nil })
	b.MustRegisterHandler("whoami", func(ctx context.Context, _ any) (any, error) { return "b", nil })

	got, err := a.Send(testCtx(t), "whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, "b", got)

	got, err = b.Send(testCtx(t), "whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestSlowHandler(t *testing.T) {
	a, b := newPair(t)
	b.MustRegisterHandler("later", func(ctx context.Context, _ any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "done", nil
	})

	got, err := a.Send(testCtx(t), "later", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", got)
}

func TestHandlerFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
	}{
		{"returned error", func(ctx context.Context, _ any) (any, error) {
			return nil, errors.New("boom")
		}},
		{"panic with error", func(ctx context.Context, _ any) (any, error) {
			panic(errors.New("boom"))
		}},
		{"panic with string", func(ctx context.Context, _ any) (any, error) {
			panic("boom")
		}},
		{"late error", func(ctx context.Context, _ any) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return nil, errors.New("kaboom")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := newPair(t)
			b.MustRegisterHandler("fail", tt.handler)

			_, err := a.Send(testCtx(t), "fail", nil)
			var remote *RemoteError
			require.ErrorAs(t, err, &remote)
			assert.Regexp(t, "boom", remote.Value)
		})
	}
}

func TestRemoteErrorValueIsForwarded(t *testing.T) {
	a, b := newPair(t)
	b.MustRegisterHandler("fail", func(ctx context.Context, _ any) (any, error) {
		return nil, &RemoteError{Value: map[string]any{"code": 42, "message": "nope"}}
	})

	_, err := a.Send(testCtx(t), "fail", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, map[string]any{"code": 42, "message": "nope"}, remote.Value)
	assert.Equal(t, "nope", err.Error())
}

func TestFalsyHandlerErrorIsStillAFailure(t *testing.T) {
	for _, falsy := range []any{false, 0, "", nil} {
		a, b := newPair(t)
		b.MustRegisterHandler("fail", func(ctx context.Context, _ any) (any, error) {
			return "not a result", &RemoteError{Value: falsy}
		})

		result, err := a.Send(testCtx(t), "fail", nil)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote, "error value %#v", falsy)
		assert.Equal(t, "Unknown error", remote.Value)
		assert.Nil(t, result)
	}
}

func TestUnhandledType(t *testing.T) {
	a, _ := newPair(t)

	_, err := a.Send(testCtx(t), "nope", nil)
	require.ErrorIs(t, err, ErrUnhandledRequestType)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Unhandled message nope", remote.Value)
}

func TestDuplicateRegistration(t *testing.T) {
	a, _ := newPair(t)
	require.NoError(t, a.RegisterHandler("ping", echo))

	err := a.RegisterHandler("ping", echo)
	assert.ErrorIs(t, err, ErrDuplicateHandler)
	assert.Panics(t, func() { a.MustRegisterHandler("ping", echo) })

	assert.ErrorIs(t, a.RegisterHandler("", echo), ErrInvalidArgument)
	assert.ErrorIs(t, a.RegisterHandler("nil", nil), ErrInvalidArgument)
}

func TestUnregisterHandler(t *testing.T) {
	a, b := newPair(t)
	b.MustRegisterHandler("ping", echo)

	_, err := a.Send(testCtx(t), "ping", "x")
	require.NoError(t, err)

	b.UnregisterHandler("ping")
	_, err = a.Send(testCtx(t), "ping", "x")
	assert.ErrorIs(t, err, ErrUnhandledRequestType)

	// Unknown types only warn
	assert.NotPanics(t, func() { b.UnregisterHandler("never") })

	// The type can be registered again
	require.NoError(t, b.RegisterHandler("ping", echo))
}

func TestOutOfOrderReplies(t *testing.T) {
	a, b := newPair(t)
	b.MustRegisterHandler("wait", func(ctx context.Context, payload any) (any, error) {
		ms := payload.(int)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return ms, nil
	})

	slow, err := a.SendAsync("wait", 150)
	require.NoError(t, err)
	fast, err := a.SendAsync("wait", 0)
	require.NoError(t, err)
	assert.NotEqual(t, slow.ID, fast.ID)

	select {
	case c := <-fast.Done:
		assert.Equal(t, 0, c.Result)
	case <-slow.Done:
		t.Fatal("slow call settled first")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	select {
	case c := <-slow.Done:
		assert.Equal(t, 150, c.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	assert.Zero(t, a.Pending())
}

func TestRequestIDsIncrease(t *testing.T) {
	ch, _, got := rawPeer(t)

	for i := 0; i < 3; i++ {
		_, err := ch.SendAsync("ping", nil)
		require.NoError(t, err)
	}
	for want := uint64(0); want < 3; want++ {
		env, err := message.Parse(<-got)
		require.NoError(t, err)
		assert.Equal(t, want, env.ID)
		assert.Equal(t, "ping", env.Type)
	}
}

func TestInvalidRequestType(t *testing.T) {
	a, _ := newPair(t)

	_, err := a.Send(testCtx(t), "", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = a.SendAsync(message.ReplyType, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUncloneablePayload(t *testing.T) {
	a, b := newPair(t)
	b.MustRegisterHandler("ping", echo)

	_, err := a.Send(testCtx(t), "ping", make(chan int))
	assert.ErrorIs(t, err, ErrUnserializableRequest)
	assert.Zero(t, a.Pending())

	// The channel keeps working
	got, err := a.Send(testCtx(t), "ping", "still here")
	require.NoError(t, err)
	assert.Equal(t, "still here", got)
}

func TestUncloneableResultSendsReplyFailed(t *testing.T) {
	a, b := newPair(t)
	b.MustRegisterHandler("bad", func(ctx context.Context, _ any) (any, error) {
		return func() {}, nil
	})

	_, err := a.Send(testCtx(t), "bad", nil)
	assert.ErrorIs(t, err, ErrReplyFailed)
}

func TestOversizedMessageOverConnection(t *testing.T) {
	c1, c2 := net.Pipe()
	opts := transport.Options{Heartbeat: -1}
	a := New(transport.NewConnPort(c1, opts))
	b := New(transport.NewConnPort(c2, opts))
	defer a.Close()
	defer b.Close()

	huge := strings.Repeat("x", int(protocol.MaxBodyLen))
	release := make(chan struct{})
	b.MustRegisterHandler("slow", func(ctx context.Context, _ any) (any, error) {
		<-release
		return "slow done", nil
	})
	b.MustRegisterHandler("huge", func(ctx context.Context, _ any) (any, error) {
		return huge, nil
	})

	slow, err := a.SendAsync("slow", nil)
	require.NoError(t, err)

	_, err = a.Send(testCtx(t), "ping", huge)
	require.ErrorIs(t, err, ErrUnserializableRequest)
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)

	_, err = a.Send(testCtx(t), "huge", nil)
	assert.ErrorIs(t, err, ErrReplyFailed)

	close(release)
	select {
	case c := <-slow.Done:
		require.NoError(t, c.Err)
		assert.Equal(t, "slow done", c.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("unrelated call did not complete")
	}
}

func TestMalformedEnvelopesAreDropped(t *testing.T) {
	ch, port, got := rawPeer(t)
	ch.MustRegisterHandler("ping", echo)

	require.NoError(t, port.PostMessage(map[string]any{"type": "ping", "payload": "no id"}))
	require.NoError(t, port.PostMessage(map[string]any{"id": 1, "payload": "no type"}))
	require.NoError(t, port.PostMessage(map[string]any{"id": -1, "type": "ping"}))
	require.NoError(t, port.PostMessage("garbage"))
	require.NoError(t, port.PostMessage(message.NewRequest(7, "ping", "valid")))

	select {
	case v := <-got:
		env, err := message.Parse(v)
		require.NoError(t, err)
		assert.True(t, env.IsReply())
		assert.Equal(t, uint64(7), env.ID)
		assert.Equal(t, "valid", env.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
	select {
	case v := <-got:
		t.Fatalf("unexpected message %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFalsyErrorIsSuccess(t *testing.T) {
	for _, falsy := range []any{false, float64(0), ""} {
		ch, port, got := rawPeer(t)
		call, err := ch.SendAsync("q", nil)
		require.NoError(t, err)
		<-got

		require.NoError(t, port.PostMessage(map[string]any{
			"id": call.ID, "type": message.ReplyType, "result": "r", "error": falsy,
		}))
		select {
		case c := <-call.Done:
			assert.NoError(t, c.Err)
			assert.Equal(t, "r", c.Result)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestUnknownReplyIsIgnored(t *testing.T) {
	ch, port, got := rawPeer(t)
	call, err := ch.SendAsync("q", nil)
	require.NoError(t, err)
	<-got

	require.NoError(t, port.PostMessage(message.NewReply(call.ID+100, "stray")))
	require.NoError(t, port.PostMessage(message.NewReply(call.ID, "mine")))
	c := <-call.Done
	assert.Equal(t, "mine", c.Result)
}

func TestSendContextCancel(t *testing.T) {
	a, b := newPair(t)
	release := make(chan struct{})
	b.MustRegisterHandler("block", func(ctx context.Context, _ any) (any, error) {
		<-release
		return "late", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Send(ctx, "block", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, a.Pending())

	// The late reply is dropped without disturbing later calls
	close(release)
	b.MustRegisterHandler("ping", echo)
	got, err := a.Send(testCtx(t), "ping", "after")
	require.NoError(t, err)
	assert.Equal(t, "after", got)
}

func TestClose(t *testing.T) {
	a, b := newPair(t)
	handlerCtx := make(chan context.Context, 1)
	b.MustRegisterHandler("block", func(ctx context.Context, _ any) (any, error) {
		handlerCtx <- ctx
		<-ctx.Done()
		return nil, ctx.Err()
	})

	call, err := a.SendAsync("block", nil)
	require.NoError(t, err)
	hctx := <-handlerCtx

	require.NoError(t, a.Close())
	select {
	case c := <-call.Done:
		assert.ErrorIs(t, c.Err, ErrChannelClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not failed")
	}

	_, err = a.SendAsync("block", nil)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.NoError(t, a.Close())

	// Closing one end closes the pair; the other side fails to send
	_, err = b.SendAsync("ping", nil)
	assert.ErrorIs(t, err, ErrChannelClosed)

	require.NoError(t, b.Close())
	select {
	case <-hctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handler context not cancelled")
	}
}

func TestMiddleware(t *testing.T) {
	var seen atomic.Int32
	count := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (any, error) {
			seen.Add(1)
			return next(ctx, req)
		}
	}
	p1, p2 := transport.NewMessageChannel()
	a := New(p1)
	b := New(p2, WithMiddleware(count, middleware.RateLimitMiddleware(0.001, 1)), WithDebug(true))
	defer a.Close()
	defer b.Close()
	b.MustRegisterHandler("ping", echo)

	_, err := a.Send(testCtx(t), "ping", nil)
	require.NoError(t, err)
	_, err = a.Send(testCtx(t), "ping", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, middleware.ErrRateLimited.Error(), remote.Value)
	assert.Equal(t, int32(2), seen.Load())
}

func TestWithHandlerIsInstalledBeforeDelivery(t *testing.T) {
	p1, p2 := transport.NewMessageChannel()
	a := New(p1)
	defer a.Close()

	// The request is queued before the other side exists
	call, err := a.SendAsync("early", "x")
	require.NoError(t, err)

	b := New(p2, WithHandler("early", echo))
	defer b.Close()

	select {
	case c := <-call.Done:
		require.NoError(t, c.Err)
		assert.Equal(t, "x", c.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	assert.ErrorIs(t, b.RegisterHandler("early", echo), ErrDuplicateHandler)
}

func TestChannelClosesWithPort(t *testing.T) {
	p1, p2 := transport.NewMessageChannel()
	a := New(p1)
	require.NoError(t, p2.Close())

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("channel still open after its port closed")
	}
	_, err := a.SendAsync("ping", nil)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func BenchmarkSend(b *testing.B) {
	p1, p2 := transport.NewMessageChannel()
	a, c := New(p1), New(p2, WithHandler("ping", echo))
	defer a.Close()
	defer c.Close()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := a.Send(ctx, "ping", "x"); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
