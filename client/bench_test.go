package client

import (
	"context"
	"testing"
	"time"

	"structured-channel/codec"
	"structured-channel/loadbalance"
	"structured-channel/registry"
	"structured-channel/server"
	"structured-channel/transport"
)

func setupServerAndClient(b *testing.B, ct codec.CodecType) *Client {
	opts := transport.Options{Codec: ct, Heartbeat: -1}
	svr := server.NewServer("Arith", server.WithOrigin("svc"), server.WithTransportOptions(opts))
	if err := svr.Register(&Arith{}); err != nil {
		b.Fatal(err)
	}
	reg := registry.NewMemoryRegistry()
	go svr.Serve(context.Background(), "tcp", "127.0.0.1:0", "", reg)
	b.Cleanup(func() { svr.Shutdown(3 * time.Second) })

	deadline := time.Now().Add(5 * time.Second)
	for {
		eps, _ := reg.Discover(context.Background(), "Arith")
		if len(eps) > 0 {
			break
		}
		if time.Now().After(deadline) {
			b.Fatal("server did not register")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cli := NewClient(reg, &loadbalance.RoundRobinBalancer{}, WithTransportOptions(opts))
	b.Cleanup(func() { cli.Close() })
	return cli
}

// Single goroutine, one call at a time
func BenchmarkSerialCall(b *testing.B) {
	cli := setupServerAndClient(b, codec.CodecTypeJSON)

	args := &Args{A: 1, B: 2}
	reply := &Reply{}
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.CallInto(ctx, "Arith", "Arith.Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines sharing one channel, replies matched by id
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupServerAndClient(b, codec.CodecTypeJSON)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := cli.CallInto(ctx, "Arith", "Arith.Add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkConcurrentCallProto(b *testing.B) {
	cli := setupServerAndClient(b, codec.CodecTypeProto)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		for pb.Next() {
			if _, err := cli.Call(ctx, "Arith", "Arith.Add", args); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
