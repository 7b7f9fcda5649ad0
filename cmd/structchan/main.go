// Command structchan runs a structured-channel server or calls one.
//
//	structchan serve -config structchan.toml
//	structchan call  -config structchan.toml -type echo -payload '{"hello":"world"}'
//	structchan call  -addr 127.0.0.1:9400 -type ping
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"structured-channel/config"
	"structured-channel/logging"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	mode, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to TOML config (defaults when empty)")
	listen := fs.String("listen", "", "listen address, overrides node.listen")
	addr := fs.String("addr", "", "call: dial this address instead of discovering the service")
	typ := fs.String("type", "ping", "call: request type")
	payload := fs.String("payload", "", "call: JSON payload")
	key := fs.String("key", "", "call: affinity key for the consistent_hash balancer")
	timeout := fs.Duration("timeout", 5*time.Second, "call: request timeout")
	debug := fs.Bool("debug", false, "log every channel message")
	_ = fs.Parse(args)

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			fatalf("%v", err)
		}
	}
	if *listen != "" {
		cfg.Node.Listen = *listen
	}
	if *debug {
		cfg.Log.Debug = true
	}

	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		fatalf("logging: %v", err)
	}
	defer logger.Sync()

	switch mode {
	case "serve":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runServe(ctx, cfg, logger); err != nil {
			logger.Error("serve failed", zap.Error(err))
			os.Exit(1)
		}
	case "call":
		var body any
		if *payload != "" {
			if err := json.Unmarshal([]byte(*payload), &body); err != nil {
				fatalf("payload is not JSON: %v", err)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		result, err := runCall(ctx, cfg, logger, callArgs{addr: *addr, typ: *typ, key: *key, payload: body})
		if err != nil {
			fatalf("call %s: %v", *typ, err)
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: structchan serve|call [flags]")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "structchan: "+format+"\n", args...)
	os.Exit(1)
}
