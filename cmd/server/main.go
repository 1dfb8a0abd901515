// Command server runs the crash-game round engine and TCP listener.
//
// Grounded on the original source's main() (argv parsing, usage message,
// socket-family selection) and on the teacher's main.go (signal-driven
// graceful shutdown).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"crashrelay/config"
	"crashrelay/engine"
	"crashrelay/eventlog"
	"crashrelay/ledger"
	"crashrelay/registry"
	"crashrelay/server"
)

func usage(prog string) {
	fmt.Printf("usage: %s <v4|v6> <port>\nexample: %s v4 51511\n", prog, prog)
}

func main() {
	if len(os.Args) < 3 {
		usage(os.Args[0])
		os.Exit(1)
	}

	family := server.Family(os.Args[1])
	if family != server.FamilyV4 && family != server.FamilyV6 {
		usage(os.Args[0])
		os.Exit(1)
	}
	port := os.Args[2]

	cfg := config.Load()
	elog := eventlog.New()
	reg := registry.New(cfg.Capacity)
	led := &ledger.Ledger{}
	eng := engine.New(cfg, reg, led, nil, elog)

	ln, err := server.Listen(family, port, reg, eng, elog, cfg)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	fmt.Printf("bound to %s, waiting connections\n", ln.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go eng.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- ln.Serve(ctx) }()

	select {
	case <-ctx.Done():
		fmt.Println("\nshutting down server...")
		ln.Shutdown()
	case err := <-errCh:
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	}
}
