// Command yieldpassd runs the yield-pass market engine daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nodepass-labs/yieldpass/internal/app/runtime"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := runtime.NewApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "yieldpassd: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "yieldpassd: %v\n", err)
		_ = app.Shutdown(context.Background())
		os.Exit(1)
	}

	if err := app.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "yieldpassd: shutdown: %v\n", err)
		os.Exit(1)
	}
}
