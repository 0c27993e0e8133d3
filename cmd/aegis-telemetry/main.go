// aegis-telemetry is the isolated telemetry worker. It samples host
// statistics on a fixed interval and writes one JSON envelope per line to
// stdout; the daemon's bridge owns the other end of the pipe. Diagnostics
// go to stderr so the wire stays clean.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aegisdesk/aegis/internal/logging"
	"github.com/aegisdesk/aegis/internal/telemetry/collector"
)

const defaultIntervalMs = 1000

func main() {
	intervalMs := defaultIntervalMs
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[len(os.Args)-1])
		if err != nil || n < 1 {
			fmt.Fprintf(os.Stderr, "invalid interval %q\n", os.Args[len(os.Args)-1])
			os.Exit(2)
		}
		intervalMs = n
	}

	if err := logging.Init(&logging.Config{Level: "info", Format: "text", Output: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := collector.NewRunner(
		collector.NewHostCollector(),
		time.Duration(intervalMs)*time.Millisecond,
		os.Stdout,
	)

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "collector failed: %v\n", err)
		os.Exit(1)
	}
}
