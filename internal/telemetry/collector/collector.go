// Package collector implements the telemetry worker side of the wire
// protocol: a ticker loop that emits one heartbeat per cycle and either a
// metrics or an error envelope, one JSON object per line, flushed per
// write. A fault in a single collection cycle degrades to an error
// message; it never terminates the process.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aegisdesk/aegis/internal/logging"
	"github.com/aegisdesk/aegis/internal/telemetry"
)

// Collector produces one sample batch per reporting cycle.
type Collector interface {
	// Name identifies the collector in logs and error messages.
	Name() string
	// Collect returns the metrics payload and the number of samples in it.
	Collect(ctx context.Context) (payload any, count int, err error)
}

// Runner drives a Collector on a fixed reporting interval and writes
// protocol lines to out.
type Runner struct {
	collector Collector
	interval  time.Duration
	log       *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewRunner creates a runner. out is typically os.Stdout.
func NewRunner(collector Collector, interval time.Duration, out io.Writer) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	return &Runner{
		collector: collector,
		interval:  interval,
		log:       logging.WithComponent("collector"),
		out:       out,
	}
}

// Run loops until ctx is cancelled. Every cycle emits a heartbeat first,
// then either a metrics or an error envelope.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// First cycle immediately so the bridge sees liveness right away.
	r.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

// cycle performs one collection attempt. Collection faults, including
// panics, degrade to an error envelope.
func (r *Runner) cycle(ctx context.Context) {
	now := time.Now()
	r.emit(telemetry.NewHeartbeat(now))

	payload, count, err := r.collect(ctx)
	if err != nil {
		r.emit(telemetry.NewError(fmt.Sprintf("%s: %v", r.collector.Name(), err), time.Now()))
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		r.emit(telemetry.NewError(fmt.Sprintf("%s: encode: %v", r.collector.Name(), err), time.Now()))
		return
	}

	r.emit(telemetry.NewMetrics(raw, count, time.Now()))
}

// collect wraps Collect so a panic surfaces as an error.
func (r *Runner) collect(ctx context.Context) (payload any, count int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("collection panicked: %v", rec)
		}
	}()
	return r.collector.Collect(ctx)
}

// emit writes one protocol line. Each write is flushed to the underlying
// stream immediately; the bridge depends on line-at-a-time delivery.
func (r *Runner) emit(msg *telemetry.Message) {
	line, err := msg.Encode()
	if err != nil {
		r.log.Error("Failed to encode envelope", slog.Any("error", err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.out.Write(append(line, '\n')); err != nil {
		r.log.Error("Failed to write envelope", slog.Any("error", err))
	}
}
