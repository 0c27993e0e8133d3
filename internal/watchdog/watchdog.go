// Package watchdog implements a single supervisory loop that detects the
// absence of heartbeats and forces cancellation of the stalled unit.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegisdesk/aegis/internal/logging"
)

// Config configures watchdog behavior.
type Config struct {
	// Tick is the interval between stall checks.
	Tick time.Duration `yaml:"tick"`
}

// DefaultConfig returns default watchdog settings.
func DefaultConfig() *Config {
	return &Config{
		Tick: 2 * time.Second,
	}
}

// StallError describes a detected stall.
type StallError struct {
	ID      string
	Elapsed time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("worker %s stalled: no heartbeat for %s", e.ID, e.Elapsed.Round(time.Millisecond))
}

// StalledCallback is invoked when a registered id misses its stall
// threshold. It runs outside the watchdog lock.
type StalledCallback func(id string, elapsed time.Duration)

// entry tracks one supervised task or process.
type entry struct {
	threshold time.Duration
	lastBeat  time.Time
	cancel    func()
}

// Watchdog tracks last-heartbeat times for registered ids and cancels
// units whose heartbeat is overdue. One loop supervises everything.
type Watchdog struct {
	config    *Config
	log       *slog.Logger
	onStalled StalledCallback

	mu      sync.Mutex
	entries map[string]*entry
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a watchdog. It does not start ticking until Start.
func New(config *Config) *Watchdog {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Tick <= 0 {
		config.Tick = 2 * time.Second
	}
	return &Watchdog{
		config:  config,
		log:     logging.WithComponent("watchdog"),
		entries: make(map[string]*entry),
	}
}

// SetStalledCallback sets the stall notification callback.
func (w *Watchdog) SetStalledCallback(cb StalledCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onStalled = cb
}

// Register starts supervising an id. cancel is invoked when the id stalls.
// Registering an existing id replaces its threshold and cancel func and
// resets its heartbeat (last write wins).
func (w *Watchdog) Register(id string, stallThreshold time.Duration, cancel func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries[id] = &entry{
		threshold: stallThreshold,
		lastBeat:  time.Now(),
		cancel:    cancel,
	}

	w.log.Debug("Registered",
		slog.String("id", id),
		slog.Duration("stall_threshold", stallThreshold),
	)
}

// Heartbeat records a liveness signal. Unknown ids are ignored.
func (w *Watchdog) Heartbeat(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.entries[id]; ok {
		e.lastBeat = time.Now()
	}
}

// Unregister stops supervising an id. Unknown ids are a no-op.
func (w *Watchdog) Unregister(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, id)
}

// Registered reports whether an id is currently supervised.
func (w *Watchdog) Registered(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[id]
	return ok
}

// Start begins the supervisory loop. Calling Start on a running watchdog
// is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.log.Info("Watchdog started", slog.Duration("tick", w.config.Tick))

	go w.run(ctx)
}

// Stop halts the loop and waits for it to exit. Idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh
	w.log.Info("Watchdog stopped")
}

// run is the supervisory loop.
func (w *Watchdog) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// stalled pairs an overdue id with its cancel func for out-of-lock dispatch.
type stalled struct {
	id      string
	elapsed time.Duration
	cancel  func()
}

// check removes overdue entries and fires their callbacks. The registry
// lock is released before any callback runs so a callback may call back
// into the watchdog without deadlocking.
func (w *Watchdog) check() {
	now := time.Now()

	w.mu.Lock()
	var overdue []stalled
	for id, e := range w.entries {
		elapsed := now.Sub(e.lastBeat)
		if elapsed > e.threshold {
			overdue = append(overdue, stalled{id: id, elapsed: elapsed, cancel: e.cancel})
			delete(w.entries, id)
		}
	}
	cb := w.onStalled
	w.mu.Unlock()

	for _, s := range overdue {
		w.log.Warn("Stall detected",
			slog.String("id", s.id),
			slog.Duration("elapsed", s.elapsed),
		)
		if cb != nil {
			cb(s.id, s.elapsed)
		}
		if s.cancel != nil {
			s.cancel()
		}
	}
}
