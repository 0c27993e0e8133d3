// Package breaker implements a failure-counting circuit breaker that
// permanently disables a subsystem after repeated failures within a
// sliding time window. Once open, a breaker stays open until the
// application restarts; there is no half-open probe state.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegisdesk/aegis/internal/logging"
)

// ErrCircuitOpen is returned when starting a subsystem whose breaker has
// opened. The condition is permanent for the process lifetime.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config configures the breaker.
type Config struct {
	// Threshold is the failure count that opens the breaker.
	Threshold int `yaml:"threshold"`
	// Window is the sliding window failures are counted in.
	Window time.Duration `yaml:"window"`
}

// DefaultConfig tolerates transient driver or API errors while still
// stopping infinite restart loops.
func DefaultConfig() *Config {
	return &Config{
		Threshold: 3,
		Window:    60 * time.Second,
	}
}

// OpenCallback fires exactly once per subsystem, when its breaker opens.
type OpenCallback func(subsystem string)

type state struct {
	failures []time.Time
	open     bool
}

// Breaker tracks failures per named subsystem.
type Breaker struct {
	config *Config
	log    *slog.Logger
	onOpen OpenCallback

	mu     sync.Mutex
	states map[string]*state

	// now is swappable for tests.
	now func() time.Time
}

// New creates a breaker.
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Threshold <= 0 {
		config.Threshold = 3
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	return &Breaker{
		config: config,
		log:    logging.WithComponent("breaker"),
		states: make(map[string]*state),
		now:    time.Now,
	}
}

// SetOpenCallback sets the notification fired when a breaker opens.
func (b *Breaker) SetOpenCallback(cb OpenCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onOpen = cb
}

// RecordFailure records a failure for a subsystem. Failures older than the
// window are pruned first; if the remaining count reaches the threshold
// the breaker opens irreversibly.
func (b *Breaker) RecordFailure(subsystem string) {
	b.mu.Lock()

	s := b.states[subsystem]
	if s == nil {
		s = &state{}
		b.states[subsystem] = s
	}
	if s.open {
		b.mu.Unlock()
		return
	}

	now := b.now()
	cutoff := now.Add(-b.config.Window)
	kept := s.failures[:0]
	for _, ts := range s.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.failures = append(kept, now)

	count := len(s.failures)
	opened := count >= b.config.Threshold
	if opened {
		s.open = true
		s.failures = nil
	}
	cb := b.onOpen
	b.mu.Unlock()

	if opened {
		b.log.Error("Circuit breaker opened",
			slog.String("subsystem", subsystem),
			slog.Int("failures", count),
			slog.Duration("window", b.config.Window),
		)
		if cb != nil {
			cb(subsystem)
		}
		return
	}

	b.log.Warn("Failure recorded",
		slog.String("subsystem", subsystem),
		slog.Int("failures", count),
		slog.Int("threshold", b.config.Threshold),
	)
}

// RecordSuccess clears the failure history for a subsystem. It has no
// effect once the breaker is open.
func (b *Breaker) RecordSuccess(subsystem string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.states[subsystem]; ok && !s.open {
		s.failures = nil
	}
}

// IsOpen reports whether a subsystem's breaker is open.
func (b *Breaker) IsOpen(subsystem string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[subsystem]
	return ok && s.open
}

// Allow returns ErrCircuitOpen if the subsystem may not be started.
func (b *Breaker) Allow(subsystem string) error {
	if b.IsOpen(subsystem) {
		return fmt.Errorf("%s: %w", subsystem, ErrCircuitOpen)
	}
	return nil
}

// FailureCount returns the number of in-window failures for a subsystem.
func (b *Breaker) FailureCount(subsystem string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[subsystem]
	if !ok {
		return 0
	}

	cutoff := b.now().Add(-b.config.Window)
	count := 0
	for _, ts := range s.failures {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}
