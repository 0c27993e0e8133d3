package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/aegisdesk/aegis/internal/breaker"
	"github.com/aegisdesk/aegis/internal/logging"
	"github.com/aegisdesk/aegis/internal/watchdog"
)

// Status is the bridge lifecycle state.
type Status string

const (
	StatusStopped     Status = "stopped"
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusDegraded    Status = "degraded"
	StatusBreakerOpen Status = "breaker-open"
)

// Config configures a telemetry bridge.
type Config struct {
	// Subsystem names this bridge for the watchdog and circuit breaker.
	Subsystem string `yaml:"subsystem"`
	// Command is the worker binary; the reporting interval in milliseconds
	// is appended as the final positional argument.
	Command string `yaml:"command"`
	// Args are extra arguments placed before the interval.
	Args []string `yaml:"args"`
	// IntervalMS is the default reporting interval.
	IntervalMS int `yaml:"interval_ms"`
	// StallMultiplier derives the watchdog threshold from the interval.
	StallMultiplier int `yaml:"stall_multiplier"`
	// RestartBackoff is the fixed wait before the single restart attempt
	// after an unexpected exit.
	RestartBackoff time.Duration `yaml:"restart_backoff"`
}

// DefaultConfig returns default bridge settings for a subsystem.
func DefaultConfig(subsystem string) *Config {
	return &Config{
		Subsystem:       subsystem,
		Command:         "aegis-telemetry",
		IntervalMS:      1000,
		StallMultiplier: 6,
		RestartBackoff:  time.Second,
	}
}

// MetricsCallback receives each metrics envelope in emission order.
type MetricsCallback func(payload json.RawMessage, count int, ts time.Time)

// ErrorCallback receives worker error reports and protocol violations.
// Neither stops the bridge.
type ErrorCallback func(msg string, ts time.Time)

// Bridge owns one telemetry worker process: spawn, read, restart,
// terminate. It feeds the watchdog with heartbeats and the circuit
// breaker with failures.
type Bridge struct {
	config *Config
	log    *slog.Logger
	dog    *watchdog.Watchdog
	brk    *breaker.Breaker

	onMetrics MetricsCallback
	onError   ErrorCallback

	mu           sync.Mutex
	status       Status
	stopping     bool
	generation   int
	lastInterval int
	cmd          *exec.Cmd
	readerDone   chan struct{}
	restartTimer *time.Timer
}

// NewBridge creates a bridge wired to the given watchdog and breaker.
func NewBridge(config *Config, dog *watchdog.Watchdog, brk *breaker.Breaker) *Bridge {
	if config == nil {
		config = DefaultConfig("telemetry")
	}
	if config.StallMultiplier <= 0 {
		config.StallMultiplier = 6
	}
	if config.RestartBackoff <= 0 {
		config.RestartBackoff = time.Second
	}
	return &Bridge{
		config: config,
		log:    logging.WithSubsystem(config.Subsystem),
		dog:    dog,
		brk:    brk,
		status: StatusStopped,
	}
}

// SetMetricsCallback sets the metrics forwarding callback.
func (b *Bridge) SetMetricsCallback(cb MetricsCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMetrics = cb
}

// SetErrorCallback sets the error forwarding callback.
func (b *Bridge) SetErrorCallback(cb ErrorCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = cb
}

// Status returns the current bridge status.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Start spawns the worker process with the given reporting interval and
// registers it with the watchdog. It fails fast with ErrCircuitOpen when
// the subsystem's breaker has opened, and errors if already running.
func (b *Bridge) Start(intervalMs int) error {
	if intervalMs <= 0 {
		intervalMs = b.config.IntervalMS
	}
	if intervalMs <= 0 {
		intervalMs = 1000
	}

	if err := b.brk.Allow(b.config.Subsystem); err != nil {
		b.mu.Lock()
		b.status = StatusBreakerOpen
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	if b.status == StatusStarting || b.status == StatusRunning {
		b.mu.Unlock()
		return fmt.Errorf("bridge %s already running", b.config.Subsystem)
	}
	b.status = StatusStarting
	b.stopping = false
	b.generation++
	gen := b.generation
	b.lastInterval = intervalMs

	args := append(append([]string{}, b.config.Args...), strconv.Itoa(intervalMs))
	cmd := exec.Command(b.config.Command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.status = StatusStopped
		b.mu.Unlock()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		b.status = StatusStopped
		b.mu.Unlock()
		b.brk.RecordFailure(b.config.Subsystem)
		return fmt.Errorf("failed to start telemetry worker: %w", err)
	}

	b.cmd = cmd
	b.readerDone = make(chan struct{})
	readerDone := b.readerDone
	b.status = StatusRunning
	b.mu.Unlock()

	threshold := time.Duration(intervalMs*b.config.StallMultiplier) * time.Millisecond
	b.dog.Register(b.config.Subsystem, threshold, func() { b.onStall(gen) })

	go b.readLoop(cmd, stdout, gen, readerDone)

	b.log.Info("Telemetry worker started",
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("interval_ms", intervalMs),
		slog.Duration("stall_threshold", threshold),
	)

	return nil
}

// Stop terminates the worker if running, unregisters it from the watchdog,
// and transitions to stopped. It is idempotent and safe to call on a
// bridge that was never started. Once the breaker has opened, the bridge
// stays in breaker-open until the application restarts.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.status == StatusStopped || b.status == StatusBreakerOpen {
		b.mu.Unlock()
		return
	}
	b.stopping = true
	b.status = StatusStopped
	if b.restartTimer != nil {
		b.restartTimer.Stop()
		b.restartTimer = nil
	}
	cmd := b.cmd
	readerDone := b.readerDone
	b.mu.Unlock()

	b.dog.Unregister(b.config.Subsystem)

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if readerDone != nil {
		select {
		case <-readerDone:
		case <-time.After(5 * time.Second):
			b.log.Warn("Timed out waiting for reader to exit")
		}
	}

	b.log.Info("Telemetry worker stopped")
}

// readLoop consumes the worker's stdout line by line until the process
// exits, then resolves the exit.
func (b *Bridge) readLoop(cmd *exec.Cmd, stdout io.Reader, gen int, done chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		b.handleLine(scanner.Bytes())
	}

	waitErr := cmd.Wait()
	close(done)
	b.handleExit(gen, waitErr)
}

// handleLine parses one protocol line and dispatches it. Messages are
// handled in emission order; malformed lines are surfaced as error events
// and skipped.
func (b *Bridge) handleLine(line []byte) {
	msg, err := ParseMessage(line)
	if err != nil {
		b.log.Warn("Protocol violation",
			slog.String("line", string(line)),
			slog.Any("error", err),
		)
		b.forwardError(fmt.Sprintf("protocol violation: %v", err), time.Now())
		return
	}

	switch msg.Type {
	case MessageHeartbeat:
		b.dog.Heartbeat(b.config.Subsystem)

	case MessageMetrics:
		b.mu.Lock()
		cb := b.onMetrics
		b.mu.Unlock()
		if cb != nil {
			cb(msg.Payload, msg.Count, msg.Time())
		}

	case MessageError:
		b.log.Warn("Worker reported collection error", slog.String("msg", msg.Msg))
		b.forwardError(msg.Msg, msg.Time())
	}
}

func (b *Bridge) forwardError(msg string, ts time.Time) {
	b.mu.Lock()
	cb := b.onError
	b.mu.Unlock()
	if cb != nil {
		cb(msg, ts)
	}
}

// onStall is the watchdog's forced-cancel path: kill the process and let
// handleExit run the failure bookkeeping.
func (b *Bridge) onStall(gen int) {
	b.mu.Lock()
	if gen != b.generation || b.stopping {
		b.mu.Unlock()
		return
	}
	cmd := b.cmd
	b.mu.Unlock()

	b.log.Warn("Watchdog stall, killing telemetry worker")
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// handleExit records the failure and schedules the single restart attempt,
// unless the exit was requested or the breaker has opened.
func (b *Bridge) handleExit(gen int, waitErr error) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	if b.stopping {
		b.status = StatusStopped
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.log.Warn("Telemetry worker exited unexpectedly", slog.Any("error", waitErr))

	b.dog.Unregister(b.config.Subsystem)
	b.brk.RecordFailure(b.config.Subsystem)

	if b.brk.IsOpen(b.config.Subsystem) {
		b.mu.Lock()
		b.status = StatusBreakerOpen
		b.mu.Unlock()
		b.log.Error("Circuit breaker open, telemetry suspended until application restart")
		return
	}

	b.mu.Lock()
	b.status = StatusDegraded
	interval := b.lastInterval
	b.restartTimer = time.AfterFunc(b.config.RestartBackoff, func() {
		if err := b.Start(interval); err != nil {
			b.log.Error("Restart attempt failed", slog.Any("error", err))
		}
	})
	b.mu.Unlock()

	b.log.Info("Restart scheduled",
		slog.Duration("backoff", b.config.RestartBackoff),
		slog.Int("interval_ms", interval),
	)
}
