// Package app wires the daemon together: history store, breaker, watchdog,
// executor pool, telemetry bridges, gateway, scheduler, and the startup
// plan.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegisdesk/aegis/internal/breaker"
	"github.com/aegisdesk/aegis/internal/config"
	"github.com/aegisdesk/aegis/internal/executor"
	"github.com/aegisdesk/aegis/internal/gateway"
	"github.com/aegisdesk/aegis/internal/history"
	"github.com/aegisdesk/aegis/internal/logging"
	"github.com/aegisdesk/aegis/internal/schedule"
	"github.com/aegisdesk/aegis/internal/startup"
	"github.com/aegisdesk/aegis/internal/telemetry"
	"github.com/aegisdesk/aegis/internal/watchdog"
)

// shutdownTimeout bounds the executor drain during Stop.
const shutdownTimeout = 10 * time.Second

// App is the assembled daemon.
type App struct {
	config    *config.Config
	store     *history.Store
	brk       *breaker.Breaker
	dog       *watchdog.Watchdog
	pool      *executor.Pool
	gateway   *gateway.Server
	scheduler *schedule.Scheduler
	orch      *startup.Orchestrator
	log       *slog.Logger

	mu      sync.Mutex
	bridges map[string]*telemetry.Bridge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the daemon from configuration. Nothing runs until Start.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		config:  cfg,
		log:     logging.WithComponent("app"),
		bridges: make(map[string]*telemetry.Bridge),
		ctx:     ctx,
		cancel:  cancel,
	}

	store, err := history.NewStore(cfg.History.Path)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	a.store = store

	a.brk = breaker.New(cfg.Breaker)
	a.dog = watchdog.New(cfg.Watchdog)
	a.pool = executor.NewPool(cfg.Executor)
	a.gateway = gateway.NewServer(cfg.Gateway)
	a.gateway.SetMonitor(a.pool.Monitor())
	a.gateway.SetSubsystemStatus(a.subsystemStatus)

	a.brk.SetOpenCallback(func(subsystem string) {
		a.log.Error("Circuit breaker opened", slog.String("subsystem", subsystem))
		_ = a.store.SaveSubsystemEvent(subsystem, "breaker_open", "failure threshold reached")
		a.gateway.Hub().Publish(gateway.Event{
			Kind:    "breaker",
			Subject: subsystem,
			Payload: "open",
		})
	})

	a.pool.AddListener("app", a.taskListener())

	for _, tcfg := range cfg.Telemetry {
		a.bridges[tcfg.Subsystem] = a.newBridge(tcfg)
	}

	a.scheduler = schedule.New(cfg.Schedule, a.pool)
	a.scheduler.RegisterJob("history-prune", a.pruneJob)

	a.orch = startup.New(cfg.Startup, a.pool)
	a.orch.SetTaskFailedCallback(func(phase executor.Phase, name string, err error) {
		a.gateway.Hub().Publish(gateway.Event{
			Kind:    "startup",
			Subject: name,
			Payload: err.Error(),
		})
	})
	a.orch.SetCompleteCallback(func(succeeded, failed, total int) {
		a.log.Info("Startup plan finished",
			slog.Int("succeeded", succeeded),
			slog.Int("failed", failed),
			slog.Int("total", total),
		)
		a.gateway.Hub().Publish(gateway.Event{
			Kind:    "startup",
			Subject: "complete",
			Payload: map[string]int{"succeeded": succeeded, "failed": failed, "total": total},
		})
	})

	return a, nil
}

// Pool exposes the executor pool for task submission.
func (a *App) Pool() *executor.Pool {
	return a.pool
}

// Store exposes the history store.
func (a *App) Store() *history.Store {
	return a.store
}

// Gateway exposes the control-plane server.
func (a *App) Gateway() *gateway.Server {
	return a.gateway
}

// Start brings the daemon up: watchdog and gateway first, then the phased
// startup plan that launches telemetry and the scheduler.
func (a *App) Start() error {
	a.log.Info("Starting daemon")

	a.dog.Start(a.ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.gateway.Start(a.ctx); err != nil {
			a.log.Error("Gateway failed", slog.Any("error", err))
		}
	}()

	if err := a.buildStartupPlan(); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.orch.Execute(a.ctx)
	}()

	return nil
}

// buildStartupPlan registers the phase plan executed after boot.
func (a *App) buildStartupPlan() error {
	for name := range a.bridges {
		name := name
		if err := a.orch.AddTask(executor.PhaseShortDeferred, "telemetry:"+name, func(ctx context.Context) error {
			return a.StartSubsystem(name)
		}); err != nil {
			return err
		}
	}

	if err := a.orch.AddTask(executor.PhaseLongDeferred, "scheduler", func(ctx context.Context) error {
		return a.scheduler.Start()
	}); err != nil {
		return err
	}

	return a.orch.AddTask(executor.PhaseBackground, "history-prune", func(ctx context.Context) error {
		_, err := a.prune(ctx)
		return err
	})
}

// Stop tears the daemon down in reverse dependency order.
func (a *App) Stop() error {
	a.log.Info("Stopping daemon")

	a.cancel()
	a.scheduler.Stop()

	a.mu.Lock()
	bridges := make([]*telemetry.Bridge, 0, len(a.bridges))
	for _, b := range a.bridges {
		bridges = append(bridges, b)
	}
	a.mu.Unlock()
	for _, b := range bridges {
		b.Stop()
	}

	a.dog.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.pool.Shutdown(ctx); err != nil {
		a.log.Warn("Executor drain timed out", slog.Any("error", err))
	}

	_ = a.gateway.Shutdown()
	a.wg.Wait()
	_ = a.store.Close()

	a.log.Info("Daemon stopped")
	return nil
}

// StartSubsystem starts one telemetry bridge by name.
func (a *App) StartSubsystem(name string) error {
	a.mu.Lock()
	b, ok := a.bridges[name]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown subsystem: %s", name)
	}

	cfg := a.config.Subsystem(name)
	if err := b.Start(cfg.IntervalMS); err != nil {
		return fmt.Errorf("failed to start subsystem %s: %w", name, err)
	}
	_ = a.store.SaveSubsystemEvent(name, "started", "")
	return nil
}

// subsystemStatus reports bridge statuses for the status API.
func (a *App) subsystemStatus() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]string, len(a.bridges))
	for name, b := range a.bridges {
		out[name] = string(b.Status())
	}
	return out
}

// newBridge builds one telemetry bridge with its persistence callbacks.
func (a *App) newBridge(tcfg *telemetry.Config) *telemetry.Bridge {
	name := tcfg.Subsystem
	b := telemetry.NewBridge(tcfg, a.dog, a.brk)

	b.SetMetricsCallback(func(payload json.RawMessage, count int, ts time.Time) {
		if err := a.store.SaveSnapshot(name, string(payload), count, ts); err != nil {
			a.log.Warn("Failed to persist snapshot",
				slog.String("subsystem", name),
				slog.Any("error", err),
			)
		}
		a.gateway.Hub().Publish(gateway.Event{
			Kind:    "telemetry",
			Subject: name,
			Payload: json.RawMessage(payload),
			Time:    ts,
		})
	})

	b.SetErrorCallback(func(msg string, ts time.Time) {
		_ = a.store.SaveSubsystemEvent(name, "worker_error", msg)
		a.gateway.Hub().Publish(gateway.Event{
			Kind:    "telemetry-error",
			Subject: name,
			Payload: msg,
			Time:    ts,
		})
	})

	return b
}

// taskListener persists terminal task states and mirrors lifecycle events
// onto the websocket stream.
func (a *App) taskListener() executor.Listener {
	record := func(taskID, status string, taskErr error) {
		state, ok := a.pool.Monitor().Get(taskID)
		if !ok {
			return
		}

		run := &history.TaskRun{
			ID:       taskID,
			Name:     state.Name,
			Phase:    state.Phase,
			Status:   status,
			Progress: state.Progress,
		}
		if taskErr != nil {
			run.Error = taskErr.Error()
		}
		if state.StartedAt != nil && state.CompletedAt != nil {
			run.DurationMs = state.CompletedAt.Sub(*state.StartedAt).Milliseconds()
			run.CompletedAt = state.CompletedAt
		}

		if err := a.store.SaveTaskRun(run); err != nil {
			a.log.Warn("Failed to persist task run",
				slog.String("task_id", taskID),
				slog.Any("error", err),
			)
		}

		a.gateway.Hub().Publish(gateway.Event{
			Kind:    "task",
			Subject: taskID,
			Payload: status,
		})
	}

	return executor.Listener{
		OnStarted: func(taskID string) {
			a.gateway.Hub().Publish(gateway.Event{
				Kind:    "task",
				Subject: taskID,
				Payload: "started",
			})
		},
		OnProgress: func(taskID string, percent int, message string) {
			a.gateway.Hub().Publish(gateway.Event{
				Kind:    "task-progress",
				Subject: taskID,
				Payload: map[string]any{"percent": percent, "message": message},
			})
		},
		OnFinished: func(taskID string, result any) {
			record(taskID, "completed", nil)
		},
		OnFailed: func(taskID string, err error) {
			record(taskID, "failed", err)
		},
		OnCancelled: func(taskID string) {
			record(taskID, "cancelled", nil)
		},
	}
}

// pruneJob is the scheduled history retention task.
func (a *App) pruneJob(tc *executor.TaskContext) (any, error) {
	return a.prune(tc.Context())
}

func (a *App) prune(ctx context.Context) (int64, error) {
	days := a.config.History.RetentionDays
	if days <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := a.store.Prune(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.log.Info("History pruned",
			slog.Int64("rows", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, nil
}
