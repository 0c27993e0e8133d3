// Package startup sequences application initialization into ordered
// phases so the first interactive frame is never blocked on slow work.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegisdesk/aegis/internal/executor"
	"github.com/aegisdesk/aegis/internal/logging"
)

// Config holds per-phase scheduling delays.
type Config struct {
	// ShortDelay is waited before the short-deferred phase is scheduled.
	ShortDelay time.Duration `yaml:"short_delay"`
	// LongDelay is waited before the long-deferred phase is scheduled.
	LongDelay time.Duration `yaml:"long_delay"`
}

// DefaultConfig returns default phase delays.
func DefaultConfig() *Config {
	return &Config{
		ShortDelay: 50 * time.Millisecond,
		LongDelay:  250 * time.Millisecond,
	}
}

// TaskFunc is one initialization step.
type TaskFunc func(ctx context.Context) error

// TaskFailedCallback reports a failed startup task. Failures never abort
// sibling tasks or later phases.
type TaskFailedCallback func(phase executor.Phase, name string, err error)

// CompleteCallback fires once every task in every phase has reported.
type CompleteCallback func(succeeded, failed, total int)

type planTask struct {
	phase executor.Phase
	name  string
	fn    TaskFunc
}

// Orchestrator builds a phase plan and executes it through the worker
// pool. Immediate tasks run inline; deferred phases are scheduled onto
// the pool after their configured delay.
type Orchestrator struct {
	config *Config
	pool   *executor.Pool
	log    *slog.Logger

	onTaskFailed TaskFailedCallback
	onComplete   CompleteCallback

	mu       sync.Mutex
	plan     []planTask
	executed bool
}

// New creates an orchestrator scheduling onto the given pool.
func New(config *Config, pool *executor.Pool) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Orchestrator{
		config: config,
		pool:   pool,
		log:    logging.WithComponent("startup"),
	}
}

// SetTaskFailedCallback sets the per-task failure notification.
func (o *Orchestrator) SetTaskFailedCallback(cb TaskFailedCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onTaskFailed = cb
}

// SetCompleteCallback sets the aggregate completion notification.
func (o *Orchestrator) SetCompleteCallback(cb CompleteCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onComplete = cb
}

// AddTask appends a task to the phase plan. It fails once Execute has run;
// the plan is built once and then consumed.
func (o *Orchestrator) AddTask(phase executor.Phase, name string, fn TaskFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.executed {
		return fmt.Errorf("startup plan already executed")
	}
	o.plan = append(o.plan, planTask{phase: phase, name: name, fn: fn})
	return nil
}

// Execute runs the plan: immediate tasks inline, then the deferred phases
// in strict order through the pool. It blocks until every task has
// reported; callers that must not block run it in a goroutine.
func (o *Orchestrator) Execute(ctx context.Context) error {
	o.mu.Lock()
	if o.executed {
		o.mu.Unlock()
		return fmt.Errorf("startup plan already executed")
	}
	o.executed = true
	plan := o.plan
	o.plan = nil
	onComplete := o.onComplete
	o.mu.Unlock()

	var succeeded, failed int
	total := len(plan)

	phases := []struct {
		phase executor.Phase
		delay time.Duration
	}{
		{executor.PhaseImmediate, 0},
		{executor.PhaseShortDeferred, o.config.ShortDelay},
		{executor.PhaseLongDeferred, o.config.LongDelay},
		{executor.PhaseBackground, 0},
	}

	for _, p := range phases {
		tasks := tasksForPhase(plan, p.phase)
		if len(tasks) == 0 {
			continue
		}

		// Immediate tasks always run; deferred phases stop once the
		// context is cancelled, counting their tasks as failed so the
		// aggregate report still covers the whole plan.
		if p.phase != executor.PhaseImmediate {
			cancelled := ctx.Err() != nil
			if !cancelled && p.delay > 0 {
				select {
				case <-ctx.Done():
					cancelled = true
				case <-time.After(p.delay):
				}
			}
			if cancelled {
				for _, task := range tasks {
					o.reportFailure(task, ctx.Err())
				}
				failed += len(tasks)
				continue
			}
		}

		o.log.Info("Startup phase",
			slog.String("phase", string(p.phase)),
			slog.Int("tasks", len(tasks)),
		)

		var s, f int
		if p.phase == executor.PhaseImmediate {
			s, f = o.runInline(ctx, tasks)
		} else {
			s, f = o.runPooled(ctx, tasks)
		}
		succeeded += s
		failed += f
	}

	o.log.Info("Startup complete",
		slog.Int("succeeded", succeeded),
		slog.Int("failed", failed),
		slog.Int("total", total),
	)

	if onComplete != nil {
		onComplete(succeeded, failed, total)
	}
	return nil
}

// runInline executes immediate tasks synchronously, one at a time.
func (o *Orchestrator) runInline(ctx context.Context, tasks []planTask) (succeeded, failed int) {
	for _, task := range tasks {
		if err := o.runSafely(ctx, task); err != nil {
			o.reportFailure(task, err)
			failed++
			continue
		}
		succeeded++
	}
	return succeeded, failed
}

// runPooled submits a phase's tasks to the pool and waits for all of them.
func (o *Orchestrator) runPooled(ctx context.Context, tasks []planTask) (succeeded, failed int) {
	type outcome struct {
		task planTask
		err  error
	}

	results := make(chan outcome, len(tasks))
	for _, task := range tasks {
		task := task
		h, err := o.pool.Submit(&executor.Task{
			ID:    fmt.Sprintf("startup:%s:%s", task.phase, task.name),
			Name:  task.name,
			Phase: task.phase,
			Run: func(tc *executor.TaskContext) (any, error) {
				return nil, task.fn(tc.Context())
			},
		})
		if err != nil {
			results <- outcome{task: task, err: err}
			continue
		}
		go func() {
			_, err := h.Wait(ctx)
			results <- outcome{task: task, err: err}
		}()
	}

	for range tasks {
		r := <-results
		if r.err != nil {
			o.reportFailure(r.task, r.err)
			failed++
			continue
		}
		succeeded++
	}
	return succeeded, failed
}

// runSafely invokes a task body, containing panics.
func (o *Orchestrator) runSafely(ctx context.Context, task planTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("startup task panicked: %v", r)
		}
	}()
	return task.fn(ctx)
}

func (o *Orchestrator) reportFailure(task planTask, err error) {
	o.log.Error("Startup task failed",
		slog.String("phase", string(task.phase)),
		slog.String("task", task.name),
		slog.Any("error", err),
	)

	o.mu.Lock()
	cb := o.onTaskFailed
	o.mu.Unlock()
	if cb != nil {
		cb(task.phase, task.name, err)
	}
}

func tasksForPhase(plan []planTask, phase executor.Phase) []planTask {
	var out []planTask
	for _, t := range plan {
		if t.phase == phase {
			out = append(out, t)
		}
	}
	return out
}
