package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TaskStatus represents the status of a task
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Phase is the startup bucket a task belongs to. Tasks submitted outside
// startup use PhaseBackground.
type Phase string

const (
	PhaseImmediate     Phase = "immediate"
	PhaseShortDeferred Phase = "short_deferred"
	PhaseLongDeferred  Phase = "long_deferred"
	PhaseBackground    Phase = "background"
)

// TaskFunc is the body of a task. It must poll tc.Cancelled() at suspension
// points and return promptly once it reports true.
type TaskFunc func(tc *TaskContext) (any, error)

// Task describes a unit of cancellable, observable work.
type Task struct {
	// ID uniquely identifies the task among in-flight tasks. When empty,
	// Submit assigns a generated one.
	ID string

	// Name is a human-readable label used in logs and history.
	Name string

	// Phase is the startup bucket, informational outside startup.
	Phase Phase

	// Deadline bounds execution; zero means unbounded. Breach is reported
	// as a Failed notification carrying ErrTaskTimeout.
	Deadline time.Duration

	// Run is the task body.
	Run TaskFunc
}

// TaskContext is handed to a task body. It carries the cancellation signal
// and the progress/heartbeat reporting hooks.
type TaskContext struct {
	ctx       context.Context
	id        string
	pool      *Pool
	cancelled atomic.Bool
	paused    atomic.Bool
}

// Context returns the context that is cancelled together with the task.
func (tc *TaskContext) Context() context.Context {
	return tc.ctx
}

// TaskID returns the id of the owning task.
func (tc *TaskContext) TaskID() string {
	return tc.id
}

// Cancelled reports whether the task has been asked to stop. Bodies must
// check this periodically and return promptly when it is true.
func (tc *TaskContext) Cancelled() bool {
	return tc.cancelled.Load() || tc.ctx.Err() != nil
}

// Paused reports the advisory pause flag. The executor never suspends the
// body; honoring the flag is up to the task.
func (tc *TaskContext) Paused() bool {
	return tc.paused.Load()
}

// Heartbeat records a liveness signal for the task.
func (tc *TaskContext) Heartbeat() {
	tc.pool.recordHeartbeat(tc.id)
}

// Progress reports completion percentage (clamped to 0-100) and an
// optional message.
func (tc *TaskContext) Progress(percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	tc.pool.recordProgress(tc.id, percent, message)
}

// Handle is the caller's view of a submitted task: cancellation and result
// retrieval. The descriptor itself is owned by the pool until terminal state.
type Handle struct {
	task *Task
	pool *Pool
	tctx *TaskContext

	cancelCtx context.CancelFunc

	mu          sync.Mutex
	status      TaskStatus
	submittedAt time.Time
	startedAt   time.Time
	result      any
	err         error

	done chan struct{}
}

// ID returns the task id.
func (h *Handle) ID() string {
	return h.task.ID
}

// Status returns the current task status.
func (h *Handle) Status() TaskStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Cancel requests cooperative cancellation. It is idempotent and a no-op
// once the task is terminal.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	h.tctx.cancelled.Store(true)
	h.cancelCtx()
}

// Pause sets the advisory pause flag.
func (h *Handle) Pause() {
	h.tctx.paused.Store(true)
}

// Resume clears the advisory pause flag.
func (h *Handle) Resume() {
	h.tctx.paused.Store(false)
}

// Done returns a channel closed when the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task is terminal or ctx expires, then returns the
// task result and error. Cancelled tasks return context.Canceled.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusCancelled {
		return nil, context.Canceled
	}
	return h.result, h.err
}

// elapsed returns time since the task started, or since submission if it
// never started.
func (h *Handle) elapsed() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.startedAt.IsZero() {
		return time.Since(h.startedAt)
	}
	return time.Since(h.submittedAt)
}
