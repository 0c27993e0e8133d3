package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aegisdesk/aegis/internal/logging"
)

// Config configures the worker pool.
type Config struct {
	// Workers is the number of concurrent task bodies.
	Workers int `yaml:"workers"`
	// QueueSize bounds the pending-task queue.
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns default pool settings.
func DefaultConfig() *Config {
	return &Config{
		Workers:   4,
		QueueSize: 64,
	}
}

// Listener receives lifecycle notifications. Any nil field is skipped.
// For a single task the order is: Started, zero or more Progress/Heartbeat,
// then exactly one of Finished, Failed, Cancelled. Across tasks no order
// is guaranteed. Callbacks are delivered from a dedicated dispatch
// goroutine, never under a pool lock.
type Listener struct {
	OnStarted   func(taskID string)
	OnProgress  func(taskID string, percent int, message string)
	OnHeartbeat func(taskID string)
	OnFinished  func(taskID string, result any)
	OnFailed    func(taskID string, err error)
	OnCancelled func(taskID string)
}

type eventKind int

const (
	eventStarted eventKind = iota
	eventProgress
	eventHeartbeat
	eventFinished
	eventFailed
	eventCancelled
)

type event struct {
	kind    eventKind
	taskID  string
	percent int
	message string
	result  any
	err     error
}

// Pool runs tasks concurrently on a bounded set of workers, enforces
// deadlines, and delivers lifecycle notifications asynchronously.
type Pool struct {
	config  *Config
	log     *slog.Logger
	monitor *Monitor

	queue  chan *Handle
	events chan event

	mu       sync.Mutex
	inflight map[string]*Handle
	closed   bool

	listenersMu sync.RWMutex
	listeners   map[string]Listener

	stopped        atomic.Bool
	stopCh         chan struct{}
	dispatcherDone chan struct{}
	wg             sync.WaitGroup
}

// NewPool creates a pool and starts its workers.
func NewPool(config *Config) *Pool {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}

	p := &Pool{
		config:         config,
		log:            logging.WithComponent("executor"),
		monitor:        NewMonitor(),
		queue:          make(chan *Handle, config.QueueSize),
		events:         make(chan event, 256),
		inflight:       make(map[string]*Handle),
		listeners:      make(map[string]Listener),
		stopCh:         make(chan struct{}),
		dispatcherDone: make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	go p.dispatch()

	p.log.Info("Executor pool started",
		slog.Int("workers", config.Workers),
		slog.Int("queue_size", config.QueueSize),
	)

	return p
}

// Monitor returns the task-state registry backing the status API.
func (p *Pool) Monitor() *Monitor {
	return p.monitor
}

// AddListener registers a named lifecycle listener. Registering the same
// name again replaces the previous listener.
func (p *Pool) AddListener(name string, l Listener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners[name] = l
}

// RemoveListener removes a named listener.
func (p *Pool) RemoveListener(name string) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	delete(p.listeners, name)
}

// Submit queues a task for execution and returns its handle.
// The task id must be unique among in-flight tasks.
func (p *Pool) Submit(task *Task) (*Handle, error) {
	if task == nil || task.Run == nil {
		return nil, fmt.Errorf("task has no body")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Phase == "" {
		task.Phase = PhaseBackground
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		task:        task,
		pool:        p,
		cancelCtx:   cancel,
		status:      StatusPending,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}
	h.tctx = &TaskContext{ctx: ctx, id: task.ID, pool: p}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return nil, ErrPoolClosed
	}
	if _, exists := p.inflight[task.ID]; exists {
		p.mu.Unlock()
		cancel()
		return nil, ErrDuplicateTask
	}

	p.monitor.Register(task.ID, task.Name, string(task.Phase))

	// Enqueue while still holding the lock: Shutdown closes the queue
	// under the same lock, so the closed check and the send stay atomic.
	select {
	case p.queue <- h:
		p.inflight[task.ID] = h
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		p.monitor.Remove(task.ID)
		cancel()
		return nil, ErrQueueFull
	}

	p.log.Info("Task submitted",
		slog.String("task_id", task.ID),
		slog.String("phase", string(task.Phase)),
		slog.Duration("deadline", task.Deadline),
	)

	return h, nil
}

// Cancel requests cancellation of a task by id. Unknown or already
// terminal ids are a no-op.
func (p *Pool) Cancel(id string) {
	p.mu.Lock()
	h, ok := p.inflight[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	h.Cancel()
}

// Pause sets the advisory pause flag on a running task.
func (p *Pool) Pause(id string) {
	p.mu.Lock()
	h, ok := p.inflight[id]
	p.mu.Unlock()
	if ok {
		h.Pause()
	}
}

// Resume clears the advisory pause flag.
func (p *Pool) Resume(id string) {
	p.mu.Lock()
	h, ok := p.inflight[id]
	p.mu.Unlock()
	if ok {
		h.Resume()
	}
}

// InFlight returns the number of tasks not yet terminal.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Shutdown cancels in-flight tasks, stops intake, and waits for the pool
// to drain, bounded by ctx. No notification fires after it returns.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	handles := make([]*Handle, 0, len(p.inflight))
	for _, h := range p.inflight {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}

	// Stop the dispatcher; stragglers from a timed-out drain are dropped
	// so nothing fires after this point.
	p.stopped.Store(true)
	close(p.stopCh)
	<-p.dispatcherDone

	p.log.Info("Executor pool stopped")
	return err
}

// worker consumes queued tasks until the queue is closed.
func (p *Pool) worker() {
	defer p.wg.Done()
	for h := range p.queue {
		p.runTask(h)
	}
}

// runTask executes one task body and resolves its terminal state.
func (p *Pool) runTask(h *Handle) {
	id := h.task.ID

	if h.tctx.Cancelled() {
		p.finish(h, StatusCancelled, nil, nil)
		return
	}

	h.mu.Lock()
	h.status = StatusRunning
	h.startedAt = time.Now()
	h.mu.Unlock()

	p.monitor.Start(id)
	p.emit(event{kind: eventStarted, taskID: id})
	p.log.Info("Task started",
		slog.String("task_id", id),
		slog.String("phase", string(h.task.Phase)),
	)

	var (
		result any
		runErr error
	)
	bodyDone := make(chan struct{})
	go func() {
		defer close(bodyDone)
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("task panicked: %v", r)
			}
		}()
		result, runErr = h.task.Run(h.tctx)
	}()

	var timeout <-chan time.Time
	if h.task.Deadline > 0 {
		timer := time.NewTimer(h.task.Deadline)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-bodyDone:
		switch {
		case h.tctx.cancelled.Load():
			p.finish(h, StatusCancelled, nil, nil)
		case runErr != nil:
			p.finish(h, StatusFailed, nil, runErr)
		default:
			p.finish(h, StatusCompleted, result, nil)
		}

	case <-timeout:
		// Deadline breach is reported immediately; the body is expected
		// to notice the flag and return, which releases this worker.
		h.tctx.cancelled.Store(true)
		h.cancelCtx()
		p.finish(h, StatusFailed, nil, ErrTaskTimeout)
		<-bodyDone

	case <-h.tctx.ctx.Done():
		p.finish(h, StatusCancelled, nil, nil)
		<-bodyDone
	}
}

// finish resolves the terminal state exactly once.
func (p *Pool) finish(h *Handle, status TaskStatus, result any, err error) {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status = status
	h.result = result
	h.err = err
	h.mu.Unlock()

	id := h.task.ID

	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()

	switch status {
	case StatusCompleted:
		p.monitor.Complete(id)
		p.emit(event{kind: eventFinished, taskID: id, result: result})
	case StatusFailed:
		p.monitor.Fail(id, err.Error())
		p.emit(event{kind: eventFailed, taskID: id, err: err})
	case StatusCancelled:
		p.monitor.Cancel(id)
		p.emit(event{kind: eventCancelled, taskID: id})
	}

	p.log.Info("Task finished",
		slog.String("task_id", id),
		slog.String("phase", string(h.task.Phase)),
		slog.String("status", string(status)),
		slog.Duration("elapsed", h.elapsed()),
	)

	close(h.done)
}

// recordHeartbeat is called from task bodies via TaskContext.
func (p *Pool) recordHeartbeat(id string) {
	p.monitor.Heartbeat(id)
	p.emit(event{kind: eventHeartbeat, taskID: id})
}

// recordProgress is called from task bodies via TaskContext.
func (p *Pool) recordProgress(id string, percent int, message string) {
	p.monitor.UpdateProgress(id, percent, message)
	p.emit(event{kind: eventProgress, taskID: id, percent: percent, message: message})
}

// emit queues a notification for the dispatcher. After shutdown it drops.
func (p *Pool) emit(e event) {
	if p.stopped.Load() {
		return
	}
	select {
	case p.events <- e:
	case <-p.stopCh:
	}
}

// dispatch delivers notifications in order on a single goroutine. It
// tracks which tasks are still live so that heartbeat and progress
// signals emitted by a body running past its terminal state are dropped
// instead of delivered after the terminal notification.
func (p *Pool) dispatch() {
	defer close(p.dispatcherDone)
	live := make(map[string]struct{})
	for {
		select {
		case e := <-p.events:
			p.deliver(live, e)
		case <-p.stopCh:
			// Drain what was queued before the stop signal.
			for {
				select {
				case e := <-p.events:
					p.deliver(live, e)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) deliver(live map[string]struct{}, e event) {
	switch e.kind {
	case eventStarted:
		live[e.taskID] = struct{}{}
	case eventProgress, eventHeartbeat:
		if _, ok := live[e.taskID]; !ok {
			return
		}
	case eventFinished, eventFailed, eventCancelled:
		delete(live, e.taskID)
	}


	p.listenersMu.RLock()
	listeners := make([]Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.listenersMu.RUnlock()

	for _, l := range listeners {
		switch e.kind {
		case eventStarted:
			if l.OnStarted != nil {
				l.OnStarted(e.taskID)
			}
		case eventProgress:
			if l.OnProgress != nil {
				l.OnProgress(e.taskID, e.percent, e.message)
			}
		case eventHeartbeat:
			if l.OnHeartbeat != nil {
				l.OnHeartbeat(e.taskID)
			}
		case eventFinished:
			if l.OnFinished != nil {
				l.OnFinished(e.taskID, e.result)
			}
		case eventFailed:
			if l.OnFailed != nil {
				l.OnFailed(e.taskID, e.err)
			}
		case eventCancelled:
			if l.OnCancelled != nil {
				l.OnCancelled(e.taskID)
			}
		}
	}
}
