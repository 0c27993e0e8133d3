package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recorder collects lifecycle notifications for assertions.
type recorder struct {
	mu        sync.Mutex
	started   []string
	progress  []int
	heartbeat int
	finished  []string
	failed    map[string]error
	cancelled []string
	terminal  chan string
}

func newRecorder() *recorder {
	return &recorder{
		failed:   make(map[string]error),
		terminal: make(chan string, 16),
	}
}

func (r *recorder) listener() Listener {
	return Listener{
		OnStarted: func(id string) {
			r.mu.Lock()
			r.started = append(r.started, id)
			r.mu.Unlock()
		},
		OnProgress: func(id string, pct int, msg string) {
			r.mu.Lock()
			r.progress = append(r.progress, pct)
			r.mu.Unlock()
		},
		OnHeartbeat: func(id string) {
			r.mu.Lock()
			r.heartbeat++
			r.mu.Unlock()
		},
		OnFinished: func(id string, result any) {
			r.mu.Lock()
			r.finished = append(r.finished, id)
			r.mu.Unlock()
			r.terminal <- id
		},
		OnFailed: func(id string, err error) {
			r.mu.Lock()
			r.failed[id] = err
			r.mu.Unlock()
			r.terminal <- id
		},
		OnCancelled: func(id string) {
			r.mu.Lock()
			r.cancelled = append(r.cancelled, id)
			r.mu.Unlock()
			r.terminal <- id
		},
	}
}

func (r *recorder) terminalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finished) + len(r.failed) + len(r.cancelled)
}

func waitTerminal(t *testing.T, rec *recorder, timeout time.Duration) string {
	t.Helper()
	select {
	case id := <-rec.terminal:
		return id
	case <-time.After(timeout):
		t.Fatal("timed out waiting for terminal notification")
		return ""
	}
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool(&Config{Workers: 2, QueueSize: 8})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestSubmitAndComplete(t *testing.T) {
	p := newTestPool(t)
	rec := newRecorder()
	p.AddListener("test", rec.listener())

	h, err := p.Submit(&Task{
		ID:   "t1",
		Name: "simple",
		Run: func(tc *TaskContext) (any, error) {
			tc.Progress(50, "halfway")
			tc.Heartbeat()
			return "done", nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if result != "done" {
		t.Errorf("expected result 'done', got %v", result)
	}

	waitTerminal(t, rec, time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.started) != 1 || rec.started[0] != "t1" {
		t.Errorf("expected one started notification for t1, got %v", rec.started)
	}
	if len(rec.finished) != 1 {
		t.Errorf("expected one finished notification, got %v", rec.finished)
	}
	if len(rec.progress) != 1 || rec.progress[0] != 50 {
		t.Errorf("expected progress [50], got %v", rec.progress)
	}
	if rec.heartbeat != 1 {
		t.Errorf("expected one heartbeat, got %d", rec.heartbeat)
	}
}

func TestDuplicateSubmit(t *testing.T) {
	p := newTestPool(t)

	block := make(chan struct{})
	defer close(block)

	body := func(tc *TaskContext) (any, error) {
		select {
		case <-block:
		case <-tc.Context().Done():
		}
		return nil, nil
	}

	if _, err := p.Submit(&Task{ID: "dup", Run: body}); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	_, err := p.Submit(&Task{ID: "dup", Run: body})
	if !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestDeadlineReportedPromptly(t *testing.T) {
	p := newTestPool(t)
	rec := newRecorder()
	p.AddListener("test", rec.listener())

	start := time.Now()
	h, err := p.Submit(&Task{
		ID:       "slow",
		Deadline: 50 * time.Millisecond,
		Run: func(tc *TaskContext) (any, error) {
			// Sleeps ~200ms total but polls cancellation every 10ms.
			for i := 0; i < 20; i++ {
				if tc.Cancelled() {
					return nil, nil
				}
				time.Sleep(10 * time.Millisecond)
			}
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitTerminal(t, rec, time.Second)
	elapsed := time.Since(start)

	rec.mu.Lock()
	failedErr := rec.failed["slow"]
	rec.mu.Unlock()

	if !errors.Is(failedErr, ErrTaskTimeout) {
		t.Errorf("expected ErrTaskTimeout, got %v", failedErr)
	}
	// Must be reported at the deadline, not when the body finally returns.
	if elapsed > 150*time.Millisecond {
		t.Errorf("timeout reported after %v, want ~60ms", elapsed)
	}
	if h.Status() != StatusFailed {
		t.Errorf("expected status failed, got %s", h.Status())
	}
}

func TestCancelRunningTask(t *testing.T) {
	p := newTestPool(t)
	rec := newRecorder()
	p.AddListener("test", rec.listener())

	running := make(chan struct{})
	h, err := p.Submit(&Task{
		ID: "c1",
		Run: func(tc *TaskContext) (any, error) {
			close(running)
			for !tc.Cancelled() {
				time.Sleep(5 * time.Millisecond)
			}
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	<-running
	h.Cancel()

	waitTerminal(t, rec, time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.cancelled) != 1 || rec.cancelled[0] != "c1" {
		t.Errorf("expected one cancelled notification for c1, got %v", rec.cancelled)
	}
	if len(rec.failed) != 0 || len(rec.finished) != 0 {
		t.Errorf("unexpected extra terminal notifications: failed=%v finished=%v", rec.failed, rec.finished)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	p := newTestPool(t)
	rec := newRecorder()
	p.AddListener("test", rec.listener())

	// Unknown id is a no-op.
	p.Cancel("does-not-exist")

	h, err := p.Submit(&Task{
		ID:  "c2",
		Run: func(tc *TaskContext) (any, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	waitTerminal(t, rec, time.Second)

	// Cancelling a terminal task must not produce another notification.
	h.Cancel()
	p.Cancel("c2")
	time.Sleep(50 * time.Millisecond)

	if n := rec.terminalCount(); n != 1 {
		t.Errorf("expected exactly one terminal notification, got %d", n)
	}
}

func TestPanicReportedAsFailed(t *testing.T) {
	p := newTestPool(t)
	rec := newRecorder()
	p.AddListener("test", rec.listener())

	_, err := p.Submit(&Task{
		ID: "boom",
		Run: func(tc *TaskContext) (any, error) {
			panic("collection driver fault")
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitTerminal(t, rec, time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.failed["boom"] == nil {
		t.Fatal("expected failed notification for panicking task")
	}
}

func TestPauseIsAdvisory(t *testing.T) {
	p := newTestPool(t)

	observed := make(chan bool, 1)
	h, err := p.Submit(&Task{
		ID: "p1",
		Run: func(tc *TaskContext) (any, error) {
			// Wait until the pause flag shows up, then report it.
			deadline := time.Now().Add(time.Second)
			for time.Now().Before(deadline) {
				if tc.Paused() {
					observed <- true
					return nil, nil
				}
				time.Sleep(5 * time.Millisecond)
			}
			observed <- false
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	p.Pause("p1")
	if !<-observed {
		t.Error("task body never observed the pause flag")
	}
	p.Resume("p1")
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := NewPool(&Config{Workers: 1, QueueSize: 4})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	_, err := p.Submit(&Task{ID: "late", Run: func(tc *TaskContext) (any, error) { return nil, nil }})
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestNoNotificationAfterShutdown(t *testing.T) {
	p := NewPool(&Config{Workers: 2, QueueSize: 8})
	rec := newRecorder()
	p.AddListener("test", rec.listener())

	running := make(chan struct{})
	_, err := p.Submit(&Task{
		ID: "s1",
		Run: func(tc *TaskContext) (any, error) {
			close(running)
			for !tc.Cancelled() {
				time.Sleep(5 * time.Millisecond)
			}
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// The in-flight task was cancelled during shutdown and its terminal
	// notification delivered before Shutdown returned.
	before := rec.terminalCount()
	time.Sleep(50 * time.Millisecond)
	if after := rec.terminalCount(); after != before {
		t.Errorf("notification fired after shutdown: before=%d after=%d", before, after)
	}
	if before != 1 {
		t.Errorf("expected the cancelled task to report once before shutdown returned, got %d", before)
	}
}

func TestShutdownDrainTimeout(t *testing.T) {
	p := NewPool(&Config{Workers: 1, QueueSize: 4})

	// A body that ignores cancellation: the drain must give up at the
	// context deadline rather than hang.
	release := make(chan struct{})
	defer close(release)
	_, err := p.Submit(&Task{
		ID: "stubborn",
		Run: func(tc *TaskContext) (any, error) {
			<-release
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded from bounded drain, got %v", err)
	}
}

// orderedLog records notification kinds in delivery order.
type orderedLog struct {
	mu      sync.Mutex
	entries []string
}

func (o *orderedLog) add(kind string) {
	o.mu.Lock()
	o.entries = append(o.entries, kind)
	o.mu.Unlock()
}

func (o *orderedLog) listener() Listener {
	return Listener{
		OnStarted:   func(string) { o.add("started") },
		OnProgress:  func(string, int, string) { o.add("progress") },
		OnHeartbeat: func(string) { o.add("heartbeat") },
		OnFinished:  func(string, any) { o.add("finished") },
		OnFailed:    func(string, error) { o.add("failed") },
		OnCancelled: func(string) { o.add("cancelled") },
	}
}

func (o *orderedLog) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.entries...)
}

func TestNoNotificationsAfterDeadlineFailure(t *testing.T) {
	p := newTestPool(t)
	rec := newRecorder()
	p.AddListener("terminal", rec.listener())
	log := &orderedLog{}
	p.AddListener("order", log.listener())

	bodyDone := make(chan struct{})
	_, err := p.Submit(&Task{
		ID:       "chatty",
		Deadline: 50 * time.Millisecond,
		Run: func(tc *TaskContext) (any, error) {
			defer close(bodyDone)
			// Keeps reporting well past the deadline before returning.
			for i := 0; i < 15; i++ {
				tc.Heartbeat()
				tc.Progress(i*5, "scanning")
				time.Sleep(10 * time.Millisecond)
			}
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitTerminal(t, rec, time.Second)
	<-bodyDone
	// Let the dispatcher chew through anything the body emitted after
	// the terminal event.
	time.Sleep(50 * time.Millisecond)

	entries := log.snapshot()
	if len(entries) == 0 || entries[len(entries)-1] != "failed" {
		t.Fatalf("expected the failure to be the final notification, got %v", entries)
	}
	for i, kind := range entries[:len(entries)-1] {
		if kind == "failed" {
			t.Fatalf("notifications delivered after terminal failure: %v", entries[i+1:])
		}
	}
}

func TestNoNotificationsAfterCancel(t *testing.T) {
	p := newTestPool(t)
	rec := newRecorder()
	p.AddListener("terminal", rec.listener())
	log := &orderedLog{}
	p.AddListener("order", log.listener())

	running := make(chan struct{})
	bodyDone := make(chan struct{})
	h, err := p.Submit(&Task{
		ID: "lagging",
		Run: func(tc *TaskContext) (any, error) {
			defer close(bodyDone)
			close(running)
			// Ignores the cancellation flag for a while and keeps reporting.
			for i := 0; i < 10; i++ {
				tc.Heartbeat()
				time.Sleep(10 * time.Millisecond)
			}
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	<-running
	h.Cancel()
	waitTerminal(t, rec, time.Second)
	<-bodyDone
	time.Sleep(50 * time.Millisecond)

	entries := log.snapshot()
	if len(entries) == 0 || entries[len(entries)-1] != "cancelled" {
		t.Fatalf("expected cancellation to be the final notification, got %v", entries)
	}
}

func TestSubmitRacingShutdown(t *testing.T) {
	for i := 0; i < 50; i++ {
		p := NewPool(&Config{Workers: 2, QueueSize: 4})

		var wg sync.WaitGroup
		start := make(chan struct{})
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 20; j++ {
					_, err := p.Submit(&Task{Run: func(tc *TaskContext) (any, error) { return nil, nil }})
					if err != nil && !errors.Is(err, ErrPoolClosed) && !errors.Is(err, ErrQueueFull) {
						t.Errorf("unexpected Submit error: %v", err)
					}
				}
			}()
		}

		close(start)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := p.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
		cancel()
		wg.Wait()
	}
}

func TestGeneratedTaskID(t *testing.T) {
	p := newTestPool(t)

	h, err := p.Submit(&Task{Run: func(tc *TaskContext) (any, error) { return nil, nil }})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if h.ID() == "" {
		t.Error("expected a generated task id")
	}
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}
