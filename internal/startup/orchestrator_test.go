package startup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aegisdesk/aegis/internal/executor"
)

func testConfig() *Config {
	return &Config{
		ShortDelay: 10 * time.Millisecond,
		LongDelay:  20 * time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *executor.Pool) {
	t.Helper()
	pool := executor.NewPool(&executor.Config{Workers: 4, QueueSize: 16})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})
	return New(testConfig(), pool), pool
}

// journal records task execution order and callback invocations.
type journal struct {
	mu       sync.Mutex
	order    []string
	failures []string
	complete []int
	done     chan struct{}
}

func newJournal() *journal {
	return &journal{done: make(chan struct{})}
}

func (j *journal) record(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.order = append(j.order, name)
}

func (j *journal) task(name string) TaskFunc {
	return func(ctx context.Context) error {
		j.record(name)
		return nil
	}
}

func (j *journal) failing(name string, err error) TaskFunc {
	return func(ctx context.Context) error {
		j.record(name)
		return err
	}
}

func (j *journal) attach(o *Orchestrator) {
	o.SetTaskFailedCallback(func(phase executor.Phase, name string, err error) {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.failures = append(j.failures, name)
	})
	o.SetCompleteCallback(func(succeeded, failed, total int) {
		j.mu.Lock()
		j.complete = append(j.complete, succeeded, failed, total)
		j.mu.Unlock()
		close(j.done)
	})
}

func (j *journal) snapshot() ([]string, []string, []int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.order...),
		append([]string(nil), j.failures...),
		append([]int(nil), j.complete...)
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestExecutePhaseOrdering(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	j := newJournal()
	j.attach(o)

	o.AddTask(executor.PhaseBackground, "index", j.task("index"))
	o.AddTask(executor.PhaseImmediate, "config", j.task("config"))
	o.AddTask(executor.PhaseLongDeferred, "scan", j.task("scan"))
	o.AddTask(executor.PhaseShortDeferred, "tray", j.task("tray"))

	if err := o.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	order, _, complete := j.snapshot()
	if len(order) != 4 {
		t.Fatalf("expected 4 tasks to run, got %v", order)
	}
	if indexOf(order, "config") > indexOf(order, "tray") ||
		indexOf(order, "tray") > indexOf(order, "scan") ||
		indexOf(order, "scan") > indexOf(order, "index") {
		t.Errorf("phases ran out of order: %v", order)
	}
	if len(complete) != 3 || complete[0] != 4 || complete[1] != 0 || complete[2] != 4 {
		t.Errorf("expected complete(4, 0, 4), got %v", complete)
	}
}

func TestMiddlePhaseFailureDoesNotBlockLaterPhases(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	j := newJournal()
	j.attach(o)

	o.AddTask(executor.PhaseImmediate, "config", j.task("config"))
	o.AddTask(executor.PhaseShortDeferred, "tray", j.failing("tray", errors.New("no display")))
	o.AddTask(executor.PhaseLongDeferred, "scan", j.task("scan"))

	if err := o.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	order, failures, complete := j.snapshot()
	if indexOf(order, "scan") == -1 {
		t.Error("later phase should run despite earlier failure")
	}
	if len(failures) != 1 || failures[0] != "tray" {
		t.Errorf("expected single failure for tray, got %v", failures)
	}
	if len(complete) != 3 || complete[0] != 2 || complete[1] != 1 || complete[2] != 3 {
		t.Errorf("expected complete(2, 1, 3), got %v", complete)
	}
}

func TestFailureDoesNotBlockSiblings(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	j := newJournal()
	j.attach(o)

	o.AddTask(executor.PhaseShortDeferred, "bad", j.failing("bad", errors.New("boom")))
	o.AddTask(executor.PhaseShortDeferred, "good-1", j.task("good-1"))
	o.AddTask(executor.PhaseShortDeferred, "good-2", j.task("good-2"))

	if err := o.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	order, failures, complete := j.snapshot()
	if len(order) != 3 {
		t.Errorf("all siblings should run, got %v", order)
	}
	if len(failures) != 1 {
		t.Errorf("expected one failure, got %v", failures)
	}
	if len(complete) != 3 || complete[0] != 2 || complete[1] != 1 {
		t.Errorf("expected complete(2, 1, 3), got %v", complete)
	}
}

func TestImmediatePanicContained(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	j := newJournal()
	j.attach(o)

	o.AddTask(executor.PhaseImmediate, "crasher", func(ctx context.Context) error {
		panic("bad pointer")
	})
	o.AddTask(executor.PhaseImmediate, "after", j.task("after"))

	if err := o.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	order, failures, complete := j.snapshot()
	if indexOf(order, "after") == -1 {
		t.Error("task after a panicking sibling should still run")
	}
	if len(failures) != 1 || failures[0] != "crasher" {
		t.Errorf("expected crasher failure, got %v", failures)
	}
	if len(complete) != 3 || complete[1] != 1 {
		t.Errorf("expected one failed task, got %v", complete)
	}
}

func TestExecuteTwiceFails(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	if err := o.Execute(context.Background()); err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	if err := o.Execute(context.Background()); err == nil {
		t.Error("second Execute should fail")
	}
	if err := o.AddTask(executor.PhaseImmediate, "late", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("AddTask after Execute should fail")
	}
}

func TestCompleteFiresOnceWithEmptyPlan(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	j := newJournal()
	j.attach(o)

	if err := o.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	select {
	case <-j.done:
	case <-time.After(time.Second):
		t.Fatal("complete callback never fired")
	}

	_, _, complete := j.snapshot()
	if len(complete) != 3 || complete[2] != 0 {
		t.Errorf("expected complete(0, 0, 0), got %v", complete)
	}
}

func TestCancelledContextCountsDeferredAsFailed(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	j := newJournal()
	j.attach(o)

	o.AddTask(executor.PhaseImmediate, "config", j.task("config"))
	o.AddTask(executor.PhaseShortDeferred, "tray", j.task("tray"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := o.Execute(ctx); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	order, _, complete := j.snapshot()
	if indexOf(order, "config") == -1 {
		t.Error("immediate task should run even with cancelled context")
	}
	if indexOf(order, "tray") != -1 {
		t.Error("deferred task should not run after cancellation")
	}
	if len(complete) != 3 || complete[0] != 1 || complete[1] != 1 || complete[2] != 2 {
		t.Errorf("expected complete(1, 1, 2), got %v", complete)
	}
}
