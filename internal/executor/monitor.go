package executor

import (
	"sort"
	"sync"
	"time"
)

// TaskState holds the observable state of a task for the status API.
type TaskState struct {
	ID            string
	Name          string
	Phase         string
	Status        TaskStatus
	Progress      int
	Message       string
	SubmittedAt   time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastHeartbeat *time.Time
	Error         string
}

// Monitor tracks task execution state. It is mutated by the pool and read
// by observers; all reads return copies.
type Monitor struct {
	tasks map[string]*TaskState
	mu    sync.RWMutex
}

// NewMonitor creates a new task monitor
func NewMonitor() *Monitor {
	return &Monitor{
		tasks: make(map[string]*TaskState),
	}
}

// Register registers a new task
func (m *Monitor) Register(taskID, name, phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks[taskID] = &TaskState{
		ID:          taskID,
		Name:        name,
		Phase:       phase,
		Status:      StatusPending,
		Progress:    0,
		SubmittedAt: time.Now(),
	}
}

// Start marks a task as started
func (m *Monitor) Start(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.tasks[taskID]; ok {
		now := time.Now()
		state.Status = StatusRunning
		state.StartedAt = &now
		state.Progress = 0
	}
}

// UpdateProgress updates task progress. Progress is monotonic; values below
// the current high-water mark are clamped upward so observers never see a
// task move backwards.
func (m *Monitor) UpdateProgress(taskID string, progress int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.tasks[taskID]; ok {
		if progress > state.Progress {
			state.Progress = progress
		}
		if message != "" {
			state.Message = message
		}
	}
}

// Heartbeat records a liveness signal timestamp.
func (m *Monitor) Heartbeat(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.tasks[taskID]; ok {
		now := time.Now()
		state.LastHeartbeat = &now
	}
}

// Complete marks a task as completed
func (m *Monitor) Complete(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.tasks[taskID]; ok {
		now := time.Now()
		state.Status = StatusCompleted
		state.CompletedAt = &now
		state.Progress = 100
	}
}

// Fail marks a task as failed
func (m *Monitor) Fail(taskID, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.tasks[taskID]; ok {
		now := time.Now()
		state.Status = StatusFailed
		state.CompletedAt = &now
		state.Error = errorMsg
	}
}

// Cancel marks a task as cancelled
func (m *Monitor) Cancel(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.tasks[taskID]; ok {
		now := time.Now()
		state.Status = StatusCancelled
		state.CompletedAt = &now
	}
}

// Get returns the state of a task
func (m *Monitor) Get(taskID string) (*TaskState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}

	// Return a copy
	copy := *state
	return &copy, true
}

// GetAll returns all task states sorted by ID for stable ordering
func (m *Monitor) GetAll() []*TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]*TaskState, 0, len(m.tasks))
	for _, state := range m.tasks {
		copy := *state
		states = append(states, &copy)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].ID < states[j].ID
	})

	return states
}

// GetRunning returns all running tasks sorted by ID for stable ordering
func (m *Monitor) GetRunning() []*TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var running []*TaskState
	for _, state := range m.tasks {
		if state.Status == StatusRunning {
			copy := *state
			running = append(running, &copy)
		}
	}

	sort.Slice(running, func(i, j int) bool {
		return running[i].ID < running[j].ID
	})

	return running
}

// Remove removes a task from monitoring
func (m *Monitor) Remove(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
}

// Count returns the number of tracked tasks
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}
