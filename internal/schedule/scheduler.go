// Package schedule submits recurring maintenance tasks to the worker pool
// on cron schedules.
package schedule

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aegisdesk/aegis/internal/executor"
	"github.com/aegisdesk/aegis/internal/logging"
)

// JobConfig describes one recurring job.
type JobConfig struct {
	// Name labels the submitted task.
	Name string `yaml:"name"`
	// Schedule is a standard 5-field cron spec.
	Schedule string `yaml:"schedule"`
	// Enabled gates the job without removing its config.
	Enabled bool `yaml:"enabled"`
	// DeadlineSeconds bounds each run; zero means no deadline.
	DeadlineSeconds int `yaml:"deadline_seconds"`
}

// Config holds scheduler settings.
type Config struct {
	Timezone string       `yaml:"timezone"`
	Jobs     []*JobConfig `yaml:"jobs"`
}

// JobFunc is the body of a recurring job, resolved by name at Start.
type JobFunc func(tc *executor.TaskContext) (any, error)

// Scheduler fires cron entries that submit tasks to the pool. A job whose
// previous run is still in flight is skipped for that tick; the pool's
// duplicate-ID check enforces it.
type Scheduler struct {
	config *Config
	pool   *executor.Pool
	cron   *cron.Cron
	log    *slog.Logger

	mu      sync.Mutex
	jobs    map[string]JobFunc
	entries map[string]cron.EntryID
	running bool
}

// New creates a scheduler submitting onto the given pool.
func New(config *Config, pool *executor.Pool) *Scheduler {
	log := logging.WithComponent("schedule")

	loc := time.Local
	if config.Timezone != "" {
		l, err := time.LoadLocation(config.Timezone)
		if err != nil {
			log.Warn("Invalid timezone, using local",
				slog.String("timezone", config.Timezone),
				slog.Any("error", err),
			)
		} else {
			loc = l
		}
	}

	return &Scheduler{
		config:  config,
		pool:    pool,
		cron:    cron.New(cron.WithLocation(loc)),
		log:     log,
		jobs:    make(map[string]JobFunc),
		entries: make(map[string]cron.EntryID),
	}
}

// RegisterJob binds a job name to its body. Configured jobs without a
// registered body are skipped at Start.
func (s *Scheduler) RegisterJob(name string, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = fn
}

// Start adds every enabled configured job to the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	for _, job := range s.config.Jobs {
		if !job.Enabled {
			continue
		}
		fn, ok := s.jobs[job.Name]
		if !ok {
			s.log.Warn("No body registered for job", slog.String("job", job.Name))
			continue
		}

		job := job
		entryID, err := s.cron.AddFunc(job.Schedule, func() {
			s.submit(job, fn)
		})
		if err != nil {
			return err
		}
		s.entries[job.Name] = entryID

		s.log.Info("Job scheduled",
			slog.String("job", job.Name),
			slog.String("schedule", job.Schedule),
		)
	}

	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts the cron runner and waits for in-flight cron callbacks.
// Tasks already submitted to the pool keep running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	s.log.Info("Scheduler stopped")
}

// RunNow submits a registered job immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) (*executor.Handle, error) {
	s.mu.Lock()
	fn, ok := s.jobs[name]
	var cfg *JobConfig
	for _, job := range s.config.Jobs {
		if job.Name == name {
			cfg = job
			break
		}
	}
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown job: %s", name)
	}
	if cfg == nil {
		cfg = &JobConfig{Name: name}
	}
	return s.pool.Submit(s.task(cfg, fn))
}

// NextRun returns the next fire time for a job, or zero if unscheduled.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[name]
	if !ok || !s.running {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// IsRunning reports whether the cron runner is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// submit pushes one scheduled run into the pool.
func (s *Scheduler) submit(cfg *JobConfig, fn JobFunc) {
	h, err := s.pool.Submit(s.task(cfg, fn))
	if err != nil {
		// Previous run still in flight or queue saturated; skip this tick.
		s.log.Warn("Scheduled run skipped",
			slog.String("job", cfg.Name),
			slog.Any("error", err),
		)
		return
	}
	s.log.Info("Scheduled run submitted",
		slog.String("job", cfg.Name),
		slog.String("task_id", h.ID()),
	)
}

func (s *Scheduler) task(cfg *JobConfig, fn JobFunc) *executor.Task {
	var deadline time.Duration
	if cfg.DeadlineSeconds > 0 {
		deadline = time.Duration(cfg.DeadlineSeconds) * time.Second
	}
	return &executor.Task{
		ID:       "job:" + cfg.Name,
		Name:     cfg.Name,
		Phase:    executor.PhaseBackground,
		Deadline: deadline,
		Run:      executor.TaskFunc(fn),
	}
}
