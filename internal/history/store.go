// Package history provides persistent storage for task runs and telemetry
// snapshots using SQLite. The store runs its migrations automatically on
// open and is safe for concurrent use.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists execution history and telemetry snapshots.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the history database under dataPath
// and runs migrations.
func NewStore(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, "aegis.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:   db,
		path: dataPath,
	}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate creates necessary tables
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			progress INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS telemetry_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subsystem TEXT NOT NULL,
			payload TEXT NOT NULL,
			sample_count INTEGER DEFAULT 0,
			received_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS subsystem_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subsystem TEXT NOT NULL,
			event TEXT NOT NULL,
			detail TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_created ON task_runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_subsystem ON telemetry_snapshots(subsystem)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_received ON telemetry_snapshots(received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_subsystem_events_subsystem ON subsystem_events(subsystem)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// TaskRun is one completed task execution record.
type TaskRun struct {
	ID          string
	Name        string
	Phase       string
	Status      string
	Error       string
	Progress    int
	DurationMs  int64
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// SaveTaskRun inserts a task run record. The run ID must be unique.
func (s *Store) SaveTaskRun(run *TaskRun) error {
	_, err := s.db.Exec(`
		INSERT INTO task_runs (id, name, phase, status, error, progress, duration_ms, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Name, run.Phase, run.Status, run.Error, run.Progress, run.DurationMs, run.CompletedAt)
	return err
}

// GetTaskRun retrieves a run by ID. Returns sql.ErrNoRows when absent.
func (s *Store) GetTaskRun(id string) (*TaskRun, error) {
	row := s.db.QueryRow(`
		SELECT id, name, phase, status, COALESCE(error, ''), progress, duration_ms, created_at, completed_at
		FROM task_runs WHERE id = ?
	`, id)
	return scanTaskRun(row)
}

// ListTaskRuns returns the most recent runs, newest first.
func (s *Store) ListTaskRuns(limit int) ([]*TaskRun, error) {
	rows, err := s.db.Query(`
		SELECT id, name, phase, status, COALESCE(error, ''), progress, duration_ms, created_at, completed_at
		FROM task_runs ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListTaskRunsByStatus returns recent runs filtered by terminal status.
func (s *Store) ListTaskRunsByStatus(status string, limit int) ([]*TaskRun, error) {
	rows, err := s.db.Query(`
		SELECT id, name, phase, status, COALESCE(error, ''), progress, duration_ms, created_at, completed_at
		FROM task_runs WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTaskRun(row scannable) (*TaskRun, error) {
	var run TaskRun
	var completedAt sql.NullTime
	err := row.Scan(&run.ID, &run.Name, &run.Phase, &run.Status, &run.Error,
		&run.Progress, &run.DurationMs, &run.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// Snapshot is one stored telemetry batch.
type Snapshot struct {
	ID          int64
	Subsystem   string
	Payload     string
	SampleCount int
	ReceivedAt  time.Time
}

// SaveSnapshot stores a telemetry batch for a subsystem.
func (s *Store) SaveSnapshot(subsystem, payload string, sampleCount int, receivedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO telemetry_snapshots (subsystem, payload, sample_count, received_at)
		VALUES (?, ?, ?, ?)
	`, subsystem, payload, sampleCount, receivedAt)
	return err
}

// RecentSnapshots returns the newest snapshots for a subsystem.
func (s *Store) RecentSnapshots(subsystem string, limit int) ([]*Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, subsystem, payload, sample_count, received_at
		FROM telemetry_snapshots WHERE subsystem = ?
		ORDER BY received_at DESC, id DESC LIMIT ?
	`, subsystem, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.Subsystem, &snap.Payload, &snap.SampleCount, &snap.ReceivedAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// SubsystemEvent is one lifecycle event of a telemetry subsystem.
type SubsystemEvent struct {
	ID        int64
	Subsystem string
	Event     string
	Detail    string
	CreatedAt time.Time
}

// SaveSubsystemEvent records a subsystem lifecycle event such as a
// restart, stall, or breaker trip.
func (s *Store) SaveSubsystemEvent(subsystem, event, detail string) error {
	_, err := s.db.Exec(`
		INSERT INTO subsystem_events (subsystem, event, detail) VALUES (?, ?, ?)
	`, subsystem, event, detail)
	return err
}

// ListSubsystemEvents returns the newest events for a subsystem.
func (s *Store) ListSubsystemEvents(subsystem string, limit int) ([]*SubsystemEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, subsystem, event, COALESCE(detail, ''), created_at
		FROM subsystem_events WHERE subsystem = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, subsystem, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*SubsystemEvent
	for rows.Next() {
		var evt SubsystemEvent
		if err := rows.Scan(&evt.ID, &evt.Subsystem, &evt.Event, &evt.Detail, &evt.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &evt)
	}
	return events, rows.Err()
}

// Prune deletes snapshots and events received before the cutoff. Task
// runs are kept; they are small and useful for support bundles.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	var total int64

	res, err := s.db.Exec(`DELETE FROM telemetry_snapshots WHERE received_at < ?`, cutoff)
	if err != nil {
		return total, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.Exec(`DELETE FROM subsystem_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return total, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}
