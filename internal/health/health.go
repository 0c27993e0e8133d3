// Package health implements the doctor checks behind `aegis doctor`.
package health

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/aegisdesk/aegis/internal/config"
)

// Status represents a check outcome
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusDisabled
)

// Check represents a health check result
type Check struct {
	Name    string
	Status  Status
	Message string
	Fix     string
}

// SubsystemStatus represents a configured telemetry subsystem
type SubsystemStatus struct {
	Name    string
	Enabled bool
	Status  Status
	Note    string
}

// Report contains all health check results
type Report struct {
	Checks     []Check
	Subsystems []SubsystemStatus
}

// Healthy reports whether no check is at error level.
func (r *Report) Healthy() bool {
	for _, c := range r.Checks {
		if c.Status == StatusError {
			return false
		}
	}
	for _, s := range r.Subsystems {
		if s.Status == StatusError {
			return false
		}
	}
	return true
}

// RunChecks performs all health checks for the given configuration.
func RunChecks(cfg *config.Config) *Report {
	return &Report{
		Checks:     runChecks(cfg),
		Subsystems: checkSubsystems(cfg),
	}
}

func runChecks(cfg *config.Config) []Check {
	checks := []Check{}

	// Configuration must validate before anything else is trustworthy.
	if err := cfg.Validate(); err != nil {
		checks = append(checks, Check{
			Name:    "config",
			Status:  StatusError,
			Message: err.Error(),
			Fix:     "edit " + config.DefaultConfigPath(),
		})
	} else {
		checks = append(checks, Check{
			Name:    "config",
			Status:  StatusOK,
			Message: "valid",
		})
	}

	checks = append(checks, checkDataDir(cfg))
	return checks
}

// checkDataDir verifies the history directory exists and is writable.
func checkDataDir(cfg *config.Config) Check {
	if cfg.History == nil || cfg.History.Path == "" {
		return Check{
			Name:    "data-dir",
			Status:  StatusWarning,
			Message: "no history path configured",
		}
	}

	path := cfg.History.Path
	if err := os.MkdirAll(path, 0755); err != nil {
		return Check{
			Name:    "data-dir",
			Status:  StatusError,
			Message: fmt.Sprintf("cannot create %s: %v", path, err),
			Fix:     "check directory permissions",
		}
	}

	probe := filepath.Join(path, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return Check{
			Name:    "data-dir",
			Status:  StatusError,
			Message: fmt.Sprintf("%s is not writable: %v", path, err),
			Fix:     "check directory permissions",
		}
	}
	_ = os.Remove(probe)

	return Check{
		Name:    "data-dir",
		Status:  StatusOK,
		Message: path,
	}
}

// checkSubsystems verifies each configured telemetry worker binary resolves.
func checkSubsystems(cfg *config.Config) []SubsystemStatus {
	subs := []SubsystemStatus{}
	for _, t := range cfg.Telemetry {
		status := SubsystemStatus{
			Name:    t.Subsystem,
			Enabled: true,
			Status:  StatusOK,
		}
		if !commandExists(t.Command) {
			status.Status = StatusError
			status.Note = t.Command + " not found in PATH"
		}
		subs = append(subs, status)
	}
	return subs
}

// commandExists checks if a command resolves. Absolute and relative paths
// are checked directly; bare names go through PATH.
func commandExists(cmd string) bool {
	if filepath.Base(cmd) != cmd {
		info, err := os.Stat(cmd)
		return err == nil && !info.IsDir()
	}
	_, err := exec.LookPath(cmd)
	return err == nil
}

// Symbol returns the display symbol for a status
func (s Status) Symbol() string {
	switch s {
	case StatusOK:
		return "✓"
	case StatusWarning:
		return "○"
	case StatusError:
		return "✗"
	case StatusDisabled:
		return "·"
	default:
		return "?"
	}
}

// String returns the status name
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}
