package interfaces

import "time"

// ScheduledTaskStatus describes one registered maintenance task.
type ScheduledTaskStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// SchedulerService runs cron-driven queue maintenance: terminal-row
// cleanup, batch cleanup and the stuck-job sweep.
type SchedulerService interface {
	// Start registers the configured entries and starts the cron runner.
	Start() error

	// Stop halts the cron runner and waits for a running task to finish.
	Stop() error

	// IsRunning reports whether the scheduler is active.
	IsRunning() bool

	// TaskStatuses returns the status of every registered task.
	TaskStatuses() map[string]*ScheduledTaskStatus
}
