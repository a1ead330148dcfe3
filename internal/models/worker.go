package models

import "time"

// WorkerStats is a point-in-time snapshot of worker pool counters.
type WorkerStats struct {
	ProcessedJobs int           `json:"processed_jobs"`
	FailedJobs    int           `json:"failed_jobs"`
	ActiveJobs    int           `json:"active_jobs"`
	Uptime        time.Duration `json:"uptime"`
	IsRunning     bool          `json:"is_running"`
	LastError     string        `json:"last_error,omitempty"`
}

// WorkerConfig controls worker pool behavior.
type WorkerConfig struct {
	// Concurrency bounds the number of jobs executing at once. Minimum 1.
	Concurrency int `json:"concurrency"`
	// PollInterval is the dispatch tick period.
	PollInterval time.Duration `json:"poll_interval"`
	// MaxJobs stops the pool after processing this many jobs. 0 = unbounded.
	MaxJobs int `json:"max_jobs"`
	// AutoStart starts the pool at construction time.
	AutoStart bool `json:"auto_start"`
}

// DefaultWorkerConfig returns the programmatic defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  1,
		PollInterval: time.Second,
		MaxJobs:      0,
		AutoStart:    false,
	}
}

// Normalize clamps invalid values to their defaults.
func (c WorkerConfig) Normalize() WorkerConfig {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxJobs < 0 {
		c.MaxJobs = 0
	}
	return c
}
