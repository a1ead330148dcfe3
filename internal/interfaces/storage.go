package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/agenda/internal/models"
)

// ErrJobNotFound is returned by storage reads and targeted updates when no
// row carries the requested id.
var ErrJobNotFound = errors.New("job not found")

// JobStorage provides durable persistence for the job_queue table.
// All mutations are transactional; timestamps are epoch milliseconds.
type JobStorage interface {
	// InsertJob persists a new job row.
	InsertJob(ctx context.Context, job *models.Job) error

	// GetJob reads a job by primary key. Returns ErrJobNotFound when missing.
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// GetJobByEntityID reads the most recent job whose payload id field
	// (json path $.id) equals entityID.
	GetJobByEntityID(ctx context.Context, entityID string) (*models.Job, error)

	// DequeueJob atomically claims the eligible job with the highest
	// priority (ties broken by oldest created_at): the row transitions to
	// processing with started_at stamped, all inside one transaction.
	// Returns (nil, nil) when no job is eligible.
	DequeueJob(ctx context.Context, now time.Time) (*models.Job, error)

	// MarkCompleted sets status completed, stores the result, stamps completed_at.
	MarkCompleted(ctx context.Context, id string, result []byte, completedAt int64) error

	// MarkFailed sets status failed, records the error, stamps completed_at.
	MarkFailed(ctx context.Context, id string, lastError string, completedAt int64) error

	// ScheduleRetry increments retry_count, records the error, sets status
	// back to pending and moves scheduled_for to the retry time.
	ScheduleRetry(ctx context.Context, id string, lastError string, scheduledFor int64) error

	// UpdateJobData overwrites the serialized payload.
	UpdateJobData(ctx context.Context, id string, data []byte) error

	// UpdateScheduledFor moves a pending job's ready time.
	UpdateScheduledFor(ctx context.Context, id string, scheduledFor int64) error

	// ResetJob transitions a processing job back to pending and clears started_at.
	ResetJob(ctx context.Context, id string) error

	// FindActiveMatches returns active (pending or processing) jobs with the
	// given type and deduplication key. An empty key matches rows whose key
	// is also empty.
	FindActiveMatches(ctx context.Context, jobType, dedupKey string) ([]*models.Job, error)

	// GetActiveJobs returns pending and processing jobs, optionally filtered
	// by type, ordered by created_at descending.
	GetActiveJobs(ctx context.Context, types []string) ([]*models.Job, error)

	// GetStats returns aggregate row counts per status.
	GetStats(ctx context.Context) (*models.QueueStats, error)

	// DeleteTerminalBefore deletes completed and failed rows whose
	// completed_at is older than the cutoff. Returns the deleted count.
	DeleteTerminalBefore(ctx context.Context, cutoff int64) (int64, error)

	// ListProcessingOlderThan returns processing jobs whose started_at is
	// older than the cutoff (crash-recovery candidates).
	ListProcessingOlderThan(ctx context.Context, cutoff int64) ([]*models.Job, error)
}

// StorageManager owns the database connection and the storages built on it.
type StorageManager interface {
	JobStorage() JobStorage
	Close() error
}
