package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/agenda/internal/models"
)

// QueueService is the durable queue facade. All state changes to job rows
// flow through it; it owns deduplication, retry backoff and validation
// against the handler registry.
type QueueService interface {
	// Enqueue validates the payload against the registered handler for
	// jobType, applies the deduplication policy and persists a new job.
	// data may be any JSON-serializable value or pre-encoded bytes.
	Enqueue(ctx context.Context, jobType string, data interface{}, opts models.EnqueueOptions) (string, error)

	// Dequeue atomically claims the next eligible job. Returns (nil, nil)
	// when nothing is ready.
	Dequeue(ctx context.Context) (*models.Job, error)

	// Complete marks a job completed and stores its serialized result.
	Complete(ctx context.Context, jobID string, result interface{}) error

	// Fail records a failure: schedules a retry with exponential backoff
	// while retries remain, otherwise marks the job failed.
	Fail(ctx context.Context, jobID string, cause error) error

	// FailTerminal marks a job failed immediately, ignoring remaining
	// retries. For non-recoverable dispatch failures such as a missing
	// handler or an invalid payload, where another attempt cannot succeed.
	FailTerminal(ctx context.Context, jobID string, cause error) error

	// Update overwrites the job payload in place.
	Update(ctx context.Context, jobID string, data interface{}) error

	// GetStatus reads a job row by primary key.
	GetStatus(ctx context.Context, jobID string) (*models.Job, error)

	// GetStatusByEntityID reads the most recent job whose payload id
	// matches entityID.
	GetStatusByEntityID(ctx context.Context, entityID string) (*models.Job, error)

	// GetStats returns aggregate counts per status.
	GetStats(ctx context.Context) (*models.QueueStats, error)

	// GetActiveJobs returns pending and processing jobs, optionally
	// filtered to a set of types, newest first.
	GetActiveJobs(ctx context.Context, types ...string) ([]*models.Job, error)

	// Cleanup deletes terminal jobs whose completed_at is older than the
	// given age. Returns the number of rows deleted.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)

	// ResetStuckJob transitions a processing job back to pending. Recovery
	// escape hatch after a worker crash.
	ResetStuckJob(ctx context.Context, jobID string) error
}

// JobStatusReader is the narrow read surface the progress monitor needs.
type JobStatusReader interface {
	GetStatus(ctx context.Context, jobID string) (*models.Job, error)
}
