package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/agenda/internal/models"
)

// BatchOptions carries the options applied to every member job of a batch.
type BatchOptions struct {
	Source     string            `json:"source" validate:"required"`
	Metadata   models.JobContext `json:"metadata"`
	Priority   int               `json:"priority"`
	MaxRetries *int              `json:"max_retries,omitempty"`
}

// BatchManager groups related jobs without introducing a special job type.
// Membership is in-memory; aggregate status is computed from member rows.
type BatchManager interface {
	// EnqueueBatch enqueues every operation as a member job whose
	// metadata.rootJobId is the generated batch id. An empty operations
	// list is an error. On a member enqueue failure the error propagates,
	// but the batch is still recorded with the members that got through.
	EnqueueBatch(ctx context.Context, operations []models.BatchOperation, opts BatchOptions) (string, error)

	// GetBatchStatus aggregates member job statuses. Returns (nil, nil)
	// for an unknown batch id.
	GetBatchStatus(ctx context.Context, batchID string) (*models.BatchStatus, error)

	// GetActiveBatches returns the aggregate status of every batch that is
	// not yet terminal.
	GetActiveBatches(ctx context.Context) ([]*models.BatchStatus, error)

	// Cleanup drops batches older than the given age whose aggregate
	// status is terminal. Returns the number of batches dropped.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// BatchStatusReader is the narrow surface the progress monitor uses for
// batch rollup.
type BatchStatusReader interface {
	GetBatchStatus(ctx context.Context, batchID string) (*models.BatchStatus, error)
}
