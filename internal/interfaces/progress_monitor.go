package interfaces

import (
	"context"

	"github.com/ternarybob/agenda/internal/models"
)

// ProgressMonitor broadcasts job and batch lifecycle events on the
// job-progress channel. It is event-driven: the worker pool and handlers
// invoke its entry points, nothing polls.
type ProgressMonitor interface {
	// CreateProgressReporter builds a reporter bound to one job id.
	CreateProgressReporter(jobID string) ProgressReporter

	// EmitBatchProgress broadcasts an aggregated batch event.
	EmitBatchProgress(ctx context.Context, batchID string, status *models.BatchStatus, metadata models.JobContext) error

	// HandleJobStatusChange is called by the worker pool on terminal
	// transitions. Batch members roll up to a batch event; standalone jobs
	// emit a job event with job details.
	HandleJobStatusChange(ctx context.Context, jobID string, status models.JobStatus, metadata models.JobContext) error
}
