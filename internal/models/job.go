// -----------------------------------------------------------------------
// Job - Durable unit of work persisted in the job_queue table
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// OperationType classifies the kind of work a job performs. Subscribers
// use it to route progress events to the right surface.
type OperationType string

const (
	OperationFileOperations    OperationType = "file_operations"
	OperationContentOperations OperationType = "content_operations"
	OperationDataProcessing    OperationType = "data_processing"
	OperationBatchProcessing   OperationType = "batch_processing"
)

// DeduplicationMode selects the enqueue-time deduplication policy.
// Scope is (type, deduplication key) among currently active jobs.
type DeduplicationMode string

const (
	// DedupNone inserts unconditionally.
	DedupNone DeduplicationMode = "none"
	// DedupSkip reuses a pending match's id; a processing-only match still inserts.
	DedupSkip DeduplicationMode = "skip"
	// DedupReplace fails pending matches with "Replaced" and inserts the new job.
	DedupReplace DeduplicationMode = "replace"
	// DedupCoalesce reuses a pending match and pulls its scheduled_for to now.
	DedupCoalesce DeduplicationMode = "coalesce"
)

// DefaultMaxRetries is applied when enqueue options leave MaxRetries unset.
const DefaultMaxRetries = 3

// JobContext is the required structured metadata attached to every job.
// RootJobID equals the job's own id for standalone jobs; for batch members
// it equals the batch id. It is never mutated after creation.
type JobContext struct {
	PluginID        string        `json:"plugin_id,omitempty"`
	RootJobID       string        `json:"root_job_id" validate:"required"`
	ProgressToken   string        `json:"progress_token,omitempty"`
	OperationType   OperationType `json:"operation_type" validate:"required,oneof=file_operations content_operations data_processing batch_processing"`
	OperationTarget string        `json:"operation_target,omitempty"`
}

// Clone returns a copy of the context. Contexts are copied into events and
// batch members so callers can never alias internal state.
func (c JobContext) Clone() JobContext {
	return c
}

// Job is a durable unit of work. Rows mutate only through the queue service;
// timestamps are epoch milliseconds.
type Job struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Data             json.RawMessage `json:"data"`
	Status           JobStatus       `json:"status"`
	Priority         int             `json:"priority"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	LastError        string          `json:"last_error,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Source           string          `json:"source,omitempty"`
	Metadata         JobContext      `json:"metadata"`
	CreatedAt        int64           `json:"created_at"`
	ScheduledFor     int64           `json:"scheduled_for"`
	StartedAt        int64           `json:"started_at,omitempty"`
	CompletedAt      int64           `json:"completed_at,omitempty"`
	DeduplicationKey string          `json:"deduplication_key,omitempty"`
}

// NewJobID generates a unique job identifier.
func NewJobID() string {
	return uuid.New().String()
}

// EpochMillis returns t as epoch milliseconds, the timestamp unit used
// throughout the job table and event payloads.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// Validate checks the structural invariants that hold for every stored job.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.Type == "" {
		return fmt.Errorf("job type is required")
	}
	switch j.Status {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
	default:
		return fmt.Errorf("invalid job status: %s", j.Status)
	}
	if j.RetryCount > j.MaxRetries {
		return fmt.Errorf("retry count %d exceeds max retries %d", j.RetryCount, j.MaxRetries)
	}
	if j.Metadata.RootJobID == "" {
		return fmt.Errorf("metadata root job ID is required")
	}
	return nil
}

// IsTerminal reports whether the job reached a final state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// IsActive reports whether the job still occupies the active set.
func (j *Job) IsActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusProcessing
}

// IsReady reports whether the job is eligible to run at the given time.
func (j *Job) IsReady(now time.Time) bool {
	return j.Status == JobStatusPending && j.ScheduledFor <= EpochMillis(now)
}

// IsBatchMember reports whether the job belongs to a batch (its root id
// points at something other than itself).
func (j *Job) IsBatchMember() bool {
	return j.Metadata.RootJobID != "" && j.Metadata.RootJobID != j.ID
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	clone := *j
	if j.Data != nil {
		clone.Data = make(json.RawMessage, len(j.Data))
		copy(clone.Data, j.Data)
	}
	if j.Result != nil {
		clone.Result = make(json.RawMessage, len(j.Result))
		copy(clone.Result, j.Result)
	}
	return &clone
}

// EnqueueOptions carries the per-call options accepted by Enqueue.
type EnqueueOptions struct {
	Source           string            `json:"source" validate:"required"`
	Metadata         JobContext        `json:"metadata"`
	Priority         int               `json:"priority"`
	MaxRetries       *int              `json:"max_retries,omitempty"`
	Delay            time.Duration     `json:"delay,omitempty"`
	Deduplication    DeduplicationMode `json:"deduplication,omitempty" validate:"omitempty,oneof=none skip replace coalesce"`
	DeduplicationKey string            `json:"deduplication_key,omitempty"`
}

// QueueStats is the aggregate row count per status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}
