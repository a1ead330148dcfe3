// -----------------------------------------------------------------------
// Batch - In-memory grouping of related jobs with aggregate status
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// BatchIDPrefix keeps batch ids distinct from job ids.
const BatchIDPrefix = "batch_"

// NewBatchID generates a unique batch identifier.
// Format: batch_<uuid>
func NewBatchID() string {
	return BatchIDPrefix + uuid.New().String()
}

// BatchOperation describes one member operation of a batch.
type BatchOperation struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Batch groups related jobs. There is no dedicated database row: membership
// lives in memory and rollup is computed on demand from member job rows.
type Batch struct {
	BatchID    string           `json:"batch_id"`
	JobIDs     []string         `json:"job_ids"`
	Operations []BatchOperation `json:"operations"`
	Source     string           `json:"source,omitempty"`
	Metadata   JobContext       `json:"metadata"`
	StartedAt  int64            `json:"started_at"`
}

// Clone returns a deep copy of the batch record.
func (b *Batch) Clone() *Batch {
	clone := *b
	clone.JobIDs = make([]string, len(b.JobIDs))
	copy(clone.JobIDs, b.JobIDs)
	clone.Operations = make([]BatchOperation, len(b.Operations))
	copy(clone.Operations, b.Operations)
	return &clone
}

// BatchStatus is the aggregate view computed from member job rows.
// Overall status: processing if any member is pending or processing,
// else failed if any member failed, else completed.
type BatchStatus struct {
	BatchID              string     `json:"batch_id"`
	Status               JobStatus  `json:"status"`
	TotalOperations      int        `json:"total_operations"`
	CompletedOperations  int        `json:"completed_operations"`
	FailedOperations     int        `json:"failed_operations"`
	PendingOperations    int        `json:"pending_operations"`
	ProcessingOperations int        `json:"processing_operations"`
	CurrentOperation     string     `json:"current_operation,omitempty"`
	Errors               []string   `json:"errors,omitempty"`
	Metadata             JobContext `json:"metadata"`
	StartedAt            int64      `json:"started_at"`
}

// IsTerminal reports whether every member job reached a final state.
func (s *BatchStatus) IsTerminal() bool {
	return s.Status == JobStatusCompleted || s.Status == JobStatusFailed
}
