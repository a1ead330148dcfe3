// -----------------------------------------------------------------------
// Progress Events - Broadcast payloads describing job and batch state
// -----------------------------------------------------------------------

package models

// EventTargetType distinguishes job events from batch rollup events.
type EventTargetType string

const (
	EventTargetJob   EventTargetType = "job"
	EventTargetBatch EventTargetType = "batch"
)

// ProgressDetail carries progress counters for a processing event.
// Rate is units per second; ETA is the estimated seconds remaining.
// Both are derived from the delta since the previous report and may be
// absent on the first report.
type ProgressDetail struct {
	Current    int     `json:"current"`
	Total      int     `json:"total,omitempty"`
	Percentage float64 `json:"percentage"`
	Rate       float64 `json:"rate,omitempty"`
	ETA        float64 `json:"eta,omitempty"`
}

// BatchDetails carries the aggregate counters attached to batch events.
type BatchDetails struct {
	TotalOperations     int      `json:"total_operations"`
	CompletedOperations int      `json:"completed_operations"`
	FailedOperations    int      `json:"failed_operations"`
	CurrentOperation    string   `json:"current_operation,omitempty"`
	Errors              []string `json:"errors,omitempty"`
}

// JobDetails carries job attributes attached to terminal job events.
type JobDetails struct {
	JobType    string `json:"job_type"`
	Priority   int    `json:"priority"`
	RetryCount int    `json:"retry_count"`
}

// JobProgressEvent is the payload broadcast on the job-progress channel.
// It is emitted, never stored. Metadata is a copy of the job or batch
// metadata so subscribers can route without further lookups.
type JobProgressEvent struct {
	ID           string          `json:"id"`
	Type         EventTargetType `json:"type"`
	Status       JobStatus       `json:"status"`
	Message      string          `json:"message,omitempty"`
	Operation    string          `json:"operation,omitempty"`
	Progress     *ProgressDetail `json:"progress,omitempty"`
	BatchDetails *BatchDetails   `json:"batch_details,omitempty"`
	JobDetails   *JobDetails     `json:"job_details,omitempty"`
	Metadata     JobContext      `json:"metadata"`
	Timestamp    int64           `json:"timestamp"`
}

// ProgressUpdate is what a handler passes to its ProgressReporter.
type ProgressUpdate struct {
	Progress int    `json:"progress"`
	Total    int    `json:"total,omitempty"`
	Message  string `json:"message,omitempty"`
}
