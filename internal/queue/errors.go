// -----------------------------------------------------------------------
// Queue Errors - Structured error kinds surfaced by the queue
// -----------------------------------------------------------------------

package queue

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Callers match with errors.Is; the wrapping Error carries
// the job context.
var (
	// ErrNoHandler - the job type has no registered handler at enqueue or dispatch.
	ErrNoHandler = errors.New("no handler registered for job type")

	// ErrInvalidJobData - the handler's validation rejected the payload.
	ErrInvalidJobData = errors.New("invalid job data")

	// ErrHandlerFailure - the handler's process returned an error.
	ErrHandlerFailure = errors.New("handler failure")

	// ErrReplaced - a pending job was superseded by a replace-mode enqueue.
	ErrReplaced = errors.New("job replaced by newer enqueue")

	// ErrStorage - the underlying database operation failed.
	ErrStorage = errors.New("storage error")

	// ErrBatchEmpty - enqueueBatch received no operations.
	ErrBatchEmpty = errors.New("batch contains no operations")
)

// ReplacedReason is recorded as last_error on jobs failed by replace-mode
// deduplication.
const ReplacedReason = "Replaced"

// Error is a structured queue error: a sentinel kind plus the job context
// it occurred in. errors.Is matches the kind; errors.As recovers the context.
type Error struct {
	Kind    error
	JobID   string
	JobType string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.JobType != "" {
		msg = fmt.Sprintf("%s: type %s", msg, e.JobType)
	}
	if e.JobID != "" {
		msg = fmt.Sprintf("%s: job %s", msg, e.JobID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is matches the error's kind so errors.Is(err, ErrNoHandler) works on
// wrapped errors.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds a structured queue error.
func newError(kind error, jobType, jobID string, cause error) *Error {
	return &Error{
		Kind:    kind,
		JobID:   jobID,
		JobType: jobType,
		Err:     cause,
	}
}
