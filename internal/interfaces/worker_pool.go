package interfaces

import (
	"time"

	"github.com/ternarybob/agenda/internal/models"
)

// WorkerPool dispatches queued jobs to registered handlers with bounded
// concurrency.
type WorkerPool interface {
	// Start begins the poll loop. Calling Start on a running pool is a no-op.
	Start() error

	// Stop refuses new dispatch and waits for in-flight jobs to finish.
	Stop() error

	// StopWithTimeout drains like Stop but cancels handler contexts when
	// the deadline passes.
	StopWithTimeout(timeout time.Duration) error

	// Stats returns a snapshot of pool counters.
	Stats() models.WorkerStats
}
