package interfaces

import (
	"context"

	"github.com/ternarybob/agenda/internal/models"
)

// ProgressReporter forwards handler progress to the progress monitor with
// the job id already bound. Construct one per dispatch; never share across
// jobs.
type ProgressReporter interface {
	Report(ctx context.Context, update models.ProgressUpdate) error
}

// JobHandler is the pluggable unit of business logic for one job type.
//
// ValidateAndParse must be pure and deterministic: it receives the raw
// serialized payload and returns the parsed form, or an error (or nil
// parsed value) when the payload is not valid for this type. Process may
// be long-running and may call the reporter any number of times.
type JobHandler interface {
	ValidateAndParse(raw []byte) (interface{}, error)
	Process(ctx context.Context, parsed interface{}, jobID string, reporter ProgressReporter) (interface{}, error)
}

// JobErrorHandler is an optional cleanup hook, discovered by type
// assertion on the handler. It runs best-effort when Process fails; its
// own failure is logged and never affects retry accounting.
type JobErrorHandler interface {
	OnError(ctx context.Context, procErr error, parsed interface{}, jobID string, reporter ProgressReporter)
}

// HandlerRegistry maps job-type strings to handlers for the process
// lifetime. Unregistering a type blocks subsequent enqueues but leaves
// persisted rows to fail with a no-handler error at dispatch.
type HandlerRegistry interface {
	// Register binds a handler to a job type. Registering a type twice is
	// an error. pluginID may be empty for core handlers.
	Register(jobType string, handler JobHandler, pluginID string) error

	// Unregister removes a single type. Unknown types are a no-op.
	Unregister(jobType string)

	// UnregisterAllForPlugin removes every type registered under pluginID
	// or whose name carries the "pluginID:" prefix. Returns the number of
	// types removed.
	UnregisterAllForPlugin(pluginID string) int

	// GetHandler resolves the handler for a type.
	GetHandler(jobType string) (JobHandler, bool)

	// ListTypes returns all registered types, sorted.
	ListTypes() []string
}
