// -----------------------------------------------------------------------
// Handler Registry - In-memory job type to handler mapping
// -----------------------------------------------------------------------

package queue

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/agenda/internal/interfaces"
)

// registration pairs a handler with the plugin that installed it
type registration struct {
	handler  interfaces.JobHandler
	pluginID string
}

// Registry maps job-type strings to handlers for the process lifetime.
// Unregistering a type blocks new enqueues of it; already-persisted rows
// fail with a no-handler error when dispatched.
type Registry struct {
	handlers map[string]registration
	logger   arbor.ILogger
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		handlers: make(map[string]registration),
		logger:   logger,
	}
}

// Register binds a handler to a job type. Registering the same type twice
// is an error. pluginID may be empty for core handlers.
func (r *Registry) Register(jobType string, handler interfaces.JobHandler, pluginID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if jobType == "" {
		return fmt.Errorf("job type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for job type %s", jobType)
	}

	r.handlers[jobType] = registration{
		handler:  handler,
		pluginID: pluginID,
	}

	r.logger.Info().
		Str("job_type", jobType).
		Str("plugin_id", pluginID).
		Msg("Job handler registered")

	return nil
}

// Unregister removes a single type. Unknown types are a no-op.
func (r *Registry) Unregister(jobType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; !exists {
		return
	}

	delete(r.handlers, jobType)
	r.logger.Info().Str("job_type", jobType).Msg("Job handler unregistered")
}

// UnregisterAllForPlugin removes every type registered under pluginID or
// whose name carries the "pluginID:" prefix. Returns the number removed.
func (r *Registry) UnregisterAllForPlugin(pluginID string) int {
	if pluginID == "" {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := pluginID + ":"
	removed := 0
	for jobType, reg := range r.handlers {
		if reg.pluginID == pluginID || strings.HasPrefix(jobType, prefix) {
			delete(r.handlers, jobType)
			removed++
		}
	}

	if removed > 0 {
		r.logger.Info().
			Str("plugin_id", pluginID).
			Int("removed", removed).
			Msg("Plugin handlers unregistered")
	}

	return removed
}

// GetHandler resolves the handler for a type
func (r *Registry) GetHandler(jobType string) (interfaces.JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[jobType]
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

// ListTypes returns all registered types sorted alphabetically
func (r *Registry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}
	sort.Strings(types)

	return types
}
