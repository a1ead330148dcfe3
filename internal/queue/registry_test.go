package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/agenda/internal/interfaces"
)

// stubHandler accepts any JSON object payload
type stubHandler struct {
	rejectAll bool
	processFn func(ctx context.Context, parsed interface{}, jobID string, reporter interfaces.ProgressReporter) (interface{}, error)
}

func (h *stubHandler) ValidateAndParse(raw []byte) (interface{}, error) {
	if h.rejectAll {
		return nil, nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

func (h *stubHandler) Process(ctx context.Context, parsed interface{}, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
	if h.processFn != nil {
		return h.processFn(ctx, parsed, jobID, reporter)
	}
	return map[string]interface{}{"ok": true}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := NewRegistry(arbor.NewLogger())

	handler := &stubHandler{}
	err := registry.Register("data_export", handler, "")
	require.NoError(t, err)

	got, ok := registry.GetHandler("data_export")
	assert.True(t, ok)
	assert.Same(t, handler, got)

	_, ok = registry.GetHandler("unknown")
	assert.False(t, ok)
}

func TestRegistry_RejectsDuplicateAndInvalid(t *testing.T) {
	registry := NewRegistry(arbor.NewLogger())

	require.NoError(t, registry.Register("data_export", &stubHandler{}, ""))

	err := registry.Register("data_export", &stubHandler{}, "")
	assert.Error(t, err)

	assert.Error(t, registry.Register("", &stubHandler{}, ""))
	assert.Error(t, registry.Register("data_import", nil, ""))
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry(arbor.NewLogger())

	require.NoError(t, registry.Register("data_export", &stubHandler{}, ""))
	registry.Unregister("data_export")

	_, ok := registry.GetHandler("data_export")
	assert.False(t, ok)

	// Unknown type is a no-op
	registry.Unregister("never-registered")
}

func TestRegistry_UnregisterAllForPlugin(t *testing.T) {
	registry := NewRegistry(arbor.NewLogger())

	// Registered under the plugin id
	require.NoError(t, registry.Register("sync_library", &stubHandler{}, "media-plugin"))
	// Registered with the plugin prefix only
	require.NoError(t, registry.Register("media-plugin:transcode", &stubHandler{}, ""))
	// Unrelated
	require.NoError(t, registry.Register("data_export", &stubHandler{}, ""))

	removed := registry.UnregisterAllForPlugin("media-plugin")
	assert.Equal(t, 2, removed)

	_, ok := registry.GetHandler("sync_library")
	assert.False(t, ok)
	_, ok = registry.GetHandler("media-plugin:transcode")
	assert.False(t, ok)
	_, ok = registry.GetHandler("data_export")
	assert.True(t, ok)

	// Empty plugin id removes nothing
	assert.Equal(t, 0, registry.UnregisterAllForPlugin(""))
}

func TestRegistry_ListTypesSorted(t *testing.T) {
	registry := NewRegistry(arbor.NewLogger())

	require.NoError(t, registry.Register("zeta", &stubHandler{}, ""))
	require.NoError(t, registry.Register("alpha", &stubHandler{}, ""))
	require.NoError(t, registry.Register("mid", &stubHandler{}, ""))

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, registry.ListTypes())
}
