package batch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/agenda/internal/common"
	"github.com/ternarybob/agenda/internal/interfaces"
	"github.com/ternarybob/agenda/internal/models"
	"github.com/ternarybob/agenda/internal/queue"
	"github.com/ternarybob/agenda/internal/storage/sqlite"
)

// acceptAllHandler passes any JSON object through
type acceptAllHandler struct{}

func (h *acceptAllHandler) ValidateAndParse(raw []byte) (interface{}, error) {
	var parsed map[string]interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

func (h *acceptAllHandler) Process(ctx context.Context, parsed interface{}, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
	return "ok", nil
}

func setupManager(t *testing.T) (*Manager, *queue.Service, func()) {
	tempDir := t.TempDir()

	config := &common.SQLiteConfig{
		Path:          tempDir + "/test.db",
		WALMode:       false,
		BusyTimeoutMS: 5000,
		CacheSizeMB:   10,
	}

	logger := arbor.NewLogger()
	storageManager, err := sqlite.NewManager(logger, config)
	require.NoError(t, err)

	registry := queue.NewRegistry(logger)
	require.NoError(t, registry.Register("data_export", &acceptAllHandler{}, ""))
	require.NoError(t, registry.Register("file_sync", &acceptAllHandler{}, ""))

	service := queue.NewService(storageManager.JobStorage(), registry, 3, logger)
	manager := NewManager(service, logger)

	cleanup := func() {
		storageManager.Close()
	}

	return manager, service, cleanup
}

func batchOpts() interfaces.BatchOptions {
	zero := 0
	return interfaces.BatchOptions{
		Source: "test",
		Metadata: models.JobContext{
			OperationType: models.OperationBatchProcessing,
		},
		MaxRetries: &zero,
	}
}

func testOperations(n int) []models.BatchOperation {
	ops := make([]models.BatchOperation, 0, n)
	for i := 0; i < n; i++ {
		ops = append(ops, models.BatchOperation{
			Type: "data_export",
			Data: json.RawMessage(`{"id":"doc"}`),
		})
	}
	return ops
}

// drainOne claims the next job and drives it to the given terminal state
func drainOne(t *testing.T, service *queue.Service, status models.JobStatus) *models.Job {
	t.Helper()
	ctx := context.Background()

	job, err := service.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	switch status {
	case models.JobStatusCompleted:
		require.NoError(t, service.Complete(ctx, job.ID, "ok"))
	case models.JobStatusFailed:
		require.NoError(t, service.Fail(ctx, job.ID, errors.New("member failed")))
	}
	return job
}

func TestManager_EnqueueBatchRejectsEmpty(t *testing.T) {
	manager, _, cleanup := setupManager(t)
	defer cleanup()

	_, err := manager.EnqueueBatch(context.Background(), nil, batchOpts())
	assert.ErrorIs(t, err, queue.ErrBatchEmpty)
}

func TestManager_EnqueueBatchStampsMembers(t *testing.T) {
	manager, service, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	batchID, err := manager.EnqueueBatch(ctx, testOperations(3), batchOpts())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(batchID, models.BatchIDPrefix))

	// Every member carries the batch id as its root
	jobs, err := service.GetActiveJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, job := range jobs {
		assert.Equal(t, batchID, job.Metadata.RootJobID)
		assert.True(t, job.IsBatchMember())
	}
}

func TestManager_GetBatchStatusAggregates(t *testing.T) {
	manager, service, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	batchID, err := manager.EnqueueBatch(ctx, testOperations(3), batchOpts())
	require.NoError(t, err)

	// All members pending: the batch is processing
	status, err := manager.GetBatchStatus(ctx, batchID)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, models.JobStatusProcessing, status.Status)
	assert.Equal(t, 3, status.TotalOperations)
	assert.Equal(t, 3, status.PendingOperations)
	assert.Equal(t, "Processing data_export", status.CurrentOperation)
	assert.False(t, status.IsTerminal())

	// Two complete, one fails: the batch is failed with the member error
	drainOne(t, service, models.JobStatusCompleted)
	drainOne(t, service, models.JobStatusCompleted)
	drainOne(t, service, models.JobStatusFailed)

	status, err = manager.GetBatchStatus(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, status.Status)
	assert.Equal(t, 2, status.CompletedOperations)
	assert.Equal(t, 1, status.FailedOperations)
	assert.Contains(t, status.Errors, "member failed")
	assert.True(t, status.IsTerminal())
}

func TestManager_GetBatchStatusAllCompleted(t *testing.T) {
	manager, service, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	batchID, err := manager.EnqueueBatch(ctx, testOperations(2), batchOpts())
	require.NoError(t, err)

	drainOne(t, service, models.JobStatusCompleted)
	drainOne(t, service, models.JobStatusCompleted)

	status, err := manager.GetBatchStatus(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, status.Status)
	assert.Equal(t, 2, status.CompletedOperations)
	assert.Empty(t, status.Errors)
}

func TestManager_GetBatchStatusUnknownID(t *testing.T) {
	manager, _, cleanup := setupManager(t)
	defer cleanup()

	status, err := manager.GetBatchStatus(context.Background(), "batch_missing")
	assert.NoError(t, err)
	assert.Nil(t, status)
}

func TestManager_GetActiveBatchesExcludesTerminal(t *testing.T) {
	manager, service, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	doneID, err := manager.EnqueueBatch(ctx, testOperations(1), batchOpts())
	require.NoError(t, err)
	drainOne(t, service, models.JobStatusCompleted)

	activeID, err := manager.EnqueueBatch(ctx, testOperations(1), batchOpts())
	require.NoError(t, err)

	active, err := manager.GetActiveBatches(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, activeID, active[0].BatchID)
	assert.NotEqual(t, doneID, active[0].BatchID)
}

func TestManager_CleanupDropsOnlyTerminalBatches(t *testing.T) {
	manager, service, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	doneID, err := manager.EnqueueBatch(ctx, testOperations(1), batchOpts())
	require.NoError(t, err)
	drainOne(t, service, models.JobStatusCompleted)

	activeID, err := manager.EnqueueBatch(ctx, testOperations(1), batchOpts())
	require.NoError(t, err)

	// Zero age makes every batch a candidate; only the terminal one drops
	dropped, err := manager.Cleanup(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	status, err := manager.GetBatchStatus(ctx, doneID)
	require.NoError(t, err)
	assert.Nil(t, status)

	status, err = manager.GetBatchStatus(ctx, activeID)
	require.NoError(t, err)
	require.NotNil(t, status)
}

func TestManager_DeletedMemberRowsCountAsCompleted(t *testing.T) {
	manager, service, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	batchID, err := manager.EnqueueBatch(ctx, testOperations(1), batchOpts())
	require.NoError(t, err)
	drainOne(t, service, models.JobStatusCompleted)

	// Queue cleanup removes the terminal member row; rollup still treats
	// the operation as completed
	deleted, err := service.Cleanup(ctx, -time.Second)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	status, err := manager.GetBatchStatus(ctx, batchID)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, models.JobStatusCompleted, status.Status)
	assert.Equal(t, 1, status.CompletedOperations)
}
