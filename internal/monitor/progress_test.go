package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/agenda/internal/interfaces"
	"github.com/ternarybob/agenda/internal/models"
)

// captureBus records sends synchronously so tests can assert on the exact
// envelopes the monitor produced.
type captureBus struct {
	mu   sync.Mutex
	sent []sentMessage
}

type sentMessage struct {
	channel string
	event   *models.JobProgressEvent
	opts    interfaces.SendOptions
}

func (b *captureBus) Send(ctx context.Context, channel string, payload interface{}, opts interfaces.SendOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentMessage{
		channel: channel,
		event:   payload.(*models.JobProgressEvent),
		opts:    opts,
	})
	return nil
}

func (b *captureBus) Subscribe(channel string, handler interfaces.BusHandler) (func(), error) {
	return func() {}, nil
}

func (b *captureBus) Close() error { return nil }

func (b *captureBus) messages() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sentMessage, len(b.sent))
	copy(out, b.sent)
	return out
}

// fakeJobs serves job rows from a map
type fakeJobs struct {
	jobs map[string]*models.Job
}

func (f *fakeJobs) GetStatus(ctx context.Context, jobID string) (*models.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, interfaces.ErrJobNotFound
	}
	return job.Clone(), nil
}

// fakeBatches serves one canned batch status
type fakeBatches struct {
	status *models.BatchStatus
}

func (f *fakeBatches) GetBatchStatus(ctx context.Context, batchID string) (*models.BatchStatus, error) {
	return f.status, nil
}

func standaloneJob(id string) *models.Job {
	return &models.Job{
		ID:       id,
		Type:     "data_export",
		Status:   models.JobStatusProcessing,
		Priority: 5,
		Metadata: models.JobContext{
			RootJobID:     id,
			OperationType: models.OperationDataProcessing,
		},
	}
}

func setupMonitor(jobs ...*models.Job) (*Monitor, *captureBus, *fakeBatches) {
	jobMap := make(map[string]*models.Job)
	for _, job := range jobs {
		jobMap[job.ID] = job
	}

	bus := &captureBus{}
	batches := &fakeBatches{}
	m := NewMonitor(&fakeJobs{jobs: jobMap}, batches, bus, arbor.NewLogger())
	return m, bus, batches
}

func TestMonitor_ReporterEmitsProgressEvents(t *testing.T) {
	job := standaloneJob("job-1")
	m, bus, _ := setupMonitor(job)
	ctx := context.Background()

	reporter := m.CreateProgressReporter("job-1")

	require.NoError(t, reporter.Report(ctx, models.ProgressUpdate{Progress: 1, Total: 10, Message: "warming up"}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, reporter.Report(ctx, models.ProgressUpdate{Progress: 5, Total: 10}))

	messages := bus.messages()
	require.Len(t, messages, 2)

	first := messages[0]
	assert.Equal(t, interfaces.JobProgressChannel, first.channel)
	assert.Equal(t, interfaces.ProgressMonitorSender, first.opts.Sender)
	assert.True(t, first.opts.Broadcast)
	assert.True(t, strings.HasPrefix(first.opts.CorrelationID, "corr_"))

	// Each send carries its own correlation id
	assert.NotEqual(t, first.opts.CorrelationID, messages[1].opts.CorrelationID)
	assert.Equal(t, models.EventTargetJob, first.event.Type)
	assert.Equal(t, models.JobStatusProcessing, first.event.Status)
	assert.Equal(t, "warming up", first.event.Message)
	require.NotNil(t, first.event.Progress)
	assert.Equal(t, 1, first.event.Progress.Current)
	assert.InDelta(t, 10.0, first.event.Progress.Percentage, 0.01)

	// The second report derives rate and ETA from the delta
	second := messages[1]
	require.NotNil(t, second.event.Progress)
	assert.InDelta(t, 50.0, second.event.Progress.Percentage, 0.01)
	assert.Greater(t, second.event.Progress.Rate, 0.0)
	assert.Greater(t, second.event.Progress.ETA, 0.0)
}

func TestMonitor_ReporterSuppressesBatchMembers(t *testing.T) {
	member := standaloneJob("job-1")
	member.Metadata.RootJobID = "batch_abc"
	m, bus, _ := setupMonitor(member)

	reporter := m.CreateProgressReporter("job-1")
	require.NoError(t, reporter.Report(context.Background(), models.ProgressUpdate{Progress: 3, Total: 10}))

	assert.Empty(t, bus.messages())
}

func TestMonitor_ReporterRejectsUnknownJob(t *testing.T) {
	m, bus, _ := setupMonitor()

	reporter := m.CreateProgressReporter("missing")
	err := reporter.Report(context.Background(), models.ProgressUpdate{Progress: 1})

	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
	assert.Empty(t, bus.messages())
}

func TestMonitor_StatusChangeEmitsJobDetails(t *testing.T) {
	job := standaloneJob("job-1")
	job.Status = models.JobStatusFailed
	job.RetryCount = 2
	job.LastError = "boom"
	m, bus, _ := setupMonitor(job)

	err := m.HandleJobStatusChange(context.Background(), "job-1", models.JobStatusFailed, job.Metadata)
	require.NoError(t, err)

	messages := bus.messages()
	require.Len(t, messages, 1)

	event := messages[0].event
	assert.Equal(t, "job-1", event.ID)
	assert.Equal(t, models.EventTargetJob, event.Type)
	assert.Equal(t, models.JobStatusFailed, event.Status)
	assert.Equal(t, "boom", event.Message)
	require.NotNil(t, event.JobDetails)
	assert.Equal(t, "data_export", event.JobDetails.JobType)
	assert.Equal(t, 2, event.JobDetails.RetryCount)
	assert.Equal(t, 5, event.JobDetails.Priority)
}

func TestMonitor_StatusChangeRollsUpBatchMembers(t *testing.T) {
	member := standaloneJob("job-1")
	member.Metadata.RootJobID = "batch_abc"
	m, bus, batches := setupMonitor(member)

	batches.status = &models.BatchStatus{
		BatchID:             "batch_abc",
		Status:              models.JobStatusProcessing,
		TotalOperations:     3,
		CompletedOperations: 1,
		CurrentOperation:    "Processing data_export",
	}

	err := m.HandleJobStatusChange(context.Background(), "job-1", models.JobStatusCompleted, member.Metadata)
	require.NoError(t, err)

	messages := bus.messages()
	require.Len(t, messages, 1)

	// The member never appears individually: the event targets the batch
	event := messages[0].event
	assert.Equal(t, "batch_abc", event.ID)
	assert.Equal(t, models.EventTargetBatch, event.Type)
	assert.Equal(t, models.JobStatusProcessing, event.Status)
	assert.Equal(t, "Processing data_export", event.Operation)
	require.NotNil(t, event.BatchDetails)
	assert.Equal(t, 3, event.BatchDetails.TotalOperations)
	assert.Equal(t, 1, event.BatchDetails.CompletedOperations)
	assert.Nil(t, event.JobDetails)
}

func TestMonitor_EmitBatchProgressWithoutStatus(t *testing.T) {
	m, bus, _ := setupMonitor()

	metadata := models.JobContext{RootJobID: "batch_abc", OperationType: models.OperationBatchProcessing}
	require.NoError(t, m.EmitBatchProgress(context.Background(), "batch_abc", nil, metadata))

	messages := bus.messages()
	require.Len(t, messages, 1)
	event := messages[0].event
	assert.Equal(t, models.EventTargetBatch, event.Type)
	assert.Equal(t, models.JobStatusProcessing, event.Status)
	assert.Nil(t, event.BatchDetails)
}
