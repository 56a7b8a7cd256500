package polling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/scriba/internal/common"
	"github.com/ternarybob/scriba/internal/models"
	storage "github.com/ternarybob/scriba/internal/storage/badger"
)

type pollingFixture struct {
	service  *Service
	registry *storage.JobRegistry
	cache    *storage.ResultCache
}

func newPollingFixture(t *testing.T, cacheTTL time.Duration) *pollingFixture {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := storage.NewBadgerDB(logger, &common.StorageConfig{Path: t.TempDir() + "/db"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := storage.NewJobRegistry(db, logger)
	cache := storage.NewResultCache(db, cacheTTL, logger)

	return &pollingFixture{
		service:  NewService(registry, cache, logger),
		registry: registry,
		cache:    cache,
	}
}

func (f *pollingFixture) createJob(t *testing.T, state models.JobState) *models.JobRecord {
	t.Helper()
	ctx := context.Background()

	job := models.NewJobRecord("audio.wav", models.SubmitOptions{})
	require.NoError(t, f.registry.Create(ctx, job))

	if state == models.JobStateQueued {
		return job
	}

	now := time.Now()
	job, err := f.registry.CompareAndSwap(ctx, job.ID, models.JobStateQueued, func(j *models.JobRecord) {
		j.State = models.JobStateProcessing
		j.StartedAt = &now
		j.Attempt = 1
	})
	require.NoError(t, err)
	if state == models.JobStateProcessing {
		return job
	}

	job, err = f.registry.CompareAndSwap(ctx, job.ID, models.JobStateProcessing, func(j *models.JobRecord) {
		j.State = state
		j.FinishedAt = &now
		if state == models.JobStateCompleted {
			j.ResultHandle = "fp-" + j.ID
		}
	})
	require.NoError(t, err)
	return job
}

func TestStatusNotFound(t *testing.T) {
	f := newPollingFixture(t, time.Hour)

	_, err := f.service.Status(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, models.ErrKindNotFound, models.AsAPIError(err).Kind)
}

func TestStatusReturnsRecord(t *testing.T) {
	f := newPollingFixture(t, time.Hour)
	job := f.createJob(t, models.JobStateProcessing)

	got, err := f.service.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateProcessing, got.State)
	assert.Equal(t, 1, got.Attempt)
	assert.NotNil(t, got.StartedAt)
}

func TestResultCompletedJob(t *testing.T) {
	f := newPollingFixture(t, time.Hour)
	ctx := context.Background()
	job := f.createJob(t, models.JobStateCompleted)

	require.NoError(t, f.cache.Put(ctx, job.ResultHandle, &models.Transcript{
		Fingerprint: job.ResultHandle,
		Text:        "the transcript",
	}))

	transcript, _, err := f.service.Result(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "the transcript", transcript.Text)

	// Side-effect free: a second read is identical
	again, _, err := f.service.Result(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, transcript.Text, again.Text)
}

func TestResultPendingJobEchoesState(t *testing.T) {
	f := newPollingFixture(t, time.Hour)
	job := f.createJob(t, models.JobStateQueued)

	_, record, err := f.service.Result(context.Background(), job.ID)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindStateMismatch, models.AsAPIError(err).Kind)
	require.NotNil(t, record)
	assert.Equal(t, models.JobStateQueued, record.State)
}

func TestResultExpiredCacheReturnsGone(t *testing.T) {
	f := newPollingFixture(t, time.Hour)
	job := f.createJob(t, models.JobStateCompleted)

	// Completed record whose cache entry never existed (or has expired)
	_, _, err := f.service.Result(context.Background(), job.ID)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindGone, models.AsAPIError(err).Kind)
}

func TestCancelQueuedJob(t *testing.T) {
	f := newPollingFixture(t, time.Hour)
	job := f.createJob(t, models.JobStateQueued)

	got, err := f.service.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, got.State)
	assert.NotNil(t, got.FinishedAt)
}

func TestCancelProcessingJobSetsTombstone(t *testing.T) {
	f := newPollingFixture(t, time.Hour)
	ctx := context.Background()
	job := f.createJob(t, models.JobStateProcessing)

	got, err := f.service.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateProcessing, got.State)
	assert.True(t, got.CancelRequested)

	// The mark is durable
	stored, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, stored.CancelRequested)
}

func TestCancelJobRequeuedAfterTransientFailure(t *testing.T) {
	f := newPollingFixture(t, time.Hour)
	ctx := context.Background()
	job := f.createJob(t, models.JobStateProcessing)

	// A worker hands the job back for another attempt, the way the retry
	// path does. Cancel must still treat it as a live Queued job.
	_, err := f.registry.CompareAndSwap(ctx, job.ID, models.JobStateProcessing, func(j *models.JobRecord) {
		j.State = models.JobStateQueued
		j.StartedAt = nil
	})
	require.NoError(t, err)

	got, err := f.service.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, got.State)
	assert.NotNil(t, got.FinishedAt)
}

func TestCancelTerminalJob(t *testing.T) {
	f := newPollingFixture(t, time.Hour)

	completed := f.createJob(t, models.JobStateCompleted)
	_, err := f.service.Cancel(context.Background(), completed.ID)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindNotCancellable, models.AsAPIError(err).Kind)

	failed := f.createJob(t, models.JobStateFailed)
	_, err = f.service.Cancel(context.Background(), failed.ID)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindNotCancellable, models.AsAPIError(err).Kind)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newPollingFixture(t, time.Hour)
	job := f.createJob(t, models.JobStateQueued)

	_, err := f.service.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	got, err := f.service.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, got.State)
}

func TestCancelMissingJob(t *testing.T) {
	f := newPollingFixture(t, time.Hour)

	_, err := f.service.Cancel(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, models.ErrKindNotFound, models.AsAPIError(err).Kind)
}
