package worker

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/scriba/internal/blobstore"
	"github.com/ternarybob/scriba/internal/common"
	"github.com/ternarybob/scriba/internal/engine"
	"github.com/ternarybob/scriba/internal/models"
	"github.com/ternarybob/scriba/internal/queue"
	storage "github.com/ternarybob/scriba/internal/storage/badger"
	"github.com/ternarybob/scriba/internal/telemetry"
)

type poolFixture struct {
	pool     *Pool
	registry *storage.JobRegistry
	cache    *storage.ResultCache
	blobs    *blobstore.Store
	queue    *queue.WorkQueue
	engine   *engine.MockEngine
	config   *common.Config
}

func newPoolFixture(t *testing.T, mutate func(*common.Config)) *poolFixture {
	t.Helper()
	logger := arbor.NewLogger()

	config := common.NewDefaultConfig()
	config.Worker.Concurrency = 1
	config.Worker.CancelPoll = "50ms"
	config.Worker.TranscribeTimeout = "5s"
	config.Queue.PollInterval = "20ms"
	config.Queue.ReserveTimeout = "100ms"
	config.Jobs.RetryLimit = 2
	if mutate != nil {
		mutate(config)
	}

	db, err := storage.NewBadgerDB(logger, &common.StorageConfig{Path: t.TempDir() + "/db"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := blobstore.New(t.TempDir(), logger)
	require.NoError(t, err)

	workQueue, err := queue.NewWorkQueue(db.Badger(), "test",
		common.Duration(config.Queue.VisibilityTimeout, time.Minute))
	require.NoError(t, err)

	registry := storage.NewJobRegistry(db, logger)
	cache := storage.NewResultCache(db, time.Hour, logger)
	heartbeats := storage.NewHeartbeatStore(db, time.Minute)
	mock := engine.NewMockEngine(config.Engine)

	pool := NewPool(registry, cache, blobs, workQueue, heartbeats, mock,
		telemetry.New(), logger, config)

	return &poolFixture{
		pool:     pool,
		registry: registry,
		cache:    cache,
		blobs:    blobs,
		queue:    workQueue,
		engine:   mock,
		config:   config,
	}
}

// enqueueJob registers a Queued job with its blob and queue task, the way
// the submission path would.
func (f *poolFixture) enqueueJob(t *testing.T, fingerprint string) *models.JobRecord {
	t.Helper()
	ctx := context.Background()

	job := models.NewJobRecord("audio.wav", models.SubmitOptions{Language: "en"})
	job.Fingerprint = fingerprint
	_, _, err := f.blobs.Put(job.ID, job.Filename, strings.NewReader("fake audio"), 1024)
	require.NoError(t, err)
	require.NoError(t, f.registry.Create(ctx, job))
	require.NoError(t, f.queue.Push(ctx, queue.Task{JobID: job.ID, EnqueuedAt: time.Now()}))
	return job
}

func (f *poolFixture) waitForState(t *testing.T, jobID string, want models.JobState, timeout time.Duration) *models.JobRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		job, err := f.registry.Get(context.Background(), jobID)
		require.NoError(t, err)
		if job.State == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s, wanted %s", jobID, job.State, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPoolCompletesJob(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := f.enqueueJob(t, "fp-complete")
	f.pool.Start(ctx)

	done := f.waitForState(t, job.ID, models.JobStateCompleted, 5*time.Second)
	assert.Equal(t, "fp-complete", done.ResultHandle)
	assert.Equal(t, 1, done.Attempt)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
	assert.Empty(t, done.ErrorKind)

	transcript, err := f.cache.Get(ctx, "fp-complete")
	require.NoError(t, err)
	assert.Equal(t, "fp-complete", transcript.Fingerprint)
	assert.Equal(t, "en", transcript.Language)

	// Blob is cleaned up after completion
	_, err = f.blobs.Open(job.ID, job.Filename)
	assert.True(t, os.IsNotExist(err))

	cancel()
	f.pool.Wait()
}

func TestPoolRetriesThenFails(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.engine.SetError(errors.New("read /var/scriba/uploads/audio.wav: device error"))
	job := f.enqueueJob(t, "fp-fail")
	f.pool.Start(ctx)

	failed := f.waitForState(t, job.ID, models.JobStateFailed, 10*time.Second)
	assert.Equal(t, f.config.Jobs.RetryLimit, failed.Attempt)
	assert.Equal(t, models.ErrKindIOError, failed.ErrorKind)
	assert.NotEmpty(t, failed.ErrorMessage)
	// The stored message is client-facing; the raw error's filesystem path
	// stays out of it.
	assert.NotContains(t, failed.ErrorMessage, "/var")
	assert.GreaterOrEqual(t, f.engine.Calls(), 2)

	cancel()
	f.pool.Wait()
}

func TestPoolTimesOut(t *testing.T) {
	f := newPoolFixture(t, func(c *common.Config) {
		c.Worker.TranscribeTimeout = "100ms"
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.engine.SetDelay(2 * time.Second)
	job := f.enqueueJob(t, "fp-slow")
	f.pool.Start(ctx)

	failed := f.waitForState(t, job.ID, models.JobStateFailed, 5*time.Second)
	assert.Equal(t, models.ErrKindTimeout, failed.ErrorKind)

	cancel()
	f.pool.Wait()
}

func TestPoolConfirmsCancellation(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.engine.SetDelay(3 * time.Second)
	job := f.enqueueJob(t, "fp-cancel")
	f.pool.Start(ctx)

	f.waitForState(t, job.ID, models.JobStateProcessing, 5*time.Second)

	// Durable tombstone, as the polling service would write it
	_, err := f.registry.Update(ctx, job.ID, func(j *models.JobRecord) error {
		j.CancelRequested = true
		return nil
	})
	require.NoError(t, err)

	cancelled := f.waitForState(t, job.ID, models.JobStateCancelled, 5*time.Second)
	assert.NotNil(t, cancelled.FinishedAt)
	assert.Empty(t, cancelled.ErrorKind)

	// Blob cleaned up on the cancel path too
	_, err = f.blobs.Open(job.ID, job.Filename)
	assert.True(t, os.IsNotExist(err))

	cancel()
	f.pool.Wait()
}

func TestPoolSkipsJobCancelledWhileQueued(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := f.enqueueJob(t, "fp-skip")

	// Cancelled before any worker claims it
	_, err := f.registry.CompareAndSwap(ctx, job.ID, models.JobStateQueued, func(j *models.JobRecord) {
		j.State = models.JobStateCancelled
	})
	require.NoError(t, err)

	f.pool.Start(ctx)

	// The stale task drains without executing the engine
	deadline := time.Now().Add(3 * time.Second)
	for {
		depth, err := f.queue.Depth(ctx)
		require.NoError(t, err)
		if depth == 0 {
			break
		}
		require.False(t, time.Now().After(deadline), "queue never drained")
		time.Sleep(20 * time.Millisecond)
	}

	assert.Equal(t, 0, f.engine.Calls())
	final, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, final.State)

	cancel()
	f.pool.Wait()
}

func TestPoolRecoversJobFromDeadWorker(t *testing.T) {
	f := newPoolFixture(t, func(c *common.Config) {
		c.Queue.VisibilityTimeout = "200ms"
		c.Worker.TranscribeTimeout = "100ms"
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := f.enqueueJob(t, "fp-orphan")

	// Simulate a worker that claimed the job and died: the task is in
	// flight, the registry says Processing, and nothing ever settles.
	delivery, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, delivery.Task.JobID)

	started := time.Now().Add(-time.Second)
	_, err = f.registry.CompareAndSwap(ctx, job.ID, models.JobStateQueued, func(j *models.JobRecord) {
		j.State = models.JobStateProcessing
		j.StartedAt = &started
		j.Attempt++
	})
	require.NoError(t, err)

	f.pool.Start(ctx)

	// The visibility timeout redelivers the task; a live slot takes the
	// claim over and runs the job to completion.
	done := f.waitForState(t, job.ID, models.JobStateCompleted, 10*time.Second)
	assert.GreaterOrEqual(t, done.Attempt, 2)
	assert.Equal(t, "fp-orphan", done.ResultHandle)
	assert.GreaterOrEqual(t, f.engine.Calls(), 1)

	transcript, err := f.cache.Get(ctx, "fp-orphan")
	require.NoError(t, err)
	assert.Equal(t, "fp-orphan", transcript.Fingerprint)

	cancel()
	f.pool.Wait()
}

func TestPoolFailsOnMissingBlob(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := f.enqueueJob(t, "fp-noblob")
	require.NoError(t, f.blobs.Delete(job.ID, job.Filename))

	f.pool.Start(ctx)

	failed := f.waitForState(t, job.ID, models.JobStateFailed, 5*time.Second)
	assert.Equal(t, models.ErrKindBlobMissing, failed.ErrorKind)
	assert.Equal(t, 0, f.engine.Calls())

	cancel()
	f.pool.Wait()
}
