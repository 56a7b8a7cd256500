package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/scriba/internal/blobstore"
	"github.com/ternarybob/scriba/internal/common"
	"github.com/ternarybob/scriba/internal/engine"
	"github.com/ternarybob/scriba/internal/models"
	"github.com/ternarybob/scriba/internal/queue"
	storage "github.com/ternarybob/scriba/internal/storage/badger"
	"github.com/ternarybob/scriba/internal/telemetry"
)

// Pool runs N execution slots against the work queue. Each slot is a
// single-threaded loop: reserve a task, win the job via registry CAS,
// transcribe, publish, settle. Slots self-recycle after a bounded number
// of jobs; the supervisor goroutine respawns them.
type Pool struct {
	registry   *storage.JobRegistry
	cache      *storage.ResultCache
	blobs      *blobstore.Store
	queue      *queue.WorkQueue
	heartbeats *storage.HeartbeatStore
	engine     engine.Transcriber
	metrics    *telemetry.Metrics
	logger     arbor.ILogger

	workerID          string
	concurrency       int
	jobsBeforeRestart int
	retryLimit        int
	reserveTimeout    time.Duration
	pollInterval      time.Duration
	transcribeTimeout time.Duration
	cancelPoll        time.Duration
	heartbeatMaxAge   time.Duration

	wg      sync.WaitGroup
	started atomic.Bool
}

// NewPool creates a new worker Pool
func NewPool(
	registry *storage.JobRegistry,
	cache *storage.ResultCache,
	blobs *blobstore.Store,
	workQueue *queue.WorkQueue,
	heartbeats *storage.HeartbeatStore,
	transcriber engine.Transcriber,
	metrics *telemetry.Metrics,
	logger arbor.ILogger,
	config *common.Config,
) *Pool {
	return &Pool{
		registry:          registry,
		cache:             cache,
		blobs:             blobs,
		queue:             workQueue,
		heartbeats:        heartbeats,
		engine:            transcriber,
		metrics:           metrics,
		logger:            logger,
		workerID:          uuid.New().String()[:8],
		concurrency:       config.Worker.Concurrency,
		jobsBeforeRestart: config.Worker.JobsBeforeRestart,
		retryLimit:        config.Jobs.RetryLimit,
		reserveTimeout:    common.Duration(config.Queue.ReserveTimeout, 5*time.Second),
		pollInterval:      common.Duration(config.Queue.PollInterval, 250*time.Millisecond),
		transcribeTimeout: common.Duration(config.Worker.TranscribeTimeout, 10*time.Minute),
		cancelPoll:        common.Duration(config.Worker.CancelPoll, 2*time.Second),
		heartbeatMaxAge:   common.Duration(config.Worker.HeartbeatMaxAge, 90*time.Second),
	}
}

// Start launches the slot supervisors. Safe to call once.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	p.logger.Info().
		Str("worker_id", p.workerID).
		Int("slots", p.concurrency).
		Int("jobs_before_restart", p.jobsBeforeRestart).
		Msg("Worker pool starting")

	for slot := 0; slot < p.concurrency; slot++ {
		p.wg.Add(1)
		go p.superviseSlot(ctx, slot)
	}
}

// Wait blocks until every slot has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// superviseSlot respawns a slot loop each time it recycles, until ctx is
// cancelled.
func (p *Pool) superviseSlot(ctx context.Context, slot int) {
	defer p.wg.Done()

	for {
		p.runSlot(ctx, slot)
		if ctx.Err() != nil {
			p.logger.Debug().Int("slot", slot).Msg("Worker slot stopped")
			return
		}
		p.logger.Info().
			Str("worker_id", p.workerID).
			Int("slot", slot).
			Msg("Worker slot recycling")
	}
}

// runSlot is one slot incarnation. It returns after jobsBeforeRestart jobs
// or when ctx is cancelled.
func (p *Pool) runSlot(ctx context.Context, slot int) {
	jobsDone := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if err := p.heartbeats.Beat(ctx, storage.Heartbeat{
			WorkerID: p.workerID,
			Slot:     slot,
			JobsDone: jobsDone,
		}); err != nil {
			p.logger.Warn().Err(err).Int("slot", slot).Msg("Failed to record heartbeat")
		}

		delivery, err := p.queue.ReceiveWait(ctx, p.reserveTimeout, p.pollInterval)
		if err != nil {
			if errors.Is(err, models.ErrQueueEmpty) || errors.Is(err, context.Canceled) {
				continue
			}
			p.logger.Error().Err(err).Int("slot", slot).Msg("Queue receive failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		p.handle(ctx, slot, delivery)
		jobsDone++

		if p.jobsBeforeRestart > 0 && jobsDone >= p.jobsBeforeRestart {
			return
		}
	}
}

// handle executes one delivered task end to end.
func (p *Pool) handle(ctx context.Context, slot int, delivery *queue.Delivery) {
	jobID := delivery.Task.JobID
	log := p.logger.WithCorrelationId(jobID)

	// Win the job. Losing the CAS on a first delivery means another worker
	// holds it or the caller cancelled it while queued; on a redelivery it
	// may instead mean the previous claimer died mid-run.
	now := time.Now()
	job, err := p.registry.CompareAndSwap(ctx, jobID, models.JobStateQueued, func(j *models.JobRecord) {
		j.State = models.JobStateProcessing
		j.StartedAt = &now
		j.Attempt++
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrStateMismatch) && delivery.ReceiveCount > 1:
			// Redelivery of a task whose job is no longer Queued. If the
			// prior claimer died mid-run the job is stuck in Processing;
			// try to take the claim over instead of dropping the task.
			if job = p.reclaim(ctx, log, delivery); job == nil {
				return
			}
		case errors.Is(err, models.ErrStateMismatch), errors.Is(err, models.ErrNotFound):
			log.Debug().Str("job_id", jobID).Msg("Task skipped, job no longer claimable")
			_ = delivery.Ack()
			return
		default:
			log.Error().Err(err).Str("job_id", jobID).Msg("Failed to claim job")
			_ = delivery.Ack()
			return
		}
	}

	if err := p.heartbeats.Beat(ctx, storage.Heartbeat{
		WorkerID:   p.workerID,
		Slot:       slot,
		CurrentJob: jobID,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to record heartbeat")
	}

	p.metrics.InProgress.Inc()
	defer p.metrics.InProgress.Dec()

	blobPath := p.blobs.Path(job.ID, job.Filename)
	if _, err := os.Stat(blobPath); err != nil {
		log.Warn().Str("job_id", jobID).Msg("Blob missing, failing job")
		p.fail(ctx, job, models.ErrKindBlobMissing, "audio payload is no longer available")
		_ = delivery.Ack()
		return
	}

	transcript, runErr := p.transcribe(ctx, job, blobPath)

	switch {
	case runErr == nil:
		p.complete(ctx, log, job, transcript, delivery)

	case errors.Is(runErr, errCancelled):
		log.Info().Str("job_id", jobID).Msg("Job cancelled during transcription")
		p.confirmCancel(ctx, job)
		_ = p.blobs.Delete(job.ID, job.Filename)
		_ = delivery.Ack()

	case errors.Is(runErr, context.DeadlineExceeded):
		log.Warn().Str("job_id", jobID).Msg("Transcription exceeded hard timeout")
		p.fail(ctx, job, models.ErrKindTimeout, "transcription exceeded time limit")
		_ = p.blobs.Delete(job.ID, job.Filename)
		_ = delivery.Ack()

	default:
		p.retryOrFail(ctx, log, job, runErr, delivery)
	}
}

// reclaim takes over a Processing job whose claimer appears dead: the run
// deadline has passed since started_at and no live slot heartbeat names
// the job. Returns the re-owned record, or nil when the task was settled
// here or deferred for a later redelivery.
func (p *Pool) reclaim(ctx context.Context, log arbor.ILogger, delivery *queue.Delivery) *models.JobRecord {
	jobID := delivery.Task.JobID

	job, err := p.registry.Get(ctx, jobID)
	if err != nil {
		_ = delivery.Ack()
		return nil
	}
	if job.State == models.JobStateQueued {
		// Requeued for another attempt between the failed claim and here.
		// The rescheduled task is this one, so it must stay in the queue.
		_ = delivery.Nack(time.Second)
		return nil
	}
	if job.State != models.JobStateProcessing {
		// Settled between redelivery and here; the task is spent.
		_ = delivery.Ack()
		return nil
	}

	if job.StartedAt == nil || time.Since(*job.StartedAt) <= p.transcribeTimeout {
		// The claiming run may still be inside its deadline. Put the task
		// back until the deadline has definitely passed.
		delay := p.transcribeTimeout
		if job.StartedAt != nil {
			delay = p.transcribeTimeout - time.Since(*job.StartedAt)
		}
		if delay < time.Second {
			delay = time.Second
		}
		_ = delivery.Nack(delay)
		return nil
	}

	if active, err := p.heartbeats.ActiveOn(ctx, jobID, p.heartbeatMaxAge); err == nil && active {
		_ = delivery.Nack(p.heartbeatMaxAge)
		return nil
	}

	if job.CancelRequested {
		p.confirmCancel(ctx, job)
		_ = p.blobs.Delete(job.ID, job.Filename)
		_ = delivery.Ack()
		return nil
	}

	if job.Attempt >= p.retryLimit {
		log.Error().
			Str("job_id", jobID).
			Int("attempt", job.Attempt).
			Msg("Orphaned job is out of attempts")
		p.fail(ctx, job, models.ErrKindTimeout, "processing was interrupted and did not finish in time")
		_ = p.blobs.Delete(job.ID, job.Filename)
		_ = delivery.Ack()
		return nil
	}

	now := time.Now()
	reclaimed, err := p.registry.CompareAndSwap(ctx, jobID, models.JobStateProcessing, func(j *models.JobRecord) {
		j.Attempt++
		j.StartedAt = &now
	})
	if err != nil {
		// Someone else settled or reclaimed it first.
		_ = delivery.Ack()
		return nil
	}

	log.Warn().
		Str("job_id", jobID).
		Int("attempt", reclaimed.Attempt).
		Msg("Reclaimed job from a lost worker")
	return reclaimed
}

// errCancelled marks a run aborted by a cooperative cancellation request.
var errCancelled = errors.New("job cancelled")

// transcribe runs the engine under the hard timeout while a watcher polls
// the registry for a cancellation tombstone.
func (p *Pool) transcribe(ctx context.Context, job *models.JobRecord, blobPath string) (*models.Transcript, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.transcribeTimeout)
	defer cancel()

	var cancelRequested atomic.Bool
	watcherDone := make(chan struct{})
	common.SafeGo(p.logger, "cancel-watcher", func() {
		defer close(watcherDone)
		ticker := time.NewTicker(p.cancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				current, err := p.registry.Get(runCtx, job.ID)
				if err != nil {
					if errors.Is(err, models.ErrNotFound) {
						// Record reaped underneath us; stop the run.
						cancelRequested.Store(true)
						cancel()
						return
					}
					continue
				}
				if current.CancelRequested || current.State == models.JobStateCancelled {
					cancelRequested.Store(true)
					cancel()
					return
				}
			}
		}
	})

	transcript, err := p.engine.Transcribe(runCtx, engine.Request{
		AudioPath:     blobPath,
		Language:      job.Options.Language,
		VADFilter:     job.Options.VADFilter,
		InitialPrompt: job.Options.InitialPrompt,
	})
	cancel()
	<-watcherDone

	if err != nil {
		if cancelRequested.Load() {
			return nil, errCancelled
		}
		if errors.Is(err, context.DeadlineExceeded) || runCtx.Err() == context.DeadlineExceeded {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return transcript, nil
}

// complete publishes the transcript and finishes the job.
func (p *Pool) complete(ctx context.Context, log arbor.ILogger, job *models.JobRecord, transcript *models.Transcript, delivery *queue.Delivery) {
	transcript.Fingerprint = job.Fingerprint

	if err := p.cache.Put(ctx, job.Fingerprint, transcript); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to publish transcript")
		p.retryOrFail(ctx, log, job, fmt.Errorf("publish result: %w", err), delivery)
		return
	}

	now := time.Now()
	_, err := p.registry.CompareAndSwap(ctx, job.ID, models.JobStateProcessing, func(j *models.JobRecord) {
		j.State = models.JobStateCompleted
		j.FinishedAt = &now
		j.ResultHandle = j.Fingerprint
		j.ErrorKind = ""
		j.ErrorMessage = ""
		j.CancelRequested = false
	})
	if err != nil {
		// Cancelled at the last moment. The cached transcript is immutable
		// and keyed by content, so leaving it published is harmless.
		log.Info().Err(err).Str("job_id", job.ID).Msg("Job finished but state moved, dropping completion")
	} else {
		p.metrics.Duration.Observe(transcript.ProcessTime)
		log.Info().
			Str("job_id", job.ID).
			Str("language", transcript.Language).
			Float64("process_time", transcript.ProcessTime).
			Msg("Job completed")
	}

	_ = p.blobs.Delete(job.ID, job.Filename)
	_ = delivery.Ack()
}

// retryOrFail requeues a transiently failed job while attempts remain,
// otherwise marks it Failed.
func (p *Pool) retryOrFail(ctx context.Context, log arbor.ILogger, job *models.JobRecord, runErr error, delivery *queue.Delivery) {
	kind := classify(runErr)

	if kind.Retryable() && job.Attempt < p.retryLimit {
		log.Warn().Err(runErr).
			Str("job_id", job.ID).
			Int("attempt", job.Attempt).
			Msg("Transient failure, requeueing")

		_, err := p.registry.CompareAndSwap(ctx, job.ID, models.JobStateProcessing, func(j *models.JobRecord) {
			j.State = models.JobStateQueued
			j.StartedAt = nil
		})
		if err != nil {
			// Cancelled while we were deciding; the task is spent.
			_ = delivery.Ack()
			return
		}
		if err := delivery.Nack(time.Second); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to requeue task")
		}
		return
	}

	log.Error().Err(runErr).
		Str("job_id", job.ID).
		Int("attempt", job.Attempt).
		Str("error_kind", string(kind)).
		Msg("Job failed")
	p.fail(ctx, job, kind, publicMessage(kind))
	_ = p.blobs.Delete(job.ID, job.Filename)
	_ = delivery.Ack()
}

// fail moves a Processing job to Failed with the given error fields.
func (p *Pool) fail(ctx context.Context, job *models.JobRecord, kind models.ErrorKind, message string) {
	now := time.Now()
	_, err := p.registry.CompareAndSwap(ctx, job.ID, models.JobStateProcessing, func(j *models.JobRecord) {
		j.State = models.JobStateFailed
		j.FinishedAt = &now
		j.ErrorKind = kind
		j.ErrorMessage = message
	})
	if err != nil && !errors.Is(err, models.ErrStateMismatch) {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record job failure")
	}
}

// confirmCancel moves a Processing job to Cancelled after the engine
// returned from a cooperative abort.
func (p *Pool) confirmCancel(ctx context.Context, job *models.JobRecord) {
	now := time.Now()
	_, err := p.registry.CompareAndSwap(ctx, job.ID, models.JobStateProcessing, func(j *models.JobRecord) {
		j.State = models.JobStateCancelled
		j.FinishedAt = &now
		j.CancelRequested = false
	})
	if err != nil && !errors.Is(err, models.ErrStateMismatch) && !errors.Is(err, models.ErrNotFound) {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to confirm cancellation")
	}
}

// classify maps a worker-side error to its durable kind.
func classify(err error) models.ErrorKind {
	switch {
	case engine.IsEngineError(err):
		return models.ErrKindEngineError
	case os.IsNotExist(err):
		return models.ErrKindBlobMissing
	default:
		return models.ErrKindIOError
	}
}

// publicMessage is the client-facing text stored on a Failed record. Raw
// errors stay in the logs; they can carry filesystem paths and command
// lines that must not reach API responses.
func publicMessage(kind models.ErrorKind) string {
	switch kind {
	case models.ErrKindEngineError:
		return "transcription engine failed"
	case models.ErrKindDecodeError:
		return "audio could not be decoded"
	case models.ErrKindBlobMissing:
		return "audio payload is no longer available"
	default:
		return "internal processing error"
	}
}
