package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/scriba/internal/blobstore"
	"github.com/ternarybob/scriba/internal/common"
	"github.com/ternarybob/scriba/internal/models"
	"github.com/ternarybob/scriba/internal/queue"
	"github.com/ternarybob/scriba/internal/ratelimit"
	storage "github.com/ternarybob/scriba/internal/storage/badger"
	"github.com/ternarybob/scriba/internal/telemetry"
)

// Service runs the periodic maintenance tasks: blob sweep, job reaper,
// orphan recovery, and queue depth sampling. Each task is also callable
// directly so tests and operators can trigger a pass without waiting for
// the schedule.
type Service struct {
	registry        *storage.JobRegistry
	blobs           *blobstore.Store
	queue           *queue.WorkQueue
	heartbeats      *storage.HeartbeatStore
	limiter         *ratelimit.Limiter
	metrics         *telemetry.Metrics
	logger          arbor.ILogger
	cron            *cron.Cron
	retention       time.Duration
	hardMaxAge      time.Duration
	orphanAge       time.Duration
	heartbeatMaxAge time.Duration
	retryLimit      int

	sweepSpec  string
	reapSpec   string
	depthSpec  string
	orphanSpec string
}

// NewService creates a new janitor Service
func NewService(
	registry *storage.JobRegistry,
	blobs *blobstore.Store,
	workQueue *queue.WorkQueue,
	heartbeats *storage.HeartbeatStore,
	limiter *ratelimit.Limiter,
	metrics *telemetry.Metrics,
	logger arbor.ILogger,
	config *common.Config,
) *Service {
	// A Processing job older than the run deadline plus one visibility
	// window can no longer be rescued by queue redelivery.
	orphanAge := common.Duration(config.Worker.TranscribeTimeout, 10*time.Minute) +
		common.Duration(config.Queue.VisibilityTimeout, 5*time.Minute)

	return &Service{
		registry:        registry,
		blobs:           blobs,
		queue:           workQueue,
		heartbeats:      heartbeats,
		limiter:         limiter,
		metrics:         metrics,
		logger:          logger,
		cron:            cron.New(),
		retention:       config.JobRetention(),
		hardMaxAge:      common.Duration(config.Uploads.HardMaxAge, 24*time.Hour),
		orphanAge:       orphanAge,
		heartbeatMaxAge: common.Duration(config.Worker.HeartbeatMaxAge, 90*time.Second),
		retryLimit:      config.Jobs.RetryLimit,
		sweepSpec:       "@every " + common.Duration(config.Janitor.BlobSweepInterval, 10*time.Minute).String(),
		reapSpec:        "@every " + common.Duration(config.Janitor.ReaperInterval, 15*time.Minute).String(),
		depthSpec:       "@every " + common.Duration(config.Janitor.DepthSampleInterval, 30*time.Second).String(),
		orphanSpec:      "@every " + common.Duration(config.Janitor.OrphanSweepInterval, time.Minute).String(),
	}
}

// Start registers the periodic tasks and starts the scheduler.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.sweepSpec, func() { s.runLogged(ctx, "blob sweep", s.SweepBlobs) }); err != nil {
		return fmt.Errorf("failed to schedule blob sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(s.reapSpec, func() { s.runLogged(ctx, "job reaper", s.ReapJobs) }); err != nil {
		return fmt.Errorf("failed to schedule job reaper: %w", err)
	}
	if _, err := s.cron.AddFunc(s.depthSpec, func() { s.runLogged(ctx, "depth sampler", s.SampleDepth) }); err != nil {
		return fmt.Errorf("failed to schedule depth sampler: %w", err)
	}
	if _, err := s.cron.AddFunc(s.orphanSpec, func() { s.runLogged(ctx, "orphan recovery", s.RecoverOrphans) }); err != nil {
		return fmt.Errorf("failed to schedule orphan recovery: %w", err)
	}

	s.cron.Start()
	s.logger.Info().
		Str("blob_sweep", s.sweepSpec).
		Str("job_reaper", s.reapSpec).
		Str("depth_sampler", s.depthSpec).
		Str("orphan_recovery", s.orphanSpec).
		Msg("Janitor started")
	return nil
}

// Stop halts the scheduler and waits for running tasks to finish.
func (s *Service) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info().Msg("Janitor stopped")
}

func (s *Service) runLogged(ctx context.Context, name string, task func(context.Context) (int, error)) {
	n, err := task(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("task", name).Msg("Janitor task failed")
		return
	}
	if n > 0 {
		s.logger.Info().Str("task", name).Int("removed", n).Msg("Janitor task finished")
	}
}

// SweepBlobs removes blob files whose job is terminal or gone, plus any
// blob older than the hard age cap regardless of state. Returns the
// number of blobs removed.
func (s *Service) SweepBlobs(ctx context.Context) (int, error) {
	hardCutoff := time.Now().Add(-s.hardMaxAge)

	return s.blobs.Sweep(func(jobID string, modTime time.Time) bool {
		if modTime.Before(hardCutoff) {
			return true
		}
		job, err := s.registry.Get(ctx, jobID)
		if err != nil {
			// No record means the job was reaped or never enrolled.
			return errors.Is(err, models.ErrNotFound)
		}
		return job.State.IsTerminal()
	})
}

// ReapJobs purges job records whose finished_at is past the retention
// window, along with any blob still on disk for them. Returns the number
// of records removed.
func (s *Service) ReapJobs(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.retention)

	jobs, err := s.registry.ListFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, job := range jobs {
		if err := s.blobs.DeleteByJobID(job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to remove blob during reap")
		}
		if err := s.registry.Delete(ctx, job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to remove job record")
			continue
		}
		removed++
	}

	// Idle rate-limit buckets age out on the same cadence.
	s.limiter.Prune(s.retention)

	return removed, nil
}

// RecoverOrphans finds Processing jobs whose claimer died without settling
// them and without a queue redelivery left to rescue them. Jobs with
// attempts remaining go back to Queued with a fresh task; jobs with a
// pending cancellation finish as Cancelled; jobs out of attempts are
// Failed. Returns the number of jobs recovered.
func (s *Service) RecoverOrphans(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.orphanAge)

	jobs, err := s.registry.ListByState(ctx, models.JobStateProcessing, 0)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range jobs {
		if job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}
		if active, err := s.heartbeats.ActiveOn(ctx, job.ID, s.heartbeatMaxAge); err == nil && active {
			continue
		}

		now := time.Now()
		switch {
		case job.CancelRequested:
			_, err = s.registry.CompareAndSwap(ctx, job.ID, models.JobStateProcessing, func(j *models.JobRecord) {
				j.State = models.JobStateCancelled
				j.FinishedAt = &now
				j.CancelRequested = false
			})
			if err == nil {
				err = s.blobs.DeleteByJobID(job.ID)
			}

		case job.Attempt >= s.retryLimit:
			_, err = s.registry.CompareAndSwap(ctx, job.ID, models.JobStateProcessing, func(j *models.JobRecord) {
				j.State = models.JobStateFailed
				j.FinishedAt = &now
				j.ErrorKind = models.ErrKindTimeout
				j.ErrorMessage = "processing was interrupted and did not finish in time"
			})
			if err == nil {
				err = s.blobs.DeleteByJobID(job.ID)
			}

		default:
			_, err = s.registry.CompareAndSwap(ctx, job.ID, models.JobStateProcessing, func(j *models.JobRecord) {
				j.State = models.JobStateQueued
				j.StartedAt = nil
			})
			if err == nil {
				err = s.queue.Push(ctx, queue.Task{JobID: job.ID, EnqueuedAt: now})
			}
		}

		if err != nil {
			if !errors.Is(err, models.ErrStateMismatch) {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to recover orphaned job")
			}
			continue
		}
		recovered++
	}
	return recovered, nil
}

// SampleDepth reads the queue depth into the exported gauge. The returned
// count is the sampled depth.
func (s *Service) SampleDepth(ctx context.Context) (int, error) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return 0, err
	}
	s.metrics.QueueDepth.Set(float64(depth))
	return depth, nil
}
