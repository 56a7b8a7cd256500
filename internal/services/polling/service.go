package polling

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/scriba/internal/models"
	storage "github.com/ternarybob/scriba/internal/storage/badger"
)

// Service serves status, result, and cancellation requests against the
// job registry and the result cache.
type Service struct {
	registry *storage.JobRegistry
	cache    *storage.ResultCache
	logger   arbor.ILogger
}

// NewService creates a new polling Service
func NewService(registry *storage.JobRegistry, cache *storage.ResultCache, logger arbor.ILogger) *Service {
	return &Service{
		registry: registry,
		cache:    cache,
		logger:   logger,
	}
}

// Status returns the current record for a job.
func (s *Service) Status(ctx context.Context, jobID string) (*models.JobRecord, error) {
	job, err := s.registry.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewAPIError(models.ErrKindNotFound, "job not found")
		}
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to read job record")
		return nil, models.NewAPIError(models.ErrKindRegistryUnavailable, "failed to read job record")
	}
	return job, nil
}

// Result returns the transcript for a Completed job. For a job that is
// not yet terminal the record is returned alongside a StateMismatch error
// so the transport can echo the state. A Completed job whose cache entry
// expired yields Gone.
func (s *Service) Result(ctx context.Context, jobID string) (*models.Transcript, *models.JobRecord, error) {
	job, err := s.Status(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	if job.State != models.JobStateCompleted {
		return nil, job, models.NewAPIError(models.ErrKindStateMismatch, "job is not completed")
	}

	transcript, err := s.cache.Get(ctx, job.ResultHandle)
	if err != nil {
		if errors.Is(err, models.ErrCacheMiss) {
			return nil, job, models.NewAPIError(models.ErrKindGone, "result has expired")
		}
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to read cached result")
		return nil, job, models.NewAPIError(models.ErrKindInternal, "failed to read result")
	}

	return transcript, job, nil
}

// Cancel requests cancellation of a job. A Queued job moves to Cancelled
// immediately. A Processing job gets a durable tombstone the worker
// observes at its next checkpoint; the call returns without waiting for
// confirmation. Terminal jobs are NotCancellable, except an already
// Cancelled job, which succeeds idempotently.
func (s *Service) Cancel(ctx context.Context, jobID string) (*models.JobRecord, error) {
	// One transaction for every branch. The state read inside it cannot be
	// outrun by a worker requeueing or claiming the job mid-call.
	now := time.Now()
	job, err := s.registry.Update(ctx, jobID, func(j *models.JobRecord) error {
		switch j.State {
		case models.JobStateQueued:
			j.State = models.JobStateCancelled
			j.FinishedAt = &now
			return nil
		case models.JobStateProcessing:
			j.CancelRequested = true
			return nil
		case models.JobStateCancelled:
			return nil // idempotent
		default:
			return models.NewAPIError(models.ErrKindNotCancellable, "job already finished")
		}
	})
	if err != nil {
		var apiErr *models.APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewAPIError(models.ErrKindNotFound, "job not found")
		}
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to cancel job")
		return nil, models.NewAPIError(models.ErrKindRegistryUnavailable, "failed to cancel job")
	}

	if job.State == models.JobStateProcessing {
		s.logger.Info().Str("job_id", jobID).Msg("Cancellation requested for running job")
	} else {
		s.logger.Info().Str("job_id", jobID).Msg("Job cancelled")
	}
	return job, nil
}
