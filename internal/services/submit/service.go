package submit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/scriba/internal/blobstore"
	"github.com/ternarybob/scriba/internal/models"
	"github.com/ternarybob/scriba/internal/queue"
	storage "github.com/ternarybob/scriba/internal/storage/badger"
	"github.com/ternarybob/scriba/internal/telemetry"
)

// Service handles submission intake: it streams the upload to the blob
// store while fingerprinting it, answers duplicates from the result cache,
// and otherwise registers a Queued job and enqueues a task for the workers.
type Service struct {
	registry     *storage.JobRegistry
	cache        *storage.ResultCache
	blobs        *blobstore.Store
	queue        *queue.WorkQueue
	metrics      *telemetry.Metrics
	validate     *validator.Validate
	logger       arbor.ILogger
	maxBytes     int64
	allowedTypes map[string]bool
}

// NewService creates a new submission Service
func NewService(
	registry *storage.JobRegistry,
	cache *storage.ResultCache,
	blobs *blobstore.Store,
	workQueue *queue.WorkQueue,
	metrics *telemetry.Metrics,
	logger arbor.ILogger,
	maxBytes int64,
	allowedTypes []string,
) *Service {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[strings.ToLower(t)] = true
	}
	return &Service{
		registry:     registry,
		cache:        cache,
		blobs:        blobs,
		queue:        workQueue,
		metrics:      metrics,
		validate:     validator.New(),
		logger:       logger,
		maxBytes:     maxBytes,
		allowedTypes: allowed,
	}
}

// Submit ingests one upload. It returns the created record, which is
// Completed immediately on a result-cache hit and Queued otherwise.
// declaredType is the media type the client claimed for the file part.
func (s *Service) Submit(ctx context.Context, filename, declaredType string, body io.Reader, opts models.SubmitOptions) (*models.JobRecord, error) {
	if filename == "" {
		return nil, models.NewAPIError(models.ErrKindBadRequest, "filename is required")
	}
	if err := s.validate.Struct(&opts); err != nil {
		return nil, models.NewAPIError(models.ErrKindBadRequest, fmt.Sprintf("invalid options: %v", err))
	}
	if !s.mediaTypeAllowed(declaredType) {
		return nil, models.NewAPIError(models.ErrKindUnsupportedMedia,
			fmt.Sprintf("media type %q is not supported", declaredType))
	}

	job := models.NewJobRecord(filename, opts)

	// Stream to disk and fingerprint in one pass.
	fp := NewFingerprinter()
	_, size, err := s.blobs.Put(job.ID, filename, io.TeeReader(body, fp), s.maxBytes)
	if err != nil {
		if errors.Is(err, blobstore.ErrTooLarge) {
			return nil, models.NewAPIError(models.ErrKindPayloadTooLarge,
				fmt.Sprintf("payload exceeds %d byte limit", s.maxBytes))
		}
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to store upload")
		return nil, models.NewAPIError(models.ErrKindIOError, "failed to store upload")
	}
	if size == 0 {
		_ = s.blobs.Delete(job.ID, filename)
		return nil, models.NewAPIError(models.ErrKindBadRequest, "empty payload")
	}

	job.Fingerprint = fp.Sum(opts)

	// Duplicate submission: answer from the cache without queueing.
	if cached, err := s.cache.Get(ctx, job.Fingerprint); err == nil && cached != nil {
		s.metrics.CacheHits.Inc()
		s.metrics.RequestsTotal.WithLabelValues(telemetry.OutcomeCached).Inc()

		now := time.Now()
		job.State = models.JobStateCompleted
		job.Attempt = 1
		job.StartedAt = &now
		job.FinishedAt = &now
		job.ResultHandle = job.Fingerprint

		if err := s.registry.Create(ctx, job); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to register cache-hit job")
			_ = s.blobs.Delete(job.ID, filename)
			return nil, models.NewAPIError(models.ErrKindRegistryUnavailable, "failed to register job")
		}

		// The audio is not needed again for a cached result.
		_ = s.blobs.Delete(job.ID, filename)

		s.logger.Info().
			Str("job_id", job.ID).
			Str("fingerprint", job.Fingerprint).
			Msg("Submission answered from result cache")
		return job, nil
	}
	s.metrics.CacheMisses.Inc()

	if err := s.registry.Create(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to register job")
		_ = s.blobs.Delete(job.ID, filename)
		return nil, models.NewAPIError(models.ErrKindRegistryUnavailable, "failed to register job")
	}

	task := queue.Task{JobID: job.ID, EnqueuedAt: time.Now()}
	if err := s.queue.Push(ctx, task); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to enqueue job")
		// Roll back so the caller does not poll a job no worker will run.
		_ = s.registry.Delete(ctx, job.ID)
		_ = s.blobs.Delete(job.ID, filename)
		return nil, models.NewAPIError(models.ErrKindQueueUnavailable, "failed to enqueue job")
	}

	s.metrics.RequestsTotal.WithLabelValues(telemetry.OutcomeSubmitted).Inc()

	s.logger.Info().
		Str("job_id", job.ID).
		Str("filename", filename).
		Int64("bytes", size).
		Msg("Job queued")
	return job, nil
}

// mediaTypeAllowed checks the declared type against the allowed set. A
// bare type without parameters is expected; anything after ';' is ignored.
func (s *Service) mediaTypeAllowed(declaredType string) bool {
	if len(s.allowedTypes) == 0 {
		return true
	}
	mt := strings.ToLower(strings.TrimSpace(declaredType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return s.allowedTypes[mt]
}
