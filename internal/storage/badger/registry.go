package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/scriba/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// casRetries bounds re-runs of a registry transaction that lost a Badger
// commit conflict to a concurrent writer on the same record. A conflict is
// not a semantic state mismatch; the transaction is simply re-run against
// the new version.
const casRetries = 25

// updateWithRetry runs fn as a Badger update transaction, re-running it on
// commit conflicts. A short growing sleep lets the winning writer finish
// before the next attempt.
func updateWithRetry(db *badgerdb.DB, fn func(tx *badgerdb.Txn) error) error {
	var err error
	for attempt := 0; attempt < casRetries; attempt++ {
		err = db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	return err
}

// JobRegistry is the durable store of job records, keyed by job ID.
// Every mutation after Create goes through CompareAndSwap so that two
// workers racing for the same job cannot both win the transition.
type JobRegistry struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobRegistry creates a new JobRegistry instance
func NewJobRegistry(db *BadgerDB, logger arbor.ILogger) *JobRegistry {
	return &JobRegistry{
		db:     db,
		logger: logger,
	}
}

// Create inserts a fresh record. The ID must not already exist.
func (r *JobRegistry) Create(ctx context.Context, job *models.JobRecord) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	if err := r.db.Store().Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return models.ErrConflict
		}
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns the record for a job ID, or models.ErrNotFound.
func (r *JobRegistry) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	var job models.JobRecord
	if err := r.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return &job, nil
}

// CompareAndSwap atomically applies mutate to the record iff its current
// state equals expect. Returns the updated record, models.ErrNotFound when
// the job does not exist, or models.ErrStateMismatch when another actor
// moved the job first. mutate must set the new State itself.
func (r *JobRegistry) CompareAndSwap(ctx context.Context, jobID string, expect models.JobState, mutate func(*models.JobRecord)) (*models.JobRecord, error) {
	var updated *models.JobRecord

	err := updateWithRetry(r.db.Badger(), func(tx *badgerdb.Txn) error {
		var job models.JobRecord
		if err := r.db.Store().TxGet(tx, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return models.ErrNotFound
			}
			return fmt.Errorf("failed to read job %s: %w", jobID, err)
		}

		if job.State != expect {
			return models.ErrStateMismatch
		}

		mutate(&job)

		if !expect.CanTransition(job.State) && job.State != expect {
			return fmt.Errorf("illegal transition %s -> %s for job %s", expect, job.State, jobID)
		}

		if err := r.db.Store().TxUpdate(tx, jobID, &job); err != nil {
			return fmt.Errorf("failed to update job %s: %w", jobID, err)
		}

		updated = &job
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Update persists mutations that do not change State, such as the
// cancellation tombstone on a Processing job. mutate runs inside the
// transaction; the state observed there is authoritative.
func (r *JobRegistry) Update(ctx context.Context, jobID string, mutate func(*models.JobRecord) error) (*models.JobRecord, error) {
	var updated *models.JobRecord

	err := updateWithRetry(r.db.Badger(), func(tx *badgerdb.Txn) error {
		var job models.JobRecord
		if err := r.db.Store().TxGet(tx, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return models.ErrNotFound
			}
			return fmt.Errorf("failed to read job %s: %w", jobID, err)
		}

		if err := mutate(&job); err != nil {
			return err
		}

		if err := r.db.Store().TxUpdate(tx, jobID, &job); err != nil {
			return fmt.Errorf("failed to update job %s: %w", jobID, err)
		}

		updated = &job
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// ListByState returns records in the given state, newest first.
func (r *JobRegistry) ListByState(ctx context.Context, state models.JobState, limit int) ([]*models.JobRecord, error) {
	query := badgerhold.Where("State").Eq(state).Index("State").SortBy("SubmittedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var jobs []models.JobRecord
	if err := r.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs by state: %w", err)
	}

	result := make([]*models.JobRecord, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// ListFinishedBefore returns terminal-state records whose finished_at
// precedes cutoff. Used by the retention reaper.
func (r *JobRegistry) ListFinishedBefore(ctx context.Context, cutoff time.Time) ([]*models.JobRecord, error) {
	query := badgerhold.Where("FinishedAt").MatchFunc(func(ra *badgerhold.RecordAccess) (bool, error) {
		job, ok := ra.Record().(*models.JobRecord)
		if !ok {
			return false, nil
		}
		return job.State.IsTerminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff), nil
	})

	var jobs []models.JobRecord
	if err := r.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list finished jobs: %w", err)
	}

	result := make([]*models.JobRecord, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// Delete removes a record. Missing records are not an error; the reaper
// may race a concurrent delete.
func (r *JobRegistry) Delete(ctx context.Context, jobID string) error {
	err := r.db.Store().Delete(jobID, &models.JobRecord{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	return nil
}

// CountByState returns the number of records per state. Used by the stats
// endpoint and the queue depth gauge.
func (r *JobRegistry) CountByState(ctx context.Context) (map[models.JobState]int, error) {
	counts := make(map[models.JobState]int)
	for _, state := range []models.JobState{
		models.JobStateQueued, models.JobStateProcessing,
		models.JobStateCompleted, models.JobStateFailed, models.JobStateCancelled,
	} {
		n, err := r.db.Store().Count(&models.JobRecord{}, badgerhold.Where("State").Eq(state).Index("State"))
		if err != nil {
			return nil, fmt.Errorf("failed to count jobs in state %s: %w", state, err)
		}
		counts[state] = int(n)
	}
	return counts, nil
}
