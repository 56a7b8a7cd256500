// -----------------------------------------------------------------------
// Job Record - durable job state stored in the registry
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a transcription job.
type JobState string

const (
	JobStateQueued     JobState = "Queued"
	JobStateProcessing JobState = "Processing"
	JobStateCompleted  JobState = "Completed"
	JobStateFailed     JobState = "Failed"
	JobStateCancelled  JobState = "Cancelled"
)

// IsTerminal returns true for sink states that permit no further transition.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// CanTransition reports whether moving from s to next is a legal step.
// Legal paths: Queued -> Processing -> {Completed, Failed}, and
// {Queued, Processing} -> Cancelled. Terminal states are sinks.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case JobStateQueued:
		return next == JobStateProcessing || next == JobStateCancelled
	case JobStateProcessing:
		return next == JobStateCompleted || next == JobStateFailed ||
			next == JobStateCancelled || next == JobStateQueued // requeue on retry
	default:
		return false
	}
}

// SubmitOptions are the recognized submission options. All three participate
// in the content fingerprint; filename and caller identity do not.
type SubmitOptions struct {
	Language      string `json:"language,omitempty" validate:"omitempty,alpha,len=2"`
	VADFilter     bool   `json:"vad_filter"`
	InitialPrompt string `json:"initial_prompt,omitempty" validate:"max=1024"`
}

// JobRecord is the durable record for a single submission, keyed by ID.
// All mutations after creation go through the registry's compare-and-set.
type JobRecord struct {
	ID          string   `json:"id" badgerhold:"key"`
	State       JobState `json:"state" badgerholdIndex:"State"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Filename    string   `json:"filename"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	Options SubmitOptions `json:"options"`
	Attempt int           `json:"attempt"`

	// ResultHandle references the result cache entry when Completed.
	ResultHandle string `json:"result_handle,omitempty"`

	// CancelRequested is the cooperative tombstone a worker observes while
	// the job is Processing. The worker confirms by moving to Cancelled.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// NewJobRecord creates a Queued record for a fresh submission.
func NewJobRecord(filename string, opts SubmitOptions) *JobRecord {
	return &JobRecord{
		ID:          NewJobID(),
		State:       JobStateQueued,
		Filename:    filename,
		SubmittedAt: time.Now(),
		Options:     opts,
	}
}

// NewJobID generates a globally unique opaque job identifier.
func NewJobID() string {
	return uuid.New().String()
}
