package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStateTerminal(t *testing.T) {
	assert.False(t, JobStateQueued.IsTerminal())
	assert.False(t, JobStateProcessing.IsTerminal())
	assert.True(t, JobStateCompleted.IsTerminal())
	assert.True(t, JobStateFailed.IsTerminal())
	assert.True(t, JobStateCancelled.IsTerminal())
}

func TestJobStateTransitions(t *testing.T) {
	cases := []struct {
		from, to JobState
		ok       bool
	}{
		{JobStateQueued, JobStateProcessing, true},
		{JobStateQueued, JobStateCancelled, true},
		{JobStateQueued, JobStateCompleted, false},
		{JobStateQueued, JobStateFailed, false},
		{JobStateProcessing, JobStateCompleted, true},
		{JobStateProcessing, JobStateFailed, true},
		{JobStateProcessing, JobStateCancelled, true},
		{JobStateProcessing, JobStateQueued, true}, // retry requeue
		{JobStateCompleted, JobStateQueued, false},
		{JobStateFailed, JobStateProcessing, false},
		{JobStateCancelled, JobStateQueued, false},
		{JobStateCancelled, JobStateCancelled, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestNewJobRecord(t *testing.T) {
	job := NewJobRecord("talk.mp3", SubmitOptions{Language: "fr"})

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, JobStateQueued, job.State)
	assert.Equal(t, "talk.mp3", job.Filename)
	assert.Equal(t, "fr", job.Options.Language)
	assert.Zero(t, job.Attempt)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.FinishedAt)
	assert.False(t, job.SubmittedAt.IsZero())

	other := NewJobRecord("talk.mp3", SubmitOptions{})
	assert.NotEqual(t, job.ID, other.ID)
}

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, ErrKindIOError.Retryable())
	assert.True(t, ErrKindEngineError.Retryable())
	assert.True(t, ErrKindDecodeError.Retryable())
	assert.False(t, ErrKindBlobMissing.Retryable())
	assert.False(t, ErrKindTimeout.Retryable())
	assert.False(t, ErrKindCancelled.Retryable())
	assert.False(t, ErrKindBadRequest.Retryable())
}

func TestErrorKindHTTPStatus(t *testing.T) {
	assert.Equal(t, 429, ErrKindRateLimited.HTTPStatus())
	assert.Equal(t, 413, ErrKindPayloadTooLarge.HTTPStatus())
	assert.Equal(t, 415, ErrKindUnsupportedMedia.HTTPStatus())
	assert.Equal(t, 404, ErrKindNotFound.HTTPStatus())
	assert.Equal(t, 410, ErrKindGone.HTTPStatus())
	assert.Equal(t, 409, ErrKindNotCancellable.HTTPStatus())
	assert.Equal(t, 409, ErrKindStateMismatch.HTTPStatus())
	assert.Equal(t, 500, ErrKindInternal.HTTPStatus())
}

func TestAsAPIError(t *testing.T) {
	apiErr := NewAPIError(ErrKindNotFound, "gone fishing")
	assert.Same(t, apiErr, AsAPIError(apiErr))

	wrapped := AsAPIError(ErrNotFound)
	assert.Equal(t, ErrKindInternal, wrapped.Kind)
	assert.Equal(t, "internal error", wrapped.Message)
}
