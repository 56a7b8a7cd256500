// -----------------------------------------------------------------------
// Error taxonomy - stable kinds surfaced to clients and operators
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"net/http"
)

// ErrorKind is a stable machine-readable failure classification. Kinds are
// part of the API contract; messages are free-form human text.
type ErrorKind string

const (
	// Input errors
	ErrKindRateLimited      ErrorKind = "RateLimited"
	ErrKindPayloadTooLarge  ErrorKind = "PayloadTooLarge"
	ErrKindUnsupportedMedia ErrorKind = "UnsupportedMedia"
	ErrKindBadRequest       ErrorKind = "BadRequest"

	// Lookup errors
	ErrKindNotFound ErrorKind = "NotFound"
	ErrKindGone     ErrorKind = "Gone"

	// State errors
	ErrKindNotCancellable ErrorKind = "NotCancellable"
	ErrKindStateMismatch  ErrorKind = "StateMismatch"

	// Execution errors
	ErrKindBlobMissing ErrorKind = "BlobMissing"
	ErrKindDecodeError ErrorKind = "DecodeError"
	ErrKindEngineError ErrorKind = "EngineError"
	ErrKindTimeout     ErrorKind = "Timeout"
	ErrKindCancelled   ErrorKind = "Cancelled"

	// Infrastructure errors
	ErrKindIOError             ErrorKind = "IOError"
	ErrKindQueueUnavailable    ErrorKind = "QueueUnavailable"
	ErrKindRegistryUnavailable ErrorKind = "RegistryUnavailable"
	ErrKindInternal            ErrorKind = "Internal"
)

// Retryable reports whether a worker-side failure of this kind should be
// retried before the job is marked Failed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindIOError, ErrKindDecodeError, ErrKindEngineError,
		ErrKindQueueUnavailable, ErrKindRegistryUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to its response status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrKindRateLimited:
		return http.StatusTooManyRequests
	case ErrKindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrKindUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case ErrKindBadRequest:
		return http.StatusBadRequest
	case ErrKindNotFound:
		return http.StatusNotFound
	case ErrKindGone:
		return http.StatusGone
	case ErrKindNotCancellable, ErrKindStateMismatch:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// APIError is the error shape returned to HTTP callers:
// {error_kind, message, retry_after?}. Messages never include filesystem
// paths or internal addresses.
type APIError struct {
	Kind       ErrorKind `json:"error_kind"`
	Message    string    `json:"message"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds
}

func (e *APIError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewAPIError creates an APIError with the given kind and message.
func NewAPIError(kind ErrorKind, message string) *APIError {
	return &APIError{Kind: kind, Message: message}
}

// AsAPIError extracts an APIError from an error chain, or wraps the error
// as Internal with a generic message.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Kind: ErrKindInternal, Message: "internal error"}
}

// Sentinel errors shared across storage and queue packages.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("already exists")
	ErrStateMismatch = errors.New("state mismatch")
	ErrQueueEmpty    = errors.New("no messages in queue")
	ErrCacheMiss     = errors.New("cache miss")
)
