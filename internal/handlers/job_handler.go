package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/scriba/internal/models"
	"github.com/ternarybob/scriba/internal/ratelimit"
	"github.com/ternarybob/scriba/internal/services/polling"
)

// JobHandler serves status, result, and cancellation requests.
type JobHandler struct {
	service *polling.Service
	limiter *ratelimit.Limiter
	logger  arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(service *polling.Service, limiter *ratelimit.Limiter, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		service: service,
		limiter: limiter,
		logger:  logger,
	}
}

// statusResponse is the wire shape for GET /status/{job_id}.
type statusResponse struct {
	JobID        string           `json:"job_id"`
	State        models.JobState  `json:"state"`
	Filename     string           `json:"filename"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	Attempt      int              `json:"attempt"`
	ErrorKind    models.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

func statusFromRecord(job *models.JobRecord) statusResponse {
	return statusResponse{
		JobID:        job.ID,
		State:        job.State,
		Filename:     job.Filename,
		SubmittedAt:  job.SubmittedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		Attempt:      job.Attempt,
		ErrorKind:    job.ErrorKind,
		ErrorMessage: job.ErrorMessage,
	}
}

// allowPoll charges the caller's polling bucket, writing the refusal when
// the budget is spent.
func (h *JobHandler) allowPoll(w http.ResponseWriter, r *http.Request) bool {
	if ok, retryAfter := h.limiter.Allow(CallerKey(r), ratelimit.ClassPoll); !ok {
		WriteAPIError(w, &models.APIError{
			Kind:       models.ErrKindRateLimited,
			Message:    "polling rate limit exceeded",
			RetryAfter: retryAfter,
		})
		return false
	}
	return true
}

// StatusHandler handles GET /status/{job_id}
func (h *JobHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !h.allowPoll(w, r) {
		return
	}

	jobID := PathSuffix(r, "/status/")
	if jobID == "" {
		WriteAPIError(w, models.NewAPIError(models.ErrKindBadRequest, "job id is required"))
		return
	}

	job, err := h.service.Status(r.Context(), jobID)
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, statusFromRecord(job))
}

// ResultHandler handles GET /result/{job_id}
func (h *JobHandler) ResultHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !h.allowPoll(w, r) {
		return
	}

	jobID := PathSuffix(r, "/result/")
	if jobID == "" {
		WriteAPIError(w, models.NewAPIError(models.ErrKindBadRequest, "job id is required"))
		return
	}

	transcript, job, err := h.service.Result(r.Context(), jobID)
	if err != nil {
		apiErr := models.AsAPIError(err)
		// A not-yet-completed job echoes its current state in the body so
		// pollers need not issue a second status call.
		if apiErr.Kind == models.ErrKindStateMismatch && job != nil {
			WriteJSON(w, http.StatusConflict, statusFromRecord(job))
			return
		}
		WriteAPIError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, transcript)
}

// CancelHandler handles DELETE /job/{job_id}
func (h *JobHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}
	if !h.allowPoll(w, r) {
		return
	}

	jobID := PathSuffix(r, "/job/")
	if jobID == "" {
		WriteAPIError(w, models.NewAPIError(models.ErrKindBadRequest, "job id is required"))
		return
	}

	job, err := h.service.Cancel(r.Context(), jobID)
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	// A Processing job may not have confirmed yet; the contract is that
	// the cancellation mark is durable, so report Cancelled either way.
	state := job.State
	if state == models.JobStateProcessing && job.CancelRequested {
		state = models.JobStateCancelled
	}
	WriteJSON(w, http.StatusOK, map[string]models.JobState{"state": state})
}
