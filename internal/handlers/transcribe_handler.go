package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/scriba/internal/models"
	"github.com/ternarybob/scriba/internal/ratelimit"
	"github.com/ternarybob/scriba/internal/services/submit"
	"github.com/ternarybob/scriba/internal/telemetry"
)

// TranscribeHandler accepts audio submissions.
type TranscribeHandler struct {
	service         *submit.Service
	limiter         *ratelimit.Limiter
	metrics         *telemetry.Metrics
	logger          arbor.ILogger
	bodyReadTimeout time.Duration
	maxBodyBytes    int64
}

// NewTranscribeHandler creates a new TranscribeHandler instance
func NewTranscribeHandler(service *submit.Service, limiter *ratelimit.Limiter, metrics *telemetry.Metrics, logger arbor.ILogger, bodyReadTimeout time.Duration, maxFileBytes int64) *TranscribeHandler {
	return &TranscribeHandler{
		service:         service,
		limiter:         limiter,
		metrics:         metrics,
		logger:          logger,
		bodyReadTimeout: bodyReadTimeout,
		// Multipart boundaries and option fields ride on top of the file.
		maxBodyBytes: maxFileBytes + 64*1024,
	}
}

// submitResponse is the wire shape for accepted submissions.
type submitResponse struct {
	JobID string          `json:"job_id"`
	State models.JobState `json:"state"`
}

// SubmitHandler handles POST /transcribe. The upload is a multipart form
// with the audio under "file" and options as plain form fields.
func (h *TranscribeHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	caller := CallerKey(r)
	if ok, retryAfter := h.limiter.Allow(caller, ratelimit.ClassSubmit); !ok {
		h.metrics.RequestsTotal.WithLabelValues(telemetry.OutcomeRejected).Inc()
		WriteAPIError(w, &models.APIError{
			Kind:       models.ErrKindRateLimited,
			Message:    "submission rate limit exceeded",
			RetryAfter: retryAfter,
		})
		return
	}

	// Fast rejection for an honestly declared oversize body; the blob store
	// still enforces the cap mid-stream for clients that lie.
	if r.ContentLength > h.maxBodyBytes {
		h.rejected(w, models.NewAPIError(models.ErrKindPayloadTooLarge, "request body exceeds size limit"))
		return
	}

	// Bound how long a slow client may trickle the body.
	if h.bodyReadTimeout > 0 {
		ctl := http.NewResponseController(w)
		_ = ctl.SetReadDeadline(time.Now().Add(h.bodyReadTimeout))
	}

	// Headers only; the file part streams from the multipart reader.
	reader, err := r.MultipartReader()
	if err != nil {
		h.rejected(w, models.NewAPIError(models.ErrKindBadRequest, "expected multipart form data"))
		return
	}

	var opts models.SubmitOptions
	for {
		part, err := reader.NextPart()
		if err != nil {
			h.rejected(w, models.NewAPIError(models.ErrKindBadRequest, "missing file part"))
			return
		}

		switch part.FormName() {
		case "language":
			opts.Language = formValue(part)
		case "vad_filter":
			v, perr := strconv.ParseBool(formValue(part))
			if perr != nil {
				h.rejected(w, models.NewAPIError(models.ErrKindBadRequest, "vad_filter must be a boolean"))
				return
			}
			opts.VADFilter = v
		case "initial_prompt":
			opts.InitialPrompt = formValue(part)
		case "file":
			job, serr := h.service.Submit(r.Context(), part.FileName(), part.Header.Get("Content-Type"), part, opts)
			if serr != nil {
				h.rejected(w, serr)
				return
			}

			status := http.StatusAccepted
			if job.State == models.JobStateCompleted {
				status = http.StatusOK
			}
			WriteJSON(w, status, submitResponse{JobID: job.ID, State: job.State})
			return
		default:
			h.rejected(w, models.NewAPIError(models.ErrKindBadRequest, "unrecognized field: "+part.FormName()))
			return
		}
	}
}

func (h *TranscribeHandler) rejected(w http.ResponseWriter, err error) {
	h.metrics.RequestsTotal.WithLabelValues(telemetry.OutcomeRejected).Inc()
	WriteAPIError(w, err)
}

// formValue reads a small text part in full.
func formValue(part interface{ Read([]byte) (int, error) }) string {
	buf := make([]byte, 4096)
	total := 0
	for total < len(buf) {
		n, err := part.Read(buf[total:])
		total += n
		if err != nil {
			break
		}
	}
	return string(buf[:total])
}
