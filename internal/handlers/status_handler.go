package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/scriba/internal/common"
	"github.com/ternarybob/scriba/internal/models"
	"github.com/ternarybob/scriba/internal/queue"
	storage "github.com/ternarybob/scriba/internal/storage/badger"
)

// SystemHandler serves the operational surface: health, stats, and the
// service info page at the root.
type SystemHandler struct {
	registry        *storage.JobRegistry
	heartbeats      *storage.HeartbeatStore
	queue           *queue.WorkQueue
	engineConfig    common.EngineConfig
	heartbeatMaxAge time.Duration
	logger          arbor.ILogger
}

// NewSystemHandler creates a new SystemHandler
func NewSystemHandler(
	registry *storage.JobRegistry,
	heartbeats *storage.HeartbeatStore,
	workQueue *queue.WorkQueue,
	engineConfig common.EngineConfig,
	heartbeatMaxAge time.Duration,
	logger arbor.ILogger,
) *SystemHandler {
	return &SystemHandler{
		registry:        registry,
		heartbeats:      heartbeats,
		queue:           workQueue,
		engineConfig:    engineConfig,
		heartbeatMaxAge: heartbeatMaxAge,
		logger:          logger,
	}
}

// healthResponse aggregates dependency probes into one verdict.
type healthResponse struct {
	Status                string `json:"status"` // ok, degraded, down
	QueueBackendReachable bool   `json:"queue_backend_reachable"`
	WorkerHeartbeatFresh  bool   `json:"worker_heartbeat_fresh"`
	Engine                struct {
		Model     string `json:"model"`
		Device    string `json:"device"`
		Precision string `json:"precision"`
	} `json:"engine"`
	Version string `json:"version"`
}

// HealthHandler handles GET /health
func (h *SystemHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()

	resp := healthResponse{Version: common.GetFullVersion()}
	resp.Engine.Model = h.engineConfig.Model
	resp.Engine.Device = h.engineConfig.Device
	resp.Engine.Precision = h.engineConfig.Precision

	if _, err := h.queue.Depth(ctx); err == nil {
		resp.QueueBackendReachable = true
	} else {
		h.logger.Warn().Err(err).Msg("Health probe: queue backend unreachable")
	}

	if fresh, err := h.heartbeats.Fresh(ctx, h.heartbeatMaxAge); err == nil {
		resp.WorkerHeartbeatFresh = fresh
	}

	status := http.StatusOK
	switch {
	case resp.QueueBackendReachable && resp.WorkerHeartbeatFresh:
		resp.Status = "ok"
	case resp.QueueBackendReachable:
		resp.Status = "degraded"
	default:
		resp.Status = "down"
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, resp)
}

// statsResponse is the wire shape for GET /stats.
type statsResponse struct {
	QueueDepth int                     `json:"queue_depth"`
	InProgress int                     `json:"in_progress"`
	Workers    []storage.Heartbeat     `json:"workers"`
	Jobs       map[models.JobState]int `json:"jobs"`
}

// StatsHandler handles GET /stats
func (h *SystemHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()

	resp := statsResponse{Workers: []storage.Heartbeat{}}

	depth, err := h.queue.Depth(ctx)
	if err != nil {
		WriteAPIError(w, models.NewAPIError(models.ErrKindQueueUnavailable, "failed to read queue depth"))
		return
	}
	resp.QueueDepth = depth

	counts, err := h.registry.CountByState(ctx)
	if err != nil {
		WriteAPIError(w, models.NewAPIError(models.ErrKindRegistryUnavailable, "failed to read job counts"))
		return
	}
	resp.Jobs = counts
	resp.InProgress = counts[models.JobStateProcessing]

	if beats, err := h.heartbeats.List(ctx); err == nil && beats != nil {
		resp.Workers = beats
	}

	WriteJSON(w, http.StatusOK, resp)
}

// RootHandler handles GET /, a small service info document.
func (h *SystemHandler) RootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		WriteAPIError(w, models.NewAPIError(models.ErrKindNotFound, "no such route"))
		return
	}
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"service": "scriba",
		"version": common.GetVersion(),
		"model":   h.engineConfig.Model,
		"endpoints": []string{
			"POST /transcribe",
			"GET /status/{job_id}",
			"GET /result/{job_id}",
			"DELETE /job/{job_id}",
			"GET /health",
			"GET /stats",
			"GET /metrics",
		},
	})
}
