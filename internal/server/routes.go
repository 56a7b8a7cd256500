package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Submission
	mux.HandleFunc("/transcribe", s.app.TranscribeHandler.SubmitHandler) // POST

	// Job lifecycle
	mux.HandleFunc("/status/", s.app.JobHandler.StatusHandler) // GET /{job_id}
	mux.HandleFunc("/result/", s.app.JobHandler.ResultHandler) // GET /{job_id}
	mux.HandleFunc("/job/", s.app.JobHandler.CancelHandler)    // DELETE /{job_id}

	// Operational surface
	mux.HandleFunc("/health", s.app.SystemHandler.HealthHandler)
	mux.HandleFunc("/stats", s.app.SystemHandler.StatsHandler)
	mux.Handle("/metrics", s.app.Metrics.Handler())

	// Service info and catch-all
	mux.HandleFunc("/", s.app.SystemHandler.RootHandler)

	return mux
}
