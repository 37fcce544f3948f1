// Package api provides the operational HTTP surface: health, job status,
// and manual job triggers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/praxishealth/praxis/internal/logging"
	"github.com/praxishealth/praxis/internal/scheduler"
)

// Server is the ops HTTP server. It exposes no user-facing endpoints;
// nudges and schedules reach clients through the delivery layer, not here.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	sched      *scheduler.Scheduler
}

// Config for the server
type Config struct {
	Host      string
	Port      int
	Scheduler *scheduler.Scheduler
}

// jobIDs maps URL segments to registered scheduler job IDs
var jobIDs = map[string]string{
	"nudges":    "adaptive_nudges",
	"schedules": "daily_schedules",
	"streaks":   "streak_maintenance",
	"freezes":   "freeze_reset",
}

// New creates the ops server
func New(cfg Config) *Server {
	s := &Server{sched: cfg.Scheduler}
	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/status", s.handleJobStatus)
		r.Post("/{job}/run", s.handleRunJob)
	})

	s.router = r
}

// Start begins listening. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("ops server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"stats": s.sched.GetStats(),
		"jobs":  s.sched.ListJobs(),
	})
}

type runRequest struct {
	// RunAt overrides the instant the job treats as "now" (RFC 3339).
	// Empty means the current time.
	RunAt string `json:"run_at,omitempty"`
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDs[chi.URLParam(r, "job")]
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown job")
		return
	}

	runAt := time.Now()
	if r.ContentLength > 0 {
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if req.RunAt != "" {
			parsed, err := time.Parse(time.RFC3339, req.RunAt)
			if err != nil {
				s.respondError(w, http.StatusBadRequest, "run_at must be RFC 3339")
				return
			}
			runAt = parsed
		}
	}

	if err := s.sched.RunNow(jobID, runAt); err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job":    jobID,
		"run_at": runAt.Format(time.RFC3339),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
