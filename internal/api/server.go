package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courierhq/courier/internal/bounce"
	"github.com/courierhq/courier/internal/queue"
	"github.com/courierhq/courier/internal/ratelimit"
	"github.com/courierhq/courier/internal/store"
)

// Server exposes the queue service, suppression list and rate limiter over
// HTTP for the surrounding application.
type Server struct {
	service    *queue.Service
	bounces    *bounce.Processor
	bounceInfo store.BounceStore
	profiles   store.ProfileStore
	limiter    *ratelimit.Limiter
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the API server listening on addr
func NewServer(addr string, service *queue.Service, bounces *bounce.Processor, bounceInfo store.BounceStore, profiles store.ProfileStore, limiter *ratelimit.Limiter) *Server {
	s := &Server{
		service:    service,
		bounces:    bounces,
		bounceInfo: bounceInfo,
		profiles:   profiles,
		limiter:    limiter,
		logger:     slog.Default().With("component", "api"),
	}

	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", s.handleEnqueueJob).Methods("POST")
	api.HandleFunc("/jobs/bulk", s.handleEnqueueBulk).Methods("POST")
	api.HandleFunc("/jobs/{lane}/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{lane}/{id}", s.handleCancelJob).Methods("DELETE")
	api.HandleFunc("/jobs/{lane}/{id}/retry", s.handleRetryJob).Methods("POST")
	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")
	api.HandleFunc("/suppressions/{email}", s.handleGetSuppression).Methods("GET")
	api.HandleFunc("/suppressions/{email}", s.handleRemoveSuppression).Methods("DELETE")
	api.HandleFunc("/profiles/{id}/rate", s.handleRateStatus).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving; it blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// enqueueRequest is the POST /jobs payload
type enqueueRequest struct {
	Job      queue.EmailJob `json:"job"`
	Lane     queue.Lane     `json:"lane,omitempty"`
	DelaySec int            `json:"delay_seconds,omitempty"`
	Priority int            `json:"priority,omitempty"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.service.AddEmailJob(r.Context(), req.Job, req.Lane, queue.EnqueueOptions{
		Delay:    time.Duration(req.DelaySec) * time.Second,
		Priority: req.Priority,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// bulkRequest is the POST /jobs/bulk payload
type bulkRequest struct {
	Jobs     []queue.EmailJob `json:"jobs"`
	Lane     queue.Lane       `json:"lane,omitempty"`
	DelaySec int              `json:"delay_seconds,omitempty"`
	Priority int              `json:"priority,omitempty"`
}

func (s *Server) handleEnqueueBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Jobs) == 0 {
		writeError(w, http.StatusBadRequest, "jobs must not be empty")
		return
	}

	jobs, err := s.service.AddBulkJobs(r.Context(), req.Jobs, req.Lane, queue.EnqueueOptions{
		Delay:    time.Duration(req.DelaySec) * time.Second,
		Priority: req.Priority,
	})
	if err != nil {
		// partial enqueues are reported along with the error
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":    err.Error(),
			"enqueued": jobs,
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"jobs": jobs})
}

func jobParams(r *http.Request) (queue.Lane, string) {
	vars := mux.Vars(r)
	return queue.Lane(vars["lane"]), vars["id"]
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	lane, id := jobParams(r)
	job, err := s.service.GetJobStatus(r.Context(), lane, id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	lane, id := jobParams(r)
	ok, err := s.service.CancelJob(r.Context(), lane, id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "job is no longer cancellable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	lane, id := jobParams(r)
	ok, err := s.service.RetryJob(r.Context(), lane, id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "job is not in a retryable state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"requeued": true})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.GetQueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetSuppression(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]
	rec, err := s.bounceInfo.GetBounce(r.Context(), email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no bounce record for address")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRemoveSuppression(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]
	if err := s.bounces.RemoveFromSuppression(r.Context(), email); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no bounce record for address")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleRateStatus(w http.ResponseWriter, r *http.Request) {
	profileID := mux.Vars(r)["id"]
	profile, err := s.profiles.GetProfile(r.Context(), profileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status, err := s.limiter.Status(r.Context(), profile.ID, profile.MaxHourlyRate)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}
