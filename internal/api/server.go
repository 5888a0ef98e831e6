// Package api implements the API Facade: the only component external
// callers touch. It translates HTTP requests into Queue Service calls and
// never exposes internal job-state transitions directly. Built on a bare
// http.ServeMux with path-suffix dispatch for sub-resources and a
// middleware chain for correlation IDs, logging, CORS, and panic recovery.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pdfjobs/internal/jobmodel"
	"github.com/ternarybob/pdfjobs/internal/metrics"
	"github.com/ternarybob/pdfjobs/internal/queue"
	"github.com/ternarybob/pdfjobs/internal/safety"
	"github.com/ternarybob/pdfjobs/internal/store"
)

// Server is the API Facade's HTTP server.
type Server struct {
	queue       *queue.Service
	logger      arbor.ILogger
	validate    *validator.Validate
	http        *http.Server
	metricsPath string // empty disables the exposition endpoint
}

// New constructs a Server bound to addr ("host:port"), serving requests
// against q. metricsPath, if non-empty, exposes Prometheus metrics there;
// config.MetricsConfig decides whether it's mounted at all.
func New(addr string, q *queue.Service, logger arbor.ILogger, metricsPath string) *Server {
	s := &Server{queue: q, logger: logger, validate: validator.New(), metricsPath: metricsPath}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.withMiddleware(s.routes()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/pdf-jobs", s.handleJobsCollection)
	mux.HandleFunc("/v1/pdf-jobs/", s.handleJobSubresource)
	if s.metricsPath != "" {
		mux.Handle(s.metricsPath, metrics.Handler())
	}
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createJob(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleJobSubresource dispatches GET /v1/pdf-jobs/{id} and
// GET /v1/pdf-jobs/{id}/file by trimming the shared prefix and checking
// for the /file suffix.
func (s *Server) handleJobSubresource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	suffix := strings.TrimPrefix(r.URL.Path, "/v1/pdf-jobs/")
	if suffix == "" {
		writeError(w, http.StatusNotFound, "missing job id")
		return
	}

	if id, ok := strings.CutSuffix(suffix, "/file"); ok {
		s.downloadArtifact(w, r, id)
		return
	}

	s.getJob(w, r, suffix)
}

type createJobRequest struct {
	URL                    string              `json:"url" validate:"required,url"`
	RenderMode             jobmodel.RenderMode `json:"render_mode"`
	MaxRetries             *int                `json:"max_retries"`
	NavigationTimeoutS     *int                `json:"navigation_timeout_seconds"`
	JobTimeoutS            *int                `json:"job_timeout_seconds"`
	MaxDomainWaitS         *int                `json:"max_domain_wait_seconds"`
	Metadata               json.RawMessage     `json:"metadata"`
}

// jobResponse is the external job-view shape returned by the API.
type jobResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	CreatedAt     string `json:"created_at"`
	StartedAt     string `json:"started_at,omitempty"`
	FinishedAt    string `json:"finished_at,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	Deduplicated  bool   `json:"deduplicated"`
}

func toJobResponse(j *jobmodel.Job, deduplicated bool) jobResponse {
	resp := jobResponse{
		JobID: j.ID, Status: string(j.Status), Attempts: j.Attempts,
		ErrorCode: string(j.ErrorCode), ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt.UTC().Format(time.RFC3339),
		Deduplicated: deduplicated,
	}
	if j.StartedAt != nil {
		resp.StartedAt = j.StartedAt.UTC().Format(time.RFC3339)
	}
	if j.FinishedAt != nil {
		resp.FinishedAt = j.FinishedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job spec: "+err.Error())
		return
	}

	submit := queue.SubmitRequest{URL: req.URL, RenderMode: req.RenderMode, Metadata: req.Metadata}
	if req.MaxRetries != nil {
		submit.MaxRetries = *req.MaxRetries
	}
	if req.NavigationTimeoutS != nil {
		submit.NavigationTimeoutS = *req.NavigationTimeoutS
	}
	if req.JobTimeoutS != nil {
		submit.JobTimeoutS = *req.JobTimeoutS
	}
	if req.MaxDomainWaitS != nil {
		submit.MaxDomainWaitS = *req.MaxDomainWaitS
	}

	job, err := s.queue.Submit(r.Context(), time.Now(), submit)
	if err != nil {
		var dupErr *queue.ErrDuplicateSubmission
		if errors.As(err, &dupErr) {
			existing, getErr := s.queue.Get(r.Context(), dupErr.ExistingJobID)
			if getErr == nil {
				writeJSON(w, http.StatusAccepted, toJobResponse(existing, true))
				return
			}
		}
		s.writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toJobResponse(job, false))
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var rejectErr *safety.RejectError
	if errors.As(err, &rejectErr) {
		writeError(w, http.StatusBadRequest, rejectErr.Error())
		return
	}
	s.logger.Error().Err(err).Msg("submit failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error().Err(err).Str("job_id", id).Msg("get job failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job, false))
}

// downloadArtifact serves the rendered PDF for a succeeded job. A
// non-terminal job's file is not yet ready (400, current status); a
// succeeded job whose artifact has since been cleaned up is reported
// distinctly from "not found" (404, "cleaned up" body).
func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if job.Status != jobmodel.StatusSucceeded {
		writeError(w, http.StatusBadRequest, string(job.Status))
		return
	}
	if job.ArtifactPath == "" {
		writeError(w, http.StatusNotFound, "PDF file not found (may have been cleaned up)")
		return
	}
	if _, statErr := os.Stat(job.ArtifactPath); statErr != nil {
		writeError(w, http.StatusNotFound, "PDF file not found (may have been cleaned up)")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.ID+`.pdf"`)
	http.ServeFile(w, r, job.ArtifactPath)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
