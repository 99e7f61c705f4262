package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/archivist/internal/archerr"
	"github.com/MikeSquared-Agency/archivist/internal/extract"
	"github.com/MikeSquared-Agency/archivist/internal/orchestrator"
)

// maxFinishedJobs bounds the in-memory job registry: once a batch is
// finished its outcome is only kept for polling, and the durable record
// lives in the job store.
const maxFinishedJobs = 100

// Exporter is the slice of the orchestrator the API needs.
type Exporter interface {
	ExportOne(ctx context.Context, id, format string, options map[string]string) (string, *extract.ConversationRecord, error)
	ExportBatch(ctx context.Context, ids []string, format string, options map[string]string) (*orchestrator.Tally, error)
}

type Server struct {
	router   *chi.Mux
	port     int
	exporter Exporter

	mu       sync.RWMutex
	httpSrv  *http.Server
	jobs     map[uuid.UUID]*batchJob
	finished []uuid.UUID // finish order, oldest first
}

type batchJob struct {
	ID         uuid.UUID           `json:"id"`
	Status     string              `json:"status"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Tally      *orchestrator.Tally `json:"tally,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// ExportRequest is the payload for single and batch exports.
type ExportRequest struct {
	ConversationID  string            `json:"conversation_id,omitempty"`
	ConversationIDs []string          `json:"conversation_ids,omitempty"`
	Format          string            `json:"format"`
	Options         map[string]string `json:"options,omitempty"`
}

// ExportResponse is the single-item export result.
type ExportResponse struct {
	Path   string                      `json:"path"`
	Record *extract.ConversationRecord `json:"record"`
}

func NewServer(port int, exporter Exporter) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		port:     port,
		exporter: exporter,
		jobs:     make(map[uuid.UUID]*batchJob),
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/archivist/status", s.status)
	router.Post("/api/v1/archivist/export", s.exportOne)
	router.Post("/api/v1/archivist/export/batch", s.exportBatch)
	router.Get("/api/v1/archivist/jobs/{id}", s.getJob)

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	srv := &http.Server{Addr: addr, Handler: s.router}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	slog.Info("API server starting", "addr", addr)
	return srv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener. Background
// batches keep running to completion; only the HTTP surface goes away.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	running := 0
	for _, j := range s.jobs {
		if j.Status == "running" {
			running++
		}
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"service":      "archivist",
		"status":       "ok",
		"running_jobs": running,
	})
}

// exportOne handles POST /api/v1/archivist/export
func (s *Server) exportOne(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if req.Format == "" {
		req.Format = "markdown"
	}

	path, rec, err := s.exporter.ExportOne(r.Context(), req.ConversationID, req.Format, req.Options)
	if err != nil {
		slog.Error("export failed", "conversation_id", req.ConversationID, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ExportResponse{Path: path, Record: rec})
}

// exportBatch handles POST /api/v1/archivist/export/batch. The batch
// runs in the background; the caller polls the job endpoint.
func (s *Server) exportBatch(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if len(req.ConversationIDs) == 0 {
		writeError(w, http.StatusBadRequest, "conversation_ids is required")
		return
	}
	if req.Format == "" {
		req.Format = "markdown"
	}

	job := &batchJob{
		ID:        uuid.New(),
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	go s.runBatch(job.ID, req)

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID.String()})
}

func (s *Server) runBatch(id uuid.UUID, req ExportRequest) {
	// Detached from the request context: the batch outlives the 202.
	tally, err := s.exporter.ExportBatch(context.Background(), req.ConversationIDs, req.Format, req.Options)

	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.FinishedAt = &now
	job.Tally = tally
	if err != nil {
		job.Status = "failed"
		job.Error = err.Error()
	} else {
		job.Status = "completed"
	}

	// Evict the oldest finished jobs so the registry stays bounded.
	s.finished = append(s.finished, id)
	for len(s.finished) > maxFinishedJobs {
		delete(s.jobs, s.finished[0])
		s.finished = s.finished[1:]
	}
}

// getJob handles GET /api/v1/archivist/jobs/{id}
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var verr *archerr.ValidationError
	var ferr *archerr.FetchError
	var eerr *archerr.ExportError
	var terr *archerr.TransferError

	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &eerr):
		return http.StatusBadRequest
	case errors.As(err, &ferr):
		if ferr.AuthFailure {
			return http.StatusUnauthorized
		}
		return http.StatusBadGateway
	case errors.As(err, &terr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
