package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mint-pipeline/internal/models"
	"mint-pipeline/internal/pipeline"
	"mint-pipeline/internal/store"
	"mint-pipeline/internal/telemetry"
)

// Pipeline is the orchestrator surface the API serves.
type Pipeline interface {
	Submit(ctx context.Context, in pipeline.SubmitInput) (models.MintRequest, error)
	Status(ctx context.Context, id string) (models.MintRequest, error)
	Audit(ctx context.Context, id string) ([]models.AuditEntry, error)
}

// DeadLetterReader exposes the dead-letter queue.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, count int64) ([]models.DeadLetter, error)
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Options configures uploads and static content.
type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	// ContentDir, when set, is served under /content for the local content backend.
	ContentDir string
}

// Server wires HTTP handlers for mint intake and status.
type Server struct {
	pipeline Pipeline
	dlq      DeadLetterReader
	checks   map[string]Pinger
	opts     Options
	logger   *slog.Logger
}

// New constructs the API server.
func New(p Pipeline, dlq DeadLetterReader, checks map[string]Pinger, opts Options, logger *slog.Logger) *Server {
	if opts.UploadDir == "" {
		opts.UploadDir = os.TempDir()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Server{pipeline: p, dlq: dlq, checks: checks, opts: opts, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/mints", s.handleSubmit)
	r.Get("/mints/{id}", s.handleGetMint)
	r.Get("/mints/{id}/audit", s.handleAudit)
	r.Get("/dlq", s.handleDLQ)

	if s.opts.ContentDir != "" {
		r.Handle("/content/*", http.StripPrefix("/content/", http.FileServer(http.Dir(s.opts.ContentDir))))
	}
	return r
}

type submitResponse struct {
	Request  models.MintRequest `json:"request"`
	Replayed bool               `json:"replayed"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		writeError(w, &models.ValidationError{Field: "body", Reason: "expected multipart form: " + err.Error()})
		return
	}
	defer r.MultipartForm.RemoveAll()

	in := pipeline.SubmitInput{
		Chain:          models.Chain(strings.ToLower(r.FormValue("chain"))),
		Wallet:         walletFromRequest(r),
		Name:           r.FormValue("name"),
		Description:    r.FormValue("description"),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = r.FormValue("idempotency_key")
	}
	if raw := strings.TrimSpace(r.FormValue("attributes")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &in.Attributes); err != nil {
			writeError(w, &models.ValidationError{Field: "attributes", Reason: "must be a JSON array of {trait_type, value}"})
			return
		}
	}

	path, name, err := s.saveUpload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	in.ImagePath, in.ImageName = path, name

	req, err := s.pipeline.Submit(r.Context(), in)
	if req.ImagePath != path {
		// Rejected before the request was recorded, or answered by an earlier submission.
		_ = os.Remove(path)
	}
	if err != nil {
		if req.ID == "" {
			s.logger.Info("mint rejected", slog.String("error", err.Error()), slog.String("error_kind", models.Kind(err)))
			writeError(w, err)
			return
		}
		s.logger.Error("mint accepted but not queued", slog.String("request_id", req.ID), slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	replayed := req.ImagePath != path
	writeJSON(w, http.StatusAccepted, submitResponse{Request: req, Replayed: replayed})
}

// saveUpload streams the image part to a temporary file owned by the pipeline from here on.
func (s *Server) saveUpload(r *http.Request) (string, string, error) {
	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return "", "", &models.ValidationError{Field: "image", Reason: "required"}
	}
	if err != nil {
		return "", "", &models.ValidationError{Field: "image", Reason: err.Error()}
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	tmp, err := os.CreateTemp(s.opts.UploadDir, "upload-*"+strings.ToLower(filepath.Ext(name)))
	if err != nil {
		return "", "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("write upload file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("close upload file: %w", err)
	}
	return tmp.Name(), name, nil
}

func (s *Server) handleGetMint(w http.ResponseWriter, r *http.Request) {
	req, err := s.pipeline.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.pipeline.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleDLQ returns the oldest dead-lettered jobs.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64); err == nil && v > 0 {
		limit = v
	}
	items, err := s.dlq.DeadLetters(r.Context(), limit)
	if err != nil {
		s.logger.Error("read dead letters", slog.String("error", err.Error()))
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	code := http.StatusOK
	for name, dep := range s.checks {
		if err := dep.Ping(ctx); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	overall := "ok"
	if code != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, code, map[string]any{"status": overall, "checks": status})
}

func walletFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Wallet-Id"); v != "" {
		return v
	}
	return r.FormValue("wallet")
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Field string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	var (
		validation *models.ValidationError
		limited    *models.RateLimitError
		open       *models.BreakerOpenError
	)
	resp := errorResponse{Error: err.Error(), Kind: models.Kind(err)}
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		code = http.StatusBadRequest
		resp.Field = validation.Field
	case errors.As(err, &limited):
		code = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
	case errors.As(err, &open):
		code = http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
		resp.Kind = "not_found"
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
