// Package api serves the ingestion HTTP interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"file-ingestion-service/internal/config"
	"file-ingestion-service/internal/fingerprint"
	"file-ingestion-service/internal/intake"
	"file-ingestion-service/internal/jobs"
	"file-ingestion-service/internal/logger"
	"file-ingestion-service/internal/models"
	"file-ingestion-service/internal/objectstore"
	"file-ingestion-service/internal/ratelimit"
	"file-ingestion-service/internal/telemetry"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	multipartMemory  = 32 << 20
)

// Limiter decides whether a client may submit now.
type Limiter interface {
	Allow(ctx context.Context, client string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the ingestion API.
type Server struct {
	intake    *intake.Service
	limiter   Limiter
	validate  *validator.Validate
	maxUpload int64
	log       logger.Logger
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(cfg config.Config, svc *intake.Service, limiter Limiter, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{
		intake:    svc,
		limiter:   limiter,
		validate:  validator.New(),
		maxUpload: cfg.MaxUploadBytes,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/ingest/postgres", s.handleIngestPostgres)
		r.Post("/ingest/postgres/from-s3", s.handleIngestFromS3)
		r.Post("/upload/s3", s.handleUploadS3)
	})

	r.Get("/status/{id}", s.handleStatus)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Delete("/jobs/{id}", s.handleDeleteJob)
	r.Post("/jobs/{id}/retry", s.handleRetryJob)
	r.Post("/jobs/bulk-delete", s.handleBulkDelete)
	r.Post("/build-analytics", s.handleBuildAnalytics)
	return r
}

func (s *Server) handleIngestPostgres(w http.ResponseWriter, r *http.Request) {
	if !s.parseMultipart(w, r) {
		return
	}
	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	f, err := readFile(headers[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Could not read uploaded file")
		return
	}
	sub, err := s.intake.SubmitFile(r.Context(), f.Name, f.Content)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeSubmission(w, sub)
}

type fromS3Request struct {
	S3Key string `json:"s3_key" validate:"required"`
}

func (s *Server) handleIngestFromS3(w http.ResponseWriter, r *http.Request) {
	var req fromS3Request
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.intake.SubmitFromReference(r.Context(), req.S3Key)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeSubmission(w, sub)
}

// handleUploadS3 accepts "files" (or a single "file"). Multipart file names lose
// their directory, so directory uploads send the relative paths in parallel "paths" fields.
func (s *Server) handleUploadS3(w http.ResponseWriter, r *http.Request) {
	if !s.parseMultipart(w, r) {
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "At least one file must be provided")
		return
	}
	preserve := true
	if v := r.FormValue("preserve_filename"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "preserve_filename must be a boolean")
			return
		}
		preserve = b
	}
	paths := r.MultipartForm.Value["paths"]
	if len(paths) > 0 && len(paths) != len(headers) {
		writeError(w, http.StatusBadRequest, "paths must list one entry per file")
		return
	}

	files := make([]intake.File, 0, len(headers))
	for i, fh := range headers {
		f, err := readFile(fh)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Could not read uploaded file")
			return
		}
		if len(paths) > 0 {
			f.Name = paths[i]
		}
		files = append(files, f)
	}
	sub, err := s.intake.SubmitUpload(r.Context(), files, preserve)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeSubmission(w, sub)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.intake.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusView(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.intake.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobs.Filter{
		Status:   models.Status(q.Get("status")),
		Channel:  models.Channel(q.Get("ingestion_type")),
		FileHash: q.Get("file_hash"),
		Limit:    defaultListLimit,
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown status: "+string(f.Status))
		return
	}
	if f.Channel != "" && !f.Channel.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown ingestion_type: "+string(f.Channel))
		return
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), defaultListLimit); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	f.Limit = max(1, min(f.Limit, maxListLimit))
	f.Offset = max(0, f.Offset)

	list, err := s.intake.List(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.intake.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "deleted": true})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.intake.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       res.Job.ID,
		"status":       res.Job.Status,
		"message":      res.Job.Message,
		"retry_count":  res.Job.RetryCount,
		"redispatched": res.Redispatched,
	})
}

type bulkDeleteRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.intake.BulkDelete(r.Context(), req.IDs...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleBuildAnalytics(w http.ResponseWriter, r *http.Request) {
	id, err := s.intake.BuildAnalytics(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Analytics build started in background",
		"status":  "running",
		"task_id": id,
	})
}

// parseMultipart bounds the body to the upload limit and parses the form.
func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) bool {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload exceeds the maximum allowed size")
			return false
		}
		writeError(w, http.StatusBadRequest, "Expected a multipart form upload")
		return false
	}
	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request"
	}
	fe := verrs[0]
	return "Field " + strings.ToLower(fe.Field()) + " failed on " + fe.Tag()
}

// writeServiceError maps sentinel errors to status codes. Unexpected errors are
// logged and answered without internal detail.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intake.ErrInvalidUpload),
		errors.Is(err, fingerprint.ErrEmptyPayload),
		errors.Is(err, fingerprint.ErrInvalidPath):
		writeError(w, http.StatusBadRequest, strings.ReplaceAll(err.Error(), "\n", ": "))
	case errors.Is(err, objectstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "S3 object not found")
	case errors.Is(err, objectstore.ErrBucketNotFound):
		writeError(w, http.StatusNotFound, "S3 bucket not found")
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, jobs.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeSubmission(w http.ResponseWriter, sub intake.Submission) {
	code := http.StatusCreated
	if sub.IsDuplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, sub)
}

func readFile(fh *multipart.FileHeader) (intake.File, error) {
	f, err := fh.Open()
	if err != nil {
		return intake.File{}, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return intake.File{}, err
	}
	return intake.File{Name: fh.Filename, Content: content, ContentType: fh.Header.Get("Content-Type")}, nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
