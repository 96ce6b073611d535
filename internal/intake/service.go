// Package intake accepts payloads, fingerprints them, consults the dedup gate
// and creates and dispatches jobs. It also serves the operator actions on jobs.
package intake

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"file-ingestion-service/internal/fingerprint"
	"file-ingestion-service/internal/jobs"
	"file-ingestion-service/internal/logger"
	"file-ingestion-service/internal/models"
	"file-ingestion-service/internal/objectstore"
	"file-ingestion-service/internal/processing"
	"file-ingestion-service/internal/telemetry"
)

// ErrInvalidUpload is returned for payloads rejected before any job is created.
var ErrInvalidUpload = errors.New("invalid upload")

// TaskQueue is what the service needs from the broker.
type TaskQueue interface {
	jobs.Dispatcher
	Cancel(ctx context.Context, id string) error
	Requeue(ctx context.Context, id string) (bool, error)
}

// Downloader fetches payloads referenced by object key.
type Downloader interface {
	Download(ctx context.Context, key string) (objectstore.Object, error)
}

// File is one uploaded file as received by the request layer.
type File struct {
	Name        string
	Content     []byte
	ContentType string
}

// Submission is the answer to every submit call.
type Submission struct {
	JobID       string         `json:"job_id"`
	Message     string         `json:"message"`
	Fingerprint string         `json:"file_hash"`
	Status      models.Status  `json:"status"`
	Channel     models.Channel `json:"ingestion_type"`
	IsDuplicate bool           `json:"is_duplicate"`
}

// RetryResult reports an operator retry.
type RetryResult struct {
	Job models.Job
	// Redispatched is false when the dead-lettered task had already expired.
	Redispatched bool
}

type Service struct {
	repo    jobs.Repository
	gate    *jobs.Gate
	ctrl    *jobs.Controller
	queue   TaskQueue
	objects Downloader
	log     logger.Logger
}

func NewService(repo jobs.Repository, ctrl *jobs.Controller, queue TaskQueue, objects Downloader, log logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		repo:    repo,
		gate:    jobs.NewGate(repo),
		ctrl:    ctrl,
		queue:   queue,
		objects: objects,
		log:     log,
	}
}

// SubmitFile accepts a spreadsheet for the Postgres channel. Only a completed job
// with the same fingerprint makes it a duplicate.
func (s *Service) SubmitFile(ctx context.Context, name string, content []byte) (Submission, error) {
	return s.submitPostgres(ctx, name, content, "PostgreSQL ingestion started")
}

// SubmitFromReference downloads key from object storage and submits it like SubmitFile.
// Missing keys or buckets surface as objectstore.ErrNotFound / ErrBucketNotFound.
func (s *Service) SubmitFromReference(ctx context.Context, key string) (Submission, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Submission{}, fmt.Errorf("%w: s3_key is required", ErrInvalidUpload)
	}
	obj, err := s.objects.Download(ctx, key)
	if err != nil {
		return Submission{}, err
	}
	return s.submitPostgres(ctx, path.Base(obj.Key), obj.Body, "PostgreSQL ingestion started from S3: "+key)
}

func (s *Service) submitPostgres(ctx context.Context, name string, content []byte, startedMsg string) (Submission, error) {
	fp, err := fingerprint.Bytes(content)
	if err != nil {
		return Submission{}, errors.Join(ErrInvalidUpload, err)
	}

	existing, found, err := s.gate.Existing(ctx, fp, models.ChannelPostgres)
	if err != nil {
		return Submission{}, err
	}
	if found {
		return s.duplicate(existing, "File already successfully ingested to PostgreSQL. Status: "+string(existing.Status)), nil
	}

	job, err := s.ctrl.Create(ctx, fp, models.ChannelPostgres)
	if err != nil {
		return Submission{}, err
	}
	task := models.Task{
		ID:      job.ID,
		JobID:   job.ID,
		Kind:    models.TaskProcessFile,
		Payload: models.Payload{FileName: name, Content: content},
	}
	if err := s.dispatch(ctx, job, task); err != nil {
		return Submission{}, err
	}
	return created(job, startedMsg), nil
}

// SubmitUpload accepts files for the S3 channel: one regular file, one .zip
// archive, or several files forming a directory. Any existing job for the
// fingerprint, whatever its status, makes the upload a duplicate.
func (s *Service) SubmitUpload(ctx context.Context, files []File, preserveName bool) (Submission, error) {
	if len(files) == 0 {
		return Submission{}, fmt.Errorf("%w: at least one file must be provided", ErrInvalidUpload)
	}

	var (
		fp   string
		task models.Task
		err  error
	)
	if len(files) == 1 {
		f := files[0]
		kind := models.UploadFile
		if strings.HasSuffix(strings.ToLower(f.Name), ".zip") {
			kind = models.UploadDirectory
		}
		if err := validatePayload(f.Content, kind); err != nil {
			return Submission{}, err
		}
		if fp, err = fingerprint.Bytes(f.Content); err != nil {
			return Submission{}, errors.Join(ErrInvalidUpload, err)
		}
		task = models.Task{Kind: models.TaskStorageUpload, Payload: models.Payload{
			FileName:     f.Name,
			Content:      f.Content,
			ContentType:  f.ContentType,
			UploadKind:   kind,
			PreserveName: preserveName,
		}}
	} else {
		entries := make([]models.Entry, 0, len(files))
		for _, f := range files {
			rel, err := fingerprint.NormalizePath(f.Name)
			if err != nil {
				return Submission{}, errors.Join(ErrInvalidUpload, err)
			}
			entries = append(entries, models.Entry{Path: rel, Content: f.Content, ContentType: f.ContentType})
		}
		if fp, err = fingerprint.Directory(entries); err != nil {
			return Submission{}, errors.Join(ErrInvalidUpload, err)
		}
		task = models.Task{Kind: models.TaskStorageDirectory, Payload: models.Payload{
			PreserveName: preserveName,
			Entries:      entries,
		}}
	}

	existing, found, err := s.gate.Existing(ctx, fp, models.ChannelS3)
	if err != nil {
		return Submission{}, err
	}
	if found {
		return s.duplicate(existing, "File already uploaded to S3. Current status: "+string(existing.Status)), nil
	}

	job, existed, err := s.ctrl.CreateExclusive(ctx, fp, models.ChannelS3)
	if err != nil {
		return Submission{}, err
	}
	if existed {
		return s.duplicate(job, "File already uploaded to S3. Current status: "+string(job.Status)), nil
	}

	task.ID, task.JobID = job.ID, job.ID
	if err := s.dispatch(ctx, job, task); err != nil {
		return Submission{}, err
	}
	return created(job, "S3 upload started"), nil
}

// dispatch hands the task to the queue. A job whose task never reached the
// queue is failed so it does not sit in running forever.
func (s *Service) dispatch(ctx context.Context, job models.Job, task models.Task) error {
	if err := s.queue.Dispatch(ctx, task); err != nil {
		s.log.Error("dispatch failed", logger.String("job_id", job.ID), logger.Error(err))
		if _, ferr := s.ctrl.FailPermanently(ctx, job.ID, fmt.Errorf("dispatch: %w", err)); ferr != nil {
			s.log.Error("failed to record dispatch failure", logger.String("job_id", job.ID), logger.Error(ferr))
		}
		return fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Service) duplicate(job models.Job, msg string) Submission {
	telemetry.DuplicateSubmissions.WithLabelValues(string(job.IngestionType)).Inc()
	s.log.Info("duplicate submission",
		logger.String("job_id", job.ID),
		logger.String("channel", string(job.IngestionType)),
		logger.String("status", string(job.Status)))
	return Submission{
		JobID:       job.ID,
		Message:     msg,
		Fingerprint: job.FileHash,
		Status:      job.Status,
		Channel:     job.IngestionType,
		IsDuplicate: true,
	}
}

func created(job models.Job, msg string) Submission {
	return Submission{
		JobID:       job.ID,
		Message:     msg,
		Fingerprint: job.FileHash,
		Status:      job.Status,
		Channel:     job.IngestionType,
	}
}

// validatePayload checks a single-file upload of the given kind.
func validatePayload(content []byte, kind string) error {
	switch kind {
	case models.UploadDirectory:
		// Entry paths and emptiness are checked here so a bad archive never creates a job.
		if _, err := processing.ArchiveEntries(content); err != nil {
			return errors.Join(ErrInvalidUpload, err)
		}
	case models.UploadFile:
		if len(content) == 0 {
			return fmt.Errorf("%w: uploaded file is empty", ErrInvalidUpload)
		}
	default:
		return fmt.Errorf("%w: upload type must be %q or %q", ErrInvalidUpload, models.UploadFile, models.UploadDirectory)
	}
	return nil
}

// Status returns the current snapshot of a job.
func (s *Service) Status(ctx context.Context, id string) (models.Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns jobs newest first.
func (s *Service) List(ctx context.Context, f jobs.Filter) ([]models.Job, error) {
	return s.repo.List(ctx, f)
}

// Retry resets a failed job to queued and re-dispatches its dead-lettered task
// when the queue still retains it.
func (s *Service) Retry(ctx context.Context, id string) (RetryResult, error) {
	job, err := s.ctrl.RetryFromAdmin(ctx, id)
	if err != nil {
		return RetryResult{}, err
	}
	ok, err := s.queue.Requeue(ctx, id)
	if err != nil {
		s.log.Error("requeue retried job", logger.String("job_id", id), logger.Error(err))
		if _, rerr := s.ctrl.RevertAdminRetry(ctx, id, err); rerr != nil {
			s.log.Error("failed to revert admin retry", logger.String("job_id", id), logger.Error(rerr))
		}
		return RetryResult{}, fmt.Errorf("requeue job %s: %w", id, err)
	}
	if !ok {
		s.log.Warn("retried job has no retained task", logger.String("job_id", id))
		job, err = s.ctrl.Annotate(ctx, id, jobs.AdminRetryMessage+"; payload no longer retained, resubmit the file")
		if err != nil {
			return RetryResult{}, err
		}
	}
	return RetryResult{Job: job, Redispatched: ok}, nil
}

// Delete removes a job and any queued work for it.
func (s *Service) Delete(ctx context.Context, id string) error {
	n, err := s.BulkDelete(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("delete job %s: %w", id, jobs.ErrNotFound)
	}
	return nil
}

// BulkDelete removes every listed job and returns how many existed.
func (s *Service) BulkDelete(ctx context.Context, ids ...string) (int, error) {
	for _, id := range ids {
		if err := s.queue.Cancel(ctx, id); err != nil {
			return 0, fmt.Errorf("cancel task %s: %w", id, err)
		}
	}
	n, err := s.repo.Delete(ctx, ids...)
	if err != nil {
		return 0, err
	}
	s.log.Info("jobs deleted", logger.Int("requested", len(ids)), logger.Int("deleted", n))
	return n, nil
}

// BuildAnalytics dispatches the analytics build and returns its task id.
func (s *Service) BuildAnalytics(ctx context.Context) (string, error) {
	task := models.Task{ID: uuid.New().String(), Kind: models.TaskBuildAnalytics, Priority: "low"}
	if err := s.queue.Dispatch(ctx, task); err != nil {
		return "", fmt.Errorf("dispatch analytics build: %w", err)
	}
	s.log.Info("analytics build dispatched", logger.String("task_id", task.ID))
	return task.ID, nil
}
