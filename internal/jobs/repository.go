// Package jobs owns the ingestion job lifecycle: the repository contract, the
// per-channel deduplication gate, and the controller that applies retry policy
// to the outcomes reported by workers.
package jobs

import (
	"context"
	"errors"
	"time"

	"file-ingestion-service/internal/models"
)

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrStatusConflict is returned when a conditional update finds the job in another status.
	ErrStatusConflict = errors.New("job status conflict")
	// ErrNotRetryable is returned by an admin retry of a job that is not failed.
	ErrNotRetryable = errors.New("only failed jobs can be retried")
)

// Update lists the fields to change on one job. Nil pointers are left untouched.
// When ExpectStatus is non-empty the update only applies if the job's current
// status is one of them, otherwise ErrStatusConflict is returned.
type Update struct {
	Status       *models.Status
	Message      *string
	RetryCount   *int
	Result       models.Result
	ExpectStatus []models.Status
}

// Filter narrows a job listing. Zero values match everything.
type Filter struct {
	Status   models.Status
	Channel  models.Channel
	FileHash string
	Limit    int
	Offset   int
}

// Repository persists jobs. Implementations must apply each Update atomically
// to the single row identified by id.
type Repository interface {
	Create(ctx context.Context, job models.Job) error
	// CreateExclusive inserts job unless a job with the same file hash and channel
	// already exists, in which case that job is returned with existed=true.
	CreateExclusive(ctx context.Context, job models.Job) (stored models.Job, existed bool, err error)
	Get(ctx context.Context, id string) (models.Job, error)
	// FindLatest returns the most recently created job for the fingerprint and channel,
	// restricted to the given statuses when any are passed.
	FindLatest(ctx context.Context, fileHash string, channel models.Channel, statuses ...models.Status) (models.Job, bool, error)
	Update(ctx context.Context, id string, u Update) (models.Job, error)
	List(ctx context.Context, f Filter) ([]models.Job, error)
	Delete(ctx context.Context, ids ...string) (int, error)
}

// Dispatcher hands units of work to the background worker pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, task models.Task) error
	// DispatchAfter re-enqueues task so it becomes visible after delay.
	DispatchAfter(ctx context.Context, task models.Task, delay time.Duration) error
}

// StatusPtr is a helper for building Updates.
func StatusPtr(s models.Status) *models.Status { return &s }
