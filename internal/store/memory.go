package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"file-ingestion-service/internal/jobs"
	"file-ingestion-service/internal/models"
)

// Memory is an in-process job repository with the same semantics as Postgres.
// It backs unit tests and single-process local runs.
type Memory struct {
	mu    sync.Mutex
	jobs  map[string]models.Job
	order []string
	now   func() time.Time
}

var _ jobs.Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Create(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(job)
}

func (m *Memory) insertLocked(job models.Job) error {
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("insert job: duplicate id %s", job.ID)
	}
	m.jobs[job.ID] = clone(job)
	m.order = append(m.order, job.ID)
	return nil
}

// CreateExclusive checks and inserts under one lock, so concurrent S3 callers
// with the same fingerprint observe a single job. Other channels always insert,
// matching the partial unique index in Postgres.
func (m *Memory) CreateExclusive(_ context.Context, job models.Job) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.IngestionType == models.ChannelS3 {
		if existing, ok := m.latestLocked(job.FileHash, job.IngestionType, nil); ok {
			return existing, true, nil
		}
	}
	if err := m.insertLocked(job); err != nil {
		return models.Job{}, false, err
	}
	return clone(job), false, nil
}

func (m *Memory) Get(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, jobs.ErrNotFound)
	}
	return clone(job), nil
}

func (m *Memory) FindLatest(_ context.Context, fileHash string, channel models.Channel, statuses ...models.Status) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.latestLocked(fileHash, channel, statuses)
	return job, ok, nil
}

func (m *Memory) latestLocked(fileHash string, channel models.Channel, statuses []models.Status) (models.Job, bool) {
	for i := len(m.order) - 1; i >= 0; i-- {
		job, ok := m.jobs[m.order[i]]
		if !ok || job.FileHash != fileHash || job.IngestionType != channel {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, job.Status) {
			continue
		}
		return clone(job), true
	}
	return models.Job{}, false
}

func (m *Memory) Update(_ context.Context, id string, u jobs.Update) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("update job %s: %w", id, jobs.ErrNotFound)
	}
	if len(u.ExpectStatus) > 0 && !slices.Contains(u.ExpectStatus, job.Status) {
		return models.Job{}, fmt.Errorf("update job %s in status %s: %w", id, job.Status, jobs.ErrStatusConflict)
	}
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.Message != nil {
		msg := *u.Message
		job.Message = &msg
	}
	if u.RetryCount != nil {
		job.RetryCount = *u.RetryCount
	}
	u.Result.Apply(&job)
	job.UpdatedAt = m.now()
	m.jobs[id] = clone(job)
	return clone(job), nil
}

func (m *Memory) List(_ context.Context, f jobs.Filter) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0)
	skipped := 0
	for i := len(m.order) - 1; i >= 0; i-- {
		job, ok := m.jobs[m.order[i]]
		if !ok || !matches(job, f) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, clone(job))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, ids ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := m.jobs[id]; ok {
			delete(m.jobs, id)
			n++
		}
	}
	if n > 0 {
		m.order = slices.DeleteFunc(m.order, func(id string) bool {
			_, ok := m.jobs[id]
			return !ok
		})
	}
	return n, nil
}

func matches(job models.Job, f jobs.Filter) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.Channel != "" && job.IngestionType != f.Channel {
		return false
	}
	if f.FileHash != "" && job.FileHash != f.FileHash {
		return false
	}
	return true
}

func clone(job models.Job) models.Job {
	if job.FileNames != nil {
		job.FileNames = slices.Clone(job.FileNames)
	}
	return job
}
