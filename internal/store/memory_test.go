package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"file-ingestion-service/internal/jobs"
	"file-ingestion-service/internal/models"
)

func newJob(hash string, channel models.Channel, status models.Status) models.Job {
	now := time.Now().UTC()
	return models.Job{
		ID:            uuid.New().String(),
		FileHash:      hash,
		IngestionType: channel,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), uuid.New().String())
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestMemoryFindLatestFiltersStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	failed := newJob("h1", models.ChannelPostgres, models.StatusFailed)
	completed := newJob("h1", models.ChannelPostgres, models.StatusCompleted)
	running := newJob("h1", models.ChannelPostgres, models.StatusRunning)
	other := newJob("h1", models.ChannelS3, models.StatusCompleted)
	for _, j := range []models.Job{failed, completed, running, other} {
		require.NoError(t, m.Create(ctx, j))
	}

	got, ok, err := m.FindLatest(ctx, "h1", models.ChannelPostgres, models.StatusCompleted)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, completed.ID, got.ID)

	got, ok, err = m.FindLatest(ctx, "h1", models.ChannelPostgres)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, running.ID, got.ID)

	_, ok, err = m.FindLatest(ctx, "h2", models.ChannelPostgres)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryUpdateExpectStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := newJob("h", models.ChannelPostgres, models.StatusRunning)
	require.NoError(t, m.Create(ctx, job))

	_, err := m.Update(ctx, job.ID, jobs.Update{
		Status:       jobs.StatusPtr(models.StatusQueued),
		ExpectStatus: []models.Status{models.StatusFailed},
	})
	require.ErrorIs(t, err, jobs.ErrStatusConflict)

	rc := 2
	msg := "done"
	updated, err := m.Update(ctx, job.ID, jobs.Update{
		Status:       jobs.StatusPtr(models.StatusCompleted),
		Message:      &msg,
		RetryCount:   &rc,
		Result:       models.Result{TableName: models.StringPtr("sales"), InsertedCount: models.Int64Ptr(10)},
		ExpectStatus: []models.Status{models.StatusRunning},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	assert.Equal(t, 2, updated.RetryCount)
	require.NotNil(t, updated.TableName)
	assert.Equal(t, "sales", *updated.TableName)
	assert.Equal(t, int64(10), *updated.InsertedCount)

	_, err = m.Update(ctx, uuid.New().String(), jobs.Update{Message: &msg})
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := newJob("h", models.ChannelS3, models.StatusCompleted)
	job.FileNames = []string{"a.csv", "b.csv"}
	require.NoError(t, m.Create(ctx, job))

	got, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	got.FileNames[0] = "mutated"

	again, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.csv", "b.csv"}, again.FileNames)
}

func TestMemoryListNewestFirstWithFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var ids []string
	for i := 0; i < 5; i++ {
		status := models.StatusCompleted
		if i%2 == 1 {
			status = models.StatusFailed
		}
		j := newJob("h", models.ChannelPostgres, status)
		require.NoError(t, m.Create(ctx, j))
		ids = append(ids, j.ID)
	}

	all, err := m.List(ctx, jobs.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, ids[4], all[0].ID)
	assert.Equal(t, ids[0], all[4].ID)

	failed, err := m.List(ctx, jobs.Filter{Status: models.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, ids[3], failed[0].ID)

	page, err := m.List(ctx, jobs.Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)

	none, err := m.List(ctx, jobs.Filter{Channel: models.ChannelS3})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := newJob("a", models.ChannelPostgres, models.StatusCompleted)
	b := newJob("b", models.ChannelPostgres, models.StatusCompleted)
	require.NoError(t, m.Create(ctx, a))
	require.NoError(t, m.Create(ctx, b))

	n, err := m.Delete(ctx, a.ID, uuid.New().String())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Get(ctx, a.ID)
	require.ErrorIs(t, err, jobs.ErrNotFound)
	remaining, err := m.List(ctx, jobs.Filter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, b.ID, remaining[0].ID)
}

func TestMemoryCreateExclusiveSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const n = 16
	var wg sync.WaitGroup
	results := make([]models.Job, n)
	existed := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, ok, err := m.CreateExclusive(ctx, newJob("same", models.ChannelS3, models.StatusRunning))
			assert.NoError(t, err)
			results[i], existed[i] = job, ok
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range results {
		if !existed[i] {
			created++
		}
		assert.Equal(t, results[0].ID, results[i].ID)
	}
	assert.Equal(t, 1, created)

	all, err := m.List(ctx, jobs.Filter{FileHash: "same"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryCreateExclusiveOnlyOnS3(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := newJob("pg", models.ChannelPostgres, models.StatusRunning)
	_, existed, err := m.CreateExclusive(ctx, first)
	require.NoError(t, err)
	require.False(t, existed)

	second := newJob("pg", models.ChannelPostgres, models.StatusRunning)
	got, existed, err := m.CreateExclusive(ctx, second)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, second.ID, got.ID)

	all, err := m.List(ctx, jobs.Filter{FileHash: "pg"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
