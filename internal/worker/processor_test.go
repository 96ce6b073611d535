package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"file-ingestion-service/internal/jobs"
	"file-ingestion-service/internal/models"
	"file-ingestion-service/internal/queue"
	"file-ingestion-service/internal/store"
	"file-ingestion-service/internal/telemetry"
)

type harness struct {
	q    *queue.RedisQueue
	repo *store.Memory
	ctrl *jobs.Controller
	proc *Processor
}

// newHarness wires a processor over miniredis with zero retry delay, so a
// retried task is ready again immediately.
func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q := queue.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), queue.Options{
		PriorityQueues:    []string{"default", "low"},
		VisibilityTimeout: time.Minute,
		DLQRetention:      time.Hour,
	})
	repo := store.NewMemory()
	ctrl := jobs.NewController(repo, q, jobs.NewPolicies(5, 0, 3, 0), nil)
	proc := NewProcessor(Options{WorkerID: "test", VisibilityTimeout: time.Minute}, q, ctrl, nil)
	return &harness{q: q, repo: repo, ctrl: ctrl, proc: proc}
}

func (h *harness) submit(t *testing.T, kind models.TaskKind) models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := h.ctrl.Create(ctx, "fp-"+string(kind), models.ChannelPostgres)
	require.NoError(t, err)
	require.NoError(t, h.q.Dispatch(ctx, models.Task{ID: job.ID, JobID: job.ID, Kind: kind}))
	return job
}

func (h *harness) dlq(t *testing.T) []string {
	t.Helper()
	ids, err := h.q.DLQPeek(context.Background(), 10)
	require.NoError(t, err)
	return ids
}

func TestProcessorSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proc.RegisterHandler(models.TaskProcessFile, HandlerFunc(func(context.Context, models.Task) jobs.Outcome {
		return jobs.Success(models.Result{
			TableName:     models.StringPtr("sales"),
			InsertedCount: models.Int64Ptr(3),
		}, "Loaded 3 rows into public.sales")
	}))
	job := h.submit(t, models.TaskProcessFile)

	processed, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := h.repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "sales", *got.TableName)
	assert.Equal(t, int64(3), *got.InsertedCount)

	inflight, _ := h.q.InFlight(ctx)
	assert.Zero(t, inflight)
	_, err = h.q.Load(ctx, job.ID)
	assert.ErrorIs(t, err, queue.ErrTaskMissing)
}

func TestProcessorRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var calls atomic.Int32
	h.proc.RegisterHandler(models.TaskProcessFile, HandlerFunc(func(context.Context, models.Task) jobs.Outcome {
		calls.Add(1)
		return jobs.TransientFailure(errors.New("connection reset"))
	}))
	job := h.submit(t, models.TaskProcessFile)

	for i := 0; i < 6; i++ {
		processed, err := h.proc.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, processed, "execution %d", i+1)
	}
	processed, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, int32(6), calls.Load())

	got, err := h.repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 5, got.RetryCount)
	assert.Contains(t, *got.Message, "Failed after 5 retries")
	assert.Equal(t, []string{job.ID}, h.dlq(t))
}

func TestProcessorRetryMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proc.RegisterHandler(models.TaskProcessFile, HandlerFunc(func(context.Context, models.Task) jobs.Outcome {
		return jobs.TransientFailure(errors.New("timeout"))
	}))
	job := h.submit(t, models.TaskProcessFile)

	_, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)

	got, err := h.repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "Retry 1/5 - Previous error: timeout", *got.Message)

	task, err := h.q.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, task.Attempt)
}

func TestProcessorPermanentFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proc.RegisterHandler(models.TaskProcessFile, HandlerFunc(func(context.Context, models.Task) jobs.Outcome {
		return jobs.PermanentFailure(errors.New("unsupported file format"))
	}))
	job := h.submit(t, models.TaskProcessFile)

	_, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)

	got, _ := h.repo.Get(ctx, job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, []string{job.ID}, h.dlq(t))
}

func TestProcessorUnknownKind(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.submit(t, models.TaskStorageUpload)

	_, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)

	got, _ := h.repo.Get(ctx, job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, *got.Message, "no handler registered")
}

func TestProcessorMissingJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var called bool
	h.proc.RegisterHandler(models.TaskProcessFile, HandlerFunc(func(context.Context, models.Task) jobs.Outcome {
		called = true
		return jobs.Success(models.Result{}, "")
	}))
	before := testutil.ToFloat64(telemetry.ConsistencyErrors)
	require.NoError(t, h.q.Dispatch(ctx, models.Task{ID: "gone", JobID: "gone", Kind: models.TaskProcessFile}))

	processed, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	assert.False(t, called)
	assert.Equal(t, []string{"gone"}, h.dlq(t))
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.ConsistencyErrors))
}

func TestProcessorJobDeletedWhileRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var job models.Job
	h.proc.RegisterHandler(models.TaskProcessFile, HandlerFunc(func(ctx context.Context, _ models.Task) jobs.Outcome {
		require.NoError(t, h.q.Cancel(ctx, job.ID))
		_, err := h.repo.Delete(ctx, job.ID)
		require.NoError(t, err)
		return jobs.Success(models.Result{}, "")
	}))
	job = h.submit(t, models.TaskProcessFile)
	before := testutil.ToFloat64(telemetry.ConsistencyErrors)

	processed, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	assert.Empty(t, h.dlq(t))
	assert.Equal(t, before, testutil.ToFloat64(telemetry.ConsistencyErrors))
	n, err := h.q.InFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessorRecoversPanic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proc.RegisterHandler(models.TaskProcessFile, HandlerFunc(func(context.Context, models.Task) jobs.Outcome {
		panic("nil map")
	}))
	before := testutil.ToFloat64(telemetry.HandlerPanics)
	job := h.submit(t, models.TaskProcessFile)

	_, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)

	got, _ := h.repo.Get(ctx, job.ID)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, *got.Message, "handler panic: nil map")
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.HandlerPanics))
}

func TestProcessorSkipsTerminalJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var called bool
	h.proc.RegisterHandler(models.TaskProcessFile, HandlerFunc(func(context.Context, models.Task) jobs.Outcome {
		called = true
		return jobs.Success(models.Result{}, "")
	}))
	job := h.submit(t, models.TaskProcessFile)
	_, err := h.ctrl.Succeed(ctx, job.ID, models.Result{}, "done elsewhere")
	require.NoError(t, err)

	_, err = h.proc.RunOnce(ctx)
	require.NoError(t, err)

	assert.False(t, called)
	got, _ := h.repo.Get(ctx, job.ID)
	assert.Equal(t, "done elsewhere", *got.Message)
	assert.Empty(t, h.dlq(t))
}

func TestProcessorDetachedRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var calls atomic.Int32
	h.proc.RegisterHandler(models.TaskBuildAnalytics, HandlerFunc(func(context.Context, models.Task) jobs.Outcome {
		if calls.Add(1) == 1 {
			return jobs.TransientFailure(errors.New("lock timeout"))
		}
		return jobs.Success(models.Result{}, "analytics built")
	}))
	require.NoError(t, h.q.Dispatch(ctx, models.Task{ID: "a1", Kind: models.TaskBuildAnalytics, Priority: "low"}))

	for i := 0; i < 2; i++ {
		processed, err := h.proc.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, processed)
	}
	assert.Equal(t, int32(2), calls.Load())
	_, err := h.q.Load(ctx, "a1")
	assert.ErrorIs(t, err, queue.ErrTaskMissing)
	assert.Empty(t, h.dlq(t))
}

func TestRunPoolStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	done := make(chan struct{})
	h.proc.RegisterHandler(models.TaskProcessFile, HandlerFunc(func(context.Context, models.Task) jobs.Outcome {
		close(done)
		return jobs.Success(models.Result{}, "")
	}))
	job := h.submit(t, models.TaskProcessFile)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- RunPool(ctx, h.proc, 3) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not processed")
	}
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	require.Eventually(t, func() bool {
		got, err := h.repo.Get(context.Background(), job.ID)
		return err == nil && got.Status == models.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}
