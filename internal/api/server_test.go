package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"file-ingestion-service/internal/config"
	"file-ingestion-service/internal/intake"
	"file-ingestion-service/internal/jobs"
	"file-ingestion-service/internal/models"
	"file-ingestion-service/internal/objectstore"
	"file-ingestion-service/internal/queue"
	"file-ingestion-service/internal/ratelimit"
	"file-ingestion-service/internal/store"
)

type testEnv struct {
	handler http.Handler
	repo    *store.Memory
	ctrl    *jobs.Controller
	queue   *queue.RedisQueue
	objects *objectstore.Local
}

func newTestEnv(t *testing.T, limiter Limiter) testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	q := queue.NewWithClient(client, queue.Options{VisibilityTimeout: time.Minute})
	repo := store.NewMemory()
	ctrl := jobs.NewController(repo, q, jobs.DefaultPolicies(), nil)
	objects := objectstore.NewLocal(t.TempDir())
	svc := intake.NewService(repo, ctrl, q, objects, nil)
	srv := New(config.Config{MaxUploadBytes: 1 << 20}, svc, limiter, nil)
	return testEnv{handler: srv.Router(), repo: repo, ctrl: ctrl, queue: q, objects: objects}
}

type part struct {
	field, name, content string
}

func multipartRequest(t *testing.T, target string, parts []part, values map[string][]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		fw, err := mw.CreateFormFile(p.field, p.name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(p.content))
		require.NoError(t, err)
	}
	for k, vs := range values {
		for _, v := range vs {
			require.NoError(t, mw.WriteField(k, v))
		}
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, body := serve(env.handler, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestIngestPostgresCreatedThenDuplicate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, body := serve(env.handler, multipartRequest(t, "/ingest/postgres", []part{{"file", "sales.csv", "a,b\n1,2\n"}}, nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "PostgreSQL ingestion started", body["message"])
	assert.Equal(t, false, body["is_duplicate"])
	jobID := body["job_id"].(string)

	depth, err := env.queue.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// A running job does not block resubmission on the Postgres channel.
	rec, body = serve(env.handler, multipartRequest(t, "/ingest/postgres", []part{{"file", "sales.csv", "a,b\n1,2\n"}}, nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEqual(t, jobID, body["job_id"])

	_, err = env.ctrl.Succeed(ctx, jobID, models.Result{}, "")
	require.NoError(t, err)
	rec, body = serve(env.handler, multipartRequest(t, "/ingest/postgres", []part{{"file", "other.csv", "a,b\n1,2\n"}}, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["is_duplicate"])
	assert.Equal(t, jobID, body["job_id"])
	assert.Equal(t, "File already successfully ingested to PostgreSQL. Status: completed", body["message"])
}

func TestIngestPostgresValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, body := serve(env.handler, multipartRequest(t, "/ingest/postgres", nil, map[string][]string{"x": {"1"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file provided", body["detail"])

	rec, body = serve(env.handler, multipartRequest(t, "/ingest/postgres", []part{{"file", "empty.csv", ""}}, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "empty payload")

	list, _ := env.repo.List(context.Background(), jobs.Filter{})
	assert.Empty(t, list)
}

func TestIngestPostgresTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)
	big := strings.Repeat("x", 2<<20)
	rec, _ := serve(env.handler, multipartRequest(t, "/ingest/postgres", []part{{"file", "big.csv", big}}, nil))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIngestFromS3(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.objects.Upload(context.Background(), "reports/q1.csv", []byte("a,b\n1,2\n"), "text/csv")
	require.NoError(t, err)

	rec, body := serve(env.handler, jsonRequest(http.MethodPost, "/ingest/postgres/from-s3", `{"s3_key":"reports/q1.csv"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "PostgreSQL ingestion started from S3: reports/q1.csv", body["message"])

	rec, body = serve(env.handler, jsonRequest(http.MethodPost, "/ingest/postgres/from-s3", `{"s3_key":"reports/missing.csv"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "S3 object not found", body["detail"])

	rec, _ = serve(env.handler, jsonRequest(http.MethodPost, "/ingest/postgres/from-s3", `{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadS3(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, body := serve(env.handler, multipartRequest(t, "/upload/s3", []part{{"files", "report.pdf", "%PDF-1.4"}}, nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "S3 upload started", body["message"])
	assert.Equal(t, "S3", body["ingestion_type"])
	jobID := body["job_id"]

	// Any existing S3 job for the fingerprint is a duplicate, even while running.
	rec, body = serve(env.handler, multipartRequest(t, "/upload/s3", []part{{"files", "copy.pdf", "%PDF-1.4"}}, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, jobID, body["job_id"])
	assert.Equal(t, "File already uploaded to S3. Current status: running", body["message"])

	rec, body = serve(env.handler, multipartRequest(t, "/upload/s3", nil, map[string][]string{"preserve_filename": {"true"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "At least one file must be provided", body["detail"])

	rec, _ = serve(env.handler, multipartRequest(t, "/upload/s3", []part{{"files", "bad.zip", "not a zip"}}, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadS3Directory(t *testing.T) {
	env := newTestEnv(t, nil)
	parts := []part{{"files", "a.txt", "alpha"}, {"files", "b.txt", "beta"}}

	rec, body := serve(env.handler, multipartRequest(t, "/upload/s3", parts,
		map[string][]string{"paths": {"docs/a.txt", "docs/sub/b.txt"}, "preserve_filename": {"false"}}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	task, err := env.queue.Load(context.Background(), body["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, models.TaskStorageDirectory, task.Kind)
	assert.False(t, task.Payload.PreserveName)
	require.Len(t, task.Payload.Entries, 2)
	assert.Equal(t, "docs/a.txt", task.Payload.Entries[0].Path)

	rec, _ = serve(env.handler, multipartRequest(t, "/upload/s3", parts, map[string][]string{"paths": {"only-one"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = serve(env.handler, multipartRequest(t, "/upload/s3", parts, map[string][]string{"paths": {"../a.txt", "b.txt"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusView(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	job, err := env.ctrl.Create(ctx, "fp", models.ChannelS3)
	require.NoError(t, err)
	_, err = env.ctrl.Succeed(ctx, job.ID, models.Result{
		InsertedCount: models.Int64Ptr(2048),
		FileNames:     []string{"a.txt", "b.txt"},
		FileCount:     models.IntPtr(2),
	}, "Uploaded 2 file(s)")
	require.NoError(t, err)

	rec, body := serve(env.handler, httptest.NewRequest(http.MethodGet, "/status/"+job.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "2.0 KB", body["file_size"])
	assert.Equal(t, []any{"a.txt", "b.txt"}, body["file_names"])
	assert.NotContains(t, body, "file_name")

	rec, body = serve(env.handler, httptest.NewRequest(http.MethodGet, "/status/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Job not found", body["detail"])
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", formatSize(512))
	assert.Equal(t, "1.5 KB", formatSize(1536))
	assert.Equal(t, "3.0 MB", formatSize(3*1024*1024))
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for _, fp := range []string{"a", "b", "c"} {
		_, err := env.ctrl.Create(ctx, fp, models.ChannelPostgres)
		require.NoError(t, err)
	}
	_, err := env.ctrl.Create(ctx, "d", models.ChannelS3)
	require.NoError(t, err)

	rec, body := serve(env.handler, httptest.NewRequest(http.MethodGet, "/jobs?ingestion_type=Postgres&limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	list := body["jobs"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].(map[string]any)["file_hash"])

	rec, _ = serve(env.handler, httptest.NewRequest(http.MethodGet, "/jobs?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryAndDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	job, err := env.ctrl.Create(ctx, "fp", models.ChannelPostgres)
	require.NoError(t, err)

	rec, _ := serve(env.handler, httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/retry", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err = env.ctrl.FailPermanently(ctx, job.ID, errors.New("boom"))
	require.NoError(t, err)
	rec, body := serve(env.handler, httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/retry", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, false, body["redispatched"])

	rec, _ = serve(env.handler, httptest.NewRequest(http.MethodDelete, "/jobs/"+job.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = serve(env.handler, httptest.NewRequest(http.MethodDelete, "/jobs/"+job.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBulkDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a, _ := env.ctrl.Create(ctx, "a", models.ChannelPostgres)
	b, _ := env.ctrl.Create(ctx, "b", models.ChannelPostgres)

	rec, body := serve(env.handler, jsonRequest(http.MethodPost, "/jobs/bulk-delete", `{"ids":["`+a.ID+`","`+b.ID+`","missing"]}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["deleted"])

	rec, _ = serve(env.handler, jsonRequest(http.MethodPost, "/jobs/bulk-delete", `{"ids":[]}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuildAnalytics(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, body := serve(env.handler, httptest.NewRequest(http.MethodPost, "/build-analytics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", body["status"])

	task, err := env.queue.Load(context.Background(), body["task_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, models.TaskBuildAnalytics, task.Kind)
}

func TestSubmissionRateLimit(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	limiter := ratelimit.NewTokenBucket(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 1, 0.001, time.Minute)
	env := newTestEnv(t, limiter)

	req := multipartRequest(t, "/upload/s3", []part{{"files", "a.txt", "alpha"}}, nil)
	req.Header.Set("X-Client-ID", "tenant-a")
	rec, _ := serve(env.handler, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = multipartRequest(t, "/upload/s3", []part{{"files", "b.txt", "beta"}}, nil)
	req.Header.Set("X-Client-ID", "tenant-a")
	rec, body := serve(env.handler, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, body["detail"], "Too many submissions")

	// Reads are not throttled.
	rec, _ = serve(env.handler, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
