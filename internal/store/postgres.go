package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"file-ingestion-service/internal/jobs"
	"file-ingestion-service/internal/models"
)

const jobColumns = `id::text, file_hash, ingestion_type, status, table_name, inserted_count, file_names, file_count, message, retry_count, created_at, updated_at`

// Postgres wraps pgxpool for job persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ jobs.Repository = (*Postgres)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying pool to loaders writing spreadsheet rows and analytics.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Create(ctx context.Context, job models.Job) error {
	if _, err := s.insert(ctx, job, false); err != nil {
		return err
	}
	return nil
}

// CreateExclusive relies on the partial unique index over S3 fingerprints. On the
// Postgres channel there is no such index and the insert always succeeds.
func (s *Postgres) CreateExclusive(ctx context.Context, job models.Job) (models.Job, bool, error) {
	inserted, err := s.insert(ctx, job, true)
	if err != nil {
		return models.Job{}, false, err
	}
	if inserted {
		return job, false, nil
	}
	existing, found, err := s.FindLatest(ctx, job.FileHash, job.IngestionType)
	if err != nil {
		return models.Job{}, false, err
	}
	if !found {
		return models.Job{}, false, errors.New("fingerprint conflict but no existing job found")
	}
	return existing, true, nil
}

func (s *Postgres) insert(ctx context.Context, job models.Job, skipConflict bool) (bool, error) {
	fileNames, err := encodeFileNames(job.FileNames)
	if err != nil {
		return false, err
	}
	query := `
		INSERT INTO jobs (id, file_hash, ingestion_type, status, table_name, inserted_count, file_names, file_count, message, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if skipConflict {
		query += ` ON CONFLICT DO NOTHING`
	}
	tag, err := s.pool.Exec(ctx, query,
		job.ID, job.FileHash, string(job.IngestionType), string(job.Status),
		job.TableName, job.InsertedCount, fileNames, job.FileCount, job.Message,
		job.RetryCount, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get fetches a job by id. Ids that are not UUIDs cannot exist and report ErrNotFound.
func (s *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	if !validID(id) {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, jobs.ErrNotFound)
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, jobs.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (s *Postgres) FindLatest(ctx context.Context, fileHash string, channel models.Channel, statuses ...models.Status) (models.Job, bool, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE file_hash = $1 AND ingestion_type = $2`
	args := []any{fileHash, string(channel)}
	if len(statuses) > 0 {
		args = append(args, statusStrings(statuses))
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("find job by fingerprint: %w", err)
	}
	return job, true, nil
}

// Update applies u in a single conditional UPDATE ... RETURNING statement.
func (s *Postgres) Update(ctx context.Context, id string, u jobs.Update) (models.Job, error) {
	if !validID(id) {
		return models.Job{}, fmt.Errorf("update job %s: %w", id, jobs.ErrNotFound)
	}
	args := []any{id}
	sets := []string{"updated_at = NOW()"}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.Message != nil {
		set("message", *u.Message)
	}
	if u.RetryCount != nil {
		set("retry_count", *u.RetryCount)
	}
	if u.Result.TableName != nil {
		set("table_name", *u.Result.TableName)
	}
	if u.Result.InsertedCount != nil {
		set("inserted_count", *u.Result.InsertedCount)
	}
	if u.Result.FileNames != nil {
		names, err := encodeFileNames(u.Result.FileNames)
		if err != nil {
			return models.Job{}, err
		}
		set("file_names", names)
	}
	if u.Result.FileCount != nil {
		set("file_count", *u.Result.FileCount)
	}

	where := "id = $1"
	if len(u.ExpectStatus) > 0 {
		args = append(args, statusStrings(u.ExpectStatus))
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + jobColumns
	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	return job, nil
}

func (s *Postgres) missOrConflict(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update job %s: %w", id, jobs.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return fmt.Errorf("update job %s in status %s: %w", id, status, jobs.ErrStatusConflict)
}

// List returns jobs newest first.
func (s *Postgres) List(ctx context.Context, f jobs.Filter) ([]models.Job, error) {
	var (
		conds []string
		args  []any
	)
	cond := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if f.Status != "" {
		cond("status = $%d", string(f.Status))
	}
	if f.Channel != "" {
		cond("ingestion_type = $%d", string(f.Channel))
	}
	if f.FileHash != "" {
		cond("file_hash = $%d", f.FileHash)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (s *Postgres) Delete(ctx context.Context, ids ...string) (int, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if validID(id) {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = ANY($1::uuid[])`, valid)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job           models.Job
		channel       string
		status        string
		tableName     pgtype.Text
		insertedCount pgtype.Int8
		fileNames     pgtype.Text
		fileCount     pgtype.Int4
		message       pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.FileHash, &channel, &status, &tableName, &insertedCount,
		&fileNames, &fileCount, &message, &job.RetryCount, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.IngestionType = models.Channel(channel)
	job.Status = models.Status(status)
	job.TableName = textPtr(tableName)
	job.Message = textPtr(message)
	if insertedCount.Valid {
		job.InsertedCount = models.Int64Ptr(insertedCount.Int64)
	}
	if fileCount.Valid {
		job.FileCount = models.IntPtr(int(fileCount.Int32))
	}
	if fileNames.Valid {
		job.FileNames = decodeFileNames(fileNames.String)
	}
	return job, nil
}

// encodeFileNames stores a single name bare and several names as a JSON array.
func encodeFileNames(names []string) (*string, error) {
	switch len(names) {
	case 0:
		return nil, nil
	case 1:
		return &names[0], nil
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("marshal file names: %w", err)
	}
	s := string(raw)
	return &s, nil
}

func decodeFileNames(s string) []string {
	if strings.HasPrefix(s, "[") {
		var names []string
		if err := json.Unmarshal([]byte(s), &names); err == nil {
			return names
		}
	}
	return []string{s}
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
