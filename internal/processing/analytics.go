package processing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"file-ingestion-service/internal/jobs"
	"file-ingestion-service/internal/logger"
	"file-ingestion-service/internal/models"
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AnalyticsReport summarises one analytics build.
type AnalyticsReport struct {
	SummaryRows     int64 `json:"summary_rows"`
	DailyRows       int64 `json:"daily_rows"`
	TablesProcessed int64 `json:"tables_processed"`
}

// AnalyticsBuilder rebuilds the reporting tables derived from the jobs table.
type AnalyticsBuilder struct {
	db     TxBeginner
	schema string
	log    logger.Logger
}

func NewAnalyticsBuilder(db TxBeginner, schema string, log logger.Logger) *AnalyticsBuilder {
	if schema == "" {
		schema = "public"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &AnalyticsBuilder{db: db, schema: schema, log: log}
}

// Build drops and recreates ingestion_summary and ingestion_daily in one transaction.
func (b *AnalyticsBuilder) Build(ctx context.Context) (AnalyticsReport, error) {
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return AnalyticsReport{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	summary := pgx.Identifier{b.schema, "ingestion_summary"}.Sanitize()
	daily := pgx.Identifier{b.schema, "ingestion_daily"}.Sanitize()

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{b.schema}.Sanitize(),
		`DROP TABLE IF EXISTS ` + summary,
		`CREATE TABLE ` + summary + ` AS
			SELECT ingestion_type,
			       status,
			       COUNT(*)::bigint                         AS jobs,
			       COALESCE(SUM(inserted_count), 0)::bigint AS total_inserted,
			       COALESCE(SUM(file_count), 0)::bigint     AS total_files,
			       COALESCE(SUM(retry_count), 0)::bigint    AS total_retries,
			       MAX(updated_at)                          AS last_update
			FROM jobs
			GROUP BY ingestion_type, status`,
		`DROP TABLE IF EXISTS ` + daily,
		`CREATE TABLE ` + daily + ` AS
			SELECT date_trunc('day', created_at)::date                        AS day,
			       ingestion_type,
			       COUNT(*)::bigint                                           AS jobs,
			       COUNT(*) FILTER (WHERE status = 'completed')::bigint       AS completed,
			       COUNT(*) FILTER (WHERE status = 'failed')::bigint          AS failed,
			       COALESCE(SUM(inserted_count) FILTER (WHERE status = 'completed'), 0)::bigint AS total_inserted
			FROM jobs
			GROUP BY 1, 2`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return AnalyticsReport{}, fmt.Errorf("build analytics: %w", err)
		}
	}

	var rep AnalyticsReport
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM `+summary).Scan(&rep.SummaryRows); err != nil {
		return AnalyticsReport{}, fmt.Errorf("count summary: %w", err)
	}
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM `+daily).Scan(&rep.DailyRows); err != nil {
		return AnalyticsReport{}, fmt.Errorf("count daily: %w", err)
	}
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(DISTINCT table_name) FROM jobs
		WHERE ingestion_type = $1 AND status = $2 AND table_name IS NOT NULL
	`, string(models.ChannelPostgres), string(models.StatusCompleted)).Scan(&rep.TablesProcessed); err != nil {
		return AnalyticsReport{}, fmt.Errorf("count tables: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return AnalyticsReport{}, fmt.Errorf("commit: %w", err)
	}

	b.log.Info("analytics tables built",
		logger.Int64("summary_rows", rep.SummaryRows),
		logger.Int64("daily_rows", rep.DailyRows),
		logger.Int64("tables_processed", rep.TablesProcessed))
	return rep, nil
}

// Handle runs Build as a queued task. Failures are retried by policy.
func (b *AnalyticsBuilder) Handle(ctx context.Context, _ models.Task) jobs.Outcome {
	rep, err := b.Build(ctx)
	if err != nil {
		return jobs.TransientFailure(err)
	}
	return jobs.Success(models.Result{}, fmt.Sprintf("summary: %d rows, daily: %d rows, tables processed: %d",
		rep.SummaryRows, rep.DailyRows, rep.TablesProcessed))
}
