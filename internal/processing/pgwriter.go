package processing

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxTableWriter writes tables with COPY inside one transaction, so a retried
// task never leaves a half-loaded table behind.
type PgxTableWriter struct {
	pool *pgxpool.Pool
}

func NewPgxTableWriter(pool *pgxpool.Pool) *PgxTableWriter {
	return &PgxTableWriter{pool: pool}
}

// Replace drops and recreates the table with TEXT columns, then copies the rows in.
func (w *PgxTableWriter) Replace(ctx context.Context, t Table) (int64, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	ident := pgx.Identifier{t.Schema, t.Name}
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = pgx.Identifier{c}.Sanitize() + " TEXT"
	}

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{t.Schema}.Sanitize(),
		`DROP TABLE IF EXISTS ` + ident.Sanitize(),
		`CREATE TABLE ` + ident.Sanitize() + ` (` + strings.Join(cols, ", ") + `)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return 0, fmt.Errorf("prepare table %s: %w", ident.Sanitize(), err)
		}
	}

	n, err := tx.CopyFrom(ctx, ident, t.Columns, pgx.CopyFromRows(t.Rows))
	if err != nil {
		return 0, fmt.Errorf("copy rows: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}
