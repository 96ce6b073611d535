// Package processing holds the handlers that do the actual ingestion work for
// each task kind. Handlers never touch job records; they report an Outcome.
package processing

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"

	"file-ingestion-service/internal/fingerprint"
	"file-ingestion-service/internal/jobs"
	"file-ingestion-service/internal/logger"
	"file-ingestion-service/internal/models"
)

const (
	maxIdentifierLen = 63
	tableSuffixLen   = 8
)

// ErrUnsupportedFormat is returned for files that are neither CSV nor an Excel workbook.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Table is a parsed sheet ready to be written.
type Table struct {
	Schema  string
	Name    string
	Columns []string
	Rows    [][]any
}

// TableWriter replaces a table with the given rows and returns how many were written.
type TableWriter interface {
	Replace(ctx context.Context, t Table) (int64, error)
}

// SpreadsheetLoader loads CSV and Excel files into one Postgres table per file.
type SpreadsheetLoader struct {
	writer TableWriter
	schema string
	log    logger.Logger
}

func NewSpreadsheetLoader(writer TableWriter, schema string, log logger.Logger) *SpreadsheetLoader {
	if schema == "" {
		schema = "public"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &SpreadsheetLoader{writer: writer, schema: schema, log: log}
}

// Handle parses the payload and writes it. Malformed input fails permanently;
// write errors are transient.
func (l *SpreadsheetLoader) Handle(ctx context.Context, task models.Task) jobs.Outcome {
	p := task.Payload
	table, err := ParseSpreadsheet(p.FileName, p.Content)
	if err != nil {
		return jobs.PermanentFailure(err)
	}
	table.Schema = l.schema
	fp, err := fingerprint.Bytes(p.Content)
	if err != nil {
		return jobs.PermanentFailure(err)
	}
	table.Name = scopedTableName(table.Name, fp)

	n, err := l.writer.Replace(ctx, table)
	if err != nil {
		return jobs.TransientFailure(fmt.Errorf("write table %s: %w", table.Name, err))
	}
	l.log.Info("spreadsheet loaded",
		logger.String("job_id", task.JobID),
		logger.String("table", table.Name),
		logger.Int64("rows", n))

	return jobs.Success(models.Result{
		TableName:     models.StringPtr(table.Name),
		InsertedCount: models.Int64Ptr(n),
		FileNames:     []string{p.FileName},
		FileCount:     models.IntPtr(1),
	}, fmt.Sprintf("Loaded %d rows into %s.%s", n, table.Schema, table.Name))
}

// ParseSpreadsheet reads the first sheet of an Excel workbook, or a CSV file.
// The first row is the header; the table is named after the file.
func ParseSpreadsheet(fileName string, content []byte) (Table, error) {
	var (
		records [][]string
		err     error
	)
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		records, err = readCSV(content)
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		records, err = readWorkbook(content)
	default:
		return Table{}, fmt.Errorf("%s: %w", fileName, ErrUnsupportedFormat)
	}
	if err != nil {
		return Table{}, fmt.Errorf("parse %s: %w", fileName, err)
	}

	records = dropEmptyRows(records)
	if len(records) == 0 {
		return Table{}, fmt.Errorf("parse %s: no header row", fileName)
	}

	columns := columnNames(records[0])
	rows := make([][]any, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) > len(columns) && !blank(rec[len(columns):]) {
			return Table{}, fmt.Errorf("parse %s: row %d has %d cells, header has %d", fileName, i+2, len(rec), len(columns))
		}
		row := make([]any, len(columns))
		for j := range columns {
			if j < len(rec) && strings.TrimSpace(rec[j]) != "" {
				row[j] = rec[j]
			}
		}
		rows = append(rows, row)
	}

	stem := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	return Table{Name: identifier(stem, "table"), Columns: columns, Rows: rows}, nil
}

func readCSV(content []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	var out [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

func readWorkbook(content []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

func dropEmptyRows(records [][]string) [][]string {
	out := records[:0]
	for _, rec := range records {
		if !blank(rec) {
			out = append(out, rec)
		}
	}
	return out
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// columnNames turns header cells into unique identifiers.
func columnNames(header []string) []string {
	seen := make(map[string]int, len(header))
	out := make([]string, len(header))
	for i, h := range header {
		name := identifier(h, fmt.Sprintf("column_%d", i+1))
		if n, ok := seen[name]; ok {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		} else {
			seen[name] = 1
		}
		out[i] = name
	}
	return out
}

// identifier lowercases s and keeps letters, digits and underscores.
// scopedTableName appends a fingerprint prefix to the file-derived name, so
// identical content always lands in the same table and different payloads
// sharing a file name never replace each other.
func scopedTableName(name, fp string) string {
	suffix := "_" + fp[:tableSuffixLen]
	base := strings.TrimRight(truncateBytes(name, maxIdentifierLen-len(suffix)), "_")
	return base + suffix
}

func identifier(s, fallback string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	name := strings.TrimRight(b.String(), "_")
	if name == "" {
		name = fallback
	}
	if unicode.IsDigit([]rune(name)[0]) {
		name = "t_" + name
	}
	if len(name) > maxIdentifierLen {
		name = strings.TrimRight(truncateBytes(name, maxIdentifierLen), "_")
	}
	return name
}

// truncateBytes cuts s to at most n bytes on a rune boundary.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut]
}
