package api

import (
	"fmt"

	"file-ingestion-service/internal/models"
)

// statusView is the job snapshot returned by GET /status/{id}.
type statusView struct {
	JobID         string         `json:"job_id"`
	Status        models.Status  `json:"status"`
	IngestionType models.Channel `json:"ingestion_type"`
	FileSize      string         `json:"file_size,omitempty"`
	FileCount     *int           `json:"file_count,omitempty"`
	FileName      string         `json:"file_name,omitempty"`
	FileNames     []string       `json:"file_names,omitempty"`
	TableName     *string        `json:"table_name,omitempty"`
	RetryCount    int            `json:"retry_count"`
	Message       *string        `json:"message,omitempty"`
}

func newStatusView(job models.Job) statusView {
	v := statusView{
		JobID:         job.ID,
		Status:        job.Status,
		IngestionType: job.IngestionType,
		FileCount:     job.FileCount,
		TableName:     job.TableName,
		RetryCount:    job.RetryCount,
		Message:       job.Message,
	}
	if job.InsertedCount != nil {
		v.FileSize = formatSize(*job.InsertedCount)
	}
	switch len(job.FileNames) {
	case 0:
	case 1:
		v.FileName = job.FileNames[0]
	default:
		v.FileNames = job.FileNames
	}
	return v
}

// formatSize renders a byte count as B, KB or MB with one decimal.
func formatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}
