package models

import (
	"time"
)

// Status enumerates lifecycle states persisted in Postgres.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Channel is the ingestion destination. It scopes deduplication and selects the processor.
type Channel string

const (
	ChannelPostgres Channel = "Postgres"
	ChannelS3       Channel = "S3"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelPostgres || c == ChannelS3
}

// Job is one ingestion attempt and its audit record.
type Job struct {
	ID            string    `json:"id"`
	FileHash      string    `json:"file_hash"`
	IngestionType Channel   `json:"ingestion_type"`
	Status        Status    `json:"status"`
	TableName     *string   `json:"table_name,omitempty"`
	InsertedCount *int64    `json:"inserted_count,omitempty"`
	FileNames     []string  `json:"file_names,omitempty"`
	FileCount     *int      `json:"file_count,omitempty"`
	Message       *string   `json:"message,omitempty"`
	RetryCount    int       `json:"retry_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Result carries the fields a processor may set when a job completes.
// Nil fields leave the stored value untouched.
type Result struct {
	TableName     *string
	InsertedCount *int64
	FileNames     []string
	FileCount     *int
}

// Empty reports whether r sets no field.
func (r Result) Empty() bool {
	return r.TableName == nil && r.InsertedCount == nil && r.FileNames == nil && r.FileCount == nil
}

// Apply merges r into job.
func (r Result) Apply(job *Job) {
	if r.TableName != nil {
		job.TableName = r.TableName
	}
	if r.InsertedCount != nil {
		job.InsertedCount = r.InsertedCount
	}
	if r.FileNames != nil {
		job.FileNames = r.FileNames
	}
	if r.FileCount != nil {
		job.FileCount = r.FileCount
	}
}

// StringPtr, Int64Ptr and IntPtr help build Results inline.
func StringPtr(v string) *string { return &v }
func Int64Ptr(v int64) *int64    { return &v }
func IntPtr(v int) *int          { return &v }
