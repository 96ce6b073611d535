package models

import "time"

// TaskKind selects the handler a worker runs for a task.
type TaskKind string

const (
	TaskProcessFile      TaskKind = "process_file"
	TaskStorageUpload    TaskKind = "storage_upload"
	TaskStorageDirectory TaskKind = "storage_directory"
	TaskBuildAnalytics   TaskKind = "build_analytics"
)

// Upload kinds accepted by the storage upload task.
const (
	UploadFile      = "file"
	UploadDirectory = "directory"
)

// Entry is one file of a multi-file payload.
type Entry struct {
	Path        string `json:"path"`
	Content     []byte `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

// Payload is the input a handler needs. Which fields are set depends on the task kind.
type Payload struct {
	FileName     string  `json:"file_name,omitempty"`
	Content      []byte  `json:"content,omitempty"`
	ContentType  string  `json:"content_type,omitempty"`
	UploadKind   string  `json:"upload_kind,omitempty"`
	PreserveName bool    `json:"preserve_name,omitempty"`
	Entries      []Entry `json:"entries,omitempty"`
}

// Task is the unit of work handed to the queue. Job-bound tasks reuse the job id
// as task id, so one job maps to exactly one dispatched unit of work.
type Task struct {
	ID         string    `json:"id"`
	Kind       TaskKind  `json:"kind"`
	JobID      string    `json:"job_id,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	Attempt    int       `json:"attempt"`
	Payload    Payload   `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// JobBound reports whether the task reports back into a Job record.
func (t Task) JobBound() bool {
	return t.JobID != ""
}
