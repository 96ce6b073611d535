package processing

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"file-ingestion-service/internal/fingerprint"
	"file-ingestion-service/internal/jobs"
	"file-ingestion-service/internal/logger"
	"file-ingestion-service/internal/models"
)

// Uploader is the slice of the object store the storage handler needs.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// StorageUploader copies upload payloads into object storage under a prefix.
//
// With preserveName unset, keys are namespaced by the job id instead of a fresh
// UUID, so a retried task overwrites its own earlier partial upload.
type StorageUploader struct {
	store  Uploader
	prefix string
	log    logger.Logger
}

func NewStorageUploader(store Uploader, prefix string, log logger.Logger) *StorageUploader {
	if log == nil {
		log = logger.NewNop()
	}
	return &StorageUploader{store: store, prefix: strings.Trim(prefix, "/"), log: log}
}

type uploaded struct {
	names []string
	bytes int64
	last  string
}

// Handle serves both storage task kinds.
func (u *StorageUploader) Handle(ctx context.Context, task models.Task) jobs.Outcome {
	var (
		res uploaded
		err error
	)
	switch {
	case task.Kind == models.TaskStorageDirectory:
		res, err = u.uploadEntries(ctx, task, "", task.Payload.Entries)
	case task.Payload.UploadKind == models.UploadDirectory:
		res, err = u.uploadArchive(ctx, task)
	default:
		res, err = u.uploadFile(ctx, task)
	}
	if err != nil {
		return jobs.FromError(err)
	}

	u.log.Info("payload stored",
		logger.String("job_id", task.JobID),
		logger.Int("files", len(res.names)),
		logger.Int64("bytes", res.bytes))
	msg := fmt.Sprintf("Uploaded %d file(s) to %s", len(res.names), res.last)
	if len(res.names) == 1 {
		msg = "Uploaded to " + res.last
	}
	return jobs.Success(models.Result{
		InsertedCount: models.Int64Ptr(res.bytes),
		FileNames:     res.names,
		FileCount:     models.IntPtr(len(res.names)),
	}, msg)
}

func (u *StorageUploader) uploadFile(ctx context.Context, task models.Task) (uploaded, error) {
	p := task.Payload
	name, err := fingerprint.NormalizePath(path.Base(strings.ReplaceAll(p.FileName, "\\", "/")))
	if err != nil {
		return uploaded{}, jobs.Permanent(err)
	}
	if len(p.Content) == 0 {
		return uploaded{}, jobs.Permanent(fingerprint.ErrEmptyPayload)
	}
	uri, err := u.put(ctx, u.key(task, p.PreserveName, name), p.Content, p.ContentType, name)
	if err != nil {
		return uploaded{}, err
	}
	return uploaded{names: []string{name}, bytes: int64(len(p.Content)), last: uri}, nil
}

// uploadArchive unpacks a .zip and stores each entry under a folder named after the archive.
func (u *StorageUploader) uploadArchive(ctx context.Context, task models.Task) (uploaded, error) {
	p := task.Payload
	entries, err := ArchiveEntries(p.Content)
	if err != nil {
		return uploaded{}, jobs.Permanent(err)
	}
	root := strings.TrimSuffix(path.Base(strings.ReplaceAll(p.FileName, "\\", "/")), filepath.Ext(p.FileName))
	return u.uploadEntries(ctx, task, root, entries)
}

func (u *StorageUploader) uploadEntries(ctx context.Context, task models.Task, root string, entries []models.Entry) (uploaded, error) {
	if len(entries) == 0 {
		return uploaded{}, jobs.Permanent(fingerprint.ErrEmptyPayload)
	}
	var res uploaded
	for _, e := range entries {
		rel, err := fingerprint.NormalizePath(e.Path)
		if err != nil {
			return uploaded{}, jobs.Permanent(err)
		}
		name := rel
		if root != "" {
			name = root + "/" + rel
		}
		uri, err := u.put(ctx, u.key(task, task.Payload.PreserveName, name), e.Content, e.ContentType, rel)
		if err != nil {
			return uploaded{}, err
		}
		res.names = append(res.names, rel)
		res.bytes += int64(len(e.Content))
		res.last = uri
	}
	return res, nil
}

func (u *StorageUploader) key(task models.Task, preserve bool, name string) string {
	parts := make([]string, 0, 3)
	if u.prefix != "" {
		parts = append(parts, u.prefix)
	}
	if !preserve {
		id := task.JobID
		if id == "" {
			id = task.ID
		}
		parts = append(parts, id)
	}
	return strings.Join(append(parts, name), "/")
}

func (u *StorageUploader) put(ctx context.Context, key string, body []byte, contentType, name string) (string, error) {
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(name))
	}
	uri, err := u.store.Upload(ctx, key, body, contentType)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return uri, nil
}

// ErrInvalidArchive is returned when a directory upload is not a readable zip.
var ErrInvalidArchive = errors.New("directory uploads must be provided as a .zip archive")

// ArchiveEntries reads every regular file of a zip archive.
func ArchiveEntries(content []byte) ([]models.Entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	// ErrInsecurePath still yields a reader; NormalizePath reports the offending entry.
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, errors.Join(ErrInvalidArchive, err)
	}
	entries := make([]models.Entry, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rel, err := fingerprint.NormalizePath(f.Name)
		if err != nil {
			return nil, err
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Join(ErrInvalidArchive, err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, errors.Join(ErrInvalidArchive, err)
		}
		entries = append(entries, models.Entry{Path: rel, Content: body, ContentType: mime.TypeByExtension(path.Ext(rel))})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("archive has no files: %w", fingerprint.ErrEmptyPayload)
	}
	return entries, nil
}
