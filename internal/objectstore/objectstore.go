// Package objectstore reads and writes payloads in object storage: S3 in
// deployed environments, a local directory for development.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"file-ingestion-service/internal/config"
)

var (
	// ErrNotFound is returned when the key does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrBucketNotFound is returned when the bucket (or base directory) does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
)

// Object is a downloaded payload.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
}

// Store is implemented by S3 and Local.
type Store interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Download(ctx context.Context, key string) (Object, error)
}

// New picks S3 when a bucket is configured and the local directory otherwise.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.S3Bucket != "" {
		return NewS3(ctx, cfg)
	}
	return NewLocal(cfg.LocalStorageDir), nil
}

// sanitizeKey turns key into a clean relative object key.
func sanitizeKey(key string) (string, error) {
	key = strings.ReplaceAll(strings.TrimSpace(key), "\\", "/")
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if key == "" || key == "." {
		return "", fmt.Errorf("empty object key: %w", ErrNotFound)
	}
	return key, nil
}
