// Package fingerprint computes content addresses for ingestion payloads and
// canonicalizes the relative paths of multi-file uploads.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sort"
	"strings"

	"file-ingestion-service/internal/models"
)

var (
	// ErrEmptyPayload is returned for a zero-byte file or an empty entry set.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrInvalidPath is returned for paths that are empty or contain traversal segments.
	ErrInvalidPath = errors.New("invalid path")
)

// Bytes returns the hex SHA-256 digest of b.
func Bytes(b []byte) (string, error) {
	if len(b) == 0 {
		return "", ErrEmptyPayload
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Directory returns a digest over all entries that does not depend on their order.
// Entries are sorted by path; each contributes its path, an 8-byte big-endian
// content length, and the content.
func Directory(entries []models.Entry) (string, error) {
	if len(entries) == 0 {
		return "", ErrEmptyPayload
	}
	sorted := make([]models.Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	var size [8]byte
	for _, e := range sorted {
		h.Write([]byte(e.Path))
		binary.BigEndian.PutUint64(size[:], uint64(len(e.Content)))
		h.Write(size[:])
		h.Write(e.Content)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizePath turns a user-supplied relative path into a forward-slash path
// with empty and "." segments removed. Leading separators are stripped; any ".."
// segment is rejected.
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" {
		return "", errors.Join(ErrInvalidPath, errors.New("each file must include a relative path or filename"))
	}
	p = strings.TrimLeft(p, "/")

	segments := make([]string, 0, strings.Count(p, "/")+1)
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", errors.Join(ErrInvalidPath, errors.New("directory traversal sequences ('..') are not allowed"))
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return "", errors.Join(ErrInvalidPath, errors.New("no path segments left after normalization"))
	}
	return strings.Join(segments, "/"), nil
}
