package objectstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"reports/q1.csv":        "reports/q1.csv",
		"/reports/q1.csv":       "reports/q1.csv",
		"reports/../../etc/pwd": "etc/pwd",
		`dir\file.xlsx`:         "dir/file.xlsx",
	}
	for in, want := range cases {
		got, err := sanitizeKey(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := sanitizeKey("  ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewLocal(dir)

	uri, err := store.Upload(ctx, "in/data.csv", []byte("a,b\n"), "text/csv")
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(dir, "in", "data.csv")), uri)

	obj, err := store.Download(ctx, "in/data.csv")
	require.NoError(t, err)
	assert.Equal(t, []byte("a,b\n"), obj.Body)
	assert.Equal(t, "in/data.csv", obj.Key)

	_, err = store.Download(ctx, "in/missing.csv")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewLocal(filepath.Join(dir, "nope")).Download(ctx, "x.csv")
	assert.ErrorIs(t, err, ErrBucketNotFound)
}

func TestMapError(t *testing.T) {
	assert.ErrorIs(t, mapError(&types.NoSuchKey{}), ErrNotFound)
	assert.ErrorIs(t, mapError(&types.NoSuchBucket{}), ErrBucketNotFound)
	assert.ErrorIs(t, mapError(&smithy.GenericAPIError{Code: "NotFound"}), ErrNotFound)
	assert.ErrorIs(t, mapError(&smithy.GenericAPIError{Code: "NoSuchBucket"}), ErrBucketNotFound)

	other := errors.New("boom")
	assert.Equal(t, other, mapError(other))
}
