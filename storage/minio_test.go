package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
)

func TestStats(t *testing.T) {
	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	stats := Stats([]ObjectInfo{
		{Key: "songs/a.wav", Size: 100, LastModified: t1},
		{Key: "songs/a.mp3", Size: 20, LastModified: t2},
		{Key: "songs/a-30s-preview.mp3", Size: 5, LastModified: t1},
		{Key: "README", Size: 1, LastModified: t1},
	})

	assert.Equal(t, int64(4), stats.TotalObjects)
	assert.Equal(t, int64(126), stats.TotalSize)
	assert.Equal(t, t2, stats.LastModified)
	assert.Equal(t, int64(2), stats.ByExtension["mp3"])
	assert.Equal(t, int64(1), stats.ByExtension["wav"])
	assert.Equal(t, int64(1), stats.ByExtension["unknown"])
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "1.5 KB", FormatSize(1536))
	assert.Equal(t, "2.0 MB", FormatSize(2*1024*1024))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NotFound"}))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied"}))
	assert.False(t, isNotFound(errors.New("dial tcp: refused")))
	assert.False(t, isNotFound(nil))
}
