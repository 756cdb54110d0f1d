package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/vectorinfinity/internal/config"
)

func TestLocalStorage_RoundTripAndDeletePrefix(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"uploads/acc/whatsapp/a.zip", "uploads/acc/whatsapp/b.zip", "uploads/acc/jsonl/c.jsonl", "other/x"} {
		require.NoError(t, s.Upload(ctx, key, strings.NewReader(key), int64(len(key)), "application/octet-stream"))
	}

	ok, err := s.Exists(ctx, "uploads/acc/jsonl/c.jsonl")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Download(ctx, "other/x")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "other/x", string(data))

	keys, err := s.List(ctx, "uploads/acc/")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	n, err := DeletePrefix(ctx, s, "uploads/acc/whatsapp/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err = s.List(ctx, "uploads/")
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/acc/jsonl/c.jsonl"}, keys)

	_, err = DeletePrefix(ctx, s, "")
	assert.Error(t, err)
}

func TestLocalStorage_RejectsEscapingKeys(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStorage(root)
	require.NoError(t, err)

	p, err := s.path("../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, root))
}

func TestDetectStorageType(t *testing.T) {
	assert.Equal(t, StorageTypeR2, detectStorageType("https://abc.r2.cloudflarestorage.com"))
	assert.Equal(t, StorageTypeS3, detectStorageType("s3.us-east-1.amazonaws.com"))
	assert.Equal(t, StorageTypeS3Compatible, detectStorageType("localhost:9000"))
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:9000/bucket", "localhost:9000"},
		{"https://abc.r2.cloudflarestorage.com", "abc.r2.cloudflarestorage.com"},
		{"minio:9000", "minio:9000"},
		{"minio:9000/path", "minio:9000"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, endpointHost(tt.in))
		})
	}
}

func TestNewStorage_Local(t *testing.T) {
	root := t.TempDir()
	s, err := NewStorage(&config.StorageConfig{Type: "local", Endpoint: root})
	require.NoError(t, err)
	_, ok := s.(*LocalStorage)
	assert.True(t, ok)
}

func TestNewS3Storage_RequiresBucket(t *testing.T) {
	_, err := NewS3Storage(context.Background(), &config.StorageConfig{Type: "s3compatible", Endpoint: "localhost:9000"})
	assert.Error(t, err)
}
