package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/timmy/vectorinfinity/internal/config"
)

var errEmptyPrefix = errors.New("refusing to operate on an empty prefix")

// NewStorage creates the backend selected by cfg.Type. "local" keeps objects
// under the directory named by cfg.Endpoint; every other type is S3-compatible.
// Parameters:
//   - cfg: storage configuration including endpoint, credentials, and bucket.
// Returns:
//   - ObjectStorage: initialized storage client implementation.
//   - error: non-nil if the storage client cannot be created.
func NewStorage(cfg *config.StorageConfig) (ObjectStorage, error) {
	if StorageType(cfg.Type) == StorageTypeLocal {
		return NewLocalStorage(cfg.Endpoint)
	}
	return NewS3Storage(context.Background(), cfg)
}

// detectStorageType guesses the provider from the endpoint host
func detectStorageType(endpoint string) StorageType {
	host := strings.ToLower(endpointHost(endpoint))
	switch {
	case strings.HasSuffix(host, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.HasSuffix(host, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
