package storage

import (
	"context"
	"io"
)

// ObjectStorage holds uploaded import archives until a run has consumed them.
type ObjectStorage interface {
	// Upload stores reader under key. A negative size means unknown.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens the object at key. The caller closes the reader.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys under prefix
	List(ctx context.Context, prefix string) ([]string, error)
}

// batchDeleter is implemented by backends that delete many keys per call.
type batchDeleter interface {
	DeleteKeys(ctx context.Context, keys []string) (int, error)
}

// DeletePrefix removes every object under prefix and returns how many were
// deleted. It keeps going after a failed delete and returns the first error.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - s: storage backend.
//   - prefix: key prefix; must not be empty.
// Returns:
//   - int: number of deleted objects.
//   - error: first listing or delete error.
func DeletePrefix(ctx context.Context, s ObjectStorage, prefix string) (int, error) {
	if prefix == "" {
		return 0, errEmptyPrefix
	}
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if bd, ok := s.(batchDeleter); ok {
		return bd.DeleteKeys(ctx, keys)
	}
	var (
		deleted  int
		firstErr error
	)
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted++
	}
	return deleted, firstErr
}
