package localdir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/timmy/vectorinfinity/internal/domain"
	"github.com/timmy/vectorinfinity/internal/source"
)

const (
	SourceName = "localdir"
	RecordKind = "note"

	// ConfigPath is the binding config key holding the notes directory.
	ConfigPath = "path"
)

// Adapter imports text notes from a local directory tree.
type Adapter struct {
	rootPath string
	since    *time.Time
}

// NewAdapter creates a new local directory adapter
func NewAdapter() *Adapter {
	return &Adapter{}
}

// Name returns the source name
func (a *Adapter) Name() string {
	return SourceName
}

// ValidateConfig requires an existing directory under "path".
func (a *Adapter) ValidateConfig(cfg map[string]interface{}) error {
	root := source.StringValue(cfg, ConfigPath)
	if root == "" {
		return fmt.Errorf("notes directory not configured, set %q", ConfigPath)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("notes directory %s is not readable: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}
	return nil
}

// Configure applies the binding configuration
func (a *Adapter) Configure(cfg map[string]interface{}) {
	a.rootPath = source.StringValue(cfg, ConfigPath)
}

// SetLatestTimestamp skips files modified before ts on the next fetch
func (a *Adapter) SetLatestTimestamp(ts time.Time) {
	a.since = &ts
}

// ShouldUpdate reports whether the file content hash changed
func (a *Adapter) ShouldUpdate(existing *domain.ImportedRecord, incoming *source.Record) bool {
	newHash := incoming.MetadataString("sha256")
	return newHash != "" && newHash != existing.MetadataString("sha256")
}

// TestConnection checks the directory is still readable
func (a *Adapter) TestConnection(ctx context.Context) error {
	return a.ValidateConfig(map[string]interface{}{ConfigPath: a.rootPath})
}

// Fetch walks the directory and returns one record per note file.
// Parameters:
//   - ctx: context for cancellation; checked between files.
// Returns:
//   - []source.Record: notes sorted by relative path.
//   - error: non-nil if the directory cannot be walked.
func (a *Adapter) Fetch(ctx context.Context) ([]source.Record, error) {
	if _, err := os.Stat(a.rootPath); err != nil {
		return nil, fmt.Errorf("notes directory does not exist: %s", a.rootPath)
	}

	var records []source.Record
	err := filepath.Walk(a.rootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		name := info.Name()
		if info.IsDir() {
			// Skip hidden directories, but never the root itself
			if path != a.rootPath && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !isNoteFile(name) {
			return nil
		}

		modTime := info.ModTime().UTC()
		if a.since != nil && modTime.Before(*a.since) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		sum := sha256.Sum256(data)

		relPath, _ := filepath.Rel(a.rootPath, path)
		relPath = filepath.ToSlash(relPath)

		folder := filepath.ToSlash(filepath.Dir(relPath))
		if folder == "." {
			folder = ""
		}

		records = append(records, source.Record{
			SourceID: relPath,
			Kind:     RecordKind,
			Title:    strings.TrimSuffix(name, filepath.Ext(name)),
			Content:  string(data),
			Metadata: map[string]interface{}{
				"path":   relPath,
				"folder": folder,
				"sha256": hex.EncodeToString(sum[:]),
				"size":   info.Size(),
			},
			SourceTimestamp: &modTime,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk notes directory: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].SourceID < records[j].SourceID
	})
	return records, nil
}

func isNoteFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".markdown":
		return true
	}
	return false
}
