package localdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/vectorinfinity/internal/domain"
)

func writeNote(t *testing.T, root, rel, body string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestAdapter_Fetch(t *testing.T) {
	root := t.TempDir()
	old := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	writeNote(t, root, "b.md", "# B", recent)
	writeNote(t, root, "sub/a.txt", "alpha", old)
	writeNote(t, root, "image.png", "binary", recent)
	writeNote(t, root, ".hidden/c.md", "hidden", recent)

	a := NewAdapter()
	require.NoError(t, a.ValidateConfig(map[string]interface{}{ConfigPath: root}))
	a.Configure(map[string]interface{}{ConfigPath: root})

	records, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b.md", records[0].SourceID)
	assert.Equal(t, "sub/a.txt", records[1].SourceID)
	assert.Equal(t, "a", records[1].Title)
	assert.Equal(t, "sub", records[1].Metadata["folder"])
	assert.True(t, records[1].SourceTimestamp.Equal(old))

	a.SetLatestTimestamp(recent)
	records, err = a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b.md", records[0].SourceID)
}

func TestAdapter_ShouldUpdate(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "n.md", "v1", time.Now())
	a := NewAdapter()
	a.Configure(map[string]interface{}{ConfigPath: root})

	first, err := a.Fetch(context.Background())
	require.NoError(t, err)
	existing := &domain.ImportedRecord{Metadata: first[0].Metadata}
	assert.False(t, a.ShouldUpdate(existing, &first[0]))

	writeNote(t, root, "n.md", "v2", time.Now())
	second, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, a.ShouldUpdate(existing, &second[0]))
}

func TestAdapter_ValidateConfig(t *testing.T) {
	a := NewAdapter()
	assert.Error(t, a.ValidateConfig(nil))
	assert.Error(t, a.ValidateConfig(map[string]interface{}{ConfigPath: filepath.Join(t.TempDir(), "nope")}))
}
