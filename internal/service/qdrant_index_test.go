package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/vectorinfinity/internal/repository"
)

type fakeVectors struct {
	mu          sync.Mutex
	ensured     map[string]int
	points      map[string]map[string]repository.DocumentPoint
	visible     bool
	dropped     []string
	deletedFrom map[string]string
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{
		ensured:     make(map[string]int),
		points:      make(map[string]map[string]repository.DocumentPoint),
		deletedFrom: make(map[string]string),
	}
}

func (f *fakeVectors) EnsureCollection(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured[name]++
	if f.points[name] == nil {
		f.points[name] = make(map[string]repository.DocumentPoint)
	}
	return nil
}

func (f *fakeVectors) Upsert(ctx context.Context, collection string, points []repository.DocumentPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range points {
		f.points[collection][p.ID] = p
	}
	return nil
}

func (f *fakeVectors) CountExisting(ctx context.Context, collection string, ids []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.visible {
		return 0, nil
	}
	n := 0
	for _, id := range ids {
		if _, ok := f.points[collection][id]; ok {
			n++
		}
	}
	return n, nil
}

func (f *fakeVectors) Search(ctx context.Context, collection string, vector []float32, topK int, threshold float32, filters *repository.SearchFilters) ([]repository.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.SearchResult
	for _, p := range f.points[collection] {
		if filters.SourceName != "" && p.SourceName != filters.SourceName {
			continue
		}
		out = append(out, repository.SearchResult{
			ID: p.ID, Score: 0.9, SourceName: p.SourceName, SourceID: p.SourceID,
			Kind: p.Kind, Title: p.Title, Document: p.Document,
		})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

func (f *fakeVectors) DeleteBySource(ctx context.Context, collection, sourceName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedFrom[collection] = sourceName
	for id, p := range f.points[collection] {
		if p.SourceName == sourceName {
			delete(f.points[collection], id)
		}
	}
	return nil
}

func (f *fakeVectors) DropCollection(ctx context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, collection)
	delete(f.points, collection)
	return nil
}

func (f *fakeVectors) ListCollections(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.points {
		names = append(names, name)
	}
	return names, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (fakeEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return []float32{float32(len(query)), 1}, nil
}

func TestPointIDIsDeterministic(t *testing.T) {
	testCases := []struct {
		name     string
		account  string
		source   string
		sourceID string
	}{
		{name: "basic", account: "acc", source: "jsonl", sourceID: "1"},
		{name: "other source", account: "acc", source: "github", sourceID: "1"},
		{name: "other account", account: "acc2", source: "jsonl", sourceID: "1"},
	}

	seen := make(map[string]string)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			first := PointID(tc.account, tc.source, tc.sourceID)
			assert.Equal(t, first, PointID(tc.account, tc.source, tc.sourceID))
			assert.Len(t, first, 36)

			prev, dup := seen[first]
			assert.False(t, dup, "collides with %s", prev)
			seen[first] = tc.name
		})
	}
}

func TestCollectionNameSanitizes(t *testing.T) {
	assert.Equal(t, "vi_account_user_1", CollectionName("vi_account_", "user 1"))
	assert.Equal(t, "vi_account_a-b_c", CollectionName("vi_account_", "a-b_c"))
}

func TestQdrantIndex_UploadAndJobDone(t *testing.T) {
	vectors := newFakeVectors()
	idx := NewQdrantIndex(vectors, fakeEmbedder{}, "vi_account_")
	ctx := context.Background()

	handle, err := idx.Handle(ctx, "acc")
	require.NoError(t, err)
	_, err = idx.Handle(ctx, "acc")
	require.NoError(t, err)
	assert.Equal(t, 1, vectors.ensured["vi_account_acc"])

	docs := toDocuments(makeRecords(3))
	job, err := idx.Upload(ctx, handle, "jsonl_batch_1", docs)
	require.NoError(t, err)

	done, err := idx.JobDone(ctx, handle, job)
	require.NoError(t, err)
	assert.False(t, done)

	vectors.visible = true
	done, err = idx.JobDone(ctx, handle, job)
	require.NoError(t, err)
	assert.True(t, done)

	// Completed jobs are forgotten.
	_, err = idx.JobDone(ctx, handle, job)
	assert.Error(t, err)

	stored := vectors.points[handle][PointID("acc", "jsonl", "id-0")]
	assert.Equal(t, "jsonl_batch_1", stored.Batch)
	assert.Contains(t, stored.Document, "Source: jsonl")
}

func TestQdrantIndex_SearchDeleteAndDrop(t *testing.T) {
	vectors := newFakeVectors()
	idx := NewQdrantIndex(vectors, fakeEmbedder{}, "vi_account_")
	ctx := context.Background()

	handle, err := idx.Handle(ctx, "acc")
	require.NoError(t, err)
	_, err = idx.Upload(ctx, handle, "b", toDocuments(makeRecords(2)))
	require.NoError(t, err)

	hits, err := idx.Search(ctx, "acc", "jsonl", "content", 5, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	require.NoError(t, idx.DeleteSource(ctx, "acc", "jsonl"))
	assert.Equal(t, "jsonl", vectors.deletedFrom[handle])

	n, err := idx.DropAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{handle}, vectors.dropped)
}
