package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/repository"
	"golang.org/x/sync/singleflight"
)

// maxTrackedJobs bounds the pending job table. Only final batches are ever
// polled, so older entries are dropped oldest first.
const maxTrackedJobs = 1024

var pointNamespace = uuid.MustParse("6f1c1b2e-8d3a-5c47-9a51-3e0f2d7b9c10")

// VectorStore is the subset of the Qdrant repository the index needs.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, collection string, points []repository.DocumentPoint) error
	CountExisting(ctx context.Context, collection string, ids []string) (int, error)
	Search(ctx context.Context, collection string, vector []float32, topK int, threshold float32, filters *repository.SearchFilters) ([]repository.SearchResult, error)
	DeleteBySource(ctx context.Context, collection, sourceName string) error
	DropCollection(ctx context.Context, collection string) error
	ListCollections(ctx context.Context, prefix string) ([]string, error)
}

// Embedder turns documents and queries into vectors.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// QdrantIndex is the production RetrievalStore. Every account owns one
// collection; a job is the set of point ids of one upload.
type QdrantIndex struct {
	vectors  VectorStore
	embedder Embedder
	prefix   string

	ensure   singleflight.Group
	mu       sync.Mutex
	ensured  map[string]bool
	jobs     map[string][]string
	jobOrder []string
}

// NewQdrantIndex creates a new QdrantIndex.
func NewQdrantIndex(vectors VectorStore, embedder Embedder, collectionPrefix string) *QdrantIndex {
	return &QdrantIndex{
		vectors:  vectors,
		embedder: embedder,
		prefix:   collectionPrefix,
		ensured:  make(map[string]bool),
		jobs:     make(map[string][]string),
	}
}

// CollectionName returns the collection of an account.
func CollectionName(prefix, accountID string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, r := range accountID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// PointID derives a stable point id from the record identity, so
// re-uploading a record overwrites its previous point.
func PointID(accountID, sourceName, sourceID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(accountID+"/"+sourceName+"/"+sourceID)).String()
}

// Handle ensures the account collection exists and returns its name.
func (q *QdrantIndex) Handle(ctx context.Context, accountID string) (string, error) {
	name := CollectionName(q.prefix, accountID)

	q.mu.Lock()
	ready := q.ensured[name]
	q.mu.Unlock()
	if ready {
		return name, nil
	}

	// Concurrent runs of one account share a single EnsureCollection call.
	_, err, _ := q.ensure.Do(name, func() (interface{}, error) {
		if err := q.vectors.EnsureCollection(ctx, name); err != nil {
			return nil, err
		}
		q.mu.Lock()
		q.ensured[name] = true
		q.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// Upload embeds docs and upserts them without waiting for indexing.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - handle: collection name from Handle.
//   - displayName: batch label stored in each point payload.
//   - docs: rendered documents.
// Returns:
//   - string: job id for JobDone.
//   - error: embedding or upsert failure.
func (q *QdrantIndex) Upload(ctx context.Context, handle, displayName string, docs []Document) (string, error) {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vectors, err := q.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return "", fmt.Errorf("failed to embed %s: %w", displayName, err)
	}

	points := make([]repository.DocumentPoint, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = PointID(d.AccountID, d.SourceName, d.SourceID)
		points[i] = repository.DocumentPoint{
			ID:         ids[i],
			Vector:     vectors[i],
			AccountID:  d.AccountID,
			SourceName: d.SourceName,
			SourceID:   d.SourceID,
			Kind:       d.Kind,
			Title:      d.Title,
			Document:   d.Text,
			Batch:      displayName,
		}
	}
	if err := q.vectors.Upsert(ctx, handle, points); err != nil {
		return "", err
	}

	jobID := uuid.New().String()
	q.track(jobID, ids)
	return jobID, nil
}

func (q *QdrantIndex) track(jobID string, ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[jobID] = ids
	q.jobOrder = append(q.jobOrder, jobID)
	for len(q.jobOrder) > maxTrackedJobs {
		delete(q.jobs, q.jobOrder[0])
		q.jobOrder = q.jobOrder[1:]
	}
}

// JobDone reports whether every point of the job is retrievable.
func (q *QdrantIndex) JobDone(ctx context.Context, handle, jobID string) (bool, error) {
	q.mu.Lock()
	ids, ok := q.jobs[jobID]
	q.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("unknown job %s", jobID)
	}

	n, err := q.vectors.CountExisting(ctx, handle, ids)
	if err != nil {
		return false, err
	}
	if n < len(ids) {
		return false, nil
	}

	q.mu.Lock()
	delete(q.jobs, jobID)
	for i, id := range q.jobOrder {
		if id == jobID {
			q.jobOrder = append(q.jobOrder[:i], q.jobOrder[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	return true, nil
}

// Search embeds query and returns the closest documents of an account.
func (q *QdrantIndex) Search(ctx context.Context, accountID, sourceName, query string, topK int, threshold float32) ([]repository.SearchResult, error) {
	vector, err := q.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return q.vectors.Search(ctx, CollectionName(q.prefix, accountID), vector, topK, threshold, &repository.SearchFilters{
		AccountID:  accountID,
		SourceName: sourceName,
	})
}

// DeleteSource removes the points of one source of an account.
func (q *QdrantIndex) DeleteSource(ctx context.Context, accountID, sourceName string) error {
	return q.vectors.DeleteBySource(ctx, CollectionName(q.prefix, accountID), sourceName)
}

// DropAccount removes an account's collection.
func (q *QdrantIndex) DropAccount(ctx context.Context, accountID string) error {
	name := CollectionName(q.prefix, accountID)
	if err := q.vectors.DropCollection(ctx, name); err != nil {
		return err
	}
	q.mu.Lock()
	delete(q.ensured, name)
	q.mu.Unlock()
	return nil
}

// DropAll removes every account collection and returns how many were dropped.
func (q *QdrantIndex) DropAll(ctx context.Context) (int, error) {
	names, err := q.vectors.ListCollections(ctx, q.prefix)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, name := range names {
		if err := q.vectors.DropCollection(ctx, name); err != nil {
			logger.CtxWarn(ctx, "Failed to drop collection %s: %v", name, err)
			continue
		}
		dropped++
	}

	q.mu.Lock()
	q.ensured = make(map[string]bool)
	q.jobs = make(map[string][]string)
	q.jobOrder = nil
	q.mu.Unlock()
	return dropped, nil
}
