package service

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/vectorinfinity/internal/domain"
	"github.com/timmy/vectorinfinity/internal/logger"
)

// Document is a rendered record ready for the retrieval store.
type Document struct {
	ID         string
	AccountID  string
	SourceName string
	SourceID   string
	Kind       string
	Title      string
	Text       string
}

// RetrievalStore is the external index imported records are published to.
// Uploads are asynchronous; JobDone reports when an upload is searchable.
type RetrievalStore interface {
	// Handle returns the store handle of an account, creating it if needed.
	Handle(ctx context.Context, accountID string) (string, error)
	// Upload submits one batch and returns an opaque job id.
	Upload(ctx context.Context, handle, displayName string, docs []Document) (string, error)
	// JobDone reports whether the job has finished processing.
	JobDone(ctx context.Context, handle, jobID string) (bool, error)
}

// BatcherConfig controls chunking and the final-batch wait.
type BatcherConfig struct {
	BatchSize        int
	FinalWaitTimeout time.Duration
	PollInterval     time.Duration
}

// UploadOutcome summarizes one Upload call.
type UploadOutcome struct {
	Total    int      `json:"total"`
	Uploaded int      `json:"uploaded"`
	Failed   int      `json:"failed"`
	Batches  int      `json:"batches"`
	Waited   bool     `json:"waited"`
	TimedOut bool     `json:"timed_out"`
	Errors   []string `json:"errors,omitempty"`
}

// OK reports whether every record was handed to the store.
func (o UploadOutcome) OK() bool {
	return o.Failed == 0
}

// Batcher pushes changed records to a RetrievalStore in bounded chunks.
type Batcher struct {
	store RetrievalStore
	cfg   BatcherConfig
	now   func() time.Time
}

// NewBatcher creates a new Batcher.
func NewBatcher(store RetrievalStore, cfg BatcherConfig) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FinalWaitTimeout <= 0 {
		cfg.FinalWaitTimeout = 120 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Batcher{store: store, cfg: cfg, now: time.Now}
}

// Upload renders records and ships them in chunks of BatchSize. Every chunk
// but the last is fire-and-continue; the last one is awaited up to
// FinalWaitTimeout. A timeout is logged and still counts as success.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - accountID: account whose index receives the records.
//   - sourceName: source name, used in batch display names.
//   - records: inserted or updated records.
// Returns:
//   - UploadOutcome: per-call counters; failures never panic or abort the caller.
func (b *Batcher) Upload(ctx context.Context, accountID, sourceName string, records []domain.ImportedRecord) UploadOutcome {
	out := UploadOutcome{Total: len(records)}
	if len(records) == 0 {
		return out
	}

	handle, err := b.store.Handle(ctx, accountID)
	if err != nil {
		logger.CtxError(ctx, "Failed to resolve retrieval store for account %s: %v", accountID, err)
		out.Failed = len(records)
		out.Errors = append(out.Errors, err.Error())
		return out
	}

	stamp := b.now().UTC().Format("20060102_150405")
	for start := 0; start < len(records); start += b.cfg.BatchSize {
		end := start + b.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]
		out.Batches++
		name := fmt.Sprintf("%s_batch_%s_%d", sourceName, stamp, out.Batches)

		jobID, err := b.store.Upload(ctx, handle, name, toDocuments(chunk))
		if err != nil {
			logger.CtxWarn(ctx, "Upload of batch %s failed: %v", name, err)
			out.Failed += len(chunk)
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		out.Uploaded += len(chunk)
		logger.With(logger.Fields{logger.FieldCount: len(chunk)}).Info(ctx, "Uploaded batch %s", name)

		if end == len(records) {
			out.Waited = true
			out.TimedOut = !b.await(ctx, handle, jobID, name)
		}
	}
	return out
}

// await polls the job until it is done, the timeout expires, or ctx ends.
func (b *Batcher) await(ctx context.Context, handle, jobID, name string) bool {
	deadline := time.NewTimer(b.cfg.FinalWaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := b.store.JobDone(ctx, handle, jobID)
		if err != nil {
			logger.CtxWarn(ctx, "Error checking status of batch %s: %v", name, err)
		} else if done {
			logger.CtxInfo(ctx, "Batch %s processed", name)
			return true
		} else {
			logger.CtxDebug(ctx, "Batch %s still processing", name)
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			logger.CtxWarn(ctx, "Batch %s still processing after %s, continuing", name, b.cfg.FinalWaitTimeout)
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func toDocuments(records []domain.ImportedRecord) []Document {
	docs := make([]Document, len(records))
	for i := range records {
		rec := &records[i]
		docs[i] = Document{
			ID:         rec.ID,
			AccountID:  rec.AccountID,
			SourceName: rec.SourceName,
			SourceID:   rec.SourceID,
			Kind:       rec.Kind,
			Title:      rec.Title,
			Text:       RenderDocument(rec),
		}
	}
	return docs
}
