package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/vectorinfinity/internal/domain"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/repository"
	"github.com/timmy/vectorinfinity/internal/source"
	"gorm.io/datatypes"
)

// ImportRequest identifies one import.
type ImportRequest struct {
	AccountID  string
	SourceName string
	// UploadedFile is a local path handed to file-upload adapters.
	UploadedFile string
}

// ImportResult is the outcome of one coordinator run.
type ImportResult struct {
	RunID    string           `json:"run_id"`
	Status   domain.RunStatus `json:"status"`
	Imported int              `json:"records_imported"`
	Inserted int              `json:"inserted"`
	Updated  int              `json:"updated"`
	Skipped  int              `json:"skipped"`
	Failed   int              `json:"failed"`
	Index    UploadOutcome    `json:"index"`
	Message  string           `json:"message"`
}

// CoordinatorConfig tunes progress reporting and the fetch deadline.
type CoordinatorConfig struct {
	ProgressEvery int
	FetchTimeout  time.Duration
}

// Coordinator drives one import run: fetch, diff against the record store,
// write, index, and close the run.
type Coordinator struct {
	bindings *repository.BindingRepository
	records  *repository.RecordRepository
	ledger   *Ledger
	registry *source.Registry
	batcher  *Batcher
	cfg      CoordinatorConfig
}

// NewCoordinator creates a new Coordinator. batcher may be nil, in which
// case changed records are stored but not indexed.
func NewCoordinator(
	bindings *repository.BindingRepository,
	records *repository.RecordRepository,
	ledger *Ledger,
	registry *source.Registry,
	batcher *Batcher,
	cfg CoordinatorConfig,
) *Coordinator {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 10
	}
	return &Coordinator{
		bindings: bindings,
		records:  records,
		ledger:   ledger,
		registry: registry,
		batcher:  batcher,
		cfg:      cfg,
	}
}

// configError marks failures the user must fix in the binding.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

type diffOutcome int

const (
	outcomeSkipped diffOutcome = iota
	outcomeInserted
	outcomeUpdated
)

// Run opens a ledger entry and executes the import synchronously.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: account, source, and optional uploaded file.
// Returns:
//   - *ImportResult: outcome of the run, nil only if the run could not be opened.
//   - error: ErrAlreadyRunning, an open failure, or the error that closed the run.
func (c *Coordinator) Run(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	run, err := c.ledger.Open(ctx, req.AccountID, req.SourceName)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, run, req)
}

// Execute runs the pipeline for an already opened run and always leaves the
// run terminal unless the store itself is unavailable.
func (c *Coordinator) Execute(ctx context.Context, run *domain.ImportRun, req ImportRequest) (*ImportResult, error) {
	ctx = logger.SetRun(ctx, run.ID, req.AccountID, req.SourceName)
	start := time.Now()
	res := &ImportResult{RunID: run.ID}

	logger.CtxInfo(ctx, "Starting import")

	err := c.execute(ctx, run, req, res)
	if err != nil {
		return c.fail(ctx, run, res, err)
	}

	if err := c.ledger.CloseSuccess(ctx, run.ID, res.Imported, res.Failed, res.Message); err != nil {
		return c.fail(ctx, run, res, fmt.Errorf("failed to close import run: %w", err))
	}
	res.Status = domain.RunStatusSuccess

	logger.With(logger.Fields{
		logger.FieldCount:      res.Imported,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldStatus:     res.Status,
	}).Info(ctx, "Import completed: %s", res.Message)
	return res, nil
}

func (c *Coordinator) execute(ctx context.Context, run *domain.ImportRun, req ImportRequest, res *ImportResult) error {
	adapter, err := c.prepare(ctx, run, req)
	if err != nil {
		return err
	}

	if err := c.progress(ctx, run.ID, 0, 0, "Checking for existing data..."); err != nil {
		return err
	}
	if inc, ok := adapter.(source.IncrementalAdapter); ok {
		latest, err := c.records.LatestSourceTimestamp(ctx, req.AccountID, req.SourceName)
		if err != nil {
			return fmt.Errorf("failed to read watermark: %w", err)
		}
		if latest != nil {
			logger.CtxInfo(ctx, "Incremental fetch since %s", latest.Format(time.RFC3339))
			inc.SetLatestTimestamp(*latest)
		}
	}

	if err := c.progress(ctx, run.ID, 0, 0, "Fetching data from "+req.SourceName+"..."); err != nil {
		return err
	}
	fetched, err := c.fetch(ctx, adapter)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	total := len(fetched)
	logger.With(logger.Fields{logger.FieldCount: total}).Info(ctx, "Fetched records")

	if err := c.progress(ctx, run.ID, 0, total, fmt.Sprintf("Processing %d records...", total)); err != nil {
		return err
	}

	toIndex, err := c.diff(ctx, run.ID, req, adapter, fetched, res)
	if err != nil {
		return err
	}
	res.Imported = res.Inserted + res.Updated
	res.Message = summary(res)

	if len(toIndex) > 0 && c.batcher != nil {
		if err := c.progress(ctx, run.ID, total, total, fmt.Sprintf("Uploading %d records to index...", len(toIndex))); err != nil {
			return err
		}
		res.Index = c.batcher.Upload(ctx, req.AccountID, req.SourceName, toIndex)
		if !res.Index.OK() {
			logger.CtxWarn(ctx, "Indexing incomplete: %d of %d records not uploaded: %v",
				res.Index.Failed, res.Index.Total, res.Index.Errors)
			res.Message += fmt.Sprintf("; indexing incomplete (%d of %d records not uploaded)", res.Index.Failed, res.Index.Total)
		}
	}
	return nil
}

// prepare resolves the binding and adapter and applies configuration.
func (c *Coordinator) prepare(ctx context.Context, run *domain.ImportRun, req ImportRequest) (source.Adapter, error) {
	binding, err := c.bindings.Get(ctx, req.AccountID, req.SourceName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &configError{ErrNotConfigured}
		}
		return nil, fmt.Errorf("failed to load source binding: %w", err)
	}
	if !binding.Enabled {
		return nil, &configError{ErrBindingDisabled}
	}

	adapter, err := c.registry.New(req.SourceName)
	if err != nil {
		return nil, &configError{fmt.Errorf("%w: %s", ErrSourceNotFound, req.SourceName)}
	}

	if ca, ok := adapter.(source.ConfigurableAdapter); ok {
		cfg := binding.ConfigMap()
		if err := ca.ValidateConfig(cfg); err != nil {
			return nil, &configError{fmt.Errorf("invalid configuration: %w", err)}
		}
		ca.Configure(cfg)
	}

	if fu, ok := adapter.(source.FileUploadAdapter); ok {
		if req.UploadedFile != "" {
			fu.SetUploadedFile(req.UploadedFile)
		} else if fu.RequiresFileUpload() {
			return nil, &configError{errors.New("this source requires a file upload")}
		}
	}
	return adapter, nil
}

// fetch calls the adapter under the fetch deadline. An adapter that ignores
// cancellation is abandoned when the deadline passes.
func (c *Coordinator) fetch(ctx context.Context, adapter source.Adapter) ([]source.Record, error) {
	fctx, cancel := ctx, context.CancelFunc(func() {})
	if c.cfg.FetchTimeout > 0 {
		fctx, cancel = context.WithTimeout(ctx, c.cfg.FetchTimeout)
	}
	defer cancel()

	type result struct {
		records []source.Record
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("adapter panicked: %v", r)}
			}
		}()
		records, err := adapter.Fetch(fctx)
		done <- result{records: records, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(fctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrFetchTimeout, c.cfg.FetchTimeout)
		}
		return r.records, r.err
	case <-fctx.Done():
		if errors.Is(fctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrFetchTimeout, c.cfg.FetchTimeout)
		}
		return nil, fctx.Err()
	}
}

// diff writes each fetched record in order and returns the changed rows.
// Invalid records are counted as failed; store errors abort the run.
func (c *Coordinator) diff(ctx context.Context, runID string, req ImportRequest, adapter source.Adapter, fetched []source.Record, res *ImportResult) ([]domain.ImportedRecord, error) {
	decider, _ := adapter.(source.UpdateDecider)
	total := len(fetched)
	var toIndex []domain.ImportedRecord

	for i := range fetched {
		rec := &fetched[i]
		if err := rec.Validate(); err != nil {
			res.Failed++
			logger.CtxWarn(ctx, "Skipping record %d: %v", i, err)
		} else {
			outcome, row, err := c.apply(ctx, req, decider, rec)
			if err != nil {
				return nil, fmt.Errorf("failed to store record %s: %w", rec.SourceID, err)
			}
			switch outcome {
			case outcomeInserted:
				res.Inserted++
				toIndex = append(toIndex, *row)
			case outcomeUpdated:
				res.Updated++
				toIndex = append(toIndex, *row)
			default:
				res.Skipped++
			}
		}

		if n := i + 1; n%c.cfg.ProgressEvery == 0 || n == total {
			if err := c.progress(ctx, runID, n, total, fmt.Sprintf("Processing record %d/%d", n, total)); err != nil {
				return nil, err
			}
		}
	}
	return toIndex, nil
}

func (c *Coordinator) apply(ctx context.Context, req ImportRequest, decider source.UpdateDecider, rec *source.Record) (diffOutcome, *domain.ImportedRecord, error) {
	existing, err := c.records.Find(ctx, req.AccountID, req.SourceName, rec.SourceID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		row := newImportedRecord(req, rec)
		if err := c.records.Insert(ctx, row); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				// Written concurrently; the other writer's row stands.
				return outcomeSkipped, nil, nil
			}
			return outcomeSkipped, nil, err
		}
		return outcomeInserted, row, nil
	case err != nil:
		return outcomeSkipped, nil, err
	}

	if decider == nil || !decider.ShouldUpdate(existing, rec) {
		return outcomeSkipped, nil, nil
	}
	if err := c.records.UpdateInPlace(ctx, existing, rec.Fields()); err != nil {
		return outcomeSkipped, nil, err
	}
	return outcomeUpdated, existing, nil
}

func (c *Coordinator) progress(ctx context.Context, runID string, current, total int, message string) error {
	if err := c.ledger.UpdateProgress(ctx, runID, current, total, message); err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	return nil
}

// fail closes the run as error with whatever counts are available. The
// close uses a detached context so a cancelled caller still records it.
func (c *Coordinator) fail(ctx context.Context, run *domain.ImportRun, res *ImportResult, cause error) (*ImportResult, error) {
	res.Status = domain.RunStatusError
	res.Imported = res.Inserted + res.Updated
	res.Message = cause.Error()

	var ce *configError
	if errors.As(cause, &ce) {
		logger.CtxWarn(ctx, "Import not started: %v", cause)
	} else {
		logger.CtxError(ctx, "Import failed: %v", cause)
	}

	closeCtx := logger.Detach(ctx)
	if err := c.ledger.CloseError(closeCtx, run.ID, res.Imported, res.Failed, cause.Error()); err != nil {
		// Left running; startup reconciliation closes it.
		logger.CtxError(ctx, "Failed to close import run %s as error: %v", run.ID, err)
	}
	return res, cause
}

func newImportedRecord(req ImportRequest, rec *source.Record) *domain.ImportedRecord {
	metadata := datatypes.JSONMap{}
	for k, v := range rec.Metadata {
		metadata[k] = v
	}
	return &domain.ImportedRecord{
		AccountID:       req.AccountID,
		SourceName:      req.SourceName,
		SourceID:        rec.SourceID,
		Kind:            rec.Kind,
		Title:           rec.Title,
		Content:         rec.Content,
		Metadata:        metadata,
		SourceTimestamp: rec.SourceTimestamp,
	}
}

func summary(res *ImportResult) string {
	msg := fmt.Sprintf("Imported %d records (%d new, %d updated, %d unchanged)",
		res.Imported, res.Inserted, res.Updated, res.Skipped)
	if res.Failed > 0 {
		msg += fmt.Sprintf(", %d failed", res.Failed)
	}
	return msg
}
