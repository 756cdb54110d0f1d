package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/timmy/vectorinfinity/internal/authstate"
	"github.com/timmy/vectorinfinity/internal/config"
	"github.com/timmy/vectorinfinity/internal/domain"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/repository"
	"github.com/timmy/vectorinfinity/internal/storage"
)

// IndexAdmin removes documents from the retrieval index.
type IndexAdmin interface {
	DeleteSource(ctx context.Context, accountID, sourceName string) error
	DropAccount(ctx context.Context, accountID string) error
	DropAll(ctx context.Context) (int, error)
}

// MaintenanceConfig holds the settings destructive operations need.
type MaintenanceConfig struct {
	UploadPrefix string
	BatchSize    int
	Database     *config.DatabaseConfig
}

// Maintenance implements reset, factory reset, re-upload, and statistics.
type Maintenance struct {
	records *repository.RecordRepository
	runs    *repository.RunRepository
	runner  *Runner
	batcher *Batcher
	index   IndexAdmin
	objects storage.ObjectStorage
	states  *authstate.Cache
	cfg     MaintenanceConfig
}

// NewMaintenance creates a new Maintenance service. batcher, index, objects,
// and states may be nil; the steps that need them are skipped.
func NewMaintenance(
	records *repository.RecordRepository,
	runs *repository.RunRepository,
	runner *Runner,
	batcher *Batcher,
	index IndexAdmin,
	objects storage.ObjectStorage,
	states *authstate.Cache,
	cfg MaintenanceConfig,
) *Maintenance {
	if cfg.UploadPrefix == "" {
		cfg.UploadPrefix = "uploads"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Maintenance{
		records: records,
		runs:    runs,
		runner:  runner,
		batcher: batcher,
		index:   index,
		objects: objects,
		states:  states,
		cfg:     cfg,
	}
}

// UploadKey returns the object key an uploaded file is stored under.
func (m *Maintenance) UploadKey(accountID, sourceName, name string) string {
	return UploadPrefix(m.cfg.UploadPrefix, accountID, sourceName) + name
}

// UploadPrefix returns the key prefix of a source's uploaded files.
func UploadPrefix(root, accountID, sourceName string) string {
	return strings.TrimSuffix(root, "/") + "/" + accountID + "/" + sourceName + "/"
}

// ResetResult reports what a reset removed.
type ResetResult struct {
	RecordsDeleted int64    `json:"records_deleted"`
	RunsDeleted    int64    `json:"runs_deleted"`
	UploadsDeleted int      `json:"uploads_deleted"`
	Warnings       []string `json:"warnings,omitempty"`
}

// ResetSource deletes every record and run of (accountID, sourceName) and,
// best effort, the source's index documents and uploads.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - accountID: owning account.
//   - sourceName: source to wipe.
// Returns:
//   - *ResetResult: deleted counts and best-effort warnings.
//   - error: ErrRunsActive while the pair is importing, or a store error.
func (m *Maintenance) ResetSource(ctx context.Context, accountID, sourceName string) (*ResetResult, error) {
	if m.runner != nil && m.runner.IsRunning(accountID, sourceName) {
		return nil, ErrRunsActive
	}
	if running, err := m.hasRunning(ctx, accountID, sourceName); err != nil {
		return nil, err
	} else if running {
		return nil, ErrRunsActive
	}

	res := &ResetResult{}
	var err error
	if res.RecordsDeleted, err = m.records.DeleteWhere(ctx, accountID, sourceName); err != nil {
		return nil, fmt.Errorf("failed to delete records: %w", err)
	}
	if res.RunsDeleted, err = m.runs.DeleteWhere(ctx, accountID, sourceName); err != nil {
		return nil, fmt.Errorf("failed to delete import runs: %w", err)
	}

	var warnings *multierror.Error
	if m.index != nil {
		if err := m.index.DeleteSource(ctx, accountID, sourceName); err != nil {
			warnings = multierror.Append(warnings, fmt.Errorf("index cleanup: %w", err))
		}
	}
	if m.objects != nil {
		n, err := storage.DeletePrefix(ctx, m.objects, UploadPrefix(m.cfg.UploadPrefix, accountID, sourceName))
		res.UploadsDeleted = n
		if err != nil {
			warnings = multierror.Append(warnings, fmt.Errorf("upload cleanup: %w", err))
		}
	}
	res.Warnings = warningStrings(ctx, warnings)

	logger.With(logger.Fields{
		logger.FieldAccountID: accountID,
		logger.FieldSource:    sourceName,
		logger.FieldCount:     res.RecordsDeleted,
	}).Info(ctx, "Source data reset (%d runs deleted)", res.RunsDeleted)
	return res, nil
}

func (m *Maintenance) hasRunning(ctx context.Context, accountID, sourceName string) (bool, error) {
	runs, err := m.runs.List(ctx, accountID, sourceName, 0)
	if err != nil {
		return false, err
	}
	for _, r := range runs {
		if r.Status == domain.RunStatusRunning {
			return true, nil
		}
	}
	return false, nil
}

// ClearAccountData deletes every record of an account. Runs are kept.
func (m *Maintenance) ClearAccountData(ctx context.Context, accountID string) (*ResetResult, error) {
	if m.runner != nil && m.runner.ActiveForAccount(accountID) {
		return nil, ErrRunsActive
	}
	if running, err := m.hasRunning(ctx, accountID, ""); err != nil {
		return nil, err
	} else if running {
		return nil, ErrRunsActive
	}

	n, err := m.records.DeleteWhere(ctx, accountID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to delete records: %w", err)
	}
	res := &ResetResult{RecordsDeleted: n}

	if m.index != nil {
		if err := m.index.DropAccount(ctx, accountID); err != nil {
			res.Warnings = warningStrings(ctx, multierror.Append(nil, fmt.Errorf("index cleanup: %w", err)))
		}
	}
	logger.With(logger.Fields{logger.FieldAccountID: accountID, logger.FieldCount: n}).Info(ctx, "Account data cleared")
	return res, nil
}

// FactoryResetResult reports what a factory reset removed.
type FactoryResetResult struct {
	RecordsDeleted     int64    `json:"records_deleted"`
	RunsDeleted        int64    `json:"runs_deleted"`
	UploadsDeleted     int      `json:"uploads_deleted"`
	CollectionsDropped int      `json:"collections_dropped"`
	Warnings           []string `json:"warnings,omitempty"`
}

// FactoryReset wipes uploads, the retrieval index, pending OAuth states,
// and recreates the schema. Cleanup failures are collected as warnings;
// only a failed schema reset is an error.
func (m *Maintenance) FactoryReset(ctx context.Context) (*FactoryResetResult, error) {
	if m.runner != nil && m.runner.Active() > 0 {
		return nil, ErrRunsActive
	}
	running, err := m.runs.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	if len(running) > 0 {
		return nil, ErrRunsActive
	}
	if m.cfg.Database == nil {
		return nil, fmt.Errorf("database configuration missing")
	}

	res := &FactoryResetResult{}
	var warnings *multierror.Error
	if res.RecordsDeleted, err = m.records.CountAll(ctx); err != nil {
		warnings = multierror.Append(warnings, fmt.Errorf("count records: %w", err))
	}
	if res.RunsDeleted, err = m.runs.CountAll(ctx); err != nil {
		warnings = multierror.Append(warnings, fmt.Errorf("count runs: %w", err))
	}

	if m.objects != nil {
		n, err := storage.DeletePrefix(ctx, m.objects, strings.TrimSuffix(m.cfg.UploadPrefix, "/")+"/")
		res.UploadsDeleted = n
		if err != nil {
			warnings = multierror.Append(warnings, fmt.Errorf("upload cleanup: %w", err))
		}
	}
	if m.index != nil {
		n, err := m.index.DropAll(ctx)
		res.CollectionsDropped = n
		if err != nil {
			warnings = multierror.Append(warnings, fmt.Errorf("index cleanup: %w", err))
		}
	}
	if m.states != nil {
		m.states.Clear()
	}

	if err := repository.ResetSchema(m.cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to recreate schema: %w", err)
	}
	res.Warnings = warningStrings(ctx, warnings)

	logger.With(logger.Fields{
		"records_deleted":     res.RecordsDeleted,
		"runs_deleted":        res.RunsDeleted,
		"uploads_deleted":     res.UploadsDeleted,
		"collections_dropped": res.CollectionsDropped,
	}).Warn(ctx, "Factory reset completed")
	return res, nil
}

// Reupload pushes stored records to the retrieval index again, one batcher
// call per source. It is the recovery path after indexing errors.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - accountID: owning account.
//   - sourceName: single source, or "" for every source of the account.
// Returns:
//   - map[string]UploadOutcome: outcome per source.
//   - error: ErrIndexDisabled without a batcher, or a store error.
func (m *Maintenance) Reupload(ctx context.Context, accountID, sourceName string) (map[string]UploadOutcome, error) {
	if m.batcher == nil {
		return nil, ErrIndexDisabled
	}

	sources := []string{sourceName}
	if sourceName == "" {
		counts, err := m.records.CountBySource(ctx, accountID)
		if err != nil {
			return nil, err
		}
		sources = sources[:0]
		for _, c := range counts {
			sources = append(sources, c.Key)
		}
	}

	out := make(map[string]UploadOutcome, len(sources))
	for _, src := range sources {
		var records []domain.ImportedRecord
		err := m.records.EachBatch(ctx, accountID, src, m.cfg.BatchSize, func(batch []domain.ImportedRecord) error {
			records = append(records, batch...)
			return nil
		})
		if err != nil {
			return out, fmt.Errorf("failed to load records of %s: %w", src, err)
		}
		out[src] = m.batcher.Upload(ctx, accountID, src, records)
		logger.With(logger.Fields{logger.FieldSource: src, logger.FieldCount: len(records)}).Info(ctx, "Re-uploaded records")
	}
	return out, nil
}

// Stats summarizes an account's stored records.
type Stats struct {
	Total    int64            `json:"total"`
	BySource map[string]int64 `json:"by_source"`
	ByKind   map[string]int64 `json:"by_kind"`
}

// Stats returns record counts of an account.
func (m *Maintenance) Stats(ctx context.Context, accountID string) (*Stats, error) {
	total, err := m.records.Count(ctx, accountID, "")
	if err != nil {
		return nil, err
	}
	bySource, err := m.records.CountBySource(ctx, accountID)
	if err != nil {
		return nil, err
	}
	byKind, err := m.records.CountByKind(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Stats{Total: total, BySource: toCountMap(bySource), ByKind: toCountMap(byKind)}, nil
}

func toCountMap(rows []repository.KeyCount) map[string]int64 {
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Count
	}
	return out
}

func warningStrings(ctx context.Context, errs *multierror.Error) []string {
	if errs == nil {
		return nil
	}
	out := make([]string, len(errs.Errors))
	for i, err := range errs.Errors {
		out[i] = err.Error()
		logger.CtxWarn(ctx, "Cleanup step failed: %v", err)
	}
	return out
}
