package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/vectorinfinity/internal/domain"
	"gorm.io/gorm"
)

// ErrRunNotRunning is returned when a transition targets a run that is
// missing or already terminal.
var ErrRunNotRunning = errors.New("import run is not running")

// RunRepository persists import runs. Every write is a single autocommitted
// statement so pollers observe progress immediately.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a new RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a run. The partial unique index on running runs rejects a
// second running row for the same (account, source) with ErrDuplicate.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - run: run to persist; ID is generated when empty.
// Returns:
//   - error: ErrDuplicate when a run is already running for the pair.
func (r *RunRepository) Create(ctx context.Context, run *domain.ImportRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.StartedAt = run.StartedAt.UTC()
	return translate(r.db.WithContext(ctx).Create(run).Error)
}

// UpdateProgress writes the progress triple of a running run.
func (r *RunRepository) UpdateProgress(ctx context.Context, id string, current, total int, message string) error {
	return r.transition(ctx, id, map[string]interface{}{
		"progress_current": current,
		"progress_total":   total,
		"progress_message": message,
	})
}

// CloseSuccess moves a running run to success.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: run identifier.
//   - imported: inserts plus updates written by the run.
//   - failed: records skipped because of per-record errors.
//   - message: final progress message.
// Returns:
//   - error: ErrRunNotRunning if the run is missing or already terminal.
func (r *RunRepository) CloseSuccess(ctx context.Context, id string, imported, failed int, message string) error {
	return r.transition(ctx, id, map[string]interface{}{
		"status":           domain.RunStatusSuccess,
		"completed_at":     time.Now().UTC(),
		"records_imported": imported,
		"records_failed":   failed,
		"progress_message": message,
	})
}

// CloseError moves a running run to error. message must already be truncated.
func (r *RunRepository) CloseError(ctx context.Context, id string, imported, failed int, message string) error {
	return r.transition(ctx, id, map[string]interface{}{
		"status":           domain.RunStatusError,
		"completed_at":     time.Now().UTC(),
		"records_imported": imported,
		"records_failed":   failed,
		"error_message":    message,
		"progress_message": "Import failed",
	})
}

// transition applies updates only while the run is still running, so a run
// reaches a terminal state exactly once.
func (r *RunRepository) transition(ctx context.Context, id string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).
		Model(&domain.ImportRun{}).
		Where("id = ? AND status = ?", id, domain.RunStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRunNotRunning
	}
	return nil
}

// Get returns a run by ID.
func (r *RunRepository) Get(ctx context.Context, id string) (*domain.ImportRun, error) {
	var run domain.ImportRun
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&run).Error; err != nil {
		return nil, translate(err)
	}
	return &run, nil
}

// GetForAccount returns a run only if it belongs to accountID.
func (r *RunRepository) GetForAccount(ctx context.Context, accountID, id string) (*domain.ImportRun, error) {
	var run domain.ImportRun
	err := r.db.WithContext(ctx).
		Where("id = ? AND account_id = ?", id, accountID).
		Take(&run).Error
	if err != nil {
		return nil, translate(err)
	}
	return &run, nil
}

// List returns runs of an account newest first, optionally limited to one source.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - accountID: owning account.
//   - sourceName: source filter, "" for all sources.
//   - limit: maximum rows; non-positive means no limit.
// Returns:
//   - []domain.ImportRun: runs ordered by started_at descending.
//   - error: query error.
func (r *RunRepository) List(ctx context.Context, accountID, sourceName string, limit int) ([]domain.ImportRun, error) {
	var runs []domain.ImportRun
	q := r.db.WithContext(ctx).Where("account_id = ?", accountID)
	if sourceName != "" {
		q = q.Where("source_name = ?", sourceName)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("started_at DESC, id DESC").Find(&runs).Error
	return runs, err
}

// ListRunning returns every run still marked running.
func (r *RunRepository) ListRunning(ctx context.Context) ([]domain.ImportRun, error) {
	var runs []domain.ImportRun
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.RunStatusRunning).
		Order("started_at").
		Find(&runs).Error
	return runs, err
}

// MarkRunningInterrupted closes every running run as error with message and
// returns how many rows changed.
func (r *RunRepository) MarkRunningInterrupted(ctx context.Context, message string, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.ImportRun{}).
		Where("status = ?", domain.RunStatusRunning).
		Updates(map[string]interface{}{
			"status":           domain.RunStatusError,
			"error_message":    message,
			"progress_message": message,
			"completed_at":     now.UTC(),
		})
	return res.RowsAffected, res.Error
}

// DeleteWhere removes the runs of an account, optionally limited to one source.
func (r *RunRepository) DeleteWhere(ctx context.Context, accountID, sourceName string) (int64, error) {
	q := r.db.WithContext(ctx).Where("account_id = ?", accountID)
	if sourceName != "" {
		q = q.Where("source_name = ?", sourceName)
	}
	res := q.Delete(&domain.ImportRun{})
	return res.RowsAffected, res.Error
}

// CountAll returns the number of runs across all accounts.
func (r *RunRepository) CountAll(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.ImportRun{}).Count(&count).Error
	return count, err
}
