package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/vectorinfinity/internal/domain"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/repository"
)

// RunView is the polled representation of an import run.
type RunView struct {
	domain.ImportRun
	ProgressPercent int `json:"progress_percent"`
}

func newRunView(run *domain.ImportRun) RunView {
	return RunView{ImportRun: *run, ProgressPercent: run.ProgressPercent()}
}

// Ledger tracks the lifecycle of import runs. Writes go straight to the
// store so pollers see them immediately.
type Ledger struct {
	runs       *repository.RunRepository
	maxMessage int
}

// NewLedger creates a new Ledger. maxMessage bounds stored error messages;
// non-positive values fall back to domain.MaxErrorMessageLen.
func NewLedger(runs *repository.RunRepository, maxMessage int) *Ledger {
	if maxMessage <= 0 {
		maxMessage = domain.MaxErrorMessageLen
	}
	return &Ledger{runs: runs, maxMessage: maxMessage}
}

// Open inserts a running run for (accountID, sourceName).
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - accountID: owning account.
//   - sourceName: source adapter name.
// Returns:
//   - *domain.ImportRun: the new run.
//   - error: ErrAlreadyRunning if the pair already has a running run.
func (l *Ledger) Open(ctx context.Context, accountID, sourceName string) (*domain.ImportRun, error) {
	run := &domain.ImportRun{
		AccountID:       accountID,
		SourceName:      sourceName,
		Status:          domain.RunStatusRunning,
		StartedAt:       time.Now().UTC(),
		ProgressMessage: domain.StartingMessage,
	}
	if err := l.runs.Create(ctx, run); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("failed to open import run: %w", err)
	}
	return run, nil
}

// UpdateProgress records the progress triple of a running run.
func (l *Ledger) UpdateProgress(ctx context.Context, runID string, current, total int, message string) error {
	return l.runs.UpdateProgress(ctx, runID, current, total, message)
}

// CloseSuccess finalizes a run as successful.
func (l *Ledger) CloseSuccess(ctx context.Context, runID string, imported, failed int, message string) error {
	return l.runs.CloseSuccess(ctx, runID, imported, failed, message)
}

// CloseError finalizes a run as failed. The message is truncated before it
// is stored.
func (l *Ledger) CloseError(ctx context.Context, runID string, imported, failed int, message string) error {
	return l.runs.CloseError(ctx, runID, imported, failed, domain.TruncateMessage(message, l.maxMessage))
}

// Get returns a run of accountID.
func (l *Ledger) Get(ctx context.Context, accountID, runID string) (*RunView, error) {
	run, err := l.runs.GetForAccount(ctx, accountID, runID)
	if err != nil {
		return nil, err
	}
	view := newRunView(run)
	return &view, nil
}

// List returns the most recent runs of an account, newest first.
func (l *Ledger) List(ctx context.Context, accountID, sourceName string, limit int) ([]RunView, error) {
	runs, err := l.runs.List(ctx, accountID, sourceName, limit)
	if err != nil {
		return nil, err
	}
	views := make([]RunView, len(runs))
	for i := range runs {
		views[i] = newRunView(&runs[i])
	}
	return views, nil
}

// Reconcile closes every run left running by a previous process as error.
// It must run before new imports are accepted.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - int64: number of runs closed.
//   - error: store error.
func (l *Ledger) Reconcile(ctx context.Context) (int64, error) {
	stuck, err := l.runs.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list running imports: %w", err)
	}
	for _, run := range stuck {
		logger.With(logger.Fields{
			logger.FieldRunID:     run.ID,
			logger.FieldAccountID: run.AccountID,
			logger.FieldSource:    run.SourceName,
		}).Warn(ctx, "Marking interrupted import run as failed (started %s)", run.StartedAt.Format(time.RFC3339))
	}

	n, err := l.runs.MarkRunningInterrupted(ctx, domain.InterruptedMessage, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile import runs: %w", err)
	}
	if n > 0 {
		logger.With(logger.Fields{logger.FieldCount: n}).Info(ctx, "Reconciled interrupted import runs")
	}
	return n, nil
}
