package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/timmy/vectorinfinity/internal/domain"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/source"
	"github.com/timmy/vectorinfinity/internal/storage"
)

// StartRequest asks the runner for one import.
type StartRequest struct {
	AccountID  string
	SourceName string
	// UploadKey is an object storage key staged to a temp file for the run.
	UploadKey string
	// UploadedFile is a local file used as is. Ignored when UploadKey is set.
	UploadedFile string
}

// Runner executes imports off the request path. At most one run per
// (account, source) is in flight; the ledger's unique index on running
// runs backs the in-memory gate across processes.
type Runner struct {
	coordinator *Coordinator
	ledger      *Ledger
	registry    *source.Registry
	storage     storage.ObjectStorage

	mu     sync.Mutex
	active map[string]string // gate key -> run id
	wg     sync.WaitGroup
}

// NewRunner creates a new Runner. objects may be nil when uploads are not
// supported.
func NewRunner(coordinator *Coordinator, ledger *Ledger, registry *source.Registry, objects storage.ObjectStorage) *Runner {
	return &Runner{
		coordinator: coordinator,
		ledger:      ledger,
		registry:    registry,
		storage:     objects,
		active:      make(map[string]string),
	}
}

func gateKey(accountID, sourceName string) string {
	return accountID + "\x00" + sourceName
}

func (r *Runner) acquire(accountID, sourceName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := gateKey(accountID, sourceName)
	if _, busy := r.active[key]; busy {
		return false
	}
	r.active[key] = ""
	return true
}

func (r *Runner) bind(accountID, sourceName, runID string) {
	r.mu.Lock()
	r.active[gateKey(accountID, sourceName)] = runID
	r.mu.Unlock()
}

func (r *Runner) release(accountID, sourceName string) {
	r.mu.Lock()
	delete(r.active, gateKey(accountID, sourceName))
	r.mu.Unlock()
}

// Reconcile closes runs orphaned by a previous process. Call it once at
// startup before Start is used.
func (r *Runner) Reconcile(ctx context.Context) (int64, error) {
	return r.ledger.Reconcile(ctx)
}

// Start opens a run and executes it on its own goroutine.
// Parameters:
//   - ctx: request context; only its logger fields carry over to the run.
//   - req: account, source, and optional upload.
// Returns:
//   - string: id of the opened run, pollable through the ledger.
//   - error: ErrSourceNotFound, ErrAlreadyRunning, or a ledger error.
func (r *Runner) Start(ctx context.Context, req StartRequest) (string, error) {
	if !r.registry.Has(req.SourceName) {
		return "", fmt.Errorf("%w: %s", ErrSourceNotFound, req.SourceName)
	}
	if !r.acquire(req.AccountID, req.SourceName) {
		return "", ErrAlreadyRunning
	}

	run, err := r.ledger.Open(ctx, req.AccountID, req.SourceName)
	if err != nil {
		r.release(req.AccountID, req.SourceName)
		return "", err
	}
	r.bind(req.AccountID, req.SourceName, run.ID)

	runCtx := logger.SetComponent(logger.Detach(ctx), "runner")
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(req.AccountID, req.SourceName)
		r.execute(runCtx, run, req)
	}()
	return run.ID, nil
}

// RunSync runs an import on the calling goroutine under the same gate.
func (r *Runner) RunSync(ctx context.Context, req StartRequest) (*ImportResult, error) {
	if !r.registry.Has(req.SourceName) {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, req.SourceName)
	}
	if !r.acquire(req.AccountID, req.SourceName) {
		return nil, ErrAlreadyRunning
	}
	defer r.release(req.AccountID, req.SourceName)

	run, err := r.ledger.Open(ctx, req.AccountID, req.SourceName)
	if err != nil {
		return nil, err
	}
	r.bind(req.AccountID, req.SourceName, run.ID)
	return r.execute(ctx, run, req)
}

func (r *Runner) execute(ctx context.Context, run *domain.ImportRun, req StartRequest) (res *ImportResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("import crashed: %v", p)
			logger.CtxError(ctx, "Import run %s panicked: %v", run.ID, p)
			if cerr := r.ledger.CloseError(logger.Detach(ctx), run.ID, 0, 0, err.Error()); cerr != nil {
				logger.CtxError(ctx, "Failed to close crashed run %s: %v", run.ID, cerr)
			}
			res = &ImportResult{RunID: run.ID, Status: domain.RunStatusError, Message: err.Error()}
		}
	}()

	file := req.UploadedFile
	if req.UploadKey != "" {
		staged, cleanup, serr := r.stage(ctx, req.UploadKey)
		if serr != nil {
			msg := fmt.Sprintf("failed to read uploaded file: %v", serr)
			if cerr := r.ledger.CloseError(ctx, run.ID, 0, 0, msg); cerr != nil {
				logger.CtxError(ctx, "Failed to close run %s: %v", run.ID, cerr)
			}
			return &ImportResult{RunID: run.ID, Status: domain.RunStatusError, Message: msg}, serr
		}
		defer cleanup()
		file = staged
	}

	return r.coordinator.Execute(ctx, run, ImportRequest{
		AccountID:    req.AccountID,
		SourceName:   req.SourceName,
		UploadedFile: file,
	})
}

// stage copies an uploaded object to a temp file that keeps its extension.
func (r *Runner) stage(ctx context.Context, key string) (string, func(), error) {
	if r.storage == nil {
		return "", nil, fmt.Errorf("object storage not configured")
	}
	rc, err := r.storage.Download(ctx, key)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()

	f, err := os.CreateTemp("", "vi-upload-*"+path.Ext(key))
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}

// Wait blocks until every started run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Active returns the number of runs in flight in this process.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// IsRunning reports whether (accountID, sourceName) has a run in flight.
func (r *Runner) IsRunning(accountID, sourceName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[gateKey(accountID, sourceName)]
	return ok
}

// RunningID returns the id of the in-flight run of (accountID, sourceName).
// The id is empty while the run is still being opened.
func (r *Runner) RunningID(accountID, sourceName string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[gateKey(accountID, sourceName)]
	return id, ok
}

// ActiveForAccount reports whether any run of accountID is in flight.
func (r *Runner) ActiveForAccount(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := accountID + "\x00"
	for key := range r.active {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
