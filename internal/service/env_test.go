package service

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/vectorinfinity/internal/config"
	"github.com/timmy/vectorinfinity/internal/domain"
	"github.com/timmy/vectorinfinity/internal/repository"
	"github.com/timmy/vectorinfinity/internal/source"
	"gorm.io/gorm"
)

const testAccount = "acc"

// stubAdapter serves canned records and supports incremental fetch and
// update detection through metadata "rev".
type stubAdapter struct {
	mu            sync.Mutex
	records       []source.Record
	err           error
	panicMsg      string
	block         chan struct{}
	ignoreCtx     bool
	panicOnUpdate bool
	since         *time.Time
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) Fetch(ctx context.Context) ([]source.Record, error) {
	a.mu.Lock()
	records := append([]source.Record(nil), a.records...)
	err, panicMsg, block, ignoreCtx := a.err, a.panicMsg, a.block, a.ignoreCtx
	a.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if block != nil {
		if ignoreCtx {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return records, err
}

func (a *stubAdapter) SetLatestTimestamp(ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.since = &ts
}

func (a *stubAdapter) ShouldUpdate(existing *domain.ImportedRecord, incoming *source.Record) bool {
	if a.panicOnUpdate {
		panic("decider exploded")
	}
	return incoming.MetadataString("rev") != existing.MetadataString("rev")
}

func (a *stubAdapter) set(fn func(a *stubAdapter)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a)
}

func (a *stubAdapter) watermark() *time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.since
}

// plainAdapter has no optional capabilities.
type plainAdapter struct {
	records []source.Record
}

func (a *plainAdapter) Name() string { return "plain" }

func (a *plainAdapter) Fetch(ctx context.Context) ([]source.Record, error) {
	return append([]source.Record(nil), a.records...), nil
}

// uploadAdapter turns each line of the uploaded file into a record.
type uploadAdapter struct {
	path string
}

func (a *uploadAdapter) Name() string             { return "upload" }
func (a *uploadAdapter) RequiresFileUpload() bool { return true }
func (a *uploadAdapter) SetUploadedFile(p string) { a.path = p }

func (a *uploadAdapter) Fetch(ctx context.Context) ([]source.Record, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []source.Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out = append(out, source.Record{SourceID: line, Kind: "entry", Content: line})
	}
	return out, scanner.Err()
}

type testEnv struct {
	db          *gorm.DB
	dbCfg       *config.DatabaseConfig
	accounts    *repository.AccountRepository
	bindings    *repository.BindingRepository
	records     *repository.RecordRepository
	runs        *repository.RunRepository
	ledger      *Ledger
	registry    *source.Registry
	stub        *stubAdapter
	plain       *plainAdapter
	store       *fakeStore
	batcher     *Batcher
	coordinator *Coordinator
	runner      *Runner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dbCfg := &config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "service.db"),
	}
	require.NoError(t, repository.Migrate(dbCfg))
	db, err := repository.InitDB(dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	env := &testEnv{
		db:       db,
		dbCfg:    dbCfg,
		accounts: repository.NewAccountRepository(db),
		bindings: repository.NewBindingRepository(db),
		records:  repository.NewRecordRepository(db),
		runs:     repository.NewRunRepository(db),
		stub:     &stubAdapter{},
		plain:    &plainAdapter{},
		store:    &fakeStore{},
	}
	env.ledger = NewLedger(env.runs, domain.MaxErrorMessageLen)

	env.registry = source.NewRegistry()
	env.registry.Register("stub", func() source.Adapter { return env.stub })
	env.registry.Register("plain", func() source.Adapter { return env.plain })
	env.registry.Register("upload", func() source.Adapter { return &uploadAdapter{} })

	env.batcher = NewBatcher(env.store, BatcherConfig{
		BatchSize:        500,
		FinalWaitTimeout: time.Second,
		PollInterval:     5 * time.Millisecond,
	})
	env.coordinator = NewCoordinator(env.bindings, env.records, env.ledger, env.registry, env.batcher, CoordinatorConfig{
		ProgressEvery: 10,
		FetchTimeout:  5 * time.Second,
	})
	env.runner = NewRunner(env.coordinator, env.ledger, env.registry, nil)

	ctx := context.Background()
	_, err = env.accounts.Create(ctx, testAccount, "Test")
	require.NoError(t, err)
	require.NoError(t, env.accounts.SetActive(ctx, testAccount, true))
	for _, name := range []string{"stub", "plain", "upload"} {
		_, err := env.bindings.Upsert(ctx, testAccount, name, map[string]interface{}{}, true)
		require.NoError(t, err)
	}
	return env
}

func (e *testEnv) run(t *testing.T, sourceName string) (*ImportResult, error) {
	t.Helper()
	return e.coordinator.Run(context.Background(), ImportRequest{AccountID: testAccount, SourceName: sourceName})
}

func (e *testEnv) count(t *testing.T, sourceName string) int64 {
	t.Helper()
	n, err := e.records.Count(context.Background(), testAccount, sourceName)
	require.NoError(t, err)
	return n
}

func (e *testEnv) lastRun(t *testing.T, sourceName string) RunView {
	t.Helper()
	runs, err := e.ledger.List(context.Background(), testAccount, sourceName, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func rec(id, content, rev string, ts *time.Time) source.Record {
	return source.Record{
		SourceID:        id,
		Kind:            "entry",
		Title:           "Title " + id,
		Content:         content,
		Metadata:        map[string]interface{}{"rev": rev},
		SourceTimestamp: ts,
	}
}

func threeRecords() []source.Record {
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	out := make([]source.Record, 3)
	for i := range out {
		ts := base.Add(time.Duration(i) * time.Hour)
		out[i] = rec(fmt.Sprintf("r%d", i), fmt.Sprintf("body %d", i), "1", &ts)
	}
	return out
}
