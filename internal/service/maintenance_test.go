package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/vectorinfinity/internal/authstate"
	"github.com/timmy/vectorinfinity/internal/storage"
)

type fakeIndexAdmin struct {
	deleted   []string
	dropped   []string
	dropAll   int
	deleteErr error
}

func (f *fakeIndexAdmin) DeleteSource(ctx context.Context, accountID, sourceName string) error {
	f.deleted = append(f.deleted, accountID+"/"+sourceName)
	return f.deleteErr
}

func (f *fakeIndexAdmin) DropAccount(ctx context.Context, accountID string) error {
	f.dropped = append(f.dropped, accountID)
	return nil
}

func (f *fakeIndexAdmin) DropAll(ctx context.Context) (int, error) {
	f.dropAll++
	return 2, nil
}

type maintenanceFixture struct {
	*testEnv
	index   *fakeIndexAdmin
	objects *storage.LocalStorage
	states  *authstate.Cache
	m       *Maintenance
}

func newMaintenanceFixture(t *testing.T) *maintenanceFixture {
	t.Helper()
	env := newTestEnv(t)
	objects, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	f := &maintenanceFixture{
		testEnv: env,
		index:   &fakeIndexAdmin{},
		objects: objects,
		states:  authstate.New(0, 0),
	}
	f.m = NewMaintenance(env.records, env.runs, env.runner, env.batcher, f.index, objects, f.states, MaintenanceConfig{
		UploadPrefix: "uploads",
		BatchSize:    2,
		Database:     env.dbCfg,
	})
	return f
}

func (f *maintenanceFixture) upload(t *testing.T, key string) {
	t.Helper()
	require.NoError(t, f.objects.Upload(context.Background(), key, strings.NewReader("x"), 1, "text/plain"))
}

func TestMaintenance_UploadKey(t *testing.T) {
	f := newMaintenanceFixture(t)
	assert.Equal(t, "uploads/acc/whatsapp/chat.zip", f.m.UploadKey("acc", "whatsapp", "chat.zip"))
	assert.Equal(t, "root/a/b/", UploadPrefix("root/", "a", "b"))
}

func TestMaintenance_ResetSource(t *testing.T) {
	f := newMaintenanceFixture(t)
	ctx := context.Background()
	f.stub.records = threeRecords()
	f.plain.records = threeRecords()
	_, err := f.run(t, "stub")
	require.NoError(t, err)
	_, err = f.run(t, "plain")
	require.NoError(t, err)
	f.upload(t, f.m.UploadKey(testAccount, "stub", "a.txt"))
	f.upload(t, f.m.UploadKey(testAccount, "plain", "b.txt"))

	res, err := f.m.ResetSource(ctx, testAccount, "stub")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RecordsDeleted)
	assert.Equal(t, int64(1), res.RunsDeleted)
	assert.Equal(t, 1, res.UploadsDeleted)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, []string{"acc/stub"}, f.index.deleted)

	assert.Equal(t, int64(0), f.count(t, "stub"))
	assert.Equal(t, int64(3), f.count(t, "plain"), "other sources untouched")
	keys, err := f.objects.List(ctx, "uploads/")
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/acc/plain/b.txt"}, keys)

	// A full fetch follows because the watermark is gone.
	_, err = f.run(t, "stub")
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.count(t, "stub"))
}

func TestMaintenance_ResetSourceIndexFailureIsWarning(t *testing.T) {
	f := newMaintenanceFixture(t)
	f.index.deleteErr = errors.New("qdrant unavailable")
	f.stub.records = threeRecords()
	_, err := f.run(t, "stub")
	require.NoError(t, err)

	res, err := f.m.ResetSource(context.Background(), testAccount, "stub")
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "qdrant unavailable")
	assert.Equal(t, int64(0), f.count(t, "stub"))
}

func TestMaintenance_RefusesWhileRunning(t *testing.T) {
	f := newMaintenanceFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Open(ctx, testAccount, "stub")
	require.NoError(t, err)

	_, err = f.m.ResetSource(ctx, testAccount, "stub")
	assert.True(t, errors.Is(err, ErrRunsActive))
	_, err = f.m.ClearAccountData(ctx, testAccount)
	assert.True(t, errors.Is(err, ErrRunsActive))
	_, err = f.m.FactoryReset(ctx)
	assert.True(t, errors.Is(err, ErrRunsActive))

	_, err = f.m.ResetSource(ctx, testAccount, "plain")
	assert.NoError(t, err, "other sources can still be reset")
}

func TestMaintenance_ClearAccountDataKeepsRuns(t *testing.T) {
	f := newMaintenanceFixture(t)
	ctx := context.Background()
	f.stub.records = threeRecords()
	f.plain.records = threeRecords()
	_, err := f.run(t, "stub")
	require.NoError(t, err)
	_, err = f.run(t, "plain")
	require.NoError(t, err)

	res, err := f.m.ClearAccountData(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.RecordsDeleted)
	assert.Equal(t, []string{testAccount}, f.index.dropped)

	runs, err := f.ledger.List(ctx, testAccount, "", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestMaintenance_Stats(t *testing.T) {
	f := newMaintenanceFixture(t)
	f.stub.records = threeRecords()
	f.plain.records = threeRecords()[:2]
	f.plain.records[0].Kind = "note"
	_, err := f.run(t, "stub")
	require.NoError(t, err)
	_, err = f.run(t, "plain")
	require.NoError(t, err)

	stats, err := f.m.Stats(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, map[string]int64{"stub": 3, "plain": 2}, stats.BySource)
	assert.Equal(t, map[string]int64{"entry": 4, "note": 1}, stats.ByKind)
}

func TestMaintenance_Reupload(t *testing.T) {
	f := newMaintenanceFixture(t)
	f.stub.records = threeRecords()
	f.plain.records = threeRecords()[:1]
	_, err := f.run(t, "stub")
	require.NoError(t, err)
	_, err = f.run(t, "plain")
	require.NoError(t, err)
	before := len(f.store.sizes())

	out, err := f.m.Reupload(context.Background(), testAccount, "")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 3, out["stub"].Uploaded)
	assert.Equal(t, 1, out["plain"].Uploaded)
	assert.Equal(t, before+2, len(f.store.sizes()))

	out, err = f.m.Reupload(context.Background(), testAccount, "stub")
	require.NoError(t, err)
	assert.Len(t, out, 1)

	noIndex := NewMaintenance(f.records, f.runs, f.runner, nil, nil, nil, nil, MaintenanceConfig{})
	_, err = noIndex.Reupload(context.Background(), testAccount, "")
	assert.True(t, errors.Is(err, ErrIndexDisabled))
}

func TestMaintenance_FactoryReset(t *testing.T) {
	f := newMaintenanceFixture(t)
	ctx := context.Background()
	f.stub.records = threeRecords()
	_, err := f.run(t, "stub")
	require.NoError(t, err)
	f.upload(t, f.m.UploadKey(testAccount, "stub", "a.txt"))
	f.states.Begin(authstate.Pending{AccountID: testAccount, SourceName: "github"})

	res, err := f.m.FactoryReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RecordsDeleted)
	assert.Equal(t, int64(1), res.RunsDeleted)
	assert.Equal(t, 1, res.UploadsDeleted)
	assert.Equal(t, 2, res.CollectionsDropped)
	assert.Equal(t, 1, f.index.dropAll)
	assert.Equal(t, 0, f.states.Len())

	n, err := f.records.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	accounts, err := f.accounts.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}
