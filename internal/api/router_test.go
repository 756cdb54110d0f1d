package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/vectorinfinity/internal/api/handler"
	"github.com/timmy/vectorinfinity/internal/api/middleware"
	"github.com/timmy/vectorinfinity/internal/authstate"
	"github.com/timmy/vectorinfinity/internal/config"
	"github.com/timmy/vectorinfinity/internal/repository"
	"github.com/timmy/vectorinfinity/internal/service"
	"github.com/timmy/vectorinfinity/internal/source"
	"github.com/timmy/vectorinfinity/internal/storage"
)

const (
	testAccount = "acc"
	adminToken  = "s3cret"
)

// notesAdapter is configurable, OAuth-capable, and testable. Fetch blocks
// while gate is set.
type notesAdapter struct {
	gate  <-chan struct{}
	token string
}

func (a *notesAdapter) Name() string { return "notes" }

func (a *notesAdapter) Fetch(ctx context.Context) ([]source.Record, error) {
	if a.gate != nil {
		<-a.gate
	}
	return []source.Record{
		{SourceID: "n1", Kind: "note", Title: "One", Content: "first"},
		{SourceID: "n2", Kind: "note", Title: "Two", Content: "second"},
	}, nil
}

func (a *notesAdapter) ValidateConfig(cfg map[string]interface{}) error {
	if source.StringValue(cfg, "token") == "" {
		return errors.New("token is required")
	}
	return nil
}

func (a *notesAdapter) Configure(cfg map[string]interface{}) { a.token = source.StringValue(cfg, "token") }

func (a *notesAdapter) SanitizeConfig(cfg map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"token_configured": source.StringValue(cfg, "token") != ""}
}

func (a *notesAdapter) TestConnection(ctx context.Context) error {
	if a.token != "good" {
		return errors.New("upstream rejected token")
	}
	return nil
}

func (a *notesAdapter) AuthorizeURL(state, redirectURL string) (string, error) {
	q := url.Values{"state": {state}, "redirect_uri": {redirectURL}}
	return "https://provider.example/authorize?" + q.Encode(), nil
}

// linesAdapter imports one record per line of the uploaded file.
type linesAdapter struct{ path string }

func (a *linesAdapter) Name() string             { return "lines" }
func (a *linesAdapter) RequiresFileUpload() bool { return true }
func (a *linesAdapter) SetUploadedFile(p string) { a.path = p }

func (a *linesAdapter) Fetch(ctx context.Context) ([]source.Record, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []source.Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, source.Record{SourceID: line, Kind: "line", Content: line})
		}
	}
	return out, sc.Err()
}

type testServer struct {
	router   http.Handler
	accounts *repository.AccountRepository
	bindings *repository.BindingRepository
	runner   *service.Runner
	states   *authstate.Cache

	mu   sync.Mutex
	gate chan struct{}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dbCfg := &config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "api.db")}
	require.NoError(t, repository.Migrate(dbCfg))
	db, err := repository.InitDB(dbCfg)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	objects, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ts := &testServer{
		accounts: repository.NewAccountRepository(db),
		bindings: repository.NewBindingRepository(db),
		states:   authstate.New(time.Minute, 10),
	}
	records := repository.NewRecordRepository(db)
	runs := repository.NewRunRepository(db)

	registry := source.NewRegistry()
	registry.Register("notes", func() source.Adapter {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return &notesAdapter{gate: ts.gate}
	})
	registry.Register("lines", func() source.Adapter { return &linesAdapter{} })

	ledger := service.NewLedger(runs, 0)
	coordinator := service.NewCoordinator(ts.bindings, records, ledger, registry, nil, service.CoordinatorConfig{
		FetchTimeout: 5 * time.Second,
	})
	ts.runner = service.NewRunner(coordinator, ledger, registry, objects)
	t.Cleanup(ts.runner.Wait)
	maintenance := service.NewMaintenance(records, runs, ts.runner, nil, nil, objects, ts.states, service.MaintenanceConfig{
		Database: dbCfg,
	})

	ts.router = SetupRouter(&Services{
		DB:          sqlDB,
		Accounts:    ts.accounts,
		Bindings:    ts.bindings,
		Registry:    registry,
		Runner:      ts.runner,
		Ledger:      ledger,
		Maintenance: maintenance,
		Search:      service.NewSearchService(nil, nil),
		Objects:     objects,
		States:      ts.states,
	}, &config.ServerConfig{
		Mode:       "test",
		AdminToken: adminToken,
		CORS:       config.CORSConfig{AllowedOrigins: []string{"https://app.example"}},
	}, &config.AuthConfig{RedirectBaseURL: "https://hub.example/"})

	ctx := context.Background()
	_, err = ts.accounts.Create(ctx, testAccount, "Test")
	require.NoError(t, err)
	require.NoError(t, ts.accounts.SetActive(ctx, testAccount, true))
	return ts
}

func (ts *testServer) hold() chan struct{} {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.gate = make(chan struct{})
	return ts.gate
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) as(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, method, path, body, map[string]string{middleware.HeaderAccountID: testAccount})
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (ts *testServer) waitRun(t *testing.T, runID string) map[string]interface{} {
	t.Helper()
	ts.runner.Wait()
	w := ts.as(t, http.MethodGet, "/api/v1/imports/"+runID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode(t, w)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))

	w = ts.do(t, http.MethodGet, "/health", nil, map[string]string{middleware.HeaderRequestID: "req-123"})
	assert.Equal(t, "req-123", w.Header().Get(middleware.HeaderRequestID))
}

func TestAccountScope(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, err := ts.accounts.Create(ctx, "idle", "Idle")
	require.NoError(t, err)

	tests := []struct {
		name    string
		account string
		want    int
	}{
		{name: "missing header", account: "", want: http.StatusUnauthorized},
		{name: "unknown account", account: "ghost", want: http.StatusUnauthorized},
		{name: "inactive account", account: "idle", want: http.StatusForbidden},
		{name: "active account", account: testAccount, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.account != "" {
				headers[middleware.HeaderAccountID] = tt.account
			}
			w := ts.do(t, http.MethodGet, "/api/v1/sources", nil, headers)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodOptions, "/api/v1/sources", nil, map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), middleware.HeaderAccountID)

	w = ts.do(t, http.MethodOptions, "/api/v1/sources", nil, map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSourceConfiguration(t *testing.T) {
	ts := newTestServer(t)

	w := ts.as(t, http.MethodPut, "/api/v1/sources/notes/config", jsonBody{"config": jsonBody{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "token is required")

	w = ts.as(t, http.MethodPut, "/api/v1/sources/nope/config", jsonBody{"config": jsonBody{"token": "x"}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.as(t, http.MethodPut, "/api/v1/sources/notes/config", jsonBody{"config": jsonBody{"token": "good"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, jsonBody{"token_configured": true}, jsonBody(body["config"].(map[string]interface{})))

	w = ts.as(t, http.MethodGet, "/api/v1/sources", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sources []handler.SourceView `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Sources, 2)
	assert.Equal(t, "lines", list.Sources[0].Name)
	assert.False(t, list.Sources[0].Configured)
	assert.True(t, list.Sources[0].RequiresFileUpload)
	assert.Equal(t, "notes", list.Sources[1].Name)
	assert.True(t, list.Sources[1].Configured)
	assert.True(t, list.Sources[1].OAuth)
	assert.True(t, list.Sources[1].ConnectionTest)
	assert.NotContains(t, w.Body.String(), "good")

	w = ts.as(t, http.MethodPost, "/api/v1/sources/notes/toggle", jsonBody{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	b, err := ts.bindings.Get(context.Background(), testAccount, "notes")
	require.NoError(t, err)
	assert.False(t, b.Enabled)

	w = ts.as(t, http.MethodPost, "/api/v1/sources/notes/toggle", jsonBody{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.as(t, http.MethodPost, "/api/v1/sources/lines/toggle", jsonBody{"enabled": true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.as(t, http.MethodPost, "/api/v1/sources/notes/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["ok"])

	_, err = ts.bindings.Upsert(context.Background(), testAccount, "notes", map[string]interface{}{"token": "bad"}, true)
	require.NoError(t, err)
	w = ts.as(t, http.MethodPost, "/api/v1/sources/notes/test", nil)
	body = decode(t, w)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "upstream rejected token", body["error"])

	w = ts.as(t, http.MethodPost, "/api/v1/sources/lines/test", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportLifecycle(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.bindings.Upsert(context.Background(), testAccount, "notes", map[string]interface{}{"token": "good"}, true)
	require.NoError(t, err)
	gate := ts.hold()

	w := ts.as(t, http.MethodPost, "/api/v1/imports/notes", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	runID, _ := decode(t, w)["run_id"].(string)
	require.NotEmpty(t, runID)

	w = ts.as(t, http.MethodPost, "/api/v1/imports/notes", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, runID, decode(t, w)["run_id"])

	w = ts.as(t, http.MethodGet, "/api/v1/imports/"+runID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", decode(t, w)["status"])

	close(gate)
	run := ts.waitRun(t, runID)
	assert.Equal(t, "success", run["status"])
	assert.Equal(t, float64(2), run["records_imported"])
	assert.Equal(t, float64(100), run["progress_percent"])

	w = ts.as(t, http.MethodGet, "/api/v1/imports?source=notes&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = ts.as(t, http.MethodGet, "/api/v1/imports?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.as(t, http.MethodPost, "/api/v1/imports/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Another account cannot see the run.
	ctx := context.Background()
	_, err = ts.accounts.Create(ctx, "other", "Other")
	require.NoError(t, err)
	require.NoError(t, ts.accounts.SetActive(ctx, "other", true))
	w = ts.do(t, http.MethodGet, "/api/v1/imports/"+runID, nil, map[string]string{middleware.HeaderAccountID: "other"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImportWithUpload(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.bindings.Upsert(context.Background(), testAccount, "lines", nil, true)
	require.NoError(t, err)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "export.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("alpha\nbeta\ngamma\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/lines", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(middleware.HeaderAccountID, testAccount)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	run := ts.waitRun(t, decode(t, w)["run_id"].(string))
	assert.Equal(t, "success", run["status"])
	assert.Equal(t, float64(3), run["records_imported"])

	// Without a file the upload source fails its run with a configuration error.
	w = ts.as(t, http.MethodPost, "/api/v1/imports/lines", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	run = ts.waitRun(t, decode(t, w)["run_id"].(string))
	assert.Equal(t, "error", run["status"])
	assert.Contains(t, run["error_message"], "requires a file upload")
}

func TestDataEndpoints(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.bindings.Upsert(context.Background(), testAccount, "notes", map[string]interface{}{"token": "good"}, true)
	require.NoError(t, err)
	w := ts.as(t, http.MethodPost, "/api/v1/imports/notes", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	ts.waitRun(t, decode(t, w)["run_id"].(string))

	w = ts.as(t, http.MethodGet, "/api/v1/data/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats service.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, map[string]int64{"notes": 2}, stats.BySource)

	w = ts.as(t, http.MethodPost, "/api/v1/data/notes/reset", jsonBody{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.as(t, http.MethodPost, "/api/v1/data/notes/reset", jsonBody{"confirm": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(2), decode(t, w)["records_deleted"])

	w = ts.as(t, http.MethodPost, "/api/v1/data/clear", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.as(t, http.MethodPost, "/api/v1/data/clear", jsonBody{"confirm": true})
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.as(t, http.MethodPost, "/api/v1/data/reupload", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDataResetConflictsWithRunningImport(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.bindings.Upsert(context.Background(), testAccount, "notes", map[string]interface{}{"token": "good"}, true)
	require.NoError(t, err)
	gate := ts.hold()
	w := ts.as(t, http.MethodPost, "/api/v1/imports/notes", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.as(t, http.MethodPost, "/api/v1/data/notes/reset", jsonBody{"confirm": true})
	assert.Equal(t, http.StatusConflict, w.Code)

	close(gate)
	ts.runner.Wait()
}

func TestSearchWithoutIndex(t *testing.T) {
	ts := newTestServer(t)
	w := ts.as(t, http.MethodPost, "/api/v1/search", jsonBody{"query": "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = ts.as(t, http.MethodPost, "/api/v1/search", jsonBody{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.as(t, http.MethodGet, "/api/v1/search", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOAuthFlow(t *testing.T) {
	ts := newTestServer(t)

	w := ts.as(t, http.MethodGet, "/api/v1/auth/lines/start", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.as(t, http.MethodGet, "/api/v1/auth/notes/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	state := body["state"].(string)
	assert.Contains(t, body["authorize_url"], url.QueryEscape("https://hub.example/auth/callback"))
	assert.Equal(t, 1, ts.states.Len())

	w = ts.do(t, http.MethodGet, "/auth/callback?state="+state+"&code=abc", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	b, err := ts.bindings.Get(context.Background(), testAccount, "notes")
	require.NoError(t, err)
	assert.Equal(t, "abc", b.ConfigMap()[handler.ConfigOAuthCode])

	// States are single use.
	w = ts.do(t, http.MethodGet, "/auth/callback?state="+state+"&code=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOAuthCallbackRedirects(t *testing.T) {
	ts := newTestServer(t)
	w := ts.as(t, http.MethodGet, "/api/v1/auth/notes/start?redirect="+url.QueryEscape("https://app.example/settings"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode(t, w)["state"].(string)

	w = ts.do(t, http.MethodGet, "/auth/callback?state="+state+"&error=access_denied", nil, nil)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example", loc.Host)
	assert.Equal(t, "error", loc.Query().Get("status"))
	assert.Equal(t, "notes", loc.Query().Get("source"))
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)
	admin := map[string]string{middleware.HeaderAdminToken: adminToken}

	w := ts.do(t, http.MethodPost, "/admin/accounts", jsonBody{"name": "New"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = ts.do(t, http.MethodPost, "/admin/accounts", jsonBody{"name": "New"}, map[string]string{middleware.HeaderAdminToken: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/admin/accounts", jsonBody{"id": "new", "name": "New"}, admin)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, false, decode(t, w)["active"])

	w = ts.do(t, http.MethodPost, "/admin/accounts", jsonBody{"id": "new", "name": "Again"}, admin)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/admin/accounts/new/activate", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/sources", nil, map[string]string{middleware.HeaderAccountID: "new"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/admin/accounts/missing/deactivate", nil, admin)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/admin/accounts", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["total"])

	w = ts.do(t, http.MethodDelete, "/admin/accounts/new", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	_, err := ts.accounts.Get(context.Background(), "new")
	assert.True(t, errors.Is(err, repository.ErrNotFound))

	w = ts.do(t, http.MethodPost, "/admin/factory-reset", jsonBody{}, admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodPost, "/admin/factory-reset", jsonBody{"confirm": true}, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	accounts, err := ts.accounts.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	r := SetupRouter(&Services{}, &config.ServerConfig{Mode: "test"}, &config.AuthConfig{})
	req := httptest.NewRequest(http.MethodGet, "/admin/accounts", nil)
	req.Header.Set(middleware.HeaderAdminToken, "")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// jsonBody is a shorthand for JSON request bodies.
type jsonBody = map[string]interface{}
