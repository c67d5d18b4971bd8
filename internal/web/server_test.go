package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvmerge/internal/config"
	"github.com/JonMunkholm/csvmerge/internal/core"
	"github.com/JonMunkholm/csvmerge/internal/engine"
	"github.com/JonMunkholm/csvmerge/internal/engine/enginetest"
	"github.com/JonMunkholm/csvmerge/internal/engine/sqlite"
	"github.com/JonMunkholm/csvmerge/internal/source"
)

type testEnv struct {
	server *Server
	engine *sqlite.Engine
}

func newTestEnv(t *testing.T, modify func(*config.Config), jobs Jobs) *testEnv {
	t.Helper()
	ce, err := engine.Open(context.Background(), sqlite.Name, engine.Options{
		DSN:      filepath.Join(t.TempDir(), "web.sqlite"),
		MaxConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ce.Close() })
	e := ce.(*sqlite.Engine)

	_, err = e.DB().Exec(`CREATE TABLE stock (id INTEGER PRIMARY KEY, isbn VARCHAR(13) UNIQUE, price NUMERIC, stock INTEGER)`)
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{MaxUploadSize: 1 << 20},
		Source: config.SourceConfig{TempDir: t.TempDir()},
	}
	if modify != nil {
		modify(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := core.NewService(
		core.NewLoader(e, core.WithLogger(logger)),
		core.NewLoadLimiter(2, time.Second),
		source.New(source.Config{TempDir: cfg.Source.TempDir}),
		core.ServiceConfig{Timeout: time.Minute, Defaults: core.Defaults{ReplaceDuplicates: true}},
	)
	return &testEnv{server: NewServer(svc, jobs, cfg), engine: e}
}

func (env *testEnv) count(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, env.engine.DB().QueryRow(`SELECT COUNT(*) FROM stock`).Scan(&n))
	return n
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	return rec
}

// uploadRequest builds a multipart load request for a fixture file.
func uploadRequest(t *testing.T, table, fixture string, fields map[string]string) *http.Request {
	t.Helper()
	data, err := os.ReadFile(enginetest.Fixture(t, fixture))
	require.NoError(t, err)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", fixture)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/tables/"+table+"/load", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[healthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Loads.MaxConcurrent)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoad_Multipart(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(uploadRequest(t, "stock", "initial_data.csv", map[string]string{"fields": "isbn, price, stock"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[core.Result](t, rec)
	assert.Equal(t, int64(16), res.RowsInserted)
	assert.Equal(t, []string{"isbn"}, res.Key)
	assert.Len(t, res.Checksum, 16)
	assert.Equal(t, int64(16), env.count(t))

	rec = env.do(uploadRequest(t, "stock", "extra_data.csv", map[string]string{"fields": "isbn,price,stock"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(20), env.count(t))
}

func TestLoad_MultipartOptions(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(uploadRequest(t, "stock", "with_header.csv", map[string]string{
		"fields": "isbn,price,stock",
		"header": "true",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(4), env.count(t))

	rec = env.do(uploadRequest(t, "stock", "pipe_separated.csv", map[string]string{
		"fields":    "isbn,price,stock",
		"delimiter": "|",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(20), env.count(t))
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name     string
		table    string
		fixture  string
		fields   map[string]string
		wantCode int
		wantKind string
	}{
		{
			name:     "bad bool",
			table:    "stock",
			fixture:  "initial_data.csv",
			fields:   map[string]string{"header": "maybe"},
			wantCode: http.StatusBadRequest,
			wantKind: core.KindInvalidRequest.String(),
		},
		{
			name:     "unknown table",
			table:    "nope",
			fixture:  "initial_data.csv",
			fields:   map[string]string{"fields": "isbn,price,stock"},
			wantCode: http.StatusNotFound,
			wantKind: core.KindSchema.String(),
		},
		{
			name:     "unknown column",
			table:    "stock",
			fixture:  "initial_data.csv",
			fields:   map[string]string{"fields": "isbn,cost,stock"},
			wantCode: http.StatusUnprocessableEntity,
			wantKind: core.KindSchema.String(),
		},
		{
			name:     "ragged file",
			table:    "stock",
			fixture:  "ragged.csv",
			fields:   map[string]string{"fields": "isbn,price,stock"},
			wantCode: http.StatusUnprocessableEntity,
			wantKind: core.KindDataFormat.String(),
		},
		{
			name:     "duplicate keys",
			table:    "stock",
			fixture:  "duplicate_keys.csv",
			fields:   map[string]string{"fields": "isbn,price,stock"},
			wantCode: http.StatusConflict,
			wantKind: core.KindReconciliation.String(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, nil)
			rec := env.do(uploadRequest(t, tt.table, tt.fixture, tt.fields))
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())

			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.wantKind, resp.Kind)
			assert.NotEmpty(t, resp.Code)
			assert.Zero(t, env.count(t))
		})
	}
}

func TestLoad_JSONRequiresRemoteSource(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	for _, body := range []string{
		`{"source": "/etc/passwd"}`,
		`{"source": "file:///data/stock.csv"}`,
		`{"source": "s3://"}`,
		`{"unexpected": true}`,
		`not json`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/tables/stock/load", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := env.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestKeys(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/tables/stock/keys?fields=isbn,price,stock", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[core.KeyReport](t, rec)
	assert.Equal(t, []string{"isbn"}, report.Key)
	assert.Equal(t, []string{"id", "isbn", "price", "stock"}, report.Columns)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/tables/stock/keys?fields=price", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[core.KeyReport](t, rec).Key)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/tables/missing/keys", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Security.RequireAPIKey = true
		cfg.Security.APIKeys = []string{"secret"}
	}, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/tables/stock/keys", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/tables/stock/keys", nil)
	req.Header.Set("X-API-Key", "wrong")
	assert.Equal(t, http.StatusForbidden, env.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/tables/stock/keys", nil)
	req.Header.Set("Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, env.do(req).Code)

	// health and metrics stay open for probes
	assert.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}

type fakeJobs struct {
	status []core.JobStatus
	err    error
}

func (f *fakeJobs) Status() []core.JobStatus { return f.status }

func (f *fakeJobs) RunNow(_ context.Context, name string) (*core.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &core.Result{Table: name, RowsInserted: 3}, nil
}

func TestJobs(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/jobs/nightly/run", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	jobs := &fakeJobs{status: []core.JobStatus{{Name: "nightly", Schedule: "@daily"}}}
	env = newTestEnv(t, nil, jobs)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nightly", decode[[]core.JobStatus](t, rec)[0].Name)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/jobs/nightly/run", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), decode[core.Result](t, rec).RowsInserted)

	jobs.err = core.ErrJobRunning
	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/jobs/nightly/run", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatusFor(t *testing.T) {
	retryable := &core.LoadError{Kind: core.KindTransaction, Op: "commit",
		Err: fmt.Errorf("%w: 40001", core.ErrSerializationFailure)}

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("acquire load slot: %w", core.ErrTooManyLoads), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&core.LoadError{Kind: core.KindSchema, Err: core.ErrTableNotFound}, http.StatusNotFound},
		{&core.LoadError{Kind: core.KindInvalidRequest, Err: core.ErrInvalidDelimiter}, http.StatusBadRequest},
		{&core.LoadError{Kind: core.KindDataFormat, Err: errors.New("bad row")}, http.StatusUnprocessableEntity},
		{&core.LoadError{Kind: core.KindReconciliation, Err: core.ErrDuplicateKey}, http.StatusConflict},
		{retryable, http.StatusServiceUnavailable},
		{&core.LoadError{Kind: core.KindConstraintDiscovery, Err: errors.New("denied")}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
