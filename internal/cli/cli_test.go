package cli

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvmerge/internal/core"
	"github.com/JonMunkholm/csvmerge/internal/engine/enginetest"
	_ "github.com/JonMunkholm/csvmerge/internal/engine/sqlite"
)

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, buf.String(), "csvmerge v"+Version)
	assert.Contains(t, buf.String(), "sqlite")
}

func TestLoadWithRetry(t *testing.T) {
	conflict := &core.LoadError{Kind: core.KindTransaction, Op: "commit",
		Err: fmt.Errorf("%w: 40001", core.ErrSerializationFailure)}
	badData := &core.LoadError{Kind: core.KindDataFormat, Op: "ingest", Err: errors.New("line 2")}

	tests := []struct {
		name      string
		failures  []error
		attempts  int
		wantCalls int
		wantErr   error
	}{
		{"first try", nil, 3, 1, nil},
		{"retries conflicts", []error{conflict, conflict}, 3, 3, nil},
		{"gives up", []error{conflict, conflict, conflict}, 2, 3, core.ErrSerializationFailure},
		{"never retries data errors", []error{badData}, 3, 1, badData},
		{"no retries configured", []error{conflict}, 0, 1, core.ErrSerializationFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			load := func(_ context.Context, req core.Request) (*core.Result, error) {
				calls++
				if calls <= len(tt.failures) {
					return nil, tt.failures[calls-1]
				}
				return &core.Result{Table: req.Table, RowsInserted: 16}, nil
			}

			res, err := loadWithRetry(context.Background(), load, core.NewRequest("stock", "f.csv"), tt.attempts, time.Millisecond)
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, res)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(16), res.RowsInserted)
		})
	}
}

func TestLoadOptions_ApplyOnlyChangedFlags(t *testing.T) {
	cmd := newLoadCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--no-replace", "--fields", "isbn,price"}))

	opts := &LoadOptions{Fields: []string{"isbn", "price"}, NoReplace: true}
	req := core.Request{Delimiter: ";", HasHeader: true, ReplaceDuplicates: true, RequireKey: true}
	opts.apply(cmd, &req)

	assert.Equal(t, []string{"isbn", "price"}, req.Fields)
	assert.Equal(t, ";", req.Delimiter)
	assert.True(t, req.HasHeader)
	assert.False(t, req.ReplaceDuplicates)
	assert.True(t, req.RequireKey)
}

func TestPrintKeys(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printKeys(&buf, &core.KeyReport{
		Table:  "stock",
		Fields: []string{"isbn", "price"},
		Constraints: []core.UniqueConstraint{
			{Name: "stock_pkey", Columns: []string{"id"}, Primary: true},
			{Name: "stock_isbn_key", Columns: []string{"isbn"}},
		},
		Key: []string{"isbn"},
	}, false))

	out := buf.String()
	assert.Contains(t, out, "stock_isbn_key")
	assert.Contains(t, out, "Key: isbn")

	buf.Reset()
	require.NoError(t, printKeys(&buf, &core.KeyReport{Table: "stock"}, false))
	assert.Contains(t, buf.String(), "Key: none")
}

// runCLI executes the root command against a fresh SQLite database holding
// the stock table.
func runCLI(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", dbPath)
	t.Setenv("DB_MAX_CONNS", "1")
	t.Setenv("LOG_LEVEL", "error")

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func newStockDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cli.sqlite")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE stock (id INTEGER PRIMARY KEY, isbn VARCHAR(13) UNIQUE, price NUMERIC, stock INTEGER)`)
	require.NoError(t, err)
	return path
}

func stockLevel(t *testing.T, path, isbn string) int64 {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var n int64
	require.NoError(t, db.QueryRow(`SELECT stock FROM stock WHERE isbn = ?`, isbn).Scan(&n))
	return n
}

func TestLoadCommand_EndToEnd(t *testing.T) {
	db := newStockDB(t)

	out, err := runCLI(t, db, "load", "stock", enginetest.Fixture(t, "initial_data.csv"), "--fields", "isbn,price,stock")
	require.NoError(t, err, out)
	assert.Contains(t, out, "inserted: 16")
	assert.Contains(t, out, "key:      isbn")

	out, err = runCLI(t, db, "load", "stock", enginetest.Fixture(t, "update.csv"), "--fields", "isbn,price,stock", "--no-replace")
	require.NoError(t, err, out)
	assert.Equal(t, int64(10), stockLevel(t, db, enginetest.KnownISBN))

	out, err = runCLI(t, db, "load", "stock", enginetest.Fixture(t, "update.csv"), "--fields", "isbn,price,stock", "--json")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"rows_updated": 1`)
	assert.Equal(t, int64(20), stockLevel(t, db, enginetest.KnownISBN))

	out, err = runCLI(t, db, "keys", "stock", "--fields", "price,stock")
	require.NoError(t, err, out)
	assert.True(t, strings.Contains(out, "Key: none"), out)
}

func TestGlobalFlagsOverrideEnvironment(t *testing.T) {
	db := newStockDB(t)
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://nowhere.invalid/db")
	t.Setenv("DB_MAX_CONNS", "1")
	t.Setenv("LOG_LEVEL", "error")

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--env-file", "", "--driver", "sqlite", "--database-url", db,
		"load", "stock", enginetest.Fixture(t, "update.csv"), "--fields", "isbn,price,stock"})
	require.NoError(t, cmd.ExecuteContext(context.Background()), buf.String())
	assert.Equal(t, int64(20), stockLevel(t, db, enginetest.KnownISBN))

	assert.Equal(t, "postgres", os.Getenv("DB_DRIVER"), "flags must not leak into the environment")
	assert.Equal(t, "postgres://nowhere.invalid/db", os.Getenv("DATABASE_URL"))
}

func TestLoadCommand_Failure(t *testing.T) {
	db := newStockDB(t)

	_, err := runCLI(t, db, "load", "stock", enginetest.Fixture(t, "ragged.csv"), "--fields", "isbn,price,stock")
	require.Error(t, err)
	assert.Equal(t, core.KindDataFormat, core.KindOf(err))

	_, err = runCLI(t, db, "load", "stock")
	assert.Error(t, err)
}
