// Package enginetest runs the load scenarios every engine must pass against
// a live database. Engine packages call Run from their own tests.
package enginetest

import (
	"context"
	"embed"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvmerge/internal/core"
)

//go:embed testdata/*.csv
var fixtures embed.FS

// KnownISBN is the first row of initial_data.csv, stocked at 10.
const KnownISBN = "9780002201438"

// Harness is a fresh database holding an empty stock table.
type Harness struct {
	Engine core.Engine

	// Int runs a query returning a single integer outside any load.
	Int func(ctx context.Context, query string) (int64, error)

	// StagingTables counts staging tables visible to the engine. Nil when
	// the engine's temporary tables are not observable from outside a load.
	StagingTables func(ctx context.Context) (int64, error)
}

// Setup creates a Harness. It must create the table
//
//	stock (id <auto key> PRIMARY KEY, isbn VARCHAR(13) UNIQUE, price NUMERIC,
//	       stock INTEGER CHECK (stock < 100))
//
// and register cleanup with t.
type Setup func(t *testing.T) *Harness

// Fixture copies an embedded fixture to a temp file and returns its path.
func Fixture(t *testing.T, name string) string {
	t.Helper()
	data, err := fixtures.ReadFile("testdata/" + name)
	require.NoError(t, err)
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

var stockFields = []string{"isbn", "price", "stock"}

func request(t *testing.T, name string) core.Request {
	req := core.NewRequest("stock", Fixture(t, name))
	req.Fields = stockFields
	return req
}

func newLoader(h *Harness) *core.Loader {
	return core.NewLoader(h.Engine, core.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func count(t *testing.T, h *Harness) int64 {
	t.Helper()
	n, err := h.Int(context.Background(), "SELECT COUNT(*) FROM stock")
	require.NoError(t, err)
	return n
}

func stockOf(t *testing.T, h *Harness, isbn string) int64 {
	t.Helper()
	n, err := h.Int(context.Background(), "SELECT stock FROM stock WHERE isbn = "+core.QuoteLiteral(isbn))
	require.NoError(t, err)
	return n
}

func assertNoStaging(t *testing.T, h *Harness) {
	t.Helper()
	if h.StagingTables == nil {
		return
	}
	n, err := h.StagingTables(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "staging tables left behind")
}

// Run executes every scenario, each against a fresh Harness.
func Run(t *testing.T, setup Setup) {
	scenarios := []struct {
		name string
		fn   func(t *testing.T, h *Harness)
	}{
		{"InitialLoad", testInitialLoad},
		{"ReloadIsIdempotent", testReload},
		{"ExtraRows", testExtraRows},
		{"ReplaceDuplicates", testReplace},
		{"KeepDuplicates", testKeep},
		{"PipeDelimiter", testPipe},
		{"Header", testHeader},
		{"DefaultFields", testDefaultFields},
		{"RaggedFileRollsBack", testRagged},
		{"DuplicateKeysRollBack", testDuplicateKeys},
		{"InsertFailureRollsBackUpdate", testInsertFailure},
		{"Discover", testDiscover},
	}
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			sc.fn(t, setup(t))
		})
	}
}

func testInitialLoad(t *testing.T, h *Harness) {
	res, err := newLoader(h).Load(context.Background(), request(t, "initial_data.csv"))
	require.NoError(t, err)

	assert.Equal(t, int64(16), res.RowsStaged)
	assert.Equal(t, int64(16), res.RowsInserted)
	assert.Equal(t, []string{"isbn"}, res.Key)
	assert.Equal(t, int64(16), count(t, h))
	assertNoStaging(t, h)
}

func testReload(t *testing.T, h *Harness) {
	l := newLoader(h)
	_, err := l.Load(context.Background(), request(t, "initial_data.csv"))
	require.NoError(t, err)

	res, err := l.Load(context.Background(), request(t, "initial_data.csv"))
	require.NoError(t, err)
	assert.Zero(t, res.RowsInserted)
	assert.Equal(t, int64(16), count(t, h))
	assertNoStaging(t, h)
}

func testExtraRows(t *testing.T, h *Harness) {
	l := newLoader(h)
	_, err := l.Load(context.Background(), request(t, "initial_data.csv"))
	require.NoError(t, err)

	res, err := l.Load(context.Background(), request(t, "extra_data.csv"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.RowsInserted)
	assert.Equal(t, int64(20), count(t, h))
}

func testReplace(t *testing.T, h *Harness) {
	l := newLoader(h)
	_, err := l.Load(context.Background(), request(t, "initial_data.csv"))
	require.NoError(t, err)
	require.Equal(t, int64(10), stockOf(t, h, KnownISBN))

	_, err = l.Load(context.Background(), request(t, "update.csv"))
	require.NoError(t, err)
	assert.Equal(t, int64(20), stockOf(t, h, KnownISBN))
	assert.Equal(t, int64(16), count(t, h))
}

func testKeep(t *testing.T, h *Harness) {
	l := newLoader(h)
	_, err := l.Load(context.Background(), request(t, "initial_data.csv"))
	require.NoError(t, err)

	req := request(t, "update.csv")
	req.ReplaceDuplicates = false
	res, err := l.Load(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, res.RowsUpdated)
	assert.Zero(t, res.RowsInserted)
	assert.Equal(t, int64(10), stockOf(t, h, KnownISBN))
}

func testPipe(t *testing.T, h *Harness) {
	req := request(t, "pipe_separated.csv")
	req.Delimiter = "|"
	_, err := newLoader(h).Load(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(16), count(t, h))
}

func testHeader(t *testing.T, h *Harness) {
	req := request(t, "with_header.csv")
	req.HasHeader = true
	_, err := newLoader(h).Load(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count(t, h))
}

// testDefaultFields checks that an empty field list selects every column,
// which covers both the primary key and the isbn constraint.
func testDefaultFields(t *testing.T, h *Harness) {
	l := newLoader(h)
	report, err := l.Discover(context.Background(), "stock", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "isbn", "price", "stock"}, report.Fields)
	assert.ElementsMatch(t, []string{"id", "isbn"}, report.Key)
}

func testRagged(t *testing.T, h *Harness) {
	l := newLoader(h)
	_, err := l.Load(context.Background(), request(t, "initial_data.csv"))
	require.NoError(t, err)

	_, err = l.Load(context.Background(), request(t, "ragged.csv"))
	require.Error(t, err)
	assert.Equal(t, core.KindDataFormat, core.KindOf(err), "error: %v", err)

	assert.Equal(t, int64(16), count(t, h))
	assert.Equal(t, int64(10), stockOf(t, h, KnownISBN))
	assertNoStaging(t, h)
}

func testDuplicateKeys(t *testing.T, h *Harness) {
	l := newLoader(h)
	_, err := l.Load(context.Background(), request(t, "initial_data.csv"))
	require.NoError(t, err)

	_, err = l.Load(context.Background(), request(t, "duplicate_keys.csv"))
	require.Error(t, err)
	assert.Equal(t, core.KindReconciliation, core.KindOf(err))
	assert.ErrorIs(t, err, core.ErrDuplicateKey)

	assert.Equal(t, int64(16), count(t, h))
	assert.Equal(t, int64(10), stockOf(t, h, KnownISBN))
	assertNoStaging(t, h)
}

// testInsertFailure fails after the update has applied: the first row
// updates KnownISBN to 20, the second breaks the stock CHECK on insert.
func testInsertFailure(t *testing.T, h *Harness) {
	l := newLoader(h)
	_, err := l.Load(context.Background(), request(t, "initial_data.csv"))
	require.NoError(t, err)

	_, err = l.Load(context.Background(), request(t, "insert_violation.csv"))
	require.Error(t, err)
	assert.Equal(t, core.KindReconciliation, core.KindOf(err), "error: %v", err)
	var le *core.LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "insert unmatched", le.Op)

	assert.Equal(t, int64(10), stockOf(t, h, KnownISBN))
	assert.Equal(t, int64(16), count(t, h))
	assertNoStaging(t, h)
}

func testDiscover(t *testing.T, h *Harness) {
	l := newLoader(h)

	report, err := l.Discover(context.Background(), "stock", stockFields)
	require.NoError(t, err)
	assert.Equal(t, []string{"isbn"}, report.Key)
	assert.GreaterOrEqual(t, len(report.Constraints), 2)

	report, err = l.Discover(context.Background(), "stock", []string{"price", "stock"})
	require.NoError(t, err)
	assert.Empty(t, report.Key)

	_, err = l.Discover(context.Background(), "no_such_table", nil)
	assert.Equal(t, core.KindSchema, core.KindOf(err))
	assert.ErrorIs(t, err, core.ErrTableNotFound)
}
