package duckdb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvmerge/internal/core"
	"github.com/JonMunkholm/csvmerge/internal/engine"
	"github.com/JonMunkholm/csvmerge/internal/engine/enginetest"
)

func setup(t *testing.T) *enginetest.Harness {
	ce, err := engine.Open(context.Background(), Name, engine.Options{MaxConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { ce.Close() })
	db := ce.(*Engine).DB()

	for _, q := range []string{
		`CREATE SEQUENCE stock_id_seq`,
		`CREATE TABLE stock (
			id INTEGER PRIMARY KEY DEFAULT nextval('stock_id_seq'),
			isbn VARCHAR(13) UNIQUE,
			price DECIMAL(10, 2),
			stock INTEGER CHECK (stock < 100)
		)`,
	} {
		_, err := db.Exec(q)
		require.NoError(t, err, q)
	}

	return &enginetest.Harness{
		Engine: ce,
		Int: func(ctx context.Context, query string) (int64, error) {
			var n int64
			err := db.QueryRowContext(ctx, query).Scan(&n)
			return n, err
		},
		StagingTables: func(ctx context.Context) (int64, error) {
			var n int64
			err := db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM duckdb_tables() WHERE temporary AND table_name LIKE '%\_stg\_%' ESCAPE '\'`).Scan(&n)
			return n, err
		},
	}
}

func TestScenarios(t *testing.T) {
	enginetest.Run(t, setup)
}

func TestCopySQL(t *testing.T) {
	got := copySQL(core.Table{Name: "stock_stg_1"}, core.IngestOptions{
		Path:      "/data/o'brien.csv",
		Columns:   []string{"isbn", "stock"},
		Delimiter: '\t',
	})
	want := "COPY \"stock_stg_1\" (\"isbn\", \"stock\") FROM '/data/o''brien.csv' (FORMAT csv, DELIMITER '\t', HEADER false, QUOTE '\"')"
	assert.Equal(t, want, got)
}

func TestClassify(t *testing.T) {
	conflict := classify(errors.New("TransactionContext Error: Catalog write-write conflict on alter with \"stock\""))
	assert.ErrorIs(t, conflict, core.ErrSerializationFailure)
	assert.ErrorIs(t, classify(conflict), core.ErrSerializationFailure)

	assert.NotErrorIs(t, classify(errors.New("Conversion Error")), core.ErrSerializationFailure)
	assert.NoError(t, classify(nil))
}
