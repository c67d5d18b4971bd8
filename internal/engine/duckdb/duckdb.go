// Package duckdb implements the DuckDB engine. The database reads the file
// itself with COPY ... FROM, so the path must be visible to the process
// hosting DuckDB, which for an embedded database is always the case.
package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/JonMunkholm/csvmerge/internal/core"
	"github.com/JonMunkholm/csvmerge/internal/engine"
)

// Name is the registered engine name.
const Name = "duckdb"

func init() {
	engine.Register(Name, Open)
}

// Engine is an embedded DuckDB database.
type Engine struct {
	db *sql.DB
}

// Open opens the database file at opts.DSN; an empty DSN is in-memory.
func Open(ctx context.Context, opts engine.Options) (core.Engine, error) {
	db, err := sql.Open("duckdb", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return New(db), nil
}

// New wraps an open database.
func New(db *sql.DB) *Engine {
	return &Engine{db: db}
}

// DB returns the underlying handle.
func (e *Engine) DB() *sql.DB { return e.db }

func (e *Engine) Name() string          { return Name }
func (e *Engine) Dialect() core.Dialect { return core.ANSI }
func (e *Engine) Close() error          { return e.db.Close() }

// Begin starts a load transaction. DuckDB runs every transaction under
// snapshot isolation with optimistic conflict detection.
func (e *Engine) Begin(ctx context.Context, _ core.TxOptions) (core.Tx, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return &loadTx{SQLTx: engine.SQLTx{Tx: tx, Dialect: core.ANSI, Classify: classify}}, nil
}

type loadTx struct {
	engine.SQLTx
}

// tableFilter matches catalog rows for t in the current database; an
// unqualified table resolves against the current schema.
const tableFilter = `database_name = current_database()
  AND schema_name = COALESCE(NULLIF(?, ''), current_schema())
  AND table_name = ?`

func (t *loadTx) Columns(ctx context.Context, table core.Table) ([]string, error) {
	var n int64
	err := t.Tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM duckdb_tables() WHERE NOT temporary AND "+tableFilter,
		table.Schema, table.Name).Scan(&n)
	if err != nil {
		return nil, t.Err(err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrTableNotFound, table)
	}

	return t.Strings(ctx,
		"SELECT column_name FROM duckdb_columns() WHERE "+tableFilter+" ORDER BY column_index",
		table.Schema, table.Name)
}

// UniqueConstraints lists PRIMARY KEY and UNIQUE constraints. Standalone
// unique indexes are not reported by DuckDB's constraint catalog.
func (t *loadTx) UniqueConstraints(ctx context.Context, table core.Table) ([]core.UniqueConstraint, error) {
	rows, err := t.Tx.QueryContext(ctx, `
SELECT constraint_index, constraint_type, to_json(constraint_column_names)::VARCHAR
FROM duckdb_constraints()
WHERE `+tableFilter+`
  AND constraint_type IN ('PRIMARY KEY', 'UNIQUE')
ORDER BY constraint_type = 'PRIMARY KEY' DESC, constraint_index`,
		table.Schema, table.Name)
	if err != nil {
		return nil, t.Err(err)
	}
	defer rows.Close()

	var out []core.UniqueConstraint
	for rows.Next() {
		var (
			index int64
			kind  string
			cols  string
		)
		if err := rows.Scan(&index, &kind, &cols); err != nil {
			return nil, err
		}
		c := core.UniqueConstraint{Primary: kind == "PRIMARY KEY"}
		if err := json.Unmarshal([]byte(cols), &c.Columns); err != nil {
			return nil, fmt.Errorf("decode constraint columns %s: %w", cols, err)
		}
		if c.Primary {
			c.Name = table.Name + "_pkey"
		} else {
			c.Name = fmt.Sprintf("%s_%s_key", table.Name, strings.Join(c.Columns, "_"))
		}
		out = append(out, c)
	}
	return out, t.Err(rows.Err())
}

func (t *loadTx) CreateStaging(ctx context.Context, staging, dest core.Table, columns []string) error {
	_, err := t.Tx.ExecContext(ctx, fmt.Sprintf("CREATE TEMP TABLE %s AS %s",
		core.ANSI.QuoteTable(staging), core.ANSI.EmptySelect(dest, columns)))
	return t.Err(err)
}

// IndexStaging is a no-op: DuckDB reconciles with hash joins and ART
// indexes on temporary tables only slow the load down.
func (t *loadTx) IndexStaging(context.Context, core.Table, []string) error {
	return nil
}

func (t *loadTx) Ingest(ctx context.Context, staging core.Table, opts core.IngestOptions) (int64, error) {
	return t.Exec(ctx, copySQL(staging, opts))
}

func copySQL(staging core.Table, opts core.IngestOptions) string {
	return fmt.Sprintf("COPY %s (%s) FROM %s (FORMAT csv, DELIMITER %s, HEADER %t, QUOTE '\"')",
		core.ANSI.QuoteTable(staging),
		core.ANSI.QuoteList(opts.Columns),
		core.QuoteLiteral(opts.Path),
		core.QuoteLiteral(string(opts.Delimiter)),
		opts.HasHeader)
}

// classify marks optimistic concurrency conflicts as retryable.
func classify(err error) error {
	if err == nil || errors.Is(err, core.ErrSerializationFailure) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "TransactionContext Error") || strings.Contains(msg, "write-write conflict") {
		return fmt.Errorf("%w: %w", core.ErrSerializationFailure, err)
	}
	return err
}
