// Package sqlite implements the SQLite engine on the pure-Go modernc driver.
//
// SQLite has no server-side bulk path, so Ingest parses the file and feeds a
// prepared INSERT inside the load transaction. Staging tables live in the
// connection's temp schema.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/JonMunkholm/csvmerge/internal/core"
	"github.com/JonMunkholm/csvmerge/internal/engine"
)

// Name is the registered engine name.
const Name = "sqlite"

func init() {
	engine.Register(Name, Open)
}

// Engine is a SQLite database file.
type Engine struct {
	db *sql.DB
}

// Open opens the database at opts.DSN (a file path or file: URI).
func Open(ctx context.Context, opts engine.Options) (core.Engine, error) {
	db, err := sql.Open("sqlite", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
	}
	if opts.MaxConnLifetime > 0 {
		db.SetConnMaxLifetime(opts.MaxConnLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
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

// Begin starts a load transaction. SQLite transactions are serializable,
// so the requested isolation level needs no translation.
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

// pragma table-valued functions accept the schema as a second argument.
func pragma(fn string, t core.Table) (string, []any) {
	if t.Schema == "" {
		return fmt.Sprintf("pragma_%s(?)", fn), []any{t.Name}
	}
	return fmt.Sprintf("pragma_%s(?, ?)", fn), []any{t.Name, t.Schema}
}

func master(t core.Table) string {
	if t.Schema == "" {
		return "sqlite_master"
	}
	return core.ANSI.QuoteIdent(t.Schema) + ".sqlite_master"
}

func (t *loadTx) Columns(ctx context.Context, table core.Table) ([]string, error) {
	var kind string
	err := t.Tx.QueryRowContext(ctx,
		"SELECT type FROM "+master(table)+" WHERE name = ? AND type IN ('table', 'view')", table.Name).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrTableNotFound, table)
	}
	if err != nil {
		return nil, t.Err(err)
	}
	if kind != "table" {
		return nil, fmt.Errorf("%s is a %s, not a table", table, kind)
	}

	fn, args := pragma("table_info", table)
	return t.Strings(ctx, "SELECT name FROM "+fn+" ORDER BY cid", args...)
}

type indexEntry struct {
	name   string
	origin string
}

func (t *loadTx) UniqueConstraints(ctx context.Context, table core.Table) ([]core.UniqueConstraint, error) {
	fn, args := pragma("index_list", table)
	rows, err := t.Tx.QueryContext(ctx,
		`SELECT name, origin FROM `+fn+` WHERE "unique" = 1 AND partial = 0 ORDER BY origin = 'pk' DESC, name`, args...)
	if err != nil {
		return nil, t.Err(err)
	}
	var indexes []indexEntry
	for rows.Next() {
		var ix indexEntry
		if err := rows.Scan(&ix.name, &ix.origin); err != nil {
			rows.Close()
			return nil, err
		}
		indexes = append(indexes, ix)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, t.Err(err)
	}

	var out []core.UniqueConstraint
	hasPK := false
	for _, ix := range indexes {
		cols, ok, err := t.indexColumns(ctx, table, ix.name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		primary := ix.origin == "pk"
		hasPK = hasPK || primary
		out = append(out, core.UniqueConstraint{Name: ix.name, Columns: cols, Primary: primary})
	}

	// An INTEGER PRIMARY KEY aliases the rowid and has no index of its own.
	if !hasPK {
		fn, args := pragma("table_info", table)
		pk, err := t.Strings(ctx, "SELECT name FROM "+fn+" WHERE pk > 0 ORDER BY pk", args...)
		if err != nil {
			return nil, err
		}
		if len(pk) > 0 {
			out = append([]core.UniqueConstraint{{Name: "PRIMARY", Columns: pk, Primary: true}}, out...)
		}
	}
	return out, nil
}

// indexColumns reports ok=false for indexes on expressions or the rowid.
func (t *loadTx) indexColumns(ctx context.Context, table core.Table, index string) ([]string, bool, error) {
	fn, args := pragma("index_info", core.Table{Schema: table.Schema, Name: index})
	rows, err := t.Tx.QueryContext(ctx, "SELECT cid, name FROM "+fn+" ORDER BY seqno", args...)
	if err != nil {
		return nil, false, t.Err(err)
	}
	defer rows.Close()

	var cols []string
	ok := true
	for rows.Next() {
		var cid int
		var name sql.NullString
		if err := rows.Scan(&cid, &name); err != nil {
			return nil, false, err
		}
		if cid < 0 || !name.Valid {
			ok = false
			continue
		}
		cols = append(cols, name.String)
	}
	if err := rows.Err(); err != nil {
		return nil, false, t.Err(err)
	}
	return cols, ok && len(cols) > 0, nil
}

func (t *loadTx) CreateStaging(ctx context.Context, staging, dest core.Table, columns []string) error {
	_, err := t.Tx.ExecContext(ctx, fmt.Sprintf("CREATE TEMP TABLE %s AS %s",
		core.ANSI.QuoteTable(staging), core.ANSI.EmptySelect(dest, columns)))
	return t.Err(err)
}

func (t *loadTx) IndexStaging(ctx context.Context, staging core.Table, columns []string) error {
	_, err := t.Tx.ExecContext(ctx, fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		core.ANSI.QuoteIdent(staging.Name+"_key_idx"),
		core.ANSI.QuoteTable(staging),
		core.ANSI.QuoteList(columns)))
	return t.Err(err)
}

// Ingest parses the file as CSV and inserts every record. Empty fields
// load as NULL, matching COPY's CSV format. Values are bound as text and
// column affinity keeps what does not parse as TEXT, so a bad number is
// not a data error on SQLite.
func (t *loadTx) Ingest(ctx context.Context, staging core.Table, opts core.IngestOptions) (int64, error) {
	f, err := os.Open(opts.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(opts.Columns)), ", ")
	stmt, err := t.Tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		core.ANSI.QuoteTable(staging), core.ANSI.QuoteList(opts.Columns), placeholders))
	if err != nil {
		return 0, t.Err(err)
	}
	defer stmt.Close()

	r := csv.NewReader(f)
	r.Comma = opts.Delimiter
	r.FieldsPerRecord = len(opts.Columns)
	r.ReuseRecord = true

	if opts.HasHeader {
		if _, err := r.Read(); err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("read header: %w", err)
		}
	}

	args := make([]any, len(opts.Columns))
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		for i, v := range record {
			if v == "" {
				args[i] = nil
			} else {
				args[i] = v
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			line, _ := r.FieldPos(0)
			return n, fmt.Errorf("line %d: %w", line, t.Err(err))
		}
		n++
	}
}

// classify marks busy and locked errors as retryable. The modernc driver
// reports them in the message text.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %w", core.ErrSerializationFailure, err)
	}
	return err
}
