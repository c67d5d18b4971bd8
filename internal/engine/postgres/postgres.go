// Package postgres implements the PostgreSQL engine on pgx.
//
// Staging tables are session-temporary, created inside the load
// transaction with ON COMMIT DROP, so neither a rollback nor a lost
// connection can leave one behind. Files are streamed to the server with
// COPY FROM STDIN, so the database does not need access to the file.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/csvmerge/internal/core"
	"github.com/JonMunkholm/csvmerge/internal/engine"
)

// Name is the registered engine name.
const Name = "postgres"

func init() {
	engine.Register(Name, Open)
}

// Engine is a PostgreSQL database reached through a pgx pool.
type Engine struct {
	pool *pgxpool.Pool
}

// Open creates a pool from opts and verifies connectivity.
func Open(ctx context.Context, opts engine.Options) (core.Engine, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		cfg.MinConns = int32(opts.MinConns)
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Engine {
	return &Engine{pool: pool}
}

func (e *Engine) Name() string          { return Name }
func (e *Engine) Dialect() core.Dialect { return core.ANSI }

func (e *Engine) Close() error {
	e.pool.Close()
	return nil
}

// Begin starts a load transaction.
func (e *Engine) Begin(ctx context.Context, opts core.TxOptions) (core.Tx, error) {
	txOpts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	if opts.Isolation == core.RepeatableRead {
		txOpts.IsoLevel = pgx.RepeatableRead
	}
	if opts.ReadOnly {
		txOpts.AccessMode = pgx.ReadOnly
	}

	tx, err := e.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return nil, classify(err)
	}
	return &loadTx{tx: tx}, nil
}

type loadTx struct {
	tx pgx.Tx
}

const relkindQuery = `SELECT c.relkind::text FROM pg_class c WHERE c.oid = to_regclass($1)`

const columnsQuery = `
SELECT a.attname::text
FROM pg_attribute a
WHERE a.attrelid = to_regclass($1)
  AND a.attnum > 0
  AND NOT a.attisdropped
ORDER BY a.attnum`

// uniqueQuery lists unique, valid, non-partial, non-expression indexes on
// an ordinary or partitioned table. Primary keys and UNIQUE constraints are
// backed by such indexes. INCLUDE columns are not part of the key.
const uniqueQuery = `
SELECT i.relname::text, x.indisprimary, array_agg(a.attname::text ORDER BY k.ord)
FROM pg_index x
JOIN pg_class i ON i.oid = x.indexrelid
JOIN pg_class t ON t.oid = x.indrelid
CROSS JOIN LATERAL unnest(x.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
JOIN pg_attribute a ON a.attrelid = x.indrelid AND a.attnum = k.attnum
WHERE x.indrelid = to_regclass($1)
  AND x.indisunique
  AND x.indisvalid
  AND x.indpred IS NULL
  AND x.indexprs IS NULL
  AND k.ord <= x.indnkeyatts
  AND t.relkind IN ('r', 'p')
GROUP BY i.relname, x.indisprimary
ORDER BY x.indisprimary DESC, i.relname`

func (t *loadTx) Columns(ctx context.Context, table core.Table) ([]string, error) {
	name := qualified(table)

	var relkind string
	err := t.tx.QueryRow(ctx, relkindQuery, name).Scan(&relkind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrTableNotFound, table)
	}
	if err != nil {
		return nil, classify(err)
	}
	if relkind != "r" && relkind != "p" {
		return nil, fmt.Errorf("%s is not an ordinary table (relkind %q)", table, relkind)
	}

	rows, err := t.tx.Query(ctx, columnsQuery, name)
	if err != nil {
		return nil, classify(err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(err)
	}
	return cols, nil
}

func (t *loadTx) UniqueConstraints(ctx context.Context, table core.Table) ([]core.UniqueConstraint, error) {
	rows, err := t.tx.Query(ctx, uniqueQuery, qualified(table))
	if err != nil {
		return nil, classify(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.UniqueConstraint, error) {
		var c core.UniqueConstraint
		err := row.Scan(&c.Name, &c.Primary, &c.Columns)
		return c, err
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (t *loadTx) CreateStaging(ctx context.Context, staging, dest core.Table, columns []string) error {
	_, err := t.tx.Exec(ctx, createStagingSQL(staging, dest, columns))
	return classify(err)
}

func (t *loadTx) IndexStaging(ctx context.Context, staging core.Table, columns []string) error {
	_, err := t.tx.Exec(ctx, indexStagingSQL(staging, columns))
	return classify(err)
}

// Ingest streams the file through COPY FROM STDIN on the transaction's
// connection.
func (t *loadTx) Ingest(ctx context.Context, staging core.Table, opts core.IngestOptions) (int64, error) {
	f, err := os.Open(opts.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	tag, err := t.tx.Conn().PgConn().CopyFrom(ctx, f, copySQL(staging, opts))
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (t *loadTx) Exec(ctx context.Context, query string) (int64, error) {
	tag, err := t.tx.Exec(ctx, query)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (t *loadTx) Scalar(ctx context.Context, query string) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (t *loadTx) DropStaging(ctx context.Context, staging core.Table) error {
	_, err := t.tx.Exec(ctx, core.ANSI.DropTable(staging))
	return classify(err)
}

func (t *loadTx) Commit(ctx context.Context) error {
	return classify(t.tx.Commit(ctx))
}

func (t *loadTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func qualified(t core.Table) string {
	if t.Schema == "" {
		return pgx.Identifier{t.Name}.Sanitize()
	}
	return pgx.Identifier{t.Schema, t.Name}.Sanitize()
}

func createStagingSQL(staging, dest core.Table, columns []string) string {
	return fmt.Sprintf("CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s FROM %s WITH NO DATA",
		qualified(staging), core.ANSI.QuoteList(columns), qualified(dest))
}

func indexStagingSQL(staging core.Table, columns []string) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		pgx.Identifier{staging.Name + "_key_idx"}.Sanitize(),
		qualified(staging),
		core.ANSI.QuoteList(columns))
}

func copySQL(staging core.Table, opts core.IngestOptions) string {
	return fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT csv, DELIMITER %s, HEADER %t)",
		qualified(staging),
		core.ANSI.QuoteList(opts.Columns),
		core.QuoteLiteral(string(opts.Delimiter)),
		opts.HasHeader)
}

// serializationCodes are SQLSTATEs for transactions aborted by concurrency
// control rather than by the data.
var serializationCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

// classify marks errors that are safe to retry with core.ErrSerializationFailure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && serializationCodes[pgErr.Code] {
		return fmt.Errorf("%w: %w", core.ErrSerializationFailure, err)
	}
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "22") {
		// data_exception class: surface the offending line if COPY reported one
		if pgErr.Where != "" {
			return fmt.Errorf("%w (%s)", err, pgErr.Where)
		}
	}
	return err
}
