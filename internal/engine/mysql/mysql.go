// Package mysql implements the MySQL engine on go-sql-driver/mysql.
//
// MySQL temporary tables are bound to a session and survive ROLLBACK, so a
// load pins one connection for its whole transaction and drops its staging
// table explicitly before handing the connection back to the pool.
package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/JonMunkholm/csvmerge/internal/core"
	"github.com/JonMunkholm/csvmerge/internal/engine"
)

// Name is the registered engine name.
const Name = "mysql"

func init() {
	engine.Register(Name, Open)
}

// Engine is a MySQL database.
type Engine struct {
	db *sql.DB
}

// Open connects using a go-sql-driver DSN. The server must allow
// LOCAL INFILE.
func Open(ctx context.Context, opts engine.Options) (core.Engine, error) {
	cfg, err := mysql.ParseDSN(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	// UPDATE reports matched rows, as the other engines do.
	cfg.ClientFoundRows = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("create connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		db.SetMaxIdleConns(opts.MinConns)
	}
	if opts.MaxConnLifetime > 0 {
		db.SetConnMaxLifetime(opts.MaxConnLifetime)
	}
	if opts.MaxConnIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.MaxConnIdleTime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db), nil
}

// New wraps an open database.
func New(db *sql.DB) *Engine {
	return &Engine{db: db}
}

func (e *Engine) Name() string          { return Name }
func (e *Engine) Dialect() core.Dialect { return core.MySQL }
func (e *Engine) Close() error          { return e.db.Close() }

// Begin pins a connection and starts a transaction on it.
func (e *Engine) Begin(ctx context.Context, opts core.TxOptions) (core.Tx, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, classify(err)
	}

	txOpts := &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: opts.ReadOnly}
	if opts.Isolation == core.RepeatableRead {
		txOpts.Isolation = sql.LevelRepeatableRead
	}
	tx, err := conn.BeginTx(ctx, txOpts)
	if err != nil {
		conn.Close()
		return nil, classify(err)
	}
	return &loadTx{
		SQLTx:   engine.SQLTx{Tx: tx, Dialect: core.MySQL, Classify: classify},
		conn:    conn,
		staging: make(map[string]core.Table),
	}, nil
}

type loadTx struct {
	engine.SQLTx
	conn *sql.Conn

	// staging holds temporary tables still alive on conn.
	staging map[string]core.Table
}

const schemaFilter = `TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ?`

func (t *loadTx) Columns(ctx context.Context, table core.Table) ([]string, error) {
	var kind string
	err := t.Tx.QueryRowContext(ctx,
		"SELECT TABLE_TYPE FROM information_schema.TABLES WHERE "+schemaFilter,
		table.Schema, table.Name).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrTableNotFound, table)
	}
	if err != nil {
		return nil, t.Err(err)
	}
	if kind != "BASE TABLE" {
		return nil, fmt.Errorf("%s is a %s, not a base table", table, strings.ToLower(kind))
	}

	return t.Strings(ctx,
		"SELECT COLUMN_NAME FROM information_schema.COLUMNS WHERE "+schemaFilter+" ORDER BY ORDINAL_POSITION",
		table.Schema, table.Name)
}

// UniqueConstraints reads unique indexes from information_schema. Indexes
// with a functional key part report a NULL column and are skipped.
func (t *loadTx) UniqueConstraints(ctx context.Context, table core.Table) ([]core.UniqueConstraint, error) {
	rows, err := t.Tx.QueryContext(ctx, `SELECT INDEX_NAME, COLUMN_NAME
FROM information_schema.STATISTICS
WHERE `+schemaFilter+` AND NON_UNIQUE = 0
ORDER BY INDEX_NAME = 'PRIMARY' DESC, INDEX_NAME, SEQ_IN_INDEX`,
		table.Schema, table.Name)
	if err != nil {
		return nil, t.Err(err)
	}
	defer rows.Close()

	var (
		out      []core.UniqueConstraint
		excluded = make(map[string]bool)
	)
	for rows.Next() {
		var index string
		var column sql.NullString
		if err := rows.Scan(&index, &column); err != nil {
			return nil, err
		}
		if !column.Valid {
			excluded[index] = true
			continue
		}
		if n := len(out); n > 0 && out[n-1].Name == index {
			out[n-1].Columns = append(out[n-1].Columns, column.String)
			continue
		}
		out = append(out, core.UniqueConstraint{
			Name:    index,
			Columns: []string{column.String},
			Primary: index == "PRIMARY",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, t.Err(err)
	}

	kept := out[:0]
	for _, c := range out {
		if !excluded[c.Name] {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// CreateStaging uses CREATE ... SELECT rather than LIKE so the staging
// table carries no keys. CREATE ... SELECT keeps NOT NULL but drops
// AUTO_INCREMENT and defaults, so only the loaded columns are copied; an
// omitted NOT NULL column would make LOAD DATA warn on every row.
func (t *loadTx) CreateStaging(ctx context.Context, staging, dest core.Table, columns []string) error {
	_, err := t.Tx.ExecContext(ctx, createStagingSQL(staging, dest, columns))
	if err != nil {
		return t.Err(err)
	}
	t.staging[staging.String()] = staging
	return nil
}

// IndexStaging is a no-op. ALTER TABLE and CREATE INDEX commit implicitly
// even on temporary tables; the destination side of every join is already
// covered by the unique index the key came from.
func (t *loadTx) IndexStaging(context.Context, core.Table, []string) error {
	return nil
}

// Ingest streams the file with LOAD DATA LOCAL INFILE through a registered
// reader. LOCAL downgrades data errors to warnings, so any warning fails
// the ingest.
func (t *loadTx) Ingest(ctx context.Context, staging core.Table, opts core.IngestOptions) (int64, error) {
	f, err := os.Open(opts.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	handler := staging.Name
	mysql.RegisterReaderHandler(handler, func() io.Reader { return f })
	defer mysql.DeregisterReaderHandler(handler)

	n, err := t.Exec(ctx, loadDataSQL(handler, staging, opts))
	if err != nil {
		return 0, err
	}
	if err := t.checkWarnings(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *loadTx) checkWarnings(ctx context.Context) error {
	rows, err := t.Tx.QueryContext(ctx, "SHOW WARNINGS LIMIT 5")
	if err != nil {
		return t.Err(err)
	}
	defer rows.Close()

	var msgs []string
	for rows.Next() {
		var level, message string
		var code int
		if err := rows.Scan(&level, &code, &message); err != nil {
			return err
		}
		msgs = append(msgs, fmt.Sprintf("%s %d: %s", level, code, message))
	}
	if err := rows.Err(); err != nil {
		return t.Err(err)
	}
	if len(msgs) > 0 {
		return fmt.Errorf("load data: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// loadDataSQL reads every field into a user variable so empty fields load
// as NULL and a trailing carriage return is stripped.
func loadDataSQL(handler string, staging core.Table, opts core.IngestOptions) string {
	vars := make([]string, len(opts.Columns))
	sets := make([]string, len(opts.Columns))
	for i, c := range opts.Columns {
		v := fmt.Sprintf("@f%d", i)
		vars[i] = v
		expr := v
		if i == len(opts.Columns)-1 {
			expr = fmt.Sprintf("TRIM(TRAILING '\\r' FROM %s)", v)
		}
		sets[i] = fmt.Sprintf("%s = NULLIF(%s, '')", core.MySQL.QuoteIdent(c), expr)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "LOAD DATA LOCAL INFILE %s INTO TABLE %s CHARACTER SET utf8mb4",
		core.QuoteLiteral("Reader::"+handler), core.MySQL.QuoteTable(staging))
	fmt.Fprintf(&b, " FIELDS TERMINATED BY %s OPTIONALLY ENCLOSED BY '\"' ESCAPED BY ''",
		core.QuoteLiteral(string(opts.Delimiter)))
	b.WriteString(" LINES TERMINATED BY '\\n'")
	if opts.HasHeader {
		b.WriteString(" IGNORE 1 LINES")
	}
	fmt.Fprintf(&b, " (%s) SET %s", strings.Join(vars, ", "), strings.Join(sets, ", "))
	return b.String()
}

// DropStaging uses DROP TEMPORARY TABLE, which unlike DROP TABLE does not
// commit the transaction.
func (t *loadTx) DropStaging(ctx context.Context, staging core.Table) error {
	if _, err := t.Tx.ExecContext(ctx, dropTemporarySQL(staging)); err != nil {
		return t.Err(err)
	}
	delete(t.staging, staging.String())
	return nil
}

func (t *loadTx) Commit(ctx context.Context) error {
	err := t.SQLTx.Commit(ctx)
	t.release(ctx)
	return err
}

func (t *loadTx) Rollback(ctx context.Context) error {
	err := t.SQLTx.Rollback(ctx)
	t.release(ctx)
	return err
}

// release drops staging tables the rollback left on the session and
// returns the connection to the pool.
func (t *loadTx) release(ctx context.Context) {
	if t.conn == nil {
		return
	}
	for key, staging := range t.staging {
		if _, err := t.conn.ExecContext(ctx, dropTemporarySQL(staging)); err == nil {
			delete(t.staging, key)
		}
	}
	if len(t.staging) > 0 {
		// The session still holds a staging table; discard it with the connection.
		_ = t.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	t.conn.Close()
	t.conn = nil
}

func createStagingSQL(staging, dest core.Table, columns []string) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s AS %s",
		core.MySQL.QuoteTable(staging), core.MySQL.EmptySelect(dest, columns))
}

func dropTemporarySQL(staging core.Table) string {
	return "DROP TEMPORARY TABLE IF EXISTS " + core.MySQL.QuoteTable(staging)
}

// retryableCodes are server errors raised by concurrency control.
var retryableCodes = map[uint16]bool{
	1205: true, // ER_LOCK_WAIT_TIMEOUT
	1213: true, // ER_LOCK_DEADLOCK
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && retryableCodes[myErr.Number] {
		return fmt.Errorf("%w: %w", core.ErrSerializationFailure, err)
	}
	return err
}
