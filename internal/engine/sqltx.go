package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/JonMunkholm/csvmerge/internal/core"
)

// SQLTx implements the statement-level half of core.Tx over database/sql.
// Engine packages embed it and add catalog and ingest methods.
type SQLTx struct {
	Tx      *sql.Tx
	Dialect core.Dialect

	// Classify maps driver errors, typically marking serialization
	// failures. Nil leaves errors unchanged.
	Classify func(error) error
}

// Err applies Classify.
func (t *SQLTx) Err(err error) error {
	if err == nil || t.Classify == nil {
		return err
	}
	return t.Classify(err)
}

func (t *SQLTx) Exec(ctx context.Context, query string) (int64, error) {
	res, err := t.Tx.ExecContext(ctx, query)
	if err != nil {
		return 0, t.Err(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (t *SQLTx) Scalar(ctx context.Context, query string) (int64, error) {
	var n sql.NullInt64
	if err := t.Tx.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, t.Err(err)
	}
	return n.Int64, nil
}

// Strings runs a query returning one text column.
func (t *SQLTx) Strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := t.Tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, t.Err(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, t.Err(rows.Err())
}

func (t *SQLTx) DropStaging(ctx context.Context, staging core.Table) error {
	_, err := t.Tx.ExecContext(ctx, t.Dialect.DropTable(staging))
	return t.Err(err)
}

func (t *SQLTx) Commit(context.Context) error {
	return t.Err(t.Tx.Commit())
}

func (t *SQLTx) Rollback(context.Context) error {
	if err := t.Tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
