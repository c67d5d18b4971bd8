package core

// loader.go runs a single load end to end:
//
//  1. validate the request
//  2. resolve destination columns (SchemaError)
//  3. create the staging table (SchemaError)
//  4. bulk-load the file into staging (DataFormatError)
//  5. discover unique constraints and derive the key (ConstraintDiscoveryError)
//  6. update matched rows, insert unmatched rows, drop staging (ReconciliationError)
//  7. commit (TransactionError)
//
// All stages share one transaction. Any failure rolls it back, which also
// discards the staging table.

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/JonMunkholm/csvmerge/internal/logging"
)

// rollbackTimeout bounds cleanup after the caller's context is gone.
const rollbackTimeout = 30 * time.Second

// Loader syncs delimited files into tables of one engine.
type Loader struct {
	engine    Engine
	isolation IsolationLevel
	logger    *slog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithIsolation sets the isolation level loads run under (default Serializable).
func WithIsolation(level IsolationLevel) LoaderOption {
	return func(l *Loader) { l.isolation = level }
}

// WithLogger sets the base logger (default slog.Default()).
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a Loader for engine.
func NewLoader(engine Engine, opts ...LoaderOption) *Loader {
	l := &Loader{
		engine:    engine,
		isolation: Serializable,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Engine returns the engine this loader writes to.
func (l *Loader) Engine() Engine {
	return l.engine
}

// Load runs req in a single transaction. On failure the destination is
// unchanged, no staging table survives, and the returned error is a
// *LoadError. Load never retries.
func (l *Loader) Load(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	dest, delim, err := validateRequest(req)
	if err != nil {
		return nil, err
	}

	loadID := uuid.NewString()
	ctx = logging.WithLoad(ctx, loadID)
	logger := logging.Enrich(ctx, l.logger).With("table", dest.String(), "engine", l.engine.Name())

	res := &Result{LoadID: loadID, Table: dest.String()}
	err = l.run(ctx, logger, dest, delim, req, res)
	res.Duration = time.Since(start)
	observeLoad(dest.String(), res, err, res.Duration)

	if err != nil {
		logger.Error("load failed", "kind", KindOf(err).String(), "error", err, "duration_ms", res.Duration.Milliseconds())
		return nil, err
	}

	logger.Info("load committed",
		"staging", res.Staging,
		"key", res.Key,
		"rows_staged", res.RowsStaged,
		"rows_updated", res.RowsUpdated,
		"rows_inserted", res.RowsInserted,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func (l *Loader) run(ctx context.Context, logger *slog.Logger, dest Table, delim rune, req Request, res *Result) error {
	tx, err := l.engine.Begin(ctx, TxOptions{Isolation: l.isolation})
	if err != nil {
		return newError(KindTransaction, "begin", dest, err)
	}

	finished := false
	defer func() {
		if finished {
			return
		}
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		defer cancel()
		if rbErr := tx.Rollback(rbCtx); rbErr != nil {
			logger.Error("rollback failed", "error", rbErr)
		}
	}()

	d := l.engine.Dialect()

	columns, err := tx.Columns(ctx, dest)
	if err != nil {
		return newError(KindSchema, "resolve columns", dest, err)
	}
	fields, err := resolveFields(req.Fields, columns)
	if err != nil {
		return newError(KindSchema, "resolve fields", dest, err)
	}
	res.Fields = fields

	staging := Table{Name: StagingName(dest.Name)}
	if err := tx.CreateStaging(ctx, staging, dest, fields); err != nil {
		return newError(KindSchema, "create staging", dest, err)
	}
	res.Staging = staging.Name
	logger = logger.With("staging", staging.Name)
	logger.Debug("staging created")

	rows, err := tx.Ingest(ctx, staging, IngestOptions{
		Path:      req.Path,
		Columns:   fields,
		Delimiter: delim,
		HasHeader: req.HasHeader,
	})
	if err != nil {
		return newError(KindDataFormat, "ingest", dest, err)
	}
	res.RowsStaged = rows
	logger.Debug("file ingested", "rows", rows)

	constraints, err := tx.UniqueConstraints(ctx, dest)
	if err != nil {
		return newError(KindConstraintDiscovery, "list unique constraints", dest, err)
	}
	key := ReconciliationKey(constraints, fields)
	res.Key = key
	logger.Debug("constraints discovered", "constraints", len(constraints), "key", key)

	if len(key) == 0 {
		if req.RequireKey {
			return newError(KindConstraintDiscovery, "derive key", dest,
				fmt.Errorf("%w: no unique constraint is fully covered by %v", ErrNoReconciliationKey, fields))
		}
		msg := "no unique constraint is covered by the loaded fields; every row is inserted"
		res.Warnings = append(res.Warnings, msg)
		logger.Warn(msg, "fields", fields)
	} else {
		if err := l.reconcileKeyed(ctx, logger, tx, d, dest, staging, key, fields, req.ReplaceDuplicates, res); err != nil {
			return err
		}
	}

	inserted, err := tx.Exec(ctx, d.InsertUnmatched(dest, staging, key, fields))
	if err != nil {
		return newError(KindReconciliation, "insert unmatched", dest, err)
	}
	res.RowsInserted = inserted

	if err := tx.DropStaging(ctx, staging); err != nil {
		return newError(KindReconciliation, "drop staging", dest, err)
	}

	finished = true
	if err := tx.Commit(ctx); err != nil {
		return newError(KindTransaction, "commit", dest, err)
	}
	return nil
}

// reconcileKeyed prepares staging for a keyed merge and applies the update
// step when replacement is enabled.
func (l *Loader) reconcileKeyed(ctx context.Context, logger *slog.Logger, tx Tx, d Dialect,
	dest, staging Table, key, fields []string, replace bool, res *Result) error {

	dups, err := tx.Scalar(ctx, d.DuplicateKeys(staging, key))
	if err != nil {
		return newError(KindReconciliation, "check duplicate keys", dest, err)
	}
	if dups > 0 {
		return newError(KindReconciliation, "check duplicate keys", dest,
			fmt.Errorf("%w: %d key value(s) of %v repeat", ErrDuplicateKey, dups, key))
	}

	if err := tx.IndexStaging(ctx, staging, key); err != nil {
		return newError(KindReconciliation, "index staging", dest, err)
	}

	if !replace {
		return nil
	}
	set := without(fields, key)
	if len(set) == 0 {
		logger.Debug("update skipped: every loaded field is part of the key")
		return nil
	}

	updated, err := tx.Exec(ctx, d.UpdateMatched(dest, staging, key, set))
	if err != nil {
		return newError(KindReconciliation, "update matched", dest, err)
	}
	res.RowsUpdated = updated
	return nil
}

// Discover reports the columns, unique constraints and reconciliation key a
// load of fields into table would use. It changes nothing.
func (l *Loader) Discover(ctx context.Context, table string, fields []string) (*KeyReport, error) {
	dest, err := ParseTable(table)
	if err != nil {
		return nil, newError(KindInvalidRequest, "parse table", Table{}, err)
	}

	tx, err := l.engine.Begin(ctx, TxOptions{Isolation: l.isolation, ReadOnly: true})
	if err != nil {
		return nil, newError(KindTransaction, "begin", dest, err)
	}
	defer func() {
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		defer cancel()
		_ = tx.Rollback(rbCtx)
	}()

	columns, err := tx.Columns(ctx, dest)
	if err != nil {
		return nil, newError(KindSchema, "resolve columns", dest, err)
	}
	resolved, err := resolveFields(fields, columns)
	if err != nil {
		return nil, newError(KindSchema, "resolve fields", dest, err)
	}
	constraints, err := tx.UniqueConstraints(ctx, dest)
	if err != nil {
		return nil, newError(KindConstraintDiscovery, "list unique constraints", dest, err)
	}

	return &KeyReport{
		Table:       dest.String(),
		Columns:     columns,
		Fields:      resolved,
		Constraints: constraints,
		Key:         ReconciliationKey(constraints, resolved),
	}, nil
}

// validateRequest checks everything that can be checked without a
// transaction.
func validateRequest(req Request) (Table, rune, error) {
	dest, err := ParseTable(req.Table)
	if err != nil {
		return Table{}, 0, newError(KindInvalidRequest, "parse table", Table{}, err)
	}

	delim, err := ParseDelimiter(req.Delimiter)
	if err != nil {
		return Table{}, 0, newError(KindInvalidRequest, "parse delimiter", dest, err)
	}

	if req.Path == "" {
		return Table{}, 0, newError(KindInvalidRequest, "open file", dest,
			fmt.Errorf("%w: no file provided", ErrInvalidRequest))
	}
	info, err := os.Stat(req.Path)
	if err != nil {
		return Table{}, 0, newError(KindInvalidRequest, "open file", dest, err)
	}
	if info.IsDir() {
		return Table{}, 0, newError(KindInvalidRequest, "open file", dest,
			fmt.Errorf("%w: %s is a directory", ErrInvalidRequest, req.Path))
	}
	return dest, delim, nil
}

// ParseDelimiter validates a field delimiter. Empty means ','. Any single
// printable ASCII character or tab is accepted except the CSV quote, the
// backslash and line breaks.
func ParseDelimiter(s string) (rune, error) {
	if s == "" {
		return ',', nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("%w: %q must be a single character", ErrInvalidDelimiter, s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	switch {
	case r == '\t':
		return r, nil
	case r < 0x20 || r > 0x7e, r == '"', r == '\\':
		return 0, fmt.Errorf("%w: %q is not allowed", ErrInvalidDelimiter, s)
	}
	return r, nil
}
