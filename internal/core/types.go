// Package core provides the load pipeline that syncs a delimited file into a
// relational table. This package has no transport dependencies and can be
// driven by the CLI, the HTTP API or the scheduler.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Table identifies a relational table, optionally schema-qualified.
type Table struct {
	Schema string
	Name   string
}

// ParseTable parses "name" or "schema.name".
func ParseTable(s string) (Table, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Table{}, fmt.Errorf("%w: table name is empty", ErrInvalidRequest)
	}
	schema, name, found := strings.Cut(s, ".")
	if !found {
		return Table{Name: s}, nil
	}
	if schema == "" || name == "" || strings.Contains(name, ".") {
		return Table{}, fmt.Errorf("%w: malformed table name %q", ErrInvalidRequest, s)
	}
	return Table{Schema: schema, Name: name}, nil
}

func (t Table) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// UniqueConstraint is a unique index or constraint (including a primary key)
// read from the engine catalog.
type UniqueConstraint struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Primary bool     `json:"primary,omitempty"`
}

// IsolationLevel is the transaction isolation a load runs under.
// Only levels that prevent lost updates are representable.
type IsolationLevel int

const (
	Serializable IsolationLevel = iota
	RepeatableRead
)

// ParseIsolation maps a configuration value to an IsolationLevel.
func ParseIsolation(s string) (IsolationLevel, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "_")) {
	case "", "serializable":
		return Serializable, nil
	case "repeatable_read":
		return RepeatableRead, nil
	default:
		return 0, fmt.Errorf("unsupported isolation level %q", s)
	}
}

func (l IsolationLevel) String() string {
	if l == RepeatableRead {
		return "repeatable_read"
	}
	return "serializable"
}

// TxOptions configures the transaction wrapping a load.
type TxOptions struct {
	Isolation IsolationLevel
	ReadOnly  bool
}

// IngestOptions describes the file an engine bulk-loads into staging.
type IngestOptions struct {
	Path      string
	Columns   []string
	Delimiter rune
	HasHeader bool
}

// Engine is a relational database the loader can sync files into.
type Engine interface {
	// Name reports the registered driver name.
	Name() string
	Dialect() Dialect
	Begin(ctx context.Context, opts TxOptions) (Tx, error)
	Close() error
}

// Tx is one load transaction. Every method runs inside it; staging tables
// created through it must not outlive it.
type Tx interface {
	// Columns lists the table's columns in table order.
	// Returns an error wrapping ErrTableNotFound if the table does not exist.
	Columns(ctx context.Context, table Table) ([]string, error)

	// UniqueConstraints lists unique constraints and unique indexes on an
	// ordinary table. Partial and expression indexes are excluded.
	UniqueConstraints(ctx context.Context, table Table) ([]UniqueConstraint, error)

	// CreateStaging creates an empty, constraint-free table holding the
	// given columns of dest, typed as in dest.
	CreateStaging(ctx context.Context, staging, dest Table, columns []string) error

	// IndexStaging indexes the staging table on the reconciliation key.
	IndexStaging(ctx context.Context, staging Table, columns []string) error

	// Ingest bulk-loads the file into staging and returns the rows loaded.
	Ingest(ctx context.Context, staging Table, opts IngestOptions) (int64, error)

	// Exec runs a statement and returns the rows it affected.
	Exec(ctx context.Context, query string) (int64, error)

	// Scalar runs a query returning a single integer.
	Scalar(ctx context.Context, query string) (int64, error)

	// DropStaging removes the staging table. Dropping twice is not an error.
	DropStaging(ctx context.Context, staging Table) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Request describes a single load. Use NewRequest for the documented defaults.
type Request struct {
	Table string `json:"table"`
	Path  string `json:"path"`

	// Fields lists destination columns in file order. Empty means every
	// destination column in table order.
	Fields []string `json:"fields,omitempty"`

	Delimiter         string `json:"delimiter"`
	ReplaceDuplicates bool   `json:"replace_duplicates"`
	HasHeader         bool   `json:"has_header"`

	// RequireKey fails the load instead of degrading to insert-only when no
	// reconciliation key can be derived.
	RequireKey bool `json:"require_key,omitempty"`
}

// NewRequest returns a request with a comma delimiter, no header and
// duplicate replacement enabled.
func NewRequest(table, path string) Request {
	return Request{
		Table:             table,
		Path:              path,
		Delimiter:         ",",
		ReplaceDuplicates: true,
	}
}

// Result reports what a committed load did.
type Result struct {
	LoadID       string        `json:"load_id"`
	Table        string        `json:"table"`
	Staging      string        `json:"staging"`
	Fields       []string      `json:"fields"`
	Key          []string      `json:"key"`
	RowsStaged   int64         `json:"rows_staged"`
	RowsUpdated  int64         `json:"rows_updated"`
	RowsInserted int64         `json:"rows_inserted"`
	Checksum     string        `json:"checksum,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Warnings     []string      `json:"warnings,omitempty"`
}

// KeyReport describes how a table would be reconciled for a set of fields.
type KeyReport struct {
	Table       string             `json:"table"`
	Columns     []string           `json:"columns"`
	Fields      []string           `json:"fields"`
	Constraints []UniqueConstraint `json:"constraints"`
	Key         []string           `json:"key"`
}
