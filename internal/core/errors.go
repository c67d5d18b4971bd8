package core

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies load failures by the stage that raised them.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRequest
	KindSchema
	KindDataFormat
	KindConstraintDiscovery
	KindReconciliation
	KindTransaction
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid request"
	case KindSchema:
		return "schema error"
	case KindDataFormat:
		return "data format error"
	case KindConstraintDiscovery:
		return "constraint discovery error"
	case KindReconciliation:
		return "reconciliation error"
	case KindTransaction:
		return "transaction error"
	default:
		return "unknown error"
	}
}

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidDelimiter    = errors.New("invalid delimiter")
	ErrTableNotFound       = errors.New("table not found")
	ErrUnknownColumn       = errors.New("unknown column")
	ErrDuplicateColumn     = errors.New("duplicate column")
	ErrNoReconciliationKey = errors.New("no reconciliation key")
	ErrDuplicateKey        = errors.New("duplicate key values in file")

	// ErrSerializationFailure is wrapped by engines around errors the database
	// raised to abort a transaction that may succeed if run again
	// (serialization failures, deadlocks, lock timeouts).
	ErrSerializationFailure = errors.New("serialization failure")
)

// LoadError is returned by every failed load.
type LoadError struct {
	Kind  Kind
	Op    string
	Table string
	Err   error
}

func (e *LoadError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Table, e.Op, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, table Table, err error) *LoadError {
	return &LoadError{Kind: kind, Op: op, Table: table.String(), Err: err}
}

// KindOf returns the Kind of the first LoadError in err's chain.
func KindOf(err error) Kind {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether running the same load again may succeed.
// The loader never retries by itself; callers decide.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSerializationFailure) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return KindOf(err) == KindTransaction
}
