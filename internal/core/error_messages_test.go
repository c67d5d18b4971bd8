package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil error returns empty", nil, ""},
		{"limiter saturation", fmt.Errorf("acquire load slot: %w", ErrTooManyLoads), "LOAD001"},
		{"deadline", newError(KindTransaction, "commit", Table{Name: "stock"}, context.DeadlineExceeded), "LOAD003"},
		{"missing table", newError(KindSchema, "resolve columns", Table{Name: "stock"}, ErrTableNotFound), "SCH001"},
		{"unknown column", newError(KindSchema, "resolve fields", Table{Name: "stock"}, fmt.Errorf("%w: colour", ErrUnknownColumn)), "SCH002"},
		{"missing file", newError(KindInvalidRequest, "open file", Table{}, &os.PathError{Op: "stat", Path: "x.csv", Err: os.ErrNotExist}), "REQ003"},
		{"no key required", newError(KindConstraintDiscovery, "derive key", Table{Name: "stock"}, ErrNoReconciliationKey), "KEY002"},
		{"duplicate keys in file", newError(KindReconciliation, "check duplicate keys", Table{Name: "stock"}, ErrDuplicateKey), "REC002"},
		{"serialization failure", fmt.Errorf("%w: could not serialize access", ErrSerializationFailure), "TX002"},
		{"raw duplicate key text", errors.New("ERROR: duplicate key value violates unique constraint \"stock_isbn_key\""), "DB001"},
		{"raw connection refused", errors.New("dial tcp 127.0.0.1:5432: connection refused"), "DB004"},
		{"data format kind fallback", newError(KindDataFormat, "ingest", Table{Name: "stock"}, errors.New("invalid input syntax for type integer")), "DATA001"},
		{"reconciliation kind fallback", newError(KindReconciliation, "update matched", Table{Name: "stock"}, errors.New("boom")), "REC001"},
		{"unknown error returns default", errors.New("some random internal error"), "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q (%v)", got.Code, tt.wantCode, tt.err)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	err := newError(KindSchema, "resolve columns", Table{Name: "stock"}, ErrTableNotFound)

	want := "Table not found (Code: SCH001). Verify the table name and schema"
	if got := FormatUserError(err); got != want {
		t.Errorf("FormatUserError() = %q, want %q", got, want)
	}
	if got := FormatUserError(nil); got != "" {
		t.Errorf("FormatUserError(nil) = %q, want empty", got)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error is not user facing", nil, false},
		{"known error is user facing", errors.New("deadlock detected"), true},
		{"load error is user facing", newError(KindTransaction, "begin", Table{}, errors.New("x")), true},
		{"unknown error is not user facing", errors.New("random internal error xyz"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}
