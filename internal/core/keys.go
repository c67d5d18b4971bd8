package core

import (
	"fmt"
	"strings"
)

// ReconciliationKey derives the columns rows are matched on.
//
// A constraint qualifies only when every one of its columns is among
// fields; a partially covered constraint contributes nothing. The key is
// the union of qualifying constraint columns, in first-seen order.
func ReconciliationKey(constraints []UniqueConstraint, fields []string) []string {
	present := make(map[string]bool, len(fields))
	for _, f := range fields {
		present[f] = true
	}

	var key []string
	seen := make(map[string]bool)
	for _, c := range constraints {
		if len(c.Columns) == 0 || !coveredBy(c.Columns, present) {
			continue
		}
		for _, col := range c.Columns {
			if !seen[col] {
				seen[col] = true
				key = append(key, col)
			}
		}
	}
	return key
}

func coveredBy(cols []string, present map[string]bool) bool {
	for _, col := range cols {
		if !present[col] {
			return false
		}
	}
	return true
}

// resolveFields validates requested fields against the destination columns
// and returns them spelled as the catalog spells them. An empty request
// selects every column.
func resolveFields(requested, columns []string) ([]string, error) {
	if len(requested) == 0 {
		return columns, nil
	}

	exact := make(map[string]bool, len(columns))
	folded := make(map[string][]string, len(columns))
	for _, c := range columns {
		exact[c] = true
		lc := strings.ToLower(c)
		folded[lc] = append(folded[lc], c)
	}

	fields := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	var unknown []string
	for _, f := range requested {
		f = strings.TrimSpace(f)
		name := f
		if !exact[f] {
			// Fall back to a case-insensitive match only when it is unambiguous.
			if m := folded[strings.ToLower(f)]; len(m) == 1 {
				name = m[0]
			} else {
				unknown = append(unknown, f)
				continue
			}
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateColumn, name)
		}
		seen[name] = true
		fields = append(fields, name)
	}

	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, strings.Join(unknown, ", "))
	}
	return fields, nil
}

// without returns fields minus the columns in key, order preserved.
func without(fields, key []string) []string {
	drop := make(map[string]bool, len(key))
	for _, k := range key {
		drop[k] = true
	}
	var out []string
	for _, f := range fields {
		if !drop[f] {
			out = append(out, f)
		}
	}
	return out
}
