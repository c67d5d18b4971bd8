package core

import (
	"fmt"
	"strings"
)

// Dialect captures the SQL differences between engines that matter to the
// reconciliation statements: identifier quoting and the shape of a joined
// UPDATE.
type Dialect struct {
	Name  string
	quote string

	// updateJoin selects UPDATE ... JOIN ... SET over UPDATE ... SET ... FROM.
	updateJoin bool
}

var (
	// ANSI quotes with double quotes and updates with UPDATE ... FROM.
	// Used by PostgreSQL, SQLite (3.33+) and DuckDB.
	ANSI = Dialect{Name: "ansi", quote: `"`}

	// MySQL quotes with backticks and updates with a multi-table UPDATE.
	MySQL = Dialect{Name: "mysql", quote: "`", updateJoin: true}
)

const (
	destAlias    = "dst"
	stagingAlias = "stg"
)

// QuoteIdent quotes a single identifier, doubling any embedded quote.
func (d Dialect) QuoteIdent(name string) string {
	return d.quote + strings.ReplaceAll(name, d.quote, d.quote+d.quote) + d.quote
}

// QuoteTable quotes a possibly schema-qualified table name.
func (d Dialect) QuoteTable(t Table) string {
	if t.Schema == "" {
		return d.QuoteIdent(t.Name)
	}
	return d.QuoteIdent(t.Schema) + "." + d.QuoteIdent(t.Name)
}

// QuoteList quotes and joins column names.
func (d Dialect) QuoteList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

func (d Dialect) qualified(alias string, cols []string, sep string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = alias + "." + d.QuoteIdent(c)
	}
	return strings.Join(parts, sep)
}

// joinOn renders dst.k1 = stg.k1 AND dst.k2 = stg.k2.
func (d Dialect) joinOn(key []string) string {
	parts := make([]string, len(key))
	for i, k := range key {
		q := d.QuoteIdent(k)
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", destAlias, q, stagingAlias, q)
	}
	return strings.Join(parts, " AND ")
}

// UpdateMatched builds the single set-based UPDATE that overwrites the set
// columns of every destination row whose key matches a staged row.
func (d Dialect) UpdateMatched(dest, staging Table, key, set []string) string {
	assignments := make([]string, len(set))
	for i, c := range set {
		q := d.QuoteIdent(c)
		if d.updateJoin {
			assignments[i] = fmt.Sprintf("%s.%s = %s.%s", destAlias, q, stagingAlias, q)
		} else {
			assignments[i] = fmt.Sprintf("%s = %s.%s", q, stagingAlias, q)
		}
	}

	if d.updateJoin {
		return fmt.Sprintf("UPDATE %s AS %s INNER JOIN %s AS %s ON %s SET %s",
			d.QuoteTable(dest), destAlias,
			d.QuoteTable(staging), stagingAlias,
			d.joinOn(key),
			strings.Join(assignments, ", "))
	}
	return fmt.Sprintf("UPDATE %s AS %s SET %s FROM %s AS %s WHERE %s",
		d.QuoteTable(dest), destAlias,
		strings.Join(assignments, ", "),
		d.QuoteTable(staging), stagingAlias,
		d.joinOn(key))
}

// InsertUnmatched builds the single INSERT ... SELECT that copies staged rows
// with no key match in the destination. With an empty key every staged row
// is copied.
func (d Dialect) InsertUnmatched(dest, staging Table, key, fields []string) string {
	insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s AS %s",
		d.QuoteTable(dest), d.QuoteList(fields),
		d.qualified(stagingAlias, fields, ", "),
		d.QuoteTable(staging), stagingAlias)
	if len(key) == 0 {
		return insert
	}
	return fmt.Sprintf("%s LEFT JOIN %s AS %s ON %s WHERE %s.%s IS NULL",
		insert,
		d.QuoteTable(dest), destAlias,
		d.joinOn(key),
		destAlias, d.QuoteIdent(key[0]))
}

// DuplicateKeys builds a query counting key values that occur more than
// once in staging. Rows with a NULL key column are ignored, as unique
// constraints ignore them.
func (d Dialect) DuplicateKeys(staging Table, key []string) string {
	notNull := make([]string, len(key))
	for i, k := range key {
		notNull[i] = d.QuoteIdent(k) + " IS NOT NULL"
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM (SELECT 1 AS dup FROM %s WHERE %s GROUP BY %s HAVING COUNT(*) > 1) AS dups",
		d.QuoteTable(staging),
		strings.Join(notNull, " AND "),
		d.QuoteList(key))
}

// EmptySelect selects the columns of t without returning a row. Staging
// tables are created from it so they carry the column types but none of
// the defaults, keys or NOT NULL constraints of columns the file omits.
func (d Dialect) EmptySelect(t Table, columns []string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE 1 = 0", d.QuoteList(columns), d.QuoteTable(t))
}

// DropTable builds an idempotent DROP TABLE.
func (d Dialect) DropTable(t Table) string {
	return "DROP TABLE IF EXISTS " + d.QuoteTable(t)
}

// QuoteLiteral renders s as a single-quoted SQL string literal.
// Only used for values that engines do not accept as bind parameters
// (COPY options).
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
