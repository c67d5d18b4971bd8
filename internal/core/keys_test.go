package core

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"testing"
)

func TestReconciliationKey(t *testing.T) {
	pk := UniqueConstraint{Name: "stock_pkey", Columns: []string{"id"}, Primary: true}
	isbn := UniqueConstraint{Name: "stock_isbn_key", Columns: []string{"isbn"}}
	composite := UniqueConstraint{Name: "stock_shop_sku_key", Columns: []string{"shop", "sku"}}

	tests := []struct {
		name        string
		constraints []UniqueConstraint
		fields      []string
		want        []string
	}{
		{"single covered constraint", []UniqueConstraint{pk, isbn}, []string{"isbn", "price", "stock"}, []string{"isbn"}},
		{"no constraints", nil, []string{"isbn"}, nil},
		{"partially covered composite contributes nothing", []UniqueConstraint{composite}, []string{"shop", "price"}, nil},
		{"fully covered composite", []UniqueConstraint{composite}, []string{"sku", "shop", "price"}, []string{"shop", "sku"}},
		{"union of covered constraints", []UniqueConstraint{pk, isbn, composite}, []string{"id", "isbn", "shop", "sku"}, []string{"id", "isbn", "shop", "sku"}},
		{"overlapping constraints deduplicated", []UniqueConstraint{composite, {Name: "x", Columns: []string{"sku"}}}, []string{"shop", "sku"}, []string{"shop", "sku"}},
		{"empty constraint ignored", []UniqueConstraint{{Name: "broken"}}, []string{"isbn"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReconciliationKey(tt.constraints, tt.fields)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ReconciliationKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveFields(t *testing.T) {
	columns := []string{"id", "isbn", "price", "stock", "Note"}

	tests := []struct {
		name      string
		requested []string
		want      []string
		wantErr   error
	}{
		{"empty selects all", nil, columns, nil},
		{"subset keeps request order", []string{"stock", "isbn"}, []string{"stock", "isbn"}, nil},
		{"case-insensitive fallback uses catalog spelling", []string{"ISBN", "note"}, []string{"isbn", "Note"}, nil},
		{"whitespace trimmed", []string{" isbn "}, []string{"isbn"}, nil},
		{"unknown column", []string{"isbn", "colour"}, nil, ErrUnknownColumn},
		{"duplicate column", []string{"isbn", "isbn"}, nil, ErrDuplicateColumn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveFields(tt.requested, columns)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("resolveFields() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("resolveFields() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithout(t *testing.T) {
	got := without([]string{"isbn", "price", "stock"}, []string{"isbn"})
	if want := []string{"price", "stock"}; !reflect.DeepEqual(got, want) {
		t.Errorf("without() = %v, want %v", got, want)
	}
	if got := without([]string{"isbn"}, []string{"isbn"}); len(got) != 0 {
		t.Errorf("without() = %v, want empty", got)
	}
}

var stagingPattern = regexp.MustCompile(`^[a-z0-9_]+_stg_[0-9a-f]{16}$`)

func TestStagingName(t *testing.T) {
	tests := []struct {
		base       string
		wantPrefix string
	}{
		{"stock", "stock_stg_"},
		{"Order Lines", "order_lines_stg_"},
		{"données", "donn_es_stg_"},
		{"", "load_stg_"},
	}

	for _, tt := range tests {
		got := StagingName(tt.base)
		if !strings.HasPrefix(got, tt.wantPrefix) {
			t.Errorf("StagingName(%q) = %q, want prefix %q", tt.base, got, tt.wantPrefix)
		}
		if !stagingPattern.MatchString(got) {
			t.Errorf("StagingName(%q) = %q, does not match %s", tt.base, got, stagingPattern)
		}
	}
}

func TestStagingName_LengthBounded(t *testing.T) {
	got := StagingName(strings.Repeat("very_long_table_name_", 10))
	if len(got) > maxStagingName {
		t.Errorf("len(StagingName()) = %d, want <= %d", len(got), maxStagingName)
	}
}

func TestStagingName_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		name := StagingName("stock")
		if seen[name] {
			t.Fatalf("StagingName collision after %d names: %s", i, name)
		}
		seen[name] = true
	}
}

func TestParseTable(t *testing.T) {
	tests := []struct {
		in      string
		want    Table
		wantErr bool
	}{
		{"stock", Table{Name: "stock"}, false},
		{"inventory.stock", Table{Schema: "inventory", Name: "stock"}, false},
		{" stock ", Table{Name: "stock"}, false},
		{"", Table{}, true},
		{".stock", Table{}, true},
		{"a.b.c", Table{}, true},
	}
	for _, tt := range tests {
		got, err := ParseTable(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTable(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTable(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseDelimiter(t *testing.T) {
	tests := []struct {
		in      string
		want    rune
		wantErr bool
	}{
		{"", ',', false},
		{",", ',', false},
		{"|", '|', false},
		{";", ';', false},
		{"\t", '\t', false},
		{"'", '\'', false},
		{"||", 0, true},
		{`"`, 0, true},
		{`\`, 0, true},
		{"\n", 0, true},
		{"é", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDelimiter(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDelimiter(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidDelimiter) {
			t.Errorf("ParseDelimiter(%q) error = %v, want ErrInvalidDelimiter", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseDelimiter(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseIsolation(t *testing.T) {
	tests := []struct {
		in      string
		want    IsolationLevel
		wantErr bool
	}{
		{"", Serializable, false},
		{"serializable", Serializable, false},
		{"REPEATABLE READ", RepeatableRead, false},
		{"repeatable_read", RepeatableRead, false},
		{"read_committed", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseIsolation(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseIsolation(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseIsolation(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
