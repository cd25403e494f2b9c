// Package tabular holds the in-memory dataset representation and its CSV and
// XLSX codecs.
package tabular

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Table is an ordered set of rows sharing one column schema. Cells are kept
// as strings; numeric interpretation happens per column on demand.
type Table struct {
	Columns []string
	Rows    [][]string
}

// New returns an empty table with the given columns.
func New(columns ...string) *Table {
	return &Table{Columns: append([]string(nil), columns...)}
}

// FromRecords builds a table whose first record is the header. Ragged rows
// are padded or truncated to the header width.
func FromRecords(records [][]string) (*Table, error) {
	if len(records) == 0 || len(records[0]) == 0 {
		return nil, eris.New("tabular: missing header row")
	}
	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	t := New(header...)
	for _, rec := range records[1:] {
		if err := t.Append(rec); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Append adds a row, normalising its width to the schema.
func (t *Table) Append(row []string) error {
	if len(t.Columns) == 0 {
		return eris.New("tabular: append to table without columns")
	}
	out := make([]string, len(t.Columns))
	copy(out, row)
	t.Rows = append(t.Rows, out)
	return nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// ColumnIndex returns the position of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether name is part of the schema.
func (t *Table) HasColumn(name string) bool {
	return t.ColumnIndex(name) >= 0
}

// Column returns a copy of the values of name.
func (t *Table) Column(name string) ([]string, bool) {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil, false
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out, true
}

// SetColumn overwrites name with values, appending the column when it does
// not exist yet. Re-running a stage that derives columns is therefore a no-op
// on the schema.
func (t *Table) SetColumn(name string, values []string) error {
	if len(values) != len(t.Rows) {
		return eris.Errorf("tabular: column %q has %d values for %d rows", name, len(values), len(t.Rows))
	}
	idx := t.ColumnIndex(name)
	if idx < 0 {
		t.Columns = append(t.Columns, name)
		for i := range t.Rows {
			t.Rows[i] = append(t.Rows[i], values[i])
		}
		return nil
	}
	for i := range t.Rows {
		t.Rows[i][idx] = values[i]
	}
	return nil
}

// Filter keeps the rows for which keep returns true and reports how many
// were dropped.
func (t *Table) Filter(keep func(row []string) bool) int {
	kept := t.Rows[:0]
	for _, row := range t.Rows {
		if keep(row) {
			kept = append(kept, row)
		}
	}
	removed := len(t.Rows) - len(kept)
	for i := len(kept); i < len(t.Rows); i++ {
		t.Rows[i] = nil
	}
	t.Rows = kept
	return removed
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	out := New(t.Columns...)
	out.Rows = make([][]string, len(t.Rows))
	for i, row := range t.Rows {
		out.Rows[i] = append([]string(nil), row...)
	}
	return out
}

// IsNumeric reports whether every non-empty cell of column idx parses as a
// float and at least one cell is non-empty.
func (t *Table) IsNumeric(idx int) bool {
	seen := false
	for _, row := range t.Rows {
		v := strings.TrimSpace(row[idx])
		if v == "" {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return false
		}
		seen = true
	}
	return seen
}

// Records returns the header followed by every row, the shape expected by
// tabular writers.
func (t *Table) Records() [][]string {
	out := make([][]string, 0, len(t.Rows)+1)
	out = append(out, t.Columns)
	out = append(out, t.Rows...)
	return out
}
