package clean

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/datapipe/internal/tabular"
)

// DefaultFenceMultiplier is Tukey's k.
const DefaultFenceMultiplier = 1.5

// Options configures a Cleaner.
type Options struct {
	// TextColumns are sanitised when present. Default: full_text.
	TextColumns []string
	// FenceMultiplier scales the IQR when computing outlier bounds.
	FenceMultiplier float64
	// IdentifierColumns are excluded from outlier filtering in addition to
	// the built-in naming convention.
	IdentifierColumns []string
}

// Report summarises what a Clean pass changed.
type Report struct {
	SanitizedCells int            `json:"sanitized_cells"`
	Duplicates     int            `json:"duplicates_removed"`
	Outliers       map[string]int `json:"outliers_removed"`
	RowsBefore     int            `json:"rows_before"`
	RowsAfter      int            `json:"rows_after"`
}

// Cleaner applies the cleaning rules to a table in place.
type Cleaner struct {
	opts Options
}

// New creates a Cleaner with defaults applied.
func New(opts Options) *Cleaner {
	if len(opts.TextColumns) == 0 {
		opts.TextColumns = []string{"full_text"}
	}
	if opts.FenceMultiplier <= 0 {
		opts.FenceMultiplier = DefaultFenceMultiplier
	}
	return &Cleaner{opts: opts}
}

// Clean sanitises text columns, drops duplicate rows, then drops numeric
// outliers column by column.
func (c *Cleaner) Clean(t *tabular.Table) Report {
	rep := Report{RowsBefore: t.Len(), Outliers: map[string]int{}}

	for _, col := range c.opts.TextColumns {
		idx := t.ColumnIndex(col)
		if idx < 0 {
			continue
		}
		for _, row := range t.Rows {
			cleaned := Sanitize(row[idx])
			if cleaned != row[idx] {
				rep.SanitizedCells++
			}
			row[idx] = cleaned
		}
	}

	rep.Duplicates = Dedupe(t)

	var numeric []int
	for idx, col := range t.Columns {
		if !IsIdentifierColumn(col, c.opts.IdentifierColumns) && t.IsNumeric(idx) {
			numeric = append(numeric, idx)
		}
	}
	for _, idx := range numeric {
		if n := RemoveOutliers(t, idx, c.opts.FenceMultiplier); n > 0 {
			rep.Outliers[t.Columns[idx]] = n
		}
	}

	rep.RowsAfter = t.Len()
	return rep
}

// Dedupe removes rows identical in every column, keeping the first.
func Dedupe(t *tabular.Table) int {
	seen := make(map[string]struct{}, t.Len())
	return t.Filter(func(row []string) bool {
		key := strings.Join(row, "\x1f")
		if _, dup := seen[key]; dup {
			return false
		}
		seen[key] = struct{}{}
		return true
	})
}

// IsIdentifierColumn reports whether name looks like a row or entity key.
func IsIdentifierColumn(name string, extra []string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case n == "id", n == "uid", n == "uuid":
		return true
	case strings.HasSuffix(n, "_id"), strings.HasPrefix(n, "id_"):
		return true
	}
	for _, e := range extra {
		if strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}

// RemoveOutliers drops rows whose value in column idx lies outside
// [Q1-k*IQR, Q3+k*IQR]. Columns with zero IQR are left alone, and rows with
// an empty cell are kept.
func RemoveOutliers(t *tabular.Table, idx int, k float64) int {
	values := make([]float64, 0, t.Len())
	for _, row := range t.Rows {
		if v, ok := parseCell(row[idx]); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)

	q1 := Quantile(values, 0.25)
	q3 := Quantile(values, 0.75)
	iqr := q3 - q1
	if iqr == 0 {
		return 0
	}
	lower, upper := q1-k*iqr, q3+k*iqr

	return t.Filter(func(row []string) bool {
		v, ok := parseCell(row[idx])
		if !ok {
			return true
		}
		return v >= lower && v <= upper
	})
}

// Quantile returns the q-th quantile of sorted using linear interpolation
// between closest ranks.
func Quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func parseCell(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}
