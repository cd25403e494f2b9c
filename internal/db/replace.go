package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// DatasetRowColumns are the columns of a dataset warehouse table.
var DatasetRowColumns = []string{"dataset_id", "row_index", "data"}

// DatasetTableDDL returns the CREATE statement for a dataset warehouse table.
func DatasetTableDDL(table string) string {
	t := sanitizeTable(table)
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	dataset_id TEXT NOT NULL,
	row_index  INTEGER NOT NULL,
	data       JSONB NOT NULL,
	PRIMARY KEY (dataset_id, row_index)
)`, t)
}

// EnsureDatasetTable creates the warehouse table when missing.
func EnsureDatasetTable(ctx context.Context, pool Pool, table string) error {
	_, err := pool.Exec(ctx, DatasetTableDDL(table))
	return eris.Wrapf(err, "db: ensure table %s", table)
}

// ReplaceRows swaps every row of one dataset in a warehouse table inside a
// single transaction: existing rows for datasetID are deleted, then the new
// rows are loaded with COPY. Each row is stored as a JSON object keyed by
// column name, so re-running for the same dataset leaves exactly one copy.
func ReplaceRows(ctx context.Context, pool Pool, table, datasetID string, columns []string, rows [][]string) (int64, error) {
	if len(columns) == 0 {
		return 0, eris.New("db: replace rows: no columns specified")
	}

	payload := make([][]any, 0, len(rows))
	for i, row := range rows {
		obj := make(map[string]string, len(columns))
		for j, col := range columns {
			if j < len(row) {
				obj[col] = row[j]
			} else {
				obj[col] = ""
			}
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return 0, eris.Wrapf(err, "db: replace rows: marshal row %d", i)
		}
		payload = append(payload, []any{datasetID, i, data})
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: replace rows: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	del := fmt.Sprintf("DELETE FROM %s WHERE dataset_id = $1", sanitizeTable(table))
	if _, err := tx.Exec(ctx, del, datasetID); err != nil {
		return 0, eris.Wrapf(err, "db: replace rows: delete %s from %s", datasetID, table)
	}

	var n int64
	if len(payload) > 0 {
		n, err = tx.CopyFrom(ctx, identifier(table), DatasetRowColumns, pgx.CopyFromRows(payload))
		if err != nil {
			return 0, eris.Wrapf(err, "db: replace rows: COPY INTO %s", table)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: replace rows: commit tx")
	}
	return n, nil
}

// RowSink replaces dataset rows in one warehouse table.
type RowSink struct {
	pool  Pool
	table string
}

// NewRowSink creates a sink writing to table.
func NewRowSink(pool Pool, table string) *RowSink {
	return &RowSink{pool: pool, table: table}
}

// Table returns the target table name.
func (s *RowSink) Table() string {
	return s.table
}

// Replace swaps the rows stored for datasetID. See ReplaceRows.
func (s *RowSink) Replace(ctx context.Context, datasetID string, columns []string, rows [][]string) (int64, error) {
	return ReplaceRows(ctx, s.pool, s.table, datasetID, columns, rows)
}
