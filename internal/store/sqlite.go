package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/datapipe/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL DEFAULT 'added',
	resume_marker TEXT NOT NULL DEFAULT '',
	file_path     TEXT NOT NULL DEFAULT '',
	ai_config     TEXT,
	file_cleaned  TEXT,
	file_analysed TEXT,
	run_handle    TEXT NOT NULL DEFAULT '',
	version       INTEGER NOT NULL DEFAULT 1,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_by    TEXT NOT NULL DEFAULT 'system'
);

CREATE TABLE IF NOT EXISTS task_events (
	id         TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL,
	event      TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_task_events_dataset ON task_events(dataset_id, at);
`

const sqliteTaskColumns = `id, status, resume_marker, file_path, ai_config, file_cleaned, file_analysed, run_handle, version, created_at, updated_at, updated_by`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task model.Task) (*model.Task, bool, error) {
	now := time.Now().UTC()
	if task.Status == "" {
		task.Status = model.StatusAdded
	}
	aiJSON, err := marshalNullable(task.AIConfig, task.AIConfig == nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal ai config")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, resume_marker, file_path, ai_config, version, created_at, updated_at, updated_by)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		task.ID, string(task.Status), string(task.Status), task.FilePath, nullString(aiJSON), now, now, model.SystemActor,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert task %s", task.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}

	stored, err := s.GetTask(ctx, task.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get task %s", id)
	}
	return t, err
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	query := `SELECT ` + sqliteTaskColumns + ` FROM tasks WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close() //nolint:errcheck

	var tasks []model.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: list tasks iterate")
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, from, to model.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, resume_marker = COALESCE(?, resume_marker), version = version + 1, updated_at = ?, updated_by = ?
		 WHERE id = ? AND status = ?`,
		string(to), resumeValue(to), time.Now().UTC(), model.SystemActor, id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return eris.Wrapf(ErrStatusConflict, "sqlite: update status %s: expected %s", id, from)
}

func (s *SQLiteStore) ResetStatus(ctx context.Context, id string, to model.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, resume_marker = COALESCE(?, resume_marker), version = version + 1, updated_at = ?, updated_by = ?
		 WHERE id = ?`,
		string(to), resumeValue(to), time.Now().UTC(), model.SystemActor, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset status %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) UpdateSource(ctx context.Context, id, filePath string, cfg *model.AIConfig) error {
	aiJSON, err := marshalNullable(cfg, cfg == nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal ai config")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET file_path = ?, ai_config = COALESCE(?, ai_config), version = version + 1, updated_at = ? WHERE id = ?`,
		filePath, nullString(aiJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update source %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) SetArtifact(ctx context.Context, id string, kind model.ArtifactKind, ref model.FileRef) error {
	col, err := artifactColumn(kind)
	if err != nil {
		return err
	}
	refJSON, err := marshalNullable(ref, false)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal artifact")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+col+` = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		string(refJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set %s %s", col, id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) SetRunHandle(ctx context.Context, id, handle string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET run_handle = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		handle, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set run handle %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev model.Event) error {
	payload, err := eventPayload(ev)
	if err != nil {
		return err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_events (id, dataset_id, event, payload, at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), ev.DatasetID, string(ev.Name), string(payload), at,
	)
	return eris.Wrapf(err, "sqlite: append event %s", ev.RoutingKey())
}

func (s *SQLiteStore) ListEvents(ctx context.Context, datasetID string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT dataset_id, event, payload, at FROM task_events WHERE dataset_id = ? ORDER BY rowid ASC LIMIT ?`,
		datasetID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list events %s", datasetID)
	}
	defer rows.Close() //nolint:errcheck

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var id, name, payload string
		if err := rows.Scan(&id, &name, &payload, &ev.At); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		if err := decodeEvent(id, name, []byte(payload), &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "task %s", id)
	}
	return nil
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row scannable) (*model.Task, error) {
	var t model.Task
	var status, resume string
	var aiJSON, cleanedJSON, analysedJSON sql.NullString

	err := row.Scan(&t.ID, &status, &resume, &t.FilePath, &aiJSON, &cleanedJSON, &analysedJSON,
		&t.RunHandle, &t.Version, &t.CreatedAt, &t.UpdatedAt, &t.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan task")
	}
	t.Status = model.Status(status)
	t.ResumeMarker = model.Status(resume)

	if err := decodeTaskJSON(&t, []byte(aiJSON.String), []byte(cleanedJSON.String), []byte(analysedJSON.String)); err != nil {
		return nil, err
	}
	return &t, nil
}
