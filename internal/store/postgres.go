package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/datapipe/internal/db"
	"github.com/sells-group/datapipe/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// access (the warehouse sink).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL DEFAULT 'added',
	resume_marker TEXT NOT NULL DEFAULT '',
	file_path     TEXT NOT NULL DEFAULT '',
	ai_config     JSONB,
	file_cleaned  JSONB,
	file_analysed JSONB,
	run_handle    TEXT NOT NULL DEFAULT '',
	version       BIGINT NOT NULL DEFAULT 1,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_by    TEXT NOT NULL DEFAULT 'system'
);

CREATE TABLE IF NOT EXISTS task_events (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	seq        BIGSERIAL,
	dataset_id TEXT NOT NULL,
	event      TEXT NOT NULL,
	payload    JSONB NOT NULL DEFAULT '{}',
	at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_task_events_dataset ON task_events(dataset_id, seq);
`

const postgresTaskColumns = `id, status, resume_marker, file_path, ai_config, file_cleaned, file_analysed, run_handle, version, created_at, updated_at, updated_by`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task model.Task) (*model.Task, bool, error) {
	now := time.Now().UTC()
	if task.Status == "" {
		task.Status = model.StatusAdded
	}
	aiJSON, err := marshalNullable(task.AIConfig, task.AIConfig == nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal ai config")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, status, resume_marker, file_path, ai_config, version, created_at, updated_at, updated_by)
		 VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
		task.ID, string(task.Status), string(task.Status), task.FilePath, aiJSON, now, now, model.SystemActor,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: insert task %s", task.ID)
	}

	stored, err := s.GetTask(ctx, task.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresTaskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanPostgresTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get task %s", id)
	}
	return t, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	query := `SELECT ` + postgresTaskColumns + ` FROM tasks WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanPostgresTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: list tasks iterate")
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to model.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, resume_marker = COALESCE($2::text, resume_marker), version = version + 1, updated_at = $3, updated_by = $4
		 WHERE id = $5 AND status = $6`,
		string(to), resumeValue(to), time.Now().UTC(), model.SystemActor, id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update status %s", id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: update status %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read status %s", id)
	}
	return eris.Wrapf(ErrStatusConflict, "postgres: update status %s: expected %s, found %s", id, from, current)
}

func (s *PostgresStore) ResetStatus(ctx context.Context, id string, to model.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, resume_marker = COALESCE($2::text, resume_marker), version = version + 1, updated_at = $3, updated_by = $4
		 WHERE id = $5`,
		string(to), resumeValue(to), time.Now().UTC(), model.SystemActor, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset status %s", id)
	}
	return checkTag(tag.RowsAffected(), id)
}

func (s *PostgresStore) UpdateSource(ctx context.Context, id, filePath string, cfg *model.AIConfig) error {
	aiJSON, err := marshalNullable(cfg, cfg == nil)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal ai config")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET file_path = $1, ai_config = COALESCE($2::jsonb, ai_config), version = version + 1, updated_at = $3 WHERE id = $4`,
		filePath, aiJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update source %s", id)
	}
	return checkTag(tag.RowsAffected(), id)
}

func (s *PostgresStore) SetArtifact(ctx context.Context, id string, kind model.ArtifactKind, ref model.FileRef) error {
	col, err := artifactColumn(kind)
	if err != nil {
		return err
	}
	refJSON, err := marshalNullable(ref, false)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal artifact")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET `+col+` = $1, version = version + 1, updated_at = $2 WHERE id = $3`,
		refJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set %s %s", col, id)
	}
	return checkTag(tag.RowsAffected(), id)
}

func (s *PostgresStore) SetRunHandle(ctx context.Context, id, handle string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET run_handle = $1, version = version + 1, updated_at = $2 WHERE id = $3`,
		handle, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set run handle %s", id)
	}
	return checkTag(tag.RowsAffected(), id)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev model.Event) error {
	payload, err := eventPayload(ev)
	if err != nil {
		return err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_events (id, dataset_id, event, payload, at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), ev.DatasetID, string(ev.Name), payload, at,
	)
	return eris.Wrapf(err, "postgres: append event %s", ev.RoutingKey())
}

func (s *PostgresStore) ListEvents(ctx context.Context, datasetID string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT dataset_id, event, payload, at FROM task_events WHERE dataset_id = $1 ORDER BY seq ASC LIMIT $2`,
		datasetID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list events %s", datasetID)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var id, name string
		var payload []byte
		if err := rows.Scan(&id, &name, &payload, &ev.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		if err := decodeEvent(id, name, payload, &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func checkTag(n int64, id string) error {
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "task %s", id)
	}
	return nil
}

func scanPostgresTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var status, resume string
	var aiJSON, cleanedJSON, analysedJSON []byte

	err := row.Scan(&t.ID, &status, &resume, &t.FilePath, &aiJSON, &cleanedJSON, &analysedJSON,
		&t.RunHandle, &t.Version, &t.CreatedAt, &t.UpdatedAt, &t.UpdatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan task")
	}
	t.Status = model.Status(status)
	t.ResumeMarker = model.Status(resume)

	if err := decodeTaskJSON(&t, aiJSON, cleanedJSON, analysedJSON); err != nil {
		return nil, err
	}
	return &t, nil
}
