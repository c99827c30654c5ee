package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists tasks with modernc.org/sqlite so the CLI can inspect
// runs started by another process.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at path, configures WAL mode and applies
// the schema.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	stage           TEXT NOT NULL DEFAULT '',
	progress        INTEGER NOT NULL DEFAULT 0,
	completed_steps INTEGER NOT NULL DEFAULT 0,
	total_steps     INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, name string, totalSteps int) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID:         uuid.New().String(),
		Name:       name,
		Status:     StatusPending,
		TotalSteps: totalSteps,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, name, status, total_steps, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, string(t.Status), t.TotalSteps, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert task")
	}
	return t, nil
}

const taskColumns = `id, name, status, stage, progress, completed_steps, total_steps, error, created_at, updated_at`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get %s", id)
	}
	return t, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close() //nolint:errcheck

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate tasks")
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) (*Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		SET status = CASE WHEN status = ? THEN status ELSE ? END,
			error = CASE WHEN ? = '' THEN error ELSE ? END,
			updated_at = ?
		WHERE id = ?`,
		string(StatusCancelled), string(status), errMsg, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update task status %s", id)
	}
	if err := checkRowsAffected(res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id, stage string, completedSteps int) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT total_steps FROM tasks WHERE id = ?`, id).Scan(&total); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: update progress %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: read task %s", id)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET stage = ?, completed_steps = ?, progress = ?, updated_at = ? WHERE id = ?`,
		stage, completedSteps, CalculateProgress(completedSteps, total), time.Now().UTC(), id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update progress %s", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit")
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Cancel(ctx context.Context, id string) (*Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?)`,
		string(StatusCancelled), time.Now().UTC(), id, string(StatusCompleted), string(StatusFailed),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: cancel %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrFinished, "sqlite: cancel %s (%s)", id, t.Status)
	}
	return t, nil
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: task %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*Task, error) {
	var (
		t      Task
		status string
	)
	if err := row.Scan(&t.ID, &t.Name, &status, &t.Stage, &t.Progress, &t.CompletedSteps,
		&t.TotalSteps, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	return &t, nil
}
