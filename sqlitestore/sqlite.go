// Package sqlitestore implements convq.Store on a single SQLite file, for
// deployments that want durable task records without a Redis server.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/UniQw/convq"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  expires_at INTEGER,
  body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_status ON tasks (status);
CREATE INDEX IF NOT EXISTS tasks_expires_at ON tasks (expires_at);
`

// Store is a convq.Store backed by SQLite. The full record is kept as an
// encoded body; status and timestamps are mirrored into indexed columns.
type Store struct {
	db  *sql.DB
	enc convq.Encoder
}

var _ convq.Store = (*Store)(nil)

// Open opens or creates the database at path. Use ":memory:" for a private
// in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection serializes read-modify-write transactions
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, enc: &convq.JSONEncoder{}}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, t *convq.Task) error {
	body, err := s.enc.Encode(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, created_at, updated_at, expires_at, body)
         VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		t.ID, string(t.Status), t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(), expiresAt(t), string(body),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return convq.ErrDuplicateTaskID
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*convq.Task, error) {
	return s.get(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q queryer, id string) (*convq.Task, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM tasks WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, convq.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.decode(body)
}

func (s *Store) Update(ctx context.Context, id string, fn func(*convq.Task) error) (*convq.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	body, err := s.enc.Encode(t)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?, expires_at = ?, body = ? WHERE id = ?`,
		string(t.Status), t.UpdatedAt.UnixNano(), expiresAt(t), string(body), id,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*convq.Task, error) {
	return s.list(ctx,
		`SELECT body FROM tasks WHERE expires_at IS NOT NULL AND expires_at < ? ORDER BY created_at, id`,
		now.UnixNano())
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...convq.Status) ([]*convq.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	return s.list(ctx,
		fmt.Sprintf(`SELECT body FROM tasks WHERE status IN (%s) ORDER BY created_at, id`, marks),
		args...)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return convq.ErrNotFound
	}
	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*convq.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*convq.Task
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		t, err := s.decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) decode(body string) (*convq.Task, error) {
	var t convq.Task
	if err := s.enc.Decode([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("sqlitestore: decode task: %w", err)
	}
	return &t, nil
}

func expiresAt(t *convq.Task) sql.NullInt64 {
	if t.ExpiresAt.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.ExpiresAt.UnixNano(), Valid: true}
}
