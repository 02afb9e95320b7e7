// Package taskstore reads the shared task database. The desktop and web
// frontends own the schema and do the bulk of the writing; this daemon
// mostly takes read snapshots for the reminder loop.
package taskstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskplanner/internal/reminder"
	logx "taskplanner/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// dueLayouts are tried in order when parsing due_at. The frontends write
// RFC 3339; older rows may carry a bare local timestamp or date.
var dueLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

type Config struct {
	Path        string
	BusyTimeout time.Duration

	// Location resolves due_at values written without a zone offset.
	// Nil means time.Local.
	Location *time.Location
}

type Store struct {
	db  *sql.DB
	loc *time.Location
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("tasks.path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, loc: loc, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ListEligible snapshots the tasks that can still generate reminders:
// pending or in-progress rows with a due date set. Rows with a due_at the
// store cannot parse are logged and skipped rather than failing the whole
// snapshot; one bad row must not silence every other reminder.
func (s *Store) ListEligible(ctx context.Context, now time.Time) ([]reminder.Task, error) {
	_ = now
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, status, due_at, reminder_window_minutes
		   FROM tasks
		  WHERE status IN ('pending', 'in_progress')
		    AND due_at IS NOT NULL
		    AND due_at <> ''
		  ORDER BY due_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reminder.Task
	for rows.Next() {
		var (
			t      reminder.Task
			status string
			due    string
			window sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.Title, &status, &due, &window); err != nil {
			return nil, err
		}
		dueAt, err := s.parseDue(due)
		if err != nil {
			s.log.Warn("skipping task with unparseable due_at",
				logx.String("task", t.ID), logx.String("due_at", due), logx.Err(err))
			continue
		}
		t.Status = reminder.TaskStatus(status)
		t.DueAt = dueAt
		if window.Valid {
			t.WindowMinutes = int(window.Int64)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) parseDue(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty due_at")
	}
	for _, layout := range dueLayouts {
		if ts, err := time.ParseInLocation(layout, v, s.loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized due_at format %q", v)
}

// CreateTask inserts a row. Exists for seeding and tests; the frontends
// are the usual writers.
func (s *Store) CreateTask(ctx context.Context, t reminder.Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id is required")
	}
	if t.Status == "" {
		t.Status = reminder.StatusPending
	}
	var due any
	if !t.DueAt.IsZero() {
		due = t.DueAt.Format(time.RFC3339)
	}
	now := time.Now().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, title, status, due_at, reminder_window_minutes, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		t.ID, t.Title, string(t.Status), due, t.WindowMinutes, now, now)
	return err
}

// SetStatus updates a task's status column.
func (s *Store) SetStatus(ctx context.Context, taskID string, status reminder.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Format(time.RFC3339), taskID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %q not found", taskID)
	}
	return nil
}

// Reschedule moves a task's due instant. The reminder dedup keys embed the
// due timestamp, so the moved task re-arms automatically.
func (s *Store) Reschedule(ctx context.Context, taskID string, dueAt time.Time) error {
	var due any
	if !dueAt.IsZero() {
		due = dueAt.Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET due_at = ?, updated_at = ? WHERE id = ?`,
		due, time.Now().Format(time.RFC3339), taskID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %q not found", taskID)
	}
	return nil
}
