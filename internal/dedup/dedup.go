// Package dedup persists which notification opportunities were used, so
// every countdown minute fires at most once per task and schedule, even
// across process restarts. In-memory-only bookkeeping would regress to
// the old "reminders only work while the app is open" failure the daemon
// exists to fix.
package dedup

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskplanner/internal/reminder"
	logx "taskplanner/pkg/logx"
)

var ErrDisabled = errors.New("dedup store disabled")

// Retention bounds how long records for past schedules are kept. A record
// whose due instant is this far gone can only matter to the one-shot
// overdue slot, and a task still pending after this long has had its
// overdue notice for months.
const Retention = 90 * 24 * time.Hour

// Config configures the store.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", Open returns (nil, nil) and the host
// should fall back to NewMemory.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the durable at-most-once ledger. Implementations must make
// MarkFired safe to call concurrently with HasFired, though the reminder
// service only ever runs one evaluation pass at a time.
type Store interface {
	HasFired(ctx context.Context, k reminder.Key) (bool, error)
	MarkFired(ctx context.Context, k reminder.Key, firedAt time.Time) error

	// Invalidate drops every record for a task. Hosts call it when a task
	// is completed, cancelled or deleted. A due_at change needs no call:
	// keys embed the due instant, so a new schedule starts clean.
	Invalidate(ctx context.Context, taskID string) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the store is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown dedup driver: " + driver)
	}
}
