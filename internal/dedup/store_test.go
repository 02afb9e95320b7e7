package dedup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"taskplanner/internal/reminder"
	logx "taskplanner/pkg/logx"
)

func testKey(task string, due time.Time, off reminder.Offset) reminder.Key {
	return reminder.NewKey(task, due, off)
}

// openerFor returns a factory that reopens the same store path, so tests
// can assert persistence across close/reopen.
func openerFor(t *testing.T, driver string) func() Store {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{Driver: driver, Path: filepath.Join(dir, "reminders.db")}
	return func() Store {
		st, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("open %s store: %v", driver, err)
		}
		return st
	}
}

func TestStoreMarkAndHas(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			open := openerFor(t, driver)
			st := open()
			defer st.Close()

			ctx := context.Background()
			due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)
			k := testKey("t1", due, reminder.Countdown(5))

			if ok, err := st.HasFired(ctx, k); err != nil || ok {
				t.Fatalf("HasFired before mark = %v, %v", ok, err)
			}
			if err := st.MarkFired(ctx, k, due.Add(-5*time.Minute)); err != nil {
				t.Fatalf("MarkFired: %v", err)
			}
			if ok, err := st.HasFired(ctx, k); err != nil || !ok {
				t.Fatalf("HasFired after mark = %v, %v", ok, err)
			}

			// Same task, different offset and different schedule are
			// independent slots.
			if ok, _ := st.HasFired(ctx, testKey("t1", due, reminder.Countdown(4))); ok {
				t.Fatal("different offset unexpectedly marked")
			}
			if ok, _ := st.HasFired(ctx, testKey("t1", due.Add(time.Hour), reminder.Countdown(5))); ok {
				t.Fatal("different schedule unexpectedly marked")
			}

			// Marking twice is a no-op, not an error.
			if err := st.MarkFired(ctx, k, due); err != nil {
				t.Fatalf("second MarkFired: %v", err)
			}
		})
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			open := openerFor(t, driver)
			ctx := context.Background()
			due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)

			st := open()
			for _, off := range []reminder.Offset{reminder.Countdown(3), reminder.DueNow, reminder.Overdue} {
				if err := st.MarkFired(ctx, testKey("t1", due, off), due); err != nil {
					t.Fatalf("MarkFired(%v): %v", off, err)
				}
			}
			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			st2 := open()
			defer st2.Close()
			for _, off := range []reminder.Offset{reminder.Countdown(3), reminder.DueNow, reminder.Overdue} {
				ok, err := st2.HasFired(ctx, testKey("t1", due, off))
				if err != nil || !ok {
					t.Fatalf("after reopen HasFired(%v) = %v, %v", off, ok, err)
				}
			}
			if ok, _ := st2.HasFired(ctx, testKey("t1", due, reminder.Countdown(2))); ok {
				t.Fatal("unmarked offset reported fired after reopen")
			}
		})
	}
}

func TestStoreInvalidate(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			open := openerFor(t, driver)
			ctx := context.Background()
			due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)

			st := open()
			_ = st.MarkFired(ctx, testKey("t1", due, reminder.Countdown(5)), due)
			_ = st.MarkFired(ctx, testKey("t1", due, reminder.DueNow), due)
			_ = st.MarkFired(ctx, testKey("t2", due, reminder.Countdown(5)), due)

			if err := st.Invalidate(ctx, "t1"); err != nil {
				t.Fatalf("Invalidate: %v", err)
			}
			if ok, _ := st.HasFired(ctx, testKey("t1", due, reminder.Countdown(5))); ok {
				t.Fatal("t1 record survived invalidation")
			}
			if ok, _ := st.HasFired(ctx, testKey("t2", due, reminder.Countdown(5))); !ok {
				t.Fatal("t2 record lost by t1 invalidation")
			}
			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			// The tombstone must survive reopen too.
			st2 := open()
			defer st2.Close()
			if ok, _ := st2.HasFired(ctx, testKey("t1", due, reminder.DueNow)); ok {
				t.Fatal("invalidation lost after reopen")
			}
			if ok, _ := st2.HasFired(ctx, testKey("t2", due, reminder.Countdown(5))); !ok {
				t.Fatal("t2 record lost after reopen")
			}
		})
	}
}

func TestFileStoreRetentionPruning(t *testing.T) {
	t.Parallel()

	open := openerFor(t, "file")
	ctx := context.Background()

	ancient := time.Now().Add(-Retention - 24*time.Hour)
	recent := time.Now().Add(-time.Hour)

	st := open()
	_ = st.MarkFired(ctx, testKey("old", ancient, reminder.Overdue), ancient)
	_ = st.MarkFired(ctx, testKey("new", recent, reminder.Overdue), recent)
	_ = st.Close()

	// Pruning runs on load.
	st2 := open()
	defer st2.Close()
	if ok, _ := st2.HasFired(ctx, testKey("old", ancient, reminder.Overdue)); ok {
		t.Fatal("record past retention survived reopen")
	}
	if ok, _ := st2.HasFired(ctx, testKey("new", recent, reminder.Overdue)); !ok {
		t.Fatal("recent record lost by pruning")
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)
	st := NewMemory()
	k := testKey("t1", due, reminder.DueNow)

	if ok, _ := st.HasFired(ctx, k); ok {
		t.Fatal("fresh memory store reported fired")
	}
	if err := st.MarkFired(ctx, k, due); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}
	if ok, _ := st.HasFired(ctx, k); !ok {
		t.Fatal("mark lost")
	}
	if err := st.Invalidate(ctx, "t1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if ok, _ := st.HasFired(ctx, k); ok {
		t.Fatal("invalidated record still reported")
	}
}

func TestOpenDriverSelection(t *testing.T) {
	t.Parallel()

	if st, err := Open(Config{}, logx.Nop()); err != nil || st != nil {
		t.Fatalf("Open with empty driver = %v, %v; want nil, nil", st, err)
	}
	if st, err := Open(Config{Driver: "none"}, logx.Nop()); err != nil || st != nil {
		t.Fatalf("Open(none) = %v, %v; want nil, nil", st, err)
	}
	if _, err := Open(Config{Driver: "bolt", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("sqlite driver without path accepted")
	}
}
