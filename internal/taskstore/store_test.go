package taskstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"taskplanner/internal/reminder"
	logx "taskplanner/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "tasks.db"),
		Location: time.UTC,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestListEligibleFiltersStatusAndDue(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)

	seed := []reminder.Task{
		{ID: "p1", Title: "pending", Status: reminder.StatusPending, DueAt: due},
		{ID: "w1", Title: "working", Status: reminder.StatusInProgress, DueAt: due.Add(time.Hour)},
		{ID: "c1", Title: "completed", Status: reminder.StatusCompleted, DueAt: due},
		{ID: "x1", Title: "cancelled", Status: reminder.StatusCancelled, DueAt: due},
		{ID: "n1", Title: "no due", Status: reminder.StatusPending},
	}
	for _, task := range seed {
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask(%s): %v", task.ID, err)
		}
	}

	got, err := st.ListEligible(ctx, due)
	if err != nil {
		t.Fatalf("ListEligible: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d tasks, want 2: %+v", len(got), got)
	}
	if got[0].ID != "p1" || got[1].ID != "w1" {
		t.Fatalf("unexpected order/filter: %+v", got)
	}
	if !got[0].DueAt.Equal(due) {
		t.Fatalf("due round-trip: got %v, want %v", got[0].DueAt, due)
	}
}

func TestListEligibleSkipsMalformedDue(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)

	if err := st.CreateTask(ctx, reminder.Task{
		ID: "good", Title: "good", Status: reminder.StatusPending, DueAt: due,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	// Bypass the helper to plant a broken row, the way a buggy frontend
	// write would.
	if _, err := st.db.ExecContext(ctx,
		`INSERT INTO tasks(id, title, status, due_at, reminder_window_minutes, created_at, updated_at)
		 VALUES('bad', 'bad', 'pending', 'next tuesday', 0, '', '')`); err != nil {
		t.Fatalf("seed bad row: %v", err)
	}

	got, err := st.ListEligible(ctx, due)
	if err != nil {
		t.Fatalf("ListEligible: %v", err)
	}
	if len(got) != 1 || got[0].ID != "good" {
		t.Fatalf("got %+v, want only the good row", got)
	}
}

func TestParseDueLayouts(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)

	cases := []struct {
		in   string
		want time.Time
	}{
		{"2025-03-10T10:45:00Z", time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)},
		{"2025-03-10 10:45:00", time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)},
		{"2025-03-10T10:45:00", time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)},
		{"2025-03-10 10:45", time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)},
		{"2025-03-10", time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := st.parseDue(tc.in)
		if err != nil {
			t.Fatalf("parseDue(%q): %v", tc.in, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("parseDue(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "soon", "10:45", "03/10/2025"} {
		if _, err := st.parseDue(bad); err == nil {
			t.Fatalf("parseDue(%q) unexpectedly succeeded", bad)
		}
	}
}

func TestSetStatusAndReschedule(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)

	if err := st.CreateTask(ctx, reminder.Task{
		ID: "t1", Title: "x", Status: reminder.StatusPending, DueAt: due,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := st.SetStatus(ctx, "t1", reminder.StatusCompleted); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, err := st.ListEligible(ctx, due)
	if err != nil {
		t.Fatalf("ListEligible: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("completed task still listed: %+v", got)
	}

	if err := st.SetStatus(ctx, "t1", reminder.StatusInProgress); err != nil {
		t.Fatalf("SetStatus back: %v", err)
	}
	newDue := due.Add(2 * time.Hour)
	if err := st.Reschedule(ctx, "t1", newDue); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	got, err = st.ListEligible(ctx, due)
	if err != nil {
		t.Fatalf("ListEligible: %v", err)
	}
	if len(got) != 1 || !got[0].DueAt.Equal(newDue) {
		t.Fatalf("reschedule not visible: %+v", got)
	}

	if err := st.SetStatus(ctx, "missing", reminder.StatusCompleted); err == nil {
		t.Fatal("SetStatus on missing task succeeded")
	}
	if err := st.Reschedule(ctx, "missing", newDue); err == nil {
		t.Fatal("Reschedule on missing task succeeded")
	}
}
