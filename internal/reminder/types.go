package reminder

import (
	"fmt"
	"time"
)

// TaskStatus mirrors the status column of the shared task database.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Eligible reports whether a task in this status can generate reminders.
func (s TaskStatus) Eligible() bool {
	return s == StatusPending || s == StatusInProgress
}

// Task is a read-only snapshot row handed to the evaluator.
// The task database is owned by the desktop/web apps; this core never
// writes to it.
type Task struct {
	ID     string
	Title  string
	Status TaskStatus

	// DueAt is the combined due date+time. Zero means the task never
	// generates notifications.
	DueAt time.Time

	// WindowMinutes is the countdown lead time for this task.
	// 0 falls back to the evaluator default.
	WindowMinutes int
}

// OffsetKind discriminates the three notification shapes.
type OffsetKind uint8

const (
	// OffsetCountdown is a whole-minute countdown tick (1..window).
	OffsetCountdown OffsetKind = iota + 1
	// OffsetDueNow fires when the due instant is reached.
	OffsetDueNow
	// OffsetOverdue fires once when a task is first seen past due.
	OffsetOverdue
)

// Offset is the typed notification slot within a task's schedule.
// It replaces the ad hoc string keys the legacy implementation used
// (concatenated id+timestamp+suffix), so the at-most-once rule is
// enforced by the type rather than by string formatting.
type Offset struct {
	Kind    OffsetKind
	Minutes int // meaningful for OffsetCountdown only
}

func Countdown(minutes int) Offset { return Offset{Kind: OffsetCountdown, Minutes: minutes} }

var (
	DueNow  = Offset{Kind: OffsetDueNow}
	Overdue = Offset{Kind: OffsetOverdue}
)

// Code returns a short stable token used in persisted dedup records.
func (o Offset) Code() string {
	switch o.Kind {
	case OffsetCountdown:
		return fmt.Sprintf("m%d", o.Minutes)
	case OffsetDueNow:
		return "due"
	case OffsetOverdue:
		return "overdue"
	default:
		return "invalid"
	}
}

func (o Offset) String() string { return o.Code() }

// ParseOffset reverses Code. Used by dedup drivers when rehydrating
// persisted records.
func ParseOffset(code string) (Offset, bool) {
	switch {
	case code == "due":
		return DueNow, true
	case code == "overdue":
		return Overdue, true
	case len(code) > 1 && code[0] == 'm':
		n := 0
		for _, c := range code[1:] {
			if c < '0' || c > '9' {
				return Offset{}, false
			}
			n = n*10 + int(c-'0')
		}
		if n < 1 {
			return Offset{}, false
		}
		return Countdown(n), true
	default:
		return Offset{}, false
	}
}

// Key identifies one unique notification opportunity.
//
// DueUnix pins the key to the task's current schedule: when due_at changes,
// every offset re-arms automatically because the new schedule produces new
// keys. Records for the old schedule become unreachable and are cleaned up
// by Invalidate or retention pruning.
type Key struct {
	TaskID  string
	DueUnix int64
	Offset  Offset
}

func NewKey(taskID string, dueAt time.Time, off Offset) Key {
	return Key{TaskID: taskID, DueUnix: dueAt.Unix(), Offset: off}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d/%s", k.TaskID, k.DueUnix, k.Offset.Code())
}

// Event is one fired notification. It is handed to the notifier and
// never persisted beyond its dedup key.
type Event struct {
	// ID is a per-delivery identifier so downstream channels (browser
	// push consumers, chat clients) can dedup retried sends.
	ID string `json:"id"`

	TaskID string `json:"task_id"`
	Title  string `json:"title"`

	Offset Offset `json:"-"`

	// MinutesUntilDue is positive for countdown ticks, zero at the due
	// instant and -1 for the overdue notice.
	MinutesUntilDue int       `json:"minutes_until_due"`
	DueAt           time.Time `json:"due_at"`
	FiredAt         time.Time `json:"fired_at"`
}

// Key returns the dedup key this event occupies.
func (e Event) Key() Key { return NewKey(e.TaskID, e.DueAt, e.Offset) }

// Subject is the short notification title, matching the desktop app's
// toast headings.
func (e Event) Subject() string {
	switch e.Offset.Kind {
	case OffsetDueNow:
		return "Task Due"
	case OffsetOverdue:
		return "Overdue Task"
	default:
		return "Task Reminder"
	}
}

// Message renders the human-readable notification body.
func (e Event) Message() string {
	switch e.Offset.Kind {
	case OffsetDueNow:
		return fmt.Sprintf("%q is due now", e.Title)
	case OffsetOverdue:
		return fmt.Sprintf("%q is overdue", e.Title)
	default:
		if e.MinutesUntilDue == 1 {
			return fmt.Sprintf("%q is due in 1 minute", e.Title)
		}
		return fmt.Sprintf("%q is due in %d minutes", e.Title, e.MinutesUntilDue)
	}
}
