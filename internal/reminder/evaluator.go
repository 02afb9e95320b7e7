package reminder

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "taskplanner/pkg/logx"
)

// DefaultWindowMinutes is the countdown lead time used when neither the
// task nor the config specifies one.
const DefaultWindowMinutes = 15

// SeenFunc reports whether a notification opportunity was already used.
// The poller wires this to the dedup store; tests wire it to a map.
type SeenFunc func(Key) bool

// Evaluator computes which notifications are due at a given instant.
// It is pure apart from logging: same inputs, same outputs.
type Evaluator struct {
	// DefaultWindow is the countdown window for tasks with WindowMinutes == 0.
	DefaultWindow int

	Log logx.Logger
}

// MinutesUntil returns the whole-minute offset of due relative to now,
// rounded up. An event for minute m therefore becomes eligible exactly at
// T-m minutes and stays eligible for one minute, never earlier:
//
//	due-now   (m == 0) covers (T-1m, T]      ... reaching the due instant
//	countdown (m >= 1) covers (T-(m+1)m, T-m·1m]
//	overdue   (m < 0)  starts one minute past due
//
// Rounding down instead would make each offset fire up to a minute early,
// which breaks the no-premature-firing rule.
func MinutesUntil(due, now time.Time) int {
	d := due.Sub(now)
	q := d / time.Minute
	if d%time.Minute > 0 {
		q++
	}
	return int(q)
}

// Evaluate returns the events that should fire at now, in ascending
// minutes-until-due order (deterministic for tests; the order carries no
// semantics).
//
// Malformed rows (missing id, zero due) are skipped and logged, never
// aborting the batch: one bad task must not silence reminders for the rest.
func (ev Evaluator) Evaluate(now time.Time, tasks []Task, seen SeenFunc) []Event {
	defWindow := ev.DefaultWindow
	if defWindow <= 0 {
		defWindow = DefaultWindowMinutes
	}

	var out []Event
	for _, t := range tasks {
		if strings.TrimSpace(t.ID) == "" {
			ev.Log.Warn("skipping task with empty id", logx.String("title", t.Title))
			continue
		}
		if t.DueAt.IsZero() {
			ev.Log.Warn("skipping task with no due timestamp", logx.String("task", t.ID))
			continue
		}
		if !t.Status.Eligible() {
			continue
		}

		window := t.WindowMinutes
		if window <= 0 {
			window = defWindow
		}

		m := MinutesUntil(t.DueAt, now)

		var off Offset
		switch {
		case m > window:
			// Not yet in the reminder window.
			continue
		case m >= 1:
			off = Countdown(m)
		case m == 0:
			off = DueNow
		default:
			// Past due. The overdue slot fires once at first detection,
			// however late that detection is; it never re-fires on later
			// ticks or after restarts.
			off = Overdue
			m = -1
		}

		key := NewKey(t.ID, t.DueAt, off)
		if seen != nil && seen(key) {
			continue
		}

		out = append(out, Event{
			ID:              uuid.NewString(),
			TaskID:          t.ID,
			Title:           t.Title,
			Offset:          off,
			MinutesUntilDue: m,
			DueAt:           t.DueAt,
			FiredAt:         now,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].MinutesUntilDue != out[j].MinutesUntilDue {
			return out[i].MinutesUntilDue < out[j].MinutesUntilDue
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}
