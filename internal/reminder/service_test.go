package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "taskplanner/pkg/logx"
)

func nopLogger() logx.Logger { return logx.Nop() }

type fakeSource struct {
	mu    sync.Mutex
	tasks []Task
	err   error
}

func (f *fakeSource) ListEligible(ctx context.Context, now time.Time) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]Task(nil), f.tasks...), nil
}

func (f *fakeSource) set(tasks ...Task) {
	f.mu.Lock()
	f.tasks = tasks
	f.mu.Unlock()
}

type fakeLedger struct {
	mu      sync.Mutex
	fired   map[Key]time.Time
	hasErr  error
	markErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{fired: map[Key]time.Time{}}
}

func (l *fakeLedger) HasFired(ctx context.Context, k Key) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasErr != nil {
		return false, l.hasErr
	}
	_, ok := l.fired[k]
	return ok, nil
}

func (l *fakeLedger) MarkFired(ctx context.Context, k Key, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.markErr != nil {
		return l.markErr
	}
	if _, ok := l.fired[k]; !ok {
		l.fired[k] = at
	}
	return nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (n *captureNotifier) Notify(ctx context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, ev)
	return nil
}

func (n *captureNotifier) all() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestService(src TaskSource, ledger Ledger, notif Notifier, clock *testClock) *Service {
	s := New(Config{Enabled: true, PollInterval: 30 * time.Second, DefaultWindowMinutes: 15},
		src, ledger, notif, nil, nopLogger())
	s.SetClock(clock.Now)
	return s
}

// walkTicks advances the clock in 30s steps from start to end inclusive,
// forcing an evaluation pass at each step.
func walkTicks(t *testing.T, s *Service, clock *testClock, start, end time.Time) {
	t.Helper()
	for at := start; !at.After(end); at = at.Add(30 * time.Second) {
		clock.Set(at)
		if err := s.ForceCheck(context.Background()); err != nil {
			t.Fatalf("tick at %v: %v", at, err)
		}
	}
}

// TestServiceScheduleScenario drives the canonical case: task due 10:45:00,
// window 15, 30s ticks starting 10:29:00. Every offset 15..1, due-now and
// overdue fires exactly once, in order.
func TestServiceScheduleScenario(t *testing.T) {
	t.Parallel()

	due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)
	src := &fakeSource{}
	src.set(Task{ID: "t1", Title: "ship release", Status: StatusPending, DueAt: due})
	ledger := newFakeLedger()
	notif := &captureNotifier{}
	clock := &testClock{}
	s := newTestService(src, ledger, notif, clock)

	walkTicks(t, s, clock, due.Add(-16*time.Minute), due.Add(2*time.Minute))

	events := notif.all()
	if len(events) != 17 {
		t.Fatalf("got %d events, want 17", len(events))
	}
	for i, e := range events {
		wantMinutes := 15 - i
		if i == 16 {
			wantMinutes = -1
		}
		if e.MinutesUntilDue != wantMinutes {
			t.Fatalf("event %d minutes = %d, want %d", i, e.MinutesUntilDue, wantMinutes)
		}
	}

	// Re-running the same span fires nothing new.
	walkTicks(t, s, clock, due.Add(-16*time.Minute), due.Add(2*time.Minute))
	if got := len(notif.all()); got != 17 {
		t.Fatalf("replay produced %d events, want 17", got)
	}
}

// A daemon restart with the same durable ledger must not repeat anything.
func TestServiceRestartDoesNotRefire(t *testing.T) {
	t.Parallel()

	due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)
	src := &fakeSource{}
	src.set(Task{ID: "t1", Title: "x", Status: StatusPending, DueAt: due})
	ledger := newFakeLedger()
	clock := &testClock{}

	first := &captureNotifier{}
	s1 := newTestService(src, ledger, first, clock)
	walkTicks(t, s1, clock, due.Add(-16*time.Minute), due.Add(-5*time.Minute))
	if len(first.all()) != 11 { // 15..5
		t.Fatalf("pre-restart fired %d, want 11", len(first.all()))
	}

	// New service instance, same ledger.
	second := &captureNotifier{}
	s2 := newTestService(src, ledger, second, clock)
	walkTicks(t, s2, clock, due.Add(-16*time.Minute), due.Add(2*time.Minute))

	events := second.all()
	if len(events) != 6 { // 4..1, due, overdue
		t.Fatalf("post-restart fired %d, want 6: %+v", len(events), events)
	}
	if events[0].MinutesUntilDue != 4 {
		t.Fatalf("first post-restart event minutes = %d, want 4", events[0].MinutesUntilDue)
	}
}

// A due_at change re-arms every offset because the keys embed the schedule.
func TestServiceRescheduleRearms(t *testing.T) {
	t.Parallel()

	due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)
	src := &fakeSource{}
	src.set(Task{ID: "t1", Title: "x", Status: StatusPending, DueAt: due})
	ledger := newFakeLedger()
	notif := &captureNotifier{}
	clock := &testClock{}
	s := newTestService(src, ledger, notif, clock)

	walkTicks(t, s, clock, due.Add(-15*time.Minute), due.Add(-10*time.Minute))
	firedBefore := len(notif.all())
	if firedBefore != 6 { // 15..10
		t.Fatalf("fired %d before reschedule, want 6", firedBefore)
	}

	newDue := due.Add(30 * time.Minute) // 11:15
	src.set(Task{ID: "t1", Title: "x", Status: StatusPending, DueAt: newDue})

	walkTicks(t, s, clock, newDue.Add(-15*time.Minute), newDue)
	events := notif.all()[firedBefore:]
	if len(events) != 16 { // 15..1 plus due-now, all re-armed
		t.Fatalf("fired %d after reschedule, want 16: %+v", len(events), events)
	}
	if events[0].MinutesUntilDue != 15 || !events[0].DueAt.Equal(newDue) {
		t.Fatalf("first rescheduled event unexpected: %+v", events[0])
	}
}

// Completing a task stops its reminders immediately: the source simply
// stops returning it.
func TestServiceStatusChangeSuppresses(t *testing.T) {
	t.Parallel()

	due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)
	src := &fakeSource{}
	src.set(Task{ID: "t1", Title: "x", Status: StatusPending, DueAt: due})
	ledger := newFakeLedger()
	notif := &captureNotifier{}
	clock := &testClock{}
	s := newTestService(src, ledger, notif, clock)

	walkTicks(t, s, clock, due.Add(-15*time.Minute), due.Add(-12*time.Minute))
	fired := len(notif.all())
	if fired == 0 {
		t.Fatal("expected some countdown events before completion")
	}

	src.set(Task{ID: "t1", Title: "x", Status: StatusCompleted, DueAt: due})
	walkTicks(t, s, clock, due.Add(-11*time.Minute), due.Add(2*time.Minute))
	if got := len(notif.all()); got != fired {
		t.Fatalf("completed task kept firing: %d -> %d", fired, got)
	}
}

// A notifier that rejects the event leaves the slot unmarked so the next
// tick retries it.
func TestServiceNotifyFailureRetriesNextTick(t *testing.T) {
	t.Parallel()

	due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)
	src := &fakeSource{}
	src.set(Task{ID: "t1", Title: "x", Status: StatusPending, DueAt: due})
	ledger := newFakeLedger()
	notif := &captureNotifier{err: errors.New("queue full")}
	clock := &testClock{}
	s := newTestService(src, ledger, notif, clock)

	clock.Set(due.Add(-5 * time.Minute))
	if err := s.ForceCheck(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(notif.all()) != 0 {
		t.Fatal("rejected event should not be recorded as delivered")
	}
	if len(ledger.fired) != 0 {
		t.Fatal("rejected event must not be marked fired")
	}

	notif.mu.Lock()
	notif.err = nil
	notif.mu.Unlock()

	clock.Set(due.Add(-4*time.Minute - 30*time.Second))
	if err := s.ForceCheck(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	events := notif.all()
	if len(events) != 1 || events[0].MinutesUntilDue != 5 {
		t.Fatalf("retry tick events = %+v, want one m5 event", events)
	}
}

// A ledger read failure biases toward duplicates, never silence.
func TestServiceLedgerReadFailureStillDelivers(t *testing.T) {
	t.Parallel()

	due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)
	src := &fakeSource{}
	src.set(Task{ID: "t1", Title: "x", Status: StatusPending, DueAt: due})
	ledger := newFakeLedger()
	ledger.hasErr = errors.New("disk unhappy")
	notif := &captureNotifier{}
	clock := &testClock{}
	s := newTestService(src, ledger, notif, clock)

	clock.Set(due.Add(-5 * time.Minute))
	if err := s.ForceCheck(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(notif.all()) != 1 {
		t.Fatalf("got %d events, want delivery despite ledger read failure", len(notif.all()))
	}
}

// A source failure skips the tick and surfaces in health; the next tick
// recovers.
func TestServiceSourceFailureSkipsTick(t *testing.T) {
	t.Parallel()

	due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)
	src := &fakeSource{err: errors.New("database is locked")}
	ledger := newFakeLedger()
	notif := &captureNotifier{}
	clock := &testClock{}
	s := newTestService(src, ledger, notif, clock)

	clock.Set(due.Add(-5 * time.Minute))
	if err := s.ForceCheck(context.Background()); err == nil {
		t.Fatal("expected tick error")
	}
	h := s.Health()
	if h.ConsecutiveFailures != 1 || h.LastError == "" {
		t.Fatalf("health after failure = %+v", h)
	}

	src.mu.Lock()
	src.err = nil
	src.tasks = []Task{{ID: "t1", Title: "x", Status: StatusPending, DueAt: due}}
	src.mu.Unlock()

	if err := s.ForceCheck(context.Background()); err != nil {
		t.Fatalf("recovery tick: %v", err)
	}
	h = s.Health()
	if h.ConsecutiveFailures != 0 || h.EventsFired != 1 {
		t.Fatalf("health after recovery = %+v", h)
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	ledger := newFakeLedger()
	notif := &captureNotifier{}
	s := New(Config{Enabled: true, PollInterval: 30 * time.Second}, src, ledger, notif, nil, nopLogger())

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // idempotent
	if !s.Health().Running {
		t.Fatal("expected running after Start")
	}
	s.Stop(ctx)
	s.Stop(ctx) // safe twice
	if s.Health().Running {
		t.Fatal("expected stopped after Stop")
	}

	// Stop without Start is a no-op.
	s2 := New(Config{Enabled: true}, src, ledger, notif, nil, nopLogger())
	s2.Stop(ctx)
}

// blockingSource parks ListEligible until released, signalling entry, so a
// test can hold an evaluation pass in flight.
type blockingSource struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSource) ListEligible(ctx context.Context, now time.Time) ([]Task, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil, nil
}

// Changing the poll interval while an evaluation pass is in flight must not
// wedge the service: the queued trigger firing needs the service lock to
// run, so Apply cannot hold it while draining the old trigger.
func TestApplyIntervalChangeDuringSlowTick(t *testing.T) {
	t.Parallel()

	src := &blockingSource{entered: make(chan struct{}, 1), release: make(chan struct{})}
	ledger := newFakeLedger()
	notif := &captureNotifier{}
	s := New(Config{Enabled: true, PollInterval: time.Second, DefaultWindowMinutes: 15},
		src, ledger, notif, nil, nopLogger())

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	select {
	case <-src.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never reached the task source")
	}

	// Let the 1s trigger fire and queue up behind the in-flight pass.
	time.Sleep(1500 * time.Millisecond)

	applied := make(chan struct{})
	go func() {
		s.Apply(Config{Enabled: true, PollInterval: 2 * time.Second, DefaultWindowMinutes: 15})
		close(applied)
	}()

	// Unblock the slow pass so the queued firing, and with it the old
	// trigger's drain, can complete.
	time.Sleep(100 * time.Millisecond)
	close(src.release)

	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("Apply hung on an interval change during a slow pass")
	}

	if got := s.interval(); got != 2*time.Second {
		t.Fatalf("interval after Apply = %v, want 2s", got)
	}
	if err := s.ForceCheck(ctx); err != nil {
		t.Fatalf("pass after Apply: %v", err)
	}
}

// Window changes apply on the next pass without a restart.
func TestApplyWindowChangeTakesEffect(t *testing.T) {
	t.Parallel()

	due := time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)
	src := &fakeSource{}
	src.set(Task{ID: "t1", Title: "x", Status: StatusPending, DueAt: due})
	ledger := newFakeLedger()
	notif := &captureNotifier{}
	clock := &testClock{}
	s := newTestService(src, ledger, notif, clock)

	clock.Set(due.Add(-20 * time.Minute))
	if err := s.ForceCheck(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := len(notif.all()); got != 0 {
		t.Fatalf("fired %d events outside the window, want 0", got)
	}

	s.Apply(Config{Enabled: true, PollInterval: 30 * time.Second, DefaultWindowMinutes: 30})
	if err := s.ForceCheck(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	events := notif.all()
	if len(events) != 1 || events[0].MinutesUntilDue != 20 {
		t.Fatalf("events after widening window = %+v, want one m20 event", events)
	}
}

func TestConfigIntervalClamp(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, MaxPollInterval},
		{-time.Second, MaxPollInterval},
		// cron's @every rounds sub-second delays up to a second; the clamp
		// must report the interval that actually runs.
		{500 * time.Millisecond, time.Second},
		{time.Second, time.Second},
		{10 * time.Second, 10 * time.Second},
		{30 * time.Second, 30 * time.Second},
		{time.Minute, MaxPollInterval},
	}
	for _, tc := range cases {
		s := New(Config{Enabled: true, PollInterval: tc.in}, nil, nil, nil, nil, nopLogger())
		if got := s.interval(); got != tc.want {
			t.Fatalf("interval(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
