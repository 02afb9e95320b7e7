package reminder

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskplanner/internal/eventbus"
	logx "taskplanner/pkg/logx"
)

// Bus event types published by the service.
const (
	EventFired       = "reminder.fired"
	EventTickSkipped = "reminder.tick_skipped"
)

// MaxPollInterval is the slowest allowed tick. Anything above half a
// minute risks two whole-minute offsets falling inside one polling gap
// once clock drift is added.
const MaxPollInterval = 30 * time.Second

type Config struct {
	Enabled bool

	// PollInterval is clamped to [1s, MaxPollInterval]. Zero means
	// MaxPollInterval.
	PollInterval time.Duration

	// DefaultWindowMinutes applies to tasks without their own window.
	DefaultWindowMinutes int
}

// TaskSource supplies the snapshot of tasks that may need reminders.
// Implemented by taskstore; must be cheap to call every tick.
type TaskSource interface {
	ListEligible(ctx context.Context, now time.Time) ([]Task, error)
}

// Ledger is the narrow dedup-store view the poller needs.
type Ledger interface {
	HasFired(ctx context.Context, k Key) (bool, error)
	MarkFired(ctx context.Context, k Key, firedAt time.Time) error
}

// Notifier receives fired events. Delivery is the notifier's problem:
// the poller never waits for confirmation and never retries.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Health is a point-in-time snapshot of the poll loop, exposed so a
// supervisor can tell a wedged loop from a healthy one.
type Health struct {
	Running             bool      `json:"running"`
	LastTick            time.Time `json:"last_tick"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TicksTotal          uint64    `json:"ticks_total"`
	EventsFired         uint64    `json:"events_fired"`
	MarkFailures        uint64    `json:"mark_failures"`
	TasksSeen           int       `json:"tasks_seen"`
}

// Service is the reminder scheduler: one cooperative poll loop that owns
// all dedup writes for this process. It is an explicit long-lived object
// with Start/Stop/Health, owned by the host lifecycle, so closing a UI
// window has nothing to do with whether reminders keep flowing.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	cfg      Config
	tasks    TaskSource
	ledger   Ledger
	notifier Notifier
	bus      eventbus.Bus

	// now is swappable for the simulation tests.
	now func() time.Time

	parser cron.Parser
	c      *cron.Cron
	stopCh chan struct{}

	// tickMu serializes evaluation passes: a slow tick overlapping the
	// next cron firing must not produce a second concurrent writer.
	tickMu sync.Mutex

	hmu    sync.Mutex
	health Health
}

func New(cfg Config, tasks TaskSource, ledger Ledger, notifier Notifier, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		tasks:    tasks,
		ledger:   ledger,
		notifier: notifier,
		bus:      bus,
		log:      log,
		now:      time.Now,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// SetClock overrides the wall clock. Test hook; call before Start.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// interval returns the effective tick interval. cron's @every rounds
// sub-second delays up to one second, so the low end is clamped to match
// what actually runs.
func (s *Service) interval() time.Duration {
	d := s.cfg.PollInterval
	if d <= 0 || d > MaxPollInterval {
		return MaxPollInterval
	}
	if d < time.Second {
		return time.Second
	}
	return d
}

// Apply swaps config at runtime. An interval change restarts the trigger;
// window changes take effect on the next tick.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldInterval := s.interval()
	s.cfg = cfg
	if s.stopCh == nil || s.interval() == oldInterval {
		s.mu.Unlock()
		return
	}
	old := s.c
	s.startTriggerLocked()
	interval := s.interval()
	s.mu.Unlock()

	// Drain the old trigger outside the lock. A firing queued behind an
	// in-flight pass still needs s.mu to run to completion; waiting here
	// with the lock held would wedge every future tick.
	if old != nil {
		<-old.Stop().Done()
	}
	s.log.Info("poll trigger restarted", logx.Duration("poll_interval", interval))
}

// Start is idempotent: calling it while running is a no-op.
// It schedules the poll trigger and runs one immediate evaluation pass so
// a freshly started process catches up without waiting a full interval.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.startTriggerLocked()
	interval := s.interval()
	s.mu.Unlock()

	s.setRunning(true)
	s.log.Info("reminder service started", logx.Duration("poll_interval", interval))

	go s.safeTick(ctx)
}

// Stop is safe to call even if Start never ran. It waits for a tick in
// flight to finish so the dedup store is never abandoned mid-write.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}

	// Let an in-flight pass drain.
	s.tickMu.Lock()
	s.tickMu.Unlock() //nolint:staticcheck // lock/unlock pair is a barrier

	s.setRunning(false)
	s.log.Info("reminder service stopped")
}

// ForceCheck runs an immediate evaluation pass, outside the schedule.
func (s *Service) ForceCheck(ctx context.Context) error {
	if !s.Enabled() {
		return errors.New("reminder service disabled")
	}
	return s.tick(ctx)
}

// Health returns a copy of the current health snapshot.
func (s *Service) Health() Health {
	s.hmu.Lock()
	h := s.health
	s.hmu.Unlock()
	return h
}

func (s *Service) startTriggerLocked() {
	s.c = cron.New(cron.WithParser(s.parser))
	spec := fmt.Sprintf("@every %s", s.interval())
	_, err := s.c.AddFunc(spec, func() { s.safeTick(context.Background()) })
	if err != nil {
		// @every with a positive duration always parses; reaching this
		// means the interval clamp is broken.
		s.log.Error("failed to schedule poll trigger", logx.Err(err), logx.String("spec", spec))
		return
	}
	s.c.Start()
}

// safeTick shields the trigger from anything a tick can throw: a panic on
// one pass must not kill monitoring for every future pass.
func (s *Service) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in reminder tick",
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			s.recordFailure(fmt.Sprintf("panic: %v", r))
		}
	}()
	if err := s.tick(ctx); err != nil {
		s.log.Warn("reminder tick skipped", logx.Err(err))
	}
}

// tick is one full evaluation pass: snapshot tasks, compute due events,
// deliver, then record. Delivery comes first on purpose: if the dedup
// store hiccups, the user gets a possible duplicate rather than silence.
func (s *Service) tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return nil
	}
	tasks := s.tasks
	ledger := s.ledger
	notifier := s.notifier
	window := s.cfg.DefaultWindowMinutes
	clock := s.now
	s.mu.Unlock()

	if tasks == nil || ledger == nil {
		return errors.New("reminder service not wired")
	}

	now := clock()

	snapshot, err := tasks.ListEligible(ctx, now)
	if err != nil {
		// Transient source failure: skip this tick, the next one retries.
		s.recordFailure(fmt.Sprintf("task source: %v", err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: EventTickSkipped, Data: err.Error()})
		}
		return fmt.Errorf("listing eligible tasks: %w", err)
	}

	ev := Evaluator{DefaultWindow: window, Log: s.log}
	seen := func(k Key) bool {
		fired, err := ledger.HasFired(ctx, k)
		if err != nil {
			// Bias toward a duplicate notification over a missed one.
			s.log.Warn("dedup lookup failed; treating as unseen",
				logx.String("key", k.String()), logx.Err(err))
			return false
		}
		return fired
	}

	events := ev.Evaluate(now, snapshot, seen)

	var markFailures uint64
	for _, e := range events {
		if notifier != nil {
			if err := notifier.Notify(ctx, e); err != nil {
				// Queue-full or stopped notifier. Do not mark the slot:
				// the event should get another chance next tick.
				s.log.Warn("notification not accepted",
					logx.String("task", e.TaskID),
					logx.String("offset", e.Offset.Code()),
					logx.Err(err))
				continue
			}
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: EventFired, Time: e.FiredAt, Data: e})
		}
		if err := ledger.MarkFired(ctx, e.Key(), e.FiredAt); err != nil {
			markFailures++
			s.log.Error("failed to record fired notification; duplicate possible",
				logx.String("key", e.Key().String()), logx.Err(err))
		}
	}

	s.recordSuccess(now, uint64(len(events)), markFailures, len(snapshot))
	if len(events) > 0 {
		s.log.Debug("reminder tick fired events",
			logx.Int("events", len(events)),
			logx.Int("tasks", len(snapshot)))
	}
	return nil
}

func (s *Service) setRunning(running bool) {
	s.hmu.Lock()
	s.health.Running = running
	s.hmu.Unlock()
}

func (s *Service) recordSuccess(at time.Time, fired, markFailures uint64, tasksSeen int) {
	s.hmu.Lock()
	s.health.LastTick = at
	s.health.LastError = ""
	s.health.ConsecutiveFailures = 0
	s.health.TicksTotal++
	s.health.EventsFired += fired
	s.health.MarkFailures += markFailures
	s.health.TasksSeen = tasksSeen
	s.hmu.Unlock()
}

func (s *Service) recordFailure(msg string) {
	s.hmu.Lock()
	s.health.LastError = strings.TrimSpace(msg)
	s.health.ConsecutiveFailures++
	s.health.TicksTotal++
	s.hmu.Unlock()
}
