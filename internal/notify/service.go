package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskplanner/internal/eventbus"
	"taskplanner/internal/reminder"
	rtsup "taskplanner/internal/runtime/supervisor"
	logx "taskplanner/pkg/logx"
)

// Bus event types published by the pipeline.
const (
	EventSent    = "notify.sent"
	EventFailed  = "notify.failed"
	EventDropped = "notify.dropped"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Service fans fired events out to every configured channel.
//
// There is no send-side dedup here on purpose: the reminder ledger is the
// single at-most-once authority, and a second suppression layer would hide
// ledger bugs instead of surfacing them.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	channels []Channel

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan reminder.Event
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, channels []Channel, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		bus:      bus,
		channels: channels,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor exposes the pipeline's internal supervisor for health output.
// Nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. If a Stop is in flight it waits for the drain to
// finish before bringing workers back up.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan reminder.Event, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop blocks intake and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish first, then closing the queue lets
		// workers drain and exit.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify enqueues one event. It returns ErrQueueFull instead of blocking:
// the caller's tick will offer the event again on its next pass.
func (s *Service) Notify(ctx context.Context, ev reminder.Event) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- ev:
		return nil
	default:
		if s.bus != nil {
			now := time.Now()
			s.bus.Publish(eventbus.Event{Type: EventDropped, Time: now, Data: DeliveryEvent{
				TaskID: ev.TaskID, EventID: ev.ID, At: now, Error: ErrQueueFull.Error(),
			}})
		}
		return ErrQueueFull
	}
}

// Snapshot returns recent deliveries for the health endpoint.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(ev reminder.Event) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{
		At:      time.Now(),
		TaskID:  ev.TaskID,
		Subject: ev.Subject(),
		Message: ev.Message(),
	})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan reminder.Event) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, ev)
		}
	}
}

// deliver sends one event to every channel. Channels fail independently:
// a broken redis must not stop the local log channel from firing.
func (s *Service) deliver(runCtx context.Context, ev reminder.Event) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	channels := s.channels
	s.mu.Unlock()

	if len(channels) == 0 {
		return
	}

	anySent := false
	for _, ch := range channels {
		if err := s.sendWithRetry(runCtx, cfg, lim, ch, ev); err != nil {
			if s.bus != nil {
				now := time.Now()
				s.bus.Publish(eventbus.Event{Type: EventFailed, Time: now, Data: DeliveryEvent{
					Channel: ch.Name(), TaskID: ev.TaskID, EventID: ev.ID, At: now, Error: err.Error(),
				}})
			}
			continue
		}
		anySent = true
		if s.bus != nil {
			now := time.Now()
			s.bus.Publish(eventbus.Event{Type: EventSent, Time: now, Data: DeliveryEvent{
				Channel: ch.Name(), TaskID: ev.TaskID, EventID: ev.ID, At: now,
			}})
		}
	}
	if anySent {
		s.appendHistory(ev)
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, cfg Config, lim *rate.Limiter, ch Channel, ev reminder.Event) error {
	if runCtx == nil {
		runCtx = context.Background()
	}

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return err
			}
		}

		// Bound each send so a hung channel cannot wedge a worker.
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := ch.Send(callCtx, ev)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("notify send failed",
			logx.String("channel", ch.Name()),
			logx.String("task", ev.TaskID),
			logx.Int("attempt", attempt),
			logx.Err(err))

		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			if !t.Stop() {
				<-t.C
			}
			return runCtx.Err()
		}
	}
	return lastErr
}

// retryDelay is jittered exponential backoff: base * 2^(attempt-1),
// capped at RetryMaxDelay, scaled by a random factor in [0.7, 1.3].
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
