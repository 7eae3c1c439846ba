package core

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Scheduler turns schedule triggers into events. Each evaluation covers the
// window since the previous one, and every due time inside it yields its
// own event: two due times in one tick are never coalesced, and evaluating
// the same instant twice fires nothing new.
type Scheduler struct {
	triggers []Trigger
	logger   *slog.Logger

	mu   sync.Mutex
	last time.Time
}

// NewScheduler returns a scheduler for the schedule triggers in ts whose
// window starts at start. Due times at or before start never fire.
func NewScheduler(ts Triggers, start time.Time, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		triggers: ts.Schedules(),
		logger:   logger,
		last:     start,
	}
}

// Due returns one event per due time in (last evaluation, now], ordered by
// due time and then trigger declaration order, and advances the window to
// now. A clock that moved backwards yields nothing.
func (s *Scheduler) Due(now time.Time) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !now.After(s.last) {
		return nil
	}

	var events []Event
	for _, t := range s.triggers {
		for _, due := range t.Schedule().DueTimes(s.last, now) {
			events = append(events, ScheduleEvent(t.Cron, due))
		}
	}
	slices.SortStableFunc(events, func(a, b Event) int { return a.Due().Compare(b.Due()) })
	s.last = now
	return events
}

// Start evaluates the schedule every interval until ctx is done and hands
// each due event to dispatch. now is injectable for tests; nil means
// time.Now.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, now func() time.Time, dispatch func(context.Context, Event)) {
	if len(s.triggers) == 0 {
		return
	}
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, ev := range s.Due(now()) {
			s.logger.Info("schedule due", "cron", ev.Cron, "due", ev.Due())
			dispatch(ctx, ev)
		}
	}
}
