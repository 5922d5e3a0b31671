package game

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler owns every timer the round machine arms, addressable by key
// (e.g. "draw:<roundId>") so a round transition can cancel exactly the
// timers guarding the state it is leaving. Scheduling under an existing
// key replaces the previous timer.
type Scheduler struct {
	log zerolog.Logger

	mu     sync.Mutex
	timers map[string]*scheduledTask
	closed bool
}

type scheduledTask struct {
	timer  *time.Timer
	ticker *time.Ticker
	stop   chan struct{}
}

func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:    log.With().Str("component", "scheduler").Logger(),
		timers: make(map[string]*scheduledTask),
	}
}

// Schedule arms a one-shot callback. The callback runs on its own
// goroutine; panics are contained so a failing round callback can never
// take the process down.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cancelLocked(key)

	task := &scheduledTask{}
	task.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// Fire only if still the current timer for this key.
		if s.timers[key] == task {
			delete(s.timers, key)
		} else {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.invoke(key, fn)
	})
	s.timers[key] = task
}

// ScheduleEvery arms a repeating callback that fires until cancelled.
func (s *Scheduler) ScheduleEvery(key string, interval time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cancelLocked(key)

	task := &scheduledTask{
		ticker: time.NewTicker(interval),
		stop:   make(chan struct{}),
	}
	s.timers[key] = task

	go func() {
		for {
			select {
			case <-task.ticker.C:
				s.invoke(key, fn)
			case <-task.stop:
				return
			}
		}
	}()
}

// Cancel stops the timer under key, if any. Safe to call for keys that
// never existed or already fired.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(key)
}

// CancelPrefix cancels every timer whose key starts with prefix; used to
// clear all timers of one round or one session at once.
func (s *Scheduler) CancelPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.timers {
		if strings.HasPrefix(key, prefix) {
			s.cancelLocked(key)
		}
	}
}

// Shutdown cancels every outstanding timer and rejects new ones.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key := range s.timers {
		s.cancelLocked(key)
	}
}

func (s *Scheduler) cancelLocked(key string) bool {
	task, ok := s.timers[key]
	if !ok {
		return false
	}
	delete(s.timers, key)
	if task.timer != nil {
		task.timer.Stop()
	}
	if task.ticker != nil {
		task.ticker.Stop()
		close(task.stop)
	}
	return true
}

func (s *Scheduler) invoke(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("key", key).Msg("timer callback panicked")
		}
	}()
	fn()
}
