// Package timer implements the Timer Service (spec §4.6): named
// countdown timers with callbacks, backed by a single monotonic scheduler
// loop.
package timer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type entry struct {
	name     string
	deadline time.Time
	callback func()
	fired    bool
}

// Service is a single wheel that wakes once a second, and immediately
// whenever a timer is registered, to invoke due callbacks exactly once.
// It does not wake early for an upcoming deadline, so a callback runs on
// the first wake at or after its deadline, up to one second late.
type Service struct {
	log zerolog.Logger

	mu      sync.Mutex
	timers  map[string]*entry
	wake    chan struct{}
}

// New constructs a timer service; call Run in a goroutine to start it.
func New(log zerolog.Logger) *Service {
	return &Service{
		log:    log.With().Str("component", "timer_service").Logger(),
		timers: make(map[string]*entry),
		wake:   make(chan struct{}, 1),
	}
}

// Start registers (or replaces) a named timer that fires callback once
// duration elapses.
func (s *Service) Start(name string, duration time.Duration, callback func()) {
	s.mu.Lock()
	s.timers[name] = &entry{name: name, deadline: time.Now().Add(duration), callback: callback}
	s.mu.Unlock()
	s.nudge()
}

// StartAt registers a timer with an absolute deadline, used to recreate a
// cooldown lockout's timer from its persisted expiry on startup.
func (s *Service) StartAt(name string, deadline time.Time, callback func()) {
	s.mu.Lock()
	s.timers[name] = &entry{name: name, deadline: deadline, callback: callback}
	s.mu.Unlock()
	s.nudge()
}

// Cancel removes a timer before it fires; a no-op if already fired or
// absent.
func (s *Service) Cancel(name string) {
	s.mu.Lock()
	delete(s.timers, name)
	s.mu.Unlock()
}

// Remaining returns how long until the timer fires, or false if it does
// not exist.
func (s *Service) Remaining(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[name]
	if !ok {
		return 0, false
	}
	return time.Until(e.deadline), true
}

func (s *Service) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler loop until stop is closed; it runs in its own
// goroutine for the lifetime of the process.
func (s *Service) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.wake:
			s.fireDue()
		case <-ticker.C:
			s.fireDue()
		}
	}
}

func (s *Service) fireDue() {
	now := time.Now()

	s.mu.Lock()
	var due []*entry
	for name, e := range s.timers {
		if !e.fired && !now.Before(e.deadline) {
			e.fired = true
			due = append(due, e)
			delete(s.timers, name)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Str("timer", e.name).Msg("timer callback panicked")
				}
			}()
			e.callback()
		}()
	}
}
