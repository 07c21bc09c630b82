package service

import (
	"sync"
	"time"

	"github.com/joshcabana/verity-backend-sub000/internal/clock"
)

// Scheduler holds at most one pending local timer per key. Timers are
// advisory: the queue store stays authoritative, so losing them on
// restart costs latency, not correctness.
type Scheduler struct {
	clock  clock.Clock
	mu     sync.Mutex
	timers map[string]*scheduled
}

type scheduled struct {
	timer clock.Timer
}

func NewScheduler(clk clock.Clock) *Scheduler {
	return &Scheduler{
		clock:  clk,
		timers: make(map[string]*scheduled),
	}
}

// Schedule runs fn after d, replacing any timer already held under key.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	entry := &scheduled{}

	s.mu.Lock()
	if prev, ok := s.timers[key]; ok {
		prev.timer.Stop()
	}
	s.timers[key] = entry
	entry.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.timers[key] == entry {
			delete(s.timers, key)
		}
		s.mu.Unlock()
		fn()
	})
	s.mu.Unlock()
}

// Cancel stops the timer under key and reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[key]
	if !ok {
		return false
	}
	delete(s.timers, key)
	return entry.timer.Stop()
}

func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, key)
	}
}
