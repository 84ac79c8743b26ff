// Package vadtest provides a manually driven scheduler for deterministic
// timer tests.
package vadtest

import (
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/voicebench/internal/vad"
)

// Scheduler fires timers only when Advance moves its clock past their
// deadline.
type Scheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*Timer
}

type Timer struct {
	s        *Scheduler
	seq      int
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func NewScheduler(start time.Time) *Scheduler {
	return &Scheduler{now: start}
}

func (s *Scheduler) AfterFunc(d time.Duration, f func()) vad.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &Timer{s: s, seq: s.seq, deadline: s.now.Add(d), f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *Timer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward and runs every due timer in deadline order.
// Callbacks run on the caller's goroutine without the lock held.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	var due []*Timer
	keep := s.timers[:0]
	for _, t := range s.timers {
		switch {
		case t.stopped:
		case !t.deadline.After(s.now):
			t.fired = true
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	s.timers = keep
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, t := range due {
		t.f()
	}
}

// Pending reports how many timers are armed and not yet stopped or fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
