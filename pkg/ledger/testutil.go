package ledger

import (
	"sync"
	"time"
)

// ManualScheduler is a deterministic Scheduler driven by Advance. Tests
// use it to simulate the passage of time without sleeping.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	at        time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

// NewManualScheduler creates a scheduler at virtual time zero.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// Schedule registers fn to run once virtual time advances past d.
func (s *ManualScheduler) Schedule(d time.Duration, fn func()) TimerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{at: s.now + d, fn: fn}
	s.timers = append(s.timers, t)
	return &manualHandle{s: s, t: t}
}

// Advance moves virtual time forward and fires every due timer, in
// deadline order. Virtual time steps to each timer's deadline before its
// callback runs, so a callback that schedules again lands relative to its
// own firing time and newly due timers fire in the same call.
func (s *ManualScheduler) Advance(d time.Duration) int {
	s.mu.Lock()
	deadline := s.now + d
	s.mu.Unlock()

	fired := 0
	for {
		t := s.nextDue(deadline)
		if t == nil {
			break
		}
		t.fn()
		fired++
	}

	s.mu.Lock()
	s.now = deadline
	s.mu.Unlock()
	return fired
}

// Live returns the number of timers neither fired nor cancelled.
func (s *ManualScheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.fired && !t.cancelled {
			n++
		}
	}
	return n
}

func (s *ManualScheduler) nextDue(deadline time.Duration) *manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due *manualTimer
	for _, t := range s.timers {
		if t.fired || t.cancelled || t.at > deadline {
			continue
		}
		if due == nil || t.at < due.at {
			due = t
		}
	}
	if due != nil {
		due.fired = true
		if due.at > s.now {
			s.now = due.at
		}
	}
	return due
}

type manualHandle struct {
	s *ManualScheduler
	t *manualTimer
}

func (h *manualHandle) Cancel() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.t.fired || h.t.cancelled {
		return false
	}
	h.t.cancelled = true
	return true
}
