package testutils

import (
	"sync"
	"time"

	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging"
)

// FakeScheduler is a logging.Scheduler running in virtual time. Timers fire
// synchronously from Advance, in deadline order.
type FakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	s    *FakeScheduler
	at   time.Duration
	seq  int
	f    func()
	done bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func NewFakeScheduler() *FakeScheduler {
	return &FakeScheduler{}
}

func (s *FakeScheduler) AfterFunc(d time.Duration, f func()) logging.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t := &fakeTimer{s: s, at: s.now + d, seq: s.seq, f: f}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves virtual time forward by d, firing every timer that comes due,
// including timers armed by callbacks during the advance.
func (s *FakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	for {
		t := s.popDue(target)
		if t == nil {
			break
		}
		t.f()
	}

	s.mu.Lock()
	s.now = target
	s.mu.Unlock()
}

func (s *FakeScheduler) popDue(target time.Duration) *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, t := range s.timers {
		if t.done || t.at > target {
			continue
		}
		if idx < 0 || t.at < s.timers[idx].at || (t.at == s.timers[idx].at && t.seq < s.timers[idx].seq) {
			idx = i
		}
	}
	if idx < 0 {
		return nil
	}

	t := s.timers[idx]
	t.done = true
	s.now = t.at
	s.timers = append(s.timers[:idx], s.timers[idx+1:]...)
	return t
}

// Armed returns the number of timers that have neither fired nor been stopped.
func (s *FakeScheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (s *FakeScheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}
