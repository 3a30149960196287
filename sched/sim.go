package sched

import "time"

// Sim is a discrete-event Scheduler with a virtual clock. Nothing runs until
// the owner drives it with Step, RunFor or RunUntil.
type Sim struct {
	now   time.Time
	seq   uint64
	queue eventQueue
}

func NewSim(start time.Time) *Sim {
	return &Sim{now: start}
}

func (s *Sim) Now() time.Time {
	return s.now
}

type simTimer struct {
	e *event
}

func (t simTimer) Stop() bool {
	if t.e.dead {
		return false
	}
	t.e.dead = true
	return true
}

func (s *Sim) After(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	s.seq++
	e := &event{at: s.now.Add(d), seq: s.seq, fn: fn}
	s.queue.push(e)
	return simTimer{e: e}
}

func (s *Sim) Post(fn func()) {
	s.After(0, fn)
}

// Step runs the next live event and reports whether one ran.
func (s *Sim) Step() bool {
	for s.queue.Len() > 0 {
		e := s.queue.pop()
		if e.dead {
			continue
		}
		e.dead = true
		s.now = e.at
		e.fn()
		return true
	}
	return false
}

// RunUntil runs every event scheduled at or before t and leaves the clock
// at t.
func (s *Sim) RunUntil(t time.Time) {
	for {
		e := s.queue.peek()
		if e == nil || e.at.After(t) {
			break
		}
		s.Step()
	}
	if t.After(s.now) {
		s.now = t
	}
}

func (s *Sim) RunFor(d time.Duration) {
	s.RunUntil(s.now.Add(d))
}

// Pending counts scheduled events, including stopped ones not yet popped.
func (s *Sim) Pending() int {
	return s.queue.Len()
}
