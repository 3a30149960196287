package sched

import (
	"time"

	"go.uber.org/atomic"
)

// Loop is a real-time Scheduler. A single goroutine runs every callback.
type Loop struct {
	events chan func()
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

func NewLoop(capacity int) *Loop {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Loop{
		events: make(chan func(), capacity),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the loop in its own goroutine.
func (l *Loop) Start() {
	go l.Run()
}

// Run processes callbacks until Stop is called.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case fn := <-l.events:
			fn()
		}
	}
}

// Stop ends the loop and waits for the running callback to return. Pending
// callbacks are discarded.
func (l *Loop) Stop() {
	if l.closed.CAS(false, true) {
		close(l.quit)
		<-l.done
	}
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

func (l *Loop) Post(fn func()) {
	if l.closed.Load() {
		return
	}
	select {
	case l.events <- fn:
	case <-l.quit:
	}
}

func (l *Loop) After(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Call runs fn on the loop and waits for it. It returns false if the loop
// stopped first.
func (l *Loop) Call(fn func()) bool {
	finished := make(chan struct{})
	l.Post(func() {
		fn()
		close(finished)
	})
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}
