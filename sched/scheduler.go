// Package sched provides the scheduling collaborator of the sync engine: a
// clock, one-shot timers and a way to run a callback on the protocol thread.
// Every callback handed to a Scheduler runs to completion before the next
// one starts.
package sched

import "time"

// Timer is a pending callback. Stop reports whether the call was prevented.
type Timer interface {
	Stop() bool
}

type Scheduler interface {
	Now() time.Time
	// After runs fn on the protocol thread once d has elapsed.
	After(d time.Duration, fn func()) Timer
	// Post runs fn on the protocol thread as soon as possible.
	Post(fn func())
}
