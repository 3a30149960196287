package tracesink

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Async decouples a sink from the caller with a bounded queue. Events that
// do not fit are dropped and counted.
type Async struct {
	next    Sink
	events  chan Event
	wg      sync.WaitGroup
	mut     sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	failed  atomic.Uint64
	once    sync.Once
	err     error
}

func NewAsync(next Sink, capacity int) *Async {
	if capacity <= 0 {
		capacity = 1024
	}
	a := &Async{next: next, events: make(chan Event, capacity)}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) run() {
	defer a.wg.Done()
	for ev := range a.events {
		if err := a.next.Emit(context.Background(), ev); err != nil {
			a.failed.Inc()
			logger.Printf("trace: async emit: %v\n", err)
		}
	}
}

func (a *Async) Emit(_ context.Context, ev Event) error {
	a.mut.RLock()
	defer a.mut.RUnlock()
	if a.closed {
		a.dropped.Inc()
		return nil
	}
	select {
	case a.events <- ev:
	default:
		a.dropped.Inc()
	}
	return nil
}

// Close drains the queue and closes the wrapped sink.
func (a *Async) Close() error {
	a.once.Do(func() {
		a.mut.Lock()
		a.closed = true
		close(a.events)
		a.mut.Unlock()
		a.wg.Wait()
		a.err = a.next.Close()
	})
	return a.err
}

func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

func (a *Async) Failed() uint64 {
	return a.failed.Load()
}
