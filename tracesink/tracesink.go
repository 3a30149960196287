// Package tracesink exports the engine's observation hooks as JSON trace
// events to a log writer, Kafka or RabbitMQ.
package tracesink

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/joe-zxh/vsync/consensus"
	"github.com/joe-zxh/vsync/data"
	"github.com/joe-zxh/vsync/internal/logging"
)

var logger *log.Logger

func init() {
	logger = logging.GetLogger()
}

const (
	KindVector = "vector"
	KindView   = "view"
	KindData   = "data"
	KindError  = "error"
)

// Event is one trace record.
type Event struct {
	ID        string `json:"id"`
	Node      string `json:"node"`
	Kind      string `json:"kind"`
	TimeUTCNs int64  `json:"time_utc_ns"`

	Epoch    uint64   `json:"epoch,omitempty"`
	Leader   string   `json:"leader,omitempty"`
	IsLeader bool     `json:"is_leader,omitempty"`
	Members  []string `json:"members,omitempty"`

	Index  int      `json:"index"`
	Vector []uint64 `json:"vector,omitempty"`

	Name  string `json:"name,omitempty"`
	Local bool   `json:"local,omitempty"`
	Size  int    `json:"size,omitempty"`

	Error string `json:"error,omitempty"`
}

// Sink receives trace events. Emit is called on the engine's thread and
// must not block for long; wrap slow sinks in Async.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

func newEvent(node data.NodeID, kind string) Event {
	return Event{
		ID:        uuid.NewString(),
		Node:      string(node),
		Kind:      kind,
		TimeUTCNs: time.Now().UTC().UnixNano(),
	}
}

// Attach registers hooks on core that emit one event per vector change,
// view change, data event and recovered error.
func Attach(core *consensus.VSyncCore, sink Sink) {
	self := core.Self()
	emit := func(ev Event) {
		if err := sink.Emit(context.Background(), ev); err != nil {
			logger.Printf("trace: emit %s event: %v\n", ev.Kind, err)
		}
	}
	core.OnVectorChange(func(index int, vv data.VersionVector) {
		ev := newEvent(self, KindVector)
		ev.Index = index
		ev.Vector = []uint64(vv.Clone())
		emit(ev)
	})
	core.OnViewChange(func(id data.ViewID, info *data.ViewInfo, isLeader bool) {
		ev := newEvent(self, KindView)
		ev.Epoch = id.Epoch
		ev.Leader = string(id.Leader)
		ev.IsLeader = isLeader
		for _, m := range info.IDs() {
			ev.Members = append(ev.Members, string(m))
		}
		emit(ev)
	})
	core.OnData(func(pub *data.Publication, local bool) {
		ev := newEvent(self, KindData)
		ev.Index = pub.Index
		ev.Name = pub.Name()
		ev.Local = local
		ev.Size = len(pub.Payload)
		emit(ev)
	})
	core.OnError(func(err error) {
		ev := newEvent(self, KindError)
		ev.Error = err.Error()
		emit(ev)
	})
}

// Multi fans every event out to all sinks.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
