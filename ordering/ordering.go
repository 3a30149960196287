// Package ordering gates the sync engine's delivery stream so the
// application sees publications in causal or FIFO order.
package ordering

import (
	"fmt"
	"log"

	"github.com/joe-zxh/vsync/consensus"
	"github.com/joe-zxh/vsync/data"
	"github.com/joe-zxh/vsync/internal/logging"
)

var logger *log.Logger

func init() {
	logger = logging.GetLogger()
}

// Upcall hands a publication to the application. local is true for the
// member's own publications.
type Upcall func(pub *data.Publication, local bool)

// Layer is an ordering strategy composed around one engine.
type Layer interface {
	consensus.Sink
	// Pending counts buffered publications.
	Pending() int
	// Delivered counts publications handed to the application.
	Delivered() uint64
}

const (
	KindCausal = "causal"
	KindFIFO   = "fifo"
	KindNone   = "none"
)

// New returns the layer named by kind.
func New(kind string, upcall Upcall) (Layer, error) {
	if upcall == nil {
		upcall = func(*data.Publication, bool) {}
	}
	switch kind {
	case KindCausal:
		return NewCausal(upcall), nil
	case KindFIFO:
		return NewFIFO(upcall), nil
	case KindNone, "":
		return NewPlain(upcall), nil
	}
	return nil, fmt.Errorf("unknown ordering %q", kind)
}

// Attach creates the layer named by kind and installs it as core's sink.
func Attach(core *consensus.VSyncCore, kind string, upcall Upcall) (Layer, error) {
	l, err := New(kind, upcall)
	if err != nil {
		return nil, err
	}
	core.SetSink(l)
	return l, nil
}

// counters tracks per-producer delivery and permanent gaps.
type counters struct {
	delivered map[data.NodeID]uint64
	skipped   map[data.NodeID]map[uint64]bool
}

func newCounters() counters {
	return counters{
		delivered: make(map[data.NodeID]uint64),
		skipped:   make(map[data.NodeID]map[uint64]bool),
	}
}

// skip records a permanent gap and reports whether the delivered count moved.
func (c *counters) skip(producer data.NodeID, seq uint64) bool {
	if seq <= c.delivered[producer] {
		return false
	}
	s := c.skipped[producer]
	if s == nil {
		s = make(map[uint64]bool)
		c.skipped[producer] = s
	}
	s[seq] = true
	return c.absorb(producer)
}

// absorb moves the delivered count over skipped sequences.
func (c *counters) absorb(producer data.NodeID) bool {
	s := c.skipped[producer]
	moved := false
	for s[c.delivered[producer]+1] {
		delete(s, c.delivered[producer]+1)
		c.delivered[producer]++
		moved = true
	}
	return moved
}

// unskip is called when a skipped record shows up after all.
func (c *counters) unskip(producer data.NodeID, seq uint64) {
	delete(c.skipped[producer], seq)
}

func (c *counters) frontier(info *data.ViewInfo) data.StateVector {
	sv := make(data.StateVector, 0, info.Size())
	for _, id := range info.IDs() {
		sv = append(sv, data.StateEntry{Node: id, Seq: c.delivered[id]})
	}
	return sv
}
