package consensus

import (
	"context"
	"errors"

	"github.com/joe-zxh/vsync/data"
)

var (
	// ErrFetchTimeout is reported through the error hook when a fetch goes
	// unanswered.
	ErrFetchTimeout = errors.New("fetch timed out")
	// ErrViewChangeTimeout is reported when a candidate view fails to reach
	// quorum in time. The proposal is reissued with a fresh epoch.
	ErrViewChangeTimeout = errors.New("view change timed out")
	ErrNotMember         = errors.New("not a member of the current view")
	ErrClosed            = errors.New("engine closed")
)

// Transport is the network collaborator. Broadcast reaches every member
// under data.SyncPrefix, Send reaches one node under its own name.
// Handlers may be called from any goroutine.
type Transport interface {
	Broadcast(m *data.Message)
	Send(to data.NodeID, m *data.Message)
	Subscribe(prefix string, h func(*data.Message))
}

// Store keeps publications fetchable by peers.
type Store interface {
	Put(pub *data.Publication) error
	Get(key data.PubKey) (*data.Publication, bool, error)
}

// ProducerPruner is implemented by stores that can drop the publications of
// a producer that left the view.
type ProducerPruner interface {
	RemoveProducer(producer data.NodeID) error
}

// SeqResumer is implemented by persistent stores. A restarted member
// continues its own sequence from the highest one stored.
type SeqResumer interface {
	HighestSeq(ctx context.Context, producer data.NodeID) (uint64, error)
}

// Sink receives the engine's raw delivery stream. Each remote publication
// is handed to Deliver at most once, except for records previously reported
// through Missing, which are handed over again if they are recovered.
type Sink interface {
	Deliver(pub *data.Publication)
	Published(pub *data.Publication)
	Missing(producer data.NodeID, seq uint64)
	ViewChanged(id data.ViewID, info *data.ViewInfo)
}

// FrontierSource is implemented by sinks that know which publications the
// application has seen. Local publications take it as causal context.
type FrontierSource interface {
	Frontier(info *data.ViewInfo) data.StateVector
}

type Signer interface {
	Sign(pub *data.Publication) error
	Verify(pub *data.Publication) error
}

type nopSink struct{}

func (nopSink) Deliver(*data.Publication)               {}
func (nopSink) Published(*data.Publication)             {}
func (nopSink) Missing(data.NodeID, uint64)             {}
func (nopSink) ViewChanged(data.ViewID, *data.ViewInfo) {}
