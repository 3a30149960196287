// Package memnet is an in-memory lossy network. Every message is encoded to
// its wire form and decoded again on delivery, and delivery is scheduled on
// a sched.Scheduler so a simulation stays deterministic for a given seed.
package memnet

import (
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/joe-zxh/vsync/data"
	"github.com/joe-zxh/vsync/internal/logging"
	"github.com/joe-zxh/vsync/internal/proto"
	"github.com/joe-zxh/vsync/sched"
)

var logger *log.Logger

func init() {
	logger = logging.GetLogger()
}

// DropFunc decides whether a message from one endpoint to another is lost.
type DropFunc func(from, to data.NodeID, m *data.Message) bool

type Network struct {
	sched   sched.Scheduler
	latency time.Duration
	jitter  time.Duration
	loss    float64
	rng     *rand.Rand

	// Drop, when set, is consulted for every delivery after random loss.
	Drop DropFunc

	endpoints map[data.NodeID]*Endpoint

	Sent    uint64
	Dropped uint64
}

func New(s sched.Scheduler, latency time.Duration, seed int64) *Network {
	return &Network{
		sched:     s,
		latency:   latency,
		rng:       rand.New(rand.NewSource(seed)),
		endpoints: make(map[data.NodeID]*Endpoint),
	}
}

// SetLoss drops each delivery independently with probability p.
func (n *Network) SetLoss(p float64) {
	n.loss = p
}

// SetJitter adds a uniformly random delay in [0, j) to every delivery.
func (n *Network) SetJitter(j time.Duration) {
	n.jitter = j
}

// Endpoint attaches id to the network. Attaching an id twice replaces the
// old endpoint.
func (n *Network) Endpoint(id data.NodeID) *Endpoint {
	e := &Endpoint{net: n, id: id}
	n.endpoints[id] = e
	return e
}

func (n *Network) ids() []data.NodeID {
	ids := make([]data.NodeID, 0, len(n.endpoints))
	for id := range n.endpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (n *Network) deliver(from *Endpoint, to data.NodeID, route string, b []byte) {
	n.Sent++
	if n.loss > 0 && n.rng.Float64() < n.loss {
		n.Dropped++
		return
	}
	d := n.latency
	if n.jitter > 0 {
		d += time.Duration(n.rng.Int63n(int64(n.jitter)))
	}
	n.sched.After(d, func() {
		dst, ok := n.endpoints[to]
		if !ok || dst.closed || from.closed {
			return
		}
		m, err := proto.DecodeMessage(b)
		if err != nil {
			logger.Printf("memnet: dropping undecodable message for %s: %v", to, err)
			return
		}
		if n.Drop != nil && n.Drop(from.id, to, m) {
			n.Dropped++
			return
		}
		dst.dispatch(route, m)
	})
}

type subscription struct {
	prefix  string
	handler func(*data.Message)
}

// Endpoint is one node's attachment. Broadcasts are routed under
// data.SyncPrefix and unicasts under the destination id.
type Endpoint struct {
	net    *Network
	id     data.NodeID
	subs   []subscription
	closed bool
}

func (e *Endpoint) ID() data.NodeID {
	return e.id
}

func (e *Endpoint) Subscribe(prefix string, h func(*data.Message)) {
	e.subs = append(e.subs, subscription{prefix: prefix, handler: h})
}

func (e *Endpoint) Broadcast(m *data.Message) {
	if e.closed {
		return
	}
	b, err := proto.EncodeMessage(m)
	if err != nil {
		logger.Printf("memnet: %v", err)
		return
	}
	for _, id := range e.net.ids() {
		if id != e.id {
			e.net.deliver(e, id, data.SyncPrefix, b)
		}
	}
}

func (e *Endpoint) Send(to data.NodeID, m *data.Message) {
	if e.closed || to == e.id {
		return
	}
	b, err := proto.EncodeMessage(m)
	if err != nil {
		logger.Printf("memnet: %v", err)
		return
	}
	e.net.deliver(e, to, string(to), b)
}

// Close detaches the endpoint. Messages in flight to or from it are lost.
func (e *Endpoint) Close() {
	e.closed = true
}

func (e *Endpoint) dispatch(route string, m *data.Message) {
	for _, s := range e.subs {
		if data.HasPrefix(route, s.prefix) {
			s.handler(m)
		}
	}
}
