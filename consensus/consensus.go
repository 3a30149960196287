package consensus

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/atomic"

	"github.com/joe-zxh/vsync/config"
	"github.com/joe-zxh/vsync/data"
	"github.com/joe-zxh/vsync/internal/logging"
	"github.com/joe-zxh/vsync/sched"
)

var logger *log.Logger

func init() {
	logger = logging.GetLogger()
}

// Stats counts engine activity. The counters may be read from any goroutine.
type Stats struct {
	Published     atomic.Uint64
	Fetched       atomic.Uint64
	Missing       atomic.Uint64
	Recovered     atomic.Uint64
	FetchTimeouts atomic.Uint64
	DigestsSent   atomic.Uint64
	DigestsRecv   atomic.Uint64
	ViewChanges   atomic.Uint64
	Rejected      atomic.Uint64
}

const (
	// strictRounds is the number of exhausted fetch rounds after which
	// strict mode suspects the source.
	strictRounds = 2
	// maxRecoveryDelay caps the backoff between recovery attempts for a
	// missing entry, in heartbeat intervals.
	maxRecoveryDelay = 32
)

type fetch struct {
	key      data.PubKey
	attempts int
	rounds   int
	source   data.NodeID
	tried    map[data.NodeID]bool
	recovery bool
	timer    sched.Timer
}

type backoff struct {
	attempts int
	next     time.Time
}

// producer tracks what is known about one member's publications.
type producer struct {
	id data.NodeID
	// frontier is the contiguous prefix received or known missing. It is the
	// producer's entry in the local version vector.
	frontier uint64
	// target is the highest sequence any peer advertised.
	target  uint64
	got     map[uint64]bool
	missing map[uint64]bool
	fetches map[uint64]*fetch
	retry   map[uint64]*backoff
	// holders maps peers to the highest sequence they advertised.
	holders map[data.NodeID]uint64
	// failed holds sources that exhausted a strict mode fetch round.
	failed map[data.NodeID]bool
}

func newProducer(id data.NodeID, frontier uint64) *producer {
	return &producer{
		id:       id,
		frontier: frontier,
		target:   frontier,
		got:      make(map[uint64]bool),
		missing:  make(map[uint64]bool),
		fetches:  make(map[uint64]*fetch),
		retry:    make(map[uint64]*backoff),
		holders:  make(map[data.NodeID]uint64),
		failed:   make(map[data.NodeID]bool),
	}
}

type peer struct {
	lastHeard time.Time
	lastReply time.Time
}

// VSyncCore is the sync engine and view manager of one member. It is not
// safe for concurrent use: every method except Stats must run on the
// scheduler's thread.
type VSyncCore struct {
	cfg    config.Config
	self   data.NodeID
	prefix string

	// logPrefix tags the log lines of this engine; several engines may
	// share the process logger.
	logPrefix string

	sched  sched.Scheduler
	net    Transport
	store  Store
	sink   Sink
	signer Signer
	rng    *rand.Rand

	viewID data.ViewID
	view   *data.ViewInfo
	vv     data.VersionVector
	ownSeq uint64

	producers map[data.NodeID]*producer
	peers     map[data.NodeID]*peer

	vm viewManager

	hooks hooks
	stats Stats

	heartbeat sched.Timer
	advert    sched.Timer
	started   bool
	closed    bool
}

// New creates an engine for self, bootstrapped with the roster view. The
// bootstrap view id has epoch 1 and the roster's last member as leader. self
// does not need to be in the roster; it then asks to join.
func New(cfg config.Config, self data.NodeID, view *data.ViewInfo, net Transport, s sched.Scheduler, store Store) *VSyncCore {
	cfg = cfg.WithDefaults()
	c := &VSyncCore{
		cfg:       cfg,
		self:      self,
		logPrefix: fmt.Sprintf("vsync(%s): ", self),
		sched:     s,
		net:       net,
		store:     store,
		sink:      nopSink{},
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		viewID:    data.ViewID{Epoch: 1, Leader: view.Leader()},
		view:      view,
		vv:        data.NewVersionVector(view.Size()),
		producers: make(map[data.NodeID]*producer),
		peers:     make(map[data.NodeID]*peer),
	}
	c.vm.init()
	if i, ok := view.Index(self); ok {
		c.prefix = view.Member(i).Prefix
	}
	for _, m := range view.Members() {
		c.producers[m.ID] = newProducer(m.ID, 0)
	}
	return c
}

// SetSink installs the receiver of the delivery stream, usually an ordering
// layer. It must be called before Start.
func (c *VSyncCore) SetSink(s Sink) {
	if s == nil {
		s = nopSink{}
	}
	c.sink = s
}

func (c *VSyncCore) SetSigner(s Signer) {
	c.signer = s
}

// SetPrefix sets the routing prefix announced when joining.
func (c *VSyncCore) SetPrefix(prefix string) {
	c.prefix = prefix
}

// Start subscribes to the transport and starts heartbeating.
func (c *VSyncCore) Start() {
	if c.started || c.closed {
		return
	}
	c.started = true
	c.resume()
	c.net.Subscribe(data.SyncPrefix, c.receive)
	c.net.Subscribe(string(c.self), c.receive)

	now := c.sched.Now()
	for _, id := range c.view.IDs() {
		if id != c.self {
			c.peers[id] = &peer{lastHeard: now}
		}
	}
	c.sink.ViewChanged(c.viewID, c.view)
	c.fireView()
	c.heartbeat = c.sched.After(time.Duration(c.rng.Int63n(int64(c.cfg.HeartbeatInterval))), c.tick)
}

// resume picks up the own sequence left in a persistent store.
func (c *VSyncCore) resume() {
	r, ok := c.store.(SeqResumer)
	if !ok {
		return
	}
	seq, err := r.HighestSeq(context.Background(), c.self)
	if err != nil {
		c.fireError(fmt.Errorf("resume: %w", err))
		return
	}
	if seq <= c.ownSeq {
		return
	}
	c.logf("resuming after %s#%d\n", c.self, seq)
	c.ownSeq = seq
	if idx, ok := c.view.Index(c.self); ok {
		c.vv[idx] = seq
	}
	if p := c.producers[c.self]; p != nil {
		p.frontier, p.target = seq, seq
	}
}

// Close stops every timer. Messages arriving afterwards are ignored.
func (c *VSyncCore) Close() {
	if c.closed {
		return
	}
	c.closed = true
	stop(c.heartbeat)
	stop(c.advert)
	for _, p := range c.producers {
		for _, f := range p.fetches {
			stop(f.timer)
		}
	}
	c.vm.reset()
	c.logf("closed\n")
}

// Leave announces departure to the group and closes the engine.
func (c *VSyncCore) Leave() {
	if c.closed {
		return
	}
	if c.view.Contains(c.self) {
		c.logf("[B/Leave]: view: %v\n", c.viewID)
		c.net.Broadcast(c.message(data.KindLeave))
	}
	c.Close()
}

func (c *VSyncCore) logf(format string, v ...interface{}) {
	_ = logger.Output(2, c.logPrefix+fmt.Sprintf(format, v...))
}

func stop(t sched.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *VSyncCore) Self() data.NodeID {
	return c.self
}

func (c *VSyncCore) Config() config.Config {
	return c.cfg
}

// View returns the committed view. The roster is immutable.
func (c *VSyncCore) View() (data.ViewID, *data.ViewInfo) {
	return c.viewID, c.view
}

func (c *VSyncCore) IsLeader() bool {
	return c.viewID.Leader == c.self
}

func (c *VSyncCore) IsMember() bool {
	return c.view.Contains(c.self)
}

// Vector returns a copy of the local version vector.
func (c *VSyncCore) Vector() data.VersionVector {
	return c.vv.Clone()
}

func (c *VSyncCore) State() ViewState {
	return c.vm.state
}

func (c *VSyncCore) Stats() *Stats {
	return &c.stats
}

// MissingKeys lists the entries accepted as known missing and not yet
// recovered.
func (c *VSyncCore) MissingKeys() []data.PubKey {
	var keys []data.PubKey
	for _, p := range c.producers {
		for seq := range p.missing {
			keys = append(keys, data.PubKey{Producer: p.id, Seq: seq})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Producer != keys[j].Producer {
			return keys[i].Producer < keys[j].Producer
		}
		return keys[i].Seq < keys[j].Seq
	})
	return keys
}

// Publish makes payload the next publication of this member.
func (c *VSyncCore) Publish(payload []byte) (*data.Publication, error) {
	if c.closed {
		return nil, ErrClosed
	}
	idx, ok := c.view.Index(c.self)
	if !ok {
		return nil, fmt.Errorf("publish: %w", ErrNotMember)
	}
	seq := c.ownSeq + 1

	var sv data.StateVector
	if fs, ok := c.sink.(FrontierSource); ok {
		sv = fs.Frontier(c.view).Clone()
	} else {
		sv = c.vv.Named(c.view)
	}
	pub := &data.Publication{
		Producer: c.self,
		Index:    idx,
		Seq:      seq,
		View:     c.viewID,
		Vector:   sv.Set(c.self, seq),
		Payload:  append([]byte(nil), payload...),
	}
	if c.signer != nil {
		if err := c.signer.Sign(pub); err != nil {
			return nil, fmt.Errorf("publish: %w", err)
		}
	}
	if err := c.store.Put(pub); err != nil {
		return nil, fmt.Errorf("publish: store %s: %w", pub.Name(), err)
	}

	c.ownSeq = seq
	c.vv.Advance(idx, seq)
	if p := c.producers[c.self]; p != nil {
		p.frontier, p.target = seq, seq
	}
	c.stats.Published.Inc()
	c.logf("[Publish]: %v\n", pub)

	c.fireVector(idx)
	c.fireData(pub, true)
	c.sink.Published(pub)
	c.scheduleAdvert()
	return pub, nil
}

func (c *VSyncCore) receive(m *data.Message) {
	c.sched.Post(func() { c.handle(m) })
}

func (c *VSyncCore) handle(m *data.Message) {
	if c.closed || m.From == c.self {
		return
	}
	if m.Kind != data.KindLeave {
		c.heard(m.From)
	}
	switch m.Kind {
	case data.KindDigest:
		c.onDigest(m)
	case data.KindFetch:
		c.onFetch(m)
	case data.KindData:
		c.onData(m)
	case data.KindPropose, data.KindAck:
		c.onProposal(m)
	case data.KindCommit:
		c.onCommit(m)
	case data.KindJoin:
		c.onJoin(m)
	case data.KindLeave:
		c.onLeave(m)
	case data.KindViewRequest:
		c.onViewRequest(m)
	default:
		c.logf("dropping message of kind %v from %s\n", m.Kind, m.From)
	}
}

// heard records liveness of id and clears a pending suspicion.
func (c *VSyncCore) heard(id data.NodeID) {
	if p, ok := c.peers[id]; ok {
		p.lastHeard = c.sched.Now()
	}
	if c.vm.suspects[id] && !c.vm.leavers[id] {
		c.logf("un-suspecting %s\n", id)
		delete(c.vm.suspects, id)
	}
}

func (c *VSyncCore) message(kind data.MsgKind) *data.Message {
	return &data.Message{Kind: kind, From: c.self, View: c.viewID}
}

func (c *VSyncCore) digest() *data.Message {
	m := c.message(data.KindDigest)
	m.Vector = c.vv.Clone()
	return m
}

func (c *VSyncCore) broadcastDigest() {
	if !c.view.Contains(c.self) {
		return
	}
	c.logf("[B/Digest]: view: %v, vector: %v\n", c.viewID, c.vv)
	c.stats.DigestsSent.Inc()
	c.net.Broadcast(c.digest())
}

// scheduleAdvert coalesces advertisements made after local changes.
func (c *VSyncCore) scheduleAdvert() {
	if c.advert != nil || c.closed || !c.started {
		return
	}
	c.advert = c.sched.After(c.cfg.AdvertiseDelay, func() {
		c.advert = nil
		if !c.closed {
			c.broadcastDigest()
		}
	})
}

func (c *VSyncCore) tick() {
	if c.closed {
		return
	}
	if c.view.Contains(c.self) {
		c.broadcastDigest()
		c.checkLiveness()
	} else {
		c.logf("[B/Join]: view: %v\n", c.viewID)
		m := c.message(data.KindJoin)
		m.Members = []data.MemberInfo{{ID: c.self, Prefix: c.prefix}}
		c.net.Broadcast(m)
	}
	hb := float64(c.cfg.HeartbeatInterval)
	next := time.Duration(hb * (0.9 + 0.2*c.rng.Float64()))
	c.heartbeat = c.sched.After(next, c.tick)
}

func (c *VSyncCore) checkLiveness() {
	limit := time.Duration(c.cfg.SuspectMultiplier) * c.cfg.HeartbeatInterval
	now := c.sched.Now()
	for _, id := range c.view.IDs() {
		p, ok := c.peers[id]
		if !ok || id == c.self {
			continue
		}
		if now.Sub(p.lastHeard) > limit {
			c.suspect(id, "heartbeat timeout")
		}
	}
}
