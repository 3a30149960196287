package consensus

import (
	"fmt"
	"sort"
	"time"

	"github.com/joe-zxh/vsync/data"
)

func (c *VSyncCore) onDigest(m *data.Message) {
	c.stats.DigestsRecv.Inc()
	switch cmp := m.View.Compare(c.viewID); {
	case cmp < 0:
		c.sendCommit(m.From)
		return
	case cmp > 0:
		c.requestView(m.From)
		return
	}
	if !c.view.Contains(m.From) {
		return
	}
	if len(m.Vector) != c.view.Size() {
		c.fireError(fmt.Errorf("digest from %s: %w: %d != %d", m.From, data.ErrDimensionMismatch, len(m.Vector), c.view.Size()))
		c.requestView(m.From)
		return
	}
	c.logf("[R/Digest]: from: %s, vector: %v\n", m.From, m.Vector)

	for i, adv := range m.Vector {
		id := c.view.Member(i).ID
		if id == c.self {
			continue
		}
		p := c.producers[id]
		if adv > p.holders[m.From] {
			p.holders[m.From] = adv
		}
		if adv > p.target {
			p.target = adv
		}
		c.pump(p)
		c.recover(p, m.From, adv)
	}

	rel, _ := data.Compare(c.vv, m.Vector)
	if rel == data.Greater || rel == data.Concurrent {
		c.antiEntropy(m.From)
	}
}

// antiEntropy answers a peer that lacks something we have, at most once per
// quarter heartbeat interval.
func (c *VSyncCore) antiEntropy(to data.NodeID) {
	p, ok := c.peers[to]
	if !ok || !c.view.Contains(c.self) {
		return
	}
	now := c.sched.Now()
	if !p.lastReply.IsZero() && now.Sub(p.lastReply) < c.cfg.HeartbeatInterval/4 {
		return
	}
	p.lastReply = now
	c.logf("[S/Digest]: to: %s, vector: %v\n", to, c.vv)
	c.stats.DigestsSent.Inc()
	c.net.Send(to, c.digest())
}

// pump issues fetches for the lowest sequences not yet received, keeping at
// most FetchWindow outstanding.
func (c *VSyncCore) pump(p *producer) {
	if p.id == c.self {
		return
	}
	for seq := p.frontier + 1; seq <= p.target && len(p.fetches) < c.cfg.FetchWindow; seq++ {
		if p.got[seq] || p.missing[seq] || p.fetches[seq] != nil {
			continue
		}
		f := &fetch{key: data.PubKey{Producer: p.id, Seq: seq}}
		p.fetches[seq] = f
		c.sendFetch(p, f)
	}
}

// recover retries entries accepted as missing that from advertises. Each
// entry backs off exponentially between attempts and recoveries share the
// producer's fetch window.
func (c *VSyncCore) recover(p *producer, from data.NodeID, adv uint64) {
	if len(p.missing) == 0 {
		return
	}
	seqs := make([]uint64, 0, len(p.missing))
	for seq := range p.missing {
		if seq <= adv {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	now := c.sched.Now()
	for _, seq := range seqs {
		if len(p.fetches) >= c.cfg.FetchWindow {
			return
		}
		r := p.retry[seq]
		if p.fetches[seq] != nil || (r != nil && now.Before(r.next)) {
			continue
		}
		if r == nil {
			r = &backoff{}
			p.retry[seq] = r
		}
		r.attempts++
		r.next = now.Add(c.recoveryDelay(r.attempts))
		f := &fetch{key: data.PubKey{Producer: p.id, Seq: seq}, recovery: true}
		p.fetches[seq] = f
		c.sendFetchTo(p, f, from)
	}
}

// recoveryDelay doubles from the fetch timeout up to maxRecoveryDelay
// heartbeat intervals.
func (c *VSyncCore) recoveryDelay(attempts int) time.Duration {
	limit := maxRecoveryDelay * c.cfg.HeartbeatInterval
	d := c.cfg.FetchTimeout
	for i := 0; i < attempts && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

func (c *VSyncCore) sendFetch(p *producer, f *fetch) {
	f.attempts++
	c.sendFetchTo(p, f, c.pickSource(p, f.key.Seq, f.attempts))
}

func (c *VSyncCore) sendFetchTo(p *producer, f *fetch, src data.NodeID) {
	f.source = src
	if f.tried == nil {
		f.tried = make(map[data.NodeID]bool)
	}
	f.tried[src] = true
	m := c.message(data.KindFetch)
	m.Fetch = f.key
	c.logf("[S/Fetch]: %v from %s (attempt %d)\n", f.key, src, f.attempts)
	c.net.Send(src, m)
	f.timer = c.sched.After(c.cfg.FetchTimeout, func() { c.onFetchTimeout(p.id, f) })
}

// pickSource rotates over the producer and the peers that advertised seq.
// Sources that failed a whole round of attempts are used only when nothing
// else is left.
func (c *VSyncCore) pickSource(p *producer, seq uint64, attempt int) data.NodeID {
	var all, usable []data.NodeID
	add := func(id data.NodeID) {
		all = append(all, id)
		if !p.failed[id] {
			usable = append(usable, id)
		}
	}
	if c.view.Contains(p.id) {
		add(p.id)
	}
	holders := make([]data.NodeID, 0, len(p.holders))
	for id, adv := range p.holders {
		if adv >= seq && id != p.id && id != c.self && !c.vm.suspects[id] {
			holders = append(holders, id)
		}
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i] < holders[j] })
	for _, id := range holders {
		add(id)
	}
	cands := usable
	if len(cands) == 0 {
		cands = all
	}
	if len(cands) == 0 {
		return p.id
	}
	return cands[(attempt-1)%len(cands)]
}

func (c *VSyncCore) onFetchTimeout(id data.NodeID, f *fetch) {
	if c.closed {
		return
	}
	p := c.producers[id]
	if p == nil || p.fetches[f.key.Seq] != f {
		return
	}
	c.stats.FetchTimeouts.Inc()
	c.fireError(fmt.Errorf("%w: %v from %s", ErrFetchTimeout, f.key, f.source))

	switch {
	case f.recovery:
		delete(p.fetches, f.key.Seq)
		c.pump(p)
	case f.attempts < c.cfg.FetchAttempts:
		c.sendFetch(p, f)
	case c.cfg.Lossy:
		delete(p.fetches, f.key.Seq)
		c.markMissing(p, f.key.Seq)
		c.pump(p)
	default:
		c.escalate(p, f)
		f.attempts = 0
		f.tried = nil
		c.sendFetch(p, f)
	}
}

// escalate handles a strict mode fetch that exhausted a round of attempts.
// The sources tried are set aside in favour of other holders, and after
// strictRounds rounds the source of record is suspected even if it still
// heartbeats: it is alive but cannot serve its data.
func (c *VSyncCore) escalate(p *producer, f *fetch) {
	for id := range f.tried {
		p.failed[id] = true
	}
	f.rounds++
	if f.rounds < strictRounds {
		return
	}
	f.rounds = 0
	src := f.source
	if f.tried[p.id] {
		src = p.id
	}
	c.suspect(src, fmt.Sprintf("cannot serve %v", f.key))
}

func (c *VSyncCore) markMissing(p *producer, seq uint64) {
	c.logf("[Missing]: %s#%d\n", p.id, seq)
	p.missing[seq] = true
	c.stats.Missing.Inc()
	c.sink.Missing(p.id, seq)
	c.advance(p)
}

// advance moves the producer's frontier over the received or missing prefix
// and updates the local vector.
func (c *VSyncCore) advance(p *producer) {
	for p.got[p.frontier+1] || p.missing[p.frontier+1] {
		p.frontier++
		delete(p.got, p.frontier)
	}
	idx, ok := c.view.Index(p.id)
	if !ok {
		return
	}
	if c.vv.Advance(idx, p.frontier) {
		c.fireVector(idx)
		c.scheduleAdvert()
	}
}

func (c *VSyncCore) onFetch(m *data.Message) {
	pub, ok, err := c.store.Get(m.Fetch)
	if err != nil {
		c.fireError(fmt.Errorf("fetch %v: %w", m.Fetch, err))
		return
	}
	if !ok {
		return
	}
	c.logf("[S/Data]: %v to %s\n", m.Fetch, m.From)
	reply := c.message(data.KindData)
	reply.Data = pub
	c.net.Send(m.From, reply)
}

func (c *VSyncCore) onData(m *data.Message) {
	pub := m.Data
	if pub.View.Epoch > c.viewID.Epoch {
		c.requestView(m.From)
		return
	}
	p := c.producers[pub.Producer]
	if p == nil || pub.Producer == c.self {
		return
	}
	seq := pub.Seq
	recovered := p.missing[seq]
	if !recovered && (seq <= p.frontier || p.got[seq]) {
		c.cancelFetch(p, seq)
		return
	}
	if c.signer != nil {
		if err := c.signer.Verify(pub); err != nil {
			c.stats.Rejected.Inc()
			c.fireError(fmt.Errorf("data from %s: %w", m.From, err))
			return
		}
	}
	c.cancelFetch(p, seq)
	delete(p.failed, m.From)
	if err := c.store.Put(pub); err != nil {
		c.fireError(fmt.Errorf("store %s: %w", pub.Name(), err))
		return
	}
	c.logf("[R/Data]: %v from %s\n", pub, m.From)
	c.fireData(pub, false)

	if recovered {
		delete(p.missing, seq)
		delete(p.retry, seq)
		if seq > p.frontier {
			p.got[seq] = true
		}
		c.stats.Recovered.Inc()
		c.sink.Deliver(pub)
		return
	}
	c.stats.Fetched.Inc()
	p.got[seq] = true
	if seq > p.target {
		p.target = seq
	}
	c.sink.Deliver(pub)
	c.advance(p)
	c.pump(p)
}

func (c *VSyncCore) cancelFetch(p *producer, seq uint64) {
	if f := p.fetches[seq]; f != nil {
		stop(f.timer)
		delete(p.fetches, seq)
	}
}
