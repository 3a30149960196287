package consensus

import (
	"fmt"
	"sort"

	"github.com/joe-zxh/vsync/data"
	"github.com/joe-zxh/vsync/sched"
)

// ViewState is the state of the view manager.
type ViewState int

const (
	Stable ViewState = iota
	ChangePending
	Committing
)

func (s ViewState) String() string {
	switch s {
	case Stable:
		return "Stable"
	case ChangePending:
		return "ChangePending"
	case Committing:
		return "Committing"
	}
	return fmt.Sprintf("ViewState(%d)", int(s))
}

type candidate struct {
	id    data.ViewID
	info  *data.ViewInfo
	acks  map[data.NodeID]bool
	timer sched.Timer
}

type viewManager struct {
	state    ViewState
	cand     *candidate
	suspects map[data.NodeID]bool
	leavers  map[data.NodeID]bool
	joiners  map[data.NodeID]data.MemberInfo
	// epochSeen is the highest epoch proposed by anyone.
	epochSeen uint64
	// A member backs at most one roster per epoch: voted at votedEpoch.
	votedEpoch uint64
	voted      *data.ViewInfo
	// rival is the strongest candidate seen at votedEpoch that this member
	// could not back. A reissued proposal adopts it.
	rival *candidate
}

func (vm *viewManager) init() {
	vm.suspects = make(map[data.NodeID]bool)
	vm.leavers = make(map[data.NodeID]bool)
	vm.joiners = make(map[data.NodeID]data.MemberInfo)
}

func (vm *viewManager) reset() {
	if vm.cand != nil {
		stop(vm.cand.timer)
		vm.cand = nil
	}
	vm.rival = nil
	vm.state = Stable
}

func (vm *viewManager) vote(id data.ViewID, info *data.ViewInfo) {
	if id.Epoch != vm.votedEpoch {
		vm.rival = nil
	}
	vm.votedEpoch, vm.voted = id.Epoch, info
}

// conflicts reports whether backing info at id would break an earlier vote.
func (vm *viewManager) conflicts(id data.ViewID, info *data.ViewInfo) bool {
	if id.Epoch > vm.votedEpoch {
		return false
	}
	return id.Epoch < vm.votedEpoch || !info.Equal(vm.voted)
}

func (vm *viewManager) noteRival(id data.ViewID, info *data.ViewInfo) {
	if id.Epoch != vm.votedEpoch {
		return
	}
	if vm.rival == nil || beats(id, info, vm.rival) {
		vm.rival = &candidate{id: id, info: info}
	}
}

// Suspect reports id as possibly departed. It has no effect on ids outside
// the committed view.
func (c *VSyncCore) Suspect(id data.NodeID) {
	c.suspect(id, "reported")
}

func (c *VSyncCore) suspect(id data.NodeID, reason string) {
	if id == c.self || !c.view.Contains(id) || c.vm.suspects[id] {
		return
	}
	c.logf("suspecting %s: %s\n", id, reason)
	c.vm.suspects[id] = true
	c.maybeChange()
}

func (c *VSyncCore) onJoin(m *data.Message) {
	if c.view.Contains(m.From) {
		// it missed the commit that added it
		c.sendCommit(m.From)
		return
	}
	info := data.MemberInfo{ID: m.From}
	if len(m.Members) > 0 && m.Members[0].ID == m.From {
		info.Prefix = m.Members[0].Prefix
	}
	c.logf("[R/Join]: %s\n", m.From)
	delete(c.vm.leavers, m.From)
	c.vm.joiners[m.From] = info
	c.maybeChange()
}

func (c *VSyncCore) onLeave(m *data.Message) {
	delete(c.vm.joiners, m.From)
	if !c.view.Contains(m.From) {
		return
	}
	c.logf("[R/Leave]: %s\n", m.From)
	c.vm.leavers[m.From] = true
	c.vm.suspects[m.From] = true
	c.maybeChange()
}

func (c *VSyncCore) onViewRequest(m *data.Message) {
	c.sendCommit(m.From)
}

func (c *VSyncCore) sendCommit(to data.NodeID) {
	c.net.Send(to, c.commitMessage())
}

func (c *VSyncCore) requestView(to data.NodeID) {
	c.logf("[S/ViewRequest]: to: %s, view: %v\n", to, c.viewID)
	c.net.Send(to, c.message(data.KindViewRequest))
}

// desiredRoster applies pending suspicions and joins to the committed view.
// It returns nil if nothing would change.
func (c *VSyncCore) desiredRoster() *data.ViewInfo {
	remove := make(map[data.NodeID]bool, len(c.vm.suspects))
	for id := range c.vm.suspects {
		remove[id] = true
	}
	add := make([]data.MemberInfo, 0, len(c.vm.joiners))
	for _, m := range c.vm.joiners {
		add = append(add, m)
	}
	next, err := c.view.Next(remove, add)
	if err != nil || next.Size() == 0 || next.Equal(c.view) {
		return nil
	}
	return next
}

func (c *VSyncCore) maybeChange() {
	if c.closed || c.vm.state != Stable || !c.view.Contains(c.self) {
		return
	}
	if next := c.desiredRoster(); next != nil {
		c.propose(next)
	}
}

func (c *VSyncCore) propose(info *data.ViewInfo) {
	epoch := c.viewID.Epoch
	if c.vm.epochSeen > epoch {
		epoch = c.vm.epochSeen
	}
	epoch++
	c.vm.epochSeen = epoch
	id := data.ViewID{Epoch: epoch, Leader: info.Leader()}
	c.logf("[B/Propose]: view: %v, roster: %v\n", id, info)
	c.startCandidate(id, info, data.KindPropose)
	c.checkQuorum()
}

func (c *VSyncCore) startCandidate(id data.ViewID, info *data.ViewInfo, kind data.MsgKind) {
	if c.vm.cand != nil {
		stop(c.vm.cand.timer)
	}
	cand := &candidate{id: id, info: info, acks: map[data.NodeID]bool{c.self: true}}
	c.vm.cand = cand
	c.vm.vote(id, info)
	c.vm.state = ChangePending
	cand.timer = c.sched.After(c.cfg.ViewChangeTimeout, func() { c.onViewChangeTimeout(cand) })
	c.net.Broadcast(c.candidateMessage(kind))
}

func (c *VSyncCore) candidateMessage(kind data.MsgKind) *data.Message {
	return &data.Message{Kind: kind, From: c.self, View: c.vm.cand.id, Members: c.vm.cand.info.Members()}
}

// beats orders conflicting candidates: higher epoch, then larger leader
// name, then larger encoded roster.
func beats(id data.ViewID, info *data.ViewInfo, cand *candidate) bool {
	if cmp := id.Compare(cand.id); cmp != 0 {
		return cmp > 0
	}
	return data.CompareRoster(info, cand.info) > 0
}

func (c *VSyncCore) onProposal(m *data.Message) {
	if m.View.Compare(c.viewID) <= 0 {
		// the sender is behind
		c.sendCommit(m.From)
		return
	}
	info, err := data.NewViewInfo(m.Members)
	if err != nil || info.Leader() != m.View.Leader {
		c.logf("dropping %v from %s: invalid candidate\n", m.Kind, m.From)
		return
	}
	if m.View.Epoch > c.vm.epochSeen {
		c.vm.epochSeen = m.View.Epoch
	}
	if !info.Contains(c.self) {
		// show we are alive instead of acknowledging our removal
		if c.view.Contains(c.self) {
			c.net.Send(m.From, c.digest())
		}
		return
	}
	c.logf("[R/%v]: from: %s, view: %v\n", m.Kind, m.From, m.View)

	cand := c.vm.cand
	switch {
	case cand != nil && cand.id == m.View && info.Equal(cand.info):
		cand.acks[m.From] = true
	case c.vm.conflicts(m.View, info):
		// already backing another roster at this epoch; the proposer
		// learns of it and the contest is settled at a fresh epoch
		c.vm.noteRival(m.View, info)
		if m.Kind == data.KindPropose && cand != nil {
			c.net.Send(m.From, c.candidateMessage(data.KindAck))
		}
		return
	default:
		c.startCandidate(m.View, info, data.KindAck)
		c.vm.cand.acks[m.From] = true
	}
	c.checkQuorum()
}

func (c *VSyncCore) checkQuorum() {
	cand := c.vm.cand
	if cand == nil {
		return
	}
	acks := 0
	for id := range cand.acks {
		if cand.info.Contains(id) {
			acks++
		}
	}
	if acks < c.cfg.Quorum.Threshold(cand.info.Size()) {
		return
	}
	c.vm.state = Committing
	c.logf("[B/Commit]: view: %v, roster: %v, acks: %d\n", cand.id, cand.info, acks)
	c.install(cand.id, cand.info)
}

func (c *VSyncCore) onCommit(m *data.Message) {
	cmp := m.View.Compare(c.viewID)
	if cmp < 0 {
		return
	}
	info, err := data.NewViewInfo(m.Members)
	if err != nil || info.Leader() != m.View.Leader {
		c.logf("dropping commit from %s: invalid roster\n", m.From)
		return
	}
	if cmp == 0 {
		if info.Equal(c.view) {
			return
		}
		// Two rosters were committed under one view id. The larger encoding
		// wins and the other side reinstalls it.
		if data.CompareRoster(info, c.view) < 0 {
			c.sendCommit(m.From)
			return
		}
		c.logf("[R/Commit]: from: %s, view: %v conflicts with %v\n", m.From, m.View, c.view)
	}
	c.logf("[R/Commit]: from: %s, view: %v\n", m.From, m.View)
	c.install(m.View, info)
}

func (c *VSyncCore) onViewChangeTimeout(cand *candidate) {
	if c.closed || c.vm.cand != cand {
		return
	}
	c.fireError(fmt.Errorf("%w: %v with %d acks", ErrViewChangeTimeout, cand.id, len(cand.acks)))
	c.vm.cand = nil
	c.vm.state = Stable
	if !c.view.Contains(c.self) {
		return
	}
	var next *data.ViewInfo
	switch r := c.vm.rival; {
	case r != nil && beats(r.id, r.info, cand):
		// contested epoch: every contender retries with the strongest roster
		next = r.info
	case r != nil:
		next = cand.info
	default:
		next = c.desiredRoster()
		if next == nil {
			next = cand.info
		}
	}
	if !next.Equal(c.view) {
		c.propose(next)
	}
}

// install commits view id with roster info. The local vector is re-indexed
// so every surviving producer keeps its counter, and state kept for
// departed producers is dropped.
func (c *VSyncCore) install(id data.ViewID, info *data.ViewInfo) {
	old := c.view
	c.vm.reset()
	c.vm.state = Committing

	c.vv = data.Reindex(c.vv, old, info)
	if idx, ok := info.Index(c.self); ok {
		c.vv[idx] = c.ownSeq
	}

	producers := make(map[data.NodeID]*producer, info.Size())
	for i, m := range info.Members() {
		p, ok := c.producers[m.ID]
		if !ok {
			p = newProducer(m.ID, c.vv[i])
		}
		for h := range p.holders {
			if !info.Contains(h) {
				delete(p.holders, h)
			}
		}
		for h := range p.failed {
			if !info.Contains(h) {
				delete(p.failed, h)
			}
		}
		producers[m.ID] = p
	}
	for _, p := range c.sortedProducers() {
		if _, ok := producers[p.id]; ok {
			continue
		}
		for _, f := range p.fetches {
			stop(f.timer)
		}
		// the view has moved on without this producer
		if pr, ok := c.store.(ProducerPruner); ok && p.id != c.self {
			if err := pr.RemoveProducer(p.id); err != nil {
				c.fireError(fmt.Errorf("prune %s: %w", p.id, err))
			}
		}
	}
	c.producers = producers

	now := c.sched.Now()
	peers := make(map[data.NodeID]*peer, info.Size())
	for _, m := range info.Members() {
		if m.ID == c.self {
			continue
		}
		if p, ok := c.peers[m.ID]; ok {
			peers[m.ID] = p
		} else {
			peers[m.ID] = &peer{lastHeard: now}
		}
	}
	c.peers = peers

	// A committed roster settles every suspicion except announced departures
	// that lost the race. Dead members are suspected again by the next
	// liveness check.
	for sid := range c.vm.suspects {
		if info.Contains(sid) && c.vm.leavers[sid] {
			continue
		}
		delete(c.vm.suspects, sid)
		delete(c.vm.leavers, sid)
	}
	for jid := range c.vm.joiners {
		if info.Contains(jid) {
			delete(c.vm.joiners, jid)
		}
	}
	if id.Epoch > c.vm.epochSeen {
		c.vm.epochSeen = id.Epoch
	}

	c.viewID, c.view = id, info
	c.stats.ViewChanges.Inc()
	c.logf("installed view %v: %v, vector: %v\n", id, info, c.vv)

	c.net.Broadcast(c.commitMessage())
	c.sink.ViewChanged(id, info)
	c.fireView()
	c.vm.state = Stable

	if c.view.Contains(c.self) {
		c.scheduleAdvert()
		for _, p := range c.sortedProducers() {
			c.pump(p)
		}
	}
	c.maybeChange()
}

func (c *VSyncCore) commitMessage() *data.Message {
	m := c.message(data.KindCommit)
	m.Members = c.view.Members()
	return m
}

func (c *VSyncCore) sortedProducers() []*producer {
	ps := make([]*producer, 0, len(c.producers))
	for _, p := range c.producers {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].id < ps[j].id })
	return ps
}
