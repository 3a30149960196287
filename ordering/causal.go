package ordering

import (
	"sort"

	"github.com/joe-zxh/vsync/data"
)

// Causal delivers a publication only after everything in its causal
// context. A publication depending on a departed producer's records that
// were never delivered can no longer be delivered and is dropped.
type Causal struct {
	upcall Upcall
	counters
	view    *data.ViewInfo
	buffer  []*data.Publication
	count   uint64
	dropped uint64
}

func NewCausal(upcall Upcall) *Causal {
	return &Causal{
		upcall:   upcall,
		counters: newCounters(),
	}
}

func (c *Causal) Deliver(pub *data.Publication) {
	if pub.Seq <= c.delivered[pub.Producer] || c.buffered(pub.Key()) {
		c.dropped++
		return
	}
	c.unskip(pub.Producer, pub.Seq)
	if c.orphaned(pub) {
		c.drop(pub, "unmet dependency on a departed producer")
		return
	}
	c.buffer = append(c.buffer, pub)
	c.release()
}

func (c *Causal) Published(pub *data.Publication) {
	if pub.Seq > c.delivered[pub.Producer] {
		c.delivered[pub.Producer] = pub.Seq
	}
	c.count++
	c.upcall(pub, true)
	c.release()
}

func (c *Causal) Missing(producer data.NodeID, seq uint64) {
	if c.skip(producer, seq) {
		c.release()
	}
}

// Frontier is the causal context of the next local publication.
func (c *Causal) Frontier(info *data.ViewInfo) data.StateVector {
	return c.frontier(info)
}

func (c *Causal) ViewChanged(_ data.ViewID, info *data.ViewInfo) {
	c.view = info
	kept := c.buffer[:0]
	for _, pub := range c.buffer {
		if c.orphaned(pub) {
			c.drop(pub, "view change")
			continue
		}
		kept = append(kept, pub)
	}
	for i := len(kept); i < len(c.buffer); i++ {
		c.buffer[i] = nil
	}
	c.buffer = kept
	c.release()
}

func (c *Causal) Pending() int {
	return len(c.buffer)
}

func (c *Causal) Delivered() uint64 {
	return c.count
}

func (c *Causal) Dropped() uint64 {
	return c.dropped
}

func (c *Causal) drop(pub *data.Publication, reason string) {
	c.dropped++
	logger.Printf("causal: dropping %s: %s\n", pub.Name(), reason)
}

func (c *Causal) buffered(key data.PubKey) bool {
	for _, pub := range c.buffer {
		if pub.Key() == key {
			return true
		}
	}
	return false
}

// orphaned reports whether pub waits on a producer outside the view.
func (c *Causal) orphaned(pub *data.Publication) bool {
	if c.view == nil {
		return false
	}
	if !c.view.Contains(pub.Producer) {
		return true
	}
	for _, e := range pub.Vector {
		if e.Node != pub.Producer && !c.view.Contains(e.Node) && e.Seq > c.delivered[e.Node] {
			return true
		}
	}
	return false
}

func (c *Causal) ready(pub *data.Publication) bool {
	if pub.Seq != c.delivered[pub.Producer]+1 {
		return false
	}
	for _, e := range pub.Vector {
		if e.Node != pub.Producer && e.Seq > c.delivered[e.Node] {
			return false
		}
	}
	return true
}

func (c *Causal) index(id data.NodeID) int {
	if c.view != nil {
		if i, ok := c.view.Index(id); ok {
			return i
		}
	}
	return -1
}

// release delivers buffered publications whose context is satisfied, by
// increasing sequence and then producer index, until none is ready.
func (c *Causal) release() {
	for {
		var ready []*data.Publication
		for _, pub := range c.buffer {
			if c.ready(pub) {
				ready = append(ready, pub)
			}
		}
		if len(ready) == 0 {
			return
		}
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].Seq != ready[j].Seq {
				return ready[i].Seq < ready[j].Seq
			}
			return c.index(ready[i].Producer) < c.index(ready[j].Producer)
		})
		for _, pub := range ready {
			c.remove(pub)
			c.delivered[pub.Producer] = pub.Seq
			c.absorb(pub.Producer)
			c.count++
			c.upcall(pub, false)
		}
	}
}

func (c *Causal) remove(pub *data.Publication) {
	for i, b := range c.buffer {
		if b == pub {
			copy(c.buffer[i:], c.buffer[i+1:])
			c.buffer[len(c.buffer)-1] = nil
			c.buffer = c.buffer[:len(c.buffer)-1]
			return
		}
	}
}
