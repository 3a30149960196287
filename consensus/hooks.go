package consensus

import (
	"github.com/joe-zxh/vsync/data"
)

// VectorChangeFunc observes the local vector after entry index changed.
type VectorChangeFunc func(index int, vv data.VersionVector)

// ViewChangeFunc observes every committed view.
type ViewChangeFunc func(id data.ViewID, info *data.ViewInfo, isLeader bool)

// DataEventFunc observes every publication made or received.
type DataEventFunc func(pub *data.Publication, local bool)

// ErrorFunc observes transient failures that the engine recovers from.
type ErrorFunc func(err error)

type hooks struct {
	vector []VectorChangeFunc
	view   []ViewChangeFunc
	data   []DataEventFunc
	err    []ErrorFunc
}

func (c *VSyncCore) OnVectorChange(f VectorChangeFunc) {
	c.hooks.vector = append(c.hooks.vector, f)
}

func (c *VSyncCore) OnViewChange(f ViewChangeFunc) {
	c.hooks.view = append(c.hooks.view, f)
}

func (c *VSyncCore) OnData(f DataEventFunc) {
	c.hooks.data = append(c.hooks.data, f)
}

func (c *VSyncCore) OnError(f ErrorFunc) {
	c.hooks.err = append(c.hooks.err, f)
}

func (c *VSyncCore) fireVector(index int) {
	if len(c.hooks.vector) == 0 {
		return
	}
	vv := c.vv.Clone()
	for _, f := range c.hooks.vector {
		f(index, vv)
	}
}

func (c *VSyncCore) fireView() {
	leader := c.viewID.Leader == c.self
	for _, f := range c.hooks.view {
		f(c.viewID, c.view, leader)
	}
}

func (c *VSyncCore) fireData(pub *data.Publication, local bool) {
	for _, f := range c.hooks.data {
		f(pub, local)
	}
}

func (c *VSyncCore) fireError(err error) {
	c.logf("%v", err)
	for _, f := range c.hooks.err {
		f(err)
	}
}
