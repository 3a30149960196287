package ordering

import "github.com/joe-zxh/vsync/data"

// Plain hands every publication to the application as soon as it arrives.
type Plain struct {
	upcall    Upcall
	delivered uint64
}

func NewPlain(upcall Upcall) *Plain {
	return &Plain{upcall: upcall}
}

func (p *Plain) Deliver(pub *data.Publication) {
	p.delivered++
	p.upcall(pub, false)
}

func (p *Plain) Published(pub *data.Publication) {
	p.delivered++
	p.upcall(pub, true)
}

func (p *Plain) Missing(data.NodeID, uint64)             {}
func (p *Plain) ViewChanged(data.ViewID, *data.ViewInfo) {}
func (p *Plain) Pending() int                            { return 0 }
func (p *Plain) Delivered() uint64                       { return p.delivered }
