package ordering

import "github.com/joe-zxh/vsync/data"

// FIFO delivers each producer's publications in sequence order. Producers
// are independent of each other.
type FIFO struct {
	upcall Upcall
	counters
	buffer  map[data.NodeID]map[uint64]*data.Publication
	count   uint64
	dropped uint64
}

func NewFIFO(upcall Upcall) *FIFO {
	return &FIFO{
		upcall:   upcall,
		counters: newCounters(),
		buffer:   make(map[data.NodeID]map[uint64]*data.Publication),
	}
}

func (f *FIFO) Deliver(pub *data.Publication) {
	if pub.Seq <= f.delivered[pub.Producer] {
		f.dropped++
		return
	}
	f.unskip(pub.Producer, pub.Seq)
	b := f.buffer[pub.Producer]
	if b == nil {
		b = make(map[uint64]*data.Publication)
		f.buffer[pub.Producer] = b
	}
	b[pub.Seq] = pub
	f.drain(pub.Producer)
}

func (f *FIFO) Published(pub *data.Publication) {
	if pub.Seq > f.delivered[pub.Producer] {
		f.delivered[pub.Producer] = pub.Seq
	}
	f.count++
	f.upcall(pub, true)
}

func (f *FIFO) Missing(producer data.NodeID, seq uint64) {
	if f.skip(producer, seq) {
		f.drain(producer)
	}
}

func (f *FIFO) drain(producer data.NodeID) {
	b := f.buffer[producer]
	for {
		f.absorb(producer)
		next := f.delivered[producer] + 1
		pub, ok := b[next]
		if !ok {
			break
		}
		delete(b, next)
		f.delivered[producer] = next
		f.count++
		f.upcall(pub, false)
	}
}

// ViewChanged drops buffered publications of departed producers.
func (f *FIFO) ViewChanged(_ data.ViewID, info *data.ViewInfo) {
	for producer, b := range f.buffer {
		if !info.Contains(producer) {
			f.dropped += uint64(len(b))
			delete(f.buffer, producer)
			logger.Printf("fifo: dropped %d buffered publications of departed %s\n", len(b), producer)
		}
	}
}

func (f *FIFO) Pending() int {
	n := 0
	for _, b := range f.buffer {
		n += len(b)
	}
	return n
}

func (f *FIFO) Delivered() uint64 {
	return f.count
}

// Dropped counts duplicates and buffered publications lost to view changes.
func (f *FIFO) Dropped() uint64 {
	return f.dropped
}
