// Package store holds the content stores that keep publications fetchable
// for catch-up.
package store

import (
	"container/list"
	"sync"

	"github.com/joe-zxh/vsync/data"
)

// Memory is a bounded in-memory store. When full, the oldest publication is
// evicted first. It is safe for concurrent use.
type Memory struct {
	mut      sync.Mutex
	capacity int
	set      map[data.PubKey]*list.Element
	order    list.List // insertion order, oldest first
}

// NewMemory creates a store holding at most capacity publications. A
// capacity <= 0 means unbounded.
func NewMemory(capacity int) *Memory {
	s := &Memory{
		capacity: capacity,
		set:      make(map[data.PubKey]*list.Element),
	}
	s.order.Init()
	return s
}

// Put adds pub. Duplicate keys are ignored.
func (s *Memory) Put(pub *data.Publication) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	key := pub.Key()
	if _, ok := s.set[key]; ok {
		return nil
	}
	s.set[key] = s.order.PushBack(pub)
	for s.capacity > 0 && len(s.set) > s.capacity {
		e := s.order.Front()
		s.order.Remove(e)
		delete(s.set, e.Value.(*data.Publication).Key())
	}
	return nil
}

func (s *Memory) Get(key data.PubKey) (*data.Publication, bool, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if e, ok := s.set[key]; ok {
		return e.Value.(*data.Publication), true, nil
	}
	return nil, false, nil
}

// RemoveProducer drops every publication of producer.
func (s *Memory) RemoveProducer(producer data.NodeID) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	for key, e := range s.set {
		if key.Producer == producer {
			s.order.Remove(e)
			delete(s.set, key)
		}
	}
	return nil
}

func (s *Memory) Close() error {
	return nil
}
