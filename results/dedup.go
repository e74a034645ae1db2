package results

import (
	"container/list"
	"sync"
)

// dedupSet is a bounded set of recently-seen event ids with FIFO eviction.
// It is an optimization, not the correctness boundary: an evicted id that
// gets redelivered is caught by the terminal-task and progressed-stage checks
// downstream.
type dedupSet struct {
	mu    sync.Mutex
	max   int
	order *list.List
	index map[string]*list.Element
}

func newDedupSet(max int) *dedupSet {
	return &dedupSet{
		max:   max,
		order: list.New(),
		index: make(map[string]*list.Element, max),
	}
}

func (s *dedupSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

func (s *dedupSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; ok {
		return
	}
	s.index[id] = s.order.PushBack(id)
	for s.order.Len() > s.max {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
	}
}

func (s *dedupSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
