package keepalive

import (
	"container/heap"
	"time"
)

// scheduler is a min-heap of lease ids keyed by the next instant the
// supervisor must act on them (send a renewal or expire). One entry per
// lease. Owned by the supervisor loop, not safe for concurrent use.
type scheduler struct {
	items schedHeap
	byID  map[int64]*schedItem
}

type schedItem struct {
	id    int64
	at    time.Time
	index int
}

func newScheduler() *scheduler {
	return &scheduler{
		byID: make(map[int64]*schedItem),
	}
}

// schedule inserts id or moves its existing entry to at
func (s *scheduler) schedule(id int64, at time.Time) {
	if item, ok := s.byID[id]; ok {
		item.at = at
		heap.Fix(&s.items, item.index)
		return
	}

	item := &schedItem{id: id, at: at}
	s.byID[id] = item
	heap.Push(&s.items, item)
}

// remove is a no-op for ids that are not scheduled
func (s *scheduler) remove(id int64) {
	item, ok := s.byID[id]
	if !ok {
		return
	}
	heap.Remove(&s.items, item.index)
	delete(s.byID, id)
}

func (s *scheduler) next() (time.Time, bool) {
	if len(s.items) == 0 {
		return time.Time{}, false
	}
	return s.items[0].at, true
}

func (s *scheduler) scheduledAt(id int64) (time.Time, bool) {
	item, ok := s.byID[id]
	if !ok {
		return time.Time{}, false
	}
	return item.at, true
}

// popDue removes and returns every id due at or before now, soonest first
func (s *scheduler) popDue(now time.Time) []int64 {
	var due []int64
	for len(s.items) > 0 && !s.items[0].at.After(now) {
		item := heap.Pop(&s.items).(*schedItem)
		delete(s.byID, item.id)
		due = append(due, item.id)
	}
	return due
}

func (s *scheduler) len() int {
	return len(s.items)
}

type schedHeap []*schedItem

func (h schedHeap) Len() int { return len(h) }

func (h schedHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h schedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *schedHeap) Push(x interface{}) {
	item := x.(*schedItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *schedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// renewInterval is a third of the granted ttl, never below min. When min
// would leave no time to renew before the deadline, half the ttl wins.
func renewInterval(ttl time.Duration, min time.Duration) time.Duration {
	interval := ttl / 3
	if interval < min {
		interval = min
	}
	if interval > ttl/2 {
		interval = ttl / 2
	}
	return interval
}
