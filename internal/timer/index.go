// Package timer provides the concurrent timer index that backs real-time expiration.
//
// The index pairs a key-indexed map with a time-ordered min-heap. Every heap
// item records its own position so replacing or cancelling a timer removes
// the old heap entry in O(log n); stale entries never linger.
package timer

import (
	"container/heap"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// State describes the lifecycle of a Timer.
type State uint8

const (
	Active State = iota
	Cancelled
	Fired
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Cancelled:
		return "cancelled"
	case Fired:
		return "fired"
	}
	return "unknown"
}

// Timer is a pending expiration for one key.
type Timer struct {
	Key        string
	DeadlineMs int64
	State      State
}

// DefaultShards is the shard count used when New is given a non-positive value.
const DefaultShards = 16

type item struct {
	key      string
	deadline int64
	index    int // position in the shard heap, -1 once removed
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].deadline == h[j].deadline {
		return h[i].key < h[j].key
	}
	return h[i].deadline < h[j].deadline
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type shard struct {
	mu    sync.Mutex
	items map[string]*item
	heap  itemHeap
}

// Index owns all live timers. It is safe for concurrent use by multiple goroutines.
type Index struct {
	shards []*shard
	mask   uint32
	count  atomic.Int64
	notify chan struct{}
}

// New creates an Index with the given number of shards, rounded up to a power of two.
func New(shards int) *Index {
	if shards <= 0 {
		shards = DefaultShards
	}
	n := 1
	for n < shards {
		n <<= 1
	}
	idx := &Index{
		shards: make([]*shard, n),
		mask:   uint32(n - 1),
		notify: make(chan struct{}, 1),
	}
	for i := range idx.shards {
		idx.shards[i] = &shard{items: make(map[string]*item)}
	}
	return idx
}

func (idx *Index) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return idx.shards[h.Sum32()&idx.mask]
}

// Notify returns a channel that receives a value whenever the minimum
// deadline of some shard may have moved. Signals coalesce.
func (idx *Index) Notify() <-chan struct{} {
	return idx.notify
}

func (idx *Index) signal() {
	select {
	case idx.notify <- struct{}{}:
	default:
	}
}

// Set inserts or replaces the timer for key. Past deadlines are allowed and
// make the key immediately due.
func (idx *Index) Set(key string, deadlineMs int64) {
	s := idx.shardFor(key)
	s.mu.Lock()
	it, ok := s.items[key]
	if ok {
		wasMin := it.index == 0
		it.deadline = deadlineMs
		heap.Fix(&s.heap, it.index)
		moved := wasMin || it.index == 0
		s.mu.Unlock()
		if moved {
			idx.signal()
		}
		return
	}
	it = &item{key: key, deadline: deadlineMs}
	s.items[key] = it
	heap.Push(&s.heap, it)
	isMin := it.index == 0
	s.mu.Unlock()

	idx.count.Add(1)
	if isMin {
		idx.signal()
	}
}

// Cancel removes the timer for key. Cancelling an untracked key is a no-op.
// It reports whether a timer was removed.
func (idx *Index) Cancel(key string) bool {
	s := idx.shardFor(key)
	s.mu.Lock()
	it, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	wasMin := it.index == 0
	heap.Remove(&s.heap, it.index)
	delete(s.items, key)
	s.mu.Unlock()

	idx.count.Add(-1)
	if wasMin {
		idx.signal()
	}
	return true
}

// Deadline returns the absolute deadline for key.
func (idx *Index) Deadline(key string) (int64, bool) {
	s := idx.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return 0, false
	}
	return it.deadline, true
}

// Remaining returns deadline - nowMs for key, or false when key is untracked.
// The result is negative for a timer that is due but not yet swept, and
// saturates at the int64 bounds instead of wrapping.
func (idx *Index) Remaining(key string, nowMs int64) (int64, bool) {
	deadline, ok := idx.Deadline(key)
	if !ok {
		return 0, false
	}
	return subSat(deadline, nowMs), true
}

// subSat returns a - b clamped to [math.MinInt64, math.MaxInt64].
func subSat(a, b int64) int64 {
	d := a - b
	switch {
	case b > 0 && d > a:
		return math.MinInt64
	case b < 0 && d < a:
		return math.MaxInt64
	}
	return d
}

// PeekEarliest returns the timer with the smallest deadline without removing it.
func (idx *Index) PeekEarliest() (Timer, bool) {
	var best *Timer
	for _, s := range idx.shards {
		s.mu.Lock()
		if len(s.heap) > 0 {
			top := s.heap[0]
			if best == nil || top.deadline < best.DeadlineMs ||
				(top.deadline == best.DeadlineMs && top.key < best.Key) {
				best = &Timer{Key: top.key, DeadlineMs: top.deadline, State: Active}
			}
		}
		s.mu.Unlock()
	}
	if best == nil {
		return Timer{}, false
	}
	return *best, true
}

// PopDue removes and returns every timer with deadline <= nowMs, in
// ascending deadline order. Returned timers are in the Fired state.
func (idx *Index) PopDue(nowMs int64) []Timer {
	var due []Timer
	for _, s := range idx.shards {
		s.mu.Lock()
		for len(s.heap) > 0 && s.heap[0].deadline <= nowMs {
			it := heap.Pop(&s.heap).(*item)
			delete(s.items, it.key)
			due = append(due, Timer{Key: it.key, DeadlineMs: it.deadline, State: Fired})
		}
		s.mu.Unlock()
	}
	if len(due) == 0 {
		return nil
	}
	idx.count.Add(-int64(len(due)))
	sortTimers(due)
	return due
}

// Count returns the number of active timers.
func (idx *Index) Count() int {
	return int(idx.count.Load())
}

// Snapshot returns a copy of every active timer in ascending deadline order.
func (idx *Index) Snapshot() []Timer {
	out := make([]Timer, 0, idx.Count())
	for _, s := range idx.shards {
		s.mu.Lock()
		for _, it := range s.heap {
			out = append(out, Timer{Key: it.key, DeadlineMs: it.deadline, State: Active})
		}
		s.mu.Unlock()
	}
	sortTimers(out)
	return out
}

// Clear drops every timer.
func (idx *Index) Clear() {
	var removed int64
	for _, s := range idx.shards {
		s.mu.Lock()
		removed += int64(len(s.heap))
		s.items = make(map[string]*item)
		s.heap = nil
		s.mu.Unlock()
	}
	idx.count.Add(-removed)
	idx.signal()
}

func sortTimers(ts []Timer) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].DeadlineMs == ts[j].DeadlineMs {
			return ts[i].Key < ts[j].Key
		}
		return ts[i].DeadlineMs < ts[j].DeadlineMs
	})
}
