// Package hotkeys tracks which keys have their expiration re-armed most
// often, so RPROFILE can point at timer churn.
package hotkeys

import (
	"container/heap"
	"sync"
	"time"
)

// Entry is a key with its re-arm count.
type Entry struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Tracker counts re-arms per key and reports the top-N keys.
// It is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	counts   map[string]int64
	topN     int
	maxKeys  int
	window   time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a tracker reporting the top-N keys. Every window the counters
// are halved (0 disables decay). The tracker also halves early once it
// holds more than 64*topN keys.
func New(topN int, window time.Duration) *Tracker {
	if topN <= 0 {
		topN = 10
	}
	t := &Tracker{
		counts:  make(map[string]int64, topN*2),
		topN:    topN,
		maxKeys: topN * 64,
		window:  window,
		stop:    make(chan struct{}),
	}
	if window > 0 {
		go t.decayLoop()
	}
	return t
}

// Close stops the decay loop.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Record counts one re-arm of key.
func (t *Tracker) Record(key string) {
	t.mu.Lock()
	if _, ok := t.counts[key]; !ok && len(t.counts) >= t.maxKeys {
		t.decayLocked()
	}
	t.counts[key]++
	t.mu.Unlock()
}

// Forget drops the counter for key.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	delete(t.counts, key)
	t.mu.Unlock()
}

// Top returns up to n keys by count, descending. n <= 0 uses the
// tracker's topN.
func (t *Tracker) Top(n int) []Entry {
	if n <= 0 {
		n = t.topN
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	h := &entryHeap{}
	for key, cnt := range t.counts {
		e := Entry{Key: key, Count: cnt}
		if h.Len() < n {
			heap.Push(h, e)
		} else if h.less((*h)[0], e) {
			(*h)[0] = e
			heap.Fix(h, 0)
		}
	}

	result := make([]Entry, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(Entry)
	}
	return result
}

// Reset clears all counters.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.counts = make(map[string]int64, t.topN*2)
	t.mu.Unlock()
}

// Size returns the number of tracked keys.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}

func (t *Tracker) decayLoop() {
	ticker := time.NewTicker(t.window)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			t.decayLocked()
			t.mu.Unlock()
		}
	}
}

// decayLocked halves every counter and drops the ones that reach zero.
func (t *Tracker) decayLocked() {
	for key, cnt := range t.counts {
		if cnt /= 2; cnt == 0 {
			delete(t.counts, key)
		} else {
			t.counts[key] = cnt
		}
	}
}

// entryHeap is a min-heap ordered by count, ties broken so that the
// lexically larger key is evicted first.
type entryHeap []Entry

func (h entryHeap) less(a, b Entry) bool {
	if a.Count != b.Count {
		return a.Count < b.Count
	}
	return a.Key > b.Key
}

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h.less(h[i], h[j]) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
