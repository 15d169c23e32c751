// Package cdc publishes expiration events: every timer armed, cancelled or
// fired is appended to a bounded ring and fanned out to subscribers.
package cdc

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Op describes what happened to a timer.
type Op string

const (
	OpExpire   Op = "REXPIRE"
	OpExpireAt Op = "REXPIREAT"
	OpUnexpire Op = "RUNEXPIRE"
	OpSetEx    Op = "RSETEX"
	OpExecEx   Op = "REXECEX"
	OpExpired  Op = "EXPIRED"
)

// Event is one timer transition.
type Event struct {
	ID         uint64 `json:"id"`
	Timestamp  int64  `json:"ts"`
	Op         Op     `json:"op"`
	Key        string `json:"key"`
	DeadlineMs int64  `json:"deadline,omitempty"`
}

// JSON returns the JSON encoding of the event.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	ch  chan Event
	ops map[Op]bool
}

// Stream is a thread-safe ring buffer of events with subscriber support.
type Stream struct {
	mu   sync.RWMutex
	buf  []Event
	head int
	size int
	cap  int
	seq  atomic.Uint64

	subMu   sync.Mutex
	subs    map[uint64]subscriber
	nextSub uint64
	dropped atomic.Uint64
}

// NewStream creates a stream with the given ring buffer capacity.
func NewStream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Stream{
		buf:  make([]Event, capacity),
		cap:  capacity,
		subs: make(map[uint64]subscriber),
	}
}

// Record appends an event stamped at nowMs and notifies subscribers
// without blocking; slow subscribers miss events.
func (s *Stream) Record(op Op, key string, deadlineMs, nowMs int64) Event {
	s.mu.Lock()
	ev := Event{
		ID:         s.seq.Add(1),
		Timestamp:  nowMs,
		Op:         op,
		Key:        key,
		DeadlineMs: deadlineMs,
	}
	s.buf[s.head] = ev
	s.head = (s.head + 1) % s.cap
	if s.size < s.cap {
		s.size++
	}
	s.mu.Unlock()

	s.subMu.Lock()
	for _, sub := range s.subs {
		if len(sub.ops) > 0 && !sub.ops[op] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
	s.subMu.Unlock()

	return ev
}

// Since returns up to limit events with ID > afterID, oldest first.
// limit <= 0 returns all of them.
func (s *Stream) Since(afterID uint64, limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []Event{}
	start := s.head - s.size
	if start < 0 {
		start += s.cap
	}
	for i := 0; i < s.size; i++ {
		ev := s.buf[(start+i)%s.cap]
		if ev.ID <= afterID {
			continue
		}
		result = append(result, ev)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result
}

// Latest returns the n most recent events, oldest first.
func (s *Stream) Latest(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > s.size {
		n = s.size
	}
	if n <= 0 {
		return nil
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := s.head - n + i
		if idx < 0 {
			idx += s.cap
		}
		result[i] = s.buf[idx]
	}
	return result
}

// Subscribe creates a channel receiving events as they are recorded. When
// ops is non-empty only those operations are delivered.
func (s *Stream) Subscribe(bufSize int, ops ...Op) (uint64, <-chan Event) {
	if bufSize <= 0 {
		bufSize = 256
	}
	sub := subscriber{ch: make(chan Event, bufSize)}
	if len(ops) > 0 {
		sub.ops = make(map[Op]bool, len(ops))
		for _, op := range ops {
			sub.ops[op] = true
		}
	}

	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = sub
	s.subMu.Unlock()

	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Stream) Unsubscribe(id uint64) {
	s.subMu.Lock()
	if sub, ok := s.subs[id]; ok {
		close(sub.ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
}

// Stats describes the stream.
type Stats struct {
	TotalEvents uint64 `json:"total_events"`
	BufferSize  int    `json:"buffer_size"`
	BufferCap   int    `json:"buffer_cap"`
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

func (s *Stream) Stats() Stats {
	s.mu.RLock()
	size := s.size
	s.mu.RUnlock()

	s.subMu.Lock()
	subs := len(s.subs)
	s.subMu.Unlock()

	return Stats{
		TotalEvents: s.seq.Load(),
		BufferSize:  size,
		BufferCap:   s.cap,
		Subscribers: subs,
		Dropped:     s.dropped.Load(),
	}
}
