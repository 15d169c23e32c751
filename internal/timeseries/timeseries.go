// Package timeseries keeps short per-second histories of engine gauges
// (throughput, fired timers, active timers, sweep lag).
package timeseries

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNoSeries is returned by Range for an unknown series name.
var ErrNoSeries = errors.New("timeseries: no such series")

// DataPoint is a single timestamped value in a time series.
type DataPoint struct {
	Timestamp int64   `json:"ts"`
	Value     float64 `json:"val"`
}

// Store holds bounded, time-ordered series. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	series    map[string][]DataPoint
	retention time.Duration
	stopGC    chan struct{}
	closeOnce sync.Once
}

// New creates a Store that drops points older than retention
// (0 keeps everything) and starts the background trim loop.
func New(retention time.Duration) *Store {
	s := &Store{
		series:    make(map[string][]DataPoint),
		retention: retention,
		stopGC:    make(chan struct{}),
	}
	if retention > 0 {
		go s.gcLoop()
	}
	return s
}

// Close stops the background trim loop.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.stopGC) })
}

// Add appends a point to the named series. A timestamp of 0 means now.
// Returns the inserted timestamp.
func (s *Store) Add(name string, ts int64, value float64) int64 {
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	points := s.series[name]
	dp := DataPoint{Timestamp: ts, Value: value}
	if len(points) == 0 || ts >= points[len(points)-1].Timestamp {
		points = append(points, dp)
	} else {
		idx := sort.Search(len(points), func(i int) bool {
			return points[i].Timestamp >= ts
		})
		points = append(points, DataPoint{})
		copy(points[idx+1:], points[idx:])
		points[idx] = dp
	}
	s.series[name] = points
	return ts
}

// Latest returns the newest point of the series.
func (s *Store) Latest(name string) (DataPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	points := s.series[name]
	if len(points) == 0 {
		return DataPoint{}, false
	}
	return points[len(points)-1], true
}

// Range returns the points within [fromTS, toTS] inclusive.
func (s *Store) Range(name string, fromTS, toTS int64) ([]DataPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	points, ok := s.series[name]
	if !ok {
		return nil, ErrNoSeries
	}
	start := sort.Search(len(points), func(i int) bool { return points[i].Timestamp >= fromTS })
	end := sort.Search(len(points), func(i int) bool { return points[i].Timestamp > toTS })
	if start >= end {
		return []DataPoint{}, nil
	}
	out := make([]DataPoint, end-start)
	copy(out, points[start:end])
	return out, nil
}

// Last returns up to n of the newest points of every series.
func (s *Store) Last(n int) map[string][]DataPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]DataPoint, len(s.series))
	for name, points := range s.series {
		if len(points) > n {
			points = points[len(points)-n:]
		}
		out[name] = append([]DataPoint(nil), points...)
	}
	return out
}

// Names returns the series names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.series))
	for name := range s.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(s.retention / 4)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			s.trim(time.Now().UnixMilli())
		}
	}
}

// trim drops points older than the retention window ending at nowMs.
func (s *Store) trim(nowMs int64) {
	cutoff := nowMs - s.retention.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, points := range s.series {
		idx := sort.Search(len(points), func(i int) bool {
			return points[i].Timestamp >= cutoff
		})
		if idx == len(points) {
			delete(s.series, name)
		} else if idx > 0 {
			s.series[name] = append([]DataPoint(nil), points[idx:]...)
		}
	}
}
