// Package clock provides the millisecond time source used by the expiration engine.
// Tests inject a Manual clock to control time deterministically.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns the current time in milliseconds since the Unix epoch.
type Clock interface {
	NowMs() int64
}

type systemClock struct{}

func (systemClock) NowMs() int64 { return time.Now().UnixMilli() }

// System is the wall-clock implementation.
var System Clock = systemClock{}

// Manual is a Clock that only moves when told to.
// It is safe for concurrent use.
type Manual struct {
	now atomic.Int64
}

// NewManual creates a Manual clock starting at startMs.
func NewManual(startMs int64) *Manual {
	m := &Manual{}
	m.now.Store(startMs)
	return m
}

// NowMs returns the current manual time.
func (m *Manual) NowMs() int64 { return m.now.Load() }

// Set moves the clock to ms.
func (m *Manual) Set(ms int64) { m.now.Store(ms) }

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) int64 {
	return m.now.Add(d.Milliseconds())
}
