package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/flashdb/rtexp/internal/cdc"
	"github.com/flashdb/rtexp/internal/timer"
	"github.com/flashdb/rtexp/internal/wal"
)

// maxWait bounds one sleep of the sweeper. Longer delays are waited out in
// several rounds, which also keeps time.Duration from overflowing.
const maxWait = time.Hour

// SweeperState is the sweeper's current activity.
type SweeperState int32

const (
	// SweeperIdle means no timer is pending.
	SweeperIdle SweeperState = iota
	// SweeperWaiting means the sweeper sleeps until the earliest deadline.
	SweeperWaiting
	// SweeperSweeping means due keys are being deleted.
	SweeperSweeping
)

func (s SweeperState) String() string {
	switch s {
	case SweeperIdle:
		return "idle"
	case SweeperWaiting:
		return "waiting"
	case SweeperSweeping:
		return "sweeping"
	default:
		return "unknown"
	}
}

// SweeperState returns what the sweeper is doing right now.
func (e *Engine) SweeperState() SweeperState {
	return SweeperState(e.state.Load())
}

// Wake interrupts the sweeper's wait so it re-reads the clock. It is needed
// only with clocks that jump, such as clock.Manual.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// runSweeper sleeps until the earliest deadline, sweeps, and repeats.
// Failed sweeps back off exponentially from RetryBase up to RetryMax.
func (e *Engine) runSweeper() {
	defer e.wg.Done()

	backoff := time.Duration(0)
	for {
		earliest, ok := e.index.PeekEarliest()
		if !ok {
			e.state.Store(int32(SweeperIdle))
			select {
			case <-e.stop:
				return
			case <-e.index.Notify():
			case <-e.wake:
			}
			continue
		}

		if now := e.clock.NowMs(); earliest.DeadlineMs > now {
			delay := earliest.DeadlineMs - now
			if delay < 0 {
				delay = math.MaxInt64
			}
			e.state.Store(int32(SweeperWaiting))
			t := time.NewTimer(waitFor(delay))
			select {
			case <-e.stop:
				t.Stop()
				return
			case <-t.C:
				if delay > maxWait.Milliseconds() {
					continue
				}
			case <-e.index.Notify():
				t.Stop()
				continue
			case <-e.wake:
				t.Stop()
				continue
			}
		}

		e.state.Store(int32(SweeperSweeping))
		if _, err := e.Sweep(); err != nil {
			if backoff == 0 {
				backoff = e.cfg.RetryBase
			} else if backoff *= 2; backoff > e.cfg.RetryMax {
				backoff = e.cfg.RetryMax
			}
			t := time.NewTimer(backoff)
			select {
			case <-e.stop:
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}
		backoff = 0
	}
}

// waitFor converts a positive delay in milliseconds to a sleep capped at
// maxWait.
func waitFor(delayMs int64) time.Duration {
	if delayMs > maxWait.Milliseconds() {
		return maxWait
	}
	return time.Duration(delayMs) * time.Millisecond
}

// Sweep deletes every key whose deadline has passed, in deadline order, and
// returns how many fired. If the store fails, the failed timer and every
// later one are put back at their original deadlines and an error is
// returned; timers fired before the failure stay fired.
func (e *Engine) Sweep() (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	e.barrier.Lock()
	defer e.barrier.Unlock()
	if e.closed.Load() {
		return 0, ErrClosed
	}

	now := e.clock.NowMs()
	due := e.index.PopDue(now)
	if len(due) == 0 {
		return 0, nil
	}

	fired, derr := e.deleteDue(due)
	for _, t := range due[fired:] {
		e.index.Set(t.Key, t.DeadlineMs)
	}

	if fired > 0 {
		e.commitFired(due[:fired], now)
	}
	if derr != nil {
		failed := len(due) - fired
		e.prof.ObserveRetry(failed)
		e.log.Warnf("sweep failed, %d timers rescheduled: %v", failed, derr)
		return fired, fmt.Errorf("engine: sweep: %w: %w", ErrStoreUnavailable, derr)
	}
	return fired, nil
}

// deleteDue removes the keys of due from the store and returns how many of
// the leading timers were handled. A batch delete is all-or-nothing.
func (e *Engine) deleteDue(due []timer.Timer) (int, error) {
	if e.batch != nil {
		keys := make([]string, len(due))
		for i, t := range due {
			keys[i] = t.Key
		}
		if err := e.batch.DeleteMany(keys); err != nil {
			return 0, err
		}
		return len(due), nil
	}

	for i, t := range due {
		if _, err := e.st.Delete(t.Key); err != nil {
			return i, fmt.Errorf("delete %q: %w", t.Key, err)
		}
	}
	return len(due), nil
}

// commitFired journals, publishes and profiles fired timers.
func (e *Engine) commitFired(fired []timer.Timer, now int64) {
	recs := make([]wal.Record, len(fired))
	lags := make([]int64, len(fired))
	for i, t := range fired {
		recs[i] = wal.Record{Op: wal.OpFired, Key: t.Key, DeadlineMs: t.DeadlineMs}
		lags[i] = now - t.DeadlineMs
		if lags[i] < 0 {
			// Wrapped around for deadlines near math.MinInt64.
			lags[i] = math.MaxInt64
		}
		e.events.Record(cdc.OpExpired, t.Key, t.DeadlineMs, now)
		e.churn.Forget(t.Key)
	}
	if e.journal != nil {
		if err := e.journal.AppendBatch(recs); err != nil {
			// Replay re-fires these timers; deleting an absent key is a no-op.
			e.log.Errorf("failed to journal %d fired timers: %v", len(recs), err)
		}
	}
	e.prof.ObserveSweep(lags)
	e.log.Debugf("swept %d keys", len(fired))
}
