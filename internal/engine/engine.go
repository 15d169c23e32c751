// Package engine implements the real-time expiration engine: typed commands
// over a timer index, a deadline-driven sweeper that deletes keys through
// the store adapter, and optional timer persistence.
//
// Timer changes follow the pattern: journal append -> apply -> respond.
package engine

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flashdb/rtexp/internal/cdc"
	"github.com/flashdb/rtexp/internal/clock"
	"github.com/flashdb/rtexp/internal/hotkeys"
	"github.com/flashdb/rtexp/internal/logger"
	"github.com/flashdb/rtexp/internal/metrics"
	"github.com/flashdb/rtexp/internal/snapshot"
	"github.com/flashdb/rtexp/internal/store"
	"github.com/flashdb/rtexp/internal/timer"
	"github.com/flashdb/rtexp/internal/timeseries"
	"github.com/flashdb/rtexp/internal/wal"
)

// NoTimer is the RTTL result for a key without an active timer.
const NoTimer int64 = -2

var (
	// ErrInvalidArgument is returned for malformed input; no state is changed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStoreUnavailable wraps store adapter failures of compound commands.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrClosed is returned once the engine has been closed.
	ErrClosed = errors.New("engine closed")
)

const stripeCount = 256

// Config configures an Engine. The zero value is usable.
type Config struct {
	// Clock is the millisecond time source. Defaults to clock.System.
	Clock clock.Clock
	// Logger receives sweeper and persistence diagnostics. Defaults to logger.Discard().
	Logger *logger.Logger
	// Shards is the timer index shard count.
	Shards int
	// RetryBase and RetryMax bound the sweeper's exponential backoff after
	// a failed deletion.
	RetryBase time.Duration
	RetryMax  time.Duration
	// SafetyBuffer, when positive and the adapter implements
	// store.NativeExpirer, also sets the store's native TTL to
	// deadline+SafetyBuffer.
	SafetyBuffer time.Duration
	// DataDir enables timer persistence (journal plus snapshots) when set.
	DataDir string
	// SyncWrites fsyncs the journal after every append.
	SyncWrites bool
	// EventBuffer is the capacity of the expiration event ring.
	EventBuffer int
	// ProfileSamples is the number of latency samples kept per command.
	ProfileSamples int
	// HistoryInterval is the profile history sampling period. Negative
	// disables sampling.
	HistoryInterval time.Duration
	// ManualSweep disables the background sweeper; callers run Sweep.
	ManualSweep bool
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = clock.System
	}
	if c.Logger == nil {
		c.Logger = logger.Discard()
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 10 * time.Millisecond
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = 5 * time.Second
		if c.RetryMax < c.RetryBase {
			c.RetryMax = c.RetryBase
		}
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 10000
	}
	if c.HistoryInterval == 0 {
		c.HistoryInterval = time.Second
	}
}

// Stats holds engine statistics.
type Stats struct {
	StartTime     time.Time `json:"start_time"`
	TotalCommands int64     `json:"total_commands"`
	ActiveTimers  int       `json:"active_timers"`
	ExpiredKeys   int64     `json:"expired_keys"`
	SweeperState  string    `json:"sweeper_state"`
	Persistent    bool      `json:"persistent"`
	LastSave      time.Time `json:"last_save"`
	Events        cdc.Stats `json:"events"`
}

// Engine coordinates the timer index, the store adapter and the sweeper.
// It is safe for concurrent use by multiple goroutines.
type Engine struct {
	cfg    Config
	clock  clock.Clock
	log    *logger.Logger
	st     store.Adapter
	batch  store.BatchDeleter
	native store.NativeExpirer

	index *timer.Index

	// barrier is shared by commands and held exclusively by a sweep, so a
	// sweep's pop, delete and re-insert are indivisible to every command.
	barrier sync.RWMutex
	stripes [stripeCount]sync.RWMutex

	prof    *metrics.Profiler
	events  *cdc.Stream
	churn   *hotkeys.Tracker
	history *timeseries.Store

	journal  *wal.WAL
	snaps    *snapshot.Manager
	saveMu   sync.Mutex
	lastSave atomic.Int64

	state     atomic.Int32
	wake      chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	startTime time.Time
}

// New creates an Engine over st. When cfg.DataDir is set, timers are
// recovered from the newest snapshot plus the journal before the sweeper
// starts.
func New(st store.Adapter, cfg Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("engine: nil store adapter")
	}
	cfg.setDefaults()

	e := &Engine{
		cfg:       cfg,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		st:        st,
		index:     timer.New(cfg.Shards),
		prof:      metrics.New(cfg.ProfileSamples),
		events:    cdc.NewStream(cfg.EventBuffer),
		churn:     hotkeys.New(10, time.Minute),
		history:   timeseries.New(10 * time.Minute),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		startTime: time.Now(),
	}
	if bd, ok := st.(store.BatchDeleter); ok {
		e.batch = bd
	}
	if ne, ok := st.(store.NativeExpirer); ok && cfg.SafetyBuffer > 0 {
		e.native = ne
	}

	if cfg.DataDir != "" {
		if err := e.openPersistence(cfg.DataDir); err != nil {
			e.churn.Close()
			e.history.Close()
			return nil, err
		}
	}

	if !cfg.ManualSweep {
		e.wg.Add(1)
		go e.runSweeper()
	}
	if cfg.HistoryInterval > 0 {
		e.wg.Add(1)
		go e.sampleHistory(cfg.HistoryInterval)
	}
	return e, nil
}

func (e *Engine) openPersistence(dir string) error {
	sm, err := snapshot.NewManager(filepath.Join(dir, "snapshots"))
	if err != nil {
		return fmt.Errorf("engine: failed to init snapshot manager: %w", err)
	}
	w, err := wal.Open(filepath.Join(dir, "timers.wal"), wal.Options{SyncWrites: e.cfg.SyncWrites})
	if err != nil {
		return fmt.Errorf("engine: failed to open journal: %w", err)
	}
	e.snaps = sm
	e.journal = w

	n, err := e.recover()
	if err != nil {
		w.Close()
		return fmt.Errorf("engine: failed to recover: %w", err)
	}
	e.log.Infof("recovered %d timers from %s", n, dir)
	return nil
}

// recover loads the newest snapshot and replays the journal on top of it.
func (e *Engine) recover() (int, error) {
	var records []wal.Record
	snap, err := e.snaps.Latest()
	switch {
	case err == nil:
		for _, t := range snap.Timers {
			records = append(records, wal.Record{Op: wal.OpExpireAt, Key: t.Key, DeadlineMs: t.DeadlineMs})
		}
		e.lastSave.Store(snap.CreatedAt.UnixMilli())
	case !errors.Is(err, snapshot.ErrNoSnapshot):
		return 0, err
	}

	journaled, err := e.journal.ReadAll()
	if err != nil {
		return 0, err
	}
	records = append(records, journaled...)

	live := wal.Fold(records)
	for key, deadline := range live {
		e.index.Set(key, deadline)
	}
	return len(live), nil
}

// appendJournal writes rec when persistence is enabled.
func (e *Engine) appendJournal(rec wal.Record) error {
	if e.journal == nil {
		return nil
	}
	if err := e.journal.Append(rec); err != nil {
		return fmt.Errorf("engine: failed to write journal: %w", err)
	}
	return nil
}

// restoreJournal records the timer state of key before a failed compound
// command, so replay does not resurrect the rejected deadline.
func (e *Engine) restoreJournal(key string, prev int64, hadPrev bool) {
	rec := wal.Record{Op: wal.OpUnexpire, Key: key}
	if hadPrev {
		rec = wal.Record{Op: wal.OpExpireAt, Key: key, DeadlineMs: prev}
	}
	if err := e.appendJournal(rec); err != nil {
		e.log.Errorf("%v (key %q)", err, key)
	}
}

// stripeFor returns the index of the lock stripe guarding key.
func stripeFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % stripeCount)
}

// acquireBarrier takes the sweep barrier shared. closed is read under the
// barrier: Close sets it before its final Save, so a command either lands
// before that Save or sees ErrClosed.
func (e *Engine) acquireBarrier() error {
	e.barrier.RLock()
	if e.closed.Load() {
		e.barrier.RUnlock()
		return ErrClosed
	}
	return nil
}

// lockKey takes the sweep barrier shared and the key's stripe exclusively.
func (e *Engine) lockKey(key string) (func(), error) {
	if err := e.acquireBarrier(); err != nil {
		return nil, err
	}
	s := &e.stripes[stripeFor(key)]
	s.Lock()
	return func() {
		s.Unlock()
		e.barrier.RUnlock()
	}, nil
}

// rlockKey takes the sweep barrier and the key's stripe shared.
func (e *Engine) rlockKey(key string) (func(), error) {
	if err := e.acquireBarrier(); err != nil {
		return nil, err
	}
	s := &e.stripes[stripeFor(key)]
	s.RLock()
	return func() {
		s.RUnlock()
		e.barrier.RUnlock()
	}, nil
}

// lockKeys locks the stripes of every key in ascending stripe order.
func (e *Engine) lockKeys(keys []string) (func(), error) {
	if err := e.acquireBarrier(); err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := stripeFor(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		e.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			e.stripes[idx[j]].Unlock()
		}
		e.barrier.RUnlock()
	}, nil
}

// deadlineAfter validates ttlMs and returns now+ttlMs.
func deadlineAfter(now, ttlMs int64) (int64, error) {
	if ttlMs < 0 {
		return 0, fmt.Errorf("engine: %w: ttl must be non-negative, got %d", ErrInvalidArgument, ttlMs)
	}
	if now > 0 && ttlMs > math.MaxInt64-now {
		return 0, fmt.Errorf("engine: %w: ttl %d overflows the deadline", ErrInvalidArgument, ttlMs)
	}
	return now + ttlMs, nil
}

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("engine: %w: empty key", ErrInvalidArgument)
	}
	return nil
}

// observe records a command's latency. errp is read when the deferred call
// runs, so named results are seen with their final value.
func (e *Engine) observe(name string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	e.prof.ObserveCommand(name, time.Since(start), err)
}

// ========================
// Persistence
// ========================

// Save writes a snapshot of all live timers and truncates the journal.
// It is a no-op without a data directory.
func (e *Engine) Save() (snapshot.Meta, error) {
	return e.save(false)
}

// save snapshots the timers. Only the final save run by Close may proceed
// once the engine is closed.
func (e *Engine) save(final bool) (snapshot.Meta, error) {
	if e.snaps == nil {
		return snapshot.Meta{}, nil
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	// Exclusive barrier: no timer change may land between the snapshot and
	// the journal truncation.
	e.barrier.Lock()
	defer e.barrier.Unlock()
	if !final && e.closed.Load() {
		return snapshot.Meta{}, ErrClosed
	}

	snap := &snapshot.Snapshot{}
	for _, t := range e.index.Snapshot() {
		snap.Timers = append(snap.Timers, snapshot.TimerEntry{Key: t.Key, DeadlineMs: t.DeadlineMs})
	}
	meta, err := e.snaps.Create(snap)
	if err != nil {
		return snapshot.Meta{}, fmt.Errorf("engine: failed to save snapshot: %w", err)
	}
	if err := e.journal.Clear(); err != nil {
		return meta, fmt.Errorf("engine: failed to clear journal: %w", err)
	}
	if err := e.snaps.Prune(2); err != nil {
		e.log.Warnf("failed to prune snapshots: %v", err)
	}
	e.lastSave.Store(meta.CreatedAt.UnixMilli())
	e.log.Infof("saved %d timers to %s", len(snap.Timers), meta.FilePath)
	return meta, nil
}

// Compact rewrites the journal as one record per live timer.
func (e *Engine) Compact() (int, error) {
	if e.journal == nil {
		return 0, nil
	}
	e.barrier.Lock()
	defer e.barrier.Unlock()
	if e.closed.Load() {
		return 0, ErrClosed
	}

	live := e.index.Snapshot()
	records := make([]wal.Record, len(live))
	for i, t := range live {
		records[i] = wal.Record{Op: wal.OpExpireAt, Key: t.Key, DeadlineMs: t.DeadlineMs}
	}
	if err := e.journal.Rewrite(records); err != nil {
		return 0, fmt.Errorf("engine: failed to rewrite journal: %w", err)
	}
	return len(records), nil
}

// ========================
// Introspection
// ========================

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	rep := e.prof.Report()
	s := Stats{
		StartTime:     e.startTime,
		TotalCommands: rep.TotalCommands,
		ActiveTimers:  e.index.Count(),
		ExpiredKeys:   rep.Sweeper.Fired,
		SweeperState:  e.SweeperState().String(),
		Persistent:    e.journal != nil,
		Events:        e.events.Stats(),
	}
	if ms := e.lastSave.Load(); ms > 0 {
		s.LastSave = time.UnixMilli(ms)
	}
	return s
}

// Profiler exposes the engine's profiler, e.g. to publish it through expvar.
func (e *Engine) Profiler() *metrics.Profiler { return e.prof }

// Events returns expiration events with ID > afterID, at most limit.
func (e *Engine) Events(afterID uint64, limit int) []cdc.Event {
	return e.events.Since(afterID, limit)
}

// Subscribe returns a channel of expiration events, optionally filtered by op.
func (e *Engine) Subscribe(bufSize int, ops ...cdc.Op) (uint64, <-chan cdc.Event) {
	return e.events.Subscribe(bufSize, ops...)
}

// Unsubscribe removes an event subscription.
func (e *Engine) Unsubscribe(id uint64) {
	e.events.Unsubscribe(id)
}

// Rearmed returns the keys whose timers were replaced most often.
func (e *Engine) Rearmed(n int) []hotkeys.Entry {
	return e.churn.Top(n)
}

// Series returns the history points of the named gauge in [from, to].
func (e *Engine) Series(name string, from, to int64) ([]timeseries.DataPoint, error) {
	return e.history.Range(name, from, to)
}

// SeriesNames lists the recorded history gauges.
func (e *Engine) SeriesNames() []string {
	return e.history.Names()
}

// sampleHistory records one point per gauge every interval.
func (e *Engine) sampleHistory(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := e.prof.Report()
	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			rep := e.prof.Report()
			secs := interval.Seconds()
			ts := now.UnixMilli()
			e.history.Add("ops_per_sec", ts, float64(rep.TotalCommands-prev.TotalCommands)/secs)
			e.history.Add("fired_per_sec", ts, float64(rep.Sweeper.Fired-prev.Sweeper.Fired)/secs)
			e.history.Add("active_timers", ts, float64(e.index.Count()))
			e.history.Add("lag_p99_ms", ts, rep.Sweeper.LagMs.P99)
			prev = rep
		}
	}
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool { return e.closed.Load() }

// Close stops the sweeper, saves timers when persistence is enabled and
// releases resources. Later commands fail with ErrClosed.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.stop)
		e.wg.Wait()
		e.churn.Close()
		e.history.Close()
		if e.journal != nil {
			if _, serr := e.save(true); serr != nil {
				err = serr
			}
			if cerr := e.journal.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
