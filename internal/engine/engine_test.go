package engine

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashdb/rtexp/internal/cdc"
	"github.com/flashdb/rtexp/internal/clock"
	"github.com/flashdb/rtexp/internal/store"
)

const testStart = int64(1_000_000)

var errFlaky = errors.New("flaky: injected failure")

// flakyStore wraps a Memory store with injectable failures. It deliberately
// implements only store.Adapter, so the engine deletes key by key.
type flakyStore struct {
	mem        *store.Memory
	failWrites atomic.Bool

	mu       sync.Mutex
	failKeys map[string]int
	deleted  []string
}

func newFlakyStore(t *testing.T) *flakyStore {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })
	return &flakyStore{mem: mem, failKeys: make(map[string]int)}
}

func (f *flakyStore) Set(key string, value []byte) error {
	if f.failWrites.Load() {
		return errFlaky
	}
	return f.mem.Set(key, value)
}

func (f *flakyStore) Get(key string) ([]byte, error) { return f.mem.Get(key) }

func (f *flakyStore) Delete(key string) (bool, error) {
	f.mu.Lock()
	if n := f.failKeys[key]; n > 0 {
		f.failKeys[key] = n - 1
		f.mu.Unlock()
		return false, errFlaky
	}
	f.deleted = append(f.deleted, key)
	f.mu.Unlock()
	return f.mem.Delete(key)
}

func (f *flakyStore) Execute(name string, args ...[]byte) (store.Reply, error) {
	if f.failWrites.Load() && store.IsWrite(name) {
		return store.Reply{}, errFlaky
	}
	return f.mem.Execute(name, args...)
}

// failDelete makes the next n deletes of key fail.
func (f *flakyStore) failDelete(key string, n int) {
	f.mu.Lock()
	f.failKeys[key] = n
	f.mu.Unlock()
}

func (f *flakyStore) deletedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// batchStore adds an all-or-nothing DeleteMany to flakyStore.
type batchStore struct {
	*flakyStore
	failBatch atomic.Bool
}

func (b *batchStore) DeleteMany(keys []string) error {
	if b.failBatch.Load() {
		return errFlaky
	}
	b.mu.Lock()
	b.deleted = append(b.deleted, keys...)
	b.mu.Unlock()
	return b.mem.DeleteMany(keys)
}

// newTestEngine returns an engine driven by a manual clock with the
// background sweeper disabled.
func newTestEngine(t *testing.T, st store.Adapter, cfg Config) (*Engine, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testStart)
	cfg.Clock = clk
	cfg.ManualSweep = true
	cfg.HistoryInterval = -1
	e, err := New(st, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, clk
}

func newMemoryEngine(t *testing.T) (*Engine, *clock.Manual, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })
	e, clk := newTestEngine(t, mem, Config{})
	return e, clk, mem
}

func mustTTL(t *testing.T, e *Engine, key string) int64 {
	t.Helper()
	ttl, err := e.TTL(key)
	require.NoError(t, err)
	return ttl
}

func TestEngine_OpenAndClose(t *testing.T) {
	e, err := New(store.NewMemory(), Config{HistoryInterval: -1})
	require.NoError(t, err)
	require.NotNil(t, e)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Expire("k", 10), ErrClosed)
	_, err = e.TTL("k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Sweep()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_NilStore(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestEngine_TTLWithoutTimer(t *testing.T) {
	e, _, _ := newMemoryEngine(t)
	assert.Equal(t, NoTimer, mustTTL(t, e, "missing"))
}

func TestEngine_ExpireScenario(t *testing.T) {
	e, clk, _ := newMemoryEngine(t)

	require.NoError(t, e.Set("k", []byte("v")))
	require.NoError(t, e.Expire("k", 10000))
	assert.Equal(t, int64(10000), mustTTL(t, e, "k"))

	clk.Advance(3 * time.Second)
	assert.Equal(t, int64(7000), mustTTL(t, e, "k"))

	existed, err := e.Unexpire("k")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, NoTimer, mustTTL(t, e, "k"))

	val, err := e.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestEngine_TTLDecreasesMonotonically(t *testing.T) {
	e, clk, _ := newMemoryEngine(t)
	require.NoError(t, e.Expire("k", 500))

	prev := mustTTL(t, e, "k")
	for i := 0; i < 5; i++ {
		clk.Advance(100 * time.Millisecond)
		cur := mustTTL(t, e, "k")
		assert.Less(t, cur, prev)
		prev = cur
	}
	assert.Equal(t, int64(0), prev)
}

func TestEngine_ExpireAt(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	require.NoError(t, e.ExpireAt("future", testStart+5000))
	assert.Equal(t, int64(5000), mustTTL(t, e, "future"))

	// Past deadlines are accepted and read as due until swept.
	require.NoError(t, e.ExpireAt("past", testStart-10))
	assert.Equal(t, int64(0), mustTTL(t, e, "past"))

	n, err := e.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, NoTimer, mustTTL(t, e, "past"))
}

func TestEngine_InvalidArguments(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	assert.ErrorIs(t, e.Expire("", 10), ErrInvalidArgument)
	assert.ErrorIs(t, e.Expire("k", -1), ErrInvalidArgument)
	assert.ErrorIs(t, e.Expire("k", math.MaxInt64), ErrInvalidArgument)
	assert.ErrorIs(t, e.ExpireAt("", 10), ErrInvalidArgument)
	assert.ErrorIs(t, e.SetEx("k", []byte("v"), -5), ErrInvalidArgument)
	_, err := e.ExecEx("", "k", 10)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.TTL("")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Equal(t, 0, e.Count())
	_, err = e.Get("k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_ExpireReplacesTimer(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	require.NoError(t, e.Expire("k", 1000))
	require.NoError(t, e.Expire("k", 50))
	assert.Equal(t, int64(50), mustTTL(t, e, "k"))
	assert.Equal(t, 1, e.Count())
}

func TestEngine_UnexpireIdempotent(t *testing.T) {
	e, _, _ := newMemoryEngine(t)
	require.NoError(t, e.Expire("other", 1000))

	for i := 0; i < 3; i++ {
		existed, err := e.Unexpire("k")
		require.NoError(t, err)
		assert.False(t, existed)
		assert.Equal(t, 1, e.Count())
	}
}

func TestEngine_SetEx(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	require.NoError(t, e.SetEx("k", []byte("v"), 2000))

	val, err := e.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	assert.Equal(t, int64(2000), mustTTL(t, e, "k"))
}

func TestEngine_ExecExMatchesSetEx(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	reply, err := e.ExecEx("SET", "a", 1000, []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, store.OK(), reply)
	require.NoError(t, e.SetEx("b", []byte("v"), 1000))

	for _, key := range []string{"a", "b"} {
		val, err := e.Get(key)
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), val)
		assert.Equal(t, int64(1000), mustTTL(t, e, key))
	}
}

func TestEngine_ExecExReturnsStoreReply(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	reply, err := e.ExecEx("INCRBY", "n", 1000, []byte("5"))
	require.NoError(t, err)
	assert.Equal(t, store.Integer(5), reply)
	assert.Equal(t, int64(1000), mustTTL(t, e, "n"))
}

func TestEngine_CompoundStoreFailure(t *testing.T) {
	fs := newFlakyStore(t)
	e, _ := newTestEngine(t, fs, Config{})

	require.NoError(t, e.Expire("k", 5000))
	fs.failWrites.Store(true)

	err := e.SetEx("k", []byte("v"), 100)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, int64(5000), mustTTL(t, e, "k"))

	_, err = e.ExecEx("SET", "fresh", 100, []byte("v"))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, NoTimer, mustTTL(t, e, "fresh"))
	assert.Equal(t, 1, e.Count())
}

func TestEngine_ExecExUnknownCommand(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	_, err := e.ExecEx("NOPE", "k", 100)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, store.ErrUnknownCommand)
	assert.Equal(t, NoTimer, mustTTL(t, e, "k"))
}

func TestEngine_PassThroughLeavesTimers(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	require.NoError(t, e.SetEx("k", []byte("v"), 1000))
	require.NoError(t, e.Set("k", []byte("w")))
	assert.Equal(t, int64(1000), mustTTL(t, e, "k"))

	deleted, err := e.Delete("k")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, int64(1000), mustTTL(t, e, "k"))
}

func TestEngine_CountMatchesTTL(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	keys := make([]string, 20)
	for i := range keys {
		keys[i] = "k" + strconv.Itoa(i)
		require.NoError(t, e.Expire(keys[i], int64(1000+i)))
	}
	for i := 0; i < len(keys); i += 3 {
		_, err := e.Unexpire(keys[i])
		require.NoError(t, err)
	}

	tracked := 0
	for _, k := range keys {
		if mustTTL(t, e, k) != NoTimer {
			tracked++
		}
	}
	assert.Equal(t, tracked, e.Count())
	assert.Equal(t, 13, tracked)
}

func TestEngine_SweepDeletesInDeadlineOrder(t *testing.T) {
	fs := newFlakyStore(t)
	e, clk := newTestEngine(t, fs, Config{})

	deadlines := map[string]int64{"d": 40, "a": 10, "c": 30, "e": 50, "b": 20}
	for key, ttl := range deadlines {
		require.NoError(t, e.SetEx(key, []byte(key), ttl))
	}

	clk.Advance(25 * time.Millisecond)
	n, err := e.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, e.Count())

	clk.Advance(time.Second)
	n, err = e.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, fs.deletedKeys())
	assert.Equal(t, 0, e.Count())
	for key := range deadlines {
		_, err := e.Get(key)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.Equal(t, NoTimer, mustTTL(t, e, key))
	}
}

func TestEngine_SweepFailureKeepsTimers(t *testing.T) {
	fs := newFlakyStore(t)
	e, clk := newTestEngine(t, fs, Config{})

	require.NoError(t, e.SetEx("a", []byte("1"), 100))
	require.NoError(t, e.SetEx("b", []byte("2"), 200))
	require.NoError(t, e.SetEx("c", []byte("3"), 300))
	fs.failDelete("b", 1)

	clk.Advance(time.Second)
	n, err := e.Sweep()
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 1, n)

	assert.Equal(t, 2, e.Count())
	assert.Equal(t, NoTimer, mustTTL(t, e, "a"))
	assert.NotEqual(t, NoTimer, mustTTL(t, e, "b"))
	assert.NotEqual(t, NoTimer, mustTTL(t, e, "c"))
	val, err := e.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), val)

	n, err = e.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b", "c"}, fs.deletedKeys())

	sw := e.Profile().Sweeper
	assert.Equal(t, int64(1), sw.Retries)
	assert.Equal(t, int64(2), sw.Failures)
	assert.Equal(t, int64(3), sw.Fired)
}

func TestEngine_SweepBatchFailure(t *testing.T) {
	bs := &batchStore{flakyStore: newFlakyStore(t)}
	e, clk := newTestEngine(t, bs, Config{})

	for i, key := range []string{"x", "y", "z"} {
		require.NoError(t, e.Expire(key, int64(10*(i+1))))
	}
	bs.failBatch.Store(true)

	clk.Advance(time.Second)
	n, err := e.Sweep()
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 0, n)
	assert.Equal(t, 3, e.Count())

	bs.failBatch.Store(false)
	n, err = e.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"x", "y", "z"}, bs.deletedKeys())
}

func TestEngine_BackgroundSweeper(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	e, err := New(mem, Config{HistoryInterval: -1})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.SetEx("k", []byte("v"), 20))
	assert.Eventually(t, func() bool {
		_, err := mem.Get("k")
		return errors.Is(err, store.ErrNotFound) && e.Count() == 0
	}, time.Second, 5*time.Millisecond)

	ttl, err := e.TTL("k")
	require.NoError(t, err)
	assert.Equal(t, NoTimer, ttl)
	assert.Eventually(t, func() bool {
		return e.SweeperState() == SweeperIdle
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_EarlierDeadlineWakesSweeper(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	e, err := New(mem, Config{HistoryInterval: -1})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.SetEx("late", []byte("v"), int64(time.Hour/time.Millisecond)))
	assert.Eventually(t, func() bool {
		return e.SweeperState() == SweeperWaiting
	}, time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, e.SetEx("early", []byte("v"), 10))
	assert.Eventually(t, func() bool {
		_, err := mem.Get("early")
		return errors.Is(err, store.ErrNotFound)
	}, time.Second, time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	_, err = mem.Get("late")
	assert.NoError(t, err)
	assert.Equal(t, 1, e.Count())
}

func TestEngine_SweeperRetriesWithBackoff(t *testing.T) {
	fs := newFlakyStore(t)
	e, err := New(fs, Config{
		HistoryInterval: -1,
		RetryBase:       2 * time.Millisecond,
		RetryMax:        10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer e.Close()

	fs.failDelete("k", 3)
	require.NoError(t, e.SetEx("k", []byte("v"), 5))

	assert.Eventually(t, func() bool {
		return e.Count() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"k"}, fs.deletedKeys())
	assert.Equal(t, int64(3), e.Profile().Sweeper.Retries)
}

func TestEngine_SweepWakeWithManualClock(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	clk := clock.NewManual(testStart)
	e, err := New(mem, Config{Clock: clk, HistoryInterval: -1})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.SetEx("k", []byte("v"), int64(time.Hour/time.Millisecond)))
	clk.Advance(2 * time.Hour)
	e.Wake()

	assert.Eventually(t, func() bool {
		return e.Count() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_SafetyBuffer(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	e, err := New(mem, Config{SafetyBuffer: time.Second, ManualSweep: true, HistoryInterval: -1})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.SetEx("k", []byte("v"), 60000))
	native, ok := mem.NativeTTL("k")
	require.True(t, ok)
	assert.Greater(t, native, 60*time.Second)
	assert.LessOrEqual(t, native, 61*time.Second)

	_, err = e.Unexpire("k")
	require.NoError(t, err)
	_, ok = mem.NativeTTL("k")
	assert.False(t, ok)
}

func TestEngine_ConcurrentCommands(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (w*7+i)%50)
				switch i % 4 {
				case 0:
					e.Expire(key, int64(1000+i))
				case 1:
					e.SetEx(key, []byte("v"), int64(500+i))
				case 2:
					e.Unexpire(key)
				default:
					e.TTL(key)
				}
			}
		}(w)
	}
	wg.Wait()

	tracked := 0
	for i := 0; i < 50; i++ {
		if mustTTL(t, e, fmt.Sprintf("k%d", i)) != NoTimer {
			tracked++
		}
	}
	assert.Equal(t, tracked, e.Count())
}

func TestEngine_RecoversFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(testStart)
	cfg := Config{Clock: clk, DataDir: dir, ManualSweep: true, HistoryInterval: -1}

	e, err := New(store.NewMemory(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.Expire("a", 1000))
	require.NoError(t, e.Expire("b", 2000))
	_, err = e.Unexpire("b")
	require.NoError(t, err)
	require.NoError(t, e.Expire("fired", 10))
	clk.Advance(20 * time.Millisecond)
	_, err = e.Sweep()
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2, err := New(store.NewMemory(), cfg)
	require.NoError(t, err)
	defer e2.Close()

	assert.Equal(t, 1, e2.Count())
	assert.Equal(t, int64(980), mustTTL(t, e2, "a"))
	assert.Equal(t, NoTimer, mustTTL(t, e2, "b"))
	assert.Equal(t, NoTimer, mustTTL(t, e2, "fired"))
	assert.False(t, e2.Stats().LastSave.IsZero())
}

func TestEngine_RecoversFromJournal(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(testStart)
	cfg := Config{Clock: clk, DataDir: dir, ManualSweep: true, HistoryInterval: -1}

	fs := newFlakyStore(t)
	e, err := New(fs, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	require.NoError(t, e.Expire("a", 1000))
	require.NoError(t, e.SetEx("b", []byte("v"), 3000))
	fs.failWrites.Store(true)
	require.Error(t, e.SetEx("b", []byte("w"), 50))
	require.Error(t, e.SetEx("c", []byte("w"), 50))

	// Recover while the first engine is still open, as after a crash.
	e2, err := New(store.NewMemory(), cfg)
	require.NoError(t, err)
	defer e2.Close()

	assert.Equal(t, int64(1000), mustTTL(t, e2, "a"))
	assert.Equal(t, int64(3000), mustTTL(t, e2, "b"))
	assert.Equal(t, NoTimer, mustTTL(t, e2, "c"))
	assert.Equal(t, 2, e2.Count())
}

func TestEngine_SaveAndCompact(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	e, _ := newTestEngine(t, mem, Config{DataDir: t.TempDir()})

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Expire("churn", int64(100+i)))
	}
	require.NoError(t, e.Expire("keep", 1000))

	n, err := e.Compact()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	meta, err := e.Save()
	require.NoError(t, err)
	assert.NotEmpty(t, meta.FilePath)
	assert.True(t, e.Stats().Persistent)
}

func TestEngine_SaveWithoutDataDir(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	meta, err := e.Save()
	require.NoError(t, err)
	assert.Empty(t, meta.ID)
	n, err := e.Compact()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_Events(t *testing.T) {
	e, clk, _ := newMemoryEngine(t)
	_, ch := e.Subscribe(10, cdc.OpExpired)

	require.NoError(t, e.Expire("a", 10))
	require.NoError(t, e.SetEx("b", []byte("v"), 10))
	_, err := e.Unexpire("b")
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = e.Sweep()
	require.NoError(t, err)

	var ops []cdc.Op
	for _, ev := range e.Events(0, 0) {
		ops = append(ops, ev.Op)
	}
	assert.Equal(t, []cdc.Op{cdc.OpExpire, cdc.OpSetEx, cdc.OpUnexpire, cdc.OpExpired}, ops)

	select {
	case ev := <-ch:
		assert.Equal(t, "a", ev.Key)
		assert.Equal(t, testStart+10, ev.DeadlineMs)
	case <-time.After(time.Second):
		t.Fatal("expected an EXPIRED event")
	}
}

func TestEngine_Rearmed(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, e.Expire("hot", 1000))
	}
	require.NoError(t, e.Expire("cold", 1000))

	top := e.Rearmed(5)
	require.Len(t, top, 1)
	assert.Equal(t, "hot", top[0].Key)
	assert.Equal(t, int64(3), top[0].Count)
}

func TestEngine_Profile(t *testing.T) {
	e, clk, _ := newMemoryEngine(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Expire("k"+strconv.Itoa(i), 10))
	}
	_, _ = e.TTL("k0")
	assert.ErrorIs(t, e.Expire("k", -1), ErrInvalidArgument)
	clk.Advance(time.Second)
	_, err := e.Sweep()
	require.NoError(t, err)

	rep := e.Profile()
	assert.Equal(t, int64(4), rep.Commands["REXPIRE"].Calls)
	assert.Equal(t, int64(1), rep.Commands["REXPIRE"].Errors)
	assert.Equal(t, int64(1), rep.Commands["RTTL"].Calls)
	assert.Equal(t, 0, rep.ActiveTimers)
	assert.Equal(t, "idle", rep.Sweeper.State)
	assert.Equal(t, int64(3), rep.Sweeper.Fired)
	assert.Equal(t, float64(990), rep.Sweeper.LagMs.Max)

	text := rep.Text()
	assert.Contains(t, text, "cmdstat_rexpire:calls=4,errors=1")
	assert.Contains(t, text, "fired:3")
}

func TestEngine_Do(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	tests := []struct {
		name    string
		cmd     string
		args    []string
		want    store.Reply
		wantErr error
	}{
		{"expire", "REXPIRE", []string{"k", "1000"}, store.OK(), nil},
		{"ttl prefixed lower case", "rtexp.rttl", []string{"k"}, store.Integer(1000), nil},
		{"expireat", "REXPIREAT", []string{"at", strconv.FormatInt(testStart+250, 10)}, store.OK(), nil},
		{"ttl of expireat", "RTTL", []string{"at"}, store.Integer(250), nil},
		{"count", "RCOUNT", nil, store.Integer(2), nil},
		{"setex", "RSETEX", []string{"s", "val", "300"}, store.OK(), nil},
		{"execex", "REXECEX", []string{"SET", "x", "400", "v"}, store.OK(), nil},
		{"execex reply", "REXECEX", []string{"INCR", "n", "400"}, store.Integer(1), nil},
		{"get pass-through", "GET", []string{"s"}, store.BulkString("val"), nil},
		{"unexpire", "RUNEXPIRE", []string{"k"}, store.OK(), nil},
		{"unexpire untracked", "RUNEXPIRE", []string{"k"}, store.OK(), nil},
		{"ttl untracked", "RTTL", []string{"k"}, store.Integer(NoTimer), nil},
		{"ttl arity", "RTTL", nil, store.Reply{}, ErrInvalidArgument},
		{"expire not integer", "REXPIRE", []string{"k", "soon"}, store.Reply{}, ErrInvalidArgument},
		{"expire negative", "REXPIRE", []string{"k", "-1"}, store.Reply{}, ErrInvalidArgument},
		{"setex arity", "RSETEX", []string{"k", "v"}, store.Reply{}, ErrInvalidArgument},
		{"execex arity", "REXECEX", []string{"SET", "k"}, store.Reply{}, ErrInvalidArgument},
		{"count arity", "RCOUNT", []string{"x"}, store.Reply{}, ErrInvalidArgument},
		{"unknown", "NOPE", nil, store.Reply{}, store.ErrUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Do(tt.cmd, tt.args)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, 4, e.Count())
}

func TestEngine_DoProfile(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	_, err := e.Do("REXPIRE", []string{"k", "10"})
	require.NoError(t, err)
	reply, err := e.Do("RTEXP.RPROFILE", nil)
	require.NoError(t, err)
	assert.Equal(t, store.ReplyBulk, reply.Kind)
	assert.Contains(t, reply.Str, "# Sweeper")
	assert.Contains(t, reply.Str, "active_timers:1")
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "RTTL", CommandName("rtexp.rttl"))
	assert.Equal(t, "REXPIRE", CommandName("REXPIRE"))
	assert.True(t, IsCommand("Rtexp.RCount"))
	assert.False(t, IsCommand("SET"))
}

func TestEngine_Stats(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	require.NoError(t, e.Expire("a", 100))
	_, _ = e.TTL("a")

	stats := e.Stats()
	assert.Equal(t, int64(2), stats.TotalCommands)
	assert.Equal(t, 1, stats.ActiveTimers)
	assert.Equal(t, "idle", stats.SweeperState)
	assert.False(t, stats.Persistent)
	assert.Equal(t, uint64(1), stats.Events.TotalEvents)
}

func TestEngine_RunBenchmark(t *testing.T) {
	e, _, _ := newMemoryEngine(t)
	require.NoError(t, e.Expire("real", 1000))

	res := e.RunBenchmark(200)
	assert.Equal(t, 400, res.Operations)
	assert.Greater(t, res.OpsPerSec, 0.0)
	assert.GreaterOrEqual(t, res.Concurrency, 2)
	assert.LessOrEqual(t, res.P50LatencyNs, res.P99LatencyNs)
	assert.LessOrEqual(t, res.P99LatencyNs, res.P999LatencyNs)
	assert.Equal(t, 1, e.Count())
}

func TestEngine_FarFutureDeadlineDoesNotSpin(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	e, err := New(mem, Config{HistoryInterval: -1})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.ExpireAt("far", 20_000_000_000_000))
	require.NoError(t, e.ExpireAt("farthest", math.MaxInt64))
	require.NoError(t, e.SetEx("soon", []byte("v"), 20))

	assert.Eventually(t, func() bool {
		_, err := mem.Get("soon")
		return errors.Is(err, store.ErrNotFound)
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return e.SweeperState() == SweeperWaiting
	}, time.Second, 5*time.Millisecond)

	sweeps := e.Profile().Sweeper.Sweeps
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sweeps, e.Profile().Sweeper.Sweeps)
	assert.Equal(t, SweeperWaiting, e.SweeperState())
	assert.Equal(t, 2, e.Count())
}

func TestWaitFor(t *testing.T) {
	assert.Equal(t, 25*time.Millisecond, waitFor(25))
	assert.Equal(t, maxWait, waitFor(maxWait.Milliseconds()+1))
	assert.Equal(t, maxWait, waitFor(math.MaxInt64))
}

func TestEngine_MinimumDeadline(t *testing.T) {
	e, _, mem := newMemoryEngine(t)

	require.NoError(t, mem.Set("past", []byte("v")))
	require.NoError(t, e.ExpireAt("past", math.MinInt64))
	assert.Equal(t, int64(0), mustTTL(t, e, "past"))

	n, err := e.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, NoTimer, mustTTL(t, e, "past"))
	assert.Equal(t, float64(math.MaxInt64), e.Profile().Sweeper.LagMs.Max)
}

func TestEngine_UnknownCommandsShareOneProfileEntry(t *testing.T) {
	e, _, _ := newMemoryEngine(t)

	for i := 0; i < 500; i++ {
		_, err := e.Do("BOGUS"+strconv.Itoa(i), nil)
		require.ErrorIs(t, err, store.ErrUnknownCommand)
	}
	_, err := e.Do("set", []string{"k", "v"})
	require.NoError(t, err)

	rep := e.Profile()
	assert.Len(t, rep.Commands, 2)
	assert.Equal(t, int64(500), rep.Commands[otherCommands].Calls)
	assert.Equal(t, int64(500), rep.Commands[otherCommands].Errors)
	assert.Equal(t, int64(1), rep.Commands["SET"].Calls)
}

func TestEngine_CommandsRacingCloseAreDurable(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(testStart)
	cfg := Config{Clock: clk, DataDir: dir, ManualSweep: true, HistoryInterval: -1}

	e, err := New(store.NewMemory(), cfg)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		armed []string
		wg    sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				if err := e.Expire(key, 60000); err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
				mu.Lock()
				armed = append(armed, key)
				mu.Unlock()
			}
		}(w)
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Close())
	wg.Wait()

	_, err = e.Save()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Exec("GET", []byte("k"))
	assert.ErrorIs(t, err, ErrClosed)

	e2, err := New(store.NewMemory(), cfg)
	require.NoError(t, err)
	defer e2.Close()

	require.NotEmpty(t, armed)
	assert.Equal(t, len(armed), e2.Count())
	for _, key := range armed {
		assert.Equal(t, int64(60000), mustTTL(t, e2, key))
	}
}
