package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flashdb/rtexp/internal/cdc"
	"github.com/flashdb/rtexp/internal/metrics"
	"github.com/flashdb/rtexp/internal/store"
	"github.com/flashdb/rtexp/internal/wal"
)

// Expire sets the timer of key to now+ttlMs (REXPIRE).
func (e *Engine) Expire(key string, ttlMs int64) (err error) {
	defer e.observe("REXPIRE", time.Now(), &err)
	if e.closed.Load() {
		return ErrClosed
	}
	if err = validKey(key); err != nil {
		return err
	}

	unlock, err := e.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()

	now := e.clock.NowMs()
	deadline, err := deadlineAfter(now, ttlMs)
	if err != nil {
		return err
	}
	return e.arm(key, deadline, now, cdc.OpExpire)
}

// ExpireAt sets the timer of key to the absolute time tsMs, which may be
// in the past (REXPIREAT).
func (e *Engine) ExpireAt(key string, tsMs int64) (err error) {
	defer e.observe("REXPIREAT", time.Now(), &err)
	if e.closed.Load() {
		return ErrClosed
	}
	if err = validKey(key); err != nil {
		return err
	}

	unlock, err := e.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()
	return e.arm(key, tsMs, e.clock.NowMs(), cdc.OpExpireAt)
}

// arm journals and installs a timer. Caller holds the key lock.
func (e *Engine) arm(key string, deadline, now int64, op cdc.Op) error {
	if err := e.appendJournal(wal.Record{Op: wal.OpExpireAt, Key: key, DeadlineMs: deadline}); err != nil {
		return err
	}
	e.install(key, deadline, now, op)
	return nil
}

// install applies an already journaled timer. Caller holds the key lock.
func (e *Engine) install(key string, deadline, now int64, op cdc.Op) {
	if _, rearm := e.index.Deadline(key); rearm {
		e.churn.Record(key)
	}
	e.index.Set(key, deadline)
	if e.native != nil {
		if _, err := e.native.ExpireAt(key, deadline+e.cfg.SafetyBuffer.Milliseconds()); err != nil {
			e.log.Warnf("failed to set native ttl for %q: %v", key, err)
		}
	}
	e.events.Record(op, key, deadline, now)
}

// TTL returns the milliseconds left on key's timer, or NoTimer (RTTL).
func (e *Engine) TTL(key string) (ttl int64, err error) {
	defer e.observe("RTTL", time.Now(), &err)
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if err = validKey(key); err != nil {
		return 0, err
	}

	unlock, err := e.rlockKey(key)
	if err != nil {
		return 0, err
	}
	defer unlock()
	if rem, ok := e.index.Remaining(key, e.clock.NowMs()); ok {
		// A due timer reads 0 until the sweeper deletes its key.
		if rem < 0 {
			rem = 0
		}
		return rem, nil
	}
	return NoTimer, nil
}

// Unexpire cancels key's timer and leaves the stored value alone
// (RUNEXPIRE). It reports whether a timer existed.
func (e *Engine) Unexpire(key string) (existed bool, err error) {
	defer e.observe("RUNEXPIRE", time.Now(), &err)
	if e.closed.Load() {
		return false, ErrClosed
	}
	if err = validKey(key); err != nil {
		return false, err
	}

	unlock, err := e.lockKey(key)
	if err != nil {
		return false, err
	}
	defer unlock()

	if _, ok := e.index.Deadline(key); ok {
		if err = e.appendJournal(wal.Record{Op: wal.OpUnexpire, Key: key}); err != nil {
			return false, err
		}
		existed = e.index.Cancel(key)
		e.churn.Forget(key)
		e.events.Record(cdc.OpUnexpire, key, 0, e.clock.NowMs())
	}
	if e.native != nil {
		if _, perr := e.native.Persist(key); perr != nil {
			e.log.Warnf("failed to clear native ttl for %q: %v", key, perr)
		}
	}
	return existed, nil
}

// SetEx stores value under key and arms its timer as one atomic step
// (RSETEX). On store failure the timer is left untouched.
func (e *Engine) SetEx(key string, value []byte, ttlMs int64) (err error) {
	defer e.observe("RSETEX", time.Now(), &err)
	if e.closed.Load() {
		return ErrClosed
	}
	if err = validKey(key); err != nil {
		return err
	}

	unlock, err := e.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()

	now := e.clock.NowMs()
	deadline, err := deadlineAfter(now, ttlMs)
	if err != nil {
		return err
	}
	return e.compound(key, deadline, now, cdc.OpSetEx, func() error {
		return e.st.Set(key, value)
	})
}

// ExecEx runs `cmd key args...` against the store and, if it succeeds,
// arms key's timer in the same atomic step (REXECEX). The store's reply is
// returned unchanged.
func (e *Engine) ExecEx(cmd, key string, ttlMs int64, args ...[]byte) (reply store.Reply, err error) {
	defer e.observe("REXECEX", time.Now(), &err)
	if e.closed.Load() {
		return store.Reply{}, ErrClosed
	}
	if strings.TrimSpace(cmd) == "" {
		return store.Reply{}, fmt.Errorf("engine: %w: empty command name", ErrInvalidArgument)
	}
	if err = validKey(key); err != nil {
		return store.Reply{}, err
	}

	unlock, err := e.lockKey(key)
	if err != nil {
		return store.Reply{}, err
	}
	defer unlock()

	now := e.clock.NowMs()
	deadline, err := deadlineAfter(now, ttlMs)
	if err != nil {
		return store.Reply{}, err
	}
	full := append([][]byte{[]byte(key)}, args...)
	err = e.compound(key, deadline, now, cdc.OpExecEx, func() error {
		var xerr error
		reply, xerr = e.st.Execute(cmd, full...)
		return xerr
	})
	if err != nil {
		return store.Reply{}, err
	}
	return reply, nil
}

// compound journals the new deadline, runs mutate and installs the timer
// only if mutate succeeded. On failure the journal is restored to the
// previous timer state. Caller holds the key lock.
func (e *Engine) compound(key string, deadline, now int64, op cdc.Op, mutate func() error) error {
	prev, hadPrev := e.index.Deadline(key)
	if err := e.appendJournal(wal.Record{Op: wal.OpExpireAt, Key: key, DeadlineMs: deadline}); err != nil {
		return err
	}
	if err := mutate(); err != nil {
		e.restoreJournal(key, prev, hadPrev)
		return fmt.Errorf("engine: %s %q: %w: %w", strings.ToLower(string(op)), key, ErrStoreUnavailable, err)
	}
	e.install(key, deadline, now, op)
	return nil
}

// Count returns the number of active timers (RCOUNT).
func (e *Engine) Count() int {
	start := time.Now()
	n := e.index.Count()
	e.observe("RCOUNT", start, nil)
	return n
}

// Profile returns latency, throughput and sweeper statistics (RPROFILE).
func (e *Engine) Profile() metrics.Report {
	start := time.Now()
	rep := e.prof.Report()
	rep.ActiveTimers = e.index.Count()
	rep.Sweeper.State = e.SweeperState().String()
	for _, hk := range e.churn.Top(10) {
		rep.TopRearmed = append(rep.TopRearmed, metrics.KeyCount{Key: hk.Key, Count: hk.Count})
	}
	rep.History = e.history.Last(60)
	e.observe("RPROFILE", start, nil)
	return rep
}

// ========================
// Store pass-through
// ========================

// Get reads key from the store under the key lock.
func (e *Engine) Get(key string) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	unlock, err := e.rlockKey(key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.st.Get(key)
}

// Set writes key to the store under the key lock. The timer is untouched.
func (e *Engine) Set(key string, value []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	unlock, err := e.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()
	return e.st.Set(key, value)
}

// Delete removes key from the store under the key lock. The timer is
// untouched; if it fires later the delete is a no-op.
func (e *Engine) Delete(key string) (bool, error) {
	if e.closed.Load() {
		return false, ErrClosed
	}
	unlock, err := e.lockKey(key)
	if err != nil {
		return false, err
	}
	defer unlock()
	return e.st.Delete(key)
}

// Exec runs an arbitrary store command, locking every argument's stripe so
// it cannot interleave with a compound command on the same key.
func (e *Engine) Exec(name string, args ...[]byte) (reply store.Reply, err error) {
	defer e.observe(profileName(name), time.Now(), &err)
	if e.closed.Load() {
		return store.Reply{}, ErrClosed
	}
	keys := make([]string, len(args))
	for i, a := range args {
		keys[i] = string(a)
	}
	unlock, err := e.lockKeys(keys)
	if err != nil {
		return store.Reply{}, err
	}
	defer unlock()
	return e.st.Execute(name, args...)
}

// otherCommands is the profile entry shared by every name outside
// store.Commands, so arbitrary client input cannot grow the profile.
const otherCommands = "OTHER"

var storeCommands = func() map[string]bool {
	m := make(map[string]bool, len(store.Commands))
	for _, c := range store.Commands {
		m[c] = true
	}
	return m
}()

func profileName(name string) string {
	name = strings.ToUpper(name)
	if storeCommands[name] {
		return name
	}
	return otherCommands
}

// ========================
// String dispatch
// ========================

// Commands lists the expiration commands understood by Do.
var Commands = []string{"REXPIRE", "REXPIREAT", "RTTL", "RUNEXPIRE", "RSETEX", "REXECEX", "RCOUNT", "RPROFILE"}

// CommandName normalizes a command name: upper case, without the RTEXP. prefix.
func CommandName(name string) string {
	name = strings.ToUpper(name)
	return strings.TrimPrefix(name, "RTEXP.")
}

// IsCommand reports whether name is one of the expiration commands.
func IsCommand(name string) bool {
	name = CommandName(name)
	for _, c := range Commands {
		if c == name {
			return true
		}
	}
	return false
}

func arityError(name string) error {
	return fmt.Errorf("engine: %w: wrong number of arguments for '%s' command", ErrInvalidArgument, strings.ToLower(name))
}

func parseInt(what, s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("engine: %w: %s must be an integer, got %q", ErrInvalidArgument, what, s)
	}
	return n, nil
}

// Do executes a command given as strings and returns a RESP-shaped reply.
// Expiration commands are matched case-insensitively, with or without the
// RTEXP. prefix; every other name goes to the store through Exec.
func (e *Engine) Do(name string, args []string) (store.Reply, error) {
	cmd := CommandName(name)
	switch cmd {
	case "REXPIRE", "REXPIREAT":
		if len(args) != 2 {
			return store.Reply{}, arityError(cmd)
		}
		what := "ttl"
		if cmd == "REXPIREAT" {
			what = "timestamp"
		}
		n, err := parseInt(what, args[1])
		if err != nil {
			return store.Reply{}, err
		}
		if cmd == "REXPIRE" {
			err = e.Expire(args[0], n)
		} else {
			err = e.ExpireAt(args[0], n)
		}
		if err != nil {
			return store.Reply{}, err
		}
		return store.OK(), nil

	case "RTTL":
		if len(args) != 1 {
			return store.Reply{}, arityError(cmd)
		}
		ttl, err := e.TTL(args[0])
		if err != nil {
			return store.Reply{}, err
		}
		return store.Integer(ttl), nil

	case "RUNEXPIRE":
		if len(args) != 1 {
			return store.Reply{}, arityError(cmd)
		}
		if _, err := e.Unexpire(args[0]); err != nil {
			return store.Reply{}, err
		}
		return store.OK(), nil

	case "RSETEX":
		if len(args) != 3 {
			return store.Reply{}, arityError(cmd)
		}
		ttl, err := parseInt("ttl", args[2])
		if err != nil {
			return store.Reply{}, err
		}
		if err := e.SetEx(args[0], []byte(args[1]), ttl); err != nil {
			return store.Reply{}, err
		}
		return store.OK(), nil

	case "REXECEX":
		if len(args) < 3 {
			return store.Reply{}, arityError(cmd)
		}
		ttl, err := parseInt("ttl", args[2])
		if err != nil {
			return store.Reply{}, err
		}
		rest := make([][]byte, len(args)-3)
		for i, a := range args[3:] {
			rest[i] = []byte(a)
		}
		return e.ExecEx(args[0], args[1], ttl, rest...)

	case "RCOUNT":
		if len(args) != 0 {
			return store.Reply{}, arityError(cmd)
		}
		return store.Integer(int64(e.Count())), nil

	case "RPROFILE":
		if len(args) != 0 {
			return store.Reply{}, arityError(cmd)
		}
		return store.BulkString(e.Profile().Text()), nil
	}

	bs := make([][]byte, len(args))
	for i, a := range args {
		bs[i] = []byte(a)
	}
	return e.Exec(name, bs...)
}
