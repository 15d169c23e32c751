package store

import (
	"fmt"
	"strconv"
	"strings"
)

// txn is the primitive view of a store used by the shared command executor.
// Implementations run every call of one command inside a single critical
// section (a held mutex or a bbolt read-write transaction).
type txn interface {
	get(key string) ([]byte, bool, error)
	// put stores value; keepTTL preserves an existing native expiration.
	put(key string, value []byte, keepTTL bool) error
	del(key string) (bool, error)
}

// Commands lists the command names Execute understands.
var Commands = []string{
	"SET", "GET", "DEL", "UNLINK", "EXISTS", "APPEND", "STRLEN",
	"INCR", "INCRBY", "DECR", "DECRBY", "INCRBYFLOAT",
	"GETSET", "GETDEL", "SETNX", "MSET", "MGET",
}

// IsWrite reports whether the named command may mutate the store.
func IsWrite(name string) bool {
	switch strings.ToUpper(name) {
	case "GET", "EXISTS", "STRLEN", "MGET":
		return false
	}
	return true
}

func arity(name string, args [][]byte, min int, exact bool) error {
	if len(args) < min || (exact && len(args) != min) {
		return fmt.Errorf("%w for '%s' command", ErrWrongArity, strings.ToLower(name))
	}
	return nil
}

// execute runs one command against t.
func execute(t txn, name string, args [][]byte) (Reply, error) {
	cmd := strings.ToUpper(name)
	switch cmd {
	case "SET":
		return execSet(t, args)

	case "GET":
		if err := arity(cmd, args, 1, true); err != nil {
			return Reply{}, err
		}
		v, ok, err := t.get(string(args[0]))
		if err != nil || !ok {
			return Nil(), err
		}
		return Bulk(v), nil

	case "DEL", "UNLINK":
		if err := arity(cmd, args, 1, false); err != nil {
			return Reply{}, err
		}
		var n int64
		for _, k := range args {
			ok, err := t.del(string(k))
			if err != nil {
				return Reply{}, err
			}
			if ok {
				n++
			}
		}
		return Integer(n), nil

	case "EXISTS":
		if err := arity(cmd, args, 1, false); err != nil {
			return Reply{}, err
		}
		var n int64
		for _, k := range args {
			_, ok, err := t.get(string(k))
			if err != nil {
				return Reply{}, err
			}
			if ok {
				n++
			}
		}
		return Integer(n), nil

	case "APPEND":
		if err := arity(cmd, args, 2, true); err != nil {
			return Reply{}, err
		}
		cur, _, err := t.get(string(args[0]))
		if err != nil {
			return Reply{}, err
		}
		next := append(append([]byte(nil), cur...), args[1]...)
		if err := t.put(string(args[0]), next, true); err != nil {
			return Reply{}, err
		}
		return Integer(int64(len(next))), nil

	case "STRLEN":
		if err := arity(cmd, args, 1, true); err != nil {
			return Reply{}, err
		}
		v, _, err := t.get(string(args[0]))
		if err != nil {
			return Reply{}, err
		}
		return Integer(int64(len(v))), nil

	case "INCR", "DECR":
		if err := arity(cmd, args, 1, true); err != nil {
			return Reply{}, err
		}
		delta := int64(1)
		if cmd == "DECR" {
			delta = -1
		}
		return incrBy(t, string(args[0]), delta)

	case "INCRBY", "DECRBY":
		if err := arity(cmd, args, 2, true); err != nil {
			return Reply{}, err
		}
		delta, err := strconv.ParseInt(string(args[1]), 10, 64)
		if err != nil {
			return Reply{}, ErrNotInteger
		}
		if cmd == "DECRBY" {
			delta = -delta
		}
		return incrBy(t, string(args[0]), delta)

	case "INCRBYFLOAT":
		if err := arity(cmd, args, 2, true); err != nil {
			return Reply{}, err
		}
		delta, err := strconv.ParseFloat(string(args[1]), 64)
		if err != nil {
			return Reply{}, ErrNotFloat
		}
		key := string(args[0])
		var current float64
		v, ok, err := t.get(key)
		if err != nil {
			return Reply{}, err
		}
		if ok {
			current, err = strconv.ParseFloat(string(v), 64)
			if err != nil {
				return Reply{}, ErrNotFloat
			}
		}
		out := strconv.FormatFloat(current+delta, 'f', -1, 64)
		if err := t.put(key, []byte(out), true); err != nil {
			return Reply{}, err
		}
		return BulkString(out), nil

	case "GETSET":
		if err := arity(cmd, args, 2, true); err != nil {
			return Reply{}, err
		}
		old, ok, err := t.get(string(args[0]))
		if err != nil {
			return Reply{}, err
		}
		if err := t.put(string(args[0]), args[1], false); err != nil {
			return Reply{}, err
		}
		if !ok {
			return Nil(), nil
		}
		return Bulk(old), nil

	case "GETDEL":
		if err := arity(cmd, args, 1, true); err != nil {
			return Reply{}, err
		}
		old, ok, err := t.get(string(args[0]))
		if err != nil || !ok {
			return Nil(), err
		}
		if _, err := t.del(string(args[0])); err != nil {
			return Reply{}, err
		}
		return Bulk(old), nil

	case "SETNX":
		if err := arity(cmd, args, 2, true); err != nil {
			return Reply{}, err
		}
		_, ok, err := t.get(string(args[0]))
		if err != nil {
			return Reply{}, err
		}
		if ok {
			return Integer(0), nil
		}
		if err := t.put(string(args[0]), args[1], false); err != nil {
			return Reply{}, err
		}
		return Integer(1), nil

	case "MSET":
		if len(args) == 0 || len(args)%2 != 0 {
			return Reply{}, fmt.Errorf("%w for 'mset' command", ErrWrongArity)
		}
		for i := 0; i < len(args); i += 2 {
			if err := t.put(string(args[i]), args[i+1], false); err != nil {
				return Reply{}, err
			}
		}
		return OK(), nil

	case "MGET":
		if err := arity(cmd, args, 1, false); err != nil {
			return Reply{}, err
		}
		items := make([]Reply, len(args))
		for i, k := range args {
			v, ok, err := t.get(string(k))
			if err != nil {
				return Reply{}, err
			}
			if ok {
				items[i] = Bulk(v)
			} else {
				items[i] = Nil()
			}
		}
		return Array(items...), nil
	}

	return Reply{}, fmt.Errorf("%w '%s'", ErrUnknownCommand, name)
}

// execSet handles SET key value [NX|XX] [GET].
func execSet(t txn, args [][]byte) (Reply, error) {
	if err := arity("SET", args, 2, false); err != nil {
		return Reply{}, err
	}
	key := string(args[0])
	var nx, xx, get bool
	for _, opt := range args[2:] {
		switch strings.ToUpper(string(opt)) {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "GET":
			get = true
		default:
			return Reply{}, ErrSyntax
		}
	}
	if nx && xx {
		return Reply{}, ErrSyntax
	}

	old, exists, err := t.get(key)
	if err != nil {
		return Reply{}, err
	}
	if (nx && exists) || (xx && !exists) {
		if get && exists {
			return Bulk(old), nil
		}
		return Nil(), nil
	}
	if err := t.put(key, args[1], false); err != nil {
		return Reply{}, err
	}
	if get {
		if !exists {
			return Nil(), nil
		}
		return Bulk(old), nil
	}
	return OK(), nil
}

func incrBy(t txn, key string, delta int64) (Reply, error) {
	var current int64
	v, ok, err := t.get(key)
	if err != nil {
		return Reply{}, err
	}
	if ok {
		current, err = strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return Reply{}, ErrNotInteger
		}
	}
	next := current + delta
	if (delta > 0 && next < current) || (delta < 0 && next > current) {
		return Reply{}, fmt.Errorf("%w: increment or decrement would overflow", ErrNotInteger)
	}
	if err := t.put(key, []byte(strconv.FormatInt(next, 10)), true); err != nil {
		return Reply{}, err
	}
	return Integer(next), nil
}
