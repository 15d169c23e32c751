// Package store defines the Store Adapter contract the expiration engine consumes
// and ships two adapters: an in-memory map and a bbolt-backed persistent store.
package store

import (
	"errors"
	"strconv"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrUnknownCommand is returned by Execute for command names the adapter does not support.
	ErrUnknownCommand = errors.New("store: unknown command")
	// ErrWrongArity is returned by Execute when a command gets the wrong number of arguments.
	ErrWrongArity = errors.New("store: wrong number of arguments")
	// ErrNotInteger is returned when a value or argument is not a 64-bit integer.
	ErrNotInteger = errors.New("store: value is not an integer or out of range")
	// ErrNotFloat is returned when a value or argument is not a valid float.
	ErrNotFloat = errors.New("store: value is not a valid float")
	// ErrSyntax is returned for malformed command options.
	ErrSyntax = errors.New("store: syntax error")
	// ErrClosed is returned after the adapter has been closed.
	ErrClosed = errors.New("store: closed")
)

// Adapter is the host key-value store as seen by the expiration engine.
// Implementations must be safe for concurrent use by multiple goroutines.
type Adapter interface {
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) (bool, error)
	Execute(name string, args ...[]byte) (Reply, error)
}

// BatchDeleter is implemented by adapters that can delete many keys in one
// all-or-nothing operation.
type BatchDeleter interface {
	DeleteMany(keys []string) error
}

// NativeExpirer is implemented by adapters with their own TTL mechanism.
type NativeExpirer interface {
	// ExpireAt sets the native expiration of key to the absolute time ms.
	ExpireAt(key string, ms int64) (bool, error)
	// Persist clears the native expiration of key.
	Persist(key string) (bool, error)
}

// ReplyKind identifies the shape of a Reply.
type ReplyKind uint8

const (
	ReplyNil ReplyKind = iota
	ReplyStatus
	ReplyInteger
	ReplyBulk
	ReplyArray
)

// Reply is the result of a store command, shaped after RESP values.
type Reply struct {
	Kind  ReplyKind
	Str   string
	Int   int64
	Array []Reply
}

func Nil() Reply                { return Reply{Kind: ReplyNil} }
func OK() Reply                 { return Reply{Kind: ReplyStatus, Str: "OK"} }
func Status(s string) Reply     { return Reply{Kind: ReplyStatus, Str: s} }
func Integer(n int64) Reply     { return Reply{Kind: ReplyInteger, Int: n} }
func Bulk(b []byte) Reply       { return Reply{Kind: ReplyBulk, Str: string(b)} }
func BulkString(s string) Reply { return Reply{Kind: ReplyBulk, Str: s} }
func Array(items ...Reply) Reply {
	return Reply{Kind: ReplyArray, Array: items}
}

// Value converts the reply into plain Go values: nil, string, int64 or []interface{}.
func (r Reply) Value() interface{} {
	switch r.Kind {
	case ReplyStatus, ReplyBulk:
		return r.Str
	case ReplyInteger:
		return r.Int
	case ReplyArray:
		out := make([]interface{}, len(r.Array))
		for i, item := range r.Array {
			out[i] = item.Value()
		}
		return out
	}
	return nil
}

// String renders the reply the way redis-cli would.
func (r Reply) String() string {
	switch r.Kind {
	case ReplyStatus, ReplyBulk:
		return r.Str
	case ReplyInteger:
		return strconv.FormatInt(r.Int, 10)
	case ReplyArray:
		s := ""
		for i, item := range r.Array {
			if i > 0 {
				s += "\n"
			}
			s += strconv.Itoa(i+1) + ") " + item.String()
		}
		return s
	}
	return "(nil)"
}
