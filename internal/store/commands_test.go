package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// adapters returns one fresh instance of every bundled adapter.
func adapters(t *testing.T) map[string]Adapter {
	t.Helper()
	mem := NewMemory()
	t.Cleanup(func() { mem.Close() })
	db, err := OpenBolt(filepath.Join(t.TempDir(), "store.db"), BoltOptions{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return map[string]Adapter{"memory": mem, "bolt": db}
}

func exec(t *testing.T, a Adapter, args ...string) Reply {
	t.Helper()
	bs := make([][]byte, len(args)-1)
	for i, s := range args[1:] {
		bs[i] = []byte(s)
	}
	reply, err := a.Execute(args[0], bs...)
	require.NoError(t, err, args)
	return reply
}

func TestExecute_Strings(t *testing.T) {
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, OK(), exec(t, a, "set", "k", "v"))
			assert.Equal(t, BulkString("v"), exec(t, a, "GET", "k"))
			assert.Equal(t, Nil(), exec(t, a, "GET", "missing"))
			assert.Equal(t, Integer(3), exec(t, a, "APPEND", "k", "al"))
			assert.Equal(t, Integer(3), exec(t, a, "STRLEN", "k"))
			assert.Equal(t, Integer(1), exec(t, a, "EXISTS", "k", "missing"))
			assert.Equal(t, BulkString("val"), exec(t, a, "GETSET", "k", "new"))
			assert.Equal(t, BulkString("new"), exec(t, a, "GETDEL", "k"))
			assert.Equal(t, Integer(0), exec(t, a, "DEL", "k"))
		})
	}
}

func TestExecute_SetOptions(t *testing.T) {
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, Nil(), exec(t, a, "SET", "k", "v", "XX"))
			assert.Equal(t, OK(), exec(t, a, "SET", "k", "v", "NX"))
			assert.Equal(t, Nil(), exec(t, a, "SET", "k", "other", "NX"))
			assert.Equal(t, BulkString("v"), exec(t, a, "SET", "k", "w", "XX", "GET"))
			assert.Equal(t, Integer(0), exec(t, a, "SETNX", "k", "x"))
			assert.Equal(t, Integer(1), exec(t, a, "SETNX", "k2", "x"))

			_, err := a.Execute("SET", []byte("k"), []byte("v"), []byte("NX"), []byte("XX"))
			assert.ErrorIs(t, err, ErrSyntax)
			_, err = a.Execute("SET", []byte("k"), []byte("v"), []byte("BOGUS"))
			assert.ErrorIs(t, err, ErrSyntax)
		})
	}
}

func TestExecute_Counters(t *testing.T) {
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, Integer(1), exec(t, a, "INCR", "n"))
			assert.Equal(t, Integer(11), exec(t, a, "INCRBY", "n", "10"))
			assert.Equal(t, Integer(10), exec(t, a, "DECR", "n"))
			assert.Equal(t, Integer(5), exec(t, a, "DECRBY", "n", "5"))
			assert.Equal(t, BulkString("5.5"), exec(t, a, "INCRBYFLOAT", "n", "0.5"))

			exec(t, a, "SET", "s", "abc")
			_, err := a.Execute("INCR", []byte("s"))
			assert.ErrorIs(t, err, ErrNotInteger)
			_, err = a.Execute("INCRBY", []byte("n2"), []byte("x"))
			assert.ErrorIs(t, err, ErrNotInteger)

			exec(t, a, "SET", "max", "9223372036854775807")
			_, err = a.Execute("INCR", []byte("max"))
			assert.ErrorIs(t, err, ErrNotInteger)
		})
	}
}

func TestExecute_Multi(t *testing.T) {
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, OK(), exec(t, a, "MSET", "a", "1", "b", "2"))
			assert.Equal(t,
				Array(BulkString("1"), Nil(), BulkString("2")),
				exec(t, a, "MGET", "a", "missing", "b"))
			assert.Equal(t, Integer(2), exec(t, a, "UNLINK", "a", "b", "c"))

			_, err := a.Execute("MSET", []byte("a"))
			assert.ErrorIs(t, err, ErrWrongArity)
		})
	}
}

func TestExecute_Errors(t *testing.T) {
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			_, err := a.Execute("GET")
			assert.ErrorIs(t, err, ErrWrongArity)
			assert.Contains(t, err.Error(), "'get'")

			_, err = a.Execute("HSET", []byte("h"), []byte("f"), []byte("v"))
			assert.ErrorIs(t, err, ErrUnknownCommand)
		})
	}
}

func TestIsWrite(t *testing.T) {
	assert.False(t, IsWrite("get"))
	assert.False(t, IsWrite("MGET"))
	assert.True(t, IsWrite("set"))
	assert.True(t, IsWrite("INCR"))
}

func TestReply_Render(t *testing.T) {
	r := Array(BulkString("a"), Integer(2), Nil())
	assert.Equal(t, "1) a\n2) 2\n3) (nil)", r.String())
	assert.Equal(t, []interface{}{"a", int64(2), nil}, r.Value())
}
