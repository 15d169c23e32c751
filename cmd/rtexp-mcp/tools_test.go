package main

import (
	"context"
	"net"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashdb/rtexp/internal/client"
	"github.com/flashdb/rtexp/internal/engine"
	"github.com/flashdb/rtexp/internal/logger"
	rtserver "github.com/flashdb/rtexp/internal/server"
	"github.com/flashdb/rtexp/internal/store"
)

func dialTestServer(t *testing.T) *client.Client {
	t.Helper()
	mem := store.NewMemory()
	e, err := engine.New(mem, engine.Config{ManualSweep: true, HistoryInterval: -1})
	require.NoError(t, err)

	srv := rtserver.New("127.0.0.1:0", e)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()

	c, err := client.Dial(ln.Addr().String(), client.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		cancel()
		srv.Close()
		<-done
		e.Close()
		mem.Close()
	})
	return c
}

func call(t *testing.T, h toolHandler, args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestToolHandlers(t *testing.T) {
	c := dialTestServer(t)
	lg := logger.Discard()

	out, isErr := call(t, logged(lg, "rsetex", setExHandler(c)), map[string]any{"key": "k", "value": "v", "ttl_ms": 60000})
	assert.False(t, isErr)
	assert.Equal(t, "OK", out)

	out, isErr = call(t, ttlHandler(c), map[string]any{"key": "k"})
	assert.False(t, isErr)
	assert.NotEqual(t, "-2", out)

	out, _ = call(t, expireHandler(c), map[string]any{"key": "other", "ttl_ms": 1000})
	assert.Equal(t, "OK", out)
	out, _ = call(t, expireAtHandler(c), map[string]any{"key": "third", "timestamp_ms": 4102444800000})
	assert.Equal(t, "OK", out)

	out, _ = call(t, countHandler(c), nil)
	assert.Equal(t, "3 active timers", out)

	out, _ = call(t, unexpireHandler(c), map[string]any{"key": "k"})
	assert.Equal(t, "OK", out)
	out, _ = call(t, ttlHandler(c), map[string]any{"key": "k"})
	assert.Equal(t, "-2", out)

	out, isErr = call(t, execExHandler(c), map[string]any{
		"command": "INCRBY", "key": "n", "ttl_ms": 5000, "args": []any{"4"},
	})
	assert.False(t, isErr)
	assert.Equal(t, "(integer) 4", out)

	out, _ = call(t, profileHandler(c), nil)
	assert.Contains(t, out, "cmdstat_rexecex")
}

func TestToolHandlerErrors(t *testing.T) {
	c := dialTestServer(t)

	_, isErr := call(t, expireHandler(c), map[string]any{"key": "k"})
	assert.True(t, isErr, "missing ttl_ms")

	out, isErr := call(t, expireHandler(c), map[string]any{"key": "k", "ttl_ms": -5})
	assert.True(t, isErr)
	assert.Contains(t, out, "non-negative")

	_, isErr = call(t, ttlHandler(c), map[string]any{})
	assert.True(t, isErr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := logged(logger.Discard(), "rcount", countHandler(c))(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestNewMCPServer(t *testing.T) {
	assert.NotNil(t, newMCPServer(dialTestServer(t), logger.Discard()))
}
