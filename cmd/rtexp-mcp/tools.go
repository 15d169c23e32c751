package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flashdb/rtexp/internal/client"
	"github.com/flashdb/rtexp/internal/logger"
)

type toolHandler = func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

// newMCPServer registers one tool per expiration command, each forwarding
// to the rtexp server through c.
func newMCPServer(c *client.Client, lg *logger.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"rtexp",
		"0.3.0",
		server.WithRecovery(),
		server.WithToolCapabilities(false),
	)

	key := mcp.WithString("key", mcp.Required(), mcp.Description("The key whose timer is read or changed"))
	ttl := mcp.WithNumber("ttl_ms", mcp.Required(), mcp.Description("Time to live in milliseconds, non-negative"))

	s.AddTool(mcp.NewTool("rexpire",
		mcp.WithDescription(multiline(
			"Sets a key's expiration timer to now + ttl_ms (REXPIRE)",
			"- Replaces any existing timer",
			"- The key does not have to exist in the store",
		)),
		key, ttl,
	), logged(lg, "rexpire", expireHandler(c)))

	s.AddTool(mcp.NewTool("rexpireat",
		mcp.WithDescription("Sets a key's expiration timer to an absolute unix time in milliseconds (REXPIREAT). A past timestamp fires on the next sweep."),
		key,
		mcp.WithNumber("timestamp_ms", mcp.Required(), mcp.Description("Absolute deadline, unix milliseconds")),
	), logged(lg, "rexpireat", expireAtHandler(c)))

	s.AddTool(mcp.NewTool("rttl",
		mcp.WithDescription("Returns the milliseconds left on a key's timer (RTTL), or -2 when the key has no timer"),
		key,
	), logged(lg, "rttl", ttlHandler(c)))

	s.AddTool(mcp.NewTool("runexpire",
		mcp.WithDescription("Cancels a key's timer (RUNEXPIRE). The stored value is kept."),
		key,
	), logged(lg, "runexpire", unexpireHandler(c)))

	s.AddTool(mcp.NewTool("rsetex",
		mcp.WithDescription("Stores a value and arms its timer in one step (RSETEX)"),
		key,
		mcp.WithString("value", mcp.Required(), mcp.Description("The value to store")),
		ttl,
	), logged(lg, "rsetex", setExHandler(c)))

	s.AddTool(mcp.NewTool("rexecex",
		mcp.WithDescription(multiline(
			"Runs a store command on a key and arms the key's timer (REXECEX)",
			"- The timer is armed only if the command succeeds",
			"- Returns the command's own reply",
		)),
		mcp.WithString("command", mcp.Required(), mcp.Description("Store command, e.g. SET or INCRBY")),
		key, ttl,
		mcp.WithArray("args", mcp.Description("Remaining command arguments"), mcp.WithStringItems()),
	), logged(lg, "rexecex", execExHandler(c)))

	s.AddTool(mcp.NewTool("rcount",
		mcp.WithDescription("Returns the number of active timers (RCOUNT)"),
	), logged(lg, "rcount", countHandler(c)))

	s.AddTool(mcp.NewTool("rprofile",
		mcp.WithDescription("Returns the engine's profiling report (RPROFILE): per-command latency, sweeper lag, retries"),
	), logged(lg, "rprofile", profileHandler(c)))

	return s
}

func multiline(lines ...string) string { return strings.Join(lines, "\n") }

// logged records each call and its failure, if any.
func logged(lg *logger.Logger, name string, next toolHandler) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if ctx.Err() != nil {
			return mcp.NewToolResultError(ctx.Err().Error()), nil
		}
		res, err := next(ctx, req)
		switch {
		case err != nil:
			lg.Errorf("%s: %v", name, err)
		case res != nil && res.IsError:
			lg.Warnf("%s failed", name)
		default:
			lg.Debugf("%s ok", name)
		}
		return res, err
	}
}

func fail(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

func expireHandler(c *client.Client) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return fail(err)
		}
		ttl, err := req.RequireInt("ttl_ms")
		if err != nil {
			return fail(err)
		}
		if err := c.Expire(key, int64(ttl)); err != nil {
			return fail(err)
		}
		return mcp.NewToolResultText("OK"), nil
	}
}

func expireAtHandler(c *client.Client) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return fail(err)
		}
		ts, err := req.RequireInt("timestamp_ms")
		if err != nil {
			return fail(err)
		}
		if err := c.ExpireAt(key, int64(ts)); err != nil {
			return fail(err)
		}
		return mcp.NewToolResultText("OK"), nil
	}
}

func ttlHandler(c *client.Client) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return fail(err)
		}
		ttl, err := c.TTL(key)
		if err != nil {
			return fail(err)
		}
		return mcp.NewToolResultText(strconv.FormatInt(ttl, 10)), nil
	}
}

func unexpireHandler(c *client.Client) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return fail(err)
		}
		if err := c.Unexpire(key); err != nil {
			return fail(err)
		}
		return mcp.NewToolResultText("OK"), nil
	}
}

func setExHandler(c *client.Client) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return fail(err)
		}
		value, err := req.RequireString("value")
		if err != nil {
			return fail(err)
		}
		ttl, err := req.RequireInt("ttl_ms")
		if err != nil {
			return fail(err)
		}
		if err := c.SetEx(key, value, int64(ttl)); err != nil {
			return fail(err)
		}
		return mcp.NewToolResultText("OK"), nil
	}
}

func execExHandler(c *client.Client) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cmd, err := req.RequireString("command")
		if err != nil {
			return fail(err)
		}
		key, err := req.RequireString("key")
		if err != nil {
			return fail(err)
		}
		ttl, err := req.RequireInt("ttl_ms")
		if err != nil {
			return fail(err)
		}
		args := req.GetStringSlice("args", nil)

		v, err := c.ExecEx(cmd, key, int64(ttl), args...)
		if err != nil {
			return fail(err)
		}
		return mcp.NewToolResultText(v.String()), nil
	}
}

func countHandler(c *client.Client) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n, err := c.Count()
		if err != nil {
			return fail(err)
		}
		return mcp.NewToolResultText(fmt.Sprintf("%d active timers", n)), nil
	}
}

func profileHandler(c *client.Client) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		report, err := c.Profile()
		if err != nil {
			return fail(err)
		}
		return mcp.NewToolResultText(report), nil
	}
}
