// Package client is a minimal RESP client for the rtexp server, used by the
// bundled CLI, benchmark and MCP binaries.
package client

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/flashdb/rtexp/internal/protocol"
)

// ErrNil is returned by Get for a missing key.
var ErrNil = errors.New("client: nil reply")

// ServerError is an error reply sent by the server.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string { return e.Msg }

// Options configures a Client.
type Options struct {
	Password string
	Timeout  time.Duration
}

// Client is one RESP connection. It is safe for concurrent use; commands
// are serialized on the connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *protocol.Reader
	w       *protocol.Writer
	timeout time.Duration
}

// Dial connects to addr and authenticates when a password is set.
func Dial(addr string, opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c := &Client{
		conn:    conn,
		r:       protocol.NewReader(conn),
		w:       protocol.NewWriter(conn),
		timeout: opts.Timeout,
	}
	if opts.Password != "" {
		if _, err := c.Do("AUTH", opts.Password); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return c, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one command and returns its reply. Error replies are returned
// as *ServerError.
func (c *Client) Do(name string, args ...string) (protocol.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if err := c.w.WriteCommand(name, args...); err != nil {
		return protocol.Value{}, fmt.Errorf("client: write %s: %w", name, err)
	}
	v, err := c.r.ReadValue()
	if err != nil {
		return protocol.Value{}, fmt.Errorf("client: read %s reply: %w", name, err)
	}
	if v.Type == protocol.TypeError {
		return v, &ServerError{Msg: v.Str}
	}
	return v, nil
}

func (c *Client) status(name string, args ...string) error {
	_, err := c.Do(name, args...)
	return err
}

func (c *Client) integer(name string, args ...string) (int64, error) {
	v, err := c.Do(name, args...)
	if err != nil {
		return 0, err
	}
	if v.Type != protocol.TypeInteger {
		return 0, fmt.Errorf("%w: %s replied %q", protocol.ErrUnexpectedType, name, v.Type)
	}
	return v.Num, nil
}

func ms(n int64) string { return strconv.FormatInt(n, 10) }

// Ping checks the connection.
func (c *Client) Ping() error { return c.status("PING") }

// Expire runs REXPIRE.
func (c *Client) Expire(key string, ttlMs int64) error {
	return c.status("REXPIRE", key, ms(ttlMs))
}

// ExpireAt runs REXPIREAT.
func (c *Client) ExpireAt(key string, tsMs int64) error {
	return c.status("REXPIREAT", key, ms(tsMs))
}

// TTL runs RTTL; -2 means the key has no timer.
func (c *Client) TTL(key string) (int64, error) {
	return c.integer("RTTL", key)
}

// Unexpire runs RUNEXPIRE.
func (c *Client) Unexpire(key string) error {
	return c.status("RUNEXPIRE", key)
}

// SetEx runs RSETEX.
func (c *Client) SetEx(key, value string, ttlMs int64) error {
	return c.status("RSETEX", key, value, ms(ttlMs))
}

// ExecEx runs REXECEX and returns the store's reply.
func (c *Client) ExecEx(cmd, key string, ttlMs int64, args ...string) (protocol.Value, error) {
	return c.Do("REXECEX", append([]string{cmd, key, ms(ttlMs)}, args...)...)
}

// Count runs RCOUNT.
func (c *Client) Count() (int64, error) {
	return c.integer("RCOUNT")
}

// Profile runs RPROFILE and returns the INFO-style report.
func (c *Client) Profile() (string, error) {
	v, err := c.Do("RPROFILE")
	if err != nil {
		return "", err
	}
	return v.Str, nil
}

// Set runs SET.
func (c *Client) Set(key, value string) error {
	return c.status("SET", key, value)
}

// Get runs GET and returns ErrNil for a missing key.
func (c *Client) Get(key string) (string, error) {
	v, err := c.Do("GET", key)
	if err != nil {
		return "", err
	}
	if v.Null {
		return "", ErrNil
	}
	return v.Str, nil
}
