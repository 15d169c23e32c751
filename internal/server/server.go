// Package server implements the RESP front end of the expiration engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flashdb/rtexp/internal/engine"
	"github.com/flashdb/rtexp/internal/logger"
	"github.com/flashdb/rtexp/internal/protocol"
	"github.com/flashdb/rtexp/internal/store"
	"github.com/flashdb/rtexp/internal/version"
)

// Config holds server configuration.
type Config struct {
	Password   string
	MaxClients int
	Timeout    time.Duration
	Logger     *logger.Logger
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		MaxClients: 10000,
		Logger:     logger.Discard(),
	}
}

// clientConn is one client connection and its state.
type clientConn struct {
	id            int64
	conn          net.Conn
	addr          string
	authenticated bool
	createdAt     time.Time
	cmdCount      int64
}

// Server accepts RESP connections and dispatches commands to the engine.
type Server struct {
	addr     string
	engine   *engine.Engine
	config   Config
	log      *logger.Logger
	listener net.Listener
	ready    chan struct{}

	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
	nextConnID int64
	clients    map[int64]*clientConn

	startTime  time.Time
	totalCmds  atomic.Int64
	totalConns atomic.Int64
	bgsave     atomic.Bool
}

// New creates a Server for addr with the default configuration.
func New(addr string, e *engine.Engine) *Server {
	return NewWithConfig(addr, e, DefaultConfig())
}

// NewWithConfig creates a Server with cfg.
func NewWithConfig(addr string, e *engine.Engine, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	return &Server{
		addr:      addr,
		engine:    e,
		config:    cfg,
		log:       cfg.Logger,
		ready:     make(chan struct{}),
		clients:   make(map[int64]*clientConn),
		startTime: time.Now(),
	}
}

// Start listens on the configured address and serves until ctx is
// cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It blocks until ctx is cancelled or
// Close is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	s.log.Infof("rtexp server listening on %s", ln.Addr())
	if s.config.Password != "" {
		s.log.Infof("authentication enabled")
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if closed {
				return nil
			}
			s.log.Warnf("failed to accept connection: %v", err)
			continue
		}

		s.mu.Lock()
		if s.config.MaxClients > 0 && len(s.clients) >= s.config.MaxClients {
			s.mu.Unlock()
			conn.Write([]byte("-ERR max number of clients reached\r\n"))
			conn.Close()
			s.log.Warnf("max clients reached, rejecting %s", conn.RemoteAddr())
			continue
		}
		s.nextConnID++
		client := &clientConn{
			id:            s.nextConnID,
			conn:          conn,
			addr:          conn.RemoteAddr().String(),
			authenticated: s.config.Password == "",
			createdAt:     time.Now(),
		}
		s.clients[client.id] = client
		s.mu.Unlock()
		s.totalConns.Add(1)

		s.wg.Add(1)
		go func(c *clientConn) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.clients, c.id)
				s.mu.Unlock()
			}()
			s.handleConnection(ctx, c)
		}(client)
	}
}

// Addr returns the listening address once the server is ready.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting connections, closes open ones and waits for their
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

// handleConnection serves one client. Replies to pipelined commands are
// flushed together once the read buffer drains.
func (s *Server) handleConnection(ctx context.Context, client *clientConn) {
	defer client.conn.Close()

	reader := protocol.NewReader(client.conn)
	writer := protocol.NewWriter(client.conn)
	writer.SetAutoFlush(false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.config.Timeout > 0 {
			client.conn.SetReadDeadline(time.Now().Add(s.config.Timeout))
		}

		name, args, err := reader.ReadCommand()
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &ne) && ne.Timeout():
				s.log.Debugf("client %s idle timeout", client.addr)
			case errors.Is(err, protocol.ErrInvalidProtocol), errors.Is(err, protocol.ErrUnexpectedType):
				writer.WriteError("Protocol error: " + err.Error())
				writer.Flush()
			default:
				s.log.Warnf("failed to read from %s: %v", client.addr, err)
			}
			return
		}

		cmd := strings.ToUpper(name)
		client.cmdCount++
		s.totalCmds.Add(1)

		quit := s.executeCommand(writer, client, cmd, args)
		if reader.Buffered() == 0 || quit {
			if err := writer.Flush(); err != nil {
				return
			}
		}
		if quit {
			return
		}
	}
}

// executeCommand runs one command and writes its reply. It reports whether
// the connection should be closed.
func (s *Server) executeCommand(w *protocol.Writer, client *clientConn, cmd string, args []string) bool {
	if !client.authenticated && cmd != "AUTH" && cmd != "PING" && cmd != "QUIT" {
		w.WriteError("NOAUTH Authentication required.")
		return false
	}

	switch cmd {
	// Connection
	case "PING":
		s.cmdPing(w, args)
	case "ECHO":
		s.cmdEcho(w, args)
	case "QUIT":
		w.WriteSimpleString("OK")
		return true
	case "AUTH":
		s.cmdAuth(w, client, args)

	// Server
	case "INFO":
		s.cmdInfo(w, args)
	case "SAVE":
		s.cmdSave(w)
	case "BGSAVE":
		s.cmdBGSave(w)
	case "LASTSAVE":
		w.WriteInteger(lastSaveUnix(s.engine.Stats()))
	case "BGREWRITEAOF":
		s.cmdRewrite(w)
	case "COMMAND":
		w.WriteReply(commandList())

	// Expiration commands and store pass-through
	default:
		reply, err := s.engine.Do(cmd, args)
		if err != nil {
			w.WriteError(errorMessage(err))
			return false
		}
		w.WriteReply(reply)
	}
	return false
}

// errorMessage strips package prefixes so clients see Redis-style text.
func errorMessage(err error) string {
	msg := err.Error()
	for _, p := range []string{"engine: ", "invalid argument: ", "store: "} {
		msg = strings.TrimPrefix(msg, p)
	}
	return msg
}

func (s *Server) cmdPing(w *protocol.Writer, args []string) {
	switch len(args) {
	case 0:
		w.WriteSimpleString("PONG")
	case 1:
		w.WriteBulkString(args[0])
	default:
		w.WriteError("wrong number of arguments for 'ping' command")
	}
}

func (s *Server) cmdEcho(w *protocol.Writer, args []string) {
	if len(args) != 1 {
		w.WriteError("wrong number of arguments for 'echo' command")
		return
	}
	w.WriteBulkString(args[0])
}

func (s *Server) cmdAuth(w *protocol.Writer, client *clientConn, args []string) {
	if len(args) != 1 {
		w.WriteError("wrong number of arguments for 'auth' command")
		return
	}
	if s.config.Password == "" {
		w.WriteError("Client sent AUTH, but no password is set")
		return
	}
	if args[0] != s.config.Password {
		w.WriteError("WRONGPASS invalid username-password pair")
		return
	}
	client.authenticated = true
	w.WriteSimpleString("OK")
}

func (s *Server) cmdInfo(w *protocol.Writer, args []string) {
	section := "all"
	if len(args) > 0 {
		section = strings.ToLower(args[0])
	}
	if section == "profile" {
		w.WriteBulkString(s.engine.Profile().Text())
		return
	}

	stats := s.engine.Stats()
	s.mu.RLock()
	clients := len(s.clients)
	s.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "# Server\r\nrtexp_version:%s\r\nuptime_in_seconds:%.0f\r\nconnected_clients:%d\r\n",
		version.Version, time.Since(s.startTime).Seconds(), clients)
	fmt.Fprintf(&b, "\r\n# Stats\r\ntotal_connections_received:%d\r\ntotal_commands_processed:%d\r\nengine_commands:%d\r\n",
		s.totalConns.Load(), s.totalCmds.Load(), stats.TotalCommands)
	fmt.Fprintf(&b, "\r\n# Timers\r\nactive_timers:%d\r\nexpired_keys:%d\r\nsweeper_state:%s\r\n",
		stats.ActiveTimers, stats.ExpiredKeys, stats.SweeperState)
	fmt.Fprintf(&b, "\r\n# Persistence\r\npersistent:%d\r\nrdb_last_save_time:%d\r\nrdb_bgsave_in_progress:%d\r\n",
		boolInt(stats.Persistent), lastSaveUnix(stats), boolInt(s.bgsave.Load()))
	w.WriteBulkString(b.String())
}

func lastSaveUnix(stats engine.Stats) int64 {
	if stats.LastSave.IsZero() {
		return 0
	}
	return stats.LastSave.Unix()
}

// commandList answers COMMAND with every name the server accepts.
func commandList() store.Reply {
	names := []string{"PING", "ECHO", "QUIT", "AUTH", "INFO", "SAVE", "BGSAVE", "LASTSAVE", "BGREWRITEAOF", "COMMAND"}
	names = append(names, engine.Commands...)
	names = append(names, store.Commands...)
	items := make([]store.Reply, len(names))
	for i, n := range names {
		items[i] = store.BulkString(strings.ToLower(n))
	}
	return store.Array(items...)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Server) cmdSave(w *protocol.Writer) {
	if _, err := s.engine.Save(); err != nil {
		s.log.Errorf("SAVE failed: %v", err)
		w.WriteError(errorMessage(err))
		return
	}
	w.WriteSimpleString("OK")
}

func (s *Server) cmdBGSave(w *protocol.Writer) {
	if !s.bgsave.CompareAndSwap(false, true) {
		w.WriteError("Background save already in progress")
		return
	}
	go func() {
		defer s.bgsave.Store(false)
		if _, err := s.engine.Save(); err != nil {
			s.log.Errorf("BGSAVE failed: %v", err)
		}
	}()
	w.WriteSimpleString("Background saving started")
}

func (s *Server) cmdRewrite(w *protocol.Writer) {
	n, err := s.engine.Compact()
	if err != nil {
		s.log.Errorf("BGREWRITEAOF failed: %v", err)
		w.WriteError(errorMessage(err))
		return
	}
	s.log.Infof("journal rewritten with %d timers", n)
	w.WriteSimpleString("Background append only file rewriting started")
}
