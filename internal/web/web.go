// Package web provides the HTTP admin API of the expiration engine.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"math"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flashdb/rtexp/internal/cdc"
	"github.com/flashdb/rtexp/internal/engine"
	"github.com/flashdb/rtexp/internal/logger"
	"github.com/flashdb/rtexp/internal/store"
	"github.com/flashdb/rtexp/internal/version"
)

const (
	apiVersionPath = "/api/v1"
	expvarName     = "rtexp"
	maxBenchmarkOp = 1_000_000
	streamBuffer   = 256
)

// Server is the HTTP admin API.
type Server struct {
	addr      string
	token     string
	engine    *engine.Engine
	log       *logger.Logger
	startTime time.Time

	mu     sync.Mutex
	server *http.Server
}

// New creates a web server without authentication.
func New(addr string, e *engine.Engine) *Server {
	return NewWithToken(addr, e, "")
}

// NewWithToken creates a web server whose /api routes require
// "Authorization: Bearer <token>" when token is non-empty.
func NewWithToken(addr string, e *engine.Engine, token string) *Server {
	return &Server{
		addr:      addr,
		token:     token,
		engine:    e,
		log:       logger.Discard(),
		startTime: time.Now(),
	}
}

// SetLogger sets the logger used for request failures.
func (s *Server) SetLogger(l *logger.Logger) {
	if l != nil {
		s.log = l
	}
}

// CommandRequest represents a command execution request.
type CommandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// CommandResponse represents a command execution response.
type CommandResponse struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
	Type    string      `json:"type,omitempty"`
}

// StatsResponse represents server statistics.
type StatsResponse struct {
	Version      string       `json:"version"`
	Uptime       int64        `json:"uptime"`
	UptimeHuman  string       `json:"uptime_human"`
	MemoryUsed   uint64       `json:"memory_used"`
	MemoryUsedMB float64      `json:"memory_used_mb"`
	GoRoutines   int          `json:"goroutines"`
	CPUs         int          `json:"cpus"`
	Engine       engine.Stats `json:"engine"`
}

// TimerInfo is the timer state of one key.
type TimerInfo struct {
	Key      string `json:"key"`
	TTL      int64  `json:"ttl"`
	HasTimer bool   `json:"has_timer"`
	Value    string `json:"value,omitempty"`
	Exists   bool   `json:"exists"`
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("web: failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.engine.Profiler().Publish(expvarName)

	s.mu.Lock()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Infof("web API listening on %s", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.authMiddleware(s.routes()))
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc(apiVersionPath+"/execute", s.handleExecute)
	mux.HandleFunc(apiVersionPath+"/stats", s.handleStats)
	mux.HandleFunc(apiVersionPath+"/profile", s.handleProfile)
	mux.HandleFunc(apiVersionPath+"/ttl/", s.handleTTL)
	mux.HandleFunc(apiVersionPath+"/key/", s.handleKey)
	mux.HandleFunc(apiVersionPath+"/events", s.handleEvents)
	mux.HandleFunc(apiVersionPath+"/events/stream", s.handleEventStream)
	mux.HandleFunc(apiVersionPath+"/rearmed", s.handleRearmed)
	mux.HandleFunc(apiVersionPath+"/series", s.handleSeriesList)
	mux.HandleFunc(apiVersionPath+"/series/", s.handleSeries)
	mux.HandleFunc(apiVersionPath+"/benchmark", s.handleBenchmark)

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/debug/vars", expvar.Handler())

	return mux
}

// corsMiddleware adds CORS headers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware guards /api routes with the bearer token. Health probes
// stay open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || got != s.token {
			writeJSONWithStatus(w, http.StatusUnauthorized, CommandResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleExecute runs one command through the engine's dispatcher.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONWithStatus(w, http.StatusBadRequest, CommandResponse{Error: "Invalid request"})
		return
	}

	cmd := strings.TrimSpace(req.Command)
	args := req.Args
	if len(args) == 0 && strings.ContainsAny(cmd, " \t") {
		parts := parseCommand(cmd)
		if len(parts) > 0 {
			cmd = parts[0]
			args = parts[1:]
		}
	}
	if cmd == "" {
		writeJSONWithStatus(w, http.StatusBadRequest, CommandResponse{Error: "command required"})
		return
	}

	if strings.EqualFold(cmd, "PING") {
		writeJSON(w, CommandResponse{Success: true, Result: "PONG", Type: "status"})
		return
	}

	reply, err := s.engine.Do(cmd, args)
	if err != nil {
		writeJSON(w, CommandResponse{Success: false, Error: errorMessage(err)})
		return
	}
	writeJSON(w, CommandResponse{Success: true, Result: reply.Value(), Type: kindName(reply.Kind)})
}

// handleStats returns server and engine statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	uptime := time.Since(s.startTime)

	writeJSON(w, StatsResponse{
		Version:      version.Version,
		Uptime:       int64(uptime.Seconds()),
		UptimeHuman:  formatDuration(uptime),
		MemoryUsed:   m.Alloc,
		MemoryUsedMB: float64(m.Alloc) / 1024 / 1024,
		GoRoutines:   runtime.NumGoroutine(),
		CPUs:         runtime.NumCPU(),
		Engine:       s.engine.Stats(),
	})
}

// handleProfile returns the RPROFILE report as JSON.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.engine.Profile())
}

// handleTTL reports the timer of one key.
func (s *Server) handleTTL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, apiVersionPath+"/ttl/")
	if key == "" {
		http.Error(w, "Key required", http.StatusBadRequest)
		return
	}
	ttl, err := s.engine.TTL(key)
	if err != nil {
		writeJSONWithStatus(w, http.StatusBadRequest, CommandResponse{Error: errorMessage(err)})
		return
	}
	writeJSON(w, TimerInfo{Key: key, TTL: ttl, HasTimer: ttl != engine.NoTimer})
}

// handleKey reads a key with its timer (GET) or cancels the timer (DELETE).
// The stored value is never deleted here.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, apiVersionPath+"/key/")
	if key == "" {
		http.Error(w, "Key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		ttl, err := s.engine.TTL(key)
		if err != nil {
			writeJSONWithStatus(w, http.StatusBadRequest, CommandResponse{Error: errorMessage(err)})
			return
		}
		info := TimerInfo{Key: key, TTL: ttl, HasTimer: ttl != engine.NoTimer}
		val, err := s.engine.Get(key)
		switch {
		case err == nil:
			info.Exists = true
			info.Value = string(val)
		case !errors.Is(err, store.ErrNotFound):
			s.log.Warnf("web: get %q: %v", key, err)
			writeJSONWithStatus(w, http.StatusServiceUnavailable, CommandResponse{Error: errorMessage(err)})
			return
		}
		if !info.Exists && !info.HasTimer {
			http.Error(w, "Key not found", http.StatusNotFound)
			return
		}
		writeJSON(w, info)

	case http.MethodDelete:
		existed, err := s.engine.Unexpire(key)
		if err != nil {
			writeJSON(w, map[string]interface{}{"success": false, "error": errorMessage(err)})
			return
		}
		writeJSON(w, map[string]interface{}{"success": true, "cancelled": existed})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleEventStream pushes expiration events as server-sent events until
// the client goes away. ?op=EXPIRED,RSETEX limits the stream to those ops.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var ops []cdc.Op
	if raw := r.URL.Query().Get("op"); raw != "" {
		for _, op := range strings.Split(raw, ",") {
			ops = append(ops, cdc.Op(strings.ToUpper(strings.TrimSpace(op))))
		}
	}
	id, ch := s.engine.Subscribe(streamBuffer, ops...)
	defer s.engine.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Op, ev.JSON()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleEvents pages through the expiration event log.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	since, err := queryUint(q.Get("since"), 0)
	if err != nil {
		http.Error(w, "since must be an unsigned integer", http.StatusBadRequest)
		return
	}
	limit := queryInt(q.Get("limit"), 100)

	events := s.engine.Events(since, limit)
	writeJSON(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handleRearmed lists the keys whose timers are replaced most often.
func (s *Server) handleRearmed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]interface{}{
		"keys": s.engine.Rearmed(queryInt(r.URL.Query().Get("n"), 10)),
	})
}

func (s *Server) handleSeriesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]interface{}{"series": s.engine.SeriesNames()})
}

// handleSeries returns one history gauge over [from, to] (unix ms).
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, apiVersionPath+"/series/")
	if name == "" {
		s.handleSeriesList(w, r)
		return
	}

	q := r.URL.Query()
	from, err := queryInt64(q.Get("from"), 0)
	if err != nil {
		http.Error(w, "from must be an integer", http.StatusBadRequest)
		return
	}
	to, err := queryInt64(q.Get("to"), math.MaxInt64)
	if err != nil {
		http.Error(w, "to must be an integer", http.StatusBadRequest)
		return
	}

	points, err := s.engine.Series(name, from, to)
	if err != nil {
		writeJSONWithStatus(w, http.StatusNotFound, CommandResponse{Error: err.Error()})
		return
	}
	writeJSON(w, map[string]interface{}{"name": name, "points": points})
}

// handleBenchmark runs the in-process benchmark.
func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := queryInt(r.URL.Query().Get("n"), 10000)
	if n > maxBenchmarkOp {
		n = maxBenchmarkOp
	}
	s.log.Infof("web: running benchmark with %d operations", n)
	writeJSON(w, s.engine.RunBenchmark(n))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statusCode := http.StatusOK
	status := "ready"
	sweeper := ""
	ready := s.engine != nil && !s.engine.Closed()
	if s.engine != nil {
		sweeper = s.engine.SweeperState().String()
	}
	if !ready {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}
	writeJSONWithStatus(w, statusCode, map[string]interface{}{
		"status":  status,
		"ready":   ready,
		"sweeper": sweeper,
	})
}

// errorMessage strips package prefixes from engine errors.
func errorMessage(err error) string {
	msg := err.Error()
	for _, p := range []string{"engine: ", "invalid argument: ", "store: "} {
		msg = strings.TrimPrefix(msg, p)
	}
	return msg
}

func kindName(k store.ReplyKind) string {
	switch k {
	case store.ReplyStatus:
		return "status"
	case store.ReplyInteger:
		return "integer"
	case store.ReplyBulk:
		return "string"
	case store.ReplyArray:
		return "array"
	}
	return "nil"
}

func queryInt(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return def
}

func queryInt64(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func queryUint(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

// parseCommand splits a command line into parts, handling quoted strings.
func parseCommand(input string) []string {
	var parts []string
	var current strings.Builder
	inQuote := false
	quoted := false
	quoteChar := byte(0)

	for i := 0; i < len(input); i++ {
		c := input[i]
		switch {
		case inQuote && c == quoteChar:
			inQuote = false
		case inQuote:
			current.WriteByte(c)
		case c == '"' || c == '\'':
			inQuote = true
			quoted = true
			quoteChar = c
		case c == ' ' || c == '\t':
			if current.Len() > 0 || quoted {
				parts = append(parts, current.String())
				current.Reset()
				quoted = false
			}
		default:
			current.WriteByte(c)
		}
	}
	if current.Len() > 0 || quoted {
		parts = append(parts, current.String())
	}
	return parts
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONWithStatus(w, http.StatusOK, data)
}

func writeJSONWithStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// formatDuration formats a duration as human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, mins, secs)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
