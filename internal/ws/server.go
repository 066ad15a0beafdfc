// Package ws handles WebSocket connection management: upgrading HTTP
// connections, resolving the connect-time identity credential, maintaining
// active connections, and feeding inbound frames to their protocol sessions.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/craftlink/chat-service/internal/identity"
	"github.com/craftlink/chat-service/internal/logger"
	"github.com/craftlink/chat-service/internal/metrics"
	"github.com/craftlink/chat-service/internal/presence"
	"github.com/craftlink/chat-service/internal/ratelimit"
	"github.com/craftlink/chat-service/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	FrameTimeout   time.Duration // budget for handling one command frame
	MaxFrameBytes  int64         // largest client frame accepted before the connection is dropped
}

// frameTooLarge reports whether a client-declared frame length exceeds the
// configured cap. The header length is attacker-controlled and must be
// checked before any buffer is sized from it.
func (c ServerConfig) frameTooLarge(length int64) bool {
	return c.MaxFrameBytes > 0 && length > c.MaxFrameBytes
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
// FrameTimeout is generous because a send command may decode, resize, and
// upload several attachments before it completes.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		FrameTimeout:   30 * time.Second,
		// Data-URI media rides inside command frames, so the cap must
		// clear MaxFileSize after base64 inflation.
		MaxFrameBytes: 32 << 20,
	}
}

// Server is the WebSocket front end built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, resolves the caller's identity from the
// connect-time credential, registers sockets with an epoll instance for I/O
// readiness, and dispatches ready connections to a bounded worker pool that
// reads frames and hands them to the connection's session.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	service    *session.Service
	resolver   identity.Resolver
	presence   *presence.Store    // optional
	limiter    *ratelimit.Limiter // optional, throttles upgrades per client IP
	workerPool chan struct{}      // semaphore limiting concurrent read workers
	httpServer *http.Server
	bufPool    sync.Pool
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server. resolver translates the connect-time credential
// into an account; pres and limiter may be nil.
func NewServer(config ServerConfig, service *session.Service, resolver identity.Resolver, pres *presence.Store, limiter *ratelimit.Limiter) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		service:    service,
		resolver:   resolver,
		presence:   pres,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}
}

// Start initializes the epoll instance, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat/", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	logger.Component("ws").Info().
		Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. The identity credential is resolved before
// the upgrade; an absent or invalid credential still admits the socket as
// anonymous, and every command it sends is rejected with an auth error.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	log := logger.Component("ws")

	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleConnect)
		if !allowed {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	var account *identity.Account
	if s.resolver != nil {
		var err error
		account, err = s.resolver.Resolve(r.Context(), credential(r))
		if err != nil {
			log.Warn().Err(err).Msg("identity resolution failed")
			account = nil
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	fd := socketFD(conn)
	connID := uuid.New().String()

	c := &Connection{
		ID:        connID,
		Conn:      conn,
		Fd:        fd,
		Account:   account,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}
	c.Session = session.New(s.service, connID, account, c.WriteMessage)

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Error().Err(err).Str("conn", connID).Msg("epoll add failed")
		s.conns.Remove(connID)
		return
	}

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		var accountID int64
		if account != nil {
			accountID = account.ID
		}
		if err := s.presence.Create(ctx, connID, accountID); err != nil {
			log.Warn().Err(err).Str("conn", connID).Msg("presence create failed")
		}
	}

	metrics.ConnectionsTotal.Inc()
	log.Info().
		Str("conn", connID).
		Int("fd", fd).
		Bool("authenticated", account != nil).
		Int("total", s.conns.Count()).
		Msg("new connection")
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime. Load balancers poll it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. Each batch of ready connections is
// dispatched to worker goroutines bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	log := logger.Component("ws")

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Error().Err(err).Msg("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. Read failures remove the
// connection from epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll. This also
	// serializes frame processing per connection, which the session state
	// machine relies on.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: nothing else to do.
		return
	}

	if s.config.frameTooLarge(header.Length) {
		logger.Component("ws").Warn().
			Str("conn_id", c.ID).
			Int64("frame_len", header.Length).
			Msg("frame exceeds max size, dropping connection")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	s.dispatch(c, data)
}

// RemoveConnection removes a connection from epoll and the connection
// manager, releases its session's subscription, and deletes its presence
// entry. Exported so the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Only proceed if the connection was actually in the manager; read
	// errors and heartbeat timeouts can race to remove the same connection.
	if !s.conns.Remove(c.ID) {
		return
	}

	c.Session.Close()

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.presence.Delete(ctx, c.ID); err != nil {
			logger.Component("ws").Warn().Err(err).Str("conn", c.ID).Msg("presence delete failed")
		}
	}

	metrics.ConnectionsTotal.Dec()
	logger.Component("ws").Info().Str("conn", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear the write deadline so it does not affect heartbeat pings.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat monitor).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener, signals
// the event loop to exit, closes all active connections, and cleans up the
// epoll instance.
func (s *Server) Shutdown() error {
	log := logger.Component("ws")
	log.Info().Msg("shutting down server")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}

	for _, c := range s.conns.All() {
		c.Session.Close()
		if s.presence != nil {
			delCtx, delCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.presence.Delete(delCtx, c.ID)
			delCancel()
		}
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Info().Msg("server stopped, all connections closed")
	return nil
}

// credential extracts the identity credential from an upgrade request: the
// "token" query parameter if present, otherwise a bearer Authorization header.
func credential(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// clientIP returns the caller's address for rate limiting, preferring the
// first X-Forwarded-For hop when the server sits behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(ip)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is an interrupted syscall (EINTR), which is
// expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
