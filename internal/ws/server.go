// Package ws handles WebSocket connection management: upgrading HTTP
// requests, tracking live connections, reading frames through an epoll event
// loop and dispatching them to event handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameBytes  int64         // data frames above this size close the connection
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameBytes:  64 << 10,
	}
}

// Authenticator resolves the user behind an upgrade request. It returns ""
// with a nil error when the request carries no credentials.
type Authenticator func(r *http.Request) (userID string, err error)

// ErrTooManyConnections is returned by the upgrade path when the connection
// cap is reached.
var ErrTooManyConnections = errors.New("ws: too many connections")

// ErrPollerClosed is returned by a poller after Close.
var ErrPollerClosed = errors.New("ws: poller closed")

// pollInterval bounds each poll wait so the event loop notices Shutdown.
const pollInterval = 500 * time.Millisecond

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with an epoll instance for I/O
// readiness notifications, and dispatches ready connections to a bounded
// worker pool for frame reading.
type Server struct {
	config       ServerConfig
	logger       zerolog.Logger
	poller       *Poller
	conns        *ConnectionManager
	sessionStore *session.Store                      // nil when Redis is not configured
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	authenticate Authenticator
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration, session store, and
// message callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, sessionStore *session.Store, onMessage func(conn *Connection, data []byte), logger zerolog.Logger) *Server {
	return &Server{
		config:       config,
		logger:       logger.With().Str("component", "ws").Logger(),
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		done:         make(chan struct{}),
	}
}

// Start creates the poller and starts the event loop and the
// heartbeat monitor in the background. The HTTP listener is owned by the
// caller, which mounts HandleUpgrade.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	s.logger.Info().
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("event loop started")
	return nil
}

// SetAuthenticator installs the upgrade-time authenticator.
func (s *Server) SetAuthenticator(fn Authenticator) {
	s.authenticate = fn
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. On success it registers the connection with
// the connection manager and the poller and announces the session id.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, ErrTooManyConnections.Error(), http.StatusServiceUnavailable)
		return
	}

	var userID string
	if s.authenticate != nil {
		id, err := s.authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid token"})
			return
		}
		userID = id
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	fd := socketFD(conn)
	sessionID := uuid.New().String()

	c := &Connection{
		ID:        sessionID,
		UserID:    userID,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
	}
	c.Touch()

	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		s.logger.Error().Err(err).Str("conn_id", sessionID).Msg("poller add failed")
		s.conns.Remove(sessionID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Create(ctx, sessionID, r.RemoteAddr); err != nil {
			s.logger.Warn().Err(err).Str("conn_id", sessionID).Msg("create redis session")
		}
	}

	created := protocol.MustServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: sessionID,
	})
	if err := c.WriteMessage(created); err != nil {
		s.logger.Warn().Err(err).Str("conn_id", sessionID).Msg("send session-created")
	}

	s.logger.Debug().
		Str("conn_id", sessionID).
		Str("user_id", userID).
		Int("fd", fd).
		Int("total", s.conns.Count()).
		Msg("new connection")
}

// HandleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
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

// startEventLoop runs the poll loop. Each ready connection is handed to a
// worker goroutine, bounded by the worker pool semaphore, that reads and
// processes one WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait(pollInterval)
		if err != nil {
			if errors.Is(err, ErrPollerClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("poll wait")
			continue
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on a
// data frame that may never arrive. Frames of one connection are processed
// one at a time, which keeps per-connection event order.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	// Re-arm only while the connection is still registered.
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		if s.conns.Get(c.ID) == c {
			_ = s.poller.Resume(netConn)
		}
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means the dispatch was stale; the heartbeat
		// handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		s.logger.Warn().Str("conn_id", c.ID).Int64("length", header.Length).Msg("frame too large")
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

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close). It runs before the
// Redis session is deleted.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from both the poller and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}

	// Read errors and heartbeat timeouts can race to remove the same
	// connection; only the first one cleans up.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			s.logger.Warn().Err(err).Str("conn_id", c.ID).Msg("delete redis session")
		}
	}

	s.logger.Debug().Str("conn_id", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.writeWithDeadline(data, s.config.WriteTimeout)
}

// ConnectionIDs returns the ids of all local connections.
func (s *Server) ConnectionIDs() []string {
	all := s.conns.All()
	ids := make([]string, 0, len(all))
	for _, c := range all {
		ids = append(ids, c.ID)
	}
	return ids
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// SessionStore returns the Redis session store, or nil.
func (s *Server) SessionStore() *session.Store {
	return s.sessionStore
}

// Shutdown stops the event loop, closes all active connections and releases
// the poller. The caller shuts the HTTP listener down first.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		close(s.done)

		for _, c := range s.conns.All() {
			if s.sessionStore != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = s.sessionStore.Delete(ctx, c.ID)
				cancel()
			}
			if s.poller != nil {
				_ = s.poller.Remove(c.Conn)
			}
			if s.conns.Remove(c.ID) {
				metrics.ConnectionsTotal.Dec()
			}
		}

		if s.poller != nil {
			_ = s.poller.Close()
		}
	})

	s.logger.Info().Msg("server stopped, all connections closed")
	return nil
}
