// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client sessions, and dispatching
// incoming frames to the protocol handler bound to each connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	SendQueueSize  int           // outbound frames buffered per connection
	MaxMessageSize int64         // largest inbound message accepted, in bytes
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  256,
		MaxMessageSize: 1 << 20,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// AcceptFunc binds a freshly upgraded connection to its protocol handler. It
// runs before the connection is registered for reads, so frames it queues
// with Send are the first the client sees. Returning a *Reject closes the
// connection with the given frame and close code; any other error closes it
// with an internal error status.
type AcceptFunc func(c *Connection, r *http.Request) (Handler, error)

// Reject is returned by an AcceptFunc to turn the connection away.
type Reject struct {
	Frame  []byte        // optional text frame written before the close frame
	Code   ws.StatusCode // close status code
	Reason string
}

func (r *Reject) Error() string {
	return fmt.Sprintf("ws: rejected (%d): %s", r.Code, r.Reason)
}

// Server is the high-performance WebSocket server built on gobwas/ws and Linux
// epoll. It upgrades HTTP connections to WebSocket, registers them with an
// epoll instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	logger     *slog.Logger
	mux        *http.ServeMux
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	openOnce   sync.Once
	stopOnce   sync.Once
	startedAt  time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration. Routes are added
// with Handle and HandleFunc before Open or Start is called.
func NewServer(config ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 1
	}
	return &Server{
		config:     config,
		logger:     logger,
		mux:        http.NewServeMux(),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Handle registers a WebSocket route. The pattern follows net/http.ServeMux
// syntax, so path wildcards are available to the AcceptFunc through
// r.PathValue.
func (s *Server) Handle(pattern string, accept AcceptFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(w, r, accept)
	})
}

// HandleFunc registers a plain HTTP route.
func (s *Server) HandleFunc(pattern string, fn http.HandlerFunc) {
	s.mux.HandleFunc(pattern, fn)
}

// Handler returns the server's router, for embedding in another http.Server
// or an httptest server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Open creates the epoll instance and starts the event loop and heartbeat
// monitor. It is called by Start; tests that serve Handler themselves call
// it directly.
func (s *Server) Open() error {
	var err error
	s.openOnce.Do(func() {
		s.epoll, err = NewEpoll()
		if err != nil {
			err = fmt.Errorf("ws: failed to create epoll: %w", err)
			return
		}
		s.startedAt = time.Now()
		go s.startEventLoop()
		if s.config.Heartbeat.Interval > 0 {
			StartHeartbeat(s, s.config.Heartbeat)
		}
	})
	return err
}

// Start opens the server and blocks serving HTTP on the configured address.
func (s *Server) Start() error {
	if err := s.Open(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	s.logger.Info("ws: server listening",
		"addr", s.config.ListenAddr,
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// gobwas/ws zero-copy upgrader, binds it to a handler and registers it with
// the connection manager and epoll instance.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, accept AcceptFunc) {
	if s.epoll == nil {
		http.Error(w, "server not open", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Info("ws: upgrade failed", "path", r.URL.Path, "err", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config.SendQueueSize, s.config.WriteTimeout, s.RemoveConnection, s.logger)

	handler, err := accept(c, r)
	if err != nil {
		s.reject(c, err)
		return
	}
	c.handler = handler

	s.conns.Add(c)
	go c.writeLoop()

	if err := s.epoll.Add(c); err != nil {
		s.logger.Error("ws: epoll add failed", "session", c.ID, "err", err)
		s.RemoveConnection(c)
		return
	}

	s.logger.Debug("ws: new connection", "session", c.ID, "fd", c.Fd, "path", r.URL.Path, "total", s.conns.Count())
}

// reject writes the rejection frames synchronously and closes the
// connection. The writer goroutine has not been started yet.
func (s *Server) reject(c *Connection, err error) {
	var rej *Reject
	if !errors.As(err, &rej) {
		s.logger.Error("ws: accept failed", "session", c.ID, "err", err)
		rej = &Reject{Code: ws.StatusInternalServerError, Reason: "internal error"}
	}
	if rej.Frame != nil {
		if werr := c.WriteMessage(rej.Frame); werr != nil {
			s.logger.Debug("ws: failed to write rejection frame", "session", c.ID, "err", werr)
		}
	}
	_ = c.WriteClose(rej.Code, rej.Reason)
	_ = c.shutdown()
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(extra func() map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"status":      "ok",
			"connections": s.conns.Count(),
			"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		}
		if extra != nil {
			for k, v := range extra() {
				resp[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// HandleHealth registers the health endpoint at pattern. Fields returned by
// extra are merged into the response.
func (s *Server) HandleHealth(pattern string, extra func() map[string]interface{}) {
	s.HandleFunc(pattern, s.handleHealth(extra))
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
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
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("ws: epoll wait error", "err", err)
			continue
		}

		for _, c := range conns {
			c := c

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads a single WebSocket message from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed.
func (s *Server) handleConn(c *Connection) {
	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.epoll.Resume(c)
	}()

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	defer c.Conn.SetReadDeadline(time.Time{})

	header, reader, err := wsutil.NextReader(c.rd, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Any frame proves the connection is alive.
	c.touch()

	limit := s.config.MaxMessageSize
	if limit <= 0 {
		limit = 1 << 20
	}
	data, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		s.RemoveConnection(c)
		return
	}

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			_ = c.writeControl(ws.NewPongFrame(data))
		}
		return
	}

	if int64(len(data)) > limit {
		s.logger.Info("ws: message too large, closing", "session", c.ID, "limit", limit)
		_ = c.WriteClose(ws.StatusMessageTooBig, "message too large")
		s.RemoveConnection(c)
		return
	}

	if len(data) == 0 || header.OpCode == ws.OpBinary {
		return
	}

	c.handler.HandleMessage(data)
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, closes the underlying network connection and runs the handler's
// close path exactly once. It is exported so that the heartbeat monitor can
// evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c)
	}

	// Only the caller that actually removed the connection runs cleanup, so
	// a read error racing a heartbeat timeout is handled once. Connections
	// that never made it into the manager are simply closed.
	if !s.conns.Remove(c.ID) {
		_ = c.shutdown()
		return
	}

	if c.handler != nil {
		c.handler.HandleClose()
	}

	s.logger.Debug("ws: connection closed", "session", c.ID, "total", s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections
// through the normal removal path, and cleans up the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("ws: shutting down server")

		close(s.done)

		if s.httpServer != nil {
			if herr := s.httpServer.Shutdown(ctx); herr != nil {
				s.logger.Error("ws: http shutdown error", "err", herr)
				err = herr
			}
		}

		for _, c := range s.conns.All() {
			_ = c.WriteClose(ws.StatusGoingAway, "server shutting down")
			s.RemoveConnection(c)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}

		s.logger.Info("ws: server stopped, all connections closed")
	})
	return err
}
