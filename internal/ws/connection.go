package ws

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/syncdrax/relay/internal/metrics"
)

// Handler is the protocol state machine bound to one connection. The server
// calls HandleMessage for every complete text frame, sequentially per
// connection, and HandleClose exactly once after the connection has been
// removed.
type Handler interface {
	HandleMessage(data []byte)
	HandleClose()
}

// Connection represents a single WebSocket client connection with its
// associated metadata, a bounded outbound queue drained by a dedicated
// writer goroutine, and a write mutex for serializing outbound frames.
type Connection struct {
	ID        string    // connection ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established

	rd           io.Reader // frame source; the fallback poller swaps in a buffered reader
	handler      Handler
	outbound     chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeMu      sync.Mutex // serializes writes to this connection
	writeTimeout time.Duration
	lastSeen     atomic.Int64 // unix nanos of the last frame read from the client
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
	remove       func(*Connection)
	logger       *slog.Logger
}

func newConnection(id string, conn net.Conn, queueSize int, writeTimeout time.Duration, remove func(*Connection), logger *slog.Logger) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		rd:           conn,
		outbound:     make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		remove:       remove,
		logger:       logger,
	}
	c.touch()
	return c
}

// Send queues a text frame for delivery and reports whether it was accepted.
// It never blocks: when the queue is full or the connection is closed the
// frame is dropped, so a slow peer cannot stall the caller.
func (c *Connection) Send(data []byte) bool {
	select {
	case <-c.done:
		metrics.FramesDropped.Inc()
		return false
	default:
	}

	select {
	case c.outbound <- data:
		return true
	default:
		metrics.FramesDropped.Inc()
		c.logger.Warn("ws: send queue full, dropping frame", "session", c.ID, "queued", len(c.outbound))
		return false
	}
}

// WriteMessage sends a WebSocket text frame to this connection synchronously.
// The write mutex ensures that concurrent goroutines do not interleave frame
// bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Connection) WritePing() error {
	return c.writeControl(ws.NewPingFrame(nil))
}

// WriteClose sends a close frame with the given status code and reason.
func (c *Connection) WriteClose(code ws.StatusCode, reason string) error {
	return c.writeControl(ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

func (c *Connection) writeControl(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	err := ws.WriteFrame(c.Conn, f)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Close tears the connection down through its server's removal path, so the
// handler's close hook runs as it would for a client disconnect. It is
// idempotent and safe to call from any goroutine. Queued frames that have not
// been written yet are discarded.
func (c *Connection) Close() error {
	if c.remove != nil {
		c.remove(c)
		return nil
	}
	return c.shutdown()
}

// shutdown stops the writer and closes the underlying network connection.
func (c *Connection) shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// LastSeen returns when the client last sent a frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// writeLoop drains the outbound queue until the connection is closed. A write
// failure tears the connection down.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbound:
			if err := c.WriteMessage(data); err != nil {
				metrics.DeliveryFailures.Inc()
				c.logger.Info("ws: write failed, closing", "session", c.ID, "err", err)
				_ = c.Close()
				return
			}
		}
	}
}

// ConnectionManager is a thread-safe registry of live connections keyed by
// connection ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	n := len(cm.byID)
	cm.mu.Unlock()
	metrics.ConnectionsTotal.Set(float64(n))
}

// Remove removes a connection by ID and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	n := len(cm.byID)
	cm.mu.Unlock()

	if ok {
		_ = conn.shutdown()
		metrics.ConnectionsTotal.Set(float64(n))
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
