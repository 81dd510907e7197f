//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each connection gets a monitor goroutine that peeks at its buffered reader
// without consuming bytes, reports readiness, and then waits until the frame
// has been handled before peeking again.
type Epoll struct {
	mu      sync.Mutex
	watches map[*Connection]*watch
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	br     *bufio.Reader
	resume chan struct{}
	stop   chan struct{}
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		watches: make(map[*Connection]*watch),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add swaps the connection's frame source for a buffered reader and starts
// its monitor goroutine.
func (e *Epoll) Add(c *Connection) error {
	w := &watch{
		br:     bufio.NewReader(c.Conn),
		resume: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	c.rd = w.br

	e.mu.Lock()
	e.watches[c] = w
	e.mu.Unlock()

	go e.monitor(c, w)
	return nil
}

func (e *Epoll) monitor(c *Connection, w *watch) {
	for {
		_, err := w.br.Peek(1)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// A read deadline left over from a handled frame; clear and retry.
			_ = c.Conn.SetReadDeadline(time.Time{})
			continue
		}

		// Data or a hard error: either way the read path must look at it.
		select {
		case e.readyCh <- c:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor look for the next frame once the current one has
// been consumed.
func (e *Epoll) Resume(c *Connection) {
	e.mu.Lock()
	w := e.watches[c]
	e.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Remove stops watching a connection.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	w, ok := e.watches[c]
	delete(e.watches, c)
	e.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading and returns
// every connection that is ready at that moment.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-e.readyCh:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance and all monitors.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.watches = make(map[*Connection]*watch)
	e.mu.Unlock()
	return nil
}

// socketFD returns -1 on non-Linux platforms; the fallback keys watches by
// connection instead of descriptor.
func socketFD(net.Conn) int {
	return -1
}

func isEINTR(error) bool {
	return false
}
