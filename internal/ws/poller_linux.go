//go:build linux

package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// pollEvents registers a connection one-shot: after a report the fd stays
// silent until Resume re-arms it, so only one worker reads a given frame.
const pollEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLONESHOT

// Poller wraps Linux epoll. Connections are registered by file descriptor
// and reported when input (or a hangup) is pending.
type Poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]net.Conn  // fd -> net.Conn
	events []unix.EpollEvent // reused by Wait; Wait has a single caller
	closed atomic.Bool
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll create: %w", err)
	}
	return &Poller{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers conn for read readiness.
func (p *Poller) Add(conn net.Conn) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	fd := socketFD(conn)
	if fd < 0 {
		return fmt.Errorf("ws: epoll add: connection has no file descriptor")
	}

	// The map entry goes in first so an immediate event can be resolved.
	p.mu.Lock()
	p.conns[fd] = conn
	p.mu.Unlock()

	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: pollEvents, Fd: int32(fd)}); err != nil {
		p.mu.Lock()
		delete(p.conns, fd)
		p.mu.Unlock()
		return fmt.Errorf("ws: epoll add: %w", err)
	}
	return nil
}

// Resume re-arms conn after its reported input was consumed. Unknown or
// already removed connections are ignored.
func (p *Poller) Resume(conn net.Conn) error {
	fd, ok := p.lookup(conn)
	if !ok {
		return nil
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: pollEvents, Fd: int32(fd)})
	if err != nil && !gone(err) {
		return fmt.Errorf("ws: epoll rearm: %w", err)
	}
	return nil
}

// Remove unregisters conn. It is safe to call more than once and after the
// connection was closed.
func (p *Poller) Remove(conn net.Conn) error {
	fd, ok := p.lookup(conn)
	if !ok {
		return nil
	}
	p.mu.Lock()
	delete(p.conns, fd)
	p.mu.Unlock()

	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !gone(err) {
		return fmt.Errorf("ws: epoll remove: %w", err)
	}
	return nil
}

// Wait blocks for at most timeout and returns the connections with pending
// input. An interrupted wait returns no connections and no error.
func (p *Poller) Wait(timeout time.Duration) ([]net.Conn, error) {
	if p.closed.Load() {
		return nil, ErrPollerClosed
	}

	n, err := unix.EpollWait(p.fd, p.events, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		if p.closed.Load() {
			return nil, ErrPollerClosed
		}
		return nil, fmt.Errorf("ws: epoll wait: %w", err)
	}

	p.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		// Connections removed since the kernel reported them are skipped.
		if conn, ok := p.conns[int(p.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	p.mu.RUnlock()
	return conns, nil
}

// Len returns the number of registered connections.
func (p *Poller) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Close releases the epoll descriptor. Pending Wait calls return
// ErrPollerClosed.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	p.conns = make(map[int]net.Conn)
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// lookup resolves conn's registered fd. A closed connection no longer
// exposes its descriptor, so identity is used as the fallback.
func (p *Poller) lookup(conn net.Conn) (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if fd := socketFD(conn); fd >= 0 {
		if cur, ok := p.conns[fd]; ok && cur == conn {
			return fd, true
		}
	}
	for fd, cur := range p.conns {
		if cur == conn {
			return fd, true
		}
	}
	return -1, false
}

func gone(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF)
}

// socketFD returns the descriptor behind conn without duplicating it, or -1
// when conn is not a socket or is already closed.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1
	}
	return fd
}
