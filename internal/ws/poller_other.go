//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Poller is the portable fallback for platforms without epoll. A watcher
// goroutine per connection reports it as readable and then waits for
// Resume. The worker that picks it up blocks in the frame read until data
// arrives or the read deadline passes, so nothing is read ahead of the
// frame decoder.
type Poller struct {
	mu        sync.Mutex
	conns     map[net.Conn]chan struct{} // resume signal per connection
	ready     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewPoller creates a fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns: make(map[net.Conn]chan struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add registers conn and starts its watcher.
func (p *Poller) Add(conn net.Conn) error {
	resume := make(chan struct{}, 1)

	p.mu.Lock()
	if p.conns == nil {
		p.mu.Unlock()
		return ErrPollerClosed
	}
	p.conns[conn] = resume
	p.mu.Unlock()

	go p.watch(conn, resume)
	return nil
}

func (p *Poller) watch(conn net.Conn, resume <-chan struct{}) {
	for {
		select {
		case p.ready <- conn:
		case <-p.done:
			return
		}
		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

// Resume lets conn be reported again.
func (p *Poller) Resume(conn net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.conns[conn]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Remove unregisters conn and stops its watcher.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.conns[conn]; ok {
		delete(p.conns, conn)
		close(ch)
	}
	return nil
}

// Wait blocks for at most timeout and returns every connection reported so
// far.
func (p *Poller) Wait(timeout time.Duration) ([]net.Conn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first net.Conn
	select {
	case first = <-p.ready:
	case <-p.done:
		return nil, ErrPollerClosed
	case <-timer.C:
		return nil, nil
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Len returns the number of registered connections.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close stops every watcher.
func (p *Poller) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		p.conns = nil
		p.mu.Unlock()
	})
	return nil
}

// socketFD is unused by the fallback.
func socketFD(net.Conn) int {
	return -1
}
