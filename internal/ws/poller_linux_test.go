//go:build linux

package ws

import (
	"errors"
	"net"
	"testing"
	"time"
)

func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback unavailable: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestPoller_OneShotUntilResume(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	server, client := tcpPair(t)
	if err := p.Add(server); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("Len = %d, want 1", p.Len())
	}

	if conns, err := p.Wait(50 * time.Millisecond); err != nil || len(conns) != 0 {
		t.Fatalf("idle Wait = %v, %v", conns, err)
	}

	if _, err := client.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	conns, err := p.Wait(time.Second)
	if err != nil || len(conns) != 1 || conns[0] != server {
		t.Fatalf("Wait = %v, %v", conns, err)
	}

	// Unread input is not reported again before Resume.
	if conns, _ := p.Wait(50 * time.Millisecond); len(conns) != 0 {
		t.Fatalf("reported twice without Resume: %v", conns)
	}
	if err := p.Resume(server); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if conns, _ := p.Wait(time.Second); len(conns) != 1 {
		t.Fatalf("not reported after Resume: %v", conns)
	}

	if err := p.Remove(server); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := p.Remove(server); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if err := p.Resume(server); err != nil {
		t.Fatalf("Resume after Remove: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("Len = %d, want 0", p.Len())
	}
}

func TestPoller_Closed(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.Wait(time.Millisecond); !errors.Is(err, ErrPollerClosed) {
		t.Fatalf("Wait err = %v, want ErrPollerClosed", err)
	}
	server, _ := tcpPair(t)
	if err := p.Add(server); !errors.Is(err, ErrPollerClosed) {
		t.Fatalf("Add err = %v, want ErrPollerClosed", err)
	}
}

func TestSocketFD_ClosedConn(t *testing.T) {
	server, _ := tcpPair(t)
	if fd := socketFD(server); fd < 0 {
		t.Fatalf("socketFD = %d on open conn", fd)
	}
	server.Close()
	if fd := socketFD(server); fd != -1 {
		t.Fatalf("socketFD = %d on closed conn, want -1", fd)
	}
}
