package ws

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string     // connection id (UUID), announced in session-created
	UserID     string     // token subject when the upgrade carried a token
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for epoll lookups
	CreatedAt  time.Time  // when the connection was established
	lastSeen   int64      // unix nanos of the last frame read, accessed atomically
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastSeen, time.Now().UnixNano())
}

// LastSeen returns the time of the last recorded activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastSeen))
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// writeWithDeadline is WriteMessage bounded by timeout. The deadline is
// cleared afterwards so it does not affect heartbeat pings.
func (c *Connection) writeWithDeadline(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their Connection objects.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // conn_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	if conn.Fd >= 0 {
		cm.byFd[conn.Fd] = conn
	}
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok && conn.Conn != nil {
		conn.Close()
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

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn. On Linux the
// lookup goes through the file descriptor; elsewhere it scans by identity.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	if fd := socketFD(c); fd >= 0 {
		return cm.GetByFd(fd)
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, conn := range cm.byID {
		if conn.Conn == c {
			return conn
		}
	}
	return nil
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections ordered by ID. The
// returned slice is safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}
