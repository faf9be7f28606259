// Package room maps conversation room keys to the local connections that
// joined them.
package room

import (
	"sort"
	"sync"

	"github.com/parley/chat-app/internal/message"
)

// Key returns the canonical room key for the conversation between a and b.
func Key(a, b string) string {
	return message.RoomKey(a, b)
}

// Router tracks room membership of connections on this server. Any
// connection may join any room; access control happens upstream.
type Router struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{} // room_key -> set of conn_id
	byConn map[string]map[string]struct{} // conn_id -> set of room_key
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		rooms:  make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join subscribes connID to roomKey. It reports whether the room had no local
// members before, which is when a bus subscription may be needed.
func (r *Router) Join(connID, roomKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomKey]
	first := !ok
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomKey] = members
	}
	members[connID] = struct{}{}

	joined, ok := r.byConn[connID]
	if !ok {
		joined = make(map[string]struct{})
		r.byConn[connID] = joined
	}
	joined[roomKey] = struct{}{}
	return first
}

// Leave unsubscribes connID from roomKey. It reports true only when connID was
// the room's last local member.
func (r *Router) Leave(connID, roomKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connID, roomKey)
}

// LeaveAll removes connID from every room it joined and returns the rooms
// that became empty.
func (r *Router) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var emptied []string
	for roomKey := range r.byConn[connID] {
		if r.leaveLocked(connID, roomKey) {
			emptied = append(emptied, roomKey)
		}
	}
	sort.Strings(emptied)
	return emptied
}

func (r *Router) leaveLocked(connID, roomKey string) bool {
	if joined, ok := r.byConn[connID]; ok {
		delete(joined, roomKey)
		if len(joined) == 0 {
			delete(r.byConn, connID)
		}
	}
	members, ok := r.rooms[roomKey]
	if !ok {
		return false
	}
	if _, member := members[connID]; !member {
		return false
	}
	delete(members, connID)
	if len(members) > 0 {
		return false
	}
	delete(r.rooms, roomKey)
	return true
}
