// Package presence tracks which users are online and on which connection.
package presence

import (
	"sort"
	"sync"
)

// Registry maps user ids to their active connection id. A user has at most one
// binding; a later SetOnline for the same user replaces the earlier one.
// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]string // user_id -> conn_id
	byConn map[string]string // conn_id -> user_id
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]string),
		byConn: make(map[string]string),
	}
}

// SetOnline binds userID to connID and returns the resulting online set. A
// previous connection of the same user loses its binding, as does a previous
// user of the same connection.
func (r *Registry) SetOnline(userID, connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldConn, ok := r.byUser[userID]; ok {
		delete(r.byConn, oldConn)
	}
	if oldUser, ok := r.byConn[connID]; ok && oldUser != userID {
		delete(r.byUser, oldUser)
	}
	r.byUser[userID] = connID
	r.byConn[connID] = userID

	return r.snapshotLocked()
}

// RemoveByConn drops the user bound to connID, if any. It returns the user id,
// whether a binding was removed, and the resulting online set. A connection
// that was superseded by a reconnect is no longer bound, so removing it leaves
// the user online.
func (r *Registry) RemoveByConn(connID string) (string, bool, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if ok {
		delete(r.byConn, connID)
		delete(r.byUser, userID)
	}
	return userID, ok, r.snapshotLocked()
}

// UserFor returns the user bound to connID.
func (r *Registry) UserFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// ConnFor returns the connection currently bound to userID.
func (r *Registry) ConnFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[userID]
	return connID, ok
}

// CurrentSet returns the sorted ids of all online users.
func (r *Registry) CurrentSet() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}

func (r *Registry) snapshotLocked() []string {
	users := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}
