// Package session records WebSocket connections in Redis: which server holds
// the connection and which user it is bound to. Records expire unless the
// heartbeat refreshes them.
package session
