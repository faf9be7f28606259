package ws

import (
	"context"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings all
// connections and closes those that have gone stale. It returns immediately;
// the goroutine exits when the server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

// checkConnections removes connections without a successful read within
// Interval + Timeout. The rest receive a protocol-level ping frame, which
// browsers answer automatically, and get their Redis session TTL refreshed.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			server.logger.Debug().
				Str("conn_id", c.ID).
				Dur("idle", idle.Round(time.Second)).
				Msg("heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("heartbeat ping failed")
			server.RemoveConnection(c)
			continue
		}

		if store := server.SessionStore(); store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := store.RefreshTTL(ctx, c.ID); err != nil {
				server.logger.Warn().Err(err).Str("conn_id", c.ID).Msg("refresh session ttl")
			}
			cancel()
		}
	}
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection, serialized with other outbound frames by the write mutex.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
