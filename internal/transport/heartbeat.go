package transport

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // ping write deadline and pong grace period (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// staleAfter is how long a connection may go without reading anything
// before it is considered dead.
func (hc HeartbeatConfig) staleAfter() time.Duration {
	return hc.Interval + hc.Timeout
}

// startHeartbeat pings conn every Interval until stop or dead is closed. A
// failed ping, or nothing read for Interval+Timeout, closes conn. That ends
// the read loop and triggers the normal reconnect path.
func startHeartbeat(conn Conn, config HeartbeatConfig, stop, dead <-chan struct{}) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-dead:
				return
			case <-ticker.C:
				if idle := time.Since(conn.LastRead()); idle > config.staleAfter() {
					log.Printf("transport: no activity for %s, closing stale connection", idle.Round(time.Millisecond))
					conn.Close()
					return
				}
				if err := conn.Ping(); err != nil {
					log.Printf("transport: heartbeat ping failed: %v", err)
					conn.Close()
					return
				}
			}
		}
	}()
}
