package transport

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/whisper/chat-session/internal/metrics"
)

// Config holds connection tuning parameters.
type Config struct {
	Backoff     Backoff
	MaxAttempts int           // consecutive reconnect attempts before Failed; 0 = unlimited
	DialTimeout time.Duration // per reconnect attempt
	Heartbeat   HeartbeatConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:     DefaultBackoff(),
		MaxAttempts: 0,
		DialTimeout: 10 * time.Second,
		Heartbeat:   DefaultHeartbeatConfig(),
	}
}

type frameEntry struct {
	id int
	fn func([]byte)
}

type stateEntry struct {
	id int
	fn func(State)
}

// dialAttempt lets concurrent Open callers share the outcome of one dial.
type dialAttempt struct {
	done chan struct{}
	err  error
}

// Connection is a reconnecting client connection. At most one physical
// connection exists at a time.
type Connection struct {
	cfg    Config
	dialer Dialer

	mu        sync.Mutex
	state     State
	endpoint  string
	conn      Conn
	lifecycle uint64        // bumped by every Open that starts from Closed or Failed
	stop      chan struct{} // closed by Close; nil when no lifecycle is running
	dialing   *dialAttempt

	handlersMu    sync.Mutex
	nextID        int
	frameHandlers []frameEntry
	stateHandlers []stateEntry
}

// NewConnection creates a Connection in the Closed state.
func NewConnection(cfg Config, dialer Dialer) *Connection {
	if dialer == nil {
		dialer = WSDialer{Timeout: cfg.DialTimeout, PingTimeout: cfg.Heartbeat.Timeout}
	}
	return &Connection{cfg: cfg, dialer: dialer, state: StateClosed}
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnFrame registers a handler for every received frame. Handlers run on the
// read goroutine in registration order. The returned func removes it.
func (c *Connection) OnFrame(fn func([]byte)) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.nextID++
	id := c.nextID
	c.frameHandlers = append(c.frameHandlers, frameEntry{id: id, fn: fn})
	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		for i, e := range c.frameHandlers {
			if e.id == id {
				c.frameHandlers = append(c.frameHandlers[:i:i], c.frameHandlers[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers a handler invoked once per state transition. The
// returned func removes it.
func (c *Connection) OnStateChange(fn func(State)) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.nextID++
	id := c.nextID
	c.stateHandlers = append(c.stateHandlers, stateEntry{id: id, fn: fn})
	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		for i, e := range c.stateHandlers {
			if e.id == id {
				c.stateHandlers = append(c.stateHandlers[:i:i], c.stateHandlers[i+1:]...)
				return
			}
		}
	}
}

// Open connects to endpoint. It is idempotent: while Open or Reconnecting it
// returns nil, and while another Open is dialing it waits for that outcome.
// A handshake failure leaves the connection Failed and returns a
// *TransportError.
func (c *Connection) Open(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen, StateReconnecting:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		attempt := c.dialing
		c.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.lifecycle++
	lifecycle := c.lifecycle
	c.endpoint = endpoint
	c.stop = make(chan struct{})
	stop := c.stop
	attempt := &dialAttempt{done: make(chan struct{})}
	c.dialing = attempt
	notify := c.transitionLocked(StateConnecting)
	c.mu.Unlock()
	notify()

	conn, err := c.dialer.Dial(ctx, endpoint)

	c.mu.Lock()
	if c.dialing == attempt {
		c.dialing = nil
	}
	switch {
	case c.lifecycle != lifecycle || c.stop == nil:
		// Close ran while we were dialing.
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		attempt.err = ErrClosed
	case err != nil:
		attempt.err = &TransportError{Op: "dial", Endpoint: endpoint, Err: err}
		close(c.stop)
		c.stop = nil
		notify = c.transitionLocked(StateFailed)
		c.mu.Unlock()
		log.Printf("transport: open %s failed: %v", endpoint, err)
		notify()
	default:
		c.conn = conn
		notify = c.transitionLocked(StateOpen)
		c.mu.Unlock()
		log.Printf("transport: connected to %s", endpoint)
		notify()
		c.run(conn, lifecycle, stop)
	}
	close(attempt.done)
	return attempt.err
}

// Send writes one frame. It fails with *SendError unless the connection is
// Open. A failed write closes the physical connection so the read loop
// starts reconnecting.
func (c *Connection) Send(frame []byte) error {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		s := c.state
		c.mu.Unlock()
		return &SendError{State: s}
	}
	conn := c.conn
	c.mu.Unlock()

	if err := conn.WriteFrame(frame); err != nil {
		conn.Close()
		return &SendError{State: StateOpen, Err: err}
	}
	metrics.FramesTotal.WithLabelValues("out").Inc()
	return nil
}

// Close ends the current lifecycle. No reconnect is attempted afterwards and
// the state becomes Closed. A later Open starts a new lifecycle.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.stop == nil && c.conn == nil && c.state != StateConnecting {
		notify := c.transitionLocked(StateClosed)
		c.mu.Unlock()
		notify()
		return nil
	}
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	conn := c.conn
	c.conn = nil
	notify := c.transitionLocked(StateClosed)
	c.mu.Unlock()
	notify()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// run starts the read loop and heartbeat for one physical connection.
func (c *Connection) run(conn Conn, lifecycle uint64, stop chan struct{}) {
	dead := make(chan struct{})
	startHeartbeat(conn, c.cfg.Heartbeat, stop, dead)
	go c.readLoop(conn, lifecycle, stop, dead)
}

// readLoop delivers frames until the connection fails. An unexpected failure
// moves the connection to Reconnecting and starts the backoff loop.
func (c *Connection) readLoop(conn Conn, lifecycle uint64, stop chan struct{}, dead chan struct{}) {
	defer close(dead)

	for {
		data, err := conn.ReadFrame()
		if err != nil {
			conn.Close()

			c.mu.Lock()
			if c.lifecycle != lifecycle || c.conn != conn {
				// Caller-initiated Close; nothing to recover.
				c.mu.Unlock()
				return
			}
			c.conn = nil
			notify := c.transitionLocked(StateReconnecting)
			c.mu.Unlock()

			log.Printf("transport: connection lost: %v", err)
			notify()
			go c.reconnect(lifecycle, stop)
			return
		}

		metrics.FramesTotal.WithLabelValues("in").Inc()
		for _, fn := range c.frameHandlerSnapshot() {
			fn(data)
		}
	}
}

// reconnect redials with backoff until it succeeds, the lifecycle is closed,
// or MaxAttempts is exhausted.
func (c *Connection) reconnect(lifecycle uint64, stop chan struct{}) {
	c.mu.Lock()
	endpoint := c.endpoint
	c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			c.mu.Lock()
			if c.lifecycle != lifecycle || c.stop == nil {
				c.mu.Unlock()
				return
			}
			close(c.stop)
			c.stop = nil
			notify := c.transitionLocked(StateFailed)
			c.mu.Unlock()
			log.Printf("transport: giving up on %s after %d attempts", endpoint, attempt)
			notify()
			return
		}

		delay := c.cfg.Backoff.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout())
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, err := c.dialer.Dial(ctx, endpoint)
		cancel()
		if err != nil {
			metrics.ReconnectAttempts.WithLabelValues("failed").Inc()
			log.Printf("transport: reconnect attempt %d to %s failed (next delay up to %s): %v",
				attempt+1, endpoint, c.cfg.Backoff.Ceiling(attempt+1), err)
			continue
		}

		c.mu.Lock()
		if c.lifecycle != lifecycle || c.stop == nil {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		notify := c.transitionLocked(StateOpen)
		c.mu.Unlock()

		metrics.ReconnectAttempts.WithLabelValues("ok").Inc()
		log.Printf("transport: reconnected to %s after %d attempts", endpoint, attempt+1)
		notify()
		c.run(conn, lifecycle, stop)
		return
	}
}

func (c *Connection) dialTimeout() time.Duration {
	if c.cfg.DialTimeout > 0 {
		return c.cfg.DialTimeout
	}
	return 10 * time.Second
}

// transitionLocked records the new state and returns a func that notifies
// handlers. It must be called with mu held; the returned func must be called
// after mu is released.
func (c *Connection) transitionLocked(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	metrics.ConnectionState.Set(float64(s))
	return func() {
		for _, fn := range c.stateHandlerSnapshot() {
			fn(s)
		}
	}
}

func (c *Connection) frameHandlerSnapshot() []func([]byte) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	out := make([]func([]byte), len(c.frameHandlers))
	for i, e := range c.frameHandlers {
		out[i] = e.fn
	}
	return out
}

func (c *Connection) stateHandlerSnapshot() []func(State) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	out := make([]func(State), len(c.stateHandlers))
	for i, e := range c.stateHandlers {
		out[i] = e.fn
	}
	return out
}
