package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errDropped = errors.New("fake: connection dropped")

// fakeConn is an in-memory Conn. Frames pushed with deliver are returned by
// ReadFrame; drop makes ReadFrame fail as if the server went away.
type fakeConn struct {
	frames chan []byte
	dead   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  [][]byte
	pingErr  error
	pings    int
	closeHit bool
	lastRead time.Time
	// pongs makes every successful Ping count as read activity.
	pongs bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), dead: make(chan struct{}), lastRead: time.Now(), pongs: true}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.frames:
		c.mu.Lock()
		c.lastRead = time.Now()
		c.mu.Unlock()
		return f, nil
	case <-c.dead:
		return nil, errDropped
	}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	select {
	case <-c.dead:
		return errDropped
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	if c.pingErr == nil && c.pongs {
		c.lastRead = time.Now()
	}
	return c.pingErr
}

func (c *fakeConn) LastRead() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRead
}

// silence makes the peer stop answering: pings still write fine but nothing
// is ever read again.
func (c *fakeConn) silence() {
	c.mu.Lock()
	c.pongs = false
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closeHit = true
	c.mu.Unlock()
	c.drop()
	return nil
}

func (c *fakeConn) deliver(frame string) { c.frames <- []byte(frame) }

func (c *fakeConn) drop() { c.once.Do(func() { close(c.dead) }) }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.dead:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

// fakeDialer hands out fakeConns. Errors queued in fail are returned by the
// next dials before any connection succeeds. A non-nil gate blocks every dial
// until it is closed.
type fakeDialer struct {
	mu    sync.Mutex
	fail  []error
	conns []*fakeConn
	dials int
	gate  chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	gate := d.gate
	d.dials++
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.fail) > 0 {
		err := d.fail[0]
		d.fail = d.fail[1:]
		return nil, err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// stateRecorder collects every transition a Connection reports.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func testConfig() Config {
	return Config{
		Backoff:     Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		DialTimeout: time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
