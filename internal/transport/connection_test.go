package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Open
// ---------------------------------------------------------------------------

func TestOpen_TwiceYieldsOneConnection(t *testing.T) {
	d := &fakeDialer{}
	c := NewConnection(testConfig(), d)
	rec := &stateRecorder{}
	c.OnStateChange(rec.record)
	defer c.Close()

	ctx := context.Background()
	if err := c.Open(ctx, "ws://test/ws"); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := c.Open(ctx, "ws://test/ws"); err != nil {
		t.Fatalf("second Open: %v", err)
	}

	if d.dialCount() != 1 {
		t.Errorf("expected 1 dial, got %d", d.dialCount())
	}
	got := rec.snapshot()
	want := []State{StateConnecting, StateOpen}
	if !equalStates(got, want) {
		t.Errorf("expected transitions %v, got %v", want, got)
	}
}

func TestOpen_ConcurrentCallersShareOneDial(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	c := NewConnection(testConfig(), d)
	defer c.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Open(context.Background(), "ws://test/ws")
		}()
	}

	waitFor(t, "first dial", func() bool { return d.dialCount() >= 1 })
	time.Sleep(10 * time.Millisecond)
	close(d.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Open returned %v", err)
		}
	}
	if d.dialCount() != 1 {
		t.Errorf("expected exactly 1 dial, got %d", d.dialCount())
	}
	if c.State() != StateOpen {
		t.Errorf("expected Open, got %s", c.State())
	}
}

func TestOpen_HandshakeFailure(t *testing.T) {
	d := &fakeDialer{fail: []error{errors.New("403 forbidden")}}
	c := NewConnection(testConfig(), d)
	rec := &stateRecorder{}
	c.OnStateChange(rec.record)

	err := c.Open(context.Background(), "ws://test/ws")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if c.State() != StateFailed {
		t.Errorf("expected Failed, got %s", c.State())
	}
	if !equalStates(rec.snapshot(), []State{StateConnecting, StateFailed}) {
		t.Errorf("unexpected transitions %v", rec.snapshot())
	}

	// A later Open recovers from Failed.
	if err := c.Open(context.Background(), "ws://test/ws"); err != nil {
		t.Fatalf("Open after failure: %v", err)
	}
	if c.State() != StateOpen {
		t.Errorf("expected Open, got %s", c.State())
	}
	c.Close()
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

func TestSend_NotOpen(t *testing.T) {
	c := NewConnection(testConfig(), &fakeDialer{})

	err := c.Send([]byte(`{}`))
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if se.State != StateClosed {
		t.Errorf("expected state Closed in error, got %s", se.State)
	}
}

func TestSend_WritesToPhysicalConnection(t *testing.T) {
	d := &fakeDialer{}
	c := NewConnection(testConfig(), d)
	defer c.Close()

	if err := c.Open(context.Background(), "ws://test/ws"); err != nil {
		t.Fatal(err)
	}
	if err := c.Send([]byte(`{"type":"direct"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	w := d.conn(0).writes()
	if len(w) != 1 || string(w[0]) != `{"type":"direct"}` {
		t.Errorf("unexpected writes %q", w)
	}
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

func TestOnFrame_DeliversInOrderAndUnsubscribes(t *testing.T) {
	d := &fakeDialer{}
	c := NewConnection(testConfig(), d)
	defer c.Close()

	var mu sync.Mutex
	var got []string
	remove := c.OnFrame(func(b []byte) {
		mu.Lock()
		got = append(got, string(b))
		mu.Unlock()
	})

	if err := c.Open(context.Background(), "ws://test/ws"); err != nil {
		t.Fatal(err)
	}
	fc := d.conn(0)
	fc.deliver("a")
	fc.deliver("b")
	waitFor(t, "two frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	remove()
	fc.deliver("c")
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Reconnect
// ---------------------------------------------------------------------------

func TestReconnect_AfterUnexpectedClosure(t *testing.T) {
	d := &fakeDialer{}
	c := NewConnection(testConfig(), d)
	rec := &stateRecorder{}
	c.OnStateChange(rec.record)
	defer c.Close()

	if err := c.Open(context.Background(), "ws://test/ws"); err != nil {
		t.Fatal(err)
	}

	d.conn(0).drop()
	waitFor(t, "second connection", func() bool { return d.connCount() == 2 && c.State() == StateOpen })

	want := []State{StateConnecting, StateOpen, StateReconnecting, StateOpen}
	if !equalStates(rec.snapshot(), want) {
		t.Errorf("expected transitions %v, got %v", want, rec.snapshot())
	}

	// Frames sent after recovery reach the new connection.
	if err := c.Send([]byte("after")); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	if w := d.conn(1).writes(); len(w) != 1 || string(w[0]) != "after" {
		t.Errorf("expected frame on new connection, got %q", w)
	}
}

func TestReconnect_RetriesFailedDials(t *testing.T) {
	d := &fakeDialer{}
	c := NewConnection(testConfig(), d)
	defer c.Close()

	if err := c.Open(context.Background(), "ws://test/ws"); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	d.fail = []error{errors.New("refused"), errors.New("refused")}
	d.mu.Unlock()

	d.conn(0).drop()
	waitFor(t, "recovery", func() bool { return c.State() == StateOpen && d.connCount() == 2 })

	if d.dialCount() != 4 {
		t.Errorf("expected 4 dials (1 open + 2 failures + 1 success), got %d", d.dialCount())
	}
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig()
	cfg.MaxAttempts = 3
	c := NewConnection(cfg, d)

	if err := c.Open(context.Background(), "ws://test/ws"); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	d.fail = []error{errors.New("x"), errors.New("x"), errors.New("x"), errors.New("x")}
	d.mu.Unlock()

	d.conn(0).drop()
	waitFor(t, "failed state", func() bool { return c.State() == StateFailed })

	if d.dialCount() != 4 {
		t.Errorf("expected 1 open + 3 attempts, got %d dials", d.dialCount())
	}
}

func TestHeartbeat_FailedPingTriggersReconnect(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig()
	cfg.Heartbeat = HeartbeatConfig{Interval: 5 * time.Millisecond, Timeout: time.Millisecond}
	c := NewConnection(cfg, d)
	defer c.Close()

	if err := c.Open(context.Background(), "ws://test/ws"); err != nil {
		t.Fatal(err)
	}
	first := d.conn(0)
	first.mu.Lock()
	first.pingErr = errors.New("broken pipe")
	first.mu.Unlock()

	waitFor(t, "reconnect after ping failure", func() bool { return d.connCount() == 2 && c.State() == StateOpen })
	if !first.isClosed() {
		t.Error("expected failed connection to be closed")
	}
}

func TestHeartbeat_SilentPeerTriggersReconnect(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig()
	cfg.Heartbeat = HeartbeatConfig{Interval: 5 * time.Millisecond, Timeout: 5 * time.Millisecond}
	c := NewConnection(cfg, d)
	defer c.Close()

	rec := &stateRecorder{}
	c.OnStateChange(rec.record)

	if err := c.Open(context.Background(), "ws://test/ws"); err != nil {
		t.Fatal(err)
	}
	first := d.conn(0)
	first.silence()

	waitFor(t, "reconnect after silent peer", func() bool { return d.connCount() == 2 && c.State() == StateOpen })
	if !first.isClosed() {
		t.Error("expected stale connection to be closed")
	}
	first.mu.Lock()
	pings := first.pings
	first.mu.Unlock()
	if pings == 0 {
		t.Error("expected pings to keep succeeding before the stale check fired")
	}

	sawReconnecting := false
	for _, s := range rec.snapshot() {
		if s == StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Errorf("expected a Reconnecting transition, got %v", rec.snapshot())
	}
}

func TestHeartbeat_AnsweredPingsKeepIdleLinkOpen(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig()
	cfg.Heartbeat = HeartbeatConfig{Interval: 5 * time.Millisecond, Timeout: 50 * time.Millisecond}
	c := NewConnection(cfg, d)
	defer c.Close()

	if err := c.Open(context.Background(), "ws://test/ws"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)

	if c.State() != StateOpen || d.connCount() != 1 {
		t.Errorf("expected the idle link to stay on its first connection, state=%s conns=%d", c.State(), d.connCount())
	}
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestClose_IsTerminal(t *testing.T) {
	d := &fakeDialer{}
	c := NewConnection(testConfig(), d)
	rec := &stateRecorder{}
	c.OnStateChange(rec.record)

	if err := c.Open(context.Background(), "ws://test/ws"); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Errorf("expected no reconnect after Close, got %d dials", d.dialCount())
	}
	if !d.conn(0).isClosed() {
		t.Error("expected physical connection to be closed")
	}
	want := []State{StateConnecting, StateOpen, StateClosed}
	if !equalStates(rec.snapshot(), want) {
		t.Errorf("expected transitions %v, got %v", want, rec.snapshot())
	}

	var se *SendError
	if err := c.Send([]byte("x")); !errors.As(err, &se) {
		t.Errorf("expected SendError after Close, got %v", err)
	}
}

func TestClose_StopsReconnectLoop(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig()
	cfg.Backoff = Backoff{Base: 50 * time.Millisecond, Max: 50 * time.Millisecond, Rand: func() float64 { return 0.99 }}
	c := NewConnection(cfg, d)

	if err := c.Open(context.Background(), "ws://test/ws"); err != nil {
		t.Fatal(err)
	}
	d.conn(0).drop()
	waitFor(t, "reconnecting", func() bool { return c.State() == StateReconnecting })

	c.Close()
	time.Sleep(100 * time.Millisecond)

	if c.State() != StateClosed {
		t.Errorf("expected Closed, got %s", c.State())
	}
	if d.dialCount() != 1 {
		t.Errorf("expected no redial after Close, got %d dials", d.dialCount())
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
