package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

// Shared hands out leases on one Connection. The connection is opened by the
// first Acquire and closed when the last holder calls Release, so no single
// consumer closes it while another still needs it.
type Shared struct {
	conn     *Connection
	endpoint string

	mu   sync.Mutex
	refs int
}

// NewShared wraps conn; every lease opens it against endpoint.
func NewShared(conn *Connection, endpoint string) *Shared {
	return &Shared{conn: conn, endpoint: endpoint}
}

// Acquire takes a lease and makes sure the connection is open. The lease is
// held even when opening fails; call Release to drop it.
func (s *Shared) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	return s.conn.Open(ctx, s.endpoint)
}

// Reopen opens the connection again after it reached Closed or Failed. It is
// a no-op without an outstanding lease.
func (s *Shared) Reopen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return nil
	}
	return s.conn.Open(ctx, s.endpoint)
}

// Release drops a lease and closes the connection when none remain.
func (s *Shared) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return
	}
	s.refs--
	if s.refs == 0 {
		s.conn.Close()
	}
}

// Refs returns the number of outstanding leases.
func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Send forwards to the underlying connection.
func (s *Shared) Send(frame []byte) error { return s.conn.Send(frame) }

// State forwards to the underlying connection.
func (s *Shared) State() State { return s.conn.State() }

// OnFrame forwards to the underlying connection.
func (s *Shared) OnFrame(fn func([]byte)) func() { return s.conn.OnFrame(fn) }

// OnStateChange forwards to the underlying connection.
func (s *Shared) OnStateChange(fn func(State)) func() { return s.conn.OnStateChange(fn) }

// Endpoint appends an optional group scope to a base connect URL. The
// server uses it to pre-subscribe the connection to that group's traffic.
func Endpoint(base, scope string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("transport: parse endpoint %q: %w", base, err)
	}
	if scope != "" {
		q := u.Query()
		q.Set("group", scope)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
