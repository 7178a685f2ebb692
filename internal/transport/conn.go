package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is one physical connection. ReadFrame is called from a single
// goroutine; WriteFrame, Ping and LastRead may be called concurrently with it.
// LastRead reports when any frame, control frames included, last arrived.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Ping() error
	LastRead() time.Time
	Close() error
}

// Dialer establishes physical connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WSDialer dials WebSocket endpoints with gobwas/ws.
type WSDialer struct {
	Header      http.Header   // extra handshake headers (cookies, tokens)
	Timeout     time.Duration // handshake timeout
	PingTimeout time.Duration // write deadline for heartbeat pings
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := ws.Dialer{Timeout: d.Timeout}
	if len(d.Header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(d.Header)
	}

	conn, br, _, err := dialer.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn, br, d.PingTimeout), nil
}

// wsConn adapts a client-side gobwas connection to Conn. The write mutex
// serializes application frames, pings and control replies so frame bytes
// never interleave.
type wsConn struct {
	conn        net.Conn
	rd          wsutil.Reader
	writeMu     sync.Mutex
	pingTimeout time.Duration
	closeOnce   sync.Once
	lastRead    atomic.Int64 // unix nanos
}

func newWSConn(conn net.Conn, br *bufio.Reader, pingTimeout time.Duration) *wsConn {
	var src io.Reader = conn
	if br != nil {
		// The handshake reader may already hold frame bytes.
		src = io.MultiReader(br, conn)
	}
	c := &wsConn{conn: conn, pingTimeout: pingTimeout}
	c.lastRead.Store(time.Now().UnixNano())
	c.rd = wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	return c
}

// ReadFrame returns the next text message. Control frames are answered
// inline; a close frame from the server ends the read with an error.
func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, err
		}
		c.lastRead.Store(time.Now().UnixNano())
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, &c.rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := c.rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&c.rd)
	}
}

// handleControl answers pings and close frames. The reply is buffered and
// written under the write mutex in one call.
func (c *wsConn) handleControl(hdr ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	h := wsutil.ControlHandler{
		Src:                 r,
		Dst:                 &buf,
		State:               ws.StateClientSide,
		DisableSrcCiphering: true,
	}
	herr := h.Handle(hdr)
	if buf.Len() > 0 {
		c.writeMu.Lock()
		_, werr := c.conn.Write(buf.Bytes())
		c.writeMu.Unlock()
		if herr == nil && werr != nil {
			return werr
		}
	}
	return herr
}

// WriteFrame sends a text frame.
func (c *wsConn) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Ping sends a protocol-level ping frame (opcode 0x9). The server answers
// with a pong, which ReadFrame consumes.
func (c *wsConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.pingTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.pingTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteClientMessage(c.conn, ws.OpPing, nil); err != nil {
		return fmt.Errorf("transport: ping: %w", err)
	}
	return nil
}

// LastRead implements Conn. Pongs count, so an idle but healthy link stays
// fresh as long as heartbeats are answered.
func (c *wsConn) LastRead() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

// Close sends a normal-closure frame and closes the socket. It is safe to
// call multiple times.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
