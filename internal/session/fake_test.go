package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper/chat-session/internal/conversation"
	"github.com/whisper/chat-session/internal/transport"
)

const me = "1"

// fakeLink is an in-memory Link.
type fakeLink struct {
	mu       sync.Mutex
	state    transport.State
	sent     [][]byte
	sendErr  error
	acquired int
	released int
	reopened int
	frameFns map[int]func([]byte)
	stateFns map[int]func(transport.State)
	next     int
}

func newFakeLink(st transport.State) *fakeLink {
	return &fakeLink{
		state:    st,
		frameFns: make(map[int]func([]byte)),
		stateFns: make(map[int]func(transport.State)),
	}
}

func (l *fakeLink) Acquire(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired++
	return nil
}

func (l *fakeLink) Reopen(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reopened++
	return nil
}

func (l *fakeLink) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
}

func (l *fakeLink) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, append([]byte(nil), frame...))
	return nil
}

func (l *fakeLink) State() transport.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) OnFrame(fn func([]byte)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.frameFns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.frameFns, id)
	}
}

func (l *fakeLink) OnStateChange(fn func(transport.State)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.stateFns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.stateFns, id)
	}
}

func (l *fakeLink) push(frame string) {
	l.mu.Lock()
	fns := make([]func([]byte), 0, len(l.frameFns))
	for _, fn := range l.frameFns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn([]byte(frame))
	}
}

func (l *fakeLink) setState(st transport.State) {
	l.mu.Lock()
	l.state = st
	fns := make([]func(transport.State), 0, len(l.stateFns))
	for _, fn := range l.stateFns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// sentFrames decodes every frame written to the link.
func (l *fakeLink) sentFrames(t *testing.T) []map[string]string {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]map[string]string, len(l.sent))
	for i, raw := range l.sent {
		if err := json.Unmarshal(raw, &out[i]); err != nil {
			t.Fatalf("sent frame %d is not JSON: %v", i, err)
		}
	}
	return out
}

func (l *fakeLink) handlerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frameFns) + len(l.stateFns)
}

// fetchCall is one pending FetchHistory in gated mode.
type fetchCall struct {
	key   conversation.Key
	reply chan fetchReply
}

type fetchReply struct {
	msgs []conversation.Message
	err  error
}

// fakeFetcher serves history from a map, or, when gated, hands each call to
// the test through calls and waits for a reply.
type fakeFetcher struct {
	mu      sync.Mutex
	history map[conversation.Key][]conversation.Message
	err     error
	count   int
	calls   chan fetchCall
}

func (f *fakeFetcher) FetchHistory(ctx context.Context, key conversation.Key) ([]conversation.Message, error) {
	f.mu.Lock()
	f.count++
	calls := f.calls
	msgs, err := f.history[key], f.err
	f.mu.Unlock()

	if calls == nil {
		return msgs, err
	}
	call := fetchCall{key: key, reply: make(chan fetchReply, 1)}
	calls <- call
	select {
	case r := <-call.reply:
		return r.msgs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeFetcher) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakePoster struct {
	err   error
	posts []string
}

func (p *fakePoster) PostMessage(_ context.Context, key conversation.Key, text string) (conversation.Message, error) {
	if p.err != nil {
		return conversation.Message{}, p.err
	}
	p.posts = append(p.posts, text)
	return conversation.Message{
		ID:        "rest-1",
		SenderID:  me,
		Body:      text,
		CreatedAt: at(100),
	}, nil
}

type fakeReads struct {
	mu  sync.Mutex
	ids []string
}

func (r *fakeReads) MarkMessageRead(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

type denyLimiter struct{}

func (denyLimiter) Allow() bool { return false }

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func msg(key conversation.Key, id, sender string, sec int) conversation.Message {
	return conversation.Message{ID: id, Conversation: key, SenderID: sender, Body: "m" + id, CreatedAt: at(sec)}
}

func newTestManager(link *fakeLink, fetcher *fakeFetcher) *Manager {
	return New(Config{FetchTimeout: 2 * time.Second, SendTimeout: time.Second}, Deps{
		Link:        link,
		History:     fetcher,
		CurrentUser: func() string { return me },
	})
}

func recvCall(t *testing.T, calls chan fetchCall) fetchCall {
	t.Helper()
	select {
	case c := <-calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a history fetch")
	}
	return fetchCall{}
}

// flakyDialer is a transport.Dialer whose first fails dials return an error.
// Successful dials yield idle connections that block in ReadFrame until
// closed.
type flakyDialer struct {
	mu    sync.Mutex
	fails int
	dials int
}

func (d *flakyDialer) Dial(context.Context, string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fails > 0 {
		d.fails--
		return nil, errors.New("handshake refused")
	}
	return &idleConn{done: make(chan struct{})}, nil
}

func (d *flakyDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type idleConn struct {
	once sync.Once
	done chan struct{}
}

func (c *idleConn) ReadFrame() ([]byte, error) {
	<-c.done
	return nil, errors.New("closed")
}

func (c *idleConn) WriteFrame([]byte) error { return nil }
func (c *idleConn) Ping() error             { return nil }
func (c *idleConn) LastRead() time.Time     { return time.Now() }

func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
