package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/whisper/chat-session/internal/conversation"
	"github.com/whisper/chat-session/internal/notification"
	"github.com/whisper/chat-session/internal/ratelimit"
	"github.com/whisper/chat-session/internal/session"
)

// console is a line-oriented front end: plain lines are sent to the active
// conversation, lines starting with "/" are commands.
type console struct {
	mgr    *session.Manager
	stream *notification.Stream
	quota  *ratelimit.Window // nil without a shared send quota
	out    io.Writer

	mu      sync.Mutex
	unwatch func()
	shown   map[string]bool
}

func newConsole(mgr *session.Manager, stream *notification.Stream, quota *ratelimit.Window, out io.Writer) *console {
	c := &console{mgr: mgr, stream: stream, quota: quota, out: out, unwatch: func() {}}
	stream.OnNotification(func(ev notification.Event) {
		if !ev.Read() {
			c.printf("[notification %s] %s from %s %s\n", ev.ID, ev.Kind, ev.ActorID, ev.Message)
		}
	})
	return c
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) run(ctx context.Context, in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			c.command(ctx, line)
			continue
		}
		c.send(ctx, line)
	}
}

func (c *console) command(ctx context.Context, line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/open":
		if len(fields) != 2 {
			c.printf("usage: /open direct:<user>|group:<id>\n")
			return
		}
		key, err := conversation.ParseKey(fields[1])
		if err != nil {
			c.printf("%v\n", err)
			return
		}
		go c.open(ctx, key)
	case "/close":
		c.watch(nil)
		c.mgr.DeselectConversation()
	case "/retry":
		if err := c.mgr.Retry(ctx); err != nil {
			c.printf("retry failed: %v\n", err)
		}
	case "/list":
		for _, conv := range c.mgr.Store().Conversations() {
			c.printf("%-20s %-20s unread=%d\n", conv.Key, conv.DisplayName, conv.UnreadCount)
		}
	case "/notifications":
		for _, ev := range c.stream.List() {
			mark := " "
			if !ev.Read() {
				mark = "*"
			}
			c.printf("%s %s %s from %s\n", mark, ev.ID, ev.Kind, ev.ActorID)
		}
		c.printf("%d unread\n", c.stream.UnreadCount())
	case "/read":
		if len(fields) != 2 {
			c.printf("usage: /read <notification-id>\n")
			return
		}
		if err := c.stream.MarkRead(ctx, fields[1]); err != nil {
			c.printf("%v\n", err)
		}
	case "/status":
		key, _ := c.mgr.Active()
		c.printf("session=%s active=%s link=%s\n", c.mgr.State(), key, c.mgr.ConnectionState())
		if c.quota != nil {
			if n, err := c.quota.Remaining(ctx); err != nil {
				c.printf("send quota unavailable: %v\n", err)
			} else {
				c.printf("sends left this window: %d\n", n)
			}
		}
	default:
		c.printf("commands: /open /close /retry /list /notifications /read /status\n")
	}
}

func (c *console) open(ctx context.Context, key conversation.Key) {
	c.watch(&key)
	err := c.mgr.SelectConversation(ctx, key)
	switch {
	case errors.Is(err, session.ErrSuperseded):
	case err != nil:
		c.printf("could not open %s: %v (use /retry)\n", key, err)
	default:
		c.printf("-- %s --\n", key)
	}
}

// watch prints new messages of key as they arrive. A nil key stops watching.
func (c *console) watch(key *conversation.Key) {
	c.mu.Lock()
	unwatch := c.unwatch
	c.unwatch = func() {}
	c.shown = make(map[string]bool)
	c.mu.Unlock()
	unwatch()

	if key == nil {
		return
	}
	off := c.mgr.Store().Subscribe(*key, c.show)
	c.mu.Lock()
	c.unwatch = off
	c.mu.Unlock()
}

func (c *console) show(conv conversation.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range conv.Messages {
		if c.shown[m.ID] {
			continue
		}
		c.shown[m.ID] = true
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(c.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), name, m.Body)
	}
}

func (c *console) send(ctx context.Context, text string) {
	key, ok := c.mgr.Active()
	if !ok {
		c.printf("no active conversation, use /open\n")
		return
	}
	res, err := c.mgr.SendMessage(ctx, key, text)
	if err != nil {
		c.printf("send failed: %v\n", err)
		return
	}
	if res.Path == session.PathREST {
		log.Printf("session: sent over REST while link is %s", c.mgr.ConnectionState())
	}
}
