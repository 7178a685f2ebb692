// Package notification maintains the user's notification list. Events arrive
// pushed over the shared realtime link; while the link is not open the list
// is kept current by polling the REST endpoint instead.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/whisper/chat-session/internal/metrics"
	"github.com/whisper/chat-session/internal/protocol"
	"github.com/whisper/chat-session/internal/transport"
)

// Kind is the notification category.
type Kind = protocol.NotificationKind

// Event is one notification.
type Event struct {
	ID           string
	Kind         Kind
	ActorID      string
	Message      string
	ActionTarget string
	CreatedAt    time.Time
	ReadAt       *time.Time
}

// Read reports whether the event has been read.
func (e Event) Read() bool { return e.ReadAt != nil }

// FromProtocol converts a decoded push frame.
func FromProtocol(ev protocol.NotificationEvent) Event {
	return Event{
		ID:           ev.ID,
		Kind:         ev.Kind,
		ActorID:      ev.ActorID,
		Message:      ev.Message,
		ActionTarget: ev.ActionTarget,
		CreatedAt:    ev.CreatedAt,
		ReadAt:       ev.ReadAt,
	}
}

// ErrUnknownNotification is returned by MarkRead for an id the stream has
// never seen.
var ErrUnknownNotification = errors.New("notification: unknown notification")

// AckError is returned by MarkRead when the server rejected the read
// acknowledgement. The optimistic read has been rolled back.
type AckError struct {
	ID  string
	Err error
}

func (e *AckError) Error() string {
	return fmt.Sprintf("notification: ack %s failed: %v", e.ID, e.Err)
}

func (e *AckError) Unwrap() error { return e.Err }

// Link is the part of the shared realtime connection the stream needs.
type Link interface {
	Acquire(ctx context.Context) error
	Release()
	State() transport.State
	OnFrame(fn func([]byte)) func()
	OnStateChange(fn func(transport.State)) func()
}

// Source is the REST side of notifications.
type Source interface {
	ListNotifications(ctx context.Context) ([]Event, error)
	AckRead(ctx context.Context, id string) error
}

// Config holds stream settings.
type Config struct {
	PollInterval time.Duration // REST polling period while the link is down
	PollTimeout  time.Duration // per poll request
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		PollTimeout:  10 * time.Second,
	}
}

// Stream merges pushed and polled notifications into one deduplicated list.
type Stream struct {
	cfg    Config
	link   Link
	source Source

	mu         sync.Mutex
	events     map[string]*Event
	overlay    map[string]time.Time // optimistic reads awaiting ack
	acked      map[string]time.Time // committed acks the server has not confirmed yet
	eventSubs  map[int]func(Event)
	unreadSubs map[int]func(int)
	nextSub    int
	lastUnread int

	started     bool
	removeFrame func()
	removeState func()
	cancel      context.CancelFunc
	done        chan struct{}
	wake        chan struct{}
	wasOpen     bool
}

// New creates a Stream. Nothing happens until Start.
func New(cfg Config, link Link, source Source) *Stream {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultConfig().PollTimeout
	}
	return &Stream{
		cfg:        cfg,
		link:       link,
		source:     source,
		events:     make(map[string]*Event),
		overlay:    make(map[string]time.Time),
		acked:      make(map[string]time.Time),
		eventSubs:  make(map[int]func(Event)),
		unreadSubs: make(map[int]func(int)),
	}
}

// Start attaches to the link, loads the current list over REST and begins
// the polling fallback. A failed initial load is returned, but the stream
// keeps running and recovers on the next push or poll.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.wake = make(chan struct{}, 1)
	s.wasOpen = s.link.State() == transport.StateOpen
	s.mu.Unlock()

	removeFrame := s.link.OnFrame(s.handleFrame)
	removeState := s.link.OnStateChange(s.handleState)
	s.mu.Lock()
	s.removeFrame, s.removeState = removeFrame, removeState
	s.mu.Unlock()

	if err := s.link.Acquire(ctx); err != nil {
		log.Printf("notify: link unavailable, relying on polling: %v", err)
	}

	err := s.poll(ctx, "poll")
	go s.pollLoop(pollCtx)
	if err != nil {
		return fmt.Errorf("notification: initial load: %w", err)
	}
	return nil
}

// Stop detaches from the link, stops polling and releases the lease.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	removeFrame, removeState := s.removeFrame, s.removeState
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	removeFrame()
	removeState()
	cancel()
	<-done
	s.link.Release()
}

func (s *Stream) pollLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.link.State() == transport.StateOpen {
				continue
			}
		case <-s.wake:
		}
		if err := s.poll(ctx, "poll"); err != nil && ctx.Err() == nil {
			log.Printf("notify: poll failed: %v", err)
		}
	}
}

func (s *Stream) poll(ctx context.Context, source string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()

	asOf := time.Now()
	events, err := s.source.ListNotifications(ctx)
	if err != nil {
		return err
	}
	for _, ev := range events {
		s.merge(ev, source, asOf)
	}
	return nil
}

func (s *Stream) handleFrame(raw []byte) {
	for _, frame := range protocol.Split(raw) {
		ev, err := protocol.Decode(frame)
		if err != nil {
			// Malformed and unknown frames are counted by the session router.
			continue
		}
		if n, ok := ev.(protocol.NotificationEvent); ok {
			s.merge(FromProtocol(n), "push", time.Now())
		}
	}
}

// handleState wakes the poller once when the link comes back, so events
// missed during the outage are reconciled.
func (s *Stream) handleState(st transport.State) {
	s.mu.Lock()
	open := st == transport.StateOpen
	reopened := open && !s.wasOpen
	s.wasOpen = open
	wake := s.wake
	s.mu.Unlock()

	if reopened && wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// merge folds ev, as the server reported it at asOf, into the list. New
// events reach OnNotification subscribers exactly once. For known events the
// server's read state wins unless an optimistic read is pending, or the
// report predates an ack that already committed.
func (s *Stream) merge(ev Event, source string, asOf time.Time) {
	if ev.ID == "" {
		return
	}

	s.mu.Lock()
	var fresh []func(Event)
	cur, known := s.events[ev.ID]
	if !known {
		cp := ev
		s.events[ev.ID] = &cp
		for _, fn := range s.eventSubs {
			fresh = append(fresh, fn)
		}
		metrics.Notifications.WithLabelValues(source).Inc()
	} else if _, pending := s.overlay[ev.ID]; !pending {
		ackedAt, acked := s.acked[ev.ID]
		switch {
		case ev.ReadAt != nil:
			delete(s.acked, ev.ID)
			cur.ReadAt = ev.ReadAt
		case acked && ackedAt.After(asOf):
			// Stale report from before our ack landed.
		default:
			delete(s.acked, ev.ID)
			cur.ReadAt = nil
		}
	}
	notifyUnread := s.unreadNotifierLocked()
	s.mu.Unlock()

	for _, fn := range fresh {
		fn(ev)
	}
	notifyUnread()
}

// OnNotification registers fn for every newly observed event. The returned
// func unsubscribes.
func (s *Stream) OnNotification(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.eventSubs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.eventSubs, id)
	}
}

// OnUnreadChange registers fn for changes to UnreadCount.
func (s *Stream) OnUnreadChange(fn func(int)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.unreadSubs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.unreadSubs, id)
	}
}

// MarkRead marks id read locally at once, then acknowledges it with the
// server. When the acknowledgement fails the event reverts to unread and an
// *AckError is returned.
func (s *Stream) MarkRead(ctx context.Context, id string) error {
	s.mu.Lock()
	ev, ok := s.events[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownNotification
	}
	if _, pending := s.overlay[id]; pending || ev.Read() {
		s.mu.Unlock()
		return nil
	}
	s.overlay[id] = time.Now().UTC()
	notify := s.unreadNotifierLocked()
	s.mu.Unlock()
	notify()

	err := s.source.AckRead(ctx, id)

	s.mu.Lock()
	readAt := s.overlay[id]
	delete(s.overlay, id)
	if err == nil && ev.ReadAt == nil {
		ev.ReadAt = &readAt
		s.acked[id] = time.Now()
	}
	notify = s.unreadNotifierLocked()
	s.mu.Unlock()
	notify()

	if err != nil {
		metrics.NotificationAckFailures.Inc()
		log.Printf("notify: read ack for %s failed, rolled back: %v", id, err)
		return &AckError{ID: id, Err: err}
	}
	return nil
}

// UnreadCount returns the number of unread events, counting pending
// optimistic reads as read.
func (s *Stream) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked()
}

// List returns every event, newest first, with pending reads applied.
func (s *Stream) List() []Event {
	s.mu.Lock()
	out := make([]Event, 0, len(s.events))
	for id, ev := range s.events {
		cp := *ev
		if t, pending := s.overlay[id]; pending {
			t := t
			cp.ReadAt = &t
		}
		out = append(out, cp)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *Stream) unreadLocked() int {
	n := 0
	for id, ev := range s.events {
		if _, pending := s.overlay[id]; pending || ev.Read() {
			continue
		}
		n++
	}
	return n
}

// unreadNotifierLocked returns a func that reports a changed unread count to
// subscribers. It must be called after mu is released.
func (s *Stream) unreadNotifierLocked() func() {
	n := s.unreadLocked()
	if n == s.lastUnread {
		return func() {}
	}
	s.lastUnread = n
	metrics.UnreadNotifications.Set(float64(n))
	fns := make([]func(int), 0, len(s.unreadSubs))
	for _, fn := range s.unreadSubs {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(n)
		}
	}
}
