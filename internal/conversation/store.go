package conversation

import (
	"sort"
	"sync"
	"time"
)

type subscriber struct {
	id int
	fn func(Conversation)
}

type entry struct {
	key      Key
	name     string
	messages []Message
	ids      map[string]struct{}
	lastAt   time.Time
	unread   int
	subs     []subscriber
}

func (e *entry) snapshot() Conversation {
	msgs := make([]Message, len(e.messages))
	copy(msgs, e.messages)
	return Conversation{
		Key:             e.key,
		DisplayName:     e.name,
		Messages:        msgs,
		LastMessageTime: e.lastAt,
		UnreadCount:     e.unread,
	}
}

// Store owns every Conversation and Message. It is goroutine-safe.
// Conversations are created lazily on first reference.
type Store struct {
	mu      sync.Mutex
	convs   map[Key]*entry
	nextSub int
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{convs: make(map[Key]*entry)}
}

func (s *Store) getLocked(key Key) *entry {
	e, ok := s.convs[key]
	if !ok {
		e = &entry{key: key, ids: make(map[string]struct{})}
		s.convs[key] = e
	}
	return e
}

// LoadHistory replaces the history of key with msgs. Duplicate ids in msgs
// are dropped. Live messages already in the store that the history does not
// contain are kept in order.
func (s *Store) LoadHistory(key Key, msgs []Message) {
	s.mu.Lock()
	e := s.getLocked(key)

	seen := make(map[string]struct{}, len(msgs))
	merged := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m.Conversation = key
		m.Origin = OriginHistory
		merged = append(merged, m)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	for _, m := range e.messages {
		if m.Origin != OriginLive {
			continue
		}
		if _, inHistory := seen[m.ID]; inHistory {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = insertOrdered(merged, m)
	}

	e.messages = merged
	e.ids = seen
	if n := len(merged); n > 0 && merged[n-1].CreatedAt.After(e.lastAt) {
		e.lastAt = merged[n-1].CreatedAt
	}
	notify := s.notifierLocked(e)
	s.mu.Unlock()
	notify()
}

// ApplyLiveMessage inserts msg into its conversation. It returns false and
// changes nothing when a message with the same id is already present.
func (s *Store) ApplyLiveMessage(msg Message) bool {
	if msg.ID == "" {
		return false
	}
	s.mu.Lock()
	e := s.getLocked(msg.Conversation)
	if _, dup := e.ids[msg.ID]; dup {
		s.mu.Unlock()
		return false
	}

	msg.Origin = OriginLive
	e.messages = insertOrdered(e.messages, msg)
	e.ids[msg.ID] = struct{}{}
	if msg.CreatedAt.After(e.lastAt) {
		e.lastAt = msg.CreatedAt
	}
	notify := s.notifierLocked(e)
	s.mu.Unlock()
	notify()
	return true
}

// insertOrdered places m after every message whose created_at is not after
// its own, so equal timestamps keep arrival order.
func insertOrdered(msgs []Message, m Message) []Message {
	i := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].CreatedAt.After(m.CreatedAt)
	})
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}

// MarkRead zeroes the unread count of key.
func (s *Store) MarkRead(key Key) {
	s.mu.Lock()
	e := s.getLocked(key)
	if e.unread == 0 {
		s.mu.Unlock()
		return
	}
	e.unread = 0
	notify := s.notifierLocked(e)
	s.mu.Unlock()
	notify()
}

// IncrementUnread adds one to the unread count of key.
func (s *Store) IncrementUnread(key Key) {
	s.mu.Lock()
	e := s.getLocked(key)
	e.unread++
	notify := s.notifierLocked(e)
	s.mu.Unlock()
	notify()
}

// ApplySummary seeds listing data for a conversation without touching its
// messages. A zero display name or time leaves the current value.
func (s *Store) ApplySummary(sum Summary) {
	s.mu.Lock()
	e := s.getLocked(sum.Key)
	if sum.DisplayName != "" {
		e.name = sum.DisplayName
	}
	if sum.LastMessageTime.After(e.lastAt) {
		e.lastAt = sum.LastMessageTime
	}
	e.unread = sum.UnreadCount
	notify := s.notifierLocked(e)
	s.mu.Unlock()
	notify()
}

// Subscribe registers fn for changes to key's messages or unread count. fn
// is called synchronously after each change with a copy of the state. The
// returned func unsubscribes and may be called more than once.
func (s *Store) Subscribe(key Key, fn func(Conversation)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getLocked(key)
	s.nextSub++
	id := s.nextSub
	e.subs = append(e.subs, subscriber{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range e.subs {
			if sub.id == id {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// Snapshot returns the current state of key.
func (s *Store) Snapshot(key Key) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key).snapshot()
}

// Conversations returns every known conversation, most recent activity
// first.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	out := make([]Conversation, 0, len(s.convs))
	for _, e := range s.convs {
		out = append(out, e.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Evict forgets key. It refuses, returning false, while subscribers remain.
func (s *Store) Evict(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.convs[key]
	if !ok {
		return true
	}
	if len(e.subs) > 0 {
		return false
	}
	delete(s.convs, key)
	return true
}

// notifierLocked captures the subscribers and state of e. The returned func
// must be called after mu is released.
func (s *Store) notifierLocked(e *entry) func() {
	if len(e.subs) == 0 {
		return func() {}
	}
	fns := make([]func(Conversation), len(e.subs))
	for i, sub := range e.subs {
		fns[i] = sub.fn
	}
	snap := e.snapshot()
	return func() {
		for _, fn := range fns {
			fn(snap)
		}
	}
}
