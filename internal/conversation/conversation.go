// Package conversation holds the in-memory index of direct and group
// conversations. It merges REST history with live messages, de-duplicates by
// message id, keeps each message list ordered by created_at, and tracks
// unread counts. Subscribers are notified on every change.
package conversation

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes 1:1 conversations from group chats.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Key identifies a conversation. For direct conversations ID is the partner's
// user id; for group conversations it is the group id.
type Key struct {
	Kind Kind
	ID   string
}

// DirectKey returns the key of the direct conversation with partnerID.
func DirectKey(partnerID string) Key { return Key{Kind: KindDirect, ID: partnerID} }

// GroupKey returns the key of a group conversation.
func GroupKey(groupID string) Key { return Key{Kind: KindGroup, ID: groupID} }

func (k Key) String() string { return string(k.Kind) + ":" + k.ID }

// ParseKey parses "direct:42" or "group:7".
func ParseKey(s string) (Key, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Key{}, fmt.Errorf("conversation: invalid key %q", s)
	}
	switch Kind(kind) {
	case KindDirect, KindGroup:
		return Key{Kind: Kind(kind), ID: id}, nil
	}
	return Key{}, fmt.Errorf("conversation: unknown kind %q in key %q", kind, s)
}

// Origin records where a message came from. It only matters while merging.
type Origin int

const (
	OriginHistory Origin = iota
	OriginLive
)

// Message is an immutable chat message.
type Message struct {
	ID           string
	Conversation Key
	SenderID     string
	SenderName   string
	Body         string
	CreatedAt    time.Time
	Origin       Origin
}

// Conversation is a point-in-time copy of a conversation's state.
type Conversation struct {
	Key             Key
	DisplayName     string
	Messages        []Message
	LastMessageTime time.Time
	UnreadCount     int
}

// Summary is the listing view of a conversation as returned by the
// conversations endpoint or restored from a snapshot.
type Summary struct {
	Key             Key
	DisplayName     string
	LastMessage     string
	LastMessageTime time.Time
	UnreadCount     int
}
