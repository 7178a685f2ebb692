// Package session coordinates which conversation is active. It drives the
// Idle -> Activating -> Active lifecycle, loads history for the selected
// conversation, routes realtime chat events into the conversation store and
// sends outbound messages over the shared link or the REST fallback.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/whisper/chat-session/internal/conversation"
	"github.com/whisper/chat-session/internal/transport"
)

// State is the lifecycle state of the Manager.
type State int

const (
	StateIdle State = iota
	StateActivating
	StateActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Link is the part of the shared realtime connection the manager uses.
// Handlers registered with OnFrame and OnStateChange must not call Acquire,
// Release or Reopen.
type Link interface {
	Acquire(ctx context.Context) error
	Reopen(ctx context.Context) error
	Release()
	Send(frame []byte) error
	State() transport.State
	OnFrame(fn func([]byte)) func()
	OnStateChange(fn func(transport.State)) func()
}

// HistoryFetcher loads a conversation's message history.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, key conversation.Key) ([]conversation.Message, error)
}

// MessagePoster sends a message over REST when the link is unavailable.
type MessagePoster interface {
	PostMessage(ctx context.Context, key conversation.Key, text string) (conversation.Message, error)
}

// ReadMarker records a server-side read receipt for one message.
type ReadMarker interface {
	MarkMessageRead(ctx context.Context, messageID string) error
}

// Limiter throttles outbound sends.
type Limiter interface {
	Allow() bool
}

// ErrSuperseded is returned by SelectConversation when a newer selection was
// made before its history arrived. The stale result was discarded.
var ErrSuperseded = errors.New("session: selection superseded")

// ErrRateLimited is returned by SendMessage when the send limiter refuses.
var ErrRateLimited = errors.New("session: send rate limited")

var errNoSendPath = errors.New("link not open and no REST fallback configured")

// HistoryFetchError records a failed history load. The manager stays in
// StateError until the next selection or Retry.
type HistoryFetchError struct {
	Key conversation.Key
	Err error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("session: fetch history for %s: %v", e.Key, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// SendError is returned when a message could not be sent on any path.
type SendError struct {
	Key conversation.Key
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("session: send to %s: %v", e.Key, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Send paths reported in SendResult.
const (
	PathLive = "live"
	PathREST = "rest"
)

// SendResult describes how a message left the client. For live sends the
// message appears in the store when the server echoes it; for REST sends
// Message holds the stored copy.
type SendResult struct {
	Path     string
	ClientID string
	Message  *conversation.Message
}
