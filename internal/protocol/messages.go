// Package protocol defines the realtime frames exchanged with the chat
// backend. Frames are JSON objects with a "type" discriminator; inbound frames
// are decoded into typed events and outbound intents are encoded into frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Server -> Client frame types.
const (
	TypeDirect       = "direct"
	TypeGroup        = "group"
	TypeNotification = "notification"
)

// Client -> Server frame types. Chat intents reuse TypeDirect and TypeGroup.
const (
	TypeSubscribeGroup = "subscribe_group"
)

// NotificationKind enumerates the notification events the backend emits.
type NotificationKind string

const (
	NotifyFollowRequest  NotificationKind = "follow_request"
	NotifyFollowAccepted NotificationKind = "follow_accepted"
	NotifyComment        NotificationKind = "comment"
	NotifyGroupInvite    NotificationKind = "group_invite"
	NotifyGroupRequest   NotificationKind = "group_request"
	NotifyGroupAccepted  NotificationKind = "group_accepted"
	NotifyEventInvite    NotificationKind = "event_invite"
	NotifyDirectMessage  NotificationKind = "direct_message"
	NotifyGroupMessage   NotificationKind = "group_message"
)

// kindAliases maps older backend spellings onto the canonical kinds.
var kindAliases = map[string]NotificationKind{
	"group_invitation":    NotifyGroupInvite,
	"group_event_created": NotifyEventInvite,
}

// ParseNotificationKind resolves a wire value to a known kind. The boolean is
// false for kinds this client does not understand.
func ParseNotificationKind(s string) (NotificationKind, bool) {
	if k, ok := kindAliases[s]; ok {
		return k, true
	}
	switch k := NotificationKind(s); k {
	case NotifyFollowRequest, NotifyFollowAccepted, NotifyComment,
		NotifyGroupInvite, NotifyGroupRequest, NotifyGroupAccepted,
		NotifyEventInvite, NotifyDirectMessage, NotifyGroupMessage:
		return k, true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type" field
// so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Inbound wire structs
// ---------------------------------------------------------------------------

// FlexString accepts either a JSON string or a JSON number. Backend ids are
// UUID strings on some endpoints and integers on others.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("protocol: expected string or number, got %s", data)
	}
	*f = FlexString(n.String())
	return nil
}

// wireFrame is the union of every inbound field, after key normalization.
type wireFrame struct {
	Type             string     `json:"type"`
	ID               FlexString `json:"id"`
	SenderID         FlexString `json:"sender_id"`
	SenderName       string     `json:"sender_name"`
	RecipientID      FlexString `json:"recipient_id"`
	GroupID          FlexString `json:"group_id"`
	TargetID         FlexString `json:"target_id"`
	ConversationKind string     `json:"conversation_kind"`
	Content          string     `json:"content"`
	Text             string     `json:"text"`
	CreatedAt        FlexString `json:"created_at"`
	ReadAt           FlexString `json:"read_at"`
	NotificationType string     `json:"notification_type"`
	Kind             string     `json:"kind"`
	ActorID          FlexString `json:"actor_id"`
	ActionURL        string     `json:"action_url"`
	ActionTarget     string     `json:"action_target"`
	Message          string     `json:"message"`
}

// ---------------------------------------------------------------------------
// Decoded events
// ---------------------------------------------------------------------------

// Event is a decoded inbound frame.
type Event interface {
	EventType() string
}

// ChatEvent is a direct or group chat message pushed by the server.
type ChatEvent struct {
	Kind        string // TypeDirect or TypeGroup
	ID          string
	SenderID    string
	SenderName  string
	RecipientID string // direct only, may be empty
	GroupID     string // group only
	Text        string
	CreatedAt   time.Time
}

// EventType implements Event.
func (e ChatEvent) EventType() string { return e.Kind }

// NotificationEvent is a discrete notification pushed by the server.
type NotificationEvent struct {
	ID           string
	Kind         NotificationKind
	ActorID      string
	Message      string
	ActionTarget string
	CreatedAt    time.Time
	ReadAt       *time.Time
}

// EventType implements Event.
func (e NotificationEvent) EventType() string { return TypeNotification }

// ---------------------------------------------------------------------------
// Outbound intents
// ---------------------------------------------------------------------------

// Intent is a typed outbound action that Encode turns into a frame.
type Intent interface {
	frameType() string
}

// SendDirect posts a direct message to another user.
type SendDirect struct {
	To       string
	Text     string
	ClientID string
}

// SendGroup posts a message to a group conversation.
type SendGroup struct {
	GroupID  string
	Text     string
	ClientID string
}

// SubscribeGroup asks the server to fan group traffic to this connection.
type SubscribeGroup struct {
	GroupID string
}

func (SendDirect) frameType() string     { return TypeDirect }
func (SendGroup) frameType() string      { return TypeGroup }
func (SubscribeGroup) frameType() string { return TypeSubscribeGroup }

// outboundFrame is the wire shape of every client frame.
type outboundFrame struct {
	To       string `json:"to"`
	Text     string `json:"text,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// timeLayouts are accepted in order. The last one is what sqlite's
// CURRENT_TIMESTAMP produces.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime parses a backend timestamp. Integer values are treated as unix
// seconds, or unix milliseconds when they are too large to be seconds.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("protocol: empty timestamp")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("protocol: unparseable timestamp %q", s)
}

// newFrame marshals payload and injects msgType under the "type" key.
func newFrame(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}
