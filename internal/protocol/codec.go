package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by Decode for frames whose type (or notification
// kind) this client does not understand. Callers ignore such frames.
var ErrUnknownType = errors.New("protocol: unknown frame type")

// DecodeError describes a malformed inbound frame.
type DecodeError struct {
	Field  string // offending field, empty when the frame is not valid JSON
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return "protocol: decode: " + e.Reason
	}
	return fmt.Sprintf("protocol: decode field %q: %s", e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports an outbound intent that is missing a required field.
// It indicates a programming error in the caller.
type EncodeError struct {
	Type  string
	Field string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("protocol: encode %s: missing %s", e.Type, e.Field)
}

// Split breaks a frame that carries several newline-separated JSON objects
// into its parts. Blank lines are skipped.
func Split(raw []byte) [][]byte {
	if !bytes.Contains(raw, []byte{'\n'}) {
		return [][]byte{raw}
	}
	var parts [][]byte
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			parts = append(parts, line)
		}
	}
	return parts
}

// Decode parses a single inbound frame into a ChatEvent or NotificationEvent.
func Decode(raw []byte) (Event, error) {
	norm, err := Normalize(raw)
	if err != nil {
		return nil, &DecodeError{Reason: "malformed JSON", Err: err}
	}

	var env Envelope
	if err := json.Unmarshal(norm, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed JSON", Err: err}
	}
	if env.Type == "" {
		return nil, &DecodeError{Field: "type", Reason: "missing or empty"}
	}

	switch env.Type {
	case TypeDirect, TypeGroup, TypeNotification:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	var f wireFrame
	if err := json.Unmarshal(env.Raw, &f); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid %s payload", env.Type), Err: err}
	}

	if env.Type == TypeNotification {
		return decodeNotification(f)
	}
	return decodeChat(env.Type, f)
}

func decodeChat(kind string, f wireFrame) (Event, error) {
	e := ChatEvent{
		Kind:       kind,
		ID:         string(f.ID),
		SenderID:   string(f.SenderID),
		SenderName: f.SenderName,
		Text:       f.Content,
	}
	if e.Text == "" {
		e.Text = f.Text
	}

	if e.ID == "" {
		return nil, &DecodeError{Field: "id", Reason: "missing or empty"}
	}
	if e.SenderID == "" {
		return nil, &DecodeError{Field: "sender_id", Reason: "missing or empty"}
	}
	if e.Text == "" {
		return nil, &DecodeError{Field: "content", Reason: "missing or empty"}
	}

	switch kind {
	case TypeDirect:
		e.RecipientID = string(f.RecipientID)
		if e.RecipientID == "" {
			e.RecipientID = string(f.TargetID)
		}
	case TypeGroup:
		e.GroupID = string(f.GroupID)
		if e.GroupID == "" {
			e.GroupID = string(f.TargetID)
		}
		if e.GroupID == "" {
			return nil, &DecodeError{Field: "group_id", Reason: "missing or empty"}
		}
	}

	ts, err := ParseTime(string(f.CreatedAt))
	if err != nil {
		return nil, &DecodeError{Field: "created_at", Reason: "missing or unparseable", Err: err}
	}
	e.CreatedAt = ts
	return e, nil
}

func decodeNotification(f wireFrame) (Event, error) {
	if f.ID == "" {
		return nil, &DecodeError{Field: "id", Reason: "missing or empty"}
	}

	rawKind := f.NotificationType
	if rawKind == "" {
		rawKind = f.Kind
	}
	if rawKind == "" {
		return nil, &DecodeError{Field: "notification_type", Reason: "missing or empty"}
	}
	kind, ok := ParseNotificationKind(rawKind)
	if !ok {
		return nil, fmt.Errorf("%w: notification kind %q", ErrUnknownType, rawKind)
	}

	ts, err := ParseTime(string(f.CreatedAt))
	if err != nil {
		return nil, &DecodeError{Field: "created_at", Reason: "missing or unparseable", Err: err}
	}

	e := NotificationEvent{
		ID:           string(f.ID),
		Kind:         kind,
		ActorID:      string(f.ActorID),
		Message:      f.Message,
		ActionTarget: f.ActionTarget,
		CreatedAt:    ts,
	}
	if e.ActionTarget == "" {
		e.ActionTarget = f.ActionURL
	}
	if f.ReadAt != "" {
		readAt, err := ParseTime(string(f.ReadAt))
		if err != nil {
			return nil, &DecodeError{Field: "read_at", Reason: "unparseable", Err: err}
		}
		e.ReadAt = &readAt
	}
	return e, nil
}

// Encode produces the wire frame for an outbound intent.
func Encode(intent Intent) ([]byte, error) {
	var out outboundFrame

	switch in := intent.(type) {
	case SendDirect:
		if in.To == "" {
			return nil, &EncodeError{Type: TypeDirect, Field: "to"}
		}
		if in.Text == "" {
			return nil, &EncodeError{Type: TypeDirect, Field: "text"}
		}
		out = outboundFrame{To: in.To, Text: in.Text, ClientID: in.ClientID}
	case SendGroup:
		if in.GroupID == "" {
			return nil, &EncodeError{Type: TypeGroup, Field: "to"}
		}
		if in.Text == "" {
			return nil, &EncodeError{Type: TypeGroup, Field: "text"}
		}
		out = outboundFrame{To: in.GroupID, Text: in.Text, ClientID: in.ClientID}
	case SubscribeGroup:
		if in.GroupID == "" {
			return nil, &EncodeError{Type: TypeSubscribeGroup, Field: "to"}
		}
		out = outboundFrame{To: in.GroupID}
	default:
		return nil, &EncodeError{Type: fmt.Sprintf("%T", intent), Field: "type"}
	}

	return newFrame(intent.frameType(), out)
}
