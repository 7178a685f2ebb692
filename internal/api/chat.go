package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"

	"github.com/whisper/chat-session/internal/conversation"
	"github.com/whisper/chat-session/internal/protocol"
)

// messageWire covers both the current and the older history row shapes.
type messageWire struct {
	ID         protocol.FlexString `json:"id"`
	SenderID   protocol.FlexString `json:"sender_id"`
	FromUserID protocol.FlexString `json:"from_user_id"`
	SenderName string              `json:"sender_name"`
	Content    string              `json:"content"`
	Text       string              `json:"text"`
	CreatedAt  protocol.FlexString `json:"created_at"`
}

func (w messageWire) toMessage(key conversation.Key, origin conversation.Origin) (conversation.Message, error) {
	if w.ID == "" {
		return conversation.Message{}, fmt.Errorf("missing id")
	}
	ts, err := protocol.ParseTime(string(w.CreatedAt))
	if err != nil {
		return conversation.Message{}, err
	}
	m := conversation.Message{
		ID:           string(w.ID),
		Conversation: key,
		SenderID:     string(w.SenderID),
		SenderName:   w.SenderName,
		Body:         w.Content,
		CreatedAt:    ts,
		Origin:       origin,
	}
	if m.SenderID == "" {
		m.SenderID = string(w.FromUserID)
	}
	if m.Body == "" {
		m.Body = w.Text
	}
	return m, nil
}

func historyPath(key conversation.Key) string {
	if key.Kind == conversation.KindGroup {
		return "/api/chat/group/" + url.PathEscape(key.ID)
	}
	return "/api/chat/direct/" + url.PathEscape(key.ID)
}

// FetchHistory returns the ordered message history of key. Rows that cannot
// be parsed are skipped and logged.
func (c *Client) FetchHistory(ctx context.Context, key conversation.Key) ([]conversation.Message, error) {
	var rows []messageWire
	if err := c.do(ctx, http.MethodGet, historyPath(key), nil, &rows); err != nil {
		return nil, err
	}

	out := make([]conversation.Message, 0, len(rows))
	for _, row := range rows {
		m, err := row.toMessage(key, conversation.OriginHistory)
		if err != nil {
			log.Printf("api: skipping history row id=%q in %s: %v", row.ID, key, err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// PostMessage sends text through the REST endpoint and returns the message
// the server created.
func (c *Client) PostMessage(ctx context.Context, key conversation.Key, text string) (conversation.Message, error) {
	var body interface{}
	path := "/api/chat/direct"
	if key.Kind == conversation.KindGroup {
		path = historyPath(key)
		body = map[string]string{"content": text}
	} else {
		body = map[string]string{"content": text, "recipient_id": key.ID}
	}

	var row messageWire
	if err := c.do(ctx, http.MethodPost, path, body, &row); err != nil {
		return conversation.Message{}, err
	}
	m, err := row.toMessage(key, conversation.OriginLive)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("api: POST %s: %w", path, err)
	}
	return m, nil
}

// MarkMessageRead records a read receipt for one message.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPost, "/api/chat/read/"+url.PathEscape(messageID), nil, nil)
}

type summaryWire struct {
	Type            string              `json:"type"`
	UserID          protocol.FlexString `json:"user_id"`
	UserName        string              `json:"user_name"`
	GroupID         protocol.FlexString `json:"group_id"`
	GroupName       string              `json:"group_name"`
	LastMessage     string              `json:"last_message"`
	LastMessageTime protocol.FlexString `json:"last_message_time"`
	UnreadCount     int                 `json:"unread_count"`
}

// ListConversations returns the conversation listing with unread counts.
func (c *Client) ListConversations(ctx context.Context) ([]conversation.Summary, error) {
	var rows []summaryWire
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations", nil, &rows); err != nil {
		return nil, err
	}

	out := make([]conversation.Summary, 0, len(rows))
	for _, row := range rows {
		s := conversation.Summary{
			LastMessage: row.LastMessage,
			UnreadCount: row.UnreadCount,
		}
		if row.Type == string(conversation.KindGroup) {
			id := row.GroupID
			if id == "" {
				id = row.UserID
			}
			s.Key = conversation.GroupKey(string(id))
			s.DisplayName = row.GroupName
		} else {
			s.Key = conversation.DirectKey(string(row.UserID))
			s.DisplayName = row.UserName
		}
		if s.DisplayName == "" {
			s.DisplayName = row.UserName
		}
		if s.Key.ID == "" {
			continue
		}
		if row.LastMessageTime != "" {
			if ts, err := protocol.ParseTime(string(row.LastMessageTime)); err == nil {
				s.LastMessageTime = ts
			}
		}
		out = append(out, s)
	}
	return out, nil
}
