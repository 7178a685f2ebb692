package api

import (
	"context"
	"log"
	"net/http"
	"net/url"

	"github.com/whisper/chat-session/internal/notification"
	"github.com/whisper/chat-session/internal/protocol"
)

type notificationWire struct {
	ID        protocol.FlexString `json:"id"`
	Type      string              `json:"type"`
	ActorID   protocol.FlexString `json:"actor_id"`
	SubjectID protocol.FlexString `json:"subject_id"`
	Message   string              `json:"message"`
	CreatedAt protocol.FlexString `json:"created_at"`
	ReadAt    protocol.FlexString `json:"read_at"`
}

// ListNotifications returns the user's notifications in server order. Rows
// with an unknown kind or an unparseable timestamp are skipped.
func (c *Client) ListNotifications(ctx context.Context) ([]notification.Event, error) {
	var rows []notificationWire
	if err := c.do(ctx, http.MethodGet, "/api/notifications", nil, &rows); err != nil {
		return nil, err
	}

	out := make([]notification.Event, 0, len(rows))
	for _, row := range rows {
		kind, ok := protocol.ParseNotificationKind(row.Type)
		if !ok || row.ID == "" {
			continue
		}
		created, err := protocol.ParseTime(string(row.CreatedAt))
		if err != nil {
			log.Printf("api: skipping notification id=%q: %v", row.ID, err)
			continue
		}
		ev := notification.Event{
			ID:           string(row.ID),
			Kind:         kind,
			ActorID:      string(row.ActorID),
			Message:      row.Message,
			ActionTarget: string(row.SubjectID),
			CreatedAt:    created,
		}
		if row.ReadAt != "" {
			if ts, err := protocol.ParseTime(string(row.ReadAt)); err == nil {
				ev.ReadAt = &ts
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

// AckRead marks one notification read on the server.
func (c *Client) AckRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/read?id="+url.QueryEscape(id), nil, nil)
}
