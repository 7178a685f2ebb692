// Package messaging relays client-side chat events over NATS so local
// companions (tray notifiers, desktop badges) can react to new notifications
// and unread counts without opening their own realtime connection.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/chat-session/internal/notification"
)

// NATS subject patterns. Each is suffixed with .<user_id>.
const (
	SubjectNotification = "chatsession.notification"
	SubjectUnread       = "chatsession.unread"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chat-session",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// NotificationPayload is the JSON body published for each new notification.
type NotificationPayload struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	ActorID      string     `json:"actor_id,omitempty"`
	Message      string     `json:"message,omitempty"`
	ActionTarget string     `json:"action_target,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
}

// UnreadPayload is the JSON body published when the unread count changes.
type UnreadPayload struct {
	Count int `json:"count"`
}

// EncodeNotification builds the published body for ev.
func EncodeNotification(ev notification.Event) ([]byte, error) {
	return json.Marshal(NotificationPayload{
		ID:           ev.ID,
		Kind:         string(ev.Kind),
		ActorID:      ev.ActorID,
		Message:      ev.Message,
		ActionTarget: ev.ActionTarget,
		CreatedAt:    ev.CreatedAt,
		ReadAt:       ev.ReadAt,
	})
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishNotification publishes ev to chatsession.notification.<userID>.
func (c *NATSClient) PublishNotification(userID string, ev notification.Event) error {
	data, err := EncodeNotification(ev)
	if err != nil {
		return fmt.Errorf("nats encode notification %s: %w", ev.ID, err)
	}
	return c.Publish(SubjectNotification+"."+userID, data)
}

// PublishUnread publishes the unread count to chatsession.unread.<userID>.
func (c *NATSClient) PublishUnread(userID string, count int) error {
	data, err := json.Marshal(UnreadPayload{Count: count})
	if err != nil {
		return err
	}
	return c.Publish(SubjectUnread+"."+userID, data)
}

// subscribeNotifications delivers notifications published for userID.
func (c *NATSClient) subscribeNotifications(userID string, handler func(NotificationPayload)) error {
	subject := SubjectNotification + "." + userID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		var p NotificationPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Printf("[nats] bad payload on %s: %v", subject, err)
			return
		}
		handler(p)
	})
}

// unsubscribeNotifications removes the notification subscription for userID.
func (c *NATSClient) unsubscribeNotifications(userID string) error {
	return c.unsubscribe(SubjectNotification + "." + userID)
}

// Relay forwards a notification stream onto NATS for userID. The returned
// func detaches it.
func (c *NATSClient) Relay(userID string, stream *notification.Stream) func() {
	offEvent := stream.OnNotification(func(ev notification.Event) {
		if err := c.PublishNotification(userID, ev); err != nil {
			log.Printf("[nats] publish notification %s: %v", ev.ID, err)
		}
	})
	offUnread := stream.OnUnreadChange(func(n int) {
		if err := c.PublishUnread(userID, n); err != nil {
			log.Printf("[nats] publish unread: %v", err)
		}
	})
	return func() {
		offEvent()
		offUnread()
	}
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()
	return sub.Unsubscribe()
}
