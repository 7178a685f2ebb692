// Package readstate persists conversation summaries (display name, last
// activity and unread count) in Redis so a restarted client can show its
// conversation list before the REST listing arrives.
package readstate

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-session/internal/conversation"
)

const (
	// Prefix is the Redis key prefix for all read-state keys.
	Prefix = "readstate:"

	// TTL is the time-to-live for summary hashes and the per-user index.
	TTL = 7 * 24 * time.Hour
)

// record is one conversation summary as stored in a Redis hash.
type record struct {
	Key             string `redis:"key"` // kind:id
	DisplayName     string `redis:"display_name"`
	LastMessage     string `redis:"last_message"`
	LastMessageTime int64  `redis:"last_message_time"` // unix milliseconds
	UnreadCount     int    `redis:"unread_count"`
}

// Store reads and writes summaries in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a Store connected to Redis and verifies the connection.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("readstate: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func indexKey(userID string) string { return Prefix + userID }

func summaryKey(userID string, key conversation.Key) string {
	return Prefix + userID + ":" + key.String()
}

// Save writes the given summaries for userID and refreshes their TTL.
func (s *Store) Save(ctx context.Context, userID string, sums []conversation.Summary) error {
	if len(sums) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, sum := range sums {
		k := summaryKey(userID, sum.Key)
		var lastAt int64
		if !sum.LastMessageTime.IsZero() {
			lastAt = sum.LastMessageTime.UnixMilli()
		}
		pipe.HSet(ctx, k, map[string]interface{}{
			"key":               sum.Key.String(),
			"display_name":      sum.DisplayName,
			"last_message":      sum.LastMessage,
			"last_message_time": lastAt,
			"unread_count":      sum.UnreadCount,
		})
		pipe.Expire(ctx, k, TTL)
		pipe.SAdd(ctx, indexKey(userID), sum.Key.String())
	}
	pipe.Expire(ctx, indexKey(userID), TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("readstate: save %d summaries: %w", len(sums), err)
	}
	return nil
}

// Load returns every summary stored for userID. Index entries whose hash
// has expired are pruned.
func (s *Store) Load(ctx context.Context, userID string) ([]conversation.Summary, error) {
	members, err := s.client.SMembers(ctx, indexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("readstate: load index: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, Prefix+userID+":"+m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("readstate: load summaries: %w", err)
	}

	var out []conversation.Summary
	var stale []interface{}
	for i, cmd := range cmds {
		var rec record
		if err := cmd.Scan(&rec); err != nil || rec.Key == "" {
			stale = append(stale, members[i])
			continue
		}
		key, err := conversation.ParseKey(rec.Key)
		if err != nil {
			log.Printf("[readstate] bad key %q for user %s: %v", rec.Key, userID, err)
			stale = append(stale, members[i])
			continue
		}
		sum := conversation.Summary{
			Key:         key,
			DisplayName: rec.DisplayName,
			LastMessage: rec.LastMessage,
			UnreadCount: rec.UnreadCount,
		}
		if rec.LastMessageTime > 0 {
			sum.LastMessageTime = time.UnixMilli(rec.LastMessageTime).UTC()
		}
		out = append(out, sum)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, indexKey(userID), stale...).Err(); err != nil {
			log.Printf("[readstate] prune index for %s: %v", userID, err)
		}
	}
	return out, nil
}

// Delete removes one conversation summary.
func (s *Store) Delete(ctx context.Context, userID string, key conversation.Key) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, summaryKey(userID, key))
	pipe.SRem(ctx, indexKey(userID), key.String())
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Summaries converts store snapshots into summaries. The last message body
// is taken from the newest loaded message when there is one.
func Summaries(convs []conversation.Conversation) []conversation.Summary {
	out := make([]conversation.Summary, 0, len(convs))
	for _, c := range convs {
		sum := conversation.Summary{
			Key:             c.Key,
			DisplayName:     c.DisplayName,
			LastMessageTime: c.LastMessageTime,
			UnreadCount:     c.UnreadCount,
		}
		if n := len(c.Messages); n > 0 {
			sum.LastMessage = c.Messages[n-1].Body
		}
		out = append(out, sum)
	}
	return out
}
