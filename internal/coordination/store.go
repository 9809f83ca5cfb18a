// Package coordination wraps the shared Redis instance every gateway
// process talks to. It is the single point of truth for cross-connection
// and cross-instance state: presence, typing, unread counters, rate-limit
// counters, the offline queue and the recent-message cache. Every mutation
// is one atomic Redis command (or one MULTI/EXEC pipeline), never an
// application-side read-modify-write.
package coordination

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	client *redis.Client
	prefix string
}

func NewStore(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Dial opens and pings a Redis client.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

func (s *Store) presenceKey(userID int64) string {
	return fmt.Sprintf("%s:presence:%d", s.prefix, userID)
}
func (s *Store) lastSeenKey(userID int64) string {
	return fmt.Sprintf("%s:last_seen:%d", s.prefix, userID)
}
func (s *Store) typingKey(convID string, userID int64) string {
	return fmt.Sprintf("%s:typing:%s:%d", s.prefix, convID, userID)
}
func (s *Store) unreadKey(userID int64, convID string) string {
	return fmt.Sprintf("%s:unread:%d:%s", s.prefix, userID, convID)
}
func (s *Store) rateKey(userID int64) string {
	return fmt.Sprintf("%s:rate:message:%d", s.prefix, userID)
}
func (s *Store) offlineKey(userID int64) string {
	return fmt.Sprintf("%s:offline_queue:%d", s.prefix, userID)
}
func (s *Store) streamKey(convID string) string {
	return fmt.Sprintf("%s:messages:conversation:%s", s.prefix, convID)
}
func (s *Store) channel(name string) string {
	return fmt.Sprintf("%s:%s", s.prefix, name)
}

// ---- Presence ----

// SetOnline registers the user's connection. The value records which
// instance holds the socket; absence of the key means offline.
func (s *Store) SetOnline(ctx context.Context, userID int64, instanceID string, ttl time.Duration) error {
	return s.client.Set(ctx, s.presenceKey(userID), instanceID, ttl).Err()
}

// RefreshPresence extends the presence TTL. Called on every inbound event
// so a live connection never expires, while a crashed client self-heals.
func (s *Store) RefreshPresence(ctx context.Context, userID int64, ttl time.Duration) error {
	return s.client.Expire(ctx, s.presenceKey(userID), ttl).Err()
}

func (s *Store) SetOffline(ctx context.Context, userID int64) error {
	return s.client.Del(ctx, s.presenceKey(userID)).Err()
}

func (s *Store) IsOnline(ctx context.Context, userID int64) (bool, error) {
	n, err := s.client.Exists(ctx, s.presenceKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) UpdateLastSeen(ctx context.Context, userID int64) error {
	return s.client.Set(ctx, s.lastSeenKey(userID), strconv.FormatInt(time.Now().UnixMilli(), 10), 0).Err()
}

// LastSeen returns the last-seen timestamp in Unix milliseconds, or zero
// if the user has never connected.
func (s *Store) LastSeen(ctx context.Context, userID int64) (int64, error) {
	v, err := s.client.Get(ctx, s.lastSeenKey(userID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// ---- Typing ----

func (s *Store) SetTyping(ctx context.Context, convID string, userID int64, ttl time.Duration) error {
	return s.client.Set(ctx, s.typingKey(convID, userID), "1", ttl).Err()
}

func (s *Store) ClearTyping(ctx context.Context, convID string, userID int64) error {
	return s.client.Del(ctx, s.typingKey(convID, userID)).Err()
}

func (s *Store) IsTyping(ctx context.Context, convID string, userID int64) (bool, error) {
	n, err := s.client.Exists(ctx, s.typingKey(convID, userID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ---- Unread counters ----

func (s *Store) IncrUnread(ctx context.Context, userID int64, convID string) (int64, error) {
	return s.client.Incr(ctx, s.unreadKey(userID, convID)).Result()
}

func (s *Store) ResetUnread(ctx context.Context, userID int64, convID string) error {
	return s.client.Del(ctx, s.unreadKey(userID, convID)).Err()
}

func (s *Store) UnreadCount(ctx context.Context, userID int64, convID string) (int64, error) {
	v, err := s.client.Get(ctx, s.unreadKey(userID, convID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// ---- Rate limiting ----

// AllowSend implements the fixed-window counter: INCR, set the expiry on
// the first hit, reject once the count exceeds limit. Bursts up to limit
// within one window are allowed.
func (s *Store) AllowSend(ctx context.Context, userID int64, limit int, window time.Duration) (bool, error) {
	key := s.rateKey(userID)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(limit), nil
}

// ---- Offline queue ----

// QueueOffline appends a fully-formed message payload to the recipient's
// FIFO queue. The queue carries a bounded retention window; entries older
// than that are dropped by expiry rather than delivered.
func (s *Store) QueueOffline(ctx context.Context, userID int64, payload []byte, ttl time.Duration) error {
	key := s.offlineKey(userID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// DrainOffline reads and clears the queue in one transaction, so a second
// connect cannot replay the same entries.
func (s *Store) DrainOffline(ctx context.Context, userID int64) ([][]byte, error) {
	key := s.offlineKey(userID)
	pipe := s.client.TxPipeline()
	lrange := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	vals, err := lrange.Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

// ---- Recent-message cache ----

// CacheMessage appends the message payload to the conversation's stream
// and returns the stream entry ID, which the durable record keeps as a
// cache pointer.
func (s *Store) CacheMessage(ctx context.Context, convID string, payload []byte, ttl time.Duration) (string, error) {
	key := s.streamKey(convID)
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{"payload": payload},
	}).Result()
	if err != nil {
		return "", err
	}
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return id, err
	}
	return id, nil
}

// RecentMessages returns up to count cached payloads, newest first.
func (s *Store) RecentMessages(ctx context.Context, convID string, count int) ([][]byte, error) {
	entries, err := s.client.XRevRangeN(ctx, s.streamKey(convID), "+", "-", int64(count)).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if p, ok := e.Values["payload"].(string); ok {
			out = append(out, []byte(p))
		}
	}
	return out, nil
}

// ---- Pub/sub fan-out ----

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, s.channel(channel), payload).Err()
}

// Subscribe opens a pub/sub subscription on the named channels. The caller
// owns the returned subscription and must Close it.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	full := make([]string, len(channels))
	for i, c := range channels {
		full[i] = s.channel(c)
	}
	return s.client.Subscribe(ctx, full...)
}

// ChannelName resolves a logical channel to its prefixed Redis name, for
// matching inbound pub/sub messages back to handlers.
func (s *Store) ChannelName(channel string) string {
	return s.channel(channel)
}
