// Package presence tracks live WebSocket connections in Redis: which account
// a connection resolved to, which room it currently has joined, and which
// server instance owns it. Entries carry a TTL so crashed instances leak
// nothing permanent.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all connection hashes.
	KeyPrefix = "conn:"

	// TTL is the time-to-live for connection keys; refreshed on activity.
	TTL = 1 * time.Hour
)

// Entry is one live connection's state as stored in Redis.
type Entry struct {
	ConnID     string `redis:"conn_id"`
	AccountID  int64  `redis:"account_id"` // 0 for anonymous connections
	RoomID     int64  `redis:"room_id"`    // 0 when no room is joined
	Server     string `redis:"server"`     // which server instance owns the socket
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store manages connection presence in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore connects to Redis and returns a presence store tagged with this
// server instance's name.
func NewStore(redisAddr, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create records a freshly admitted connection.
func (s *Store) Create(ctx context.Context, connID string, accountID int64) error {
	key := KeyPrefix + connID
	now := time.Now().Unix()

	entry := map[string]interface{}{
		"conn_id":     connID,
		"account_id":  accountID,
		"room_id":     0,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, entry)
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a connection's entry. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Entry, error) {
	key := KeyPrefix + connID
	var entry Entry
	if err := s.client.HGetAll(ctx, key).Scan(&entry); err != nil {
		return nil, err
	}
	if entry.ConnID == "" {
		return nil, nil
	}
	return &entry, nil
}

// SetRoom records the connection's current room and refreshes the TTL. Pass 0
// to clear.
func (s *Store) SetRoom(ctx context.Context, connID string, roomID int64) error {
	key := KeyPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "room_id", roomID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes the TTL and last-active timestamp.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := KeyPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a connection's entry.
func (s *Store) Delete(ctx context.Context, connID string) error {
	return s.client.Del(ctx, KeyPrefix+connID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
