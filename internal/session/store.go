// Package session mirrors live gateway connections into Redis so the admin
// dashboard can show who is connected right now across gateway instances.
// The mirror is advisory: the gateway's in-memory trackers remain the source
// of truth for all real-time decisions, and stale records age out via TTL.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brightdesk/helpdesk/internal/identity"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "gw:session:"

	// SessionTTL is the time-to-live for session keys in Redis. The
	// heartbeat refreshes it, so a key that expires belonged to a gateway
	// that died without cleaning up.
	SessionTTL = 5 * time.Minute
)

// Session is the mirrored connection record.
type Session struct {
	ID          string `redis:"id"`
	UserID      string `redis:"user_id"`
	UserRole    string `redis:"user_role"`
	UserName    string `redis:"user_name"`
	Server      string `redis:"server"` // which gateway instance
	ConnectedAt int64  `redis:"connected_at"`
	LastActive  int64  `redis:"last_active"`
}

// Store manages session mirrors in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this gateway instance
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Connect connects to Redis, verifies the connection, and returns a Store.
func Connect(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create mirrors a freshly connected session.
func (s *Store) Create(ctx context.Context, sessionID string, id identity.Identity) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":           sessionID,
		"user_id":      id.ID,
		"user_role":    string(id.Role),
		"user_name":    id.Name,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a mirrored session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var sess Session
	err := s.client.HGetAll(ctx, key).Scan(&sess)
	if err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// Touch refreshes the session's TTL and last-active stamp. Called by the
// heartbeat for every live connection.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session mirror on disconnect.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (the rate limiter shares this connection).
func (s *Store) Client() *redis.Client {
	return s.client
}
