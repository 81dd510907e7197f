package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// OnlineSetKey is the Redis set of user ids with a live chat session.
	OnlineSetKey = "presence:online"

	// UserPrefix is the Redis key prefix for per-user presence hashes.
	UserPrefix = "presence:user:"

	// PresenceTTL bounds how long a per-user hash outlives a crashed relay.
	PresenceTTL = 1 * time.Hour
)

// Entry is a user's presence record as stored in Redis.
type Entry struct {
	UserID   int64  `redis:"user_id"`
	Server   string `redis:"server"`    // which relay instance holds the session
	OnlineAt int64  `redis:"online_at"` // unix timestamp
}

// Store mirrors the directory into Redis so other services can query who is
// online without talking to the relay.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
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

// NewStoreFromClient wraps an existing Redis client.
func NewStoreFromClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// MarkOnline records the user as online on this server.
func (s *Store) MarkOnline(ctx context.Context, userID int64) error {
	key := UserPrefix + strconv.FormatInt(userID, 10)

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, OnlineSetKey, userID)
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":   userID,
		"server":    s.serverName,
		"online_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkOffline removes the user's presence record.
func (s *Store) MarkOffline(ctx context.Context, userID int64) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, OnlineSetKey, userID)
	pipe.Del(ctx, UserPrefix+strconv.FormatInt(userID, 10))
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns a user's presence record, or nil if the user is offline.
func (s *Store) Get(ctx context.Context, userID int64) (*Entry, error) {
	var e Entry
	if err := s.client.HGetAll(ctx, UserPrefix+strconv.FormatInt(userID, 10)).Scan(&e); err != nil {
		return nil, err
	}
	if e.UserID == 0 {
		return nil, nil
	}
	return &e, nil
}

// IsOnline reports whether the user is in the online set.
func (s *Store) IsOnline(ctx context.Context, userID int64) (bool, error) {
	return s.client.SIsMember(ctx, OnlineSetKey, userID).Result()
}

// Clear removes every user this server marked online. It is called on
// shutdown so a stopped relay does not leave users looking online.
func (s *Store) Clear(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, OnlineSetKey).Result()
	if err != nil {
		return err
	}
	for _, raw := range ids {
		key := UserPrefix + raw
		server, err := s.client.HGet(ctx, key, "server").Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if server != s.serverName {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.SRem(ctx, OnlineSetKey, raw)
		pipe.Del(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
