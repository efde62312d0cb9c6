package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/npezzotti/kaichat/internal/types"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "kaichat"

// RedisPresence mirrors presence into Redis so other instances and services
// can read it. Keys:
//   - <prefix>:presence:<userId> hash {presence, last_seen_at}
//   - <prefix>:online set of user ids whose presence is not offline
type RedisPresence struct {
	client *redis.Client
	prefix string
}

func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func NewRedisPresence(client *redis.Client, prefix string) *RedisPresence {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisPresence{client: client, prefix: prefix}
}

func (s *RedisPresence) presenceKey(userId string) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, userId)
}

func (s *RedisPresence) onlineKey() string {
	return s.prefix + ":online"
}

func (s *RedisPresence) SetPresence(ctx context.Context, userId string, presence types.Presence, lastSeenAt time.Time) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.presenceKey(userId),
		"presence", string(presence),
		"last_seen_at", lastSeenAt.UnixMilli(),
	)
	if presence == types.PresenceOffline {
		pipe.SRem(ctx, s.onlineKey(), userId)
	} else {
		pipe.SAdd(ctx, s.onlineKey(), userId)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}

	return nil
}

// GetPresence reports offline for users that were never seen.
func (s *RedisPresence) GetPresence(ctx context.Context, userId string) (types.Presence, time.Time, error) {
	vals, err := s.client.HGetAll(ctx, s.presenceKey(userId)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", time.Time{}, fmt.Errorf("get presence: %w", err)
	}
	if len(vals) == 0 {
		return types.PresenceOffline, time.Time{}, nil
	}

	var lastSeen time.Time
	if ms, err := strconv.ParseInt(vals["last_seen_at"], 10, 64); err == nil {
		lastSeen = time.UnixMilli(ms).UTC()
	}

	return types.Presence(vals["presence"]), lastSeen, nil
}

func (s *RedisPresence) OnlineUsers(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.onlineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("online users: %w", err)
	}
	return ids, nil
}

// Reset clears the online set. The server calls it at startup so nobody is
// left online from a previous process.
func (s *RedisPresence) Reset(ctx context.Context) error {
	ids, err := s.OnlineUsers(ctx)
	if err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.HSet(ctx, s.presenceKey(id), "presence", string(types.PresenceOffline))
	}
	pipe.Del(ctx, s.onlineKey())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}

	return nil
}
