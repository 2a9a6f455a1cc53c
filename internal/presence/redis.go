package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "presence:"

// Redis shares presence between nodes. Each node keeps its own users in a Local registry and
// refreshes their keys before the TTL lapses, so a crashed node's users expire on their own.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	local  *Local
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Redis{client: client, ttl: ttl, local: NewLocal()}
}

func (r *Redis) Register(ctx context.Context, userID string) error {
	k := key(userID)
	if k == "" {
		return nil
	}
	_ = r.local.Register(ctx, k)
	return r.client.Set(ctx, keyPrefix+k, "1", r.ttl).Err()
}

func (r *Redis) Unregister(ctx context.Context, userID string) error {
	k := key(userID)
	_ = r.local.Unregister(ctx, k)
	return r.client.Del(ctx, keyPrefix+k).Err()
}

func (r *Redis) IsOnline(ctx context.Context, userID string) (bool, error) {
	k := key(userID)
	if k == "" {
		return false, nil
	}
	n, err := r.client.Exists(ctx, keyPrefix+k).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Refresh extends the TTL of every user connected to this node.
func (r *Redis) Refresh(ctx context.Context) error {
	users := r.local.Online()
	if len(users) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, k := range users {
		pipe.Set(ctx, keyPrefix+k, "1", r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
