package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func openTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisPresenceSharedBetweenNodes(t *testing.T) {
	client := openTestRedis(t)
	ctx := context.Background()
	nodeA := NewRedis(client, time.Minute)
	nodeB := NewRedis(client, time.Minute)
	userID := uuid.NewString()

	if err := nodeA.Register(ctx, userID); err != nil {
		t.Fatalf("register: %v", err)
	}
	online, err := nodeB.IsOnline(ctx, userID)
	if err != nil || !online {
		t.Fatalf("expected user visible from another node, online=%v err=%v", online, err)
	}
	if err := nodeA.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := nodeA.Unregister(ctx, userID); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if online, _ := nodeB.IsOnline(ctx, userID); online {
		t.Fatalf("expected user offline after unregister")
	}
}
