package presence

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
)

// Registry tracks which users hold a live connection. Presence is a boolean per user,
// not a connection count: the last register or unregister wins.
type Registry interface {
	Register(ctx context.Context, userID string) error
	Unregister(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	users map[string]struct{}
}

// Local is the in-process registry. Users are spread over independently locked shards.
type Local struct {
	shards [shardCount]*shard
}

func NewLocal() *Local {
	l := &Local{}
	for i := range l.shards {
		l.shards[i] = &shard{users: make(map[string]struct{})}
	}
	return l
}

func key(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}

func (l *Local) shardFor(k string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return l.shards[h.Sum32()%shardCount]
}

func (l *Local) Register(_ context.Context, userID string) error {
	k := key(userID)
	if k == "" {
		return nil
	}
	s := l.shardFor(k)
	s.mu.Lock()
	s.users[k] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (l *Local) Unregister(_ context.Context, userID string) error {
	k := key(userID)
	s := l.shardFor(k)
	s.mu.Lock()
	delete(s.users, k)
	s.mu.Unlock()
	return nil
}

func (l *Local) IsOnline(_ context.Context, userID string) (bool, error) {
	k := key(userID)
	if k == "" {
		return false, nil
	}
	s := l.shardFor(k)
	s.mu.RLock()
	_, ok := s.users[k]
	s.mu.RUnlock()
	return ok, nil
}

// Online returns a copy of the users registered on this process.
func (l *Local) Online() []string {
	var out []string
	for _, s := range l.shards {
		s.mu.RLock()
		for k := range s.users {
			out = append(out, k)
		}
		s.mu.RUnlock()
	}
	return out
}
