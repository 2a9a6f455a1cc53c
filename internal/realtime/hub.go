package realtime

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"semaphore/messaging/internal/logging"
)

const channelPrefix = "rt:"

// Publisher delivers an event to every member of a room.
type Publisher interface {
	Publish(ctx context.Context, room, event string, data any) error
}

// Hub keeps room memberships of the connections on this node. With a Redis client, events are
// published through Redis and every node, this one included, delivers them to its local members.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]*Connection // room -> connID -> connection
	connRooms map[string][]string               // connID -> rooms

	rdb    *redis.Client
	logger *zap.Logger
}

func NewHub(rdb *redis.Client, logger *zap.Logger) *Hub {
	return &Hub{
		rooms:     make(map[string]map[string]*Connection),
		connRooms: make(map[string][]string),
		rdb:       rdb,
		logger:    logging.OrNop(logger).Named("realtime"),
	}
}

// Start subscribes to the Redis bridge. It returns once the subscription is confirmed and
// keeps delivering until ctx is cancelled. Without Redis it is a no-op.
func (h *Hub) Start(ctx context.Context) error {
	if h.rdb == nil {
		return nil
	}
	pubsub := h.rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h.deliver(strings.TrimPrefix(msg.Channel, channelPrefix), []byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Attach starts the connection and joins it to rooms. A user may hold several connections.
func (h *Hub) Attach(conn *Connection, rooms ...string) {
	h.mu.Lock()
	for _, room := range rooms {
		members := h.rooms[room]
		if members == nil {
			members = make(map[string]*Connection)
			h.rooms[room] = members
		}
		members[conn.ID] = conn
	}
	h.connRooms[conn.ID] = append(h.connRooms[conn.ID], rooms...)
	h.mu.Unlock()

	conn.Start()
}

func (h *Hub) Detach(conn *Connection) {
	h.mu.Lock()
	for _, room := range h.connRooms[conn.ID] {
		members := h.rooms[room]
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.connRooms, conn.ID)
	h.mu.Unlock()
}

func (h *Hub) Publish(ctx context.Context, room, event string, data any) error {
	payload, err := Encode(event, data)
	if err != nil {
		return err
	}
	if h.rdb != nil {
		return h.rdb.Publish(ctx, channelPrefix+room, payload).Err()
	}
	h.deliver(room, payload)
	return nil
}

// Members reports how many local connections are in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every local connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make(map[string]*Connection)
	for _, members := range h.rooms {
		for id, conn := range members {
			conns[id] = conn
		}
	}
	h.rooms = make(map[string]map[string]*Connection)
	h.connRooms = make(map[string][]string)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(1001, "server shutdown")
	}
}

func (h *Hub) deliver(room string, payload []byte) {
	h.mu.RLock()
	members := make([]*Connection, 0, len(h.rooms[room]))
	for _, conn := range h.rooms[room] {
		members = append(members, conn)
	}
	h.mu.RUnlock()

	for _, conn := range members {
		if err := conn.Send(payload); err != nil {
			h.logger.Debug("realtime delivery dropped", zap.String("room", room), zap.String("conn", conn.ID), zap.Error(err))
		}
	}
}
