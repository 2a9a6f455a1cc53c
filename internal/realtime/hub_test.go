package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type roomServer struct {
	hub   *Hub
	ready chan *Connection
}

func newRoomServer(t *testing.T, hub *Hub) (*httptest.Server, *roomServer) {
	t.Helper()
	rs := &roomServer{hub: hub, ready: make(chan *Connection, 4)}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		userID := r.URL.Query().Get("user")
		conn := NewConnection(ws, userID, "teacher", "school-1")
		hub.Attach(conn, UserRoom(userID), SchoolRoom("school-1"), RoomAll)
		rs.ready <- conn
		conn.ReadLoop(func(Envelope) {})
		hub.Detach(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, rs
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func TestHubDeliversToUserRoomOnly(t *testing.T) {
	hub := NewHub(nil, nil)
	srv, rs := newRoomServer(t, hub)

	alice := dial(t, srv, "alice")
	<-rs.ready
	bob := dial(t, srv, "bob")
	<-rs.ready

	if err := hub.Publish(context.Background(), UserRoom("alice"), EventReceiveMessage, map[string]string{"content": "Hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	env := readEnvelope(t, alice)
	if env.Event != EventReceiveMessage {
		t.Fatalf("unexpected event %s", env.Event)
	}
	var data map[string]string
	if err := json.Unmarshal(env.Data, &data); err != nil || data["content"] != "Hi" {
		t.Fatalf("unexpected payload %s", string(env.Data))
	}

	if err := hub.Publish(context.Background(), RoomAll, EventUserOnline, map[string]string{"userId": "carol"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// bob never saw the private message: the first frame is the broadcast
	if env := readEnvelope(t, bob); env.Event != EventUserOnline {
		t.Fatalf("expected broadcast first, got %s", env.Event)
	}
}

func TestHubMultipleConnectionsPerUser(t *testing.T) {
	hub := NewHub(nil, nil)
	srv, rs := newRoomServer(t, hub)

	first := dial(t, srv, "alice")
	<-rs.ready
	second := dial(t, srv, "alice")
	<-rs.ready

	if got := hub.Members(UserRoom("alice")); got != 2 {
		t.Fatalf("expected two connections in the user room, got %d", got)
	}
	_ = hub.Publish(context.Background(), UserRoom("ALICE"), EventNewNotification, map[string]string{"id": "n1"})
	for _, ws := range []*websocket.Conn{first, second} {
		if env := readEnvelope(t, ws); env.Event != EventNewNotification {
			t.Fatalf("unexpected event %s", env.Event)
		}
	}
}

func TestHubDetachRemovesMembership(t *testing.T) {
	hub := NewHub(nil, nil)
	srv, rs := newRoomServer(t, hub)

	ws := dial(t, srv, "alice")
	conn := <-rs.ready
	_ = ws.Close()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected server side connection to close")
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.Members(UserRoom("alice")) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected room to be empty after detach")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestErrorEvent(t *testing.T) {
	if ErrorEvent(EventSendMessage) != "send-message-error" {
		t.Fatalf("unexpected error event name")
	}
}
