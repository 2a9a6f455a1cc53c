package realtime

import (
	"encoding/json"
	"strings"
)

// Client to server events.
const (
	EventSendMessage = "send-message"
	EventMarkAsRead  = "mark-as-read"
	EventTyping      = "typing"
	EventStopTyping  = "stop-typing"
)

// Server to client events.
const (
	EventMessageSent     = "message-sent"
	EventReceiveMessage  = "receive-message"
	EventUnreadUpdated   = "unread-updated"
	EventMessageRead     = "message-read"
	EventNewNotification = "new-notification"
	EventUserOnline      = "user-online"
	EventUserOffline     = "user-offline"
)

const RoomAll = "all"

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// ErrorEvent is the event name used to report a failed client event back to its sender.
func ErrorEvent(event string) string {
	return event + "-error"
}

func UserRoom(userID string) string {
	return "user:" + strings.ToLower(strings.TrimSpace(userID))
}

func SchoolRoom(schoolID string) string {
	return "school:" + strings.ToLower(strings.TrimSpace(schoolID))
}
