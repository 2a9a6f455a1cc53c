package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"semaphore/messaging/internal/apperr"
	"semaphore/messaging/internal/auth"
	"semaphore/messaging/internal/messaging"
	"semaphore/messaging/internal/metrics"
	"semaphore/messaging/internal/model"
	"semaphore/messaging/internal/realtime"
)

const inboundBuffer = 32

type presenceEvent struct {
	UserID string `json:"userId"`
}

// handleSocket authenticates the upgrade with the token query parameter (or a bearer header),
// joins the connection to its user, school and broadcast rooms, then serves its events.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	claims, err := auth.ParseToken(s.jwtPublicKey, s.cfg.JWTIssuer, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	// Work started from this connection outlives it.
	ctx := context.WithoutCancel(r.Context())

	conn := realtime.NewConnection(ws, claims.UserID, claims.UserType, claims.SchoolID)
	rooms := []string{realtime.UserRoom(claims.UserID), realtime.RoomAll}
	if claims.SchoolID != "" {
		rooms = append(rooms, realtime.SchoolRoom(claims.SchoolID))
	}
	s.deps.Hub.Attach(conn, rooms...)
	metrics.SocketConnections.Inc()
	s.setPresence(ctx, claims.UserID, true)

	inbound := make(chan realtime.Envelope, inboundBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range inbound {
			s.handleEvent(ctx, conn, claims, env)
		}
	}()

	conn.ReadLoop(func(env realtime.Envelope) {
		inbound <- env
	})
	close(inbound)

	s.deps.Hub.Detach(conn)
	metrics.SocketConnections.Dec()
	s.setPresence(ctx, claims.UserID, false)
	<-done
}

func (s *Server) setPresence(ctx context.Context, userID string, online bool) {
	event := realtime.EventUserOffline
	var err error
	if online {
		event = realtime.EventUserOnline
		err = s.deps.Presence.Register(ctx, userID)
	} else {
		err = s.deps.Presence.Unregister(ctx, userID)
	}
	if err != nil {
		s.logger.Warn("presence update failed", zap.String("user_id", userID), zap.Bool("online", online), zap.Error(err))
	}
	if err := s.deps.Hub.Publish(ctx, realtime.RoomAll, event, presenceEvent{UserID: userID}); err != nil {
		s.logger.Warn("presence broadcast failed", zap.String("user_id", userID), zap.Error(err))
	}
}

type sendMessagePayload struct {
	ReceiverID string         `json:"receiverId"`
	Content    string         `json:"content"`
	StudentID  string         `json:"studentId"`
	CourseID   string         `json:"courseId"`
	SchoolID   string         `json:"schoolId,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	File       *model.FileRef `json:"file,omitempty"`
}

type markAsReadPayload struct {
	MessageIDs     []string `json:"messageIds"`
	ConversationID string   `json:"conversationId,omitempty"`
}

type typingPayload struct {
	ReceiverID     string `json:"receiverId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// handleEvent runs one client event. Failures are answered on this connection only.
func (s *Server) handleEvent(ctx context.Context, conn *realtime.Connection, claims *auth.Claims, env realtime.Envelope) {
	switch env.Event {
	case realtime.EventSendMessage:
		var payload sendMessagePayload
		if !s.decodeEvent(conn, env, &payload) {
			return
		}
		msg, err := s.deps.Messages.SendMessage(ctx, messaging.SendInput{
			SenderID:   claims.UserID,
			SenderRole: claims.UserType,
			SchoolID:   schoolFor(claims, payload.SchoolID),
			ReceiverID: payload.ReceiverID,
			StudentID:  payload.StudentID,
			CourseID:   payload.CourseID,
			Content:    payload.Content,
			Kind:       payload.Kind,
			File:       payload.File,
		})
		if err != nil {
			s.replyError(conn, env.Event, err)
			return
		}
		s.reply(conn, realtime.EventMessageSent, msg)

	case realtime.EventMarkAsRead:
		var payload markAsReadPayload
		if !s.decodeEvent(conn, env, &payload) {
			return
		}
		if _, err := s.deps.Messages.MarkRead(ctx, messaging.ReadInput{
			ReaderID:       claims.UserID,
			ReaderRole:     claims.UserType,
			MessageIDs:     payload.MessageIDs,
			ConversationID: payload.ConversationID,
		}); err != nil {
			s.replyError(conn, env.Event, err)
		}

	case realtime.EventTyping, realtime.EventStopTyping:
		var payload typingPayload
		if !s.decodeEvent(conn, env, &payload) {
			return
		}
		if err := s.deps.Messages.Typing(ctx, env.Event, messaging.TypingInput{
			SenderID:       claims.UserID,
			ReceiverID:     payload.ReceiverID,
			ConversationID: payload.ConversationID,
		}); err != nil {
			s.replyError(conn, env.Event, err)
		}

	case "":
		s.reply(conn, "error", errorBody(apperr.Validation("invalid_frame", "frames must be JSON envelopes with an event")))

	default:
		s.replyError(conn, env.Event, apperr.Validation("unknown_event", "unsupported event "+env.Event))
	}
}

func (s *Server) decodeEvent(conn *realtime.Connection, env realtime.Envelope, out interface{}) bool {
	if len(env.Data) == 0 {
		s.replyError(conn, env.Event, apperr.Validation("missing_payload", "event data is required"))
		return false
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		s.replyError(conn, env.Event, apperr.Validation("invalid_payload", "event data is not valid"))
		return false
	}
	return true
}

func (s *Server) replyError(conn *realtime.Connection, event string, err error) {
	if kind := apperr.KindOf(err); kind == apperr.KindInternal || kind == apperr.KindConfiguration {
		s.logger.Error("socket event failed", zap.String("event", event), zap.String("user_id", conn.UserID), zap.Error(err))
	}
	s.reply(conn, realtime.ErrorEvent(event), errorBody(err))
}

func (s *Server) reply(conn *realtime.Connection, event string, data any) {
	if err := conn.SendEvent(event, data); err != nil {
		s.logger.Debug("socket reply dropped", zap.String("event", event), zap.String("conn", conn.ID), zap.Error(err))
	}
}
