package messaging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"semaphore/messaging/internal/apperr"
	"semaphore/messaging/internal/logging"
	"semaphore/messaging/internal/metrics"
	"semaphore/messaging/internal/model"
	"semaphore/messaging/internal/observability"
	"semaphore/messaging/internal/realtime"
)

type MessageStore interface {
	CreateMessage(ctx context.Context, msg model.Message) (model.Message, error)
	MarkMessagesRead(ctx context.Context, ids []string, readerID string, at time.Time) ([]model.Message, error)
	ListThread(ctx context.Context, studentID, courseID string, offset, limit int) ([]model.Message, int, error)
}

// Conversations is the slice of the conversation resolver the pipeline depends on.
type Conversations interface {
	GetForParticipant(ctx context.Context, id, userID string) (model.Conversation, error)
	AuthorizeSend(ctx context.Context, senderID, receiverID, schoolID, studentID, courseID string) error
	RecordMessage(ctx context.Context, activity model.ConversationActivity) (model.Conversation, error)
	ResetUnread(ctx context.Context, conversationID string, side model.Side) (model.Conversation, error)
}

// Notifier turns a new message into a notification. It must not fail the send path.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, msg model.Message)
}

// FileConfirmer resolves an upload key to durable file metadata, failing for unknown uploads.
type FileConfirmer interface {
	Confirm(ctx context.Context, key string) (model.FileRef, error)
}

type Pipeline struct {
	messages      MessageStore
	conversations Conversations
	publisher     realtime.Publisher
	notifier      Notifier
	files         FileConfirmer
	logger        *zap.Logger
	now           func() time.Time
}

func NewPipeline(messages MessageStore, conversations Conversations, publisher realtime.Publisher, notifier Notifier, files FileConfirmer, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		messages:      messages,
		conversations: conversations,
		publisher:     publisher,
		notifier:      notifier,
		files:         files,
		logger:        logging.OrNop(logger).Named("messaging"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type SendInput struct {
	SenderID   string
	SenderRole string
	SchoolID   string
	ReceiverID string
	StudentID  string
	CourseID   string
	Content    string
	Kind       string
	File       *model.FileRef
}

// SendMessage persists the message, then updates the thread aggregate, delivers the message to
// the receiver and raises a notification. Only validation, the participant check and the
// insert can fail the call.
func (p *Pipeline) SendMessage(ctx context.Context, in SendInput) (model.Message, error) {
	msg, err := p.prepare(ctx, in)
	if err != nil {
		return model.Message{}, err
	}
	if err := p.conversations.AuthorizeSend(ctx, msg.SenderID, msg.ReceiverID, msg.SchoolID, msg.StudentID, msg.CourseID); err != nil {
		return model.Message{}, err
	}

	msg, err = p.messages.CreateMessage(ctx, msg)
	if err != nil {
		return model.Message{}, apperr.Internal(fmt.Errorf("create message: %w", err))
	}
	metrics.MessagesSent.WithLabelValues(string(msg.Kind)).Inc()

	if _, err := p.conversations.RecordMessage(ctx, model.ConversationActivity{
		Participants: []string{msg.SenderID, msg.ReceiverID},
		StudentID:    msg.StudentID,
		CourseID:     msg.CourseID,
		SchoolID:     msg.SchoolID,
		MessageID:    msg.ID,
		At:           msg.CreatedAt,
		ReceiverSide: model.SideOf(in.SenderRole).Other(),
	}); err != nil {
		p.logger.Error("conversation aggregate update failed",
			zap.String("message_id", msg.ID),
			zap.String("student_id", msg.StudentID),
			zap.String("course_id", msg.CourseID),
			zap.Error(err))
		observability.CaptureErr(err)
	}

	if err := p.publisher.Publish(ctx, realtime.UserRoom(msg.ReceiverID), realtime.EventReceiveMessage, msg); err != nil {
		p.logger.Warn("realtime delivery failed", zap.String("message_id", msg.ID), zap.String("receiver_id", msg.ReceiverID), zap.Error(err))
	}
	if p.notifier != nil {
		p.notifier.NotifyNewMessage(ctx, msg)
	}
	return msg, nil
}

func (p *Pipeline) prepare(ctx context.Context, in SendInput) (model.Message, error) {
	if !validID(in.ReceiverID) {
		return model.Message{}, apperr.Validation("invalid_receiver_id", "receiverId must be a valid identifier")
	}
	if !validID(in.StudentID) {
		return model.Message{}, apperr.Validation("invalid_student_id", "studentId must be a valid identifier")
	}
	if !validID(in.CourseID) {
		return model.Message{}, apperr.Validation("invalid_course_id", "courseId must be a valid identifier")
	}
	if !validID(in.SchoolID) {
		return model.Message{}, apperr.Validation("invalid_school_id", "schoolId must be a valid identifier")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return model.Message{}, apperr.Validation("missing_content", "content is required")
	}
	kind, ok := model.ParseMessageKind(in.Kind)
	if !ok {
		return model.Message{}, apperr.Validation("invalid_kind", "kind must be one of text, file, image")
	}

	msg := model.Message{
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    content,
		Kind:       kind,
		StudentID:  in.StudentID,
		CourseID:   in.CourseID,
		SchoolID:   in.SchoolID,
		CreatedAt:  p.now(),
	}
	if kind.HasFile() {
		if in.File == nil || strings.TrimSpace(in.File.Key) == "" {
			return model.Message{}, apperr.Validation("missing_file", "a confirmed upload is required for file messages")
		}
		if p.files == nil {
			return model.Message{}, apperr.Configuration("storage_unavailable", "file storage is not configured")
		}
		file, err := p.files.Confirm(ctx, in.File.Key)
		if err != nil {
			return model.Message{}, apperr.Validation("file_not_confirmed", "the upload has not been confirmed")
		}
		msg.File = &file
	}
	return msg, nil
}

type ReadInput struct {
	ReaderID       string
	ReaderRole     string
	MessageIDs     []string
	ConversationID string
}

type ReadResult struct {
	Messages     []model.Message     `json:"messages"`
	Conversation *model.Conversation `json:"conversation,omitempty"`
}

type unreadUpdate struct {
	ConversationID string            `json:"conversationId"`
	UnreadCount    model.UnreadCount `json:"unreadCount"`
}

type readReceipt struct {
	MessageIDs     []string  `json:"messageIds"`
	ReaderID       string    `json:"readerId"`
	ConversationID string    `json:"conversationId,omitempty"`
	ReadAt         time.Time `json:"readAt"`
}

// MarkRead acknowledges messages addressed to the reader. With a conversation id the reader's
// unread bucket is reset and every participant receives the new counters.
func (p *Pipeline) MarkRead(ctx context.Context, in ReadInput) (ReadResult, error) {
	var result ReadResult
	ids := make([]string, 0, len(in.MessageIDs))
	for _, id := range in.MessageIDs {
		if validID(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 && in.ConversationID == "" {
		return result, apperr.Validation("missing_message_ids", "messageIds or conversationId is required")
	}

	var conv model.Conversation
	if in.ConversationID != "" {
		var err error
		conv, err = p.conversations.GetForParticipant(ctx, in.ConversationID, in.ReaderID)
		if err != nil {
			return result, err
		}
	}

	now := p.now()
	if len(ids) > 0 {
		read, err := p.messages.MarkMessagesRead(ctx, ids, in.ReaderID, now)
		if err != nil {
			return result, apperr.Internal(fmt.Errorf("mark messages read: %w", err))
		}
		result.Messages = read
	}

	if in.ConversationID != "" {
		updated, err := p.conversations.ResetUnread(ctx, conv.ID, model.SideOf(in.ReaderRole))
		if err != nil {
			return result, apperr.Internal(fmt.Errorf("reset unread: %w", err))
		}
		result.Conversation = &updated
		update := unreadUpdate{ConversationID: updated.ID, UnreadCount: updated.UnreadCount}
		for _, participant := range updated.Participants {
			p.publish(ctx, realtime.UserRoom(participant), realtime.EventUnreadUpdated, update)
		}
	}

	bySender := make(map[string][]string)
	var senders []string
	for _, msg := range result.Messages {
		key := strings.ToLower(msg.SenderID)
		if _, ok := bySender[key]; !ok {
			senders = append(senders, msg.SenderID)
		}
		bySender[key] = append(bySender[key], msg.ID)
	}
	for _, sender := range senders {
		p.publish(ctx, realtime.UserRoom(sender), realtime.EventMessageRead, readReceipt{
			MessageIDs:     bySender[strings.ToLower(sender)],
			ReaderID:       in.ReaderID,
			ConversationID: in.ConversationID,
			ReadAt:         now,
		})
	}
	return result, nil
}

type TypingInput struct {
	SenderID       string `json:"userId"`
	ReceiverID     string `json:"receiverId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Typing relays a typing or stop-typing hint to the receiver. Nothing is stored.
func (p *Pipeline) Typing(ctx context.Context, event string, in TypingInput) error {
	if event != realtime.EventTyping && event != realtime.EventStopTyping {
		return apperr.Validation("invalid_event", "unknown typing event")
	}
	if strings.TrimSpace(in.ReceiverID) == "" {
		return apperr.Validation("invalid_receiver_id", "receiverId is required")
	}
	p.publish(ctx, realtime.UserRoom(in.ReceiverID), event, in)
	return nil
}

const (
	defaultThreadLimit = 50
	maxThreadLimit     = 100
)

type Thread struct {
	Conversation model.Conversation `json:"conversation"`
	Messages     []model.Message    `json:"messages"`
	Total        int                `json:"total"`
	Page         int                `json:"page"`
	Limit        int                `json:"limit"`
}

// ListMessages returns one page of the thread oldest first. Clients use it to recover
// realtime events they missed.
func (p *Pipeline) ListMessages(ctx context.Context, readerID, conversationID string, page, limit int) (Thread, error) {
	conv, err := p.conversations.GetForParticipant(ctx, conversationID, readerID)
	if err != nil {
		return Thread{}, err
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultThreadLimit
	}
	if limit > maxThreadLimit {
		limit = maxThreadLimit
	}
	messages, total, err := p.messages.ListThread(ctx, conv.StudentID, conv.CourseID, (page-1)*limit, limit)
	if err != nil {
		return Thread{}, apperr.Internal(fmt.Errorf("list thread: %w", err))
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return Thread{Conversation: conv, Messages: messages, Total: total, Page: page, Limit: limit}, nil
}

func (p *Pipeline) publish(ctx context.Context, room, event string, data any) {
	if err := p.publisher.Publish(ctx, room, event, data); err != nil {
		p.logger.Warn("realtime publish failed", zap.String("room", room), zap.String("event", event), zap.Error(err))
	}
}

func validID(id string) bool {
	_, err := uuid.Parse(strings.TrimSpace(id))
	return err == nil
}
