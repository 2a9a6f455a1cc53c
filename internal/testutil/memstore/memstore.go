// Package memstore is an in-memory implementation of the persistence and directory ports,
// used by unit tests in place of PostgreSQL.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"semaphore/messaging/internal/model"
)

type Store struct {
	mu sync.Mutex

	users       map[string]model.User
	students    map[string]model.Student
	enrollments map[string]bool

	conversations map[string]model.Conversation
	messages      []model.Message
	notifications []model.Notification
	subscriptions []model.PushSubscription

	// FailRecordMessage, when set, is returned by RecordMessage.
	FailRecordMessage error
}

func New() *Store {
	return &Store{
		users:         make(map[string]model.User),
		students:      make(map[string]model.Student),
		enrollments:   make(map[string]bool),
		conversations: make(map[string]model.Conversation),
	}
}

func k(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func pair(studentID, courseID string) string {
	return k(studentID) + "/" + k(courseID)
}

// Directory seeding

func (s *Store) AddUser(user model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[k(user.ID)] = user
}

func (s *Store) AddStudent(student model.Student) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students[k(student.ID)] = student
}

func (s *Store) Enroll(studentID, courseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollments[pair(studentID, courseID)] = true
}

func (s *Store) GetUser(_ context.Context, id string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[k(id)]
	if !ok {
		return model.User{}, model.ErrNotFound
	}
	return user, nil
}

func (s *Store) GetStudent(_ context.Context, id string) (model.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	student, ok := s.students[k(id)]
	if !ok {
		return model.Student{}, model.ErrNotFound
	}
	return student, nil
}

func (s *Store) StudentsByContactEmail(_ context.Context, email string) ([]model.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Student
	for _, student := range s.students {
		if email != "" && strings.EqualFold(student.ContactEmail, email) {
			out = append(out, student)
		}
	}
	return out, nil
}

func (s *Store) HasActiveEnrollment(_ context.Context, studentID, courseID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrollments[pair(studentID, courseID)], nil
}

func (s *Store) FindGuardianByEmail(_ context.Context, email, schoolID string) (model.User, error) {
	return s.findGuardian(func(u model.User) bool {
		return strings.EqualFold(u.Email, email)
	}, schoolID)
}

func (s *Store) FindGuardianLinkedTo(_ context.Context, studentID, schoolID string) (model.User, error) {
	return s.findGuardian(func(u model.User) bool {
		return model.ContainsID(u.LinkedStudentIDs, studentID)
	}, schoolID)
}

func (s *Store) findGuardian(match func(model.User) bool, schoolID string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []model.User
	for _, user := range s.users {
		if !model.IsGuardian(user.Role) || !match(user) {
			continue
		}
		if schoolID != "" && !model.SameID(user.SchoolID, schoolID) {
			continue
		}
		found = append(found, user)
	}
	if len(found) == 0 {
		return model.User{}, model.ErrNotFound
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return found[0], nil
}

// Conversations

func (s *Store) GetConversation(_ context.Context, id string) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		if model.SameID(conv.ID, id) {
			return clone(conv), nil
		}
	}
	return model.Conversation{}, model.ErrNotFound
}

func (s *Store) GetConversationByPair(_ context.Context, studentID, courseID string) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[pair(studentID, courseID)]
	if !ok {
		return model.Conversation{}, model.ErrNotFound
	}
	return clone(conv), nil
}

func (s *Store) ListConversationsForParticipant(_ context.Context, userID, schoolID string) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Conversation
	for _, conv := range s.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		if schoolID != "" && !model.SameID(conv.SchoolID, schoolID) {
			continue
		}
		out = append(out, clone(conv))
	}
	return out, nil
}

func (s *Store) ListConversationsForStudents(_ context.Context, studentIDs []string) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Conversation
	for _, conv := range s.conversations {
		if model.ContainsID(studentIDs, conv.StudentID) {
			out = append(out, clone(conv))
		}
	}
	return out, nil
}

func (s *Store) CreateConversation(_ context.Context, conv model.Conversation) (model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair(conv.StudentID, conv.CourseID)
	if existing, ok := s.conversations[key]; ok {
		return clone(existing), false, nil
	}
	now := time.Now().UTC()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	conv.UnreadCount = model.UnreadCount{}
	conv.CreatedAt, conv.UpdatedAt = now, now
	conv.Participants = uniqueIDs(conv.Participants)
	s.conversations[key] = conv
	return clone(conv), true, nil
}

func (s *Store) AddParticipant(_ context.Context, conversationID, userID string) (model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, conv := range s.conversations {
		if !model.SameID(conv.ID, conversationID) {
			continue
		}
		if conv.HasParticipant(userID) {
			return clone(conv), false, nil
		}
		conv.Participants = append(append([]string(nil), conv.Participants...), userID)
		conv.UpdatedAt = time.Now().UTC()
		s.conversations[key] = conv
		return clone(conv), true, nil
	}
	return model.Conversation{}, false, model.ErrNotFound
}

func (s *Store) RecordMessage(_ context.Context, activity model.ConversationActivity) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailRecordMessage != nil {
		return model.Conversation{}, s.FailRecordMessage
	}
	key := pair(activity.StudentID, activity.CourseID)
	conv, ok := s.conversations[key]
	if !ok {
		conv = model.Conversation{
			ID:        activity.ConversationID,
			StudentID: activity.StudentID,
			CourseID:  activity.CourseID,
			SchoolID:  activity.SchoolID,
			CreatedAt: activity.At,
		}
		if conv.ID == "" {
			conv.ID = uuid.NewString()
		}
		conv.Participants = uniqueIDs(activity.Participants)
	}
	messageID := activity.MessageID
	at := activity.At
	conv.LastMessageID = &messageID
	conv.LastMessageAt = &at
	if activity.ReceiverSide == model.SideStaff {
		conv.UnreadCount.Staff++
	} else {
		conv.UnreadCount.Guardian++
	}
	conv.UpdatedAt = at
	s.conversations[key] = conv
	return clone(conv), nil
}

func (s *Store) ResetUnread(_ context.Context, conversationID string, side model.Side) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, conv := range s.conversations {
		if !model.SameID(conv.ID, conversationID) {
			continue
		}
		if side == model.SideStaff {
			conv.UnreadCount.Staff = 0
		} else {
			conv.UnreadCount.Guardian = 0
		}
		s.conversations[key] = conv
		return clone(conv), nil
	}
	return model.Conversation{}, model.ErrNotFound
}

// ConversationCount is the number of stored threads.
func (s *Store) ConversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// Messages

func (s *Store) CreateMessage(_ context.Context, msg model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.IsRead = false
	msg.ReadAt = nil
	if msg.File != nil {
		file := *msg.File
		msg.File = &file
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *Store) MarkMessagesRead(_ context.Context, ids []string, readerID string, at time.Time) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for i, msg := range s.messages {
		if !model.ContainsID(ids, msg.ID) || !model.SameID(msg.ReceiverID, readerID) || msg.IsRead {
			continue
		}
		readAt := at
		msg.IsRead = true
		msg.ReadAt = &readAt
		s.messages[i] = msg
		out = append(out, msg)
	}
	return out, nil
}

func (s *Store) ListThread(_ context.Context, studentID, courseID string, offset, limit int) ([]model.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var thread []model.Message
	for _, msg := range s.messages {
		if model.SameID(msg.StudentID, studentID) && model.SameID(msg.CourseID, courseID) {
			thread = append(thread, msg)
		}
	}
	sort.SliceStable(thread, func(i, j int) bool { return thread[i].CreatedAt.Before(thread[j].CreatedAt) })
	return page(thread, offset, limit), len(thread), nil
}

// Notifications

func (s *Store) CreateNotification(_ context.Context, n model.Notification) (model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.notifications = append(s.notifications, n)
	return n, nil
}

func (s *Store) filterNotifications(recipientID string, unreadOnly bool) []model.Notification {
	var out []model.Notification
	for _, n := range s.notifications {
		if !model.SameID(n.RecipientID, recipientID) || (unreadOnly && n.IsRead) {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Store) ListNotifications(_ context.Context, recipientID string, unreadOnly bool, offset, limit int) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return page(s.filterNotifications(recipientID, unreadOnly), offset, limit), nil
}

func (s *Store) CountNotifications(_ context.Context, recipientID string, unreadOnly bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filterNotifications(recipientID, unreadOnly)), nil
}

func (s *Store) MarkNotificationRead(_ context.Context, id, recipientID string, at time.Time) (model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notifications {
		if model.SameID(n.ID, id) && model.SameID(n.RecipientID, recipientID) {
			if !n.IsRead {
				readAt := at
				n.IsRead = true
				n.ReadAt = &readAt
				s.notifications[i] = n
			}
			return n, nil
		}
	}
	return model.Notification{}, model.ErrNotFound
}

func (s *Store) MarkAllNotificationsRead(_ context.Context, recipientID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for i, n := range s.notifications {
		if model.SameID(n.RecipientID, recipientID) && !n.IsRead {
			readAt := at
			n.IsRead = true
			n.ReadAt = &readAt
			s.notifications[i] = n
			count++
		}
	}
	return count, nil
}

func (s *Store) DeleteNotification(_ context.Context, id, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notifications {
		if model.SameID(n.ID, id) && model.SameID(n.RecipientID, recipientID) {
			s.notifications = append(s.notifications[:i], s.notifications[i+1:]...)
			return nil
		}
	}
	return model.ErrNotFound
}

// Push subscriptions

func (s *Store) UpsertPushSubscription(_ context.Context, sub model.PushSubscription) (model.PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for i, existing := range s.subscriptions {
		if model.SameID(existing.UserID, sub.UserID) && existing.Endpoint == sub.Endpoint {
			existing.P256dh, existing.Auth, existing.UserAgent = sub.P256dh, sub.Auth, sub.UserAgent
			existing.UpdatedAt = now
			s.subscriptions[i] = existing
			return existing, nil
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt, sub.UpdatedAt = now, now
	s.subscriptions = append(s.subscriptions, sub)
	return sub, nil
}

func (s *Store) DeletePushSubscription(_ context.Context, userID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscriptions {
		if model.SameID(sub.UserID, userID) && sub.Endpoint == endpoint {
			s.subscriptions = append(s.subscriptions[:i], s.subscriptions[i+1:]...)
			return nil
		}
	}
	return model.ErrNotFound
}

func (s *Store) ListPushSubscriptions(_ context.Context, userID string) ([]model.PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PushSubscription
	for _, sub := range s.subscriptions {
		if model.SameID(sub.UserID, userID) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func clone(conv model.Conversation) model.Conversation {
	conv.Participants = append([]string(nil), conv.Participants...)
	return conv
}

func uniqueIDs(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id != "" && !model.ContainsID(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]T(nil), items[offset:end]...)
}
