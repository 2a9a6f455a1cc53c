package model

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when a lookup matches no row.
var ErrNotFound = errors.New("not_found")

const (
	RoleTeacher   = "teacher"
	RoleAdmin     = "admin"
	RolePrincipal = "principal"
	RoleStudent   = "student"
	RoleParent    = "parent"
	RoleGuardian  = "guardian"
	RoleDev       = "dev"
)

func IsStaff(role string) bool {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleTeacher, RoleAdmin, RolePrincipal:
		return true
	default:
		return false
	}
}

func IsGuardian(role string) bool {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleParent, RoleGuardian:
		return true
	default:
		return false
	}
}

// CanCrossSchool reports whether the role may resolve guardians outside its own school.
func CanCrossSchool(role string) bool {
	return strings.ToLower(strings.TrimSpace(role)) == RoleDev
}

// Side is one of the two unread buckets of a conversation.
type Side string

const (
	SideStaff    Side = "staff"
	SideGuardian Side = "guardian"
)

// SideOf maps a role onto its conversation side. Anything that is not staff reads
// and writes on the guardian side.
func SideOf(role string) Side {
	if IsStaff(role) {
		return SideStaff
	}
	return SideGuardian
}

func (s Side) Other() Side {
	if s == SideStaff {
		return SideGuardian
	}
	return SideStaff
}

// SameID is the single identity comparison used for participant membership.
func SameID(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}

func ContainsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if SameID(candidate, id) {
			return true
		}
	}
	return false
}

type User struct {
	ID               string   `json:"id"`
	SchoolID         string   `json:"schoolId"`
	Email            string   `json:"email"`
	FirstName        string   `json:"firstName"`
	LastName         string   `json:"lastName"`
	Role             string   `json:"role"`
	LinkedStudentIDs []string `json:"linkedStudentIds,omitempty"`
}

func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

type Student struct {
	ID           string
	SchoolID     string
	FirstName    string
	LastName     string
	ContactEmail string
}

type UnreadCount struct {
	Staff    int `json:"staff"`
	Guardian int `json:"guardian"`
}

func (u UnreadCount) For(side Side) int {
	if side == SideStaff {
		return u.Staff
	}
	return u.Guardian
}

type Conversation struct {
	ID            string      `json:"id"`
	Participants  []string    `json:"participants"`
	StudentID     string      `json:"studentId"`
	CourseID      string      `json:"courseId"`
	SchoolID      string      `json:"schoolId"`
	LastMessageID *string     `json:"lastMessageId,omitempty"`
	LastMessageAt *time.Time  `json:"lastMessageAt,omitempty"`
	UnreadCount   UnreadCount `json:"unreadCount"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

func (c Conversation) HasParticipant(userID string) bool {
	return ContainsID(c.Participants, userID)
}

// ActivityAt is the sort key for inbox listings; a conversation without messages sorts last.
func (c Conversation) ActivityAt() time.Time {
	if c.LastMessageAt == nil {
		return time.Time{}
	}
	return *c.LastMessageAt
}

// ConversationActivity is the aggregate update applied to a (student, course) thread for one new message.
// The receiver side bucket is incremented by one, or initialised to one when the thread is created.
type ConversationActivity struct {
	ConversationID string
	Participants   []string
	StudentID      string
	CourseID       string
	SchoolID       string
	MessageID      string
	At             time.Time
	ReceiverSide   Side
}

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageFile  MessageKind = "file"
	MessageImage MessageKind = "image"
)

func ParseMessageKind(value string) (MessageKind, bool) {
	switch MessageKind(strings.ToLower(strings.TrimSpace(value))) {
	case "", MessageText:
		return MessageText, true
	case MessageFile:
		return MessageFile, true
	case MessageImage:
		return MessageImage, true
	default:
		return "", false
	}
}

func (k MessageKind) HasFile() bool {
	return k == MessageFile || k == MessageImage
}

// FileRef points at an upload that the storage collaborator has confirmed.
type FileRef struct {
	Key      string `json:"key"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type Message struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Content    string      `json:"content"`
	Kind       MessageKind `json:"kind"`
	File       *FileRef    `json:"file,omitempty"`
	StudentID  string      `json:"studentId"`
	CourseID   string      `json:"courseId"`
	SchoolID   string      `json:"schoolId"`
	IsRead     bool        `json:"isRead"`
	ReadAt     *time.Time  `json:"readAt,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

type NotificationType string

const (
	NotificationNewMessage       NotificationType = "new-message"
	NotificationMessageRead      NotificationType = "message-read"
	NotificationCourseUpdate     NotificationType = "course-update"
	NotificationAssignmentGraded NotificationType = "assignment-graded"
	NotificationAnnouncement     NotificationType = "announcement"
	NotificationEnrollment       NotificationType = "enrollment"
	NotificationSystem           NotificationType = "system"
)

func ParseNotificationType(value string) (NotificationType, bool) {
	switch t := NotificationType(strings.TrimSpace(value)); t {
	case NotificationNewMessage, NotificationMessageRead, NotificationCourseUpdate,
		NotificationAssignmentGraded, NotificationAnnouncement, NotificationEnrollment, NotificationSystem:
		return t, true
	default:
		return "", false
	}
}

type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipientId"`
	SenderID    *string          `json:"senderId,omitempty"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	Data        map[string]any   `json:"data,omitempty"`
	Link        string           `json:"link,omitempty"`
	IsRead      bool             `json:"isRead"`
	ReadAt      *time.Time       `json:"readAt,omitempty"`
	SchoolID    *string          `json:"schoolId,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

type PushSubscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	UserAgent *string   `json:"userAgent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
