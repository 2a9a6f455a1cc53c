package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"semaphore/messaging/internal/apperr"
	"semaphore/messaging/internal/logging"
	"semaphore/messaging/internal/mail"
	"semaphore/messaging/internal/metrics"
	"semaphore/messaging/internal/model"
	"semaphore/messaging/internal/observability"
	"semaphore/messaging/internal/realtime"
)

type Store interface {
	CreateNotification(ctx context.Context, n model.Notification) (model.Notification, error)
	ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, offset, limit int) ([]model.Notification, error)
	CountNotifications(ctx context.Context, recipientID string, unreadOnly bool) (int, error)
	MarkNotificationRead(ctx context.Context, id, recipientID string, at time.Time) (model.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, recipientID string, at time.Time) (int, error)
	DeleteNotification(ctx context.Context, id, recipientID string) error
	UpsertPushSubscription(ctx context.Context, sub model.PushSubscription) (model.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
	ListPushSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
}

type Users interface {
	GetUser(ctx context.Context, id string) (model.User, error)
}

type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type EmailSender interface {
	Send(ctx context.Context, msg mail.Message) error
}

type Options struct {
	FrontendBaseURL string
	PushIcon        string
	PushBadge       string
}

const (
	channelRealtime = "realtime"
	channelPush     = "push"
	channelEmail    = "email"

	previewLength = 100
	defaultLimit  = 20
	maxLimit      = 100
)

// Service persists notifications and fans each one out to realtime, push and email.
// Delivery never fails the caller once the notification is stored.
type Service struct {
	store     Store
	users     Users
	presence  Presence
	publisher realtime.Publisher
	pusher    Pusher
	email     EmailSender
	opts      Options
	logger    *zap.Logger
	now       func() time.Time

	pushKey string
	wg      sync.WaitGroup
}

// NewService wires the channels. A nil pusher disables push and a nil email sender disables email.
func NewService(store Store, users Users, presence Presence, publisher realtime.Publisher, pusher Pusher, email EmailSender, opts Options, logger *zap.Logger) *Service {
	s := &Service{
		store:     store,
		users:     users,
		presence:  presence,
		publisher: publisher,
		pusher:    pusher,
		email:     email,
		opts:      opts,
		logger:    logging.OrNop(logger).Named("notification"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if keyed, ok := pusher.(interface{ PublicKey() string }); ok {
		s.pushKey = keyed.PublicKey()
	}
	return s
}

type CreateInput struct {
	RecipientID string
	SenderID    string
	Type        string
	Title       string
	Body        string
	Data        map[string]any
	Link        string
	SchoolID    string
}

func (s *Service) CreateNotification(ctx context.Context, in CreateInput) (model.Notification, error) {
	n, err := s.prepare(in)
	if err != nil {
		return model.Notification{}, err
	}
	n, err = s.store.CreateNotification(ctx, n)
	if err != nil {
		return model.Notification{}, apperr.Internal(fmt.Errorf("create notification: %w", err))
	}
	metrics.NotificationsCreated.WithLabelValues(string(n.Type)).Inc()
	s.fanOut(context.WithoutCancel(ctx), n)
	return n, nil
}

func (s *Service) prepare(in CreateInput) (model.Notification, error) {
	if !validID(in.RecipientID) {
		return model.Notification{}, apperr.Validation("invalid_recipient_id", "recipientId must be a valid identifier")
	}
	typ, ok := model.ParseNotificationType(in.Type)
	if !ok {
		return model.Notification{}, apperr.Validation("invalid_type", "unknown notification type")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return model.Notification{}, apperr.Validation("missing_title", "title is required")
	}
	body := strings.TrimSpace(in.Body)
	if body == "" {
		return model.Notification{}, apperr.Validation("missing_body", "body is required")
	}
	n := model.Notification{
		RecipientID: in.RecipientID,
		Type:        typ,
		Title:       title,
		Body:        body,
		Data:        in.Data,
		Link:        strings.TrimSpace(in.Link),
		CreatedAt:   s.now(),
	}
	if in.SenderID != "" {
		if !validID(in.SenderID) {
			return model.Notification{}, apperr.Validation("invalid_sender_id", "senderId must be a valid identifier")
		}
		sender := in.SenderID
		n.SenderID = &sender
	}
	if in.SchoolID != "" {
		if !validID(in.SchoolID) {
			return model.Notification{}, apperr.Validation("invalid_school_id", "schoolId must be a valid identifier")
		}
		school := in.SchoolID
		n.SchoolID = &school
	}
	return n, nil
}

// fanOut starts one task per channel. Each task contains its own failures.
func (s *Service) fanOut(ctx context.Context, n model.Notification) {
	s.goTask(func() { s.deliverRealtime(ctx, n) })
	if s.pusher != nil {
		s.goTask(func() { s.deliverPush(ctx, n) })
	}
	if s.email != nil {
		s.goTask(func() { s.deliverEmail(ctx, n) })
	}
}

func (s *Service) goTask(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Wait blocks until every started delivery task has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) deliverRealtime(ctx context.Context, n model.Notification) {
	err := s.publisher.Publish(ctx, realtime.UserRoom(n.RecipientID), realtime.EventNewNotification, n)
	s.observe(channelRealtime, n, err)
}

type pushPayload struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Icon  string          `json:"icon,omitempty"`
	Badge string          `json:"badge,omitempty"`
	Data  pushPayloadData `json:"data"`
}

type pushPayloadData struct {
	URL            string `json:"url"`
	NotificationID string `json:"notificationId"`
}

func (s *Service) deliverPush(ctx context.Context, n model.Notification) {
	subs, err := s.store.ListPushSubscriptions(ctx, n.RecipientID)
	if err != nil {
		s.observe(channelPush, n, fmt.Errorf("list subscriptions: %w", err))
		return
	}
	if len(subs) == 0 {
		return
	}
	link := n.Link
	if link == "" {
		link = "/"
	}
	payload, err := json.Marshal(pushPayload{
		Title: n.Title,
		Body:  n.Body,
		Icon:  s.opts.PushIcon,
		Badge: s.opts.PushBadge,
		Data:  pushPayloadData{URL: link, NotificationID: n.ID},
	})
	if err != nil {
		s.observe(channelPush, n, err)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub model.PushSubscription) {
			defer wg.Done()
			s.pushOne(ctx, n, sub, payload)
		}(sub)
	}
	wg.Wait()
}

func (s *Service) pushOne(ctx context.Context, n model.Notification, sub model.PushSubscription, payload []byte) {
	status, err := s.pusher.Send(ctx, sub, payload)
	if err == nil {
		s.observe(channelPush, n, nil)
		return
	}
	if endpointGone(status) {
		metrics.DeliveryAttempts.WithLabelValues(channelPush, "gone").Inc()
		if err := s.store.DeletePushSubscription(ctx, sub.UserID, sub.Endpoint); err != nil && !errors.Is(err, model.ErrNotFound) {
			s.logger.Warn("push subscription cleanup failed", zap.String("subscription_id", sub.ID), zap.Error(err))
			return
		}
		metrics.PushSubscriptionsPruned.Inc()
		s.logger.Info("push subscription removed", zap.String("subscription_id", sub.ID), zap.Int("status", status))
		return
	}
	s.observe(channelPush, n, fmt.Errorf("subscription %s: %w", sub.ID, err))
}

// deliverEmail only runs for recipients without a live connection.
func (s *Service) deliverEmail(ctx context.Context, n model.Notification) {
	online, err := s.presence.IsOnline(ctx, n.RecipientID)
	if err != nil {
		s.logger.Warn("presence lookup failed, skipping email", zap.String("recipient_id", n.RecipientID), zap.Error(err))
		return
	}
	if online {
		return
	}
	user, err := s.users.GetUser(ctx, n.RecipientID)
	if err != nil {
		s.observe(channelEmail, n, fmt.Errorf("load recipient: %w", err))
		return
	}
	if strings.TrimSpace(user.Email) == "" {
		return
	}
	err = s.email.Send(ctx, mail.Message{
		To:      user.Email,
		Subject: n.Title,
		Title:   n.Title,
		Body:    n.Body,
		Link:    s.absoluteLink(n.Link),
	})
	s.observe(channelEmail, n, err)
}

func (s *Service) observe(channel string, n model.Notification, err error) {
	metrics.ObserveDelivery(channel, err)
	if err == nil {
		return
	}
	s.logger.Warn("notification delivery failed",
		zap.String("channel", channel),
		zap.String("notification_id", n.ID),
		zap.String("recipient_id", n.RecipientID),
		zap.Error(err))
	observability.CaptureDelivery(channel, n.RecipientID, apperr.Delivery(channel, err))
}

func (s *Service) absoluteLink(link string) string {
	if link == "" {
		return ""
	}
	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		return link
	}
	if !strings.HasPrefix(link, "/") {
		link = "/" + link
	}
	return strings.TrimRight(s.opts.FrontendBaseURL, "/") + link
}

// NotifyNewMessage raises the new-message notification for a persisted message. Failures are
// logged and never returned.
func (s *Service) NotifyNewMessage(ctx context.Context, msg model.Message) {
	senderName := "someone"
	if sender, err := s.users.GetUser(ctx, msg.SenderID); err == nil {
		senderName = sender.DisplayName()
	} else if !errors.Is(err, model.ErrNotFound) {
		s.logger.Warn("sender lookup failed", zap.String("sender_id", msg.SenderID), zap.Error(err))
	}

	inbox := "/parent/messages"
	if receiver, err := s.users.GetUser(ctx, msg.ReceiverID); err == nil && model.IsStaff(receiver.Role) {
		inbox = "/teacher/messages"
	}
	query := url.Values{}
	query.Set("studentId", msg.StudentID)
	query.Set("courseId", msg.CourseID)

	_, err := s.CreateNotification(ctx, CreateInput{
		RecipientID: msg.ReceiverID,
		SenderID:    msg.SenderID,
		Type:        string(model.NotificationNewMessage),
		Title:       "New message from " + senderName,
		Body:        preview(msg),
		Link:        inbox + "?" + query.Encode(),
		SchoolID:    msg.SchoolID,
		Data: map[string]any{
			"messageId": msg.ID,
			"senderId":  msg.SenderID,
			"studentId": msg.StudentID,
			"courseId":  msg.CourseID,
		},
	})
	if err != nil {
		s.logger.Error("new message notification failed", zap.String("message_id", msg.ID), zap.Error(err))
		observability.CaptureErr(err)
	}
}

func preview(msg model.Message) string {
	content := strings.TrimSpace(msg.Content)
	if msg.Kind.HasFile() && msg.File != nil && msg.File.Name != "" {
		content = "Sent a file: " + msg.File.Name
	}
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "..."
}

type Page struct {
	Items  []model.Notification `json:"items"`
	Total  int                  `json:"total"`
	Unread int                  `json:"unreadCount"`
	Page   int                  `json:"page"`
	Limit  int                  `json:"limit"`
}

// List returns a page newest first. Unread always counts every unread notification of the
// recipient, whatever the filter.
func (s *Service) List(ctx context.Context, recipientID string, page, limit int, unreadOnly bool) (Page, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	items, err := s.store.ListNotifications(ctx, recipientID, unreadOnly, (page-1)*limit, limit)
	if err != nil {
		return Page{}, apperr.Internal(fmt.Errorf("list notifications: %w", err))
	}
	total, err := s.store.CountNotifications(ctx, recipientID, unreadOnly)
	if err != nil {
		return Page{}, apperr.Internal(fmt.Errorf("count notifications: %w", err))
	}
	unread, err := s.store.CountNotifications(ctx, recipientID, true)
	if err != nil {
		return Page{}, apperr.Internal(fmt.Errorf("count unread notifications: %w", err))
	}
	if items == nil {
		items = []model.Notification{}
	}
	return Page{Items: items, Total: total, Unread: unread, Page: page, Limit: limit}, nil
}

// MarkAsRead only matches notifications owned by recipientID; anything else reads as not found.
func (s *Service) MarkAsRead(ctx context.Context, recipientID, id string) (model.Notification, error) {
	if !validID(id) {
		return model.Notification{}, apperr.Validation("invalid_notification_id", "notificationId must be a valid identifier")
	}
	n, err := s.store.MarkNotificationRead(ctx, id, recipientID, s.now())
	if errors.Is(err, model.ErrNotFound) {
		return n, apperr.NotFound("notification_not_found", "notification not found")
	}
	if err != nil {
		return n, apperr.Internal(fmt.Errorf("mark notification read: %w", err))
	}
	return n, nil
}

func (s *Service) MarkAllAsRead(ctx context.Context, recipientID string) (int, error) {
	count, err := s.store.MarkAllNotificationsRead(ctx, recipientID, s.now())
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("mark all notifications read: %w", err))
	}
	return count, nil
}

func (s *Service) Delete(ctx context.Context, recipientID, id string) error {
	if !validID(id) {
		return apperr.Validation("invalid_notification_id", "notificationId must be a valid identifier")
	}
	err := s.store.DeleteNotification(ctx, id, recipientID)
	if errors.Is(err, model.ErrNotFound) {
		return apperr.NotFound("notification_not_found", "notification not found")
	}
	if err != nil {
		return apperr.Internal(fmt.Errorf("delete notification: %w", err))
	}
	return nil
}

type SubscribeInput struct {
	Endpoint  string
	P256dh    string
	Auth      string
	UserAgent string
}

func (s *Service) Subscribe(ctx context.Context, userID string, in SubscribeInput) (model.PushSubscription, error) {
	endpoint := strings.TrimSpace(in.Endpoint)
	parsed, err := url.Parse(endpoint)
	if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
		return model.PushSubscription{}, apperr.Validation("invalid_endpoint", "endpoint must be an absolute URL")
	}
	if strings.TrimSpace(in.P256dh) == "" || strings.TrimSpace(in.Auth) == "" {
		return model.PushSubscription{}, apperr.Validation("missing_keys", "keys.p256dh and keys.auth are required")
	}
	sub := model.PushSubscription{
		UserID:   userID,
		Endpoint: endpoint,
		P256dh:   strings.TrimSpace(in.P256dh),
		Auth:     strings.TrimSpace(in.Auth),
	}
	if ua := strings.TrimSpace(in.UserAgent); ua != "" {
		sub.UserAgent = &ua
	}
	sub, err = s.store.UpsertPushSubscription(ctx, sub)
	if err != nil {
		return model.PushSubscription{}, apperr.Internal(fmt.Errorf("upsert push subscription: %w", err))
	}
	return sub, nil
}

func (s *Service) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return apperr.Validation("invalid_endpoint", "endpoint is required")
	}
	err := s.store.DeletePushSubscription(ctx, userID, endpoint)
	if errors.Is(err, model.ErrNotFound) {
		return apperr.NotFound("subscription_not_found", "push subscription not found")
	}
	if err != nil {
		return apperr.Internal(fmt.Errorf("delete push subscription: %w", err))
	}
	return nil
}

// PublicKey returns the VAPID public key, or false when push is disabled.
func (s *Service) PublicKey() (string, bool) {
	if s.pusher == nil || s.pushKey == "" {
		return "", false
	}
	return s.pushKey, true
}

func validID(id string) bool {
	_, err := uuid.Parse(strings.TrimSpace(id))
	return err == nil
}
