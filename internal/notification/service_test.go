package notification

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"

	"semaphore/messaging/internal/apperr"
	"semaphore/messaging/internal/config"
	"semaphore/messaging/internal/mail"
	"semaphore/messaging/internal/model"
	"semaphore/messaging/internal/realtime"
	"semaphore/messaging/internal/testutil/memstore"
)

type published struct {
	room  string
	event string
	data  any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, room, event string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{room: room, event: event, data: data})
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type fakePresence struct {
	online map[string]bool
	err    error
}

func (f fakePresence) IsOnline(_ context.Context, userID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.online[userID], nil
}

type recordingEmail struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (e *recordingEmail) Send(_ context.Context, msg mail.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, msg)
	return nil
}

func (e *recordingEmail) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

type fixture struct {
	store     *memstore.Store
	publisher *recordingPublisher
	email     *recordingEmail
	service   *Service
	recipient model.User
	sender    model.User
}

func newFixture(t *testing.T, presence Presence, pusher Pusher) *fixture {
	t.Helper()
	f := &fixture{
		store:     memstore.New(),
		publisher: &recordingPublisher{},
		email:     &recordingEmail{},
		recipient: model.User{ID: uuid.NewString(), Email: "parent@example.com", FirstName: "Pat", LastName: "Parent", Role: model.RoleParent},
		sender:    model.User{ID: uuid.NewString(), Email: "teacher@example.com", FirstName: "Terry", LastName: "Teacher", Role: model.RoleTeacher},
	}
	f.store.AddUser(f.recipient)
	f.store.AddUser(f.sender)
	f.service = NewService(f.store, f.store, presence, f.publisher, pusher, f.email, Options{FrontendBaseURL: "https://school.example"}, nil)
	return f
}

func (f *fixture) create(t *testing.T, title string) model.Notification {
	t.Helper()
	n, err := f.service.CreateNotification(context.Background(), CreateInput{
		RecipientID: f.recipient.ID,
		Type:        string(model.NotificationAnnouncement),
		Title:       title,
		Body:        "body",
		Link:        "/announcements/1",
	})
	if err != nil {
		t.Fatalf("create notification: %v", err)
	}
	return n
}

func TestCreateNotificationEmailsOfflineRecipient(t *testing.T) {
	f := newFixture(t, fakePresence{}, nil)
	n := f.create(t, "School closed")
	f.service.Wait()

	if f.email.count() != 1 {
		t.Fatalf("expected one email, got %d", f.email.count())
	}
	msg := f.email.sent[0]
	if msg.To != f.recipient.Email || msg.Subject != "School closed" {
		t.Fatalf("unexpected email %+v", msg)
	}
	if msg.Link != "https://school.example/announcements/1" {
		t.Fatalf("expected absolute link, got %s", msg.Link)
	}

	events := f.publisher.all()
	if len(events) != 1 || events[0].room != realtime.UserRoom(f.recipient.ID) || events[0].event != realtime.EventNewNotification {
		t.Fatalf("expected one new-notification event, got %+v", events)
	}
	if got, ok := events[0].data.(model.Notification); !ok || got.ID != n.ID {
		t.Fatalf("expected the persisted notification as payload, got %+v", events[0].data)
	}
}

func TestCreateNotificationSkipsEmailWhenOnline(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.service.presence = fakePresence{online: map[string]bool{f.recipient.ID: true}}
	f.create(t, "Hello")
	f.service.Wait()
	if f.email.count() != 0 {
		t.Fatalf("expected no email for an online recipient, got %d", f.email.count())
	}
}

func TestCreateNotificationSkipsEmailWhenPresenceFails(t *testing.T) {
	f := newFixture(t, fakePresence{err: errors.New("redis down")}, nil)
	f.create(t, "Hello")
	f.service.Wait()
	if f.email.count() != 0 {
		t.Fatalf("expected presence failure to skip email, got %d", f.email.count())
	}
	if len(f.publisher.all()) != 1 {
		t.Fatalf("expected realtime delivery to proceed")
	}
}

func TestCreateNotificationValidation(t *testing.T) {
	f := newFixture(t, fakePresence{}, nil)
	cases := []struct {
		in   CreateInput
		code string
	}{
		{CreateInput{RecipientID: "nope", Type: "system", Title: "t", Body: "b"}, "invalid_recipient_id"},
		{CreateInput{RecipientID: f.recipient.ID, Type: "party", Title: "t", Body: "b"}, "invalid_type"},
		{CreateInput{RecipientID: f.recipient.ID, Type: "system", Title: " ", Body: "b"}, "missing_title"},
		{CreateInput{RecipientID: f.recipient.ID, Type: "system", Title: "t"}, "missing_body"},
	}
	for _, tc := range cases {
		_, err := f.service.CreateNotification(context.Background(), tc.in)
		if !apperr.Is(err, apperr.KindValidation) || apperr.CodeOf(err) != tc.code {
			t.Fatalf("expected %s, got %v", tc.code, err)
		}
	}
	if total, _ := f.store.CountNotifications(context.Background(), f.recipient.ID, false); total != 0 {
		t.Fatalf("expected nothing persisted, got %d", total)
	}
}

func subscriptionKeys(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate subscription key: %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("generate auth secret: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()), base64.RawURLEncoding.EncodeToString(auth)
}

func TestPushPrunesGoneSubscription(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		if strings.HasPrefix(r.URL.Path, "/gone") {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer endpoint.Close()

	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate vapid keys: %v", err)
	}
	pusher, err := NewPushSender(config.PushConfig{
		VAPIDPublicKey:  public,
		VAPIDPrivateKey: private,
		Subject:         "mailto:ops@example.com",
		TTL:             time.Hour,
		Timeout:         5 * time.Second,
	}, endpoint.Client())
	if err != nil {
		t.Fatalf("push sender: %v", err)
	}

	f := newFixture(t, fakePresence{online: map[string]bool{}}, pusher)
	ctx := context.Background()
	for _, path := range []string{"/gone", "/ok"} {
		p256dh, auth := subscriptionKeys(t)
		if _, err := f.service.Subscribe(ctx, f.recipient.ID, SubscribeInput{Endpoint: endpoint.URL + path, P256dh: p256dh, Auth: auth}); err != nil {
			t.Fatalf("subscribe %s: %v", path, err)
		}
	}

	f.create(t, "Grades published")
	f.service.Wait()

	subs, _ := f.store.ListPushSubscriptions(ctx, f.recipient.ID)
	if len(subs) != 1 || subs[0].Endpoint != endpoint.URL+"/ok" {
		t.Fatalf("expected only the healthy subscription to remain, got %+v", subs)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits["/gone"] != 1 || hits["/ok"] != 1 {
		t.Fatalf("expected one delivery per endpoint, got %v", hits)
	}
}

func TestInvalidVAPIDKeyDisablesPush(t *testing.T) {
	_, err := NewPushSender(config.PushConfig{VAPIDPublicKey: "short", VAPIDPrivateKey: "x"}, nil)
	if !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	f := newFixture(t, fakePresence{}, nil)
	if _, ok := f.service.PublicKey(); ok {
		t.Fatalf("expected no public key while push is disabled")
	}
}

func TestListUnreadCountIgnoresFilter(t *testing.T) {
	f := newFixture(t, fakePresence{online: map[string]bool{}}, nil)
	f.service.email = nil
	ctx := context.Background()
	first := f.create(t, "one")
	f.create(t, "two")
	f.create(t, "three")
	f.service.Wait()
	if _, err := f.service.MarkAsRead(ctx, f.recipient.ID, first.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	page, err := f.service.List(ctx, f.recipient.ID, 1, 2, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 3 || page.Unread != 2 || len(page.Items) != 2 || page.Limit != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	unread, err := f.service.List(ctx, f.recipient.ID, 1, 0, true)
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if unread.Total != 2 || unread.Unread != 2 || unread.Limit != defaultLimit {
		t.Fatalf("unexpected unread page %+v", unread)
	}
	if count, _ := f.service.MarkAllAsRead(ctx, f.recipient.ID); count != 2 {
		t.Fatalf("expected two notifications marked, got %d", count)
	}
}

func TestNotificationOwnership(t *testing.T) {
	f := newFixture(t, fakePresence{online: map[string]bool{}}, nil)
	f.service.email = nil
	n := f.create(t, "private")
	f.service.Wait()
	ctx := context.Background()

	if _, err := f.service.MarkAsRead(ctx, f.sender.ID, n.ID); apperr.CodeOf(err) != "notification_not_found" {
		t.Fatalf("expected not found for a foreign reader, got %v", err)
	}
	if err := f.service.Delete(ctx, f.sender.ID, n.ID); apperr.CodeOf(err) != "notification_not_found" {
		t.Fatalf("expected not found for a foreign delete, got %v", err)
	}
	if err := f.service.Delete(ctx, f.recipient.ID, n.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.service.Unsubscribe(ctx, f.recipient.ID, "https://push.example/none"); apperr.CodeOf(err) != "subscription_not_found" {
		t.Fatalf("expected subscription_not_found, got %v", err)
	}
}

func TestNotifyNewMessage(t *testing.T) {
	f := newFixture(t, fakePresence{online: map[string]bool{}}, nil)
	f.service.email = nil
	studentID, courseID := uuid.NewString(), uuid.NewString()
	msg := model.Message{
		ID:         uuid.NewString(),
		SenderID:   f.sender.ID,
		ReceiverID: f.recipient.ID,
		Content:    strings.Repeat("é", 120),
		Kind:       model.MessageText,
		StudentID:  studentID,
		CourseID:   courseID,
	}
	f.service.NotifyNewMessage(context.Background(), msg)
	f.service.Wait()

	items, _ := f.store.ListNotifications(context.Background(), f.recipient.ID, false, 0, 10)
	if len(items) != 1 {
		t.Fatalf("expected one notification, got %d", len(items))
	}
	n := items[0]
	if n.Type != model.NotificationNewMessage || n.Title != "New message from Terry Teacher" {
		t.Fatalf("unexpected notification %+v", n)
	}
	if n.Body != strings.Repeat("é", 100)+"..." {
		t.Fatalf("expected a 100 rune preview, got %q", n.Body)
	}
	if !strings.HasPrefix(n.Link, "/parent/messages?") || !strings.Contains(n.Link, "studentId="+studentID) {
		t.Fatalf("unexpected link %s", n.Link)
	}
	if n.Data["messageId"] != msg.ID || n.SenderID == nil || *n.SenderID != f.sender.ID {
		t.Fatalf("unexpected data %+v", n.Data)
	}
}
