//go:build testutil

package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"semaphore/messaging/internal/db"
	"semaphore/messaging/internal/model"
)

func startStore(t *testing.T) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	pg, err := postgres.RunContainer(ctx,
		tc.WithImage("postgres:17-alpine"),
		postgres.WithDatabase("messaging"),
		postgres.WithUsername("messaging"),
		postgres.WithPassword("messaging"),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = pg.Terminate(stopCtx)
	})

	uri, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	var pool *pgxpool.Pool
	deadline := time.Now().Add(20 * time.Second)
	for {
		pool, err = db.NewPool(ctx, uri)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("db not ready: %v", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(pool)
}

func activity(studentID, courseID, schoolID string, participants []string, side model.Side) model.ConversationActivity {
	return model.ConversationActivity{
		Participants: participants,
		StudentID:    studentID,
		CourseID:     courseID,
		SchoolID:     schoolID,
		MessageID:    uuid.NewString(),
		At:           time.Now(),
		ReceiverSide: side,
	}
}

func TestRecordMessageConcurrentIncrements(t *testing.T) {
	store := startStore(t)
	ctx := context.Background()

	teacher, guardian := uuid.NewString(), uuid.NewString()
	student, course, school := uuid.NewString(), uuid.NewString(), uuid.NewString()

	const senders = 20
	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.RecordMessage(ctx, activity(student, course, school, []string{teacher, guardian}, model.SideGuardian))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("record message: %v", err)
		}
	}

	conv, err := store.GetConversationByPair(ctx, student, course)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.UnreadCount.Guardian != senders || conv.UnreadCount.Staff != 0 {
		t.Fatalf("expected %d guardian unread, got %+v", senders, conv.UnreadCount)
	}
	if len(conv.Participants) != 2 {
		t.Fatalf("expected participants not to be duplicated, got %v", conv.Participants)
	}

	conv, err = store.ResetUnread(ctx, conv.ID, model.SideGuardian)
	if err != nil {
		t.Fatalf("reset unread: %v", err)
	}
	if conv.UnreadCount.Guardian != 0 {
		t.Fatalf("expected guardian counter reset, got %d", conv.UnreadCount.Guardian)
	}
}

func TestRecordMessageKeepsParticipants(t *testing.T) {
	store := startStore(t)
	ctx := context.Background()

	teacher, guardian, outsider := uuid.NewString(), uuid.NewString(), uuid.NewString()
	student, course, school := uuid.NewString(), uuid.NewString(), uuid.NewString()

	first, err := store.RecordMessage(ctx, activity(student, course, school, []string{teacher, guardian}, model.SideGuardian))
	if err != nil {
		t.Fatalf("record first message: %v", err)
	}
	if len(first.Participants) != 2 {
		t.Fatalf("expected first message to seed participants, got %v", first.Participants)
	}

	next, err := store.RecordMessage(ctx, activity(student, course, uuid.NewString(), []string{outsider, teacher}, model.SideStaff))
	if err != nil {
		t.Fatalf("record message: %v", err)
	}
	if len(next.Participants) != 2 || next.HasParticipant(outsider) {
		t.Fatalf("expected participants unchanged, got %v", next.Participants)
	}
	if !model.SameID(next.SchoolID, school) {
		t.Fatalf("expected owning school unchanged, got %s", next.SchoolID)
	}
	if next.UnreadCount != (model.UnreadCount{Staff: 1, Guardian: 1}) {
		t.Fatalf("unexpected counters %+v", next.UnreadCount)
	}
}

func TestCreateConversationIsUniquePerPair(t *testing.T) {
	store := startStore(t)
	ctx := context.Background()

	teacher, guardian := uuid.NewString(), uuid.NewString()
	conv := model.Conversation{
		Participants: []string{teacher},
		StudentID:    uuid.NewString(),
		CourseID:     uuid.NewString(),
		SchoolID:     uuid.NewString(),
	}
	first, created, err := store.CreateConversation(ctx, conv)
	if err != nil || !created {
		t.Fatalf("expected first create to insert, created=%v err=%v", created, err)
	}
	second, created, err := store.CreateConversation(ctx, conv)
	if err != nil || created || second.ID != first.ID {
		t.Fatalf("expected existing conversation back, created=%v err=%v", created, err)
	}

	updated, added, err := store.AddParticipant(ctx, first.ID, guardian)
	if err != nil || !added || len(updated.Participants) != 2 {
		t.Fatalf("expected guardian appended, added=%v err=%v participants=%v", added, err, updated.Participants)
	}
	_, added, err = store.AddParticipant(ctx, first.ID, guardian)
	if err != nil || added {
		t.Fatalf("expected second append to be a no-op, added=%v err=%v", added, err)
	}

	if _, err := store.GetConversation(ctx, uuid.NewString()); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNotificationsScopedToRecipient(t *testing.T) {
	store := startStore(t)
	ctx := context.Background()

	recipient, other := uuid.NewString(), uuid.NewString()
	n, err := store.CreateNotification(ctx, model.Notification{
		RecipientID: recipient,
		Type:        model.NotificationAnnouncement,
		Title:       "Sports day",
		Body:        "Friday",
		Data:        map[string]any{"eventId": "42"},
	})
	if err != nil {
		t.Fatalf("create notification: %v", err)
	}
	if n.Data["eventId"] != "42" {
		t.Fatalf("expected data to round trip, got %v", n.Data)
	}
	if _, err := store.CreateNotification(ctx, model.Notification{RecipientID: recipient, Type: model.NotificationSystem, Title: "t", Body: "b"}); err != nil {
		t.Fatalf("create notification: %v", err)
	}

	if _, err := store.MarkNotificationRead(ctx, n.ID, other, time.Now()); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected foreign mark to miss, got %v", err)
	}
	read, err := store.MarkNotificationRead(ctx, n.ID, recipient, time.Now())
	if err != nil || !read.IsRead || read.ReadAt == nil {
		t.Fatalf("expected notification read, got %+v err=%v", read, err)
	}

	unread, err := store.CountNotifications(ctx, recipient, true)
	if err != nil || unread != 1 {
		t.Fatalf("expected one unread, got %d err=%v", unread, err)
	}
	updated, err := store.MarkAllNotificationsRead(ctx, recipient, time.Now())
	if err != nil || updated != 1 {
		t.Fatalf("expected one updated, got %d err=%v", updated, err)
	}

	if err := store.DeleteNotification(ctx, n.ID, other); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected foreign delete to miss, got %v", err)
	}
	if err := store.DeleteNotification(ctx, n.ID, recipient); err != nil {
		t.Fatalf("delete: %v", err)
	}
	items, err := store.ListNotifications(ctx, recipient, false, 0, 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("expected one remaining notification, got %d err=%v", len(items), err)
	}
}

func TestPushSubscriptionUpsert(t *testing.T) {
	store := startStore(t)
	ctx := context.Background()

	user := uuid.NewString()
	sub := model.PushSubscription{UserID: user, Endpoint: "https://push.example/abc", P256dh: "k1", Auth: "a1"}
	if _, err := store.UpsertPushSubscription(ctx, sub); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	sub.P256dh = "k2"
	if _, err := store.UpsertPushSubscription(ctx, sub); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	subs, err := store.ListPushSubscriptions(ctx, user)
	if err != nil || len(subs) != 1 || subs[0].P256dh != "k2" {
		t.Fatalf("expected one refreshed subscription, got %+v err=%v", subs, err)
	}
	if err := store.DeletePushSubscription(ctx, user, sub.Endpoint); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeletePushSubscription(ctx, user, sub.Endpoint); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected second delete to miss, got %v", err)
	}
}
