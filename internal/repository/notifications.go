package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"semaphore/messaging/internal/model"
)

const notificationColumns = `id, recipient_id, sender_id, type, title, body, data, link, is_read, read_at, school_id, created_at`

func scanNotification(row scanner) (model.Notification, error) {
	var (
		n    model.Notification
		typ  string
		link *string
		data map[string]any
	)
	err := row.Scan(&n.ID, &n.RecipientID, &n.SenderID, &typ, &n.Title, &n.Body, &data, &link, &n.IsRead, &n.ReadAt, &n.SchoolID, &n.CreatedAt)
	if err != nil {
		return n, err
	}
	n.Type = model.NotificationType(typ)
	n.Data = data
	if link != nil {
		n.Link = *link
	}
	return n, nil
}

func (s *Store) CreateNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	var link *string
	if n.Link != "" {
		link = &n.Link
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO notifications (id, recipient_id, sender_id, type, title, body, data, link, is_read, school_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9, $10)
		RETURNING `+notificationColumns,
		n.ID, n.RecipientID, n.SenderID, string(n.Type), n.Title, n.Body, data, link, n.SchoolID, n.CreatedAt)
	return scanNotification(row)
}

func (s *Store) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, offset, limit int) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE recipient_id = $1 AND (NOT $2 OR is_read = false)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, recipientID, unreadOnly, limit, offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Notification, error) {
		return scanNotification(row)
	})
}

func (s *Store) CountNotifications(ctx context.Context, recipientID string, unreadOnly bool) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM notifications WHERE recipient_id = $1 AND (NOT $2 OR is_read = false)
	`, recipientID, unreadOnly).Scan(&count)
	return count, err
}

// MarkNotificationRead only touches the row when it belongs to recipientID.
func (s *Store) MarkNotificationRead(ctx context.Context, id, recipientID string, at time.Time) (model.Notification, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE notifications
		SET is_read = true, read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND recipient_id = $2
		RETURNING `+notificationColumns,
		id, recipientID, at.UTC())
	n, err := scanNotification(row)
	return n, notFound(err)
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, recipientID string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET is_read = true, read_at = $2
		WHERE recipient_id = $1 AND is_read = false
	`, recipientID, at.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteNotification(ctx context.Context, id, recipientID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE id = $1 AND recipient_id = $2`, id, recipientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}
