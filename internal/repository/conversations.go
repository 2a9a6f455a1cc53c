package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"semaphore/messaging/internal/model"
)

const conversationColumns = `id, participants::text[], student_id, course_id, school_id, last_message_id, last_message_at, unread_staff, unread_guardian, created_at, updated_at`

func scanConversation(row scanner) (model.Conversation, error) {
	var conv model.Conversation
	err := row.Scan(
		&conv.ID,
		&conv.Participants,
		&conv.StudentID,
		&conv.CourseID,
		&conv.SchoolID,
		&conv.LastMessageID,
		&conv.LastMessageAt,
		&conv.UnreadCount.Staff,
		&conv.UnreadCount.Guardian,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	return conv, err
}

func collectConversations(rows pgx.Rows) ([]model.Conversation, error) {
	defer rows.Close()
	var out []model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *Store) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	return conv, notFound(err)
}

func (s *Store) GetConversationByPair(ctx context.Context, studentID, courseID string) (model.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE student_id = $1 AND course_id = $2
	`, studentID, courseID)
	conv, err := scanConversation(row)
	return conv, notFound(err)
}

// ListConversationsForParticipant returns the threads the user takes part in, newest activity first.
// An empty schoolID disables the school scope.
func (s *Store) ListConversationsForParticipant(ctx context.Context, userID, schoolID string) ([]model.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE $1::uuid = ANY(participants)
		  AND ($2 = '' OR school_id::text = lower($2))
		ORDER BY last_message_at DESC NULLS LAST, created_at DESC
	`, userID, schoolID)
	if err != nil {
		return nil, err
	}
	return collectConversations(rows)
}

func (s *Store) ListConversationsForStudents(ctx context.Context, studentIDs []string) ([]model.Conversation, error) {
	ids := normalizeIDs(studentIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE student_id::text = ANY($1::text[])
		ORDER BY last_message_at DESC NULLS LAST, created_at DESC
	`, ids)
	if err != nil {
		return nil, err
	}
	return collectConversations(rows)
}

// CreateConversation inserts the thread unless one already exists for the (student, course) pair,
// in which case the existing thread is returned unchanged and created is false.
func (s *Store) CreateConversation(ctx context.Context, conv model.Conversation) (model.Conversation, bool, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, participants, student_id, course_id, school_id, unread_staff, unread_guardian, created_at, updated_at)
		VALUES ($1, $2::text[]::uuid[], $3, $4, $5, 0, 0, $6, $6)
		ON CONFLICT (student_id, course_id) DO NOTHING
		RETURNING `+conversationColumns,
		conv.ID, normalizeIDs(conv.Participants), conv.StudentID, conv.CourseID, conv.SchoolID, now)
	created, err := scanConversation(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Conversation{}, false, err
	}
	existing, err := s.GetConversationByPair(ctx, conv.StudentID, conv.CourseID)
	return existing, false, err
}

// AddParticipant appends userID when it is not already a participant. The append and the
// membership test run in one statement so concurrent backfills cannot duplicate an entry.
func (s *Store) AddParticipant(ctx context.Context, conversationID, userID string) (model.Conversation, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE conversations
		SET participants = array_append(participants, $2::uuid), updated_at = now()
		WHERE id = $1 AND NOT ($2::uuid = ANY(participants))
		RETURNING `+conversationColumns,
		conversationID, userID)
	conv, err := scanConversation(row)
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Conversation{}, false, err
	}
	existing, err := s.GetConversation(ctx, conversationID)
	return existing, false, err
}

// RecordMessage upserts the thread aggregate for a new message. On insert the receiver side
// starts at one and the participants are seeded; on conflict the same value is added to the
// stored counter, so concurrent senders never lose an increment. The participant list of an
// existing thread is left alone.
func (s *Store) RecordMessage(ctx context.Context, activity model.ConversationActivity) (model.Conversation, error) {
	id := activity.ConversationID
	if id == "" {
		id = uuid.NewString()
	}
	staff, guardian := 0, 0
	if activity.ReceiverSide == model.SideStaff {
		staff = 1
	} else {
		guardian = 1
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, participants, student_id, course_id, school_id, last_message_id, last_message_at, unread_staff, unread_guardian, created_at, updated_at)
		VALUES ($1, $2::text[]::uuid[], $3, $4, $5, $6, $7, $8, $9, $7, $7)
		ON CONFLICT (student_id, course_id) DO UPDATE SET
			last_message_id = EXCLUDED.last_message_id,
			last_message_at = EXCLUDED.last_message_at,
			unread_staff = conversations.unread_staff + EXCLUDED.unread_staff,
			unread_guardian = conversations.unread_guardian + EXCLUDED.unread_guardian,
			updated_at = EXCLUDED.updated_at
		RETURNING `+conversationColumns,
		id, normalizeIDs(activity.Participants), activity.StudentID, activity.CourseID, activity.SchoolID,
		activity.MessageID, activity.At.UTC(), staff, guardian)
	return scanConversation(row)
}

func (s *Store) ResetUnread(ctx context.Context, conversationID string, side model.Side) (model.Conversation, error) {
	query := `UPDATE conversations SET unread_guardian = 0, updated_at = now() WHERE id = $1 RETURNING ` + conversationColumns
	if side == model.SideStaff {
		query = `UPDATE conversations SET unread_staff = 0, updated_at = now() WHERE id = $1 RETURNING ` + conversationColumns
	}
	conv, err := scanConversation(s.pool.QueryRow(ctx, query, conversationID))
	return conv, notFound(err)
}
