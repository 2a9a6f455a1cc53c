package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"semaphore/messaging/internal/model"
)

const messageColumns = `id, sender_id, receiver_id, content, kind, file_key, file_url, file_name, file_mime_type, file_size, student_id, course_id, school_id, is_read, read_at, created_at`

func scanMessage(row scanner) (model.Message, error) {
	var (
		msg                                  model.Message
		kind                                 string
		fileKey, fileURL, fileName, fileMime *string
		fileSize                             *int64
	)
	err := row.Scan(
		&msg.ID,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.Content,
		&kind,
		&fileKey,
		&fileURL,
		&fileName,
		&fileMime,
		&fileSize,
		&msg.StudentID,
		&msg.CourseID,
		&msg.SchoolID,
		&msg.IsRead,
		&msg.ReadAt,
		&msg.CreatedAt,
	)
	if err != nil {
		return msg, err
	}
	msg.Kind = model.MessageKind(kind)
	if fileKey != nil {
		msg.File = &model.FileRef{Key: *fileKey}
		if fileURL != nil {
			msg.File.URL = *fileURL
		}
		if fileName != nil {
			msg.File.Name = *fileName
		}
		if fileMime != nil {
			msg.File.MimeType = *fileMime
		}
		if fileSize != nil {
			msg.File.Size = *fileSize
		}
	}
	return msg, nil
}

func collectMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) CreateMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	var fileKey, fileURL, fileName, fileMime *string
	var fileSize *int64
	if msg.File != nil {
		fileKey, fileURL, fileName, fileMime = &msg.File.Key, &msg.File.URL, &msg.File.Name, &msg.File.MimeType
		fileSize = &msg.File.Size
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, sender_id, receiver_id, content, kind, file_key, file_url, file_name, file_mime_type, file_size, student_id, course_id, school_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, false, $14)
		RETURNING `+messageColumns,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, string(msg.Kind), fileKey, fileURL, fileName, fileMime, fileSize,
		msg.StudentID, msg.CourseID, msg.SchoolID, msg.CreatedAt)
	return scanMessage(row)
}

// MarkMessagesRead flips unread messages addressed to readerID. Ids that are already read or
// addressed to someone else are skipped; only the rows that changed are returned.
func (s *Store) MarkMessagesRead(ctx context.Context, ids []string, readerID string, at time.Time) ([]model.Message, error) {
	ids = normalizeIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE messages
		SET is_read = true, read_at = $3
		WHERE id::text = ANY($1::text[]) AND receiver_id = $2 AND is_read = false
		RETURNING `+messageColumns,
		ids, readerID, at.UTC())
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ListThread returns one page of a (student, course) thread oldest first, with the thread size.
func (s *Store) ListThread(ctx context.Context, studentID, courseID string, offset, limit int) ([]model.Message, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM messages WHERE student_id = $1 AND course_id = $2
	`, studentID, courseID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE student_id = $1 AND course_id = $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3 OFFSET $4
	`, studentID, courseID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	messages, err := collectMessages(rows)
	return messages, total, err
}
