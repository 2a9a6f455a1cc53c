package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"semaphore/messaging/internal/model"
)

const userColumns = `u.id, COALESCE(u.school_id::text, ''), u.email, u.first_name, u.last_name, u.role,
	ARRAY(SELECT g.student_id::text FROM directory_guardian_students g WHERE g.guardian_id = u.id ORDER BY g.student_id)`

func scanUser(row scanner) (model.User, error) {
	var user model.User
	err := row.Scan(&user.ID, &user.SchoolID, &user.Email, &user.FirstName, &user.LastName, &user.Role, &user.LinkedStudentIDs)
	return user, err
}

func scanStudent(row scanner) (model.Student, error) {
	var (
		student model.Student
		email   *string
	)
	if err := row.Scan(&student.ID, &student.SchoolID, &student.FirstName, &student.LastName, &email); err != nil {
		return student, err
	}
	if email != nil {
		student.ContactEmail = *email
	}
	return student, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM directory_users u WHERE u.id = $1`, id)
	user, err := scanUser(row)
	return user, notFound(err)
}

func (s *Store) GetStudent(ctx context.Context, id string) (model.Student, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, school_id, first_name, last_name, contact_email
		FROM directory_students
		WHERE id = $1
	`, id)
	student, err := scanStudent(row)
	return student, notFound(err)
}

func (s *Store) StudentsByContactEmail(ctx context.Context, email string) ([]model.Student, error) {
	if email == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, school_id, first_name, last_name, contact_email
		FROM directory_students
		WHERE lower(contact_email) = lower($1)
	`, email)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Student, error) {
		return scanStudent(row)
	})
}

func (s *Store) HasActiveEnrollment(ctx context.Context, studentID, courseID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM directory_enrollments
			WHERE student_id = $1 AND course_id = $2 AND status = 'active'
		)
	`, studentID, courseID).Scan(&exists)
	return exists, err
}

// FindGuardianByEmail looks up a guardian-class user; an empty schoolID searches every school.
func (s *Store) FindGuardianByEmail(ctx context.Context, email, schoolID string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM directory_users u
		WHERE u.role IN ('parent', 'guardian')
		  AND lower(u.email) = lower($1)
		  AND ($2 = '' OR u.school_id::text = lower($2))
		ORDER BY u.id
		LIMIT 1
	`, email, schoolID)
	user, err := scanUser(row)
	return user, notFound(err)
}

func (s *Store) FindGuardianLinkedTo(ctx context.Context, studentID, schoolID string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM directory_users u
		JOIN directory_guardian_students link ON link.guardian_id = u.id
		WHERE link.student_id = $1
		  AND u.role IN ('parent', 'guardian')
		  AND ($2 = '' OR u.school_id::text = lower($2))
		ORDER BY u.id
		LIMIT 1
	`, studentID, schoolID)
	user, err := scanUser(row)
	return user, notFound(err)
}
