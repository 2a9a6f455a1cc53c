package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"semaphore/messaging/internal/apperr"
	"semaphore/messaging/internal/logging"
	"semaphore/messaging/internal/model"
)

type Store interface {
	GetConversation(ctx context.Context, id string) (model.Conversation, error)
	GetConversationByPair(ctx context.Context, studentID, courseID string) (model.Conversation, error)
	ListConversationsForParticipant(ctx context.Context, userID, schoolID string) ([]model.Conversation, error)
	ListConversationsForStudents(ctx context.Context, studentIDs []string) ([]model.Conversation, error)
	CreateConversation(ctx context.Context, conv model.Conversation) (model.Conversation, bool, error)
	AddParticipant(ctx context.Context, conversationID, userID string) (model.Conversation, bool, error)
	RecordMessage(ctx context.Context, activity model.ConversationActivity) (model.Conversation, error)
	ResetUnread(ctx context.Context, conversationID string, side model.Side) (model.Conversation, error)
}

// Directory is the read model of users, students and enrollments owned by other services.
type Directory interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	GetStudent(ctx context.Context, id string) (model.Student, error)
	StudentsByContactEmail(ctx context.Context, email string) ([]model.Student, error)
	HasActiveEnrollment(ctx context.Context, studentID, courseID string) (bool, error)
	FindGuardianByEmail(ctx context.Context, email, schoolID string) (model.User, error)
	FindGuardianLinkedTo(ctx context.Context, studentID, schoolID string) (model.User, error)
}

// Caller is the authenticated user on whose behalf the resolver runs.
type Caller struct {
	ID       string
	Role     string
	SchoolID string
	Email    string
}

// schoolScope is empty for roles allowed to act across schools.
func (c Caller) schoolScope() string {
	if model.CanCrossSchool(c.Role) {
		return ""
	}
	return c.SchoolID
}

type Resolver struct {
	store     Store
	directory Directory
	logger    *zap.Logger
}

func NewResolver(store Store, directory Directory, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, directory: directory, logger: logging.OrNop(logger).Named("conversation")}
}

// ListConversations returns the caller's threads, newest activity first. Guardians are also
// joined to every thread about a student they are linked to, by contact email or explicit link.
func (r *Resolver) ListConversations(ctx context.Context, caller Caller) ([]model.Conversation, error) {
	primary, err := r.store.ListConversationsForParticipant(ctx, caller.ID, caller.schoolScope())
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list conversations: %w", err))
	}
	if !model.IsGuardian(caller.Role) {
		sortByActivity(primary)
		return primary, nil
	}

	backfilled, err := r.backfill(ctx, caller)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("backfill conversations: %w", err))
	}
	merged := make([]model.Conversation, 0, len(primary)+len(backfilled))
	seen := make(map[string]struct{}, len(primary)+len(backfilled))
	for _, list := range [][]model.Conversation{primary, backfilled} {
		for _, conv := range list {
			id := strings.ToLower(conv.ID)
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			merged = append(merged, conv)
		}
	}
	sortByActivity(merged)
	return merged, nil
}

func (r *Resolver) backfill(ctx context.Context, caller Caller) ([]model.Conversation, error) {
	email := caller.Email
	var linked []string
	user, err := r.directory.GetUser(ctx, caller.ID)
	switch {
	case err == nil:
		if email == "" {
			email = user.Email
		}
		linked = user.LinkedStudentIDs
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	var studentIDs []string
	if email != "" {
		students, err := r.directory.StudentsByContactEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		for _, student := range students {
			studentIDs = appendID(studentIDs, student.ID)
		}
	}
	for _, id := range linked {
		studentIDs = appendID(studentIDs, id)
	}
	if len(studentIDs) == 0 {
		return nil, nil
	}

	convs, err := r.store.ListConversationsForStudents(ctx, studentIDs)
	if err != nil {
		return nil, err
	}
	for i, conv := range convs {
		if conv.HasParticipant(caller.ID) {
			continue
		}
		updated, added, err := r.store.AddParticipant(ctx, conv.ID, caller.ID)
		if err != nil {
			return nil, err
		}
		if added {
			r.logger.Info("guardian joined conversation",
				zap.String("conversation_id", conv.ID),
				zap.String("guardian_id", caller.ID),
				zap.String("student_id", conv.StudentID))
		}
		convs[i] = updated
	}
	return convs, nil
}

type StartInput struct {
	StudentID  string
	CourseID   string
	GuardianID string
}

// StartConversation returns the thread for (student, course), creating it with zeroed unread
// buckets when it does not exist yet. created reports whether this call inserted it.
func (r *Resolver) StartConversation(ctx context.Context, caller Caller, in StartInput) (conv model.Conversation, created bool, err error) {
	if !model.IsStaff(caller.Role) && !model.CanCrossSchool(caller.Role) {
		return conv, false, apperr.Forbidden("staff_only", "only staff members can start a conversation")
	}
	if !validID(in.StudentID) {
		return conv, false, apperr.Validation("invalid_student_id", "studentId must be a valid identifier")
	}
	if !validID(in.CourseID) {
		return conv, false, apperr.Validation("invalid_course_id", "courseId must be a valid identifier")
	}

	enrolled, err := r.directory.HasActiveEnrollment(ctx, in.StudentID, in.CourseID)
	if err != nil {
		return conv, false, apperr.Internal(fmt.Errorf("check enrollment: %w", err))
	}
	if !enrolled {
		return conv, false, apperr.NotEnrolled("student is not enrolled in this course")
	}

	student, err := r.directory.GetStudent(ctx, in.StudentID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return conv, false, apperr.Internal(fmt.Errorf("load student: %w", err))
	}
	guardianID, err := r.resolveGuardian(ctx, caller, in, student)
	if err != nil {
		return conv, false, err
	}

	schoolID := caller.SchoolID
	if schoolID == "" {
		schoolID = student.SchoolID
	}
	conv, created, err = r.store.CreateConversation(ctx, model.Conversation{
		Participants: []string{caller.ID, guardianID},
		StudentID:    in.StudentID,
		CourseID:     in.CourseID,
		SchoolID:     schoolID,
	})
	if err != nil {
		return conv, false, apperr.Internal(fmt.Errorf("create conversation: %w", err))
	}
	return conv, created, nil
}

// resolveGuardian picks the guardian in priority order: the supplied id, the user whose email
// matches the student's contact email, then a user explicitly linked to the student.
func (r *Resolver) resolveGuardian(ctx context.Context, caller Caller, in StartInput, student model.Student) (string, error) {
	if validID(in.GuardianID) {
		return in.GuardianID, nil
	}
	scope := caller.schoolScope()
	if student.ContactEmail != "" {
		guardian, err := r.directory.FindGuardianByEmail(ctx, student.ContactEmail, scope)
		if err == nil {
			return guardian.ID, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return "", apperr.Internal(fmt.Errorf("find guardian by email: %w", err))
		}
	}
	guardian, err := r.directory.FindGuardianLinkedTo(ctx, in.StudentID, scope)
	if err == nil {
		return guardian.ID, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return "", apperr.Internal(fmt.Errorf("find linked guardian: %w", err))
	}
	return "", apperr.ParentNotFound("no guardian could be resolved for this student")
}

func (r *Resolver) Get(ctx context.Context, id string) (model.Conversation, error) {
	if !validID(id) {
		return model.Conversation{}, apperr.Validation("invalid_conversation_id", "conversationId must be a valid identifier")
	}
	conv, err := r.store.GetConversation(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return conv, apperr.NotFound("conversation_not_found", "conversation not found")
	}
	if err != nil {
		return conv, apperr.Internal(fmt.Errorf("get conversation: %w", err))
	}
	return conv, nil
}

// GetForParticipant loads a thread and rejects callers that are not part of it.
func (r *Resolver) GetForParticipant(ctx context.Context, id, userID string) (model.Conversation, error) {
	conv, err := r.Get(ctx, id)
	if err != nil {
		return conv, err
	}
	if !conv.HasParticipant(userID) {
		return model.Conversation{}, apperr.Forbidden("not_participant", "you are not a participant of this conversation")
	}
	return conv, nil
}

// AuthorizeSend checks that sender and receiver both belong to the thread for (student, course)
// and that it is owned by schoolID. A pair without a thread passes; its first message creates it.
func (r *Resolver) AuthorizeSend(ctx context.Context, senderID, receiverID, schoolID, studentID, courseID string) error {
	conv, err := r.store.GetConversationByPair(ctx, studentID, courseID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Internal(fmt.Errorf("load conversation: %w", err))
	}
	if !model.SameID(conv.SchoolID, schoolID) || !conv.HasParticipant(senderID) || !conv.HasParticipant(receiverID) {
		return apperr.Forbidden("not_participant", "you are not a participant of this conversation")
	}
	return nil
}

func (r *Resolver) RecordMessage(ctx context.Context, activity model.ConversationActivity) (model.Conversation, error) {
	return r.store.RecordMessage(ctx, activity)
}

func (r *Resolver) ResetUnread(ctx context.Context, conversationID string, side model.Side) (model.Conversation, error) {
	conv, err := r.store.ResetUnread(ctx, conversationID, side)
	if errors.Is(err, model.ErrNotFound) {
		return conv, apperr.NotFound("conversation_not_found", "conversation not found")
	}
	return conv, err
}

func sortByActivity(convs []model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].ActivityAt().After(convs[j].ActivityAt())
	})
}

func appendID(ids []string, id string) []string {
	if id == "" || model.ContainsID(ids, id) {
		return ids
	}
	return append(ids, id)
}

func validID(id string) bool {
	_, err := uuid.Parse(strings.TrimSpace(id))
	return err == nil
}
