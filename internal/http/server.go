package http

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"semaphore/messaging/internal/apperr"
	"semaphore/messaging/internal/auth"
	"semaphore/messaging/internal/config"
	"semaphore/messaging/internal/conversation"
	"semaphore/messaging/internal/export"
	"semaphore/messaging/internal/logging"
	"semaphore/messaging/internal/messaging"
	"semaphore/messaging/internal/metrics"
	"semaphore/messaging/internal/model"
	"semaphore/messaging/internal/notification"
	"semaphore/messaging/internal/observability"
	"semaphore/messaging/internal/presence"
	"semaphore/messaging/internal/realtime"
	"semaphore/messaging/internal/storage"
)

type Conversations interface {
	ListConversations(ctx context.Context, caller conversation.Caller) ([]model.Conversation, error)
	StartConversation(ctx context.Context, caller conversation.Caller, in conversation.StartInput) (model.Conversation, bool, error)
	GetForParticipant(ctx context.Context, id, userID string) (model.Conversation, error)
}

type Messages interface {
	SendMessage(ctx context.Context, in messaging.SendInput) (model.Message, error)
	MarkRead(ctx context.Context, in messaging.ReadInput) (messaging.ReadResult, error)
	Typing(ctx context.Context, event string, in messaging.TypingInput) error
	ListMessages(ctx context.Context, readerID, conversationID string, page, limit int) (messaging.Thread, error)
}

type Notifications interface {
	List(ctx context.Context, recipientID string, page, limit int, unreadOnly bool) (notification.Page, error)
	MarkAsRead(ctx context.Context, recipientID, id string) (model.Notification, error)
	MarkAllAsRead(ctx context.Context, recipientID string) (int, error)
	Delete(ctx context.Context, recipientID, id string) error
	Subscribe(ctx context.Context, userID string, in notification.SubscribeInput) (model.PushSubscription, error)
	Unsubscribe(ctx context.Context, userID, endpoint string) error
	PublicKey() (string, bool)
}

type Uploads interface {
	Save(ctx context.Context, name, mimeType string, r io.Reader) (model.FileRef, error)
	Open(ctx context.Context, key string) (model.FileRef, *os.File, error)
	Remove(ctx context.Context, key string) error
	MaxBytes() int64
}

type Users interface {
	GetUser(ctx context.Context, id string) (model.User, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Conversations Conversations
	Messages      Messages
	Notifications Notifications
	Presence      presence.Registry
	Hub           *realtime.Hub
	Uploads       Uploads
	Users         Users
	Logger        *zap.Logger
}

type Server struct {
	cfg          config.Config
	deps         Deps
	jwtPublicKey *rsa.PublicKey
	validate     *validator.Validate
	upgrader     websocket.Upgrader
	logger       *zap.Logger
}

func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	publicKey, err := auth.ParseRSAPublicKey(cfg.JWTPublicKey)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:          cfg,
		deps:         deps,
		jwtPublicKey: publicKey,
		validate:     newValidator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.OrNop(deps.Logger).Named("http"),
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", s.handleSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/conversations", s.handleListConversations)
		r.Post("/conversations", s.handleStartConversation)
		r.Get("/conversations/{conversationId}/messages", s.handleListMessages)
		r.Post("/conversations/{conversationId}/read", s.handleMarkConversationRead)
		r.Get("/conversations/{conversationId}/export", s.handleExportConversation)

		r.Post("/messages/attachment", s.handleSendAttachment)
		r.Get("/messages/attachment/{key}", s.handleGetAttachment)

		r.Get("/notifications", s.handleListNotifications)
		r.Patch("/notifications/read-all", s.handleMarkAllNotificationsRead)
		r.Patch("/notifications/{notificationId}/read", s.handleMarkNotificationRead)
		r.Delete("/notifications/{notificationId}", s.handleDeleteNotification)
		r.Get("/notifications/push/public-key", s.handlePushPublicKey)
		r.Post("/notifications/push/subscribe", s.handlePushSubscribe)
		r.Post("/notifications/push/unsubscribe", s.handlePushUnsubscribe)
	})

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.jwtPublicKey, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func callerFromClaims(claims *auth.Claims) conversation.Caller {
	return conversation.Caller{
		ID:       claims.UserID,
		Role:     claims.UserType,
		SchoolID: claims.SchoolID,
		Email:    claims.Email,
	}
}

// Conversations

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	convs, err := s.deps.Conversations.ListConversations(r.Context(), callerFromClaims(claims))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type startConversationRequest struct {
	StudentID  string `json:"studentId" validate:"required,uuid"`
	CourseID   string `json:"courseId" validate:"required,uuid"`
	GuardianID string `json:"guardianId,omitempty"`
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req startConversationRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	conv, created, err := s.deps.Conversations.StartConversation(r.Context(), callerFromClaims(claims), conversation.StartInput{
		StudentID:  req.StudentID,
		CourseID:   req.CourseID,
		GuardianID: req.GuardianID,
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	page, limit := pagination(r)
	thread, err := s.deps.Messages.ListMessages(r.Context(), claims.UserID, chi.URLParam(r, "conversationId"), page, limit)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

type markReadRequest struct {
	MessageIDs []string `json:"messageIds" validate:"omitempty,dive,uuid"`
}

func (s *Server) handleMarkConversationRead(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req markReadRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeErrorBody(w, http.StatusBadRequest, apperr.Validation("invalid_request", "request body is not valid JSON"))
		return
	}
	if !s.validateRequest(w, &req) {
		return
	}
	result, err := s.deps.Messages.MarkRead(r.Context(), messaging.ReadInput{
		ReaderID:       claims.UserID,
		ReaderRole:     claims.UserType,
		MessageIDs:     req.MessageIDs,
		ConversationID: chi.URLParam(r, "conversationId"),
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if result.Messages == nil {
		result.Messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, result)
}

const exportPageSize = 100

func (s *Server) handleExportConversation(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if !model.IsStaff(claims.UserType) && !model.CanCrossSchool(claims.UserType) {
		s.writeAppError(w, apperr.Forbidden("staff_only", "only staff can export conversations"))
		return
	}
	conversationID := chi.URLParam(r, "conversationId")
	var transcript export.Transcript
	for page := 1; ; page++ {
		thread, err := s.deps.Messages.ListMessages(r.Context(), claims.UserID, conversationID, page, exportPageSize)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		transcript.Conversation = thread.Conversation
		transcript.Messages = append(transcript.Messages, thread.Messages...)
		if len(thread.Messages) < exportPageSize || len(transcript.Messages) >= thread.Total {
			break
		}
	}

	transcript.Names = make(map[string]string)
	for _, id := range transcript.Conversation.Participants {
		if user, err := s.deps.Users.GetUser(r.Context(), id); err == nil {
			transcript.Names[strings.ToLower(id)] = user.DisplayName()
		}
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": transcript.Filename()}))
	w.WriteHeader(http.StatusOK)
	if err := transcript.Write(w); err != nil {
		s.logger.Error("transcript export failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// Messages

const multipartMemory = 8 << 20

type attachmentTarget struct {
	ReceiverID string `json:"receiverId" validate:"required,uuid"`
	StudentID  string `json:"studentId" validate:"required,uuid"`
	CourseID   string `json:"courseId" validate:"required,uuid"`
}

func (s *Server) handleSendAttachment(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if s.deps.Uploads == nil {
		s.writeAppError(w, apperr.Configuration("storage_unavailable", "file storage is not configured"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.Uploads.MaxBytes()+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorBody(w, http.StatusRequestEntityTooLarge, apperr.Validation("file_too_large", "the file exceeds the upload limit"))
			return
		}
		s.writeAppError(w, apperr.Validation("invalid_multipart", "expected a multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeAppError(w, apperr.Validation("missing_file", "a file field is required"))
		return
	}
	defer file.Close()

	target := attachmentTarget{
		ReceiverID: r.FormValue("receiverId"),
		StudentID:  r.FormValue("studentId"),
		CourseID:   r.FormValue("courseId"),
	}
	if !s.validateRequest(w, &target) {
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "application/octet-stream" {
		mimeType = ""
	}
	ref, err := s.deps.Uploads.Save(r.Context(), header.Filename, mimeType, file)
	switch {
	case errors.Is(err, storage.ErrTooLarge):
		writeErrorBody(w, http.StatusRequestEntityTooLarge, apperr.Validation("file_too_large", "the file exceeds the upload limit"))
		return
	case errors.Is(err, storage.ErrEmpty):
		s.writeAppError(w, apperr.Validation("empty_file", "the file is empty"))
		return
	case err != nil:
		s.writeAppError(w, apperr.Internal(fmt.Errorf("save upload: %w", err)))
		return
	}

	kind := r.FormValue("kind")
	if kind == "" {
		kind = string(model.MessageFile)
		if strings.HasPrefix(ref.MimeType, "image/") {
			kind = string(model.MessageImage)
		}
	}
	content := strings.TrimSpace(r.FormValue("content"))
	if content == "" {
		content = ref.Name
	}
	msg, err := s.deps.Messages.SendMessage(r.Context(), messaging.SendInput{
		SenderID:   claims.UserID,
		SenderRole: claims.UserType,
		SchoolID:   schoolFor(claims, r.FormValue("schoolId")),
		ReceiverID: target.ReceiverID,
		StudentID:  target.StudentID,
		CourseID:   target.CourseID,
		Content:    content,
		Kind:       kind,
		File:       &ref,
	})
	if err != nil {
		if rmErr := s.deps.Uploads.Remove(context.WithoutCancel(r.Context()), ref.Key); rmErr != nil {
			s.logger.Warn("orphaned upload not removed", zap.String("key", ref.Key), zap.Error(rmErr))
		}
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Uploads == nil {
		writeError(w, http.StatusNotFound, "file_not_found")
		return
	}
	ref, f, err := s.deps.Uploads.Open(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusNotFound, "file_not_found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeAppError(w, apperr.Internal(err))
		return
	}
	w.Header().Set("Content-Type", ref.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": ref.Name}))
	http.ServeContent(w, r, ref.Name, info.ModTime(), f)
}

// schoolFor lets cross-school callers name the school explicitly; everyone else is bound to
// the school in their token.
func schoolFor(claims *auth.Claims, requested string) string {
	if model.CanCrossSchool(claims.UserType) && strings.TrimSpace(requested) != "" {
		return strings.TrimSpace(requested)
	}
	return claims.SchoolID
}

// Notifications

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	page, limit := pagination(r)
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unreadOnly"))
	result, err := s.deps.Notifications.List(r.Context(), claims.UserID, page, limit, unreadOnly)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	count, err := s.deps.Notifications.MarkAllAsRead(r.Context(), claims.UserID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": count})
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	n, err := s.deps.Notifications.MarkAsRead(r.Context(), claims.UserID, chi.URLParam(r, "notificationId"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if err := s.deps.Notifications.Delete(r.Context(), claims.UserID, chi.URLParam(r, "notificationId")); err != nil {
		s.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushPublicKey(w http.ResponseWriter, _ *http.Request) {
	key, ok := s.deps.Notifications.PublicKey()
	if !ok {
		writeErrorBody(w, http.StatusNotFound, apperr.Configuration("push_disabled", "web push is not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": key})
}

type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	Keys     struct {
		P256dh string `json:"p256dh" validate:"required,notblank"`
		Auth   string `json:"auth" validate:"required,notblank"`
	} `json:"keys"`
	ExpirationTime *float64 `json:"expirationTime,omitempty"`
	UserAgent      string   `json:"userAgent,omitempty"`
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req pushSubscribeRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = r.UserAgent()
	}
	sub, err := s.deps.Notifications.Subscribe(r.Context(), claims.UserID, notification.SubscribeInput{
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		UserAgent: userAgent,
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required"`
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req pushUnsubscribeRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.deps.Notifications.Unsubscribe(r.Context(), claims.UserID, req.Endpoint); err != nil {
		s.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Helpers

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := decodeJSON(r, out); err != nil {
		writeErrorBody(w, http.StatusBadRequest, apperr.Validation("invalid_request", "request body is not valid JSON"))
		return false
	}
	return s.validateRequest(w, out)
}

func (s *Server) validateRequest(w http.ResponseWriter, out interface{}) bool {
	if err := s.validate.Struct(out); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			writeErrorBody(w, http.StatusBadRequest, apperr.Validation("invalid_request", err.Error()))
			return false
		}
		fields := make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields[fe.Field()] = fe.Tag()
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "invalid_request",
			Kind:    string(apperr.KindValidation),
			Message: "request validation failed",
			Fields:  fields,
		})
		return false
	}
	return true
}

func pagination(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return page, limit
}

type errorResponse struct {
	Error   string            `json:"error"`
	Kind    string            `json:"kind,omitempty"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func errorBody(err error) errorResponse {
	return errorResponse{
		Error:   apperr.CodeOf(err),
		Kind:    string(apperr.KindOf(err)),
		Message: apperr.MessageOf(err),
	}
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindNotEnrolled, apperr.KindParentNotFound:
		return http.StatusUnprocessableEntity
	case apperr.KindDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal || kind == apperr.KindConfiguration {
		s.logger.Error("request failed", zap.Error(err))
		observability.CaptureErr(err)
	}
	writeErrorBody(w, statusFor(kind), err)
}

func writeErrorBody(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody(err))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
