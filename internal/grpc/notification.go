package grpc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"semaphore/messaging/internal/apperr"
	"semaphore/messaging/internal/logging"
	"semaphore/messaging/internal/model"
	"semaphore/messaging/internal/notification"
)

const (
	NotificationCommandServiceName = "semaphore.messaging.v1.NotificationCommandService"
	CreateNotificationMethod       = "/" + NotificationCommandServiceName + "/CreateNotification"
)

// NotificationCommandServiceServer takes and returns structpb.Struct messages keyed by the
// snake_case field names of the platform's notification contract.
type NotificationCommandServiceServer interface {
	CreateNotification(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var NotificationCommandServiceDesc = grpc.ServiceDesc{
	ServiceName: NotificationCommandServiceName,
	HandlerType: (*NotificationCommandServiceServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "CreateNotification",
		Handler:    createNotificationHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "semaphore/messaging/v1/notification.proto",
}

func RegisterNotificationCommandServiceServer(s grpc.ServiceRegistrar, srv NotificationCommandServiceServer) {
	s.RegisterService(&NotificationCommandServiceDesc, srv)
}

func createNotificationHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NotificationCommandServiceServer).CreateNotification(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CreateNotificationMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NotificationCommandServiceServer).CreateNotification(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// CreateNotification calls the command service over conn.
func CreateNotification(ctx context.Context, conn grpc.ClientConnInterface, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, CreateNotificationMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type Creator interface {
	CreateNotification(ctx context.Context, in notification.CreateInput) (model.Notification, error)
}

type NotificationCommandServer struct {
	creator Creator
	logger  *zap.Logger
}

func NewNotificationCommandServer(creator Creator, logger *zap.Logger) *NotificationCommandServer {
	return &NotificationCommandServer{creator: creator, logger: logging.OrNop(logger).Named("grpc")}
}

func (s *NotificationCommandServer) CreateNotification(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	in := notification.CreateInput{
		RecipientID: fields["recipient_id"].GetStringValue(),
		SenderID:    fields["sender_id"].GetStringValue(),
		Type:        fields["type"].GetStringValue(),
		Title:       fields["title"].GetStringValue(),
		Body:        fields["body"].GetStringValue(),
		Link:        fields["link"].GetStringValue(),
		SchoolID:    fields["school_id"].GetStringValue(),
	}
	if data := fields["data"].GetStructValue(); data != nil {
		in.Data = data.AsMap()
	}

	n, err := s.creator.CreateNotification(ctx, in)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			s.logger.Error("create notification failed", zap.String("recipient_id", in.RecipientID), zap.Error(err))
		}
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"id":           n.ID,
		"recipient_id": n.RecipientID,
		"type":         string(n.Type),
		"created_at":   n.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func toStatus(err error) error {
	code := codes.Internal
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		code = codes.InvalidArgument
	case apperr.KindNotFound, apperr.KindParentNotFound:
		code = codes.NotFound
	case apperr.KindAuthorization:
		code = codes.PermissionDenied
	case apperr.KindNotEnrolled:
		code = codes.FailedPrecondition
	case apperr.KindDelivery:
		code = codes.Unavailable
	}
	return status.Error(code, apperr.CodeOf(err))
}

// NewServer builds the gRPC server with the command service and the standard health service.
func NewServer(serviceToken string, creator Creator, logger *zap.Logger) (*grpc.Server, *health.Server, error) {
	auth, err := NewServiceAuthUnaryInterceptor(serviceToken)
	if err != nil {
		return nil, nil, err
	}
	server := grpc.NewServer(grpc.UnaryInterceptor(auth))
	RegisterNotificationCommandServiceServer(server, NewNotificationCommandServer(creator, logger))

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(NotificationCommandServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return server, healthServer, nil
}
