package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"semaphore/messaging/internal/logging"
	"semaphore/messaging/internal/mail"
	"semaphore/messaging/internal/metrics"
)

const (
	TypeEmail  = "notification:email"
	EmailQueue = "notifications"

	emailMaxRetry = 8
	emailTimeout  = time.Minute
)

// Enqueuer is the part of *asynq.Client the email producer needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// EmailProducer hands emails to the worker through Redis instead of sending them inline.
// It satisfies mail.Sender.
type EmailProducer struct {
	client Enqueuer
	logger *zap.Logger
}

func NewEmailProducer(client Enqueuer, logger *zap.Logger) *EmailProducer {
	return &EmailProducer{client: client, logger: logging.OrNop(logger).Named("email_queue")}
}

var _ mail.Sender = (*EmailProducer)(nil)

func NewEmailTask(msg mail.Message) (*asynq.Task, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode email task: %w", err)
	}
	return asynq.NewTask(TypeEmail, payload,
		asynq.Queue(EmailQueue),
		asynq.MaxRetry(emailMaxRetry),
		asynq.Timeout(emailTimeout),
	), nil
}

func (p *EmailProducer) Send(ctx context.Context, msg mail.Message) error {
	task, err := NewEmailTask(msg)
	if err != nil {
		return err
	}
	info, err := p.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue email: %w", err)
	}
	p.logger.Debug("email enqueued", zap.String("task_id", info.ID), zap.String("to", msg.To))
	return nil
}

func (p *EmailProducer) Close() error {
	return p.client.Close()
}

// EmailHandler delivers queued emails through the configured transport.
type EmailHandler struct {
	sender mail.Sender
	logger *zap.Logger
}

func NewEmailHandler(sender mail.Sender, logger *zap.Logger) *EmailHandler {
	return &EmailHandler{sender: sender, logger: logging.OrNop(logger).Named("email_worker")}
}

// ProcessTask returns asynq.SkipRetry for payloads that can never succeed. Transport errors are
// returned as is so asynq retries them.
func (h *EmailHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var msg mail.Message
	if err := json.Unmarshal(task.Payload(), &msg); err != nil {
		return fmt.Errorf("decode email task: %v: %w", err, asynq.SkipRetry)
	}
	if msg.To == "" {
		return fmt.Errorf("email task without recipient: %w", asynq.SkipRetry)
	}
	err := h.sender.Send(ctx, msg)
	metrics.ObserveDelivery("email", err)
	if err != nil {
		return fmt.Errorf("send queued email: %w", err)
	}
	return nil
}

// Worker runs the asynq server consuming the email queue.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

func NewWorker(redis asynq.RedisConnOpt, concurrency int, handler *EmailHandler, logger *zap.Logger) *Worker {
	logger = logging.OrNop(logger).Named("email_worker")
	if concurrency <= 0 {
		concurrency = 5
	}
	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{EmailQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			fields := []zap.Field{zap.String("task", task.Type()), zap.Int("retry", retried), zap.Error(err)}
			if retried >= maxRetry || errors.Is(err, asynq.SkipRetry) {
				logger.Error("email task dropped", fields...)
				return
			}
			logger.Warn("email task failed", fields...)
		}),
	})
	mux := asynq.NewServeMux()
	mux.Handle(TypeEmail, handler)
	return &Worker{server: srv, mux: mux, logger: logger}
}

// Run blocks until ctx is cancelled, then drains in-flight tasks.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	w.logger.Info("email worker started", zap.String("queue", EmailQueue))
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}
