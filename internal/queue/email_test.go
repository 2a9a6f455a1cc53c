package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"

	"semaphore/messaging/internal/mail"
)

type recordingSender struct {
	sent []mail.Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg mail.Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) Close() error { return nil }

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: EmailQueue, Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func TestProducerEnqueuesEmailTask(t *testing.T) {
	client := &fakeEnqueuer{}
	producer := NewEmailProducer(client, nil)
	msg := mail.Message{To: "parent@example.com", Subject: "Hi", Title: "Hi", Body: "Body"}
	if err := producer.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(client.tasks) != 1 || client.tasks[0].Type() != TypeEmail {
		t.Fatalf("expected one %s task, got %+v", TypeEmail, client.tasks)
	}
	var decoded mail.Message
	if err := json.Unmarshal(client.tasks[0].Payload(), &decoded); err != nil || decoded != msg {
		t.Fatalf("unexpected payload %s (%v)", client.tasks[0].Payload(), err)
	}
}

func TestHandlerDeliversThroughSender(t *testing.T) {
	sender := &recordingSender{}
	handler := NewEmailHandler(sender, nil)
	task, err := NewEmailTask(mail.Message{To: "parent@example.com", Subject: "Hi", Body: "Body"})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := handler.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].To != "parent@example.com" {
		t.Fatalf("unexpected sent %+v", sender.sent)
	}
}

func TestHandlerSkipsRetryForBadPayload(t *testing.T) {
	handler := NewEmailHandler(&recordingSender{}, nil)
	err := handler.ProcessTask(context.Background(), asynq.NewTask(TypeEmail, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	err = handler.ProcessTask(context.Background(), asynq.NewTask(TypeEmail, []byte(`{"subject":"x"}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for missing recipient, got %v", err)
	}
}

func TestHandlerRetriesTransportErrors(t *testing.T) {
	cause := errors.New("smtp unavailable")
	handler := NewEmailHandler(&recordingSender{err: cause}, nil)
	task, _ := NewEmailTask(mail.Message{To: "parent@example.com", Subject: "Hi"})
	err := handler.ProcessTask(context.Background(), task)
	if !errors.Is(err, cause) || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable transport error, got %v", err)
	}
}
