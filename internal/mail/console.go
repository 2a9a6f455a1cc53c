package mail

import (
	"context"

	"go.uber.org/zap"

	"semaphore/messaging/internal/logging"
)

// Console logs emails instead of sending them. It is the development default.
type Console struct {
	logger *zap.Logger
}

func NewConsole(logger *zap.Logger) *Console {
	return &Console{logger: logging.OrNop(logger).Named("mail")}
}

func (c *Console) Send(_ context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	_, text, err := Render(msg)
	if err != nil {
		return err
	}
	c.logger.Info("email",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", text))
	return nil
}

func (c *Console) Close() error { return nil }
