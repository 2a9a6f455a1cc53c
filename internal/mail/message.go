package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"go.uber.org/zap"

	"semaphore/messaging/internal/config"
)

// Message is a notification email: subject, a heading, a body and an optional call to action.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Link    string `json:"link,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

var htmlTemplate = template.Must(template.New("notification").Parse(`<!DOCTYPE html>
<html>
  <body style="font-family: Arial, sans-serif; color: #1f2933;">
    <h2>{{.Title}}</h2>
    <p>{{.Body}}</p>
    {{- if .Link}}
    <p><a href="{{.Link}}" style="display:inline-block;padding:10px 16px;background:#2563eb;color:#ffffff;text-decoration:none;border-radius:4px;">Open Semaphore</a></p>
    {{- end}}
    <p style="font-size:12px;color:#7b8794;">You received this email because you were offline when this notification was sent.</p>
  </body>
</html>
`))

// Render returns the HTML and plain text bodies of msg.
func Render(msg Message) (string, string, error) {
	var html bytes.Buffer
	if err := htmlTemplate.Execute(&html, msg); err != nil {
		return "", "", fmt.Errorf("render email: %w", err)
	}
	text := msg.Title + "\n\n" + msg.Body
	if msg.Link != "" {
		text += "\n\n" + msg.Link
	}
	return html.String(), text, nil
}

func validate(msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("mail: missing recipient")
	}
	if strings.TrimSpace(msg.Subject) == "" {
		return fmt.Errorf("mail: missing subject")
	}
	return nil
}

// New selects the transport named by EMAIL_BACKEND.
func New(cfg config.EmailConfig, logger *zap.Logger) (Sender, error) {
	switch cfg.Backend {
	case "smtp":
		return NewPool(cfg.From, cfg.SMTP, nil, logger), nil
	case "sendgrid":
		return NewSendgrid(cfg.SendgridAPIKey, cfg.From)
	case "", "console":
		return NewConsole(logger), nil
	default:
		return nil, fmt.Errorf("mail: unknown backend %q", cfg.Backend)
	}
}
