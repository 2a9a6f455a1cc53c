package mail

import (
	"context"
	"fmt"
	"net/http"
	netmail "net/mail"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

type Sendgrid struct {
	client *sendgrid.Client
	from   *sgmail.Email
}

func NewSendgrid(apiKey, from string) (*Sendgrid, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("mail: SENDGRID_API_KEY is required for the sendgrid backend")
	}
	addr, err := netmail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("mail: invalid from address: %w", err)
	}
	return &Sendgrid{
		client: sendgrid.NewSendClient(apiKey),
		from:   sgmail.NewEmail(addr.Name, addr.Address),
	}, nil
}

func (s *Sendgrid) Send(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	html, text, err := Render(msg)
	if err != nil {
		return err
	}
	m := sgmail.NewSingleEmail(s.from, msg.Subject, sgmail.NewEmail("", msg.To), text, html)
	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

func (s *Sendgrid) Close() error { return nil }
