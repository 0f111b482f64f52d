package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendGridHost     = "https://api.sendgrid.com"
	sendGridEndpoint = "/v3/mail/send"
)

// ErrNoAddress is returned when a subject cannot be turned into an e-mail address.
var ErrNoAddress = errors.New("no e-mail address for subject")

// SendGridOutbound mails the affected subject through the SendGrid v3 API.
type SendGridOutbound struct {
	Key  string
	From *sgmail.Email
	// Domain completes subjects that are bare user ids.
	Domain string
	// Host overrides the API host.
	Host string
}

func NewSendGrid(key, fromName, fromEmail, domain string) *SendGridOutbound {
	return &SendGridOutbound{
		Key:    key,
		From:   sgmail.NewEmail(fromName, fromEmail),
		Domain: domain,
		Host:   sendGridHost,
	}
}

func (s *SendGridOutbound) address(subject string) (string, error) {
	if strings.Contains(subject, "@") {
		return subject, nil
	}
	if s.Domain == "" || subject == "" {
		return "", ErrNoAddress
	}
	return subject + "@" + s.Domain, nil
}

func (s *SendGridOutbound) prepare(msg Message) (*sgmail.SGMailV3, error) {
	to, err := s.address(msg.Subject)
	if err != nil {
		return nil, err
	}
	p := sgmail.NewPersonalization()
	p.Subject = msg.Title
	p.AddTos(sgmail.NewEmail(msg.Label, to))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.From)
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", msg.Body))
	return m, nil
}

func (s *SendGridOutbound) Notify(ctx context.Context, msg Message) error {
	m, err := s.prepare(msg)
	if err != nil {
		return err
	}
	host := s.Host
	if host == "" {
		host = sendGridHost
	}
	req := sendgrid.GetRequest(s.Key, sendGridEndpoint, host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(m)

	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid: status %d: %s", res.StatusCode, strings.TrimSpace(res.Body))
	}
	return nil
}
