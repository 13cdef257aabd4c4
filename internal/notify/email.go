package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

const defaultFromName = "Assistente WhatsApp"

var errNoRecipients = errors.New("notify: no recipients")

// EmailSender delivers one email. SendGrid, SES and the stub satisfy it.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is one notification addressed to one or more staff members.
type EmailMessage struct {
	To      []string
	ReplyTo string
	Subject string
	Text    string
	HTML    string
}

// Sender is the From identity shared by every provider.
type Sender struct {
	Email string
	Name  string
}

func (s Sender) withDefaults() Sender {
	s.Email = strings.TrimSpace(s.Email)
	if strings.TrimSpace(s.Name) == "" {
		s.Name = defaultFromName
	}
	return s
}

// ParseRecipients splits a comma or semicolon separated address list,
// dropping blanks and duplicates.
func ParseRecipients(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		addr := strings.TrimSpace(f)
		key := strings.ToLower(addr)
		if addr == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// StubEmailSender logs instead of sending.
type StubEmailSender struct {
	logger *logging.Logger
}

func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(_ context.Context, msg EmailMessage) error {
	if len(msg.To) == 0 {
		return errNoRecipients
	}
	s.logger.Info("email disabled; not sending", "to", strings.Join(msg.To, ","), "subject", msg.Subject)
	return nil
}
