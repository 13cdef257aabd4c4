package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

// HandoffRequest describes a patient who asked to talk to clinic staff.
type HandoffRequest struct {
	Phone       string
	PatientName string
	Reason      string
	RequestedAt time.Time
}

// StaffNotifier emails clinic staff about hand-off requests.
type StaffNotifier struct {
	email    EmailSender
	to       []string
	clinic   string
	location *time.Location
	logger   *logging.Logger
}

// NewStaffNotifier returns a notifier for a comma separated list of staff
// addresses. An empty list or nil sender disables notifications.
func NewStaffNotifier(email EmailSender, to, clinicName string, loc *time.Location, logger *logging.Logger) *StaffNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &StaffNotifier{
		email:    email,
		to:       ParseRecipients(to),
		clinic:   clinicName,
		location: loc,
		logger:   logger,
	}
}

// NotifyHandoff sends the hand-off email.
func (n *StaffNotifier) NotifyHandoff(ctx context.Context, req HandoffRequest) error {
	if n == nil || n.email == nil || len(n.to) == 0 {
		return nil
	}
	if strings.TrimSpace(req.Phone) == "" {
		return fmt.Errorf("notify: handoff request missing phone")
	}

	msg := EmailMessage{
		To:      n.to,
		Subject: handoffSubject(n.clinic, req),
		Text:    n.handoffBody(req),
	}
	if err := n.email.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: handoff email: %w", err)
	}
	n.logger.Info("notify: staff hand-off email sent", "phone", req.Phone, "recipients", len(n.to))
	return nil
}

func handoffSubject(clinic string, req HandoffRequest) string {
	who := req.PatientName
	if who == "" {
		who = "+" + req.Phone
	}
	if clinic == "" {
		return "Paciente pediu atendimento humano: " + who
	}
	return fmt.Sprintf("[%s] Paciente pediu atendimento humano: %s", clinic, who)
}

func (n *StaffNotifier) handoffBody(req HandoffRequest) string {
	var b strings.Builder
	b.WriteString("Um paciente pediu para falar com a equipe pelo WhatsApp.\n\n")
	if req.PatientName != "" {
		fmt.Fprintf(&b, "Paciente: %s\n", req.PatientName)
	}
	fmt.Fprintf(&b, "WhatsApp: +%s\n", req.Phone)
	if req.Reason != "" {
		fmt.Fprintf(&b, "Motivo: %s\n", req.Reason)
	}
	at := req.RequestedAt
	if at.IsZero() {
		at = time.Now()
	}
	fmt.Fprintf(&b, "Solicitado em: %s\n", at.In(n.location).Format("02/01/2006 15:04"))
	return b.String()
}
