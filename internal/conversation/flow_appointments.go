package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/whatsapp-scheduler/internal/bookings"
	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling"
)

const cancellationReason = "Cancelado pelo paciente via WhatsApp"

// upcomingAppointments returns the patient's active appointments from now on.
func (m *Machine) upcomingAppointments(ctx context.Context, patient *scheduling.Patient) ([]scheduling.Appointment, error) {
	appts, err := m.gateway.ListAppointments(ctx, patient.ID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]scheduling.Appointment, 0, len(appts))
	for _, a := range appts {
		if a.Active() && a.StartsAt.After(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Machine) showAppointments(ctx context.Context, next Context) (Transition, error) {
	appts, err := m.upcomingAppointments(ctx, next.Patient)
	if err != nil {
		return Transition{}, err
	}
	if len(appts) == 0 {
		return Transition{State: StateFinished, Replies: []string{textNoAppointments + "\n\nDigite *menu* para ver as opções."}}, nil
	}
	return Transition{State: StateFinished, Replies: []string{m.clinic.appointmentsText(appts)}}, nil
}

func (m *Machine) offerCancellation(ctx context.Context, next Context) (Transition, error) {
	appts, err := m.upcomingAppointments(ctx, next.Patient)
	if err != nil {
		return Transition{}, err
	}
	if len(appts) == 0 {
		return Transition{State: StateFinished, Replies: []string{textNoAppointments + "\n\nDigite *menu* para ver as opções."}}, nil
	}
	next.Flow = &CancellationFlow{Appointments: appts}
	next.Expecting = ExpectAppointmentChoice
	return Transition{State: StateChoosingCancellation, Context: next, Replies: []string{m.clinic.cancellationChoiceText(appts)}}, nil
}

func (m *Machine) handleChoosingCancellation(_ context.Context, conv *Conversation, input string) (Transition, error) {
	flow, ok := conv.Context.Cancellation()
	if !ok || conv.Context.Expecting != ExpectAppointmentChoice || len(flow.Appointments) == 0 {
		return notUnderstood(conv), nil
	}
	if strings.TrimSpace(input) == "0" {
		return toMenu(""), nil
	}
	idx, numeric, inRange := parseChoice(input, len(flow.Appointments))
	if !numeric {
		return stay(conv, textChooseNumber), nil
	}
	if !inRange {
		return stay(conv, textInvalidChoice), nil
	}
	selected := flow.Appointments[idx-1]
	next := conv.Context
	next.Flow = &CancellationFlow{Appointments: flow.Appointments, Selected: &selected}
	next.Expecting = ExpectCancelConfirmation
	return Transition{
		State:   StateConfirmingCancellation,
		Context: next,
		Replies: []string{m.clinic.cancellationConfirmText(selected)},
	}, nil
}

func (m *Machine) handleConfirmingCancellation(ctx context.Context, conv *Conversation, input string) (Transition, error) {
	flow, ok := conv.Context.Cancellation()
	if !ok || conv.Context.Expecting != ExpectCancelConfirmation || flow.Selected == nil {
		return notUnderstood(conv), nil
	}
	switch strings.TrimSpace(input) {
	case "1":
		err := m.gateway.CancelAppointment(ctx, flow.Selected.ID, cancellationReason)
		if err != nil && !errors.Is(err, scheduling.ErrAppointmentNotFound) {
			return Transition{}, err
		}
		if m.records != nil {
			if err := m.records.MarkAppointmentCancelled(ctx, flow.Selected.ID); err != nil {
				m.logger.Warn("conversation: failed to mirror cancellation locally",
					"phone", conv.Phone,
					"provider_id", flow.Selected.ID,
					"error", err,
				)
			}
		}
		return Transition{State: StateFinished, Replies: []string{textCancelled}}, nil
	case "2":
		return toMenu(textCancelDropped), nil
	default:
		return stay(conv, "Por favor, digite *1* para cancelar a consulta ou *2* para mantê-la."), nil
	}
}

func (m *Machine) enrollWaitlist(ctx context.Context, conv *Conversation, next Context) (Transition, error) {
	if m.waitlist != nil {
		err := m.waitlist.EnrollWaitlist(ctx, bookings.WaitlistEntry{
			PatientID:   next.Patient.ID,
			PatientName: next.Patient.Name,
			CPF:         next.Patient.CPF,
			Phone:       conv.Phone,
		})
		if err != nil {
			return Transition{}, fmt.Errorf("conversation: enroll waitlist: %w", err)
		}
	} else {
		m.logger.Warn("conversation: wait-list storage not configured", "phone", conv.Phone)
	}
	return Transition{State: StateFinished, Replies: []string{waitlistText(next.Patient)}}, nil
}
