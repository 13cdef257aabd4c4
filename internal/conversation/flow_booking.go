package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/wolfman30/whatsapp-scheduler/internal/bookings"
	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling"
)

const bookingNotes = "Agendado via WhatsApp"

// offerDates fetches dates starting at from and moves to StateChoosingDate.
func (m *Machine) offerDates(ctx context.Context, next Context, from time.Time, greet bool) (Transition, error) {
	dates, err := m.gateway.ListAvailableDates(ctx, scheduling.DateQuery{From: from, Limit: m.maxDates})
	if err != nil {
		return Transition{}, err
	}
	if len(dates) == 0 {
		return toMenu(textNoDates), nil
	}
	next.Flow = &BookingFlow{Dates: dates}
	next.Expecting = ExpectDate
	name := ""
	if greet && next.Patient != nil {
		name = next.Patient.Name
	}
	return Transition{State: StateChoosingDate, Context: next, Replies: []string{m.clinic.datesText(name, dates)}}, nil
}

func (m *Machine) handleChoosingDate(ctx context.Context, conv *Conversation, input string) (Transition, error) {
	flow, ok := conv.Context.Booking()
	if !ok || conv.Context.Expecting != ExpectDate || len(flow.Dates) == 0 {
		return notUnderstood(conv), nil
	}
	if strings.TrimSpace(input) == "0" {
		return m.moreDates(ctx, conv, flow)
	}
	idx, numeric, inRange := parseChoice(input, len(flow.Dates))
	if !numeric {
		return stay(conv, textChooseNumber), nil
	}
	if !inRange {
		return stay(conv, textInvalidChoice), nil
	}

	date := flow.Dates[idx-1].Date
	times, err := m.gateway.ListAvailableTimes(ctx, date)
	if err != nil {
		return Transition{}, err
	}
	if len(times) == 0 {
		return stay(conv, textNoTimes, m.clinic.datesText("", flow.Dates)), nil
	}
	if len(times) > m.maxTimes {
		times = times[:m.maxTimes]
	}
	next := conv.Context
	next.Flow = &BookingFlow{Dates: flow.Dates, Date: date, Times: times}
	next.Expecting = ExpectTime
	return Transition{State: StateChoosingTime, Context: next, Replies: []string{m.clinic.timesText(date, times)}}, nil
}

// moreDates pages past the last offered date.
func (m *Machine) moreDates(ctx context.Context, conv *Conversation, flow *BookingFlow) (Transition, error) {
	last, err := time.ParseInLocation(scheduling.DateLayout, flow.Dates[len(flow.Dates)-1].Date, m.clinic.loc())
	if err != nil {
		return notUnderstood(conv), nil
	}
	dates, err := m.gateway.ListAvailableDates(ctx, scheduling.DateQuery{From: last.AddDate(0, 0, 1), Limit: m.maxDates})
	if err != nil {
		return Transition{}, err
	}
	if len(dates) == 0 {
		return stay(conv, textNoMoreDates, m.clinic.datesText("", flow.Dates)), nil
	}
	next := conv.Context
	next.Flow = &BookingFlow{Dates: dates}
	return Transition{State: StateChoosingDate, Context: next, Replies: []string{m.clinic.datesText("", dates)}}, nil
}

func (m *Machine) handleChoosingTime(ctx context.Context, conv *Conversation, input string) (Transition, error) {
	flow, ok := conv.Context.Booking()
	if !ok || conv.Context.Expecting != ExpectTime || flow.Date == "" || len(flow.Times) == 0 {
		return notUnderstood(conv), nil
	}
	if strings.TrimSpace(input) == "0" {
		return m.offerDates(ctx, conv.Context, m.now(), false)
	}
	idx, numeric, inRange := parseChoice(input, len(flow.Times))
	if !numeric {
		return stay(conv, textChooseNumber), nil
	}
	if !inRange {
		return stay(conv, textInvalidChoice), nil
	}

	slot := flow.Times[idx-1]
	next := conv.Context
	next.Flow = &BookingFlow{Dates: flow.Dates, Date: flow.Date, Times: flow.Times, Slot: &slot}
	next.Expecting = ExpectBookingConfirmation
	return Transition{
		State:   StateConfirmingBooking,
		Context: next,
		Replies: []string{m.clinic.bookingSummaryText(next.Patient, slot)},
	}, nil
}

func (m *Machine) handleConfirmingBooking(ctx context.Context, conv *Conversation, input string) (Transition, error) {
	flow, ok := conv.Context.Booking()
	if !ok || conv.Context.Expecting != ExpectBookingConfirmation || flow.Slot == nil || conv.Context.Patient == nil {
		return notUnderstood(conv), nil
	}
	switch strings.TrimSpace(input) {
	case "1":
		return m.book(ctx, conv, flow)
	case "2":
		return toMenu(textBookingDropped), nil
	default:
		return stay(conv, "Por favor, digite *1* para confirmar ou *2* para cancelar."), nil
	}
}

func (m *Machine) book(ctx context.Context, conv *Conversation, flow *BookingFlow) (Transition, error) {
	patient := conv.Context.Patient
	slot := *flow.Slot
	conf, err := m.gateway.CreateBooking(ctx, scheduling.BookingRequest{
		Patient:        *patient,
		Slot:           slot,
		IdempotencyKey: BookingKey(conv.ID, slot),
		Notes:          bookingNotes,
	})
	if errors.Is(err, scheduling.ErrSlotConflict) {
		if own := m.findOwnBooking(ctx, patient, slot); own != nil {
			conf, err = own, nil
		} else {
			return m.slotTaken(ctx, conv, flow)
		}
	}
	if err != nil {
		return Transition{}, err
	}

	m.recordAppointment(ctx, conv, patient, conf, slot)
	return Transition{
		State:   StateFinished,
		Replies: []string{m.clinic.bookingConfirmedText(patient, conf, slot)},
	}, nil
}

// BookingKey identifies one booking attempt so retries are idempotent at the provider.
func BookingKey(conversationID string, slot scheduling.TimeCandidate) string {
	return conversationID + ":" + slot.Date + "T" + slot.Time
}

// findOwnBooking detects a conflict caused by our own earlier attempt.
func (m *Machine) findOwnBooking(ctx context.Context, patient *scheduling.Patient, slot scheduling.TimeCandidate) *scheduling.BookingConfirmation {
	appts, err := m.gateway.ListAppointments(ctx, patient.ID)
	if err != nil {
		m.logger.Warn("conversation: could not verify booking conflict", "patient_id", patient.ID, "error", err)
		return nil
	}
	for _, a := range appts {
		if a.Active() && scheduling.SameSlot(a, slot, m.clinic.loc()) {
			return &scheduling.BookingConfirmation{ID: a.ID, StartsAt: a.StartsAt, Professional: a.Professional}
		}
	}
	return nil
}

// slotTaken re-offers the remaining times for the chosen date.
func (m *Machine) slotTaken(ctx context.Context, conv *Conversation, flow *BookingFlow) (Transition, error) {
	times, err := m.gateway.ListAvailableTimes(ctx, flow.Date)
	if err != nil {
		return Transition{}, err
	}
	if len(times) == 0 {
		tr, err := m.offerDates(ctx, conv.Context, m.now(), false)
		if err != nil {
			return Transition{}, err
		}
		if tr.State == StateChoosingDate {
			tr.Replies = append([]string{"⚠️ Esse horário acabou de ser ocupado e não há outros nesta data."}, tr.Replies...)
		}
		return tr, nil
	}
	if len(times) > m.maxTimes {
		times = times[:m.maxTimes]
	}
	next := conv.Context
	next.Flow = &BookingFlow{Dates: flow.Dates, Date: flow.Date, Times: times}
	next.Expecting = ExpectTime
	return Transition{
		State:   StateChoosingTime,
		Context: next,
		Replies: []string{textSlotTaken, m.clinic.timesText(flow.Date, times)},
	}, nil
}

func (m *Machine) recordAppointment(ctx context.Context, conv *Conversation, patient *scheduling.Patient, conf *scheduling.BookingConfirmation, slot scheduling.TimeCandidate) {
	if m.records == nil {
		return
	}
	startsAt := conf.StartsAt
	if startsAt.IsZero() {
		startsAt, _ = scheduling.SlotStart(slot, m.clinic.loc())
	}
	err := m.records.RecordAppointment(ctx, bookings.Appointment{
		ProviderID:   conf.ID,
		PatientID:    patient.ID,
		PatientName:  patient.Name,
		Phone:        conv.Phone,
		StartsAt:     startsAt,
		Professional: conf.Professional,
		Type:         "consulta",
		Status:       bookings.StatusScheduled,
	})
	if err != nil {
		m.logger.Warn("conversation: failed to mirror appointment locally",
			"phone", conv.Phone,
			"provider_id", conf.ID,
			"error", err,
		)
	}
}
