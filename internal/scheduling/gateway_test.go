package scheduling

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderUnavailableErrorMatching(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("wrapped: %w", &ProviderUnavailableError{Op: "lookup_patient", Attempts: 3, Err: cause})

	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrSlotConflict)
	assert.Contains(t, err.Error(), "lookup_patient failed after 3 attempt(s)")
}

func TestSlotHelpers(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	slot := TimeCandidate{Date: "2025-03-12", Time: "09:30"}

	start, err := SlotStart(slot, loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 12, 9, 30, 0, 0, loc), start)

	appt := Appointment{StartsAt: start.UTC()}
	assert.True(t, SameSlot(appt, slot, loc))
	assert.False(t, SameSlot(appt, TimeCandidate{Date: "2025-03-12", Time: "10:30"}, loc))

	_, err = SlotStart(TimeCandidate{Date: "12/03/2025", Time: "9h"}, loc)
	assert.Error(t, err)
}

func TestStubGatewayBookingLifecycle(t *testing.T) {
	ctx := context.Background()
	loc := time.UTC
	g := NewStubGateway(loc, Patient{ID: "p1", Name: "Maria", CPF: "52998224725"})

	_, err := g.LookupPatient(ctx, "11144477735")
	assert.ErrorIs(t, err, ErrPatientNotFound)
	p, err := g.LookupPatient(ctx, "52998224725")
	require.NoError(t, err)
	assert.Equal(t, "Maria", p.Name)

	// 2025-03-08 is a Saturday, 2025-03-09 a Sunday.
	from := time.Date(2025, 3, 8, 0, 0, 0, 0, loc)
	dates, err := g.ListAvailableDates(ctx, DateQuery{From: from, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []SlotCandidate{{Date: "2025-03-08"}, {Date: "2025-03-10"}, {Date: "2025-03-11"}}, dates)

	sat, err := g.ListAvailableTimes(ctx, "2025-03-08")
	require.NoError(t, err)
	assert.Len(t, sat, 4)

	times, err := g.ListAvailableTimes(ctx, "2025-03-10")
	require.NoError(t, err)
	require.Len(t, times, 10)

	req := BookingRequest{Patient: *p, Slot: times[0], IdempotencyKey: "k1"}
	first, err := g.CreateBooking(ctx, req)
	require.NoError(t, err)
	again, err := g.CreateBooking(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "same idempotency key must return the same booking")

	_, err = g.CreateBooking(ctx, BookingRequest{Patient: *p, Slot: times[0], IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, ErrSlotConflict)

	remaining, err := g.ListAvailableTimes(ctx, "2025-03-10")
	require.NoError(t, err)
	assert.Len(t, remaining, 9)

	appts, err := g.ListAppointments(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, appts, 1)
	require.NoError(t, g.CancelAppointment(ctx, appts[0].ID, "motivo"))
	appts, _ = g.ListAppointments(ctx, p.ID)
	assert.False(t, appts[0].Active())
	assert.ErrorIs(t, g.CancelAppointment(ctx, "missing", ""), ErrAppointmentNotFound)

	registered, err := g.RegisterPatient(ctx, NewPatient{Name: " José ", CPF: "11144477735"})
	require.NoError(t, err)
	assert.Equal(t, "José", registered.Name)
	found, err := g.LookupPatient(ctx, "11144477735")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, found.ID)
}
