// Package scheduling defines the boundary between the conversation engine and
// the clinic's appointment provider.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DateLayout is the civil date format used for SlotCandidate and TimeCandidate dates.
const DateLayout = "2006-01-02"

var (
	// ErrProviderUnavailable is matched by every provider failure left after retries.
	ErrProviderUnavailable = errors.New("scheduling: provider unavailable")
	// ErrPatientNotFound indicates a lookup miss.
	ErrPatientNotFound = errors.New("scheduling: patient not found")
	// ErrSlotConflict indicates the chosen slot was taken before the booking landed.
	ErrSlotConflict = errors.New("scheduling: slot no longer available")
	// ErrAppointmentNotFound indicates an unknown appointment id.
	ErrAppointmentNotFound = errors.New("scheduling: appointment not found")
)

// ProviderUnavailableError carries details about an exhausted provider call.
type ProviderUnavailableError struct {
	Op         string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *ProviderUnavailableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("scheduling: %s failed after %d attempt(s) with status %d: %v", e.Op, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("scheduling: %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrProviderUnavailable) match.
func (e *ProviderUnavailableError) Is(target error) bool {
	return target == ErrProviderUnavailable
}

// Patient is the provider's view of a patient.
type Patient struct {
	ID    string `json:"id"`
	Name  string `json:"nome"`
	CPF   string `json:"cpf"`
	Phone string `json:"telefone,omitempty"`
}

// NewPatient holds the data needed to register a patient.
type NewPatient struct {
	Name  string
	CPF   string
	Phone string
}

// DateQuery bounds a date listing.
type DateQuery struct {
	From  time.Time
	Limit int
}

// SlotCandidate is a date with availability.
type SlotCandidate struct {
	Date string `json:"data"`
}

// Time parses the candidate date.
func (s SlotCandidate) Time() (time.Time, error) {
	return time.Parse(DateLayout, s.Date)
}

// TimeCandidate is a bookable time on a given date.
type TimeCandidate struct {
	SlotID       string `json:"id,omitempty"`
	Date         string `json:"data"`
	Time         string `json:"hora"`
	Professional string `json:"profissional,omitempty"`
}

// BookingRequest asks the provider to book a slot for a patient.
type BookingRequest struct {
	Patient        Patient
	Slot           TimeCandidate
	IdempotencyKey string
	Notes          string
}

// BookingConfirmation is returned after a successful booking.
type BookingConfirmation struct {
	ID           string    `json:"id"`
	StartsAt     time.Time `json:"data_hora"`
	Professional string    `json:"profissional,omitempty"`
}

// Appointment is an existing appointment for a patient.
type Appointment struct {
	ID           string    `json:"id"`
	StartsAt     time.Time `json:"data_hora"`
	Professional string    `json:"profissional,omitempty"`
	Type         string    `json:"tipo,omitempty"`
	Status       string    `json:"status,omitempty"`
}

// Active reports whether the appointment still holds a slot.
func (a Appointment) Active() bool {
	switch a.Status {
	case "cancelado", "cancelled", "canceled", "realizado", "faltou":
		return false
	}
	return true
}

// Gateway is implemented by scheduling providers. Every method returns either
// a typed result or one of the package errors; transport errors never leak.
type Gateway interface {
	LookupPatient(ctx context.Context, cpf string) (*Patient, error)
	RegisterPatient(ctx context.Context, p NewPatient) (*Patient, error)
	ListAvailableDates(ctx context.Context, q DateQuery) ([]SlotCandidate, error)
	ListAvailableTimes(ctx context.Context, date string) ([]TimeCandidate, error)
	CreateBooking(ctx context.Context, req BookingRequest) (*BookingConfirmation, error)
	ListAppointments(ctx context.Context, patientID string) ([]Appointment, error)
	CancelAppointment(ctx context.Context, appointmentID, reason string) error
}

// SameSlot reports whether an appointment occupies the given candidate slot.
func SameSlot(a Appointment, slot TimeCandidate, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	local := a.StartsAt.In(loc)
	return local.Format(DateLayout) == slot.Date && local.Format("15:04") == slot.Time
}

// SlotStart combines the candidate's date and time in loc.
func SlotStart(slot TimeCandidate, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout+" 15:04", slot.Date+" "+slot.Time, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduling: invalid slot %s %s: %w", slot.Date, slot.Time, err)
	}
	return t, nil
}
