package scheduling

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StubGateway is an in-memory calendar used for local development and tests.
// Weekdays offer hourly slots from 08:00 to 17:00, Saturdays until 11:00.
type StubGateway struct {
	mu           sync.Mutex
	loc          *time.Location
	professional string
	patients     map[string]Patient
	bookings     map[string]*stubBooking
	byKey        map[string]string
}

type stubBooking struct {
	appt      Appointment
	patientID string
	slot      TimeCandidate
}

var _ Gateway = (*StubGateway)(nil)

// NewStubGateway builds a stub calendar in the given location.
func NewStubGateway(loc *time.Location, seed ...Patient) *StubGateway {
	if loc == nil {
		loc = time.UTC
	}
	g := &StubGateway{
		loc:          loc,
		professional: "Dra. Ana Souza",
		patients:     make(map[string]Patient),
		bookings:     make(map[string]*stubBooking),
		byKey:        make(map[string]string),
	}
	for _, p := range seed {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		g.patients[p.CPF] = p
	}
	return g
}

func (g *StubGateway) LookupPatient(ctx context.Context, cpf string) (*Patient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.patients[cpf]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (g *StubGateway) RegisterPatient(ctx context.Context, np NewPatient) (*Patient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.patients[np.CPF]; ok {
		return &p, nil
	}
	p := Patient{ID: uuid.NewString(), Name: strings.TrimSpace(np.Name), CPF: np.CPF, Phone: np.Phone}
	g.patients[np.CPF] = p
	return &p, nil
}

func (g *StubGateway) ListAvailableDates(ctx context.Context, q DateQuery) ([]SlotCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 7
	}
	from := q.From
	if from.IsZero() {
		from = time.Now()
	}
	day := time.Date(from.In(g.loc).Year(), from.In(g.loc).Month(), from.In(g.loc).Day(), 0, 0, 0, 0, g.loc)

	g.mu.Lock()
	defer g.mu.Unlock()
	var out []SlotCandidate
	for i := 0; i < 60 && len(out) < limit; i++ {
		d := day.AddDate(0, 0, i)
		if len(g.freeTimesLocked(d.Format(DateLayout))) > 0 {
			out = append(out, SlotCandidate{Date: d.Format(DateLayout)})
		}
	}
	return out, nil
}

func (g *StubGateway) ListAvailableTimes(ctx context.Context, date string) ([]TimeCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.freeTimesLocked(date), nil
}

func (g *StubGateway) CreateBooking(ctx context.Context, req BookingRequest) (*BookingConfirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start, err := SlotStart(req.Slot, g.loc)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		b := g.bookings[id]
		return &BookingConfirmation{ID: b.appt.ID, StartsAt: b.appt.StartsAt, Professional: b.appt.Professional}, nil
	}
	for _, b := range g.bookings {
		if b.appt.Active() && b.slot.Date == req.Slot.Date && b.slot.Time == req.Slot.Time {
			return nil, ErrSlotConflict
		}
	}
	appt := Appointment{
		ID:           uuid.NewString(),
		StartsAt:     start,
		Professional: g.professional,
		Type:         "consulta",
		Status:       "agendado",
	}
	g.bookings[appt.ID] = &stubBooking{appt: appt, patientID: req.Patient.ID, slot: req.Slot}
	if req.IdempotencyKey != "" {
		g.byKey[req.IdempotencyKey] = appt.ID
	}
	return &BookingConfirmation{ID: appt.ID, StartsAt: start, Professional: appt.Professional}, nil
}

func (g *StubGateway) ListAppointments(ctx context.Context, patientID string) ([]Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Appointment
	for _, b := range g.bookings {
		if b.patientID == patientID {
			out = append(out, b.appt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (g *StubGateway) CancelAppointment(ctx context.Context, appointmentID, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.bookings[appointmentID]
	if !ok {
		return ErrAppointmentNotFound
	}
	b.appt.Status = "cancelado"
	return nil
}

func (g *StubGateway) freeTimesLocked(date string) []TimeCandidate {
	d, err := time.ParseInLocation(DateLayout, date, g.loc)
	if err != nil {
		return nil
	}
	last := 17
	switch d.Weekday() {
	case time.Sunday:
		return nil
	case time.Saturday:
		last = 11
	}
	taken := make(map[string]bool)
	for _, b := range g.bookings {
		if b.appt.Active() && b.slot.Date == date {
			taken[b.slot.Time] = true
		}
	}
	var out []TimeCandidate
	for h := 8; h <= last; h++ {
		hm := fmt.Sprintf("%02d:00", h)
		if taken[hm] {
			continue
		}
		out = append(out, TimeCandidate{
			SlotID:       date + "T" + hm,
			Date:         date,
			Time:         hm,
			Professional: g.professional,
		})
	}
	return out
}
