// Package bookings mirrors provider appointments and stores wait-list
// requests locally so staff can follow up without querying the provider.
package bookings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("whatsapp-scheduler.internal.bookings")

// Appointment statuses.
const (
	StatusScheduled = "scheduled"
	StatusCancelled = "cancelled"
)

// ErrInvalidRecord is returned when required fields are missing.
var ErrInvalidRecord = errors.New("bookings: invalid record")

// Appointment is a local copy of a provider booking.
type Appointment struct {
	ID           string    `json:"id"`
	ProviderID   string    `json:"provider_id"`
	PatientID    string    `json:"patient_id"`
	PatientName  string    `json:"patient_name"`
	Phone        string    `json:"phone"`
	StartsAt     time.Time `json:"starts_at"`
	Professional string    `json:"professional,omitempty"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	ReminderSent bool      `json:"reminder_sent"`
	CreatedAt    time.Time `json:"created_at"`
}

// WaitlistEntry is a patient waiting for a free slot.
type WaitlistEntry struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	PatientName string    `json:"patient_name"`
	CPF         string    `json:"cpf"`
	Phone       string    `json:"phone"`
	Priority    int       `json:"priority"`
	Notified    bool      `json:"notified"`
	CreatedAt   time.Time `json:"created_at"`
}

// SQLRepository stores records in Postgres through database/sql.
type SQLRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLRepository wraps an open database handle.
func NewSQLRepository(db *sql.DB) *SQLRepository {
	if db == nil {
		panic("bookings: sql db required")
	}
	return &SQLRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// RecordAppointment inserts the appointment, ignoring repeats of the same provider id.
func (r *SQLRepository) RecordAppointment(ctx context.Context, appt Appointment) error {
	if strings.TrimSpace(appt.ProviderID) == "" {
		return fmt.Errorf("%w: provider id required", ErrInvalidRecord)
	}
	ctx, span := tracer.Start(ctx, "bookings.record_appointment")
	defer span.End()
	span.SetAttributes(attribute.String("bookings.provider_id", appt.ProviderID))

	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}
	if appt.Status == "" {
		appt.Status = StatusScheduled
	}
	now := r.now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO appointments (id, provider_id, patient_id, patient_name, phone, starts_at, professional, type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (provider_id) DO NOTHING
	`, appt.ID, appt.ProviderID, appt.PatientID, appt.PatientName, appt.Phone, appt.StartsAt.UTC(), appt.Professional, appt.Type, appt.Status, now)
	if err != nil {
		return fmt.Errorf("bookings: insert appointment: %w", err)
	}
	return nil
}

// MarkAppointmentCancelled flags a mirrored appointment as cancelled. Unknown ids are ignored.
func (r *SQLRepository) MarkAppointmentCancelled(ctx context.Context, providerID string) error {
	ctx, span := tracer.Start(ctx, "bookings.mark_cancelled")
	defer span.End()

	_, err := r.db.ExecContext(ctx, `
		UPDATE appointments SET status = $1, updated_at = $2 WHERE provider_id = $3
	`, StatusCancelled, r.now(), providerID)
	if err != nil {
		return fmt.Errorf("bookings: cancel appointment: %w", err)
	}
	return nil
}

// EnrollWaitlist adds the patient once; repeated enrollments keep the original entry.
func (r *SQLRepository) EnrollWaitlist(ctx context.Context, entry WaitlistEntry) error {
	if strings.TrimSpace(entry.CPF) == "" {
		return fmt.Errorf("%w: cpf required", ErrInvalidRecord)
	}
	ctx, span := tracer.Start(ctx, "bookings.enroll_waitlist")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO waiting_list (id, patient_id, patient_name, cpf, phone, priority, notified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7)
		ON CONFLICT (cpf) DO NOTHING
	`, entry.ID, entry.PatientID, entry.PatientName, entry.CPF, entry.Phone, entry.Priority, r.now())
	if err != nil {
		return fmt.Errorf("bookings: insert waitlist entry: %w", err)
	}
	return nil
}

// ListWaitlist returns pending entries by priority then age.
func (r *SQLRepository) ListWaitlist(ctx context.Context, limit int) ([]WaitlistEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, patient_id, patient_name, cpf, phone, priority, notified, created_at
		FROM waiting_list
		WHERE notified = false
		ORDER BY priority DESC, created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("bookings: list waitlist: %w", err)
	}
	defer rows.Close()

	var out []WaitlistEntry
	for rows.Next() {
		var e WaitlistEntry
		if err := rows.Scan(&e.ID, &e.PatientID, &e.PatientName, &e.CPF, &e.Phone, &e.Priority, &e.Notified, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("bookings: scan waitlist: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bookings: iterate waitlist: %w", err)
	}
	return out, nil
}

const appointmentColumns = `id, provider_id, patient_id, patient_name, phone, starts_at, professional, type, status, reminder_sent, created_at`

// DueReminders returns scheduled appointments starting in [from, to) whose
// reminder has not been sent yet.
func (r *SQLRepository) DueReminders(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	ctx, span := tracer.Start(ctx, "bookings.due_reminders")
	defer span.End()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = $1 AND reminder_sent = false AND starts_at >= $2 AND starts_at < $3
		ORDER BY starts_at ASC
	`, StatusScheduled, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("bookings: list due reminders: %w", err)
	}
	return scanAppointments(rows)
}

// MarkReminderSent records that the reminder for providerID went out.
func (r *SQLRepository) MarkReminderSent(ctx context.Context, providerID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE appointments SET reminder_sent = true, updated_at = $1 WHERE provider_id = $2
	`, r.now(), providerID)
	if err != nil {
		return fmt.Errorf("bookings: mark reminder sent: %w", err)
	}
	return nil
}

// OpenCancellations returns cancelled appointments starting after the given
// time whose slot has not been offered to the wait-list.
func (r *SQLRepository) OpenCancellations(ctx context.Context, after time.Time) ([]Appointment, error) {
	ctx, span := tracer.Start(ctx, "bookings.open_cancellations")
	defer span.End()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = $1 AND waitlist_offered = false AND starts_at > $2
		ORDER BY starts_at ASC
	`, StatusCancelled, after.UTC())
	if err != nil {
		return nil, fmt.Errorf("bookings: list open cancellations: %w", err)
	}
	return scanAppointments(rows)
}

// MarkCancellationOffered closes a cancelled slot for further wait-list offers.
func (r *SQLRepository) MarkCancellationOffered(ctx context.Context, providerID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE appointments SET waitlist_offered = true, updated_at = $1 WHERE provider_id = $2
	`, r.now(), providerID)
	if err != nil {
		return fmt.Errorf("bookings: mark cancellation offered: %w", err)
	}
	return nil
}

// MarkWaitlistNotified takes an entry off the pending wait-list.
func (r *SQLRepository) MarkWaitlistNotified(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE waiting_list SET notified = true, notified_at = $1 WHERE id = $2
	`, r.now(), id)
	if err != nil {
		return fmt.Errorf("bookings: mark waitlist notified: %w", err)
	}
	return nil
}

func scanAppointments(rows *sql.Rows) ([]Appointment, error) {
	defer rows.Close()
	var out []Appointment
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.ProviderID, &a.PatientID, &a.PatientName, &a.Phone, &a.StartsAt, &a.Professional, &a.Type, &a.Status, &a.ReminderSent, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("bookings: scan appointment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bookings: iterate appointments: %w", err)
	}
	return out, nil
}

// InMemoryRepository is used when no database is configured.
type InMemoryRepository struct {
	mu           sync.RWMutex
	appointments map[string]Appointment
	offered      map[string]bool
	waitlist     map[string]WaitlistEntry
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		appointments: make(map[string]Appointment),
		offered:      make(map[string]bool),
		waitlist:     make(map[string]WaitlistEntry),
	}
}

func (r *InMemoryRepository) RecordAppointment(_ context.Context, appt Appointment) error {
	if strings.TrimSpace(appt.ProviderID) == "" {
		return fmt.Errorf("%w: provider id required", ErrInvalidRecord)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appointments[appt.ProviderID]; ok {
		return nil
	}
	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}
	if appt.Status == "" {
		appt.Status = StatusScheduled
	}
	appt.CreatedAt = time.Now().UTC()
	r.appointments[appt.ProviderID] = appt
	return nil
}

func (r *InMemoryRepository) MarkAppointmentCancelled(_ context.Context, providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if appt, ok := r.appointments[providerID]; ok {
		appt.Status = StatusCancelled
		r.appointments[providerID] = appt
	}
	return nil
}

func (r *InMemoryRepository) EnrollWaitlist(_ context.Context, entry WaitlistEntry) error {
	if strings.TrimSpace(entry.CPF) == "" {
		return fmt.Errorf("%w: cpf required", ErrInvalidRecord)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.waitlist[entry.CPF]; ok {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()
	r.waitlist[entry.CPF] = entry
	return nil
}

func (r *InMemoryRepository) ListWaitlist(_ context.Context, limit int) ([]WaitlistEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WaitlistEntry, 0, len(r.waitlist))
	for _, e := range r.waitlist {
		if !e.Notified {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) DueReminders(_ context.Context, from, to time.Time) ([]Appointment, error) {
	return r.filterAppointments(func(a Appointment) bool {
		return a.Status == StatusScheduled && !a.ReminderSent && !a.StartsAt.Before(from) && a.StartsAt.Before(to)
	}), nil
}

func (r *InMemoryRepository) MarkReminderSent(_ context.Context, providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if appt, ok := r.appointments[providerID]; ok {
		appt.ReminderSent = true
		r.appointments[providerID] = appt
	}
	return nil
}

func (r *InMemoryRepository) OpenCancellations(_ context.Context, after time.Time) ([]Appointment, error) {
	r.mu.RLock()
	offered := make(map[string]bool, len(r.offered))
	for k, v := range r.offered {
		offered[k] = v
	}
	r.mu.RUnlock()
	return r.filterAppointments(func(a Appointment) bool {
		return a.Status == StatusCancelled && !offered[a.ProviderID] && a.StartsAt.After(after)
	}), nil
}

func (r *InMemoryRepository) MarkCancellationOffered(_ context.Context, providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offered[providerID] = true
	return nil
}

func (r *InMemoryRepository) MarkWaitlistNotified(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cpf, e := range r.waitlist {
		if e.ID == id {
			e.Notified = true
			r.waitlist[cpf] = e
		}
	}
	return nil
}

func (r *InMemoryRepository) filterAppointments(keep func(Appointment) bool) []Appointment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Appointment
	for _, a := range r.appointments {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out
}

// Appointments returns a snapshot of mirrored appointments.
func (r *InMemoryRepository) Appointments() []Appointment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Appointment, 0, len(r.appointments))
	for _, a := range r.appointments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out
}
