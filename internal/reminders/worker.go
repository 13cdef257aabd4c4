// Package reminders sends next-day appointment reminders and offers freed
// slots to the wait-list over WhatsApp.
package reminders

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/whatsapp-scheduler/internal/bookings"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

// Store is the slice of the bookings mirror the worker reads and updates.
type Store interface {
	DueReminders(ctx context.Context, from, to time.Time) ([]bookings.Appointment, error)
	MarkReminderSent(ctx context.Context, providerID string) error
	OpenCancellations(ctx context.Context, after time.Time) ([]bookings.Appointment, error)
	MarkCancellationOffered(ctx context.Context, providerID string) error
	ListWaitlist(ctx context.Context, limit int) ([]bookings.WaitlistEntry, error)
	MarkWaitlistNotified(ctx context.Context, id string) error
}

// Sender delivers a WhatsApp text.
type Sender interface {
	SendText(ctx context.Context, phone, text string) error
}

const defaultWaitlistLimit = 3

// Worker processes due reminders and open cancellations.
type Worker struct {
	store         Store
	sender        Sender
	clinic        string
	loc           *time.Location
	waitlistLimit int
	now           func() time.Time
	logger        *logging.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithClinic sets the clinic name and time zone used in messages and for
// computing "tomorrow".
func WithClinic(name string, loc *time.Location) Option {
	return func(w *Worker) {
		w.clinic = name
		if loc != nil {
			w.loc = loc
		}
	}
}

// WithWaitlistLimit caps how many wait-list patients hear about each freed slot.
func WithWaitlistLimit(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.waitlistLimit = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker creates a reminders worker.
func NewWorker(store Store, sender Sender, logger *logging.Logger, opts ...Option) *Worker {
	if store == nil {
		panic("reminders: store required")
	}
	if sender == nil {
		panic("reminders: sender required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	w := &Worker{
		store:         store,
		sender:        sender,
		loc:           time.UTC,
		waitlistLimit: defaultWaitlistLimit,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes reminders and cancellations once right away and then every
// interval until ctx is done.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce does a single pass over reminders and cancellations, logging failures.
func (w *Worker) RunOnce(ctx context.Context) {
	if n, err := w.SendDueReminders(ctx); err != nil {
		w.logger.Error("reminders: send due reminders failed", "error", err)
	} else if n > 0 {
		w.logger.Info("reminders: reminders sent", "count", n)
	}
	if n, err := w.NotifyWaitlist(ctx); err != nil {
		w.logger.Error("reminders: wait-list notification failed", "error", err)
	} else if n > 0 {
		w.logger.Info("reminders: wait-list patients notified", "count", n)
	}
}

// SendDueReminders messages every scheduled appointment of tomorrow (clinic
// time) that has not been reminded yet. Returns the number sent.
func (w *Worker) SendDueReminders(ctx context.Context) (int, error) {
	now := w.now().In(w.loc)
	start := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, w.loc)
	end := start.AddDate(0, 0, 1)

	appts, err := w.store.DueReminders(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("reminders: list due: %w", err)
	}

	sent := 0
	for i := range appts {
		a := &appts[i]
		if err := w.remind(ctx, a); err != nil {
			w.logger.Error("reminders: failed to send reminder", "provider_id", a.ProviderID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (w *Worker) remind(ctx context.Context, a *bookings.Appointment) error {
	if err := w.sender.SendText(ctx, a.Phone, reminderText(a, w.clinic, w.loc)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := w.store.MarkReminderSent(ctx, a.ProviderID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// NotifyWaitlist offers each newly freed future slot to the top pending
// wait-list entries. Returns the number of patients notified.
func (w *Worker) NotifyWaitlist(ctx context.Context) (int, error) {
	freed, err := w.store.OpenCancellations(ctx, w.now())
	if err != nil {
		return 0, fmt.Errorf("reminders: list cancellations: %w", err)
	}

	notified := 0
	for i := range freed {
		slot := &freed[i]
		entries, err := w.store.ListWaitlist(ctx, w.waitlistLimit)
		if err != nil {
			return notified, fmt.Errorf("reminders: list wait-list: %w", err)
		}
		for _, e := range entries {
			if err := w.sender.SendText(ctx, e.Phone, slotOfferText(e.PatientName, slot.StartsAt, w.loc)); err != nil {
				w.logger.Error("reminders: failed to notify wait-list entry", "id", e.ID, "error", err)
				continue
			}
			if err := w.store.MarkWaitlistNotified(ctx, e.ID); err != nil {
				w.logger.Error("reminders: failed to mark wait-list entry notified", "id", e.ID, "error", err)
				continue
			}
			notified++
		}
		if err := w.store.MarkCancellationOffered(ctx, slot.ProviderID); err != nil {
			w.logger.Error("reminders: failed to close cancelled slot", "provider_id", slot.ProviderID, "error", err)
		}
	}
	return notified, nil
}
