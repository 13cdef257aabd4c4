package conversation

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/whatsapp-scheduler/internal/bookings"
	"github.com/wolfman30/whatsapp-scheduler/internal/notify"
	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

const (
	defaultMaxDates = 7
	defaultMaxTimes = 8
)

// WaitlistEnroller persists wait-list requests.
type WaitlistEnroller interface {
	EnrollWaitlist(ctx context.Context, entry bookings.WaitlistEntry) error
}

// AppointmentRecorder mirrors provider bookings locally.
type AppointmentRecorder interface {
	RecordAppointment(ctx context.Context, appt bookings.Appointment) error
	MarkAppointmentCancelled(ctx context.Context, providerID string) error
}

// HandoffNotifier alerts clinic staff that a patient asked for a human.
type HandoffNotifier interface {
	NotifyHandoff(ctx context.Context, req notify.HandoffRequest) error
}

// Transition is the result of handling one input.
type Transition struct {
	State   State
	Context Context
	Replies []string
}

// Machine holds one handler per State. Handlers never send messages; they
// return the replies for the caller to deliver.
type Machine struct {
	gateway  scheduling.Gateway
	waitlist WaitlistEnroller
	records  AppointmentRecorder
	handoff  HandoffNotifier
	clinic   ClinicInfo
	now      func() time.Time
	logger   *logging.Logger
	maxDates int
	maxTimes int
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithWaitlist sets where wait-list enrollments are stored.
func WithWaitlist(w WaitlistEnroller) MachineOption {
	return func(m *Machine) { m.waitlist = w }
}

// WithAppointmentRecorder sets the local mirror for bookings.
func WithAppointmentRecorder(r AppointmentRecorder) MachineOption {
	return func(m *Machine) { m.records = r }
}

// WithHandoffNotifier sets who is told about "talk to staff" requests.
func WithHandoffNotifier(n HandoffNotifier) MachineOption {
	return func(m *Machine) { m.handoff = n }
}

// WithClinic sets the clinic details used in replies.
func WithClinic(info ClinicInfo) MachineOption {
	return func(m *Machine) { m.clinic = info }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMachineLogger sets the logger.
func WithMachineLogger(logger *logging.Logger) MachineOption {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithListLimits bounds how many dates and times are offered.
func WithListLimits(maxDates, maxTimes int) MachineOption {
	return func(m *Machine) {
		if maxDates > 0 {
			m.maxDates = maxDates
		}
		if maxTimes > 0 {
			m.maxTimes = maxTimes
		}
	}
}

// NewMachine builds the dialogue state machine.
func NewMachine(gateway scheduling.Gateway, opts ...MachineOption) *Machine {
	if gateway == nil {
		panic("conversation: scheduling gateway cannot be nil")
	}
	m := &Machine{
		gateway:  gateway,
		clinic:   ClinicInfo{Name: "Clínica", Location: time.UTC},
		now:      time.Now,
		logger:   logging.Default(),
		maxDates: defaultMaxDates,
		maxTimes: defaultMaxTimes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

type handlerFunc func(m *Machine, ctx context.Context, conv *Conversation, input string) (Transition, error)

// handlerFor is the dispatch table. A state without a case here is a bug and
// is caught by TestEveryStateHasHandler.
func handlerFor(s State) (handlerFunc, bool) {
	switch s {
	case StateStart:
		return (*Machine).handleStart, true
	case StateMainMenu:
		return (*Machine).handleMainMenu, true
	case StateAwaitingCPF:
		return (*Machine).handleAwaitingCPF, true
	case StateConfirmingPatient:
		return (*Machine).handleConfirmingPatient, true
	case StateChoosingDate:
		return (*Machine).handleChoosingDate, true
	case StateChoosingTime:
		return (*Machine).handleChoosingTime, true
	case StateConfirmingBooking:
		return (*Machine).handleConfirmingBooking, true
	case StateChoosingCancellation:
		return (*Machine).handleChoosingCancellation, true
	case StateConfirmingCancellation:
		return (*Machine).handleConfirmingCancellation, true
	case StateFinished:
		return (*Machine).handleFinished, true
	}
	return nil, false
}

// Step routes global commands first and otherwise runs the handler for the
// conversation's current state. conv is not modified.
func (m *Machine) Step(ctx context.Context, conv *Conversation, input string) (Transition, error) {
	if cmd, ok := RouteCommand(input, conv.State); ok {
		return applyCommand(cmd), nil
	}
	handler, ok := handlerFor(conv.State)
	if !ok {
		m.logger.Error("conversation: unknown state, falling back to start",
			"phone", conv.Phone,
			"state", string(conv.State),
		)
		return m.handleStart(ctx, conv, input)
	}
	return handler(m, ctx, conv, input)
}

func (m *Machine) handleStart(_ context.Context, _ *Conversation, _ string) (Transition, error) {
	return Transition{State: StateMainMenu, Replies: []string{m.clinic.welcomeText(m.now())}}, nil
}

// handleFinished acknowledges the return after a closed session, then greets.
func (m *Machine) handleFinished(ctx context.Context, conv *Conversation, input string) (Transition, error) {
	tr, err := m.handleStart(ctx, conv, input)
	if err != nil {
		return tr, err
	}
	tr.Replies[0] = textWelcomeBack + "\n\n" + tr.Replies[0]
	return tr, nil
}

func (m *Machine) handleMainMenu(ctx context.Context, conv *Conversation, input string) (Transition, error) {
	var action Action
	switch strings.TrimSpace(input) {
	case "1":
		action = ActionBook
	case "2":
		action = ActionView
	case "3":
		action = ActionCancel
	case "4":
		action = ActionWaitlist
	case "5":
		m.notifyHandoff(ctx, conv)
		return Transition{State: StateMainMenu, Replies: []string{m.clinic.staffText()}}, nil
	default:
		return stay(conv, textInvalidOption+"\n\n"+menuText()), nil
	}
	return Transition{
		State:   StateAwaitingCPF,
		Context: NewFlowContext(action, ExpectCPF),
		Replies: []string{promptForAction(action)},
	}, nil
}

func (m *Machine) notifyHandoff(ctx context.Context, conv *Conversation) {
	if m.handoff == nil {
		return
	}
	req := notify.HandoffRequest{Phone: conv.Phone, RequestedAt: m.now()}
	if conv.Context.Patient != nil {
		req.PatientName = conv.Context.Patient.Name
	}
	if err := m.handoff.NotifyHandoff(ctx, req); err != nil {
		m.logger.Warn("conversation: staff hand-off notification failed", "phone", conv.Phone, "error", err)
	}
}

// stay keeps state and context and replies with the given messages.
func stay(conv *Conversation, replies ...string) Transition {
	return Transition{State: conv.State, Context: conv.Context, Replies: replies}
}

func notUnderstood(conv *Conversation) Transition {
	return stay(conv, textNotUnderstood)
}

func toMenu(prefix string) Transition {
	text := menuText()
	if prefix != "" {
		text = prefix + "\n\n" + text
	}
	return Transition{State: StateMainMenu, Replies: []string{text}}
}

// parseChoice parses a 1-based list index. numeric is false for non-digit
// input; ok is false when the index is out of range.
func parseChoice(input string, size int) (idx int, numeric bool, ok bool) {
	s := strings.TrimSpace(input)
	if s == "" || len(s) > 3 {
		return 0, false, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, false
	}
	return n, true, n >= 1 && n <= size
}
