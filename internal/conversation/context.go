package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling"
)

// Action is the menu choice that selects the active flow.
type Action string

const (
	ActionBook     Action = "agendar"
	ActionView     Action = "visualizar"
	ActionCancel   Action = "cancelar"
	ActionWaitlist Action = "lista_espera"
)

// Expectation names the kind of input the current handler will accept.
type Expectation string

const (
	ExpectCPF                 Expectation = "cpf"
	ExpectName                Expectation = "nome"
	ExpectPatientConfirmation Expectation = "confirmacao_paciente"
	ExpectDate                Expectation = "data"
	ExpectTime                Expectation = "horario"
	ExpectBookingConfirmation Expectation = "confirmacao_agendamento"
	ExpectAppointmentChoice   Expectation = "consulta"
	ExpectCancelConfirmation  Expectation = "confirmacao_cancelamento"
)

// Flow is the per-action part of Context. Exactly one variant is active and it
// always matches Context.Action.
type Flow interface {
	action() Action
}

// BookingFlow carries the date/time negotiation.
type BookingFlow struct {
	Dates []scheduling.SlotCandidate `json:"datas,omitempty"`
	Date  string                     `json:"data,omitempty"`
	Times []scheduling.TimeCandidate `json:"horarios,omitempty"`
	Slot  *scheduling.TimeCandidate  `json:"horario,omitempty"`
}

// ViewFlow marks the appointment listing flow.
type ViewFlow struct{}

// CancellationFlow carries the appointments offered for cancellation.
type CancellationFlow struct {
	Appointments []scheduling.Appointment `json:"consultas,omitempty"`
	Selected     *scheduling.Appointment  `json:"consulta,omitempty"`
}

// WaitlistFlow marks the wait-list enrollment flow.
type WaitlistFlow struct{}

func (*BookingFlow) action() Action      { return ActionBook }
func (*ViewFlow) action() Action         { return ActionView }
func (*CancellationFlow) action() Action { return ActionCancel }
func (*WaitlistFlow) action() Action     { return ActionWaitlist }

// Context is the auxiliary data carried between states. It is replaced, never
// merged, whenever the flow changes.
type Context struct {
	Action         Action
	Expecting      Expectation
	PendingPatient *scheduling.Patient
	Patient        *scheduling.Patient
	PendingCPF     string
	Flow           Flow
}

// NewFlowContext starts a fresh context for action.
func NewFlowContext(action Action, expecting Expectation) Context {
	return Context{Action: action, Expecting: expecting, Flow: newFlow(action)}
}

func newFlow(action Action) Flow {
	switch action {
	case ActionBook:
		return &BookingFlow{}
	case ActionView:
		return &ViewFlow{}
	case ActionCancel:
		return &CancellationFlow{}
	case ActionWaitlist:
		return &WaitlistFlow{}
	default:
		return nil
	}
}

// IsEmpty reports whether the context carries no data at all.
func (c Context) IsEmpty() bool {
	return c.Action == "" && c.Expecting == "" && c.PendingPatient == nil &&
		c.Patient == nil && c.PendingCPF == "" && c.Flow == nil
}

// Booking returns the booking variant when it is active.
func (c Context) Booking() (*BookingFlow, bool) {
	f, ok := c.Flow.(*BookingFlow)
	return f, ok && f != nil
}

// Cancellation returns the cancellation variant when it is active.
func (c Context) Cancellation() (*CancellationFlow, bool) {
	f, ok := c.Flow.(*CancellationFlow)
	return f, ok && f != nil
}

// Clone deep-copies the context.
func (c Context) Clone() Context {
	raw, err := json.Marshal(c)
	if err != nil {
		return Context{}
	}
	var out Context
	if err := json.Unmarshal(raw, &out); err != nil {
		return Context{}
	}
	return out
}

type contextJSON struct {
	Action         Action              `json:"acao,omitempty"`
	Expecting      Expectation         `json:"expecting,omitempty"`
	PendingPatient *scheduling.Patient `json:"paciente_temp,omitempty"`
	Patient        *scheduling.Patient `json:"paciente,omitempty"`
	PendingCPF     string              `json:"cpf_pendente,omitempty"`
	Flow           json.RawMessage     `json:"fluxo,omitempty"`
}

// MarshalJSON writes the context as an object tagged by "acao".
func (c Context) MarshalJSON() ([]byte, error) {
	out := contextJSON{
		Action:         c.Action,
		Expecting:      c.Expecting,
		PendingPatient: c.PendingPatient,
		Patient:        c.Patient,
		PendingCPF:     c.PendingCPF,
	}
	if c.Flow != nil {
		if c.Flow.action() != c.Action {
			return nil, fmt.Errorf("conversation: flow %s does not match action %q", c.Flow.action(), c.Action)
		}
		raw, err := json.Marshal(c.Flow)
		if err != nil {
			return nil, err
		}
		if s := string(raw); s != "{}" && s != "null" {
			out.Flow = raw
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the flow variant selected by "acao". Unknown actions
// leave Flow nil so handlers fall back instead of guessing.
func (c *Context) UnmarshalJSON(data []byte) error {
	var in contextJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*c = Context{
		Action:         in.Action,
		Expecting:      in.Expecting,
		PendingPatient: in.PendingPatient,
		Patient:        in.Patient,
		PendingCPF:     in.PendingCPF,
		Flow:           newFlow(in.Action),
	}
	if c.Flow != nil && len(in.Flow) > 0 && string(in.Flow) != "null" {
		if err := json.Unmarshal(in.Flow, c.Flow); err != nil {
			return fmt.Errorf("conversation: decode %s flow: %w", in.Action, err)
		}
	}
	return nil
}
