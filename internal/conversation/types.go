package conversation

import (
	"strings"
	"time"
)

// State is the named dialogue step a conversation occupies.
type State string

const (
	StateStart                  State = "inicio"
	StateMainMenu               State = "menu_principal"
	StateAwaitingCPF            State = "aguardando_cpf"
	StateConfirmingPatient      State = "confirmando_paciente"
	StateChoosingDate           State = "escolhendo_data"
	StateChoosingTime           State = "escolhendo_horario"
	StateConfirmingBooking      State = "confirmando_agendamento"
	StateChoosingCancellation   State = "cancelando_consulta"
	StateConfirmingCancellation State = "confirmando_cancelamento"
	StateFinished               State = "finalizada"
)

// AllStates lists the closed set of states. Every entry has a handler.
var AllStates = []State{
	StateStart,
	StateMainMenu,
	StateAwaitingCPF,
	StateConfirmingPatient,
	StateChoosingDate,
	StateChoosingTime,
	StateConfirmingBooking,
	StateChoosingCancellation,
	StateConfirmingCancellation,
	StateFinished,
}

// Valid reports whether s belongs to the enumeration.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Conversation is the persisted per-phone dialogue record.
type Conversation struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	State     State     `json:"state"`
	Context   Context   `json:"context"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate freely.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Context = c.Context.Clone()
	return &out
}

// Event types produced by the front door.
const (
	EventTypeMessage       = "message"
	EventTypeMessageStatus = "message_status"
	EventTypeConnection    = "connection"
	EventTypePresence      = "presence"
)

// InboundEvent is a normalized webhook payload.
type InboundEvent struct {
	Phone      string    `json:"phone"`
	MessageID  string    `json:"messageId"`
	Text       string    `json:"text"`
	FromMe     bool      `json:"fromMe"`
	EventType  string    `json:"eventType,omitempty"`
	ReceivedAt time.Time `json:"receivedAt,omitempty"`
}

// IsMessage reports whether the event carries a chat message. An empty type
// is treated as a message.
func (e InboundEvent) IsMessage() bool {
	switch strings.ToLower(strings.TrimSpace(e.EventType)) {
	case "", EventTypeMessage:
		return true
	default:
		return false
	}
}

// OutboundMessage is an intent to send text to a phone.
type OutboundMessage struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}
