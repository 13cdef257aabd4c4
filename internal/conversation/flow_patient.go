package conversation

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling"
)

func (m *Machine) handleAwaitingCPF(ctx context.Context, conv *Conversation, input string) (Transition, error) {
	switch conv.Context.Expecting {
	case ExpectCPF:
		cpf, ok := ParseCPF(input)
		if !ok {
			return stay(conv, textInvalidCPF), nil
		}
		return m.lookupPatient(ctx, conv, cpf)
	case ExpectName:
		if cpf, ok := ParseCPF(input); ok {
			return m.lookupPatient(ctx, conv, cpf)
		}
		if conv.Context.PendingCPF == "" {
			return notUnderstood(conv), nil
		}
		name, ok := parseFullName(input)
		if !ok {
			return stay(conv, textInvalidName), nil
		}
		p, err := m.gateway.RegisterPatient(ctx, scheduling.NewPatient{
			Name:  name,
			CPF:   conv.Context.PendingCPF,
			Phone: conv.Phone,
		})
		if err != nil {
			return Transition{}, err
		}
		next := conv.Context
		next.PendingPatient = p
		next.PendingCPF = ""
		next.Expecting = ExpectPatientConfirmation
		return Transition{State: StateConfirmingPatient, Context: next, Replies: []string{registeredPatientText(p)}}, nil
	default:
		return notUnderstood(conv), nil
	}
}

func (m *Machine) lookupPatient(ctx context.Context, conv *Conversation, cpf string) (Transition, error) {
	next := conv.Context
	next.PendingPatient = nil
	next.Patient = nil

	p, err := m.gateway.LookupPatient(ctx, cpf)
	if errors.Is(err, scheduling.ErrPatientNotFound) {
		next.PendingCPF = cpf
		next.Expecting = ExpectName
		return Transition{State: StateAwaitingCPF, Context: next, Replies: []string{textAskName}}, nil
	}
	if err != nil {
		return Transition{}, err
	}
	if p.CPF == "" {
		p.CPF = cpf
	}
	next.PendingPatient = p
	next.PendingCPF = ""
	next.Expecting = ExpectPatientConfirmation
	return Transition{State: StateConfirmingPatient, Context: next, Replies: []string{confirmPatientText(p)}}, nil
}

func (m *Machine) handleConfirmingPatient(ctx context.Context, conv *Conversation, input string) (Transition, error) {
	if conv.Context.Expecting != ExpectPatientConfirmation || conv.Context.PendingPatient == nil {
		return notUnderstood(conv), nil
	}
	switch strings.TrimSpace(input) {
	case "1":
		next := conv.Context
		next.Patient = next.PendingPatient
		next.PendingPatient = nil
		next.Expecting = ""
		switch next.Action {
		case ActionBook:
			return m.offerDates(ctx, next, m.now(), true)
		case ActionView:
			return m.showAppointments(ctx, next)
		case ActionCancel:
			return m.offerCancellation(ctx, next)
		case ActionWaitlist:
			return m.enrollWaitlist(ctx, conv, next)
		default:
			return notUnderstood(conv), nil
		}
	case "2":
		return Transition{
			State:   StateAwaitingCPF,
			Context: NewFlowContext(conv.Context.Action, ExpectCPF),
			Replies: []string{"Tudo bem! " + textAskCPF},
		}, nil
	case "0":
		return toMenu(""), nil
	default:
		return stay(conv, "Por favor, digite *1* para confirmar ou *2* para informar outro CPF."), nil
	}
}

// parseFullName accepts at least two words made of letters.
func parseFullName(input string) (string, bool) {
	fields := strings.Fields(input)
	if len(fields) < 2 {
		return "", false
	}
	letters := 0
	for _, f := range fields {
		for _, r := range f {
			switch {
			case unicode.IsLetter(r):
				letters++
			case r == '\'' || r == '-' || r == '.':
			default:
				return "", false
			}
		}
	}
	if letters < 4 {
		return "", false
	}
	name := strings.Join(fields, " ")
	if len([]rune(name)) > 120 {
		return "", false
	}
	return name, true
}
