package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling"
)

func TestEveryStateHasHandler(t *testing.T) {
	for _, s := range AllStates {
		_, ok := handlerFor(s)
		assert.True(t, ok, "state %s has no handler", s)
	}
	_, ok := handlerFor(State("desconhecido"))
	assert.False(t, ok)
}

func TestStartMovesToMenuWithEmptyContext(t *testing.T) {
	kit := newTestKit(t)
	conv, tr := kit.step(t, newTestConversation(StateStart, Context{}), "oi")

	assert.Equal(t, StateMainMenu, conv.State)
	assert.True(t, conv.Context.IsEmpty())
	require.Len(t, tr.Replies, 1)
	assert.Contains(t, tr.Replies[0], "Bom dia!")
	assert.Contains(t, tr.Replies[0], "Clínica Sorriso")
	assert.Contains(t, tr.Replies[0], "*1* - 📅 Agendar consulta")
}

func TestMenuOptionStoresAction(t *testing.T) {
	cases := map[string]Action{"1": ActionBook, "2": ActionView, "3": ActionCancel, "4": ActionWaitlist}
	for input, action := range cases {
		t.Run(input, func(t *testing.T) {
			kit := newTestKit(t)
			conv := kit.walk(t, "oi", input)
			assert.Equal(t, StateAwaitingCPF, conv.State)
			assert.Equal(t, action, conv.Context.Action)
			assert.Equal(t, ExpectCPF, conv.Context.Expecting)
		})
	}

	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1")
	raw, err := json.Marshal(conv.Context)
	require.NoError(t, err)
	assert.JSONEq(t, `{"acao":"agendar","expecting":"cpf"}`, string(raw))
}

func TestMenuInvalidOptionResendsMenu(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi")
	next, tr := kit.step(t, conv, "9")

	assert.Equal(t, StateMainMenu, next.State)
	require.Len(t, tr.Replies, 1)
	assert.Contains(t, tr.Replies[0], "Opção inválida")
	assert.Contains(t, tr.Replies[0], "Como posso ajudar?")
}

func TestMenuTalkToStaffNotifiesAndStays(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi")
	next, tr := kit.step(t, conv, "5")

	assert.Equal(t, StateMainMenu, next.State)
	assert.Contains(t, tr.Replies[0], "atendente")
	assert.Contains(t, tr.Replies[0], "(11) 3333-4444")
	require.Len(t, kit.handoff.reqs, 1)
	assert.Equal(t, testPhone, kit.handoff.reqs[0].Phone)
}

func TestMalformedCPFReprompts(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1")
	for _, input := range []string{"123", "52998224724", "abcdefghijk", "111.111.111-11"} {
		next, tr := kit.step(t, conv, input)
		assert.Equal(t, StateAwaitingCPF, next.State, input)
		assert.Equal(t, conv.Context, next.Context, input)
		assert.Equal(t, []string{textInvalidCPF}, tr.Replies, input)
	}
}

func TestKnownCPFIsConfirmedAndPromoted(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1")

	conv, tr := kit.step(t, conv, "529.982.247-25")
	require.Equal(t, StateConfirmingPatient, conv.State)
	require.NotNil(t, conv.Context.PendingPatient)
	assert.Equal(t, knownName, conv.Context.PendingPatient.Name)
	assert.Nil(t, conv.Context.Patient)
	assert.Contains(t, tr.Replies[0], "529.982.247-25")

	raw, err := json.Marshal(conv.Context)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"paciente_temp"`)

	conv, tr = kit.step(t, conv, "1")
	assert.Equal(t, StateChoosingDate, conv.State)
	require.NotNil(t, conv.Context.Patient)
	assert.Equal(t, knownID, conv.Context.Patient.ID)
	assert.Nil(t, conv.Context.PendingPatient)
	assert.Contains(t, tr.Replies[0], "Olá, *Maria*!")

	raw, err = json.Marshal(conv.Context)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"paciente_temp"`)
}

func TestUnknownCPFRegistersPatient(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1")

	conv, tr := kit.step(t, conv, unknownCPF)
	assert.Equal(t, StateAwaitingCPF, conv.State)
	assert.Equal(t, ExpectName, conv.Context.Expecting)
	assert.Equal(t, unknownCPF, conv.Context.PendingCPF)
	assert.Equal(t, []string{textAskName}, tr.Replies)

	conv, tr = kit.step(t, conv, "João")
	assert.Equal(t, StateAwaitingCPF, conv.State)
	assert.Equal(t, []string{textInvalidName}, tr.Replies)

	conv, tr = kit.step(t, conv, "João Pereira")
	require.Equal(t, StateConfirmingPatient, conv.State)
	require.NotNil(t, conv.Context.PendingPatient)
	assert.Equal(t, "João Pereira", conv.Context.PendingPatient.Name)
	assert.Equal(t, unknownCPF, conv.Context.PendingPatient.CPF)
	assert.Empty(t, conv.Context.PendingCPF)
	assert.Contains(t, tr.Replies[0], "Cadastro realizado")
}

func TestRejectPatientReturnsToCPF(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1", knownCPF)

	conv, _ = kit.step(t, conv, "2")
	assert.Equal(t, StateAwaitingCPF, conv.State)
	assert.Equal(t, ActionBook, conv.Context.Action)
	assert.Nil(t, conv.Context.PendingPatient)
	assert.Nil(t, conv.Context.Patient)
}

func TestGlobalMenuResetsFromAnyState(t *testing.T) {
	kit := newTestKit(t)
	booking := kit.walk(t, "oi", "1", knownCPF, "1", "1")
	require.Equal(t, StateChoosingTime, booking.State)

	for _, s := range AllStates {
		if s == StateMainMenu {
			continue
		}
		conv := newTestConversation(s, booking.Context)
		next, tr := kit.step(t, conv, "  MENU ")
		assert.Equal(t, StateMainMenu, next.State, s)
		assert.True(t, next.Context.IsEmpty(), s)
		assert.Contains(t, tr.Replies[0], "Como posso ajudar?", s)
	}
}

func TestOtherGlobalCommands(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1", knownCPF)

	next, tr := kit.step(t, conv, "sair")
	assert.Equal(t, StateFinished, next.State)
	assert.True(t, next.Context.IsEmpty())
	assert.Equal(t, []string{textGoodbye}, tr.Replies)

	next, tr = kit.step(t, conv, "Cancelar")
	assert.Equal(t, StateMainMenu, next.State)
	assert.Contains(t, tr.Replies[0], textOperationReset)

	next, tr = kit.step(t, conv, "ajuda")
	assert.Equal(t, StateMainMenu, next.State)
	assert.Contains(t, tr.Replies[0], "*Ajuda*")
}

func TestZeroExitsOnlyFromMainMenu(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi")
	next, tr := kit.step(t, conv, "0")
	assert.Equal(t, StateFinished, next.State)
	assert.Equal(t, []string{textGoodbye}, tr.Replies)
}

func TestZeroInChoosingDateShowsMoreDates(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1", knownCPF, "1")
	require.Equal(t, StateChoosingDate, conv.State)
	flow, ok := conv.Context.Booking()
	require.True(t, ok)
	require.Len(t, flow.Dates, 7)
	assert.Equal(t, firstDate, flow.Dates[0].Date)

	next, _ := kit.step(t, conv, "0")
	assert.Equal(t, StateChoosingDate, next.State, "0 must not be treated as exit here")
	flow, ok = next.Context.Booking()
	require.True(t, ok)
	require.NotEmpty(t, flow.Dates)
	assert.Equal(t, eighthDate, flow.Dates[0].Date)
	assert.Equal(t, ExpectDate, next.Context.Expecting)
	require.NotNil(t, next.Context.Patient)
}

func TestZeroInChoosingTimeOffersDatesAgain(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1", knownCPF, "1", "2")
	require.Equal(t, StateChoosingTime, conv.State)

	next, tr := kit.step(t, conv, "0")
	assert.Equal(t, StateChoosingDate, next.State)
	assert.Contains(t, tr.Replies[0], "Escolha uma data")
}

func TestChooseDateAndTime(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1", knownCPF, "1")

	conv, tr := kit.step(t, conv, "1")
	require.Equal(t, StateChoosingTime, conv.State)
	flow, _ := conv.Context.Booking()
	assert.Equal(t, firstDate, flow.Date)
	assert.Len(t, flow.Times, defaultMaxTimes)
	assert.Contains(t, tr.Replies[0], "Segunda-feira, 10/03")

	conv, tr = kit.step(t, conv, "2")
	require.Equal(t, StateConfirmingBooking, conv.State)
	flow, _ = conv.Context.Booking()
	require.NotNil(t, flow.Slot)
	assert.Equal(t, "09:00", flow.Slot.Time)
	assert.Contains(t, tr.Replies[0], "Confirmar agendamento")
}

func TestOutOfRangeAndNonNumericChoices(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1", knownCPF, "1")

	next, tr := kit.step(t, conv, "42")
	assert.Equal(t, StateChoosingDate, next.State)
	assert.Equal(t, []string{textInvalidChoice}, tr.Replies)

	next, tr = kit.step(t, conv, "amanhã")
	assert.Equal(t, StateChoosingDate, next.State)
	assert.Equal(t, []string{textChooseNumber}, tr.Replies)
}

func TestExpectingMismatchFallsBack(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1", knownCPF, "1")
	conv.Context.Expecting = ExpectCPF

	next, tr := kit.step(t, conv, "1")
	assert.Equal(t, StateChoosingDate, next.State)
	assert.Equal(t, []string{textNotUnderstood}, tr.Replies)

	next, tr = kit.step(t, newTestConversation(StateConfirmingBooking, Context{}), "1")
	assert.Equal(t, StateConfirmingBooking, next.State)
	assert.Equal(t, []string{textNotUnderstood}, tr.Replies)
	assert.Zero(t, kit.gateway.createCalls)
}

func TestConfirmBookingBooksAndRecords(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1", knownCPF, "1", "1", "1")
	require.Equal(t, StateConfirmingBooking, conv.State)

	conv, tr := kit.step(t, conv, "1")
	assert.Equal(t, StateFinished, conv.State)
	assert.True(t, conv.Context.IsEmpty())
	assert.Contains(t, tr.Replies[0], "Consulta agendada com sucesso")

	appts, err := kit.gateway.ListAppointments(context.Background(), knownID)
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.True(t, scheduling.SameSlot(appts[0], scheduling.TimeCandidate{Date: firstDate, Time: "08:00"}, brt))

	local := kit.repo.Appointments()
	require.Len(t, local, 1)
	assert.Equal(t, appts[0].ID, local[0].ProviderID)
	assert.Equal(t, testPhone, local[0].Phone)
}

func TestConfirmBookingProviderUnavailableSurfacesError(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1", knownCPF, "1", "1", "1")
	kit.gateway.failNextCreate(providerDown("create_booking"))

	_, err := kit.machine.Step(context.Background(), conv, "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, scheduling.ErrProviderUnavailable))
	assert.Equal(t, KindProviderUnavailable, Classify(err))
}

func TestSlotConflictOffersFreshTimes(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1", knownCPF, "1", "1", "1")

	_, err := kit.gateway.StubGateway.CreateBooking(context.Background(), scheduling.BookingRequest{
		Patient:        scheduling.Patient{ID: "outro"},
		Slot:           scheduling.TimeCandidate{Date: firstDate, Time: "08:00"},
		IdempotencyKey: "outro",
	})
	require.NoError(t, err)

	next, tr := kit.step(t, conv, "1")
	require.Equal(t, StateChoosingTime, next.State)
	require.Len(t, tr.Replies, 2)
	assert.Equal(t, textSlotTaken, tr.Replies[0])
	flow, _ := next.Context.Booking()
	require.NotEmpty(t, flow.Times)
	assert.Equal(t, "09:00", flow.Times[0].Time)
	assert.Nil(t, flow.Slot)
}

func TestConflictWithOwnEarlierBookingCompletes(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1", knownCPF, "1", "1", "1")

	_, err := kit.gateway.StubGateway.CreateBooking(context.Background(), scheduling.BookingRequest{
		Patient:        scheduling.Patient{ID: knownID},
		Slot:           scheduling.TimeCandidate{Date: firstDate, Time: "08:00"},
		IdempotencyKey: "earlier-attempt",
	})
	require.NoError(t, err)

	next, tr := kit.step(t, conv, "1")
	assert.Equal(t, StateFinished, next.State)
	assert.Contains(t, tr.Replies[0], "Consulta agendada com sucesso")

	appts, _ := kit.gateway.ListAppointments(context.Background(), knownID)
	assert.Len(t, appts, 1)
}

func TestDeclineBookingReturnsToMenu(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1", knownCPF, "1", "1", "1")

	next, tr := kit.step(t, conv, "2")
	assert.Equal(t, StateMainMenu, next.State)
	assert.True(t, next.Context.IsEmpty())
	assert.Contains(t, tr.Replies[0], textBookingDropped)
	assert.Zero(t, kit.gateway.createCalls)
}

func TestNoDatesReturnsToMenu(t *testing.T) {
	kit := newTestKit(t)
	kit.gateway.dates = func(context.Context, scheduling.DateQuery) ([]scheduling.SlotCandidate, error) {
		return nil, nil
	}
	conv := kit.walk(t, "oi", "1", knownCPF)

	next, tr := kit.step(t, conv, "1")
	assert.Equal(t, StateMainMenu, next.State)
	assert.Contains(t, tr.Replies[0], textNoDates)
}

func prebook(t *testing.T, kit *testKit, clock string) string {
	t.Helper()
	conf, err := kit.gateway.StubGateway.CreateBooking(context.Background(), scheduling.BookingRequest{
		Patient:        scheduling.Patient{ID: knownID},
		Slot:           scheduling.TimeCandidate{Date: firstDate, Time: clock},
		IdempotencyKey: "prebook-" + clock,
	})
	require.NoError(t, err)
	return conf.ID
}

func TestViewAppointments(t *testing.T) {
	kit := newTestKit(t)
	prebook(t, kit, "10:00")

	conv := kit.walk(t, "oi", "2", knownCPF)
	next, tr := kit.step(t, conv, "1")
	assert.Equal(t, StateFinished, next.State)
	assert.Contains(t, tr.Replies[0], "Seus agendamentos")
	assert.Contains(t, tr.Replies[0], "Segunda-feira, 10/03 às 10:00")
}

func TestViewWithoutAppointments(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "2", knownCPF)
	next, tr := kit.step(t, conv, "1")
	assert.Equal(t, StateFinished, next.State)
	assert.Contains(t, tr.Replies[0], textNoAppointments)
}

func TestCancellationFlow(t *testing.T) {
	kit := newTestKit(t)
	id := prebook(t, kit, "10:00")

	conv := kit.walk(t, "oi", "3", knownCPF, "1")
	require.Equal(t, StateChoosingCancellation, conv.State)

	next, _ := kit.step(t, conv, "5")
	assert.Equal(t, StateChoosingCancellation, next.State)

	conv, tr := kit.step(t, conv, "1")
	require.Equal(t, StateConfirmingCancellation, conv.State)
	assert.Contains(t, tr.Replies[0], "Confirma o cancelamento")

	conv, tr = kit.step(t, conv, "1")
	assert.Equal(t, StateFinished, conv.State)
	assert.Equal(t, []string{textCancelled}, tr.Replies)

	appts, err := kit.gateway.ListAppointments(context.Background(), knownID)
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.Equal(t, id, appts[0].ID)
	assert.False(t, appts[0].Active())
}

func TestCancellationKeepAppointment(t *testing.T) {
	kit := newTestKit(t)
	prebook(t, kit, "10:00")

	conv := kit.walk(t, "oi", "3", knownCPF, "1", "1")
	next, tr := kit.step(t, conv, "2")
	assert.Equal(t, StateMainMenu, next.State)
	assert.Contains(t, tr.Replies[0], textCancelDropped)

	appts, _ := kit.gateway.ListAppointments(context.Background(), knownID)
	assert.True(t, appts[0].Active())
}

func TestWaitlistEnrollment(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "4", knownCPF)

	next, tr := kit.step(t, conv, "1")
	assert.Equal(t, StateFinished, next.State)
	assert.Contains(t, tr.Replies[0], "lista de espera")

	entries, err := kit.repo.ListWaitlist(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, knownCPF, entries[0].CPF)
	assert.Equal(t, testPhone, entries[0].Phone)
}

func TestFinishedRestartsWithGreeting(t *testing.T) {
	kit := newTestKit(t)
	next, tr := kit.step(t, newTestConversation(StateFinished, Context{}), "olá de novo")
	assert.Equal(t, StateMainMenu, next.State)
	assert.True(t, next.Context.IsEmpty())
	require.Len(t, tr.Replies, 1)
	assert.True(t, strings.HasPrefix(tr.Replies[0], textWelcomeBack))
	assert.Contains(t, tr.Replies[0], "Bem-vindo(a)")
}

func TestUnknownStateFallsBackToStart(t *testing.T) {
	kit := newTestKit(t)
	next, tr := kit.step(t, newTestConversation(State("estado_antigo"), Context{}), "1")
	assert.Equal(t, StateMainMenu, next.State)
	assert.True(t, next.Context.IsEmpty())
	assert.Contains(t, tr.Replies[0], "Bem-vindo(a)")
}

func TestStepDoesNotMutateConversation(t *testing.T) {
	kit := newTestKit(t)
	conv := kit.walk(t, "oi", "1", knownCPF)
	before := conv.Clone()

	_, err := kit.machine.Step(context.Background(), conv, "1")
	require.NoError(t, err)
	assert.Equal(t, before, conv)
}
