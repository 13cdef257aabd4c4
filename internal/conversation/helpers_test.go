package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wolfman30/whatsapp-scheduler/internal/bookings"
	"github.com/wolfman30/whatsapp-scheduler/internal/notify"
	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

const (
	testPhone  = "5511987654321"
	knownCPF   = "52998224725"
	unknownCPF = "11144477735"
	knownID    = "pac-1"
	knownName  = "Maria Silva"
	firstDate  = "2025-03-10"
	eighthDate = "2025-03-18"
)

var brt = time.FixedZone("BRT", -3*3600)

// Monday 2025-03-10 07:00 in São Paulo.
func fixedNow() time.Time {
	return time.Date(2025, 3, 10, 7, 0, 0, 0, brt)
}

// scriptedGateway wraps the stub calendar with per-call overrides.
type scriptedGateway struct {
	*scheduling.StubGateway

	mu          sync.Mutex
	createErrs  []error
	createCalls int
	lookup      func(ctx context.Context, cpf string) (*scheduling.Patient, error)
	dates       func(ctx context.Context, q scheduling.DateQuery) ([]scheduling.SlotCandidate, error)
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		StubGateway: scheduling.NewStubGateway(brt, scheduling.Patient{ID: knownID, Name: knownName, CPF: knownCPF}),
	}
}

func (g *scriptedGateway) LookupPatient(ctx context.Context, cpf string) (*scheduling.Patient, error) {
	if g.lookup != nil {
		return g.lookup(ctx, cpf)
	}
	return g.StubGateway.LookupPatient(ctx, cpf)
}

func (g *scriptedGateway) ListAvailableDates(ctx context.Context, q scheduling.DateQuery) ([]scheduling.SlotCandidate, error) {
	if g.dates != nil {
		return g.dates(ctx, q)
	}
	return g.StubGateway.ListAvailableDates(ctx, q)
}

func (g *scriptedGateway) CreateBooking(ctx context.Context, req scheduling.BookingRequest) (*scheduling.BookingConfirmation, error) {
	g.mu.Lock()
	g.createCalls++
	var err error
	if len(g.createErrs) > 0 {
		err, g.createErrs = g.createErrs[0], g.createErrs[1:]
	}
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return g.StubGateway.CreateBooking(ctx, req)
}

func (g *scriptedGateway) failNextCreate(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createErrs = append(g.createErrs, errs...)
}

type recordingHandoff struct {
	mu   sync.Mutex
	reqs []notify.HandoffRequest
}

func (r *recordingHandoff) NotifyHandoff(ctx context.Context, req notify.HandoffRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil
}

func providerDown(op string) error {
	return &scheduling.ProviderUnavailableError{Op: op, StatusCode: 503, Attempts: 3, Err: context.DeadlineExceeded}
}

type testKit struct {
	gateway *scriptedGateway
	repo    *bookings.InMemoryRepository
	handoff *recordingHandoff
	machine *Machine
}

func newTestKit(t *testing.T) *testKit {
	t.Helper()
	kit := &testKit{
		gateway: newScriptedGateway(),
		repo:    bookings.NewInMemoryRepository(),
		handoff: &recordingHandoff{},
	}
	kit.machine = NewMachine(kit.gateway,
		WithClinic(ClinicInfo{Name: "Clínica Sorriso", Phone: "(11) 3333-4444", Location: brt}),
		WithClock(fixedNow),
		WithWaitlist(kit.repo),
		WithAppointmentRecorder(kit.repo),
		WithHandoffNotifier(kit.handoff),
		WithMachineLogger(logging.Discard()),
	)
	return kit
}

func newTestConversation(state State, ctx Context) *Conversation {
	return &Conversation{ID: "conv-1", Phone: testPhone, State: state, Context: ctx, Version: 1}
}

// step runs one input and applies the transition to a copy of conv.
func (k *testKit) step(t *testing.T, conv *Conversation, input string) (*Conversation, Transition) {
	t.Helper()
	tr, err := k.machine.Step(context.Background(), conv, input)
	if err != nil {
		t.Fatalf("step %q in %s: unexpected error: %v", input, conv.State, err)
	}
	next := conv.Clone()
	next.State = tr.State
	next.Context = tr.Context
	return next, tr
}

// walk feeds inputs in order from a fresh conversation.
func (k *testKit) walk(t *testing.T, inputs ...string) *Conversation {
	t.Helper()
	conv := newTestConversation(StateStart, Context{})
	for _, in := range inputs {
		conv, _ = k.step(t, conv, in)
	}
	return conv
}
