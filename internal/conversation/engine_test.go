package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

// trackingStore records how many load/save cycles overlap per phone.
type trackingStore struct {
	*MemoryStore
	inFlight    int32
	maxInFlight int32
	loads       int32
	saveErr     error
}

func (s *trackingStore) GetOrCreate(ctx context.Context, phone string) (*Conversation, error) {
	atomic.AddInt32(&s.loads, 1)
	n := atomic.AddInt32(&s.inFlight, 1)
	for {
		m := atomic.LoadInt32(&s.maxInFlight)
		if n <= m || atomic.CompareAndSwapInt32(&s.maxInFlight, m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return s.MemoryStore.GetOrCreate(ctx, phone)
}

func (s *trackingStore) Save(ctx context.Context, conv *Conversation) error {
	defer atomic.AddInt32(&s.inFlight, -1)
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.Save(ctx, conv)
}

type countingObserver struct {
	mu          sync.Mutex
	outcomes    map[string]int
	transitions []string
}

func (o *countingObserver) ObserveEvent(outcome, kind string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[outcome+"/"+kind]++
}

func (o *countingObserver) ObserveTransition(from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from+"->"+to)
}

func newTestEngine(t *testing.T, kit *testKit, opts ...EngineOption) (*Engine, *trackingStore) {
	t.Helper()
	store := &trackingStore{MemoryStore: NewMemoryStore()}
	opts = append([]EngineOption{WithEngineLogger(logging.Discard())}, opts...)
	return NewEngine(store, kit.machine, opts...), store
}

func inbound(text string) InboundEvent {
	return InboundEvent{Phone: testPhone + "@c.us", MessageID: "msg-" + text, Text: text}
}

func mustProcess(t *testing.T, e *Engine, texts ...string) []OutboundMessage {
	t.Helper()
	var last []OutboundMessage
	for _, text := range texts {
		msgs, err := e.Process(context.Background(), inbound(text))
		require.NoError(t, err, text)
		last = msgs
	}
	return last
}

func storedConversation(t *testing.T, store Store) *Conversation {
	t.Helper()
	conv, err := store.Get(context.Background(), testPhone)
	require.NoError(t, err)
	return conv
}

func TestEngineFirstMessageCreatesConversation(t *testing.T) {
	kit := newTestKit(t)
	obs := &countingObserver{}
	engine, store := newTestEngine(t, kit, WithEngineObserver(obs))

	msgs := mustProcess(t, engine, "Oi")
	require.Len(t, msgs, 1)
	assert.Equal(t, testPhone, msgs[0].Phone)
	assert.Contains(t, msgs[0].Text, "Bem-vindo(a)")

	conv := storedConversation(t, store)
	assert.Equal(t, StateMainMenu, conv.State)
	assert.True(t, conv.Context.IsEmpty())
	assert.EqualValues(t, 2, conv.Version)
	assert.Equal(t, []string{"inicio->menu_principal"}, obs.transitions)
	assert.Equal(t, 1, obs.outcomes["processed/none"])
}

func TestEngineSkipsSelfAndStatusEvents(t *testing.T) {
	kit := newTestKit(t)
	engine, store := newTestEngine(t, kit)

	events := []InboundEvent{
		{Phone: testPhone, MessageID: "m1", Text: "oi", FromMe: true},
		{Phone: testPhone, MessageID: "m1", Text: "oi", FromMe: true},
		{Phone: testPhone, MessageID: "m2", Text: "oi", EventType: EventTypeMessageStatus},
		{Phone: testPhone, MessageID: "m3", EventType: EventTypeConnection},
		{Phone: testPhone, MessageID: "m4", Text: " \u200b "},
	}
	for _, evt := range events {
		msgs, err := engine.Process(context.Background(), evt)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	}
	assert.Zero(t, atomic.LoadInt32(&store.loads))
	assert.Zero(t, store.Len())
}

func TestEngineRejectsMissingPhone(t *testing.T) {
	kit := newTestKit(t)
	engine, store := newTestEngine(t, kit)

	msgs, err := engine.Process(context.Background(), InboundEvent{Phone: "@c.us", Text: "oi"})
	assert.ErrorIs(t, err, ErrMalformedInput)
	assert.Empty(t, msgs)
	assert.Zero(t, store.Len())
}

func TestEngineBookingHappyPath(t *testing.T) {
	kit := newTestKit(t)
	engine, store := newTestEngine(t, kit)

	msgs := mustProcess(t, engine, "oi", "1", "529.982.247-25", "1", "1", "1", "1")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "Consulta agendada com sucesso")
	assert.Equal(t, StateFinished, storedConversation(t, store).State)
	assert.Len(t, kit.repo.Appointments(), 1)
}

func TestEngineSerializesSamePhone(t *testing.T) {
	kit := newTestKit(t)
	engine, store := newTestEngine(t, kit)

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := "menu"
			if i%2 == 0 {
				text = fmt.Sprintf("mensagem %d", i)
			}
			if _, err := engine.Process(context.Background(), inbound(text)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(&store.maxInFlight))
	assert.EqualValues(t, n+1, storedConversation(t, store).Version, "every event must produce exactly one save")
}

func TestEngineParallelAcrossPhones(t *testing.T) {
	kit := newTestKit(t)
	engine, store := newTestEngine(t, kit)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engine.Process(context.Background(), InboundEvent{Phone: fmt.Sprintf("55119876543%02d", i), Text: "oi"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, store.Len())
}

func TestEngineProviderUnavailablePreservesStateAndRetryBooksOnce(t *testing.T) {
	kit := newTestKit(t)
	obs := &countingObserver{}
	engine, store := newTestEngine(t, kit, WithEngineObserver(obs))

	mustProcess(t, engine, "oi", "1", knownCPF, "1", "1", "1")
	before := storedConversation(t, store)
	require.Equal(t, StateConfirmingBooking, before.State)

	kit.gateway.failNextCreate(providerDown("create_booking"))
	msgs, err := engine.Process(context.Background(), inbound("1"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, noticeProviderUnavailable, msgs[0].Text)

	after := storedConversation(t, store)
	assert.Equal(t, StateConfirmingBooking, after.State)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Context, after.Context)
	assert.Equal(t, 1, obs.outcomes["recovered/provider_unavailable"])

	msgs = mustProcess(t, engine, "1")
	assert.Contains(t, msgs[0].Text, "Consulta agendada com sucesso")
	assert.Equal(t, StateFinished, storedConversation(t, store).State)

	appts, err := kit.gateway.ListAppointments(context.Background(), knownID)
	require.NoError(t, err)
	assert.Len(t, appts, 1)
	assert.Equal(t, 2, kit.gateway.createCalls)
}

func TestEngineRetryAfterLostReplyIsIdempotent(t *testing.T) {
	kit := newTestKit(t)
	engine, store := newTestEngine(t, kit)
	mustProcess(t, engine, "oi", "1", knownCPF, "1", "1", "1")

	// The booking succeeds at the provider but the save fails, so the
	// patient is still asked to confirm and sends "1" again.
	store.saveErr = errors.New("db down")
	msgs, err := engine.Process(context.Background(), inbound("1"))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, msgs)
	assert.Equal(t, StateConfirmingBooking, storedConversation(t, store).State)

	store.saveErr = nil
	msgs = mustProcess(t, engine, "1")
	assert.Contains(t, msgs[0].Text, "Consulta agendada com sucesso")

	appts, _ := kit.gateway.ListAppointments(context.Background(), knownID)
	assert.Len(t, appts, 1)
}

func TestEnginePanicIsRecovered(t *testing.T) {
	kit := newTestKit(t)
	kit.gateway.lookup = func(context.Context, string) (*scheduling.Patient, error) {
		panic("nil map write")
	}
	engine, store := newTestEngine(t, kit)
	mustProcess(t, engine, "oi", "1")

	msgs, err := engine.Process(context.Background(), inbound(knownCPF))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, noticeTemporaryProblem, msgs[0].Text)

	conv := storedConversation(t, store)
	assert.Equal(t, StateAwaitingCPF, conv.State)
	assert.Equal(t, ActionBook, conv.Context.Action)
}

func TestEngineTimeoutLeavesStateUntouched(t *testing.T) {
	kit := newTestKit(t)
	engine, store := newTestEngine(t, kit, WithProcessingTimeout(30*time.Millisecond))
	mustProcess(t, engine, "oi", "1", knownCPF)

	kit.gateway.dates = func(ctx context.Context, _ scheduling.DateQuery) ([]scheduling.SlotCandidate, error) {
		<-ctx.Done()
		return nil, &scheduling.ProviderUnavailableError{Op: "list_dates", Attempts: 1, Err: ctx.Err()}
	}
	msgs, err := engine.Process(context.Background(), inbound("1"))
	assert.ErrorIs(t, err, ErrProcessingTimeout)
	assert.Equal(t, KindTimeout, Classify(err))
	assert.Empty(t, msgs)
	assert.Equal(t, StateConfirmingPatient, storedConversation(t, store).State)
}

func TestEngineShutdownLeavesEventForRedelivery(t *testing.T) {
	kit := newTestKit(t)
	engine, store := newTestEngine(t, kit)
	mustProcess(t, engine, "oi", "1", knownCPF)

	ctx, cancel := context.WithCancel(context.Background())
	kit.gateway.dates = func(ctx context.Context, _ scheduling.DateQuery) ([]scheduling.SlotCandidate, error) {
		cancel()
		<-ctx.Done()
		return nil, &scheduling.ProviderUnavailableError{Op: "list_dates", Attempts: 1, Err: ctx.Err()}
	}
	msgs, err := engine.Process(ctx, inbound("1"))
	assert.ErrorIs(t, err, ErrProcessingTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindTimeout, Classify(err))
	assert.Empty(t, msgs)
	assert.Equal(t, StateConfirmingPatient, storedConversation(t, store).State)
}

func TestEngineSaveFailureWithholdsReplies(t *testing.T) {
	kit := newTestKit(t)
	engine, store := newTestEngine(t, kit)
	store.saveErr = ErrVersionConflict

	msgs, err := engine.Process(context.Background(), inbound("oi"))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Empty(t, msgs)
}

func TestEngineReset(t *testing.T) {
	kit := newTestKit(t)
	engine, store := newTestEngine(t, kit)
	mustProcess(t, engine, "oi", "1")

	conv, err := engine.Reset(context.Background(), "+55 (11) 98765-4321")
	require.NoError(t, err)
	assert.Equal(t, StateMainMenu, conv.State)
	assert.True(t, conv.Context.IsEmpty())
	assert.Equal(t, StateMainMenu, storedConversation(t, store).State)
	assert.Equal(t, applyCommand(CommandMenu).State, conv.State)

	_, err = engine.Reset(context.Background(), "5511000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoveryNotice(t *testing.T) {
	assert.Equal(t, noticeProviderUnavailable, recoveryNotice(KindProviderUnavailable))
	assert.Equal(t, noticeTemporaryProblem, recoveryNotice(KindUnexpected))
	assert.Equal(t, noticeTemporaryProblem, recoveryNotice(KindPersistence))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindNone, Classify(nil))
	assert.Equal(t, KindMalformedInput, Classify(fmt.Errorf("x: %w", ErrMalformedInput)))
	assert.Equal(t, KindPersistence, Classify(ErrVersionConflict))
	assert.Equal(t, KindProviderConflict, Classify(scheduling.ErrSlotConflict))
	assert.Equal(t, KindProviderUnavailable, Classify(providerDown("lookup_patient")))
	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, Classify(fmt.Errorf("send: %w", context.Canceled)))
	assert.Equal(t, KindUnexpected, Classify(errors.New("boom")))
}
