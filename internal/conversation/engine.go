package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/whatsapp-scheduler/internal/messaging"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultProcessingTimeout bounds the handling of one inbound event.
const DefaultProcessingTimeout = 30 * time.Second

// Event outcomes reported to the EngineObserver.
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeRecovered = "recovered"
	OutcomeFailed    = "failed"
)

// EngineObserver receives per-event measurements.
type EngineObserver interface {
	ObserveEvent(outcome, kind string, d time.Duration)
	ObserveTransition(from, to string)
}

// Engine is the long-lived orchestrator shared by every worker goroutine.
type Engine struct {
	store    Store
	locker   Locker
	machine  *Machine
	timeout  time.Duration
	logger   *logging.Logger
	observer EngineObserver
	tracer   trace.Tracer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLocker replaces the default in-process locker.
func WithLocker(l Locker) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithProcessingTimeout overrides DefaultProcessingTimeout.
func WithProcessingTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithEngineLogger(l *logging.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithEngineObserver(o EngineObserver) EngineOption {
	return func(e *Engine) { e.observer = o }
}

func NewEngine(store Store, machine *Machine, opts ...EngineOption) *Engine {
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if machine == nil {
		panic("conversation: machine cannot be nil")
	}
	e := &Engine{
		store:   store,
		locker:  NewLocalLocker(),
		machine: machine,
		timeout: DefaultProcessingTimeout,
		logger:  logging.Default(),
		tracer:  otel.Tracer("whatsapp-scheduler.internal.conversation.engine"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Process handles one inbound event and returns the messages to deliver, in
// order. Messages are only returned once the new state is durably saved or,
// on a handler failure, when the stored state was left untouched.
//
// Self-sent and non-message events return (nil, nil) without touching the
// store. A nil error with nil messages also means the text was empty.
func (e *Engine) Process(ctx context.Context, evt InboundEvent) ([]OutboundMessage, error) {
	start := time.Now()
	if evt.FromMe || !evt.IsMessage() {
		e.observe(OutcomeSkipped, KindNone, start)
		return nil, nil
	}

	phone := messaging.NormalizePhone(evt.Phone)
	if phone == "" {
		e.logger.Warn("conversation: dropping event without phone", "message_id", evt.MessageID)
		e.observe(OutcomeFailed, KindMalformedInput, start)
		return nil, fmt.Errorf("%w: missing phone", ErrMalformedInput)
	}
	text, truncated := messaging.NormalizeText(evt.Text)
	if truncated {
		e.logger.Info("conversation: inbound text truncated", "phone", phone, "message_id", evt.MessageID)
	}
	if text == "" {
		e.observe(OutcomeSkipped, KindNone, start)
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "conversation.process", trace.WithAttributes(
		attribute.String("messaging.message_id", evt.MessageID),
	))
	defer span.End()

	msgs, kind, err := e.process(ctx, phone, text)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		e.observe(OutcomeFailed, kind, start)
	case kind != KindNone:
		span.SetAttributes(attribute.String("conversation.recovered", kind.String()))
		e.observe(OutcomeRecovered, kind, start)
	default:
		e.observe(OutcomeProcessed, KindNone, start)
	}
	return msgs, err
}

func (e *Engine) process(ctx context.Context, phone, text string) ([]OutboundMessage, ErrorKind, error) {
	release, err := e.locker.Acquire(ctx, phone)
	if err != nil {
		if ctx.Err() != nil {
			return nil, KindTimeout, fmt.Errorf("%w: %v", ErrProcessingTimeout, err)
		}
		return nil, KindPersistence, fmt.Errorf("%w: acquire lock: %v", ErrPersistence, err)
	}
	defer release()

	stored, err := e.store.GetOrCreate(ctx, phone)
	if err != nil {
		if ctx.Err() != nil {
			return nil, KindTimeout, fmt.Errorf("%w: %v", ErrProcessingTimeout, err)
		}
		return nil, KindPersistence, fmt.Errorf("%w: load: %v", ErrPersistence, err)
	}

	conv := stored.Clone()
	from := conv.State
	tr, err := e.guardedStep(ctx, conv, text)
	if err != nil {
		// Budget exhaustion and shutdown both leave the event for redelivery.
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.logger.Warn("conversation: processing interrupted", "phone", phone, "state", string(from), "cause", ctxErr, "error", err)
			return nil, KindTimeout, fmt.Errorf("%w: %w", ErrProcessingTimeout, ctxErr)
		}
		kind := Classify(err)
		return e.recoverFrom(stored, kind, err), kind, nil
	}

	conv.State = tr.State
	conv.Context = tr.Context
	if err := e.store.Save(ctx, conv); err != nil {
		e.logger.Error("conversation: save failed, replies withheld",
			"phone", phone,
			"from", string(from),
			"to", string(tr.State),
			"error", err,
		)
		return nil, KindPersistence, fmt.Errorf("%w: save: %w", ErrPersistence, err)
	}
	if e.observer != nil {
		e.observer.ObserveTransition(string(from), string(tr.State))
	}
	e.logger.Debug("conversation: transition",
		"phone", phone,
		"from", string(from),
		"to", string(tr.State),
		"version", conv.Version,
	)

	msgs := make([]OutboundMessage, 0, len(tr.Replies))
	for _, reply := range tr.Replies {
		if reply == "" {
			continue
		}
		msgs = append(msgs, OutboundMessage{Phone: phone, Text: reply})
	}
	return msgs, KindNone, nil
}

func (e *Engine) observe(outcome string, kind ErrorKind, start time.Time) {
	if e.observer == nil {
		return
	}
	e.observer.ObserveEvent(outcome, kind.String(), time.Since(start))
}

// Store returns the engine's conversation store.
func (e *Engine) Store() Store {
	return e.store
}

// Reset applies the menu command on the operator's behalf: the conversation
// lands on the main menu with its context cleared. It takes the same
// per-phone lock as Process. No reply is produced; the patient sees the menu
// on their next message.
func (e *Engine) Reset(ctx context.Context, phone string) (*Conversation, error) {
	phone = messaging.NormalizePhone(phone)
	if phone == "" {
		return nil, fmt.Errorf("%w: missing phone", ErrMalformedInput)
	}
	release, err := e.locker.Acquire(ctx, phone)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := e.store.Get(ctx, phone)
	if err != nil {
		return nil, err
	}
	from := conv.State
	tr := applyCommand(CommandMenu)
	conv.State = tr.State
	conv.Context = tr.Context
	if err := e.store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("%w: reset: %w", ErrPersistence, err)
	}
	if e.observer != nil {
		e.observer.ObserveTransition(string(from), string(tr.State))
	}
	e.logger.Info("conversation: reset by operator", "phone", phone, "from", string(from))
	return conv, nil
}
