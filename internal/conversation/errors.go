package conversation

import (
	"context"
	"errors"

	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling"
)

var (
	// ErrMalformedInput marks inbound events missing required fields.
	ErrMalformedInput = errors.New("conversation: malformed inbound event")
	// ErrValidation marks user input a handler rejected. Handlers recover from it locally.
	ErrValidation = errors.New("conversation: input failed validation")
	// ErrPersistence marks a failed load or save of the conversation record.
	ErrPersistence = errors.New("conversation: persistence failure")
	// ErrVersionConflict is returned by stores when a compare-and-swap save loses.
	ErrVersionConflict = errors.New("conversation: version conflict")
	// ErrNotFound is returned by Store.Get for unknown phones.
	ErrNotFound = errors.New("conversation: not found")
	// ErrProcessingTimeout marks an event that exceeded the processing budget.
	ErrProcessingTimeout = errors.New("conversation: processing budget exceeded")
	// ErrUnexpected wraps panics and anything not covered above.
	ErrUnexpected = errors.New("conversation: unexpected failure")
)

// ErrorKind is the failure taxonomy used for logging, metrics and notices.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindMalformedInput
	KindValidation
	KindProviderUnavailable
	KindProviderConflict
	KindPersistence
	KindTimeout
	KindUnexpected
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindMalformedInput:
		return "malformed_input"
	case KindValidation:
		return "validation_failure"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindProviderConflict:
		return "provider_conflict"
	case KindPersistence:
		return "persistence_failure"
	case KindTimeout:
		return "timeout"
	default:
		return "unexpected"
	}
}

// Classify maps an error onto the taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrMalformedInput):
		return KindMalformedInput
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPersistence), errors.Is(err, ErrVersionConflict):
		return KindPersistence
	case errors.Is(err, scheduling.ErrSlotConflict):
		return KindProviderConflict
	case errors.Is(err, scheduling.ErrProviderUnavailable):
		return KindProviderUnavailable
	case errors.Is(err, ErrProcessingTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTimeout
	default:
		return KindUnexpected
	}
}
