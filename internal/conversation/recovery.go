package conversation

import (
	"context"
	"fmt"
	"runtime/debug"
)

// recoveryNotice picks the single user-facing text for a failed event. It
// never consults the machine, so a failing handler cannot be re-entered from
// here.
func recoveryNotice(kind ErrorKind) string {
	if kind == KindProviderUnavailable {
		return noticeProviderUnavailable
	}
	return noticeTemporaryProblem
}

// guardedStep runs one machine step and converts a panic into ErrUnexpected.
func (e *Engine) guardedStep(ctx context.Context, conv *Conversation, input string) (tr Transition, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("conversation: handler panicked",
				"phone", conv.Phone,
				"state", string(conv.State),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			tr = Transition{}
			err = fmt.Errorf("%w: panic in %s handler: %v", ErrUnexpected, conv.State, r)
		}
	}()
	return e.machine.Step(ctx, conv, input)
}

// recoverFrom logs the failure and returns the notice for the user. The stored
// conversation is left as it was.
func (e *Engine) recoverFrom(conv *Conversation, kind ErrorKind, err error) []OutboundMessage {
	e.logger.Error("conversation: handler failed, state preserved",
		"phone", conv.Phone,
		"conversation_id", conv.ID,
		"state", string(conv.State),
		"kind", kind.String(),
		"error", err,
	)
	return []OutboundMessage{{Phone: conv.Phone, Text: recoveryNotice(kind)}}
}
