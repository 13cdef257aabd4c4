package conversation

import (
	"context"
	"fmt"

	"github.com/wolfman30/whatsapp-scheduler/internal/messaging"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

// Publisher enqueues inbound events for the worker.
type Publisher struct {
	queue  Queue
	logger *logging.Logger
}

func NewPublisher(queue Queue, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queue: queue, logger: logger}
}

// EnqueueInbound publishes one webhook event. The provider message id doubles
// as the job id so FIFO queues drop duplicate deliveries.
func (p *Publisher) EnqueueInbound(ctx context.Context, evt InboundEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	payload, body, err := encodePayload(queuePayload{ID: evt.MessageID, Kind: jobTypeInbound, Event: evt})
	if err != nil {
		return err
	}
	out := outgoingMessage{
		Body:     body,
		GroupID:  messaging.NormalizePhone(evt.Phone),
		DedupeID: payload.ID,
	}
	if err := p.queue.Send(ctx, out); err != nil {
		return fmt.Errorf("conversation: failed to enqueue event: %w", err)
	}
	p.logger.Debug("conversation event enqueued", "job_id", payload.ID, "kind", payload.Kind)
	return nil
}
