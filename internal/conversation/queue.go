package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Queue carries inbound events from the webhook to the worker. MemoryQueue
// and SQSQueue implement it.
type Queue interface {
	Send(ctx context.Context, msg outgoingMessage) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// outgoingMessage carries the body plus the ordering keys FIFO queues use.
type outgoingMessage struct {
	Body     string
	GroupID  string
	DedupeID string
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
	// Attempts counts deliveries including this one; 0 when the backend
	// does not report it.
	Attempts int
}

type jobType string

const jobTypeInbound jobType = "inbound_message"

type queuePayload struct {
	ID    string       `json:"id"`
	Kind  jobType      `json:"kind"`
	Event InboundEvent `json:"event"`
}

func encodePayload(payload queuePayload) (queuePayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, "", fmt.Errorf("conversation: failed to encode payload: %w", err)
	}
	return payload, string(body), nil
}
