package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue for local runs where the API and the
// worker share a process. Like SQS, a received job that is never deleted
// comes back once its visibility timeout lapses.
type MemoryQueue struct {
	ch         chan queueMessage
	visibility time.Duration

	mu       sync.Mutex
	inflight map[string]*time.Timer
}

// MemoryQueueOption tweaks a MemoryQueue.
type MemoryQueueOption func(*MemoryQueue)

// WithVisibilityTimeout sets how long a received job stays hidden before it
// is redelivered. Zero disables redelivery.
func WithVisibilityTimeout(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if d >= 0 {
			q.visibility = d
		}
	}
}

func NewMemoryQueue(buffer int, opts ...MemoryQueueOption) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	q := &MemoryQueue{
		ch:       make(chan queueMessage, buffer),
		inflight: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Send blocks while the buffer is full. Ordering keys are ignored here;
// per-phone ordering comes from the engine's locker.
func (q *MemoryQueue) Send(ctx context.Context, out outgoingMessage) error {
	msg := queueMessage{ID: uuid.NewString(), Body: out.Body}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits up to waitSeconds for the first job, then drains whatever
// else is buffered up to maxMessages. A zero wait blocks until ctx is done.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	var timeout <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

	var first queueMessage
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, nil
	case first = <-q.ch:
	}

	batch := []queueMessage{q.lease(first)}
	for len(batch) < maxMessages {
		select {
		case msg := <-q.ch:
			batch = append(batch, q.lease(msg))
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// Delete acknowledges a received job so it is not redelivered.
func (q *MemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if timer, ok := q.inflight[receiptHandle]; ok {
		timer.Stop()
		delete(q.inflight, receiptHandle)
	}
	return nil
}

// lease hands out a fresh receipt handle and arms redelivery.
func (q *MemoryQueue) lease(msg queueMessage) queueMessage {
	msg.ReceiptHandle = uuid.NewString()
	msg.Attempts++
	if q.visibility <= 0 {
		return msg
	}
	handle := msg.ReceiptHandle
	redeliver := queueMessage{ID: msg.ID, Body: msg.Body, Attempts: msg.Attempts}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight[handle] = time.AfterFunc(q.visibility, func() {
		q.mu.Lock()
		_, pending := q.inflight[handle]
		delete(q.inflight, handle)
		q.mu.Unlock()
		if pending {
			q.ch <- redeliver
		}
	})
	return msg
}
