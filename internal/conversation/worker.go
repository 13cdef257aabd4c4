package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

// Processor turns one inbound event into the replies to deliver.
type Processor interface {
	Process(ctx context.Context, evt InboundEvent) ([]OutboundMessage, error)
}

// Sender delivers text to a WhatsApp number.
type Sender interface {
	SendText(ctx context.Context, phone, text string) error
}

// ReadMarker marks an inbound message as read on the provider.
type ReadMarker interface {
	MarkRead(ctx context.Context, phone, messageID string) error
}

// WorkerObserver receives delivery measurements.
type WorkerObserver interface {
	ObserveOutbound(outcome string)
}

// Worker consumes inbound events from the queue, runs them through the
// engine and delivers the replies in order.
type Worker struct {
	processor Processor
	queue     Queue
	sender    Sender
	logger    *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	sendTimeout      time.Duration
	maxAttempts      int
	readMarker       ReadMarker
	observer         WorkerObserver
}

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
	defaultSendTimeout   = 15 * time.Second
	defaultMaxAttempts   = 5
)

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the SQS long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithMaxAttempts caps redeliveries of a retryable failure. After the cap
// the job is dropped so one poisoned event cannot block a phone forever.
func WithMaxAttempts(n int) WorkerOption {
	return func(cfg *workerConfig) {
		if n > 0 {
			cfg.maxAttempts = n
		}
	}
}

func WithReadMarker(m ReadMarker) WorkerOption {
	return func(cfg *workerConfig) { cfg.readMarker = m }
}

func WithWorkerObserver(o WorkerObserver) WorkerOption {
	return func(cfg *workerConfig) { cfg.observer = o }
}

func NewWorker(processor Processor, queue Queue, sender Sender, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if processor == nil {
		panic("conversation: processor cannot be nil")
	}
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if sender == nil {
		panic("conversation: sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
		sendTimeout:      defaultSendTimeout,
		maxAttempts:      defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Worker{
		processor: processor,
		queue:     queue,
		sender:    sender,
		logger:    logger,
		cfg:       cfg,
	}
}

// Start launches the consumer goroutines. They stop when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("conversation worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("conversation worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive conversation events", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode conversation event", "error", err, "msg_id", msg.ID)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}
	if payload.Kind != jobTypeInbound {
		w.logger.Error("unknown conversation job kind", "kind", payload.Kind, "job_id", payload.ID)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	evt := payload.Event
	replies, err := w.processor.Process(ctx, evt)
	if err != nil {
		kind := Classify(err)
		w.logger.Error("conversation event failed",
			"error", err,
			"kind", kind.String(),
			"job_id", payload.ID,
			"message_id", evt.MessageID,
			"attempt", msg.Attempts,
		)
		// Timeouts and persistence failures stay on the queue for redelivery.
		if (kind == KindTimeout || kind == KindPersistence) && msg.Attempts < w.cfg.maxAttempts {
			return
		}
		if kind == KindTimeout || kind == KindPersistence {
			w.logger.Warn("dropping conversation event after repeated failures",
				"job_id", payload.ID,
				"phone", evt.Phone,
				"attempts", msg.Attempts,
			)
		}
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	if len(replies) > 0 {
		w.markRead(ctx, replies[0].Phone, evt.MessageID)
	}
	w.deliver(ctx, replies)
	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

// deliver sends replies in order and stops at the first failure so a later
// message is never delivered without the one before it.
func (w *Worker) deliver(ctx context.Context, replies []OutboundMessage) {
	for i, reply := range replies {
		sendCtx, cancel := context.WithTimeout(ctx, w.cfg.sendTimeout)
		err := w.sender.SendText(sendCtx, reply.Phone, reply.Text)
		cancel()
		if err != nil {
			w.observe("failed")
			w.logger.Error("failed to send reply",
				"error", err,
				"phone", reply.Phone,
				"part", fmt.Sprintf("%d/%d", i+1, len(replies)),
			)
			return
		}
		w.observe("sent")
	}
}

func (w *Worker) markRead(ctx context.Context, phone, messageID string) {
	if w.cfg.readMarker == nil || messageID == "" {
		return
	}
	if err := w.cfg.readMarker.MarkRead(ctx, phone, messageID); err != nil {
		w.logger.Debug("failed to mark message read", "error", err, "message_id", messageID)
	}
}

func (w *Worker) observe(outcome string) {
	if w.cfg.observer != nil {
		w.cfg.observer.ObserveOutbound(outcome)
	}
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete conversation event", "error", err)
	}
}
